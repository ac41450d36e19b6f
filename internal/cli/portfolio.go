package cli

import (
	"github.com/spf13/cobra"

	"alarm-trader/internal/broker"
	"alarm-trader/internal/config"
	"alarm-trader/internal/models"
	"alarm-trader/internal/store"
	"alarm-trader/pkg/utils"
)

// configuredMode is the --refresh value meaning "the mode in config.toml".
const configuredMode = "config"

type positionView struct {
	Ticker        string  `json:"ticker"`
	Quantity      float64 `json:"quantity"`
	AverageCost   float64 `json:"average_cost"`
	MarketPrice   float64 `json:"market_price"`
	ReturnPercent float64 `json:"return_percent"`
}

func newPortfolioCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Show the last known broker portfolio",
		Long: `Show the portfolio recorded by the last successful gateway fetch.
With --refresh the gateway is asked for a fresh snapshot first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := commandContext(cmd)

			st, err := store.NewSQLiteStore(app.Config.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			var positions []models.Position
			if modeArg, _ := cmd.Flags().GetString("refresh"); modeArg != "" {
				paper := app.Config.IsPaperMode()
				if modeArg != configuredMode {
					mode, err := config.ParseMode(modeArg)
					if err != nil {
						return err
					}
					paper = mode == "paper"
				}
				gw, err := broker.NewGateway(app.Config.Broker, paper, nil, app.Logger,
					broker.WithPortfolioStore(st))
				if err != nil {
					return err
				}
				defer gw.Close()
				if positions, err = gw.Portfolio(ctx); err != nil {
					return err
				}
			} else if positions, err = st.ActivePortfolio(ctx); err != nil {
				return err
			}

			views := make([]positionView, 0, len(positions))
			for _, p := range positions {
				views = append(views, positionView{
					Ticker:        p.Ticker,
					Quantity:      p.OpenPosition,
					AverageCost:   p.AverageCost,
					MarketPrice:   p.MarketPrice,
					ReturnPercent: utils.ReturnPercent(p.AverageCost, p.MarketPrice),
				})
			}
			if output.IsJSON() {
				return output.JSON(views)
			}
			if len(views) == 0 {
				output.Dim("No open positions")
				return nil
			}

			table := NewTable(output, "TICKER", "QTY", "AVG COST", "PRICE", "RETURN")
			var invested, value float64
			for _, v := range views {
				table.AddRow(v.Ticker, formatShares(v.Quantity), utils.FormatMoney(v.AverageCost),
					utils.FormatMoney(v.MarketPrice), output.Signed(v.ReturnPercent, utils.FormatPercent(v.ReturnPercent)))
				invested += v.Quantity * v.AverageCost
				value += v.Quantity * v.MarketPrice
			}
			table.Render()

			total := utils.ReturnPercent(invested, value)
			output.Println()
			output.Printf("Invested %s, worth %s (%s)\n", utils.FormatMoney(invested), utils.FormatMoney(value),
				output.Signed(total, utils.FormatPercent(total)))
			return nil
		},
	}
	cmd.Flags().String("refresh", "", "fetch a fresh snapshot from the gateway in this mode (paper or live, default from config)")
	cmd.Flags().Lookup("refresh").NoOptDefVal = configuredMode
	return cmd
}
