package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"alarm-trader/internal/alarms"
	"alarm-trader/internal/models"
	"alarm-trader/internal/store"
	"alarm-trader/pkg/utils"
)

// alarmView is the JSON shape of a listed alarm.
type alarmView struct {
	Ticker      string   `json:"ticker"`
	Target      string   `json:"target"`
	Direction   string   `json:"direction"`
	Capital     *float64 `json:"capital,omitempty"`
	Active      bool     `json:"active"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
	TriggeredAt string   `json:"triggered_at,omitempty"`
}

func newAlarmView(a models.Alarm) alarmView {
	v := alarmView{
		Ticker:    a.Ticker,
		Target:    a.Target.String(),
		Direction: a.Direction.IntakeToken(),
		Capital:   a.Capital,
		Active:    a.Active,
	}
	if !a.UpdatedAt.IsZero() {
		v.UpdatedAt = a.UpdatedAt.Format(store.TimeLayout)
	}
	if a.TriggeredAt != nil {
		v.TriggeredAt = a.TriggeredAt.Format(store.TimeLayout)
	}
	return v
}

func newAlarmsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarms",
		Short: "List, add and withdraw alarms",
	}
	cmd.AddCommand(newAlarmsListCmd(app))
	cmd.AddCommand(newAlarmsAddCmd(app))
	cmd.AddCommand(newAlarmsRemoveCmd(app))
	return cmd
}

func newAlarmsListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored alarms",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			output := NewOutput(cmd)

			st, err := store.NewSQLiteStore(app.Config.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.ListAlarms(commandContext(cmd), !all)
			if err != nil {
				return err
			}

			views := make([]alarmView, 0, len(list))
			for _, a := range list {
				views = append(views, newAlarmView(a))
			}
			if output.IsJSON() {
				return output.JSON(views)
			}
			if len(views) == 0 {
				output.Dim("No alarms")
				return nil
			}

			table := NewTable(output, "TICKER", "TARGET", "DIRECTION", "CAPITAL", "ACTIVE", "TRIGGERED")
			for _, v := range views {
				capital := "-"
				if v.Capital != nil {
					capital = utils.FormatMoney(*v.Capital)
				}
				active := output.Green("yes")
				if !v.Active {
					active = output.Yellow("no")
				}
				triggered := v.TriggeredAt
				if triggered == "" {
					triggered = "-"
				}
				table.AddRow(v.Ticker, v.Target, v.Direction, capital, active, triggered)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "include inactive alarms")
	return cmd
}

func newAlarmsAddCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "add <ticker> <price|indicator> <crossdown|crossup> [capital]",
		Short: "Queue a new alarm in the intake file",
		Long: `Queue a new alarm. Crossdown alarms buy when the price falls through the
target, crossup alarms sell when it rises through it. Capital is the amount to
invest for buys and the number of shares for sells; without it a sell closes
the whole position.`,
		Example: "  alarm-trader alarms add MSFT 100 crossdown 500\n  alarm-trader alarms add AAPL sma50 crossup",
		Args:    cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			a, err := alarms.ParseLine(strings.Join(args, ","))
			if err != nil {
				return err
			}

			intake, err := alarms.NewIntake(app.Config.Intake.AlarmsPath)
			if err != nil {
				return err
			}
			line := alarms.FormatLine(a)
			if err := intake.Append(line); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"queued": line})
			}
			output.Success("Queued %s %s at %s", a.Ticker, a.Direction.IntakeToken(), a.Target)
			return nil
		},
	}
}

func newAlarmsRemoveCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <ticker> [target]",
		Aliases: []string{"rm"},
		Short:   "Withdraw a ticker's alarms, or only those at target",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			ref := models.AlarmRef{Ticker: models.SanitizeTicker(args[0])}
			if len(args) == 2 {
				if _, err := models.ParseTarget(args[1]); err != nil {
					return err
				}
				ref.Target = models.CanonicalTarget(args[1])
			}

			intake, err := alarms.NewIntake(app.Config.Intake.AlarmsPath)
			if err != nil {
				return err
			}
			line := alarms.WithdrawalLine(ref)
			if err := intake.Append(line); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"queued": line})
			}
			what := "all alarms"
			if ref.Target != "" {
				what = "alarms at " + ref.Target
			}
			output.Success("Queued withdrawal of %s for %s", what, ref.Ticker)
			output.Dim("Applied on the next alarm cycle of a running trader")
			return nil
		},
	}
}

// formatShares groups the whole shares with commas and keeps any fraction.
func formatShares(qty float64) string {
	s := strconv.FormatFloat(qty, 'f', -1, 64)
	whole, frac, _ := strings.Cut(s, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return s
	}
	out := utils.FormatQuantity(n)
	if whole == "-0" {
		out = "-0"
	}
	if frac != "" {
		out += "." + frac
	}
	return out
}
