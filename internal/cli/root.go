// Package cli provides the command-line interface for the alarm trader.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"alarm-trader/internal/config"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/security"
)

// Version information
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// App holds the application dependencies.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
	Redactor  *security.Redactor
}

// NewRootCmd creates the root command for the CLI. logger is used until the
// configuration is loaded and replaced by the configured logger afterwards.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{
		Logger:   logger,
		Redactor: security.NewRedactor(),
	}

	rootCmd := &cobra.Command{
		Use:   "alarm-trader",
		Short: "Price alarm trader - places broker orders when price alarms fire",
		Long: `Alarm Trader watches intraday prices for the tickers in the alarm intake file
and places orders through the broker gateway when an alarm's level is crossed.

Alarms are added by appending lines to the intake file or with 'alarm-trader alarms add'.
Start trading with 'alarm-trader run paper' or 'alarm-trader run live'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.ConfigDir, _ = cmd.Flags().GetString("config")
			if app.ConfigDir == "" {
				app.ConfigDir = config.DefaultConfigDir()
			}
			if cmd.Annotations[skipConfig] != "true" {
				debug, _ := cmd.Flags().GetBool("debug")
				if err := app.load(debug); err != nil {
					return err
				}
			}
			cmd.SetContext(logging.WithLogger(commandContext(cmd), app.Logger))
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/alarm-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newAlarmsCmd(app))
	rootCmd.AddCommand(newPortfolioCmd(app))
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newCredentialsCmd(app))

	return rootCmd
}

// load reads the configuration, preferring the encrypted vault when its
// password is in the environment, and rebuilds the logger around it.
func (a *App) load(debug bool) error {
	var opts []config.LoadOption
	vault := security.NewVault(a.ConfigDir)
	if pw := os.Getenv(security.PasswordEnv); pw != "" && vault.Exists() {
		opts = append(opts, config.WithCredentialLoader(vault.Loader(pw)))
	}

	cfg, err := config.Load(a.ConfigDir, opts...)
	if err != nil {
		return err
	}
	a.Config = cfg

	a.Redactor.Add(cfg.Credentials.Provider.APIKeys...)
	a.Redactor.Add(cfg.Notifications.Telegram.BotToken)

	a.Logger = logging.NewLoggerWithConfig(cfg.Logging, a.Redactor.Writer)
	if debug {
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Alarm Trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
