package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"alarm-trader/internal/config"
	"alarm-trader/internal/security"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with credentials masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			masked := maskedConfig(app.Config)
			if output.IsJSON() {
				return output.JSON(masked)
			}
			showConfig(output, masked)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.ConfigDir})
			}
			output.Println(app.ConfigDir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration in %s is valid", app.ConfigDir)
			return nil
		},
	})

	return cmd
}

// maskedConfig returns a copy of cfg safe to print.
func maskedConfig(cfg *config.Config) config.Config {
	masked := *cfg
	keys := make([]string, len(cfg.Credentials.Provider.APIKeys))
	for i, k := range cfg.Credentials.Provider.APIKeys {
		keys[i] = security.MaskCredential(k)
	}
	masked.Credentials.Provider.APIKeys = keys
	masked.Credentials.Telegram.BotToken = security.MaskCredential(cfg.Credentials.Telegram.BotToken)
	masked.Notifications.Telegram.BotToken = security.MaskCredential(cfg.Notifications.Telegram.BotToken)
	return masked
}

func showConfig(output *Output, cfg config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:              %s\n", cfg.Trading.Mode)
	output.Println()

	output.Bold("Provider")
	output.Printf("  Base URL:          %s\n", cfg.Provider.BaseURL)
	output.Printf("  Calls per minute:  %d per key\n", cfg.Provider.CallsPerMinute)
	output.Printf("  API keys:          %d\n", len(cfg.Credentials.Provider.APIKeys))
	for _, k := range cfg.Credentials.Provider.APIKeys {
		output.Printf("                     %s\n", k)
	}
	output.Printf("  Cooldown:          %s\n", cfg.Provider.Cooldown)
	output.Println()

	output.Bold("Scheduler")
	output.Printf("  Idle sleep:        %s\n", cfg.Scheduler.IdleSleep)
	output.Printf("  Unavailable poll:  %s\n", cfg.Scheduler.UnavailablePoll)
	output.Println()

	output.Bold("Broker")
	output.Printf("  Script:            %s\n", cfg.Broker.Script)
	output.Printf("  Runtime dir:       %s\n", cfg.Broker.RuntimeDir)
	output.Printf("  Release timeout:   %s\n", cfg.Broker.ReleaseTimeout)
	output.Println()

	output.Bold("Files")
	output.Printf("  Store:             %s\n", cfg.Store.Path)
	output.Printf("  Alarm intake:      %s\n", cfg.Intake.AlarmsPath)
	output.Printf("  Indicators:        %s\n", cfg.Intake.IndicatorsPath)
	output.Printf("  Log:               %s\n", cfg.Logging.FilePath)
	output.Println()

	output.Bold("Portfolio")
	output.Printf("  Poll interval:     %s\n", cfg.Portfolio.PollInterval)
	output.Printf("  Issue warnings:    %d\n", cfg.Portfolio.MaxIssueWarnings)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:           %v\n", cfg.Notifications.Enabled)
	output.Printf("  Telegram:          %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Queue:             %s\n", filepath.Clean(cfg.Notifications.QueuePath))
}
