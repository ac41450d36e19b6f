package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"alarm-trader/internal/config"
	"alarm-trader/internal/engine"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/security"
)

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run <paper|live>",
		Short: "Start the alarm, portfolio and control loops",
		Long: `Start trading. The mode argument is required and decides which broker
account the gateway uses; it overrides trading.mode in config.toml.`,
		Example: "  alarm-trader run paper\n  alarm-trader run LIVE",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := config.ParseMode(args[0])
			if err != nil {
				return err
			}
			paper := mode == "paper"
			ctx := commandContext(cmd)
			logger := logging.FromContext(ctx)

			if !paper {
				logger.Warn().Msg("Running in LIVE mode, orders go to the real account")
			}

			audit, err := security.NewAuditLog(security.DefaultAuditConfig(app.ConfigDir), paper, app.Redactor)
			if err != nil {
				return err
			}
			defer audit.Close()
			if err := audit.Log(ctx, security.AuditEvent{EventType: security.AuditModeChanged, Action: mode, Success: true}); err != nil {
				logger.Warn().Err(err).Msg("Audit write failed")
			}

			e, err := engine.New(app.Config, paper, logger,
				engine.WithVersion(Version),
				engine.WithAuditLog(audit),
			)
			if err != nil {
				return fmt.Errorf("starting engine: %w", err)
			}
			defer e.Close()

			return e.Run(ctx)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
