package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"alarm-trader/internal/cli"
	"alarm-trader/internal/logging"
)

func main() {
	// Console only until the configuration names the log file.
	logger := logging.NewLoggerWithConfig(logging.LogConfig{Level: "info", Console: true})

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("Could not read .env")
	}

	if err := cli.NewRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
