// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "alarm-trader", "logs", "alarm-trader.log"),
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
	}
}

// levelLabels are the three-letter console labels, coloured per level.
var levelLabels = map[string]string{
	"debug": color.CyanString("DBG"),
	"info":  color.GreenString("INF"),
	"warn":  color.YellowString("WRN"),
	"error": color.RedString("ERR"),
	"fatal": color.MagentaString("FTL"),
}

func formatLevel(i interface{}) string {
	level, ok := i.(string)
	if !ok {
		return "???"
	}
	if label, known := levelLabels[level]; known {
		return label
	}
	return level
}

// NewLoggerWithConfig builds a logger writing to the console, the rotating
// log file, or both. Filters wrap the combined writer in order, for example
// to redact secrets.
func NewLoggerWithConfig(cfg LogConfig, filters ...func(io.Writer) io.Writer) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:         os.Stdout,
			NoColor:     color.NoColor,
			TimeFormat:  time.RFC3339,
			FormatLevel: formatLevel,
		})
	}

	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer = os.Stdout
	if len(writers) == 1 {
		writer = writers[0]
	} else if len(writers) > 1 {
		writer = zerolog.MultiLevelWriter(writers...)
	}
	for _, filter := range filters {
		writer = filter(writer)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel maps a config string to a zerolog level. Anything other than
// debug, warn or error is info.
func ParseLevel(level string) zerolog.Level {
	switch l, err := zerolog.ParseLevel(strings.ToLower(level)); {
	case err != nil:
		return zerolog.InfoLevel
	case l == zerolog.DebugLevel, l == zerolog.WarnLevel, l == zerolog.ErrorLevel:
		return l
	default:
		return zerolog.InfoLevel
	}
}

// ContextKey is the type for context keys.
type ContextKey string

// LoggerKey is the context key for the logger.
const LoggerKey ContextKey = "logger"

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithTicker adds a ticker to the logger context.
func WithTicker(logger zerolog.Logger, ticker string) zerolog.Logger {
	return logger.With().Str("ticker", ticker).Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithCycle tags log lines with the alarm cycle number.
func WithCycle(logger zerolog.Logger, cycle uint64) zerolog.Logger {
	return logger.With().Uint64("cycle", cycle).Logger()
}

// LogAlarmFired logs an alarm whose trigger condition held.
func LogAlarmFired(logger zerolog.Logger, ticker, target, direction string, high, low float64) {
	logger.Info().
		Str("event", "alarm_fired").
		Str("ticker", ticker).
		Str("target", target).
		Str("direction", direction).
		Float64("high", high).
		Float64("low", low).
		Msg("Alarm fired")
}

// LogOrder logs an order submission outcome.
func LogOrder(logger zerolog.Logger, ticker, side, orderType string, qty int, price float64, err error) {
	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Str("event", "order").
		Str("ticker", ticker).
		Str("side", side).
		Str("order_type", orderType).
		Int("quantity", qty).
		Float64("price", price).
		Msg("Order submitted")
}

// LogThrottled logs a provider quota response.
func LogThrottled(logger zerolog.Logger, ticker string, interval string) {
	logger.Warn().
		Str("event", "throttled").
		Str("ticker", ticker).
		Str("interval", interval).
		Msg("Provider quota exhausted, suspending access")
}

// LogAPICall logs a provider or gateway call at debug level, or at warn
// level when it failed.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug()
	msg := "Call completed"
	if err != nil {
		event = logger.Warn().Err(err)
		msg = "Call failed"
	}
	event.Str("event", "call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration).
		Msg(msg)
}
