// Package engine runs the alarm, portfolio and control loops.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"alarm-trader/internal/alarms"
	"alarm-trader/internal/dispatch"
	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
	"alarm-trader/internal/notify"
	"alarm-trader/internal/refresh"
	"alarm-trader/internal/trace"
)

// Lifecycle syncs the intake into the store and handles evaluation diagnostics.
type Lifecycle interface {
	Sync(ctx context.Context) ([]models.Alarm, error)
	Triage(ctx context.Context, diags []alarms.Diagnostic)
}

// Refresher refreshes the series the alarms depend on.
type Refresher interface {
	Refresh(ctx context.Context, alarms []models.Alarm, indicators models.Indicators) *refresh.Result
}

// Evaluator decides which alarms fired.
type Evaluator interface {
	Evaluate(ctx context.Context, alarms []models.Alarm, refreshed refresh.Set) (*alarms.Evaluation, error)
}

// Dispatcher places orders for fired alarms and finalizes them.
type Dispatcher interface {
	Dispatch(ctx context.Context, fired []models.Alarm) (*dispatch.Report, error)
}

// Gate blocks while the data provider is unavailable.
type Gate interface {
	Wait(ctx context.Context, interval time.Duration) error
}

// CycleStats summarizes one alarm cycle.
type CycleStats struct {
	Active    int
	Refreshed int
	Fired     int
	Handled   int
	Idle      bool
}

// AlarmLoop runs sync, refresh, evaluate and dispatch cycles.
type AlarmLoop struct {
	lifecycle  Lifecycle
	refresher  Refresher
	evaluator  Evaluator
	dispatcher Dispatcher
	gate       Gate
	indicators models.Indicators
	notifier   notify.Notifier
	logger     zerolog.Logger

	idleSleep       time.Duration
	unavailablePoll time.Duration

	cycles   atomic.Uint64
	lastDone atomic.Int64
}

// AlarmLoopConfig wires an AlarmLoop.
type AlarmLoopConfig struct {
	Lifecycle       Lifecycle
	Refresher       Refresher
	Evaluator       Evaluator
	Dispatcher      Dispatcher
	Gate            Gate
	Indicators      models.Indicators
	Notifier        notify.Notifier
	IdleSleep       time.Duration
	UnavailablePoll time.Duration
}

// NewAlarmLoop creates an AlarmLoop.
func NewAlarmLoop(cfg AlarmLoopConfig, logger zerolog.Logger) *AlarmLoop {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 60 * time.Second
	}
	if cfg.UnavailablePoll <= 0 {
		cfg.UnavailablePoll = 5 * time.Second
	}
	return &AlarmLoop{
		lifecycle:       cfg.Lifecycle,
		refresher:       cfg.Refresher,
		evaluator:       cfg.Evaluator,
		dispatcher:      cfg.Dispatcher,
		gate:            cfg.Gate,
		indicators:      cfg.Indicators,
		notifier:        cfg.Notifier,
		logger:          logging.WithComponent(logger, "alarms"),
		idleSleep:       cfg.IdleSleep,
		unavailablePoll: cfg.UnavailablePoll,
	}
}

// Cycles returns the number of completed cycles.
func (l *AlarmLoop) Cycles() uint64 { return l.cycles.Load() }

// LastCycle returns when the last cycle completed.
func (l *AlarmLoop) LastCycle() time.Time {
	ns := l.lastDone.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RunCycle runs one cycle. Only errors wrapping ErrFatalRemoval must stop
// the process; everything else is retried on the next cycle.
func (l *AlarmLoop) RunCycle(ctx context.Context) (CycleStats, error) {
	n := l.cycles.Load() + 1
	logger := logging.WithCycle(l.logger, n)
	ctx, span := trace.Start(ctx, "alarm_cycle", attribute.Int64("cycle", int64(n)))

	stats, err := l.runCycle(ctx, logger)

	span.SetAttributes(
		attribute.Int("active", stats.Active),
		attribute.Int("fired", stats.Fired),
		attribute.Int("handled", stats.Handled),
	)
	trace.End(span, err)

	l.cycles.Add(1)
	l.lastDone.Store(time.Now().UnixNano())
	return stats, err
}

func (l *AlarmLoop) runCycle(ctx context.Context, logger zerolog.Logger) (CycleStats, error) {
	var stats CycleStats

	active, err := l.lifecycle.Sync(ctx)
	if err != nil {
		return stats, fmt.Errorf("syncing alarms: %w", err)
	}
	stats.Active = len(active)
	if len(active) == 0 {
		stats.Idle = true
		return stats, nil
	}

	if l.gate != nil {
		if err := l.gate.Wait(ctx, l.unavailablePoll); err != nil {
			return stats, err
		}
	}

	res := l.refresher.Refresh(ctx, active, l.indicators)
	stats.Refreshed = len(res.Refreshed)
	if res.Err != nil {
		logger.Warn().Err(res.Err).Msg("Some series were not refreshed")
	}

	eval, err := l.evaluator.Evaluate(ctx, active, res.Refreshed)
	if err != nil {
		logger.Error().Err(err).Msg("Evaluation incomplete")
	}
	if eval == nil {
		return stats, err
	}
	l.lifecycle.Triage(ctx, eval.Diagnostics)
	stats.Fired = len(eval.Fired)

	if len(eval.Fired) > 0 {
		report, err := l.dispatcher.Dispatch(ctx, eval.Fired)
		if report != nil {
			stats.Handled = len(report.Handled())
		}
		if err != nil {
			return stats, err
		}
	}

	logger.Info().
		Int("active", stats.Active).
		Int("refreshed", stats.Refreshed).
		Int("fired", stats.Fired).
		Int("handled", stats.Handled).
		Msg("Alarm cycle complete")
	return stats, nil
}

// Run loops until ctx ends or a removal failure makes it unsafe to continue.
func (l *AlarmLoop) Run(ctx context.Context) error {
	l.logger.Info().Msg("Alarms service is running")

	for {
		if ctx.Err() != nil {
			return nil
		}

		stats, err := l.RunCycle(ctx)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrFatalRemoval) {
				notify.Alert(ctx, l.notifier, l.logger, fmt.Sprintf(
					"Triggered alarms could not be disabled: %v\n\nThe service will stop to avoid triggering duplicates. "+
						"Please disable the alarms manually and restart the service.", err))
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error().Err(err).Msg("Alarm cycle failed")
		}

		if !stats.Idle && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.idleSleep):
		}
	}
}
