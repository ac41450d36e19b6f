package alarms

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
	"alarm-trader/internal/notify"
	"alarm-trader/internal/refresh"
	"alarm-trader/internal/store"
	"alarm-trader/internal/trace"
)

// EvaluatorStore is the store surface the evaluator needs.
type EvaluatorStore interface {
	LatestDatapoint(ctx context.Context, ticker string, interval models.Interval) (*models.Datapoint, error)
	UpdateAlarms(ctx context.Context, refs []models.AlarmRef, field store.AlarmField, value interface{}) (int64, error)
}

// Diagnostic is a problem found while evaluating one alarm.
type Diagnostic struct {
	Alarm models.Alarm
	Err   error
}

// Evaluation is the outcome of evaluating a set of alarms.
type Evaluation struct {
	Fired       []models.Alarm
	Diagnostics []Diagnostic
}

// Err combines every diagnostic into one error.
func (e *Evaluation) Err() error {
	var err error
	for _, d := range e.Diagnostics {
		err = multierr.Append(err, fmt.Errorf("%s: %w", d.Alarm.Key(), d.Err))
	}
	return err
}

// Evaluator decides which alarms fired on the latest datapoint.
type Evaluator struct {
	store      EvaluatorStore
	indicators models.Indicators
	logger     zerolog.Logger
	workers    int
	now        func() time.Time
}

// NewEvaluator creates an Evaluator running NumCPU checks at once.
func NewEvaluator(st EvaluatorStore, indicators models.Indicators, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:      st,
		indicators: indicators,
		logger:     logging.WithOperation(logger, "evaluate"),
		workers:    max(1, runtime.NumCPU()),
		now:        time.Now,
	}
}

// Evaluate checks every alarm whose series was refreshed this cycle and
// stamps the fired ones with the trigger time.
func (e *Evaluator) Evaluate(ctx context.Context, alarms []models.Alarm, refreshed refresh.Set) (*Evaluation, error) {
	ctx, span := trace.Start(ctx, "evaluate", attribute.Int("alarms", len(alarms)))

	var (
		mu   sync.Mutex
		eval = &Evaluation{}
		g    errgroup.Group
	)
	g.SetLimit(e.workers)

	for _, a := range alarms {
		a := a
		g.Go(func() error {
			fired, err := e.check(ctx, a, refreshed)
			if !fired && err == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				eval.Diagnostics = append(eval.Diagnostics, Diagnostic{Alarm: a, Err: err})
			} else {
				eval.Fired = append(eval.Fired, a)
			}
			return nil
		})
	}
	_ = g.Wait()

	var err error
	if len(eval.Fired) > 0 {
		refs := make([]models.AlarmRef, len(eval.Fired))
		for i, a := range eval.Fired {
			refs[i] = a.Ref()
		}
		if _, err = e.store.UpdateAlarms(ctx, refs, store.FieldTriggeredAt, e.now()); err != nil {
			err = fmt.Errorf("stamping triggered alarms: %w", err)
		}
	}

	span.SetAttributes(attribute.Int("fired", len(eval.Fired)), attribute.Int("diagnostics", len(eval.Diagnostics)))
	trace.End(span, err)
	return eval, err
}

// check reports whether a fired. Alarms whose pair was not refreshed are
// skipped without a diagnostic.
func (e *Evaluator) check(ctx context.Context, a models.Alarm, refreshed refresh.Set) (bool, error) {
	interval, err := e.indicators.IntervalFor(a.Target)
	if err != nil {
		return false, apperrors.NewValidationError("target", a.Target.String(), err.Error())
	}
	if !refreshed.Has(a.Ticker, interval) {
		return false, nil
	}

	dp, err := e.store.LatestDatapoint(ctx, a.Ticker, interval)
	if err != nil {
		return false, apperrors.NewDataError("datapoint", a.Ticker, "loading latest datapoint", err)
	}
	if dp == nil {
		return false, apperrors.NewDataError("datapoint", a.Ticker,
			fmt.Sprintf("no datapoints on the %s interval", interval), apperrors.ErrDataNotFound)
	}

	level, ok := a.Target.Price()
	if !ok {
		name, _ := a.Target.Indicator()
		if level, ok = dp.Indicator(name); !ok {
			return false, apperrors.NewDataError("indicator", a.Ticker,
				fmt.Sprintf("indicator %q is not tracked", name), apperrors.ErrIndicatorNotTracked)
		}
	}

	if !a.Direction.Fires(dp.High, dp.Low, level) {
		return false, nil
	}
	logging.LogAlarmFired(e.logger, a.Ticker, a.Target.String(), a.Direction.String(), dp.High, dp.Low)
	return true, nil
}

// Triage handles diagnostics after evaluation: invalid alarms are removed,
// untracked indicators are logged and everything else is reported.
func (l *Lifecycle) Triage(ctx context.Context, diags []Diagnostic) {
	for _, d := range diags {
		logger := logging.WithTicker(l.logger, d.Alarm.Ticker)
		switch {
		case apperrors.Is(d.Err, apperrors.ErrInvalidAlarm):
			if err := l.Remove(ctx, d.Alarm.Ref()); err != nil {
				notify.Alert(ctx, l.notifier, logger, fmt.Sprintf("Invalid alarm %s could not be removed: %v", d.Alarm.Key(), err))
				continue
			}
			notify.Alert(ctx, l.notifier, logger, fmt.Sprintf("Alarm %s was removed: %v", d.Alarm.Key(), d.Err))
		case apperrors.Is(d.Err, apperrors.ErrIndicatorNotTracked):
			logger.Warn().Err(d.Err).Msg("Indicator not tracked, alarm skipped")
		default:
			notify.Alert(ctx, l.notifier, logger, d.Err.Error())
		}
	}
}
