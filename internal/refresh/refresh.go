// Package refresh downloads fresh series for the (ticker, interval) pairs
// active alarms depend on.
package refresh

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/marketdata"
	"alarm-trader/internal/models"
	"alarm-trader/internal/notify"
	"alarm-trader/internal/trace"
)

// SeriesWriter persists downloaded rows.
type SeriesWriter interface {
	InsertSeries(ctx context.Context, ticker string, interval models.Interval, rows []string) (int, error)
}

// IntakeWriter queues intake lines for the next cycle.
type IntakeWriter interface {
	Append(lines ...string) error
}

// AvailabilityChecker reports whether the provider may be called.
type AvailabilityChecker interface {
	Available() bool
}

// IndicatorTracker recomputes the custom indicators of a freshly stored series.
type IndicatorTracker interface {
	Track(ctx context.Context, ticker string, interval models.Interval) error
}

// Set holds the refresh keys of the pairs refreshed in one cycle.
type Set map[string]struct{}

// Add records ticker at interval as refreshed.
func (s Set) Add(ticker string, interval models.Interval) {
	s[models.RefreshKey(ticker, interval)] = struct{}{}
}

// Has reports whether ticker at interval was refreshed.
func (s Set) Has(ticker string, interval models.Interval) bool {
	_, ok := s[models.RefreshKey(ticker, interval)]
	return ok
}

// Keys returns the refresh keys in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Result is the outcome of one refresh cycle.
type Result struct {
	Refreshed Set
	Throttled []string
	Invalid   []string
	// Err aggregates per-ticker failures. It is a diagnostic: the affected
	// tickers are simply missing from Refreshed.
	Err error

	mu sync.Mutex
}

func newResult() *Result {
	return &Result{Refreshed: make(Set)}
}

func (r *Result) add(ticker string, interval models.Interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Refreshed.Add(ticker, interval)
}

func (r *Result) throttled(ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Throttled = append(r.Throttled, ticker)
}

func (r *Result) invalid(ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Invalid = append(r.Invalid, ticker)
}

func (r *Result) fail(ticker string, interval models.Interval, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = multierr.Append(r.Err, fmt.Errorf("%s at %s: %w", ticker, interval, err))
}

// Scheduler refreshes series with bounded concurrency.
type Scheduler struct {
	fetcher      marketdata.Fetcher
	store        SeriesWriter
	intake       IntakeWriter
	availability AvailabilityChecker
	tracker      IndicatorTracker
	notifier     notify.Notifier
	logger       zerolog.Logger

	unitLimit  int
	fetchLimit int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLimits overrides the unit and per-unit fetch parallelism.
func WithLimits(units, fetches int) Option {
	return func(s *Scheduler) {
		if units > 0 {
			s.unitLimit = units
		}
		if fetches > 0 {
			s.fetchLimit = fetches
		}
	}
}

// WithAvailability makes fetches skip while the provider is suspended.
func WithAvailability(a AvailabilityChecker) Option {
	return func(s *Scheduler) { s.availability = a }
}

// WithIndicators recomputes custom indicators after every stored series.
func WithIndicators(t IndicatorTracker) Option {
	return func(s *Scheduler) { s.tracker = t }
}

// NewScheduler creates a refresh scheduler. By default at most NumCPU/2
// units run at once and each unit fetches NumCPU tickers at once.
func NewScheduler(fetcher marketdata.Fetcher, store SeriesWriter, intake IntakeWriter, notifier notify.Notifier, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetcher:    fetcher,
		store:      store,
		intake:     intake,
		notifier:   notifier,
		logger:     logging.WithOperation(logger, "refresh"),
		unitLimit:  max(1, runtime.NumCPU()/2),
		fetchLimit: max(1, runtime.NumCPU()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type unit struct {
	tickers  []string
	interval models.Interval
}

// plan groups alarms into the default-interval batch and one unit per
// distinct (ticker, indicator interval) pair not already in the batch.
// Alarms whose indicator has no known interval are left out.
func plan(alarms []models.Alarm, indicators models.Indicators) (unit, []unit) {
	batch := unit{interval: indicators.Default()}
	inBatch := make(map[string]bool)
	for _, a := range alarms {
		if a.Target.Kind() == models.TargetPrice && !inBatch[a.Ticker] {
			inBatch[a.Ticker] = true
			batch.tickers = append(batch.tickers, a.Ticker)
		}
	}

	var units []unit
	seen := make(map[string]bool)
	for _, a := range alarms {
		if a.Target.Kind() != models.TargetIndicator {
			continue
		}
		interval, err := indicators.IntervalFor(a.Target)
		if err != nil {
			continue
		}
		key := models.RefreshKey(a.Ticker, interval)
		if seen[key] || (interval == batch.interval && inBatch[a.Ticker]) {
			continue
		}
		seen[key] = true
		units = append(units, unit{tickers: []string{a.Ticker}, interval: interval})
	}
	return batch, units
}

// Refresh downloads the series every alarm needs and reports which
// (ticker, interval) pairs are fresh. It never fails as a whole: per-ticker
// failures are collected in Result.Err.
func (s *Scheduler) Refresh(ctx context.Context, alarms []models.Alarm, indicators models.Indicators) *Result {
	ctx, span := trace.Start(ctx, "refresh", attribute.Int("alarms", len(alarms)))
	res := newResult()
	defer func() {
		span.SetAttributes(attribute.Int("refreshed", len(res.Refreshed)))
		trace.End(span, res.Err)
	}()

	batch, units := plan(alarms, indicators)

	var g errgroup.Group
	g.Go(func() error {
		s.refreshUnit(ctx, batch, res)
		return nil
	})
	g.Go(func() error {
		var pool errgroup.Group
		pool.SetLimit(s.unitLimit)
		for _, u := range units {
			u := u
			pool.Go(func() error {
				s.refreshUnit(ctx, u, res)
				return nil
			})
		}
		return pool.Wait()
	})
	_ = g.Wait()

	s.logger.Debug().
		Int("refreshed", len(res.Refreshed)).
		Int("throttled", len(res.Throttled)).
		Int("invalid", len(res.Invalid)).
		Int("failed", len(multierr.Errors(res.Err))).
		Msg("Refresh cycle completed")

	return res
}

func (s *Scheduler) refreshUnit(ctx context.Context, u unit, res *Result) {
	var g errgroup.Group
	g.SetLimit(s.fetchLimit)
	for _, ticker := range u.tickers {
		ticker := ticker
		g.Go(func() error {
			s.refreshTicker(ctx, ticker, u.interval, res)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) refreshTicker(ctx context.Context, ticker string, interval models.Interval, res *Result) {
	if err := ctx.Err(); err != nil {
		res.fail(ticker, interval, err)
		return
	}
	if s.availability != nil && !s.availability.Available() {
		res.throttled(ticker)
		return
	}

	series, err := s.fetcher.FetchIntraday(ctx, ticker, interval)
	if err != nil {
		res.fail(ticker, interval, err)
		return
	}

	switch series.Status {
	case marketdata.StatusThrottled:
		res.throttled(ticker)
		return
	case marketdata.StatusInvalidSymbol:
		res.invalid(ticker)
		if err := s.intake.Append("-" + ticker + ","); err != nil {
			res.fail(ticker, interval, fmt.Errorf("queueing withdrawal: %w", err))
		}
		notify.Alert(ctx, s.notifier, logging.WithTicker(s.logger, ticker),
			fmt.Sprintf("ticker %q has no time series data, it will be removed from alarms during the next cycle", ticker))
		return
	}

	if _, err := s.store.InsertSeries(ctx, ticker, interval, series.Rows); err != nil {
		res.fail(ticker, interval, apperrors.Wrap(err, "storing series"))
		return
	}
	if s.tracker != nil {
		// Prices are fresh either way; indicator alarms on this series
		// report the indicator as not tracked.
		if err := s.tracker.Track(ctx, ticker, interval); err != nil {
			logger := logging.WithTicker(s.logger, ticker)
			logger.Warn().Err(err).
				Str("interval", string(interval)).Msg("Indicators not updated")
		}
	}
	res.add(ticker, interval)
}
