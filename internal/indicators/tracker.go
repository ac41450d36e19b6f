package indicators

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
)

// SeriesStore reads recent closes and stores the computed values.
type SeriesStore interface {
	// CloseSeries returns up to limit closes ordered oldest first and the
	// time of the newest row. An empty series returns no closes.
	CloseSeries(ctx context.Context, ticker string, interval models.Interval, limit int) ([]float64, string, error)
	SetIndicators(ctx context.Context, ticker string, interval models.Interval, at, indicators string) error
}

// Tracker fills the custom indicators of the newest row of a refreshed
// series with every known indicator computed on that interval.
type Tracker struct {
	store  SeriesStore
	calcs  map[models.Interval][]Calculator
	logger zerolog.Logger
}

// NewTracker builds calculators for the known indicators. Names no
// calculator understands are logged and stay untracked.
func NewTracker(store SeriesStore, known models.Indicators, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		store:  store,
		calcs:  make(map[models.Interval][]Calculator),
		logger: logging.WithComponent(logger, "indicators"),
	}

	names := make([]string, 0, len(known))
	for name := range known {
		if name != models.DefaultIndicator {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		calc, err := Parse(name)
		if err != nil {
			t.logger.Warn().Err(err).Str("indicator", name).Msg("Indicator cannot be computed")
			continue
		}
		interval := known[name]
		t.calcs[interval] = append(t.calcs[interval], calc)
	}
	return t
}

// Track recomputes the indicators of ticker at interval. Indicators the
// series is too short for are left out of the row.
func (t *Tracker) Track(ctx context.Context, ticker string, interval models.Interval) error {
	calcs := t.calcs[interval]
	if len(calcs) == 0 {
		return nil
	}

	lookback := 0
	for _, c := range calcs {
		lookback = max(lookback, c.Lookback())
	}

	closes, at, err := t.store.CloseSeries(ctx, ticker, interval, lookback)
	if err != nil {
		return fmt.Errorf("loading %s closes: %w", ticker, err)
	}
	if len(closes) == 0 {
		return nil
	}

	pairs := make([]string, 0, len(calcs))
	for _, c := range calcs {
		v, err := c.Latest(closes)
		if errors.Is(err, ErrInsufficientData) {
			logger := logging.WithTicker(t.logger, ticker)
			logger.Debug().
				Str("indicator", c.Name()).Int("rows", len(closes)).
				Msg("Series too short for indicator")
			continue
		}
		if err != nil {
			return fmt.Errorf("computing %s for %s: %w", c.Name(), ticker, err)
		}
		pairs = append(pairs, c.Name()+"="+strconv.FormatFloat(v, 'f', 4, 64))
	}

	return t.store.SetIndicators(ctx, ticker, interval, at, strings.Join(pairs, ";"))
}
