// Package portfolio watches broker portfolio snapshots and reports fills.
package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
	"alarm-trader/internal/notify"
	"alarm-trader/pkg/utils"
)

// DefaultPollInterval is the wait between passes that found no change.
const DefaultPollInterval = 300 * time.Second

// Source fetches a fresh portfolio snapshot.
type Source interface {
	Portfolio(ctx context.Context) ([]models.Position, error)
}

// Cache returns the last recorded portfolio.
type Cache interface {
	ActivePortfolio(ctx context.Context) ([]models.Position, error)
}

// Change is a position change between two snapshots.
type Change struct {
	Side             models.Direction
	Ticker           string
	CurrentQuantity  float64
	PreviousQuantity float64
	AverageCost      float64
	MarketPrice      float64
	ReturnPercent    float64
}

// Message renders the change as a notification.
func (c Change) Message() string {
	avg := utils.Round(c.AverageCost, 2)
	if c.Side == models.Buy {
		return fmt.Sprintf("A buy operation has been registered for ticker %q -->\n"+
			"- quantity: %v\n"+
			"- average cost: %v\n"+
			"- invested capital: %s",
			c.Ticker, c.CurrentQuantity, avg, utils.FormatMoney(c.CurrentQuantity*c.AverageCost))
	}
	return fmt.Sprintf("A sell operation has been registered for ticker %q -->\n"+
		"- current quantity: %v\n"+
		"- previous quantity: %v\n"+
		"- average cost: %v\n"+
		"- estimated sell price: %v\n"+
		"- estimated return: %s",
		c.Ticker, c.CurrentQuantity, c.PreviousQuantity, avg, c.MarketPrice, utils.FormatPercent(c.ReturnPercent))
}

// Diff compares two snapshots. Opened tickers come first, then closed,
// then changed, each in snapshot order.
func Diff(cached, fresh []models.Position) []Change {
	before := make(map[string]models.Position, len(cached))
	for _, p := range cached {
		before[p.Ticker] = p
	}
	after := make(map[string]struct{}, len(fresh))
	for _, p := range fresh {
		after[p.Ticker] = struct{}{}
	}

	var changes []Change
	for _, p := range fresh {
		if _, ok := before[p.Ticker]; !ok {
			changes = append(changes, Change{
				Side:            models.Buy,
				Ticker:          p.Ticker,
				CurrentQuantity: p.OpenPosition,
				AverageCost:     p.AverageCost,
			})
		}
	}

	for _, p := range cached {
		if _, ok := after[p.Ticker]; !ok {
			changes = append(changes, Change{
				Side:             models.Sell,
				Ticker:           p.Ticker,
				PreviousQuantity: p.OpenPosition,
				AverageCost:      p.AverageCost,
				MarketPrice:      p.MarketPrice,
				ReturnPercent:    utils.ReturnPercent(p.AverageCost, p.MarketPrice),
			})
		}
	}

	for _, p := range fresh {
		old, ok := before[p.Ticker]
		if !ok || old.OpenPosition == p.OpenPosition {
			continue
		}
		c := Change{
			Side:             models.Sell,
			Ticker:           p.Ticker,
			CurrentQuantity:  p.OpenPosition,
			PreviousQuantity: old.OpenPosition,
			AverageCost:      p.AverageCost,
			MarketPrice:      p.MarketPrice,
		}
		if p.OpenPosition > old.OpenPosition {
			c.Side = models.Buy
		} else {
			c.ReturnPercent = utils.ReturnPercent(p.AverageCost, p.MarketPrice)
		}
		changes = append(changes, c)
	}

	return changes
}

// Reconciler keeps the last seen portfolio and notifies on every change.
type Reconciler struct {
	source   Source
	cache    Cache
	notifier notify.Notifier
	logger   zerolog.Logger
	interval time.Duration

	mu        sync.RWMutex
	positions []models.Position
}

// NewReconciler creates a Reconciler polling source every interval when idle.
func NewReconciler(source Source, cache Cache, notifier notify.Notifier, logger zerolog.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Reconciler{
		source:   source,
		cache:    cache,
		notifier: notifier,
		logger:   logging.WithComponent(logger, "portfolio"),
		interval: interval,
	}
}

// Init seeds the cache from the recorded portfolio.
func (r *Reconciler) Init(ctx context.Context) error {
	positions, err := r.cache.ActivePortfolio(ctx)
	if err != nil {
		return fmt.Errorf("loading recorded portfolio: %w", err)
	}
	r.mu.Lock()
	r.positions = positions
	r.mu.Unlock()
	return nil
}

// Positions returns the cached snapshot.
func (r *Reconciler) Positions() []models.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Position(nil), r.positions...)
}

// Reconcile fetches one snapshot, notifies its changes and caches it. A
// failed fetch leaves the cache untouched.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Change, error) {
	fresh, err := r.source.Portfolio(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	changes := Diff(r.positions, fresh)
	r.positions = fresh
	r.mu.Unlock()

	if len(changes) == 0 {
		return nil, nil
	}

	messages := make([]string, len(changes))
	for i, c := range changes {
		messages[i] = c.Message()
		r.logger.Info().
			Str("ticker", c.Ticker).
			Str("side", c.Side.String()).
			Float64("current", c.CurrentQuantity).
			Float64("previous", c.PreviousQuantity).
			Msg("Portfolio change")
	}
	if r.notifier != nil {
		if err := notify.NotifyMultiple(ctx, r.notifier, messages); err != nil {
			r.logger.Error().Err(err).Msg("Failed to deliver portfolio notifications")
		}
	}
	return changes, nil
}

// Run reconciles until ctx ends, waiting the poll interval after every pass
// that found nothing new.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Init(ctx); err != nil {
		return err
	}
	r.logger.Info().Dur("interval", r.interval).Msg("Portfolio notifier is running")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		changes, err := r.Reconcile(ctx)
		if err != nil {
			r.logger.Debug().Err(err).Msg("Portfolio pass skipped")
		}
		if err == nil && len(changes) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.interval):
		}
	}
}
