package portfolio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarm-trader/internal/models"
)

type fakeSource struct {
	mu        sync.Mutex
	snapshots [][]models.Position
	err       error
	calls     int
}

func (s *fakeSource) Portfolio(context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.snapshots) == 0 {
		return nil, nil
	}
	next := s.snapshots[0]
	if len(s.snapshots) > 1 {
		s.snapshots = s.snapshots[1:]
	}
	return next, nil
}

type fakeCache []models.Position

func (c fakeCache) ActivePortfolio(context.Context) ([]models.Position, error) { return c, nil }

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func pos(ticker string, qty, avg, market float64) models.Position {
	return models.Position{Ticker: ticker, OpenPosition: qty, AverageCost: avg, MarketPrice: market}
}

func TestDiff(t *testing.T) {
	cached := []models.Position{
		pos("MSFT", 10, 90, 100),
		pos("AAPL", 5, 150, 140),
		pos("TSLA", 4, 200, 220),
		pos("GOOG", 2, 100, 110),
	}
	fresh := []models.Position{
		pos("MSFT", 10, 90, 101),
		pos("TSLA", 6, 205, 221),
		pos("GOOG", 1, 100, 120),
		pos("NVDA", 3, 400, 400),
	}

	changes := Diff(cached, fresh)
	require.Len(t, changes, 4)

	assert.Equal(t, Change{Side: models.Buy, Ticker: "NVDA", CurrentQuantity: 3, AverageCost: 400}, changes[0])

	assert.Equal(t, models.Sell, changes[1].Side)
	assert.Equal(t, "AAPL", changes[1].Ticker)
	assert.Equal(t, 5.0, changes[1].PreviousQuantity)
	assert.Equal(t, -6.67, changes[1].ReturnPercent)

	assert.Equal(t, models.Buy, changes[2].Side)
	assert.Equal(t, "TSLA", changes[2].Ticker)
	assert.Zero(t, changes[2].ReturnPercent)

	assert.Equal(t, models.Sell, changes[3].Side)
	assert.Equal(t, "GOOG", changes[3].Ticker)
	assert.Equal(t, 20.0, changes[3].ReturnPercent)
}

func TestDiffUnchanged(t *testing.T) {
	snap := []models.Position{pos("MSFT", 10, 90, 100)}
	assert.Empty(t, Diff(snap, []models.Position{pos("MSFT", 10, 91, 95)}))
	assert.Empty(t, Diff(nil, nil))
}

func TestChangeMessage(t *testing.T) {
	buy := Change{Side: models.Buy, Ticker: "MSFT", CurrentQuantity: 5, AverageCost: 99.456}
	assert.Contains(t, buy.Message(), `ticker "MSFT"`)
	assert.Contains(t, buy.Message(), "average cost: 99.46")
	assert.Contains(t, buy.Message(), "invested capital: 497.28")

	sell := Change{Side: models.Sell, Ticker: "AAPL", PreviousQuantity: 5, AverageCost: 150, MarketPrice: 140, ReturnPercent: -6.67}
	assert.Contains(t, sell.Message(), "previous quantity: 5")
	assert.Contains(t, sell.Message(), "estimated return: -6.67%")
}

func TestReconcileNotifiesAndCaches(t *testing.T) {
	src := &fakeSource{snapshots: [][]models.Position{{pos("MSFT", 10, 90, 100)}}}
	n := &recordingNotifier{}
	r := NewReconciler(src, fakeCache{pos("AAPL", 5, 150, 140)}, n, zerolog.Nop(), time.Minute)
	ctx := context.Background()
	require.NoError(t, r.Init(ctx))

	changes, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.Equal(t, 2, n.count())
	assert.Equal(t, []models.Position{pos("MSFT", 10, 90, 100)}, r.Positions())

	changes, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, 2, n.count())
}

func TestReconcileFailureKeepsCache(t *testing.T) {
	src := &fakeSource{err: errors.New("gateway down")}
	r := NewReconciler(src, fakeCache{pos("AAPL", 5, 150, 140)}, &recordingNotifier{}, zerolog.Nop(), time.Minute)
	require.NoError(t, r.Init(context.Background()))

	_, err := r.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Len(t, r.Positions(), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{snapshots: [][]models.Position{{pos("MSFT", 10, 90, 100)}}}
	n := &recordingNotifier{}
	r := NewReconciler(src, fakeCache{}, n, zerolog.Nop(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
