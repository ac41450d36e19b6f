package broker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarm-trader/internal/config"
	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/models"
)

const (
	portfolioHeader  = "ticker,open_position,average_cost,market_price,unrealized_pnl\n"
	openOrdersHeader = "ticker,open_quantity,price_level,direction\n"
)

// fakeRunner stands in for the gateway script: snapshot commands write the
// configured CSV into the runtime directory.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	files  map[SnapshotKind]string
	stderr map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		files: map[SnapshotKind]string{
			SnapshotPortfolio:   portfolioHeader,
			SnapshotOpenOrders:  openOrdersHeader,
			SnapshotBuyingPower: "buying_power\n1000\n",
		},
		stderr: make(map[string]string),
	}
}

func (f *fakeRunner) Run(_ context.Context, dir, _ string, args ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	command := args[1]
	f.calls = append(f.calls, append([]string(nil), args[1:]...))
	if s := f.stderr[command]; s != "" {
		return "", s, nil
	}
	for kind, c := range snapshotKinds {
		if c == command {
			if err := os.WriteFile(filepath.Join(dir, string(kind)+".csv"), []byte(f.files[kind]), 0644); err != nil {
				return "", err.Error(), nil
			}
		}
	}
	return "done", "", nil
}

func (f *fakeRunner) commands(name string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == name {
			out = append(out, c)
		}
	}
	return out
}

type fakePortfolioStore struct {
	mu        sync.Mutex
	positions []models.Position
	refreshes int
}

func (s *fakePortfolioStore) RefreshPortfolio(_ context.Context, positions []models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = positions
	s.refreshes++
	return nil
}

func (s *fakePortfolioStore) ActivePortfolio(context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions, nil
}

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

func newTestGateway(t *testing.T, runner Runner, opts ...GatewayOption) *Gateway {
	t.Helper()
	dir := t.TempDir()
	cfg := config.BrokerConfig{
		Python:         "python3",
		Script:         filepath.Join(dir, "gateway.py"),
		RuntimeDir:     dir,
		ReleaseTimeout: time.Minute,
		ReleasePoll:    time.Second,
	}
	g, err := NewGateway(cfg, true, runner, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestPortfolioRecordsSnapshot(t *testing.T) {
	runner := newFakeRunner()
	runner.files[SnapshotPortfolio] = portfolioHeader + "MSFT,10,90,100,100\nAAPL,5,150,140,-50\n"
	st := &fakePortfolioStore{}
	g := newTestGateway(t, runner, WithPortfolioStore(st))

	positions, err := g.Portfolio(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "MSFT", positions[0].Ticker)
	assert.Equal(t, 10.0, positions[0].OpenPosition)
	assert.Equal(t, -50.0, positions[1].UnrealizedPnL)

	assert.Equal(t, 1, st.refreshes)
	assert.Equal(t, [][]string{{"get_portfolio", "True", "True"}}, runner.commands("get_portfolio"))

	_, err = os.Stat(filepath.Join(g.Dir(), "portfolio.csv"))
	assert.True(t, os.IsNotExist(err), "snapshot should be removed after the last reader")
}

func TestPlaceSellClipsToUnreservedShares(t *testing.T) {
	runner := newFakeRunner()
	runner.files[SnapshotPortfolio] = portfolioHeader + "MSFT,10,90,100,100\n"
	runner.files[SnapshotOpenOrders] = openOrdersHeader + "MSFT,4,105,false\nMSFT,3,90,true\n"
	g := newTestGateway(t, runner)

	res, err := g.PlaceOrder(context.Background(), models.OrderRequest{
		Type:      models.OrderTypeLimit,
		Ticker:    "msft",
		Quantity:  models.Exact(8),
		Price:     100.5,
		Direction: models.Sell,
	})
	require.NoError(t, err)
	assert.True(t, res.Submitted)
	assert.Equal(t, 6, res.Quantity)

	placed := runner.commands("place_order")
	require.Len(t, placed, 1)
	assert.Equal(t, []string{"place_order", "LIMIT", "MSFT", "6", "100.5", "False", "True"}, placed[0])
}

func TestPlaceSellWithoutPositionIsNoop(t *testing.T) {
	runner := newFakeRunner()
	g := newTestGateway(t, runner)

	res, err := g.PlaceOrder(context.Background(), models.OrderRequest{
		Type:      models.OrderTypeMarket,
		Ticker:    "MSFT",
		Quantity:  models.FullPosition(),
		Direction: models.Sell,
	})
	require.NoError(t, err)
	assert.False(t, res.Submitted)
	assert.Empty(t, runner.commands("place_order"))
}

func TestPlaceSellInconsistentPosition(t *testing.T) {
	runner := newFakeRunner()
	runner.files[SnapshotPortfolio] = portfolioHeader + "MSFT,5,90,100,50\n"
	runner.files[SnapshotOpenOrders] = openOrdersHeader + "MSFT,8,105,false\n"
	g := newTestGateway(t, runner)

	_, err := g.PlaceOrder(context.Background(), models.OrderRequest{
		Type:      models.OrderTypeMarket,
		Ticker:    "MSFT",
		Quantity:  models.FullPosition(),
		Direction: models.Sell,
	})
	assert.ErrorIs(t, err, apperrors.ErrInconsistentPosition)
	assert.Empty(t, runner.commands("place_order"))
}

func TestPlaceBuyClipsToBuyingPower(t *testing.T) {
	runner := newFakeRunner()
	runner.files[SnapshotBuyingPower] = "buying_power\n250\n"
	g := newTestGateway(t, runner)

	res, err := g.PlaceOrder(context.Background(), models.OrderRequest{
		Type:      models.OrderTypeLimit,
		Ticker:    "MSFT",
		Quantity:  models.Exact(5),
		Price:     100,
		Direction: models.Buy,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Quantity)
	assert.Equal(t, []string{"place_order", "LIMIT", "MSFT", "2", "100", "True", "True"}, runner.commands("place_order")[0])

	runner.files[SnapshotBuyingPower] = "buying_power\n50\n"
	_, err = g.PlaceOrder(context.Background(), models.OrderRequest{
		Type:      models.OrderTypeLimit,
		Ticker:    "MSFT",
		Quantity:  models.Exact(5),
		Price:     100,
		Direction: models.Buy,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrder)
}

func TestPlaceOrderStderrFails(t *testing.T) {
	runner := newFakeRunner()
	runner.stderr["place_order"] = "Traceback: connection refused"
	g := newTestGateway(t, runner)

	_, err := g.PlaceOrder(context.Background(), models.OrderRequest{
		Type:      models.OrderTypeMarket,
		Ticker:    "MSFT",
		Quantity:  models.Exact(1),
		Direction: models.Buy,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrGatewayFailed)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPortfolioIssueWarningsAreCapped(t *testing.T) {
	runner := newFakeRunner()
	runner.stderr["get_portfolio"] = "not connected"
	n := &recordingNotifier{}
	g := newTestGateway(t, runner, WithNotifier(n, 2))

	for i := 0; i < 4; i++ {
		_, err := g.Portfolio(context.Background())
		require.Error(t, err)
	}

	require.Len(t, n.messages, 2)
	assert.Contains(t, n.messages[0], "Try 1/2")
	assert.Contains(t, n.messages[1], "No more warnings")
}

func TestCancelOrderMatchesTickerDirectionAndPrice(t *testing.T) {
	runner := newFakeRunner()
	runner.files[SnapshotOpenOrders] = openOrdersHeader +
		"MSFT,1,100,true\nMSFT,2,95,true\nMSFT,3,100,false\nAAPL,1,100,true\n"
	g := newTestGateway(t, runner)
	ctx := context.Background()

	n, err := g.CancelOrder(ctx, "MSFT", 95, models.Buy)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"cancel_order", "MSFT", "95", "True", "True"}, runner.commands("cancel_order")[0])

	n, err = g.CancelOrder(ctx, "msft", 0, models.Buy)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	runner.stderr["cancel_order"] = "order not found"
	n, err = g.CancelOrder(ctx, "MSFT", 0, models.Sell)
	assert.Zero(t, n)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "1 of 1"))
}

func TestSnapshotForcedRelease(t *testing.T) {
	dir := t.TempDir()
	s := newSnapshots(dir, 30*time.Millisecond, 5*time.Millisecond, zerolog.Nop())
	defer s.stop()

	forced := make(chan SnapshotKind, 1)
	s.onForce = func(kind SnapshotKind) { forced <- kind }

	f, first := s.acquire(SnapshotPortfolio)
	require.True(t, first)
	require.NoError(t, os.WriteFile(s.path(SnapshotPortfolio), []byte(portfolioHeader), 0644))
	s.fetched(SnapshotPortfolio, f, nil)
	s.watch(SnapshotPortfolio)

	_, first = s.acquire(SnapshotPortfolio)
	assert.False(t, first)

	select {
	case kind := <-forced:
		assert.Equal(t, SnapshotPortfolio, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot was not force released")
	}
	assert.Zero(t, s.count(SnapshotPortfolio))
	_, err := os.Stat(s.path(SnapshotPortfolio))
	assert.True(t, os.IsNotExist(err))
}

func TestClearSnapshots(t *testing.T) {
	g := newTestGateway(t, newFakeRunner())
	for kind := range snapshotKinds {
		require.NoError(t, os.WriteFile(filepath.Join(g.Dir(), string(kind)+".csv"), nil, 0644))
	}

	require.NoError(t, g.ClearSnapshots())
	for kind := range snapshotKinds {
		_, err := os.Stat(filepath.Join(g.Dir(), string(kind)+".csv"))
		assert.True(t, os.IsNotExist(err))
	}
}

// slowSnapshotRunner writes the portfolio header, then waits for resume
// before writing the rows, like a script still producing its output.
type slowSnapshotRunner struct {
	partial chan struct{}
	resume  chan struct{}
	calls   atomic.Int32
}

func (r *slowSnapshotRunner) Run(_ context.Context, dir, _ string, args ...string) (string, string, error) {
	r.calls.Add(1)
	path := filepath.Join(dir, string(SnapshotPortfolio)+".csv")
	if err := os.WriteFile(path, []byte(portfolioHeader), 0644); err != nil {
		return "", err.Error(), nil
	}
	close(r.partial)
	<-r.resume

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return "", err.Error(), nil
	}
	defer f.Close()
	if _, err := f.WriteString("MSFT,10,100,110,100\n"); err != nil {
		return "", err.Error(), nil
	}
	return "done", "", nil
}

func TestConcurrentReaderWaitsForSnapshotWrite(t *testing.T) {
	runner := &slowSnapshotRunner{partial: make(chan struct{}), resume: make(chan struct{})}
	g := newTestGateway(t, runner)
	ctx := context.Background()

	type result struct {
		positions []models.Position
		err       error
	}
	first := make(chan result, 1)
	go func() {
		p, err := g.Portfolio(ctx)
		first <- result{p, err}
	}()
	<-runner.partial

	second := make(chan result, 1)
	go func() {
		p, err := g.Portfolio(ctx)
		second <- result{p, err}
	}()

	select {
	case r := <-second:
		t.Fatalf("second reader returned before the snapshot was complete: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.resume)

	for _, ch := range []chan result{first, second} {
		r := <-ch
		require.NoError(t, r.err)
		require.Len(t, r.positions, 1)
		assert.Equal(t, "MSFT", r.positions[0].Ticker)
	}
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestFailedSnapshotFetchIsRetried(t *testing.T) {
	runner := newFakeRunner()
	runner.stderr["get_portfolio"] = "Traceback: not connected"
	g := newTestGateway(t, runner)

	_, err := g.Portfolio(context.Background())
	require.Error(t, err)

	runner.mu.Lock()
	delete(runner.stderr, "get_portfolio")
	runner.files[SnapshotPortfolio] = portfolioHeader + "MSFT,10,100,110,100\n"
	runner.mu.Unlock()

	positions, err := g.Portfolio(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Len(t, runner.commands("get_portfolio"), 2)
}
