package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"alarm-trader/internal/config"
	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
	"alarm-trader/internal/notify"
	"alarm-trader/internal/security"
	"alarm-trader/internal/store"
)

const defaultMaxIssueWarnings = 10

// Gateway drives the external broker gateway script. Every invocation is
// serialized; snapshot commands write <kind>.csv into the runtime directory.
type Gateway struct {
	python string
	script string
	dir    string
	paper  bool
	runner Runner
	logger zerolog.Logger

	portfolio store.PortfolioStore
	notifier  notify.Notifier
	audit     *security.AuditLog

	mu    sync.Mutex // serializes gateway invocations
	snaps *snapshots

	issueMu     sync.Mutex
	issues      int
	maxWarnings int
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithPortfolioStore records every successful portfolio snapshot in st.
func WithPortfolioStore(st store.PortfolioStore) GatewayOption {
	return func(g *Gateway) { g.portfolio = st }
}

// WithNotifier reports gateway problems through n, warning at most
// maxWarnings times about failed portfolio fetches.
func WithNotifier(n notify.Notifier, maxWarnings int) GatewayOption {
	return func(g *Gateway) {
		g.notifier = n
		if maxWarnings >= 0 {
			g.maxWarnings = maxWarnings
		}
	}
}

// WithAuditLog records every order and cancellation in a.
func WithAuditLog(a *security.AuditLog) GatewayOption {
	return func(g *Gateway) { g.audit = a }
}

// NewGateway creates a gateway adapter for the given trading mode.
func NewGateway(cfg config.BrokerConfig, paper bool, runner Runner, logger zerolog.Logger, opts ...GatewayOption) (*Gateway, error) {
	if cfg.Script == "" {
		return nil, fmt.Errorf("%w: broker script is not set", apperrors.ErrConfigInvalid)
	}
	script, err := filepath.Abs(cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("resolving broker script: %w", err)
	}

	dir := cfg.RuntimeDir
	if dir == "" {
		dir = filepath.Dir(script)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating runtime directory: %w", err)
	}

	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	g := &Gateway{
		python:      python,
		script:      script,
		dir:         dir,
		paper:       paper,
		runner:      runner,
		logger:      logging.WithComponent(logger, "broker"),
		maxWarnings: defaultMaxIssueWarnings,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.snaps = newSnapshots(dir, cfg.ReleaseTimeout, cfg.ReleasePoll, g.logger)
	g.snaps.onForce = func(kind SnapshotKind) {
		g.alert(context.Background(), fmt.Sprintf("Snapshot %s was held for too long and has been released.", kind))
	}
	return g, nil
}

// Dir returns the runtime directory holding snapshot files.
func (g *Gateway) Dir() string { return g.dir }

// ClearSnapshots removes snapshot files left behind by an earlier run.
func (g *Gateway) ClearSnapshots() error {
	return g.snaps.clear()
}

// Close stops the snapshot watchers.
func (g *Gateway) Close() error {
	g.snaps.stop()
	return nil
}

func (g *Gateway) paperFlag() string {
	if g.paper {
		return "True"
	}
	return "False"
}

// invoke runs one gateway command. Any output on stderr is a failure.
func (g *Gateway) invoke(ctx context.Context, command string, args ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	argv := append([]string{g.script, command}, args...)
	stdout, stderr, err := g.runner.Run(ctx, g.dir, g.python, argv...)
	if err != nil || strings.TrimSpace(stderr) != "" {
		return apperrors.NewGatewayError(command, args, stderr, err)
	}

	g.logger.Debug().
		Str("command", command).
		Strs("args", args).
		Str("stdout", strings.TrimSpace(stdout)).
		Msg("Gateway command completed")
	return nil
}

// readSnapshot returns the rows of a snapshot, asking the gateway for a
// fresh file only when no reader currently holds one. Readers arriving
// while that file is being written wait for the gateway call to return.
func readSnapshot[T any](ctx context.Context, g *Gateway, kind SnapshotKind) ([]T, error) {
	f, first := g.snaps.acquire(kind)
	defer g.snaps.release(kind)

	if first {
		err := g.invoke(ctx, snapshotKinds[kind], g.paperFlag(), "True")
		g.snaps.fetched(kind, f, err)
		if err != nil {
			return nil, err
		}
		g.snaps.watch(kind)
	} else if err := f.wait(ctx); err != nil {
		return nil, err
	}

	file, err := os.Open(g.snaps.path(kind))
	if err != nil {
		return nil, apperrors.NewGatewayError(snapshotKinds[kind], nil, "", fmt.Errorf("opening snapshot: %w", err))
	}
	defer file.Close()

	var rows []T
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, apperrors.NewGatewayError(snapshotKinds[kind], nil, "", fmt.Errorf("parsing snapshot: %w", err))
	}
	return rows, nil
}

// Portfolio returns the open positions and records them in the portfolio store.
func (g *Gateway) Portfolio(ctx context.Context) ([]models.Position, error) {
	positions, err := readSnapshot[models.Position](ctx, g, SnapshotPortfolio)
	if err != nil {
		g.portfolioIssue(ctx, err)
		return nil, err
	}

	if g.portfolio != nil {
		if err := g.portfolio.RefreshPortfolio(ctx, positions); err != nil {
			return positions, fmt.Errorf("recording portfolio: %w", err)
		}
	}
	return positions, nil
}

// portfolioIssue warns about a failed portfolio fetch until the warning
// budget runs out; later failures are only logged.
func (g *Gateway) portfolioIssue(ctx context.Context, err error) {
	g.issueMu.Lock()
	g.issues++
	n := g.issues
	g.issueMu.Unlock()

	g.logger.Error().Err(err).Int("issue", n).Msg("Failed to fetch portfolio")

	switch {
	case n < g.maxWarnings:
		g.alert(ctx, fmt.Sprintf("Broker client might not be running, please run a manual check. Try %d/%d.", n, g.maxWarnings))
	case n == g.maxWarnings:
		g.alert(ctx, fmt.Sprintf("Broker client might not be running, please run a manual check. Try %d/%d. No more warnings will be sent.", n, g.maxWarnings))
	}
}

// OpenOrders returns the working orders.
func (g *Gateway) OpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	return readSnapshot[models.OpenOrder](ctx, g, SnapshotOpenOrders)
}

// BuyingPower returns the account's buying power.
func (g *Gateway) BuyingPower(ctx context.Context) (float64, error) {
	rows, err := readSnapshot[models.BuyingPower](ctx, g, SnapshotBuyingPower)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, apperrors.NewGatewayError(snapshotKinds[SnapshotBuyingPower], nil, "", apperrors.ErrDataNotFound)
	}
	return rows[0].BuyingPower, nil
}

// PlaceOrder validates req against the account state and submits it.
// Sells are clipped to the quantity not already pending; buys are clipped to
// the buying power.
func (g *Gateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*OrderResult, error) {
	req.Ticker = models.SanitizeTicker(req.Ticker)
	if err := checkRequest(req); err != nil {
		g.auditOrder(ctx, req, 0, "", err)
		return nil, err
	}

	qty, note, err := g.resolveQuantity(ctx, req)
	if err != nil {
		g.auditOrder(ctx, req, 0, "", err)
		return nil, err
	}
	if qty == 0 {
		g.logger.Info().Str("ticker", req.Ticker).Str("reason", note).Msg("Order skipped")
		g.auditOrder(ctx, req, 0, note, nil)
		return &OrderResult{Note: note}, nil
	}

	args := []string{
		string(req.Type),
		req.Ticker,
		strconv.Itoa(qty),
		strconv.FormatFloat(req.Price, 'f', -1, 64),
		req.Direction.GatewayFlag(),
		g.paperFlag(),
	}
	err = g.invoke(ctx, "place_order", args...)
	logging.LogOrder(g.logger, req.Ticker, req.Direction.String(), string(req.Type), qty, req.Price, err)
	if err != nil {
		err = apperrors.NewOrderError(req.Ticker, "place", "gateway rejected the order", err)
		g.auditOrder(ctx, req, qty, note, err)
		return nil, err
	}
	g.auditOrder(ctx, req, qty, note, nil)

	return &OrderResult{Submitted: true, Quantity: qty, Price: req.Price, Note: note}, nil
}

func (g *Gateway) resolveQuantity(ctx context.Context, req models.OrderRequest) (int, string, error) {
	if req.Direction == models.Sell {
		positions, err := g.Portfolio(ctx)
		if err != nil {
			return 0, "", err
		}
		orders, err := g.OpenOrders(ctx)
		if err != nil {
			return 0, "", err
		}

		position := findPosition(req.Ticker, positions)
		qty, err := SellQuantity(req.Ticker, req.Quantity, position, pendingSells(req.Ticker, orders))
		if err != nil {
			return 0, "", err
		}
		switch {
		case position == nil:
			return 0, "no open position", nil
		case qty == 0:
			return 0, "position already covered by pending sells", nil
		case !req.Quantity.IsFull() && qty < req.Quantity.Shares():
			return qty, fmt.Sprintf("clipped from %d to available %d", req.Quantity.Shares(), qty), nil
		}
		return qty, "", nil
	}

	bp, err := g.BuyingPower(ctx)
	if err != nil {
		return 0, "", err
	}
	qty := BuyQuantity(req.Quantity.Shares(), req.Price, bp)
	if qty < 1 {
		return 0, "", apperrors.NewOrderError(req.Ticker, "buy",
			fmt.Sprintf("buying power %v cannot cover one share at %v", bp, req.Price), apperrors.ErrInvalidOrder)
	}
	if qty < req.Quantity.Shares() {
		return qty, fmt.Sprintf("clipped from %d to %d by buying power", req.Quantity.Shares(), qty), nil
	}
	return qty, "", nil
}

// CancelOrder cancels every open order on ticker with the given direction.
// A price of 0 matches any price level. It returns the number cancelled.
func (g *Gateway) CancelOrder(ctx context.Context, ticker string, price float64, dir models.Direction) (int, error) {
	ticker = models.SanitizeTicker(ticker)
	orders, err := g.OpenOrders(ctx)
	if err != nil {
		return 0, err
	}

	var (
		cancelled int
		errs      error
	)
	for _, o := range orders {
		if o.Ticker != ticker || o.Direction() != dir {
			continue
		}
		if price != 0 && o.PriceLevel != price {
			continue
		}
		level := strconv.FormatFloat(o.PriceLevel, 'f', -1, 64)
		if err := g.invoke(ctx, "cancel_order", ticker, level, dir.GatewayFlag(), g.paperFlag()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cancelled++
	}

	if errs != nil {
		err := apperrors.NewOrderError(ticker, "cancel",
			fmt.Sprintf("%d of %d cancellations failed", len(multierr.Errors(errs)), cancelled+len(multierr.Errors(errs))), errs)
		g.auditCancel(ctx, ticker, dir, price, cancelled, err)
		return cancelled, err
	}
	g.auditCancel(ctx, ticker, dir, price, cancelled, nil)
	g.logger.Info().Str("ticker", ticker).Int("cancelled", cancelled).Msg("Orders cancelled")
	return cancelled, nil
}

// auditOrder records an order attempt; qty 0 with a nil err is a skip.
func (g *Gateway) auditOrder(ctx context.Context, req models.OrderRequest, qty int, note string, err error) {
	if g.audit == nil {
		return
	}
	if aerr := g.audit.LogOrder(ctx, req.Ticker, req.Direction.String(), string(req.Type), qty, req.Price, qty > 0 && err == nil, note, err); aerr != nil {
		g.logger.Warn().Err(aerr).Msg("Audit write failed")
	}
}

func (g *Gateway) auditCancel(ctx context.Context, ticker string, dir models.Direction, price float64, cancelled int, err error) {
	if g.audit == nil {
		return
	}
	if aerr := g.audit.LogCancel(ctx, ticker, dir.String(), price, cancelled, err); aerr != nil {
		g.logger.Warn().Err(aerr).Msg("Audit write failed")
	}
}

func (g *Gateway) alert(ctx context.Context, msg string) {
	notify.Alert(ctx, g.notifier, g.logger, msg)
}
