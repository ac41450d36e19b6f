// Package dispatch turns fired alarms into broker orders.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"alarm-trader/internal/broker"
	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
	"alarm-trader/internal/notify"
	"alarm-trader/internal/trace"
)

const (
	// marketDeviation is how far the target may sit from the last close
	// before a LIMIT order is considered unlikely to fill.
	marketDeviation = 0.03

	buyPriceFactor  = 0.995
	sellPriceFactor = 1.005
)

// PriceSource supplies the latest datapoint of a series.
type PriceSource interface {
	LatestDatapoint(ctx context.Context, ticker string, interval models.Interval) (*models.Datapoint, error)
}

// Finalizer removes handled alarms for good.
type Finalizer interface {
	Finalize(ctx context.Context, refs []models.AlarmRef) error
}

// Outcome is what happened to one fired alarm.
type Outcome int

const (
	OutcomeSubmitted Outcome = iota // order accepted by the gateway
	OutcomeNoop                     // validation found nothing to do
	OutcomeRetry                    // first failure, alarm stays active
	OutcomeAbandoned                // second consecutive failure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeNoop:
		return "noop"
	case OutcomeRetry:
		return "retry"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Handled reports whether the alarm is done with and must be finalized.
func (o Outcome) Handled() bool { return o != OutcomeRetry }

// Result is the dispatch outcome of one alarm.
type Result struct {
	Alarm   models.Alarm
	Order   models.OrderRequest
	Placed  *broker.OrderResult
	Outcome Outcome
	Err     error
}

// Report collects the results of one dispatch pass.
type Report struct {
	Results []Result
}

// Handled returns the refs of alarms that must be finalized.
func (r *Report) Handled() []models.AlarmRef {
	var refs []models.AlarmRef
	for _, res := range r.Results {
		if res.Outcome.Handled() {
			refs = append(refs, res.Alarm.Ref())
		}
	}
	return refs
}

// Dispatcher places an order for every fired alarm with two-strike retries.
type Dispatcher struct {
	broker     broker.Broker
	prices     PriceSource
	finalizer  Finalizer
	indicators models.Indicators
	retries    *RetryRecord
	notifier   notify.Notifier
	logger     zerolog.Logger
	workers    int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers bounds the number of alarms dispatched at once.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(b broker.Broker, prices PriceSource, finalizer Finalizer, indicators models.Indicators, notifier notify.Notifier, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		broker:     b,
		prices:     prices,
		finalizer:  finalizer,
		indicators: indicators,
		retries:    NewRetryRecord(),
		notifier:   notifier,
		logger:     logging.WithOperation(logger, "dispatch"),
		workers:    max(1, runtime.NumCPU()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Retries exposes the retry record.
func (d *Dispatcher) Retries() *RetryRecord { return d.retries }

// Dispatch submits an order for each fired alarm, then finalizes every
// handled alarm. A finalization failure wraps ErrFatalRemoval.
func (d *Dispatcher) Dispatch(ctx context.Context, fired []models.Alarm) (*Report, error) {
	ctx, span := trace.Start(ctx, "dispatch", attribute.Int("fired", len(fired)))

	var (
		mu     sync.Mutex
		report = &Report{}
		g      errgroup.Group
	)
	g.SetLimit(d.workers)

	for _, a := range fired {
		a := a
		g.Go(func() error {
			res := d.dispatchOne(ctx, a)
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var err error
	if refs := report.Handled(); len(refs) > 0 && d.finalizer != nil {
		err = d.finalizer.Finalize(ctx, refs)
	}

	span.SetAttributes(attribute.Int("handled", len(report.Handled())))
	trace.End(span, err)
	return report, err
}

func (d *Dispatcher) dispatchOne(ctx context.Context, a models.Alarm) Result {
	res := Result{Alarm: a}

	order, err := d.buildOrder(ctx, a)
	if err != nil {
		res.Err = err
		return d.strike(ctx, res)
	}
	res.Order = order

	placed, err := d.broker.PlaceOrder(ctx, order)
	if err != nil {
		res.Err = err
		return d.strike(ctx, res)
	}

	res.Placed = placed
	res.Outcome = OutcomeSubmitted
	if !placed.Submitted {
		res.Outcome = OutcomeNoop
	}
	d.retries.Clear(a.Key())

	d.logger.Info().
		Str("alarm", a.Key()).
		Str("outcome", res.Outcome.String()).
		Str("note", placed.Note).
		Msg("Alarm dispatched")
	return res
}

// strike applies the two-strike policy to a failed dispatch.
func (d *Dispatcher) strike(ctx context.Context, res Result) Result {
	if d.retries.Strike(res.Alarm.Key()) {
		res.Outcome = OutcomeAbandoned
		notify.Alert(ctx, d.notifier, d.logger, fmt.Sprintf(
			"The following triggered order failed two times and will be removed from execution, "+
				"if you think there is no mistake with the order please run a manual check -->\n\n%s\n\nerror: %v",
			describe(res), res.Err))
		return res
	}

	res.Outcome = OutcomeRetry
	notify.Alert(ctx, d.notifier, d.logger, fmt.Sprintf(
		"The following triggered order could NOT be placed and it will be tried again at the next cycle -->\n\n%s\n\nerror: %v",
		describe(res), res.Err))
	return res
}

// buildOrder prices and sizes the order for a fired alarm from the latest close.
func (d *Dispatcher) buildOrder(ctx context.Context, a models.Alarm) (models.OrderRequest, error) {
	interval, err := d.indicators.IntervalFor(a.Target)
	if err != nil {
		return models.OrderRequest{}, apperrors.NewValidationError("target", a.Target.String(), err.Error())
	}

	dp, err := d.prices.LatestDatapoint(ctx, a.Ticker, interval)
	if err != nil {
		return models.OrderRequest{}, err
	}
	if dp == nil {
		return models.OrderRequest{}, apperrors.NewDataError("datapoint", a.Ticker, "no "+string(interval)+" datapoint for order price", apperrors.ErrDataNotFound)
	}

	return BuildOrder(a, dp.Close), nil
}

// BuildOrder derives the order for alarm a given the latest close.
func BuildOrder(a models.Alarm, last float64) models.OrderRequest {
	entry := last
	target, isPrice := a.Target.Price()
	if isPrice {
		entry = target
	}

	return models.OrderRequest{
		Type:      OrderType(a.Target, last),
		Ticker:    a.Ticker,
		Quantity:  Quantity(a, entry),
		Price:     SubmitPrice(entry, a.Direction),
		Direction: a.Direction,
	}
}

// Quantity sizes an order. Buys spend Capital at the entry price, at least
// one share; sells read Capital as a share count and default to the whole
// position.
func Quantity(a models.Alarm, entry float64) models.Quantity {
	if a.Direction == models.Sell {
		if a.Capital == nil {
			return models.FullPosition()
		}
		return models.Exact(int(*a.Capital))
	}

	if a.Capital == nil || entry <= 0 {
		return models.Exact(1)
	}
	return models.Exact(max(int(math.Floor(*a.Capital/entry)), 1))
}

// OrderType picks MARKET when a price target is more than 3% away from the
// last close, LIMIT otherwise.
func OrderType(t models.Target, last float64) models.OrderType {
	target, ok := t.Price()
	if !ok {
		return models.OrderTypeLimit
	}
	if target > last*(1+marketDeviation) || target < last*(1-marketDeviation) {
		return models.OrderTypeMarket
	}
	return models.OrderTypeLimit
}

// SubmitPrice biases the entry price 0.5% toward a favourable fill.
func SubmitPrice(entry float64, dir models.Direction) float64 {
	factor := sellPriceFactor
	if dir == models.Buy {
		factor = buyPriceFactor
	}
	return decimal.NewFromFloat(entry).
		Mul(decimal.NewFromFloat(factor)).
		Round(2).
		InexactFloat64()
}

func describe(res Result) string {
	price := "-"
	if res.Order.Type == models.OrderTypeLimit {
		price = fmt.Sprintf("%v", res.Order.Price)
	}
	orderType := string(res.Order.Type)
	if orderType == "" {
		orderType = "-"
	}
	return fmt.Sprintf("- ticker: %s\n- direction: %s\n- order type: %s\n- entry price: %s\n- quantity: %s",
		res.Alarm.Ticker, res.Alarm.Direction, orderType, price, res.Order.Quantity)
}
