package models

import "strconv"

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Quantity is either an exact share count or the whole open position.
type Quantity struct {
	full   bool
	shares int
}

// FullPosition requests every share currently held.
func FullPosition() Quantity { return Quantity{full: true} }

// Exact requests n shares.
func Exact(n int) Quantity { return Quantity{shares: n} }

// IsFull reports whether the whole position is requested.
func (q Quantity) IsFull() bool { return q.full }

// Shares returns the exact count; it is meaningless for FullPosition.
func (q Quantity) Shares() int { return q.shares }

func (q Quantity) String() string {
	if q.full {
		return "full"
	}
	return strconv.Itoa(q.shares)
}

// OrderRequest is an order ready for validation and submission.
type OrderRequest struct {
	Type      OrderType
	Ticker    string
	Quantity  Quantity
	Price     float64
	Direction Direction
}

// Position represents an open position from a portfolio snapshot.
type Position struct {
	Ticker        string  `csv:"ticker"`
	OpenPosition  float64 `csv:"open_position"`
	AverageCost   float64 `csv:"average_cost"`
	MarketPrice   float64 `csv:"market_price"`
	UnrealizedPnL float64 `csv:"unrealized_pnl"`
}

// OpenOrder represents a working order from an open-orders snapshot.
type OpenOrder struct {
	Ticker       string  `csv:"ticker"`
	OpenQuantity float64 `csv:"open_quantity"`
	PriceLevel   float64 `csv:"price_level"`
	Buy          bool    `csv:"direction"`
}

// Direction returns the order's side.
func (o OpenOrder) Direction() Direction { return Direction(o.Buy) }

// BuyingPower is the single-row buying power snapshot.
type BuyingPower struct {
	BuyingPower float64 `csv:"buying_power"`
}
