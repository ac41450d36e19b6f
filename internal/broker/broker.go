// Package broker provides the brokerage gateway adapter.
package broker

import (
	"context"

	"alarm-trader/internal/models"
)

// Broker defines the brokerage operations the engine needs.
type Broker interface {
	// Orders
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, ticker string, price float64, dir models.Direction) (int, error)

	// Snapshots
	Portfolio(ctx context.Context) ([]models.Position, error)
	OpenOrders(ctx context.Context) ([]models.OpenOrder, error)
	BuyingPower(ctx context.Context) (float64, error)
}

// OrderResult describes what PlaceOrder did.
type OrderResult struct {
	// Submitted is false when validation found nothing to do, for example a
	// sell for a position that is already closed. That is not a failure.
	Submitted bool
	Quantity  int
	Price     float64
	Note      string
}
