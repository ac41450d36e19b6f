package broker

import (
	"fmt"
	"math"

	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/models"
)

// SellQuantity resolves a sell request against the open position and the
// quantity already reserved by pending sell orders. A zero result with a nil
// error means there is nothing left to sell.
func SellQuantity(ticker string, requested models.Quantity, position *models.Position, pending float64) (int, error) {
	if position == nil {
		return 0, nil
	}

	available := int(position.OpenPosition) - int(pending)
	switch {
	case available < 0:
		return 0, apperrors.NewOrderError(ticker, "sell",
			fmt.Sprintf("pending sell quantity %v exceeds open position %v", pending, position.OpenPosition),
			apperrors.ErrInconsistentPosition)
	case available == 0:
		return 0, nil
	case requested.IsFull() || requested.Shares() > available:
		return available, nil
	default:
		return requested.Shares(), nil
	}
}

// BuyQuantity clips qty so that qty*price stays within buyingPower.
func BuyQuantity(qty int, price, buyingPower float64) int {
	if price <= 0 || float64(qty)*price <= buyingPower {
		return qty
	}
	return int(math.Floor(buyingPower / price))
}

// pendingSells sums the open sell quantity for ticker.
func pendingSells(ticker string, orders []models.OpenOrder) float64 {
	var total float64
	for _, o := range orders {
		if o.Ticker == ticker && o.Direction() == models.Sell {
			total += o.OpenQuantity
		}
	}
	return total
}

func findPosition(ticker string, positions []models.Position) *models.Position {
	for i := range positions {
		if positions[i].Ticker == ticker {
			return &positions[i]
		}
	}
	return nil
}

// checkRequest applies the static order checks.
func checkRequest(req models.OrderRequest) error {
	switch {
	case req.Type != models.OrderTypeMarket && req.Type != models.OrderTypeLimit:
		return apperrors.NewOrderError(req.Ticker, "place", fmt.Sprintf("order type %q is not valid", req.Type), apperrors.ErrInvalidOrder)
	case req.Ticker == "":
		return apperrors.NewOrderError(req.Ticker, "place", "ticker cannot be empty", apperrors.ErrInvalidOrder)
	case !req.Quantity.IsFull() && req.Quantity.Shares() < 1:
		return apperrors.NewOrderError(req.Ticker, "place", fmt.Sprintf("quantity %d must be positive", req.Quantity.Shares()), apperrors.ErrInvalidOrder)
	case req.Quantity.IsFull() && req.Direction == models.Buy:
		return apperrors.NewOrderError(req.Ticker, "place", "buy orders need an exact quantity", apperrors.ErrInvalidOrder)
	case req.Type == models.OrderTypeLimit && req.Price < 1:
		return apperrors.NewOrderError(req.Ticker, "place", fmt.Sprintf("LIMIT price %v cannot be lower than 1", req.Price), apperrors.ErrInvalidOrder)
	}
	return nil
}
