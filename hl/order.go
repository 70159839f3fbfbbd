package hl

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sonirico/go-hyperliquid"

	"github.com/recomma/arbiter/arbiter"
)

// orderUpdateFromQuery converts an order status query into the adapter's
// view. The exchange order id is the cloid, which the venue indexes too.
// ok is false when the venue does not know the order.
func orderUpdateFromQuery(cloid string, result *hyperliquid.OrderQueryResult) (u arbiter.OrderUpdate, ok bool, err error) {
	if result == nil {
		return arbiter.OrderUpdate{}, false, fmt.Errorf("order query result is nil")
	}
	if result.Status != hyperliquid.OrderQueryStatusSuccess {
		return arbiter.OrderUpdate{}, false, nil
	}

	order := result.Order.Order
	orig, err := decimal.NewFromString(order.OrigSz)
	if err != nil {
		return arbiter.OrderUpdate{}, false, fmt.Errorf("orig size %q: %w", order.OrigSz, err)
	}
	remaining, err := decimal.NewFromString(order.Sz)
	if err != nil {
		return arbiter.OrderUpdate{}, false, fmt.Errorf("size %q: %w", order.Sz, err)
	}
	price, err := decimal.NewFromString(order.LimitPx)
	if err != nil {
		return arbiter.OrderUpdate{}, false, fmt.Errorf("limit price %q: %w", order.LimitPx, err)
	}

	u = arbiter.OrderUpdate{
		ExchangeOrderID: cloid,
		ClientID:        cloid,
		Status:          statusFrom(result.Order.Status),
		FilledAmount:    orig.Sub(remaining),
	}
	if u.Status == arbiter.OrderFilled {
		u.FilledAmount = orig
	}
	if u.FilledAmount.IsPositive() {
		// the status query carries no average price; IOC orders fill at
		// the limit or better
		u.AveragePrice = price
	}
	return u, true, nil
}

func statusFrom(s hyperliquid.OrderStatusValue) arbiter.OrderStatus {
	switch s {
	case hyperliquid.OrderStatusValueFilled:
		return arbiter.OrderFilled
	case hyperliquid.OrderStatusValueOpen, hyperliquid.OrderStatusValue("triggered"), hyperliquid.OrderStatusValue("live"):
		return arbiter.OrderPending
	case hyperliquid.OrderStatusValue("rejected"):
		return arbiter.OrderRejected
	default:
		// canceled, marginCanceled, and the other terminal cancel reasons
		return arbiter.OrderCancelled
	}
}
