package arbiter

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partial"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// Final reports whether the exchange will not change the order any further.
func (s OrderStatus) Final() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// Order is a single leg submitted to an exchange. Amount is always in the
// market's base currency; ReceivedAmount is what landed in To after fees.
type Order struct {
	LegIndex        int             `json:"leg_index"`
	ClientID        string          `json:"client_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	ExpectedPrice   decimal.Decimal `json:"expected_price"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	Amount          decimal.Decimal `json:"amount"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	ReceivedAmount  decimal.Decimal `json:"received_amount"`
	FeeRate         decimal.Decimal `json:"fee_rate"`
	Latency         time.Duration   `json:"latency"`
	SlippageBps     float64         `json:"slippage_bps"`
	Status          OrderStatus     `json:"status"`
	Panic           bool            `json:"panic,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	SettledAt       time.Time       `json:"settled_at"`
}

// Apply folds an exchange update into the order and recomputes the amount
// received in the destination currency.
func (o *Order) Apply(u OrderUpdate) {
	if u.ExchangeOrderID != "" {
		o.ExchangeOrderID = u.ExchangeOrderID
	}
	if u.Status != "" {
		o.Status = u.Status
	}
	o.FilledAmount = u.FilledAmount
	if u.AveragePrice.IsPositive() {
		o.ExecutedPrice = u.AveragePrice
	} else if o.ExecutedPrice.IsZero() {
		o.ExecutedPrice = o.ExpectedPrice
	}
	o.ReceivedAmount = o.received()
}

// Spent is how much of the From currency the fill consumed.
func (o *Order) Spent() decimal.Decimal {
	if o.Side == SideBuy {
		return o.FilledAmount.Mul(o.ExecutedPrice)
	}
	return o.FilledAmount
}

func (o *Order) received() decimal.Decimal {
	net := decimal.NewFromInt(1).Sub(o.FeeRate)
	if o.Side == SideBuy {
		return o.FilledAmount.Mul(net)
	}
	return o.FilledAmount.Mul(o.ExecutedPrice).Mul(net)
}

// Residual is the part of the From currency a short fill left unspent.
func (o *Order) Residual() decimal.Decimal {
	left := o.Amount.Sub(o.FilledAmount)
	if !left.IsPositive() {
		return decimal.Zero
	}
	if o.Side == SideBuy {
		return left.Mul(o.ExecutedPrice)
	}
	return left
}

// Unfilled reports whether nothing was executed.
func (o *Order) Unfilled() bool {
	return !o.FilledAmount.IsPositive()
}

// Short reports whether the fill stopped before the requested amount.
func (o *Order) Short() bool {
	return o.FilledAmount.IsPositive() && o.FilledAmount.LessThan(o.Amount)
}

// OrderRequest is what adapters receive. A zero Price asks the adapter to
// cross the book at the current best price.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     Side
	Amount   decimal.Decimal
	Price    decimal.Decimal
}

// OrderUpdate is an adapter's view of an order.
type OrderUpdate struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledAmount    decimal.Decimal
	AveragePrice    decimal.Decimal
}
