package arbiter

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExchangeAdapter is the capability the engine needs from a venue. Live,
// paper and backtest implementations are chosen at construction time.
//
// Implementations classify failures with the package errors: ErrNetwork and
// ErrRateLimited for transport problems, ErrOrderRejected for venue
// rejections, ErrInsufficientBalance and ErrInvalidMarket for pre-trade
// problems and ErrOrderNotFound for unknown orders.
type ExchangeAdapter interface {
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderUpdate, error)
	// LookupOrder finds an order by the client id it was submitted with.
	LookupOrder(ctx context.Context, clientID string) (OrderUpdate, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}
