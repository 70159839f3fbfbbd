// Package paper simulates a spot venue in memory. Orders cross the quoted
// book with configurable latency, slippage and fill ratio, and balances move
// the way they would on the real venue.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recomma/arbiter/arbiter"
)

var (
	// buys may fill this share of the requested amount when the balance runs short
	buyShortfall = decimal.RequireFromString("0.98")
	// fills within rounding of the requested amount count as complete
	fullFill = decimal.RequireFromString("0.99999999")
)

type order struct {
	id       string
	req      arbiter.OrderRequest
	market   arbiter.Market
	price    decimal.Decimal
	fill     decimal.Decimal
	reserved decimal.Decimal
	readyAt  time.Time
	status   arbiter.OrderStatus
	filled   decimal.Decimal
}

// Exchange implements arbiter.ExchangeAdapter without touching a venue.
type Exchange struct {
	mu       sync.Mutex
	catalog  *arbiter.Catalog
	balances map[string]decimal.Decimal
	tickers  map[string]arbiter.Ticker
	orders   map[string]*order
	byClient map[string]string
	seq      int64

	latency   func(arbiter.OrderRequest) time.Duration
	slippage  func(arbiter.OrderRequest) float64
	fillRatio func(arbiter.OrderRequest) decimal.Decimal
	reject    func(arbiter.OrderRequest) error
	logger    *slog.Logger
}

type Option func(*Exchange)

func WithBalances(balances map[string]decimal.Decimal) Option {
	return func(e *Exchange) {
		maps.Copy(e.balances, balances)
	}
}

// WithLatency delays every fill by d.
func WithLatency(d time.Duration) Option {
	return WithLatencyFunc(func(arbiter.OrderRequest) time.Duration { return d })
}

func WithLatencyFunc(fn func(arbiter.OrderRequest) time.Duration) Option {
	return func(e *Exchange) {
		e.latency = fn
	}
}

// WithSlippageBps fills every order bps worse than the quote.
func WithSlippageBps(bps float64) Option {
	return WithSlippageFunc(func(arbiter.OrderRequest) float64 { return bps })
}

func WithSlippageFunc(fn func(arbiter.OrderRequest) float64) Option {
	return func(e *Exchange) {
		e.slippage = fn
	}
}

// WithFillRatioFunc fills only the returned share of each order; the rest
// is cancelled.
func WithFillRatioFunc(fn func(arbiter.OrderRequest) decimal.Decimal) Option {
	return func(e *Exchange) {
		e.fillRatio = fn
	}
}

// WithRejectFunc lets callers refuse orders before they rest.
func WithRejectFunc(fn func(arbiter.OrderRequest) error) Option {
	return func(e *Exchange) {
		e.reject = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exchange) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func New(catalog *arbiter.Catalog, opts ...Option) *Exchange {
	e := &Exchange{
		catalog:  catalog,
		balances: make(map[string]decimal.Decimal),
		tickers:  make(map[string]arbiter.Ticker),
		orders:   make(map[string]*order),
		byClient: make(map[string]string),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithGroup("paper")
	return e
}

// SetTicker replaces the quote for symbol.
func (e *Exchange) SetTicker(symbol string, bid, ask decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickers[symbol] = arbiter.Ticker{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now()}
}

// RemoveTicker makes symbol unquoted.
func (e *Exchange) RemoveTicker(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tickers, symbol)
}

func (e *Exchange) Deposit(currency string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[currency] = e.balances[currency].Add(amount)
}

func (e *Exchange) FetchTicker(_ context.Context, symbol string) (arbiter.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickers[symbol]
	if !ok {
		return arbiter.Ticker{}, fmt.Errorf("%w: no quote for %s", arbiter.ErrInvalidMarket, symbol)
	}
	return t, nil
}

func (e *Exchange) PlaceOrder(_ context.Context, req arbiter.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byClient[req.ClientID]; ok && req.ClientID != "" {
		return id, nil
	}

	m, ok := e.catalog.Market(req.Symbol)
	if !ok {
		return "", fmt.Errorf("%w: %s", arbiter.ErrInvalidMarket, req.Symbol)
	}
	t, ok := e.tickers[req.Symbol]
	if !ok || !t.PriceFor(req.Side).IsPositive() {
		return "", fmt.Errorf("%w: no quote for %s", arbiter.ErrOrderRejected, req.Symbol)
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount %s", arbiter.ErrOrderRejected, req.Amount)
	}
	if e.reject != nil {
		if err := e.reject(req); err != nil {
			return "", err
		}
	}

	price := t.PriceFor(req.Side)
	if e.slippage != nil {
		if bps := e.slippage(req); bps != 0 {
			adj := decimal.NewFromFloat(bps).Div(decimal.NewFromInt(10_000))
			if req.Side == arbiter.SideBuy {
				price = price.Mul(decimal.NewFromInt(1).Add(adj))
			} else {
				price = price.Mul(decimal.NewFromInt(1).Sub(adj))
			}
		}
	}

	fill := req.Amount
	if e.fillRatio != nil {
		fill = req.Amount.Mul(e.fillRatio(req))
	}

	from := m.Base
	reserved := req.Amount
	if req.Side == arbiter.SideBuy {
		from = m.Quote
		// a buy sized at the expected price may cost a little more at the
		// fill price; buy what the balance covers
		if afford := e.balances[from].Div(price).Truncate(12); afford.LessThan(fill) && afford.GreaterThanOrEqual(req.Amount.Mul(buyShortfall)) {
			fill = afford
		}
		reserved = fill.Mul(price)
	}
	if e.balances[from].LessThan(reserved) {
		return "", fmt.Errorf("%w: need %s %s, have %s", arbiter.ErrInsufficientBalance, reserved, from, e.balances[from])
	}
	e.balances[from] = e.balances[from].Sub(reserved)

	e.seq++
	o := &order{
		id:       strconv.FormatInt(e.seq, 10),
		req:      req,
		market:   m,
		price:    price,
		fill:     fill,
		reserved: reserved,
		readyAt:  time.Now(),
		status:   arbiter.OrderPending,
	}
	if e.latency != nil {
		o.readyAt = o.readyAt.Add(e.latency(req))
	}
	e.orders[o.id] = o
	if req.ClientID != "" {
		e.byClient[req.ClientID] = o.id
	}

	e.logger.Debug("order placed",
		slog.String("id", o.id),
		slog.String("client_id", req.ClientID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("amount", req.Amount.String()),
		slog.String("price", price.String()),
	)
	return o.id, nil
}

// settleLocked fills o once its latency has elapsed.
func (e *Exchange) settleLocked(o *order, now time.Time) {
	if o.status.Final() || now.Before(o.readyAt) {
		return
	}
	e.fillLocked(o)
}

func (e *Exchange) fillLocked(o *order) {
	one := decimal.NewFromInt(1)
	net := one.Sub(o.market.FeeRate)

	var spent, received decimal.Decimal
	var from, to string
	if o.req.Side == arbiter.SideBuy {
		from, to = o.market.Quote, o.market.Base
		spent = o.fill.Mul(o.price)
		received = o.fill.Mul(net)
	} else {
		from, to = o.market.Base, o.market.Quote
		spent = o.fill
		received = o.fill.Mul(o.price).Mul(net)
	}

	e.balances[from] = e.balances[from].Add(o.reserved.Sub(spent))
	e.balances[to] = e.balances[to].Add(received)
	o.filled = o.fill
	if o.fill.GreaterThanOrEqual(o.req.Amount.Mul(fullFill)) {
		o.status = arbiter.OrderFilled
	} else {
		o.status = arbiter.OrderCancelled
	}
}

func (e *Exchange) update(o *order) arbiter.OrderUpdate {
	u := arbiter.OrderUpdate{
		ExchangeOrderID: o.id,
		ClientID:        o.req.ClientID,
		Status:          o.status,
		FilledAmount:    o.filled,
	}
	if o.filled.IsPositive() {
		u.AveragePrice = o.price
	}
	return u
}

func (e *Exchange) GetOrderStatus(_ context.Context, id string) (arbiter.OrderUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return arbiter.OrderUpdate{}, fmt.Errorf("%w: %s", arbiter.ErrOrderNotFound, id)
	}
	e.settleLocked(o, time.Now())
	return e.update(o), nil
}

func (e *Exchange) LookupOrder(_ context.Context, clientID string) (arbiter.OrderUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byClient[clientID]
	if !ok {
		return arbiter.OrderUpdate{}, fmt.Errorf("%w: client id %s", arbiter.ErrOrderNotFound, clientID)
	}
	o := e.orders[id]
	e.settleLocked(o, time.Now())
	return e.update(o), nil
}

// CancelOrder cancels an order that has not filled yet and releases its
// reserved balance.
func (e *Exchange) CancelOrder(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", arbiter.ErrOrderNotFound, id)
	}
	e.settleLocked(o, time.Now())
	if o.status.Final() {
		return nil
	}
	from := o.market.Base
	if o.req.Side == arbiter.SideBuy {
		from = o.market.Quote
	}
	e.balances[from] = e.balances[from].Add(o.reserved)
	o.status = arbiter.OrderCancelled
	return nil
}

// ForceFill settles a resting order immediately, regardless of latency.
func (e *Exchange) ForceFill(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", arbiter.ErrOrderNotFound, id)
	}
	if !o.status.Final() {
		e.fillLocked(o)
	}
	return nil
}

func (e *Exchange) FetchBalances(context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.balances), nil
}

// Orders returns the requests placed so far, oldest first.
func (e *Exchange) Orders() []arbiter.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]arbiter.OrderRequest, 0, len(e.orders))
	for i := int64(1); i <= e.seq; i++ {
		out = append(out, e.orders[strconv.FormatInt(i, 10)].req)
	}
	return out
}
