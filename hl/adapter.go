package hl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sonirico/go-hyperliquid"

	"github.com/recomma/arbiter/arbiter"
)

type exchangeClient interface {
	Order(ctx context.Context, req hyperliquid.CreateOrderRequest, builder *hyperliquid.BuilderInfo) (hyperliquid.OrderStatus, error)
	CancelByCloid(ctx context.Context, coin, cloid string) (*hyperliquid.APIResponse[hyperliquid.CancelOrderResponse], error)
}

type infoClient interface {
	QueryOrderByCloid(ctx context.Context, user, cloid string) (*hyperliquid.OrderQueryResult, error)
	SpotUserState(ctx context.Context, address string) (*hyperliquid.SpotUserState, error)
}

// QuoteSource keeps the latest best bid/offer per coin, usually fed by the
// websocket client in hl/ws.
type QuoteSource interface {
	EnsureBBO(coin string)
	Latest(coin string) (BestBidOffer, bool)
}

// Adapter trades spot pairs on Hyperliquid with immediate-or-cancel limit
// orders. Orders are addressed by their cloid, which doubles as the
// exchange order id.
type Adapter struct {
	catalog     *arbiter.Catalog
	exchange    exchangeClient
	info        infoClient
	quotes      QuoteSource
	constraints ConstraintsResolver
	wallet      string
	slippageBps float64
	quoteWait   time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	coins map[string]string
}

type Option func(*Adapter)

func WithQuoteSource(q QuoteSource) Option {
	return func(a *Adapter) {
		a.quotes = q
	}
}

func WithConstraints(c ConstraintsResolver) Option {
	return func(a *Adapter) {
		a.constraints = c
	}
}

// WithMaxSlippageBps sets how far through the quote the IOC limit price
// may reach.
func WithMaxSlippageBps(bps float64) Option {
	return func(a *Adapter) {
		if bps >= 0 {
			a.slippageBps = bps
		}
	}
}

// WithQuoteWait bounds how long FetchTicker waits for a first quote.
func WithQuoteWait(d time.Duration) Option {
	return func(a *Adapter) {
		a.quoteWait = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func New(catalog *arbiter.Catalog, exchange exchangeClient, info infoClient, wallet string, opts ...Option) *Adapter {
	a := &Adapter{
		catalog:     catalog,
		exchange:    exchange,
		info:        info,
		wallet:      wallet,
		slippageBps: 50,
		quoteWait:   2 * time.Second,
		logger:      slog.Default(),
		coins:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithGroup("hyperliquid")
	return a
}

// Coins lists the venue coin of every catalog market, for subscribing
// quotes up front.
func (a *Adapter) Coins() []string {
	var out []string
	for _, m := range a.catalog.Markets() {
		out = append(out, coinOf(m))
	}
	return out
}

func coinOf(m arbiter.Market) string {
	if m.VenueSymbol != "" {
		return m.VenueSymbol
	}
	return m.Symbol
}

func (a *Adapter) market(symbol string) (arbiter.Market, error) {
	m, ok := a.catalog.Market(symbol)
	if !ok {
		return arbiter.Market{}, fmt.Errorf("%w: %s", arbiter.ErrInvalidMarket, symbol)
	}
	return m, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (arbiter.Ticker, error) {
	m, err := a.market(symbol)
	if err != nil {
		return arbiter.Ticker{}, err
	}
	if a.quotes == nil {
		return arbiter.Ticker{}, fmt.Errorf("%w: no quote feed for %s", arbiter.ErrNetwork, symbol)
	}
	coin := coinOf(m)
	a.quotes.EnsureBBO(coin)

	deadline := time.Now().Add(a.quoteWait)
	for {
		if bbo, ok := a.quotes.Latest(coin); ok {
			return bbo.Ticker(symbol), nil
		}
		if !time.Now().Before(deadline) {
			return arbiter.Ticker{}, fmt.Errorf("%w: no quote for %s yet", arbiter.ErrNetwork, coin)
		}
		select {
		case <-ctx.Done():
			return arbiter.Ticker{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (a *Adapter) resolve(ctx context.Context, coin string) (CoinConstraints, error) {
	if a.constraints == nil {
		return CoinConstraints{Coin: coin, SizeDecimals: 8, PriceSigFigs: 5}, nil
	}
	return a.constraints.Resolve(ctx, coin)
}

// limitPrice reaches slippageBps through the reference price so the IOC
// order crosses the book.
func (a *Adapter) limitPrice(side arbiter.Side, ref decimal.Decimal) decimal.Decimal {
	adj := decimal.NewFromFloat(a.slippageBps).Div(decimal.NewFromInt(10_000))
	if side == arbiter.SideBuy {
		return ref.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(adj))
}

func (a *Adapter) PlaceOrder(ctx context.Context, req arbiter.OrderRequest) (string, error) {
	m, err := a.market(req.Symbol)
	if err != nil {
		return "", err
	}
	if req.ClientID == "" {
		return "", fmt.Errorf("%w: client id is required", arbiter.ErrOrderRejected)
	}
	coin := coinOf(m)

	ref := req.Price
	if !ref.IsPositive() {
		t, err := a.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return "", err
		}
		ref = t.PriceFor(req.Side)
	}

	cons, err := a.resolve(ctx, coin)
	if err != nil {
		return "", fmt.Errorf("%w: %v", arbiter.ErrInvalidMarket, err)
	}
	size := cons.RoundSize(req.Amount)
	if !size.IsPositive() {
		return "", fmt.Errorf("%w: size %s rounds to zero at %d decimals", arbiter.ErrOrderRejected, req.Amount, cons.SizeDecimals)
	}
	price := cons.RoundPrice(a.limitPrice(req.Side, ref))

	cloid := req.ClientID
	order := hyperliquid.CreateOrderRequest{
		Coin:          coin,
		IsBuy:         req.Side == arbiter.SideBuy,
		Price:         price.InexactFloat64(),
		Size:          size.InexactFloat64(),
		OrderType:     hyperliquid.OrderType{Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc}},
		ClientOrderID: &cloid,
	}

	a.mu.Lock()
	a.coins[cloid] = coin
	a.mu.Unlock()

	if _, err := a.exchange.Order(ctx, order, nil); err != nil {
		a.logger.Warn("order not accepted",
			slog.String("coin", coin),
			slog.String("cloid", cloid),
			slog.String("error", err.Error()),
		)
		return "", classify(err, arbiter.ErrOrderRejected)
	}

	a.logger.Debug("order placed",
		slog.String("coin", coin),
		slog.String("cloid", cloid),
		slog.Bool("buy", order.IsBuy),
		slog.String("size", size.String()),
		slog.String("limit", price.String()),
	)
	return cloid, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, id string) (arbiter.OrderUpdate, error) {
	result, err := a.info.QueryOrderByCloid(ctx, a.wallet, id)
	if err != nil {
		return arbiter.OrderUpdate{}, classify(err, arbiter.ErrNetwork)
	}
	u, ok, err := orderUpdateFromQuery(id, result)
	if err != nil {
		return arbiter.OrderUpdate{}, err
	}
	if !ok {
		return arbiter.OrderUpdate{}, fmt.Errorf("%w: cloid %s", arbiter.ErrOrderNotFound, id)
	}
	if coin := result.Order.Order.Coin; coin != "" {
		a.mu.Lock()
		a.coins[id] = coin
		a.mu.Unlock()
	}
	return u, nil
}

// LookupOrder is GetOrderStatus: the client id is the venue id.
func (a *Adapter) LookupOrder(ctx context.Context, clientID string) (arbiter.OrderUpdate, error) {
	return a.GetOrderStatus(ctx, clientID)
}

func (a *Adapter) CancelOrder(ctx context.Context, id string) error {
	a.mu.Lock()
	coin, ok := a.coins[id]
	a.mu.Unlock()
	if !ok {
		if _, err := a.GetOrderStatus(ctx, id); err != nil {
			return err
		}
		a.mu.Lock()
		coin = a.coins[id]
		a.mu.Unlock()
	}

	if _, err := a.exchange.CancelByCloid(ctx, coin, id); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "already canceled") || strings.Contains(msg, "filled") || strings.Contains(msg, "never placed") {
			return nil
		}
		return classify(err, arbiter.ErrNetwork)
	}
	return nil
}

// FetchBalances returns the spot balances free to trade.
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	state, err := a.info.SpotUserState(ctx, a.wallet)
	if err != nil {
		return nil, classify(err, arbiter.ErrNetwork)
	}
	out := make(map[string]decimal.Decimal, len(state.Balances))
	for _, b := range state.Balances {
		total, err := decimal.NewFromString(b.Total)
		if err != nil {
			return nil, fmt.Errorf("balance %s total %q: %w", b.Coin, b.Total, err)
		}
		hold := decimal.Zero
		if b.Hold != "" {
			if hold, err = decimal.NewFromString(b.Hold); err != nil {
				return nil, fmt.Errorf("balance %s hold %q: %w", b.Coin, b.Hold, err)
			}
		}
		out[strings.ToUpper(b.Coin)] = total.Sub(hold)
	}
	return out, nil
}

// classify maps venue and transport errors onto the arbiter taxonomy.
// fallback is used when nothing more specific matches.
func classify(err error, fallback error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", arbiter.ErrNetwork, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", arbiter.ErrRateLimited, err)
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", arbiter.ErrInsufficientBalance, err)
	case strings.Contains(msg, "could not immediately match"):
		return fmt.Errorf("%w: %v", arbiter.ErrOrderRejected, err)
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "eof"), strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", arbiter.ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
