package arbiter

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a discovered cycle handed over by a scanner.
type Opportunity struct {
	Strategy       string            `json:"strategy"`
	Path           []string          `json:"path"`
	Markets        []string          `json:"markets,omitempty"`
	ExpectedPrices []decimal.Decimal `json:"expected_prices,omitempty"`
	NetProfitPct   float64           `json:"net_profit_pct"`
	ScanIndex      int64             `json:"scan_index"`
	Amount         decimal.Decimal   `json:"amount"`
	DiscoveredAt   time.Time         `json:"discovered_at"`
}

// Normalize upper-cases currencies and drops a repeated closing currency.
func (o *Opportunity) Normalize() {
	for i, c := range o.Path {
		o.Path[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	if n := len(o.Path); n > 1 && o.Path[0] == o.Path[n-1] {
		o.Path = o.Path[:n-1]
	}
}

func (o Opportunity) Validate() error {
	if len(o.Path) < 3 {
		return fmt.Errorf("%w: path needs at least 3 currencies, got %d", ErrInvalidOpportunity, len(o.Path))
	}
	seen := make(map[string]struct{}, len(o.Path))
	for _, c := range o.Path {
		if c == "" {
			return fmt.Errorf("%w: empty currency in path", ErrInvalidOpportunity)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: currency %s repeats in path", ErrInvalidOpportunity, c)
		}
		seen[c] = struct{}{}
	}
	if len(o.Markets) > 0 && len(o.Markets) != len(o.Path) {
		return fmt.Errorf("%w: %d markets for %d legs", ErrInvalidOpportunity, len(o.Markets), len(o.Path))
	}
	if len(o.ExpectedPrices) > 0 && len(o.ExpectedPrices) != len(o.Path) {
		return fmt.Errorf("%w: %d prices for %d legs", ErrInvalidOpportunity, len(o.ExpectedPrices), len(o.Path))
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOpportunity)
	}
	return nil
}

// RouteKey of the opportunity's path.
func (o Opportunity) RouteKey() string {
	return RouteKey(o.Path)
}

// Market is a tradable pair. Prices are quoted in Quote per unit of Base.
type Market struct {
	Symbol  string          `json:"symbol"`
	Base    string          `json:"base"`
	Quote   string          `json:"quote"`
	FeeRate decimal.Decimal `json:"fee_rate"`
	// Venue specific identifier, e.g. the Hyperliquid coin name.
	VenueSymbol string `json:"venue_symbol,omitempty"`
}

// Connects reports whether the market trades between a and b.
func (m Market) Connects(a, b string) bool {
	return (m.Base == a && m.Quote == b) || (m.Base == b && m.Quote == a)
}

// SideFor returns the side that converts from into to.
func (m Market) SideFor(from, to string) (Side, bool) {
	switch {
	case m.Quote == from && m.Base == to:
		return SideBuy, true
	case m.Base == from && m.Quote == to:
		return SideSell, true
	default:
		return "", false
	}
}

// Ticker is a top of book snapshot.
type Ticker struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Time   time.Time
}

// Mid returns the midpoint, or whichever side is present.
func (t Ticker) Mid() decimal.Decimal {
	switch {
	case t.Bid.IsPositive() && t.Ask.IsPositive():
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	case t.Ask.IsPositive():
		return t.Ask
	default:
		return t.Bid
	}
}

// PriceFor is the price a taker pays on the given side.
func (t Ticker) PriceFor(side Side) decimal.Decimal {
	if side == SideBuy {
		return t.Ask
	}
	return t.Bid
}

// SpreadBps is the relative width of the book.
func (t Ticker) SpreadBps() float64 {
	mid := t.Mid()
	if !mid.IsPositive() || !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return 0
	}
	bps, _ := t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(10000)).Float64()
	return bps
}

// Catalog is the immutable set of markets known at startup.
type Catalog struct {
	markets map[string]Market
	order   []string
}

func NewCatalog(markets []Market) (*Catalog, error) {
	c := &Catalog{markets: make(map[string]Market, len(markets))}
	for _, m := range markets {
		m.Symbol = strings.TrimSpace(m.Symbol)
		m.Base = strings.ToUpper(strings.TrimSpace(m.Base))
		m.Quote = strings.ToUpper(strings.TrimSpace(m.Quote))
		if m.Symbol == "" || m.Base == "" || m.Quote == "" || m.Base == m.Quote {
			return nil, fmt.Errorf("%w: %+v", ErrInvalidMarket, m)
		}
		if m.FeeRate.IsNegative() || m.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: fee rate %s for %s", ErrInvalidMarket, m.FeeRate, m.Symbol)
		}
		if _, dup := c.markets[m.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrInvalidMarket, m.Symbol)
		}
		c.markets[m.Symbol] = m
		c.order = append(c.order, m.Symbol)
	}
	return c, nil
}

func (c *Catalog) Market(symbol string) (Market, bool) {
	m, ok := c.markets[symbol]
	return m, ok
}

// Markets returns every market in declaration order.
func (c *Catalog) Markets() []Market {
	out := make([]Market, 0, len(c.order))
	for _, s := range c.order {
		out = append(out, c.markets[s])
	}
	return out
}

// Between finds the first market connecting two currencies.
func (c *Catalog) Between(a, b string) (Market, bool) {
	for _, s := range c.order {
		if m := c.markets[s]; m.Connects(a, b) {
			return m, true
		}
	}
	return Market{}, false
}

// LegPlan is the static description of one leg of a cycle.
type LegPlan struct {
	Market        Market
	Side          Side
	From          string
	To            string
	ExpectedPrice decimal.Decimal
}

// Plan resolves every leg of a path. When symbols is empty each leg picks
// the first catalog market connecting its currencies.
func (c *Catalog) Plan(path, symbols []string, prices []decimal.Decimal) ([]LegPlan, error) {
	plans := make([]LegPlan, 0, len(path))
	for i, from := range path {
		to := path[(i+1)%len(path)]

		var (
			m  Market
			ok bool
		)
		if len(symbols) > 0 {
			m, ok = c.Market(symbols[i])
			if !ok {
				return nil, fmt.Errorf("%w: unknown symbol %q for leg %d", ErrInvalidMarket, symbols[i], i)
			}
		} else {
			m, ok = c.Between(from, to)
			if !ok {
				return nil, fmt.Errorf("%w: no market for %s->%s", ErrInvalidMarket, from, to)
			}
		}

		side, ok := m.SideFor(from, to)
		if !ok {
			return nil, fmt.Errorf("%w: %s does not trade %s->%s", ErrInvalidMarket, m.Symbol, from, to)
		}

		plan := LegPlan{Market: m, Side: side, From: from, To: to}
		if len(prices) > i {
			plan.ExpectedPrice = prices[i]
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// Order builds the leg order for the currently held amount.
func (p LegPlan) Order(held decimal.Decimal) Order {
	amount := held
	if p.Side == SideBuy && p.ExpectedPrice.IsPositive() {
		amount = held.Div(p.ExpectedPrice)
	}
	return Order{
		Symbol:        p.Market.Symbol,
		Side:          p.Side,
		From:          p.From,
		To:            p.To,
		ExpectedPrice: p.ExpectedPrice,
		Amount:        amount,
		FeeRate:       p.Market.FeeRate,
		Status:        OrderPending,
	}
}

// Symbols lists the market symbols of a plan in leg order.
func Symbols(plans []LegPlan) []string {
	out := make([]string, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.Market.Symbol)
	}
	return slices.Clip(out)
}
