package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/executor"
)

// PersistFunc makes a cycle snapshot durable before returning.
type PersistFunc func(ctx context.Context, c *arbiter.Cycle) error

type legExecutor interface {
	Execute(ctx context.Context, req executor.LegRequest) (arbiter.Order, error)
	Exchange() arbiter.ExchangeAdapter
}

// Liquidator converts whatever a failed cycle holds back into its start
// currency, or into one of the safe currencies when that is closer.
type Liquidator struct {
	catalog     *arbiter.Catalog
	exec        legExecutor
	safe        []string
	maxHops     int
	legBudget   time.Duration
	concurrency int
	logger      *slog.Logger
}

type LiquidatorOption func(*Liquidator)

// WithSafeCurrencies adds currencies the liquidator may stop at.
func WithSafeCurrencies(currencies ...string) LiquidatorOption {
	return func(l *Liquidator) {
		l.safe = append(l.safe, currencies...)
	}
}

func WithMaxHops(n int) LiquidatorOption {
	return func(l *Liquidator) {
		if n > 0 {
			l.maxHops = n
		}
	}
}

// WithLegBudget bounds how long each liquidation leg may rest unfilled.
func WithLegBudget(d time.Duration) LiquidatorOption {
	return func(l *Liquidator) {
		l.legBudget = d
	}
}

func WithLiquidatorLogger(logger *slog.Logger) LiquidatorOption {
	return func(l *Liquidator) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLiquidator(catalog *arbiter.Catalog, exec legExecutor, opts ...LiquidatorOption) *Liquidator {
	l := &Liquidator{
		catalog:     catalog,
		exec:        exec,
		maxHops:     3,
		legBudget:   2 * time.Second,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithGroup("liquidator")
	return l
}

func (l *Liquidator) targets(c *arbiter.Cycle) []string {
	out := []string{c.StartCurrency()}
	for _, s := range l.safe {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// PanicSell trades the cycle's holdings to the nearest target currency.
// Each leg is settled on the cycle and persisted. When no route exists the
// cycle is marked for manual reconciliation and an error wrapping
// arbiter.ErrPanicSellPathNotFound is returned.
func (l *Liquidator) PanicSell(ctx context.Context, c *arbiter.Cycle, persist PersistFunc) error {
	targets := l.targets(c)
	if slices.Contains(targets, c.CurrentCurrency) || !c.CurrentAmount.IsPositive() {
		return nil
	}

	logger := l.logger.With(
		slog.String("cycle_id", c.ID),
		slog.String("holding", c.CurrentCurrency),
		slog.String("amount", c.CurrentAmount.String()),
	)

	tickers := l.fetchTickers(ctx)
	route, err := NewGraph(l.catalog.Markets(), tickers).Route(c.CurrentCurrency, targets, l.maxHops)
	if err != nil {
		logger.Error("cannot liquidate holdings",
			slog.Bool("fatal", true),
			slog.Any("targets", targets),
			slog.String("error", err.Error()),
		)
		l.flag(c, err)
		if perr := persist(ctx, c); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}

	logger.Warn("panic selling",
		slog.Int("hops", len(route)),
		slog.String("to", route[len(route)-1].To),
		slog.String("estimate", Estimate(route, c.CurrentAmount).String()),
	)

	for _, leg := range route {
		o := leg.Order(c.CurrentAmount)
		o.LegIndex = c.CurrentStep
		o.Panic = true

		req := executor.LegRequest{
			CycleID: c.ID,
			Order:   o,
			BeforeSubmit: func(ctx context.Context, o arbiter.Order) error {
				c.InFlight = &o
				c.UpdatedAt = time.Now()
				return persist(ctx, c)
			},
		}
		if l.legBudget > 0 {
			req.Deadline = time.Now().Add(l.legBudget)
		}

		settled, err := l.exec.Execute(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				// leave the in-flight order for recovery
				return err
			}
			c.InFlight = nil
			err = fmt.Errorf("panic leg %s %s: %w", leg.Market.Symbol, leg.Side, err)
			logger.Error("panic sell leg failed", slog.Bool("fatal", true), slog.String("error", err.Error()))
			l.flag(c, err)
			if perr := persist(ctx, c); perr != nil {
				return errors.Join(err, perr)
			}
			return err
		}

		c.Settle(settled, time.Now())
		if settled.Status == arbiter.OrderPartial {
			c.SetMeta(fmt.Sprintf("residual_leg_%d", settled.LegIndex),
				settled.Residual().String()+" "+settled.From)
		}
		if err := persist(ctx, c); err != nil {
			return err
		}
	}

	logger.Info("holdings liquidated",
		slog.String("currency", c.CurrentCurrency),
		slog.String("amount", c.CurrentAmount.String()),
	)
	return nil
}

func (l *Liquidator) flag(c *arbiter.Cycle, err error) {
	c.SetMeta(arbiter.MetaManualReconciliation, fmt.Sprintf("holding %s %s: %v", c.CurrentAmount, c.CurrentCurrency, err))
	c.UpdatedAt = time.Now()
}

func (l *Liquidator) fetchTickers(ctx context.Context) map[string]arbiter.Ticker {
	var (
		mu      sync.Mutex
		tickers = make(map[string]arbiter.Ticker)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, m := range l.catalog.Markets() {
		g.Go(func() error {
			t, err := l.exec.Exchange().FetchTicker(gctx, m.Symbol)
			if err != nil {
				l.logger.Debug("ticker unavailable", slog.String("symbol", m.Symbol), slog.String("error", err.Error()))
				return nil
			}
			mu.Lock()
			tickers[m.Symbol] = t
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return tickers
}
