// Package engine runs admitted opportunities as cycles: it walks the legs in
// order, checks every fill against the risk limits and liquidates the
// holdings of a cycle that has to stop early.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recomma/arbiter/admission"
	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cooldown"
	"github.com/recomma/arbiter/executor"
	rlog "github.com/recomma/arbiter/log"
	"github.com/recomma/arbiter/metrics"
	"github.com/recomma/arbiter/recovery"
	"github.com/recomma/arbiter/risk"
	"github.com/recomma/arbiter/storage"
	"github.com/recomma/arbiter/suppress"
)

// Store persists cycle snapshots. Save may batch; SaveSync must be durable
// when it returns.
type Store interface {
	Save(ctx context.Context, c *arbiter.Cycle) error
	SaveSync(ctx context.Context, c *arbiter.Cycle) error
	RecordEvent(ctx context.Context, ev storage.Event) error
}

type legExecutor interface {
	Execute(ctx context.Context, req executor.LegRequest) (arbiter.Order, error)
	Exchange() arbiter.ExchangeAdapter
}

type liquidator interface {
	PanicSell(ctx context.Context, c *arbiter.Cycle, persist recovery.PersistFunc) error
}

type Config struct {
	// ViolationCooldown is how long a route is blocked after a risk
	// violation.
	ViolationCooldown time.Duration
	// LegBudget is how long a leg may rest before it is cancelled. Zero
	// uses three times the latency limit.
	LegBudget time.Duration
	// CheckBalances verifies the start currency balance before the first
	// leg.
	CheckBalances bool
}

func DefaultConfig() Config {
	return Config{
		ViolationCooldown: 5 * time.Minute,
		CheckBalances:     true,
	}
}

type Engine struct {
	catalog    *arbiter.Catalog
	admission  *admission.Controller
	exec       legExecutor
	store      Store
	cooldowns  *cooldown.Store
	suppressor *suppress.Suppressor
	latency    *risk.LatencyMonitor
	slippage   *risk.SlippageTracker
	liquidator liquidator
	metrics    *metrics.Metrics
	cfg        Config
	logger     *slog.Logger
	newID      func() string

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]struct{}
}

type Option func(*Engine)

// WithCooldowns sets the store violations write route cooldowns to. It
// should be the same store the admission controller reads.
func WithCooldowns(store *cooldown.Store) Option {
	return func(e *Engine) {
		e.cooldowns = store
	}
}

func WithSuppressor(s *suppress.Suppressor) Option {
	return func(e *Engine) {
		e.suppressor = s
	}
}

func WithRiskMonitors(latency *risk.LatencyMonitor, slippage *risk.SlippageTracker) Option {
	return func(e *Engine) {
		if latency != nil {
			e.latency = latency
		}
		if slippage != nil {
			e.slippage = slippage
		}
	}
}

func WithLiquidator(l liquidator) Option {
	return func(e *Engine) {
		e.liquidator = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIDGenerator replaces the uuid generator used for cycle ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func New(catalog *arbiter.Catalog, adm *admission.Controller, exec legExecutor, store Store, opts ...Option) *Engine {
	e := &Engine{
		catalog:    catalog,
		admission:  adm,
		exec:       exec,
		store:      store,
		suppressor: suppress.New(suppress.Config{}),
		latency:    risk.NewLatencyMonitor(0),
		slippage:   risk.NewSlippageTracker(0),
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		newID:      uuid.NewString,
		active:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithGroup("engine")
	return e
}

// Submit admits opp and runs the cycle in the background. It returns the
// cycle id, or the admission error.
func (e *Engine) Submit(ctx context.Context, opp arbiter.Opportunity) (string, error) {
	c, plans, ticket, err := e.admit(opp)
	if err != nil {
		return "", err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.run(ctx, c, plans, ticket)
	}()
	return c.ID, nil
}

// Execute admits opp and runs the cycle to completion. The returned cycle
// is nil only when opp was not admitted; the error is what ended the cycle.
func (e *Engine) Execute(ctx context.Context, opp arbiter.Opportunity) (*arbiter.Cycle, error) {
	c, plans, ticket, err := e.admit(opp)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	defer e.wg.Done()
	err = e.run(ctx, c, plans, ticket)
	return c.Clone(), err
}

// Resume continues a cycle restored from storage. Its slot is reserved
// regardless of capacity since it was admitted before the restart.
func (e *Engine) Resume(ctx context.Context, c *arbiter.Cycle) error {
	plans, err := e.catalog.Plan(c.Path, c.Markets, nil)
	if err != nil {
		return err
	}
	c = c.Clone()
	ticket := e.admission.Adopt(c.ID, time.Now())
	e.track(c.ID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.run(ctx, c, plans, ticket)
	}()
	return nil
}

// Wait blocks until every running cycle has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ActiveCycleIDs lists the cycles currently running in this process.
func (e *Engine) ActiveCycleIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.active))
	for id := range e.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) track(id string) {
	e.mu.Lock()
	e.active[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *Engine) admit(opp arbiter.Opportunity) (*arbiter.Cycle, []arbiter.LegPlan, *admission.Ticket, error) {
	opp.Normalize()
	if err := opp.Validate(); err != nil {
		e.metrics.Rejected("invalid_opportunity")
		return nil, nil, nil, err
	}
	plans, err := e.catalog.Plan(opp.Path, opp.Markets, opp.ExpectedPrices)
	if err != nil {
		e.metrics.Rejected("invalid_market")
		return nil, nil, nil, err
	}
	if len(opp.Markets) == 0 {
		opp.Markets = arbiter.Symbols(plans)
	}

	now := time.Now()
	id := e.newID()
	ticket, err := e.admission.TryAdmit(opp, id, now)
	if err != nil {
		var rej *admission.Rejection
		if errors.As(err, &rej) {
			e.metrics.Rejected(string(rej.Reason))
			if !e.suppressor.ShouldSuppress(rej.RouteKey, string(rej.Reason), false, now) {
				e.logger.Info("opportunity rejected", rej.Attrs()...)
			}
		}
		return nil, nil, nil, err
	}
	e.metrics.Admitted()
	e.updateSlots()

	c := arbiter.NewCycle(id, opp, now)
	e.track(id)
	return c, plans, ticket, nil
}

func (e *Engine) run(ctx context.Context, c *arbiter.Cycle, plans []arbiter.LegPlan, ticket *admission.Ticket) error {
	defer e.untrack(c.ID)

	ctx = rlog.WithCycle(rlog.ContextWithLogger(ctx, e.logger), c.ID, c.RouteKey)
	logger := rlog.LoggerFromContext(ctx)

	runErr := e.drive(ctx, c, plans, ticket)

	// persisting must outlive a cancelled run
	pctx := context.WithoutCancel(ctx)
	if !c.State.Terminal() {
		if err := e.store.Save(pctx, c); err != nil {
			logger.Warn("could not save interrupted cycle", slog.String("error", err.Error()))
		}
		logger.Info("cycle interrupted", slog.String("state", string(c.State)), slog.Int("step", c.CurrentStep))
		return runErr
	}

	if err := e.store.SaveSync(pctx, c); err != nil {
		logger.Error("terminal state not persisted, slot held until reclaimed",
			slog.String("state", string(c.State)),
			slog.String("error", err.Error()),
		)
		return errors.Join(runErr, err)
	}
	ticket.Release()
	e.metrics.CycleFinished(string(c.State))
	e.updateSlots()
	return runErr
}

func (e *Engine) drive(ctx context.Context, c *arbiter.Cycle, plans []arbiter.LegPlan, ticket *admission.Ticket) error {
	logger := rlog.LoggerFromContext(ctx)

	if c.State == arbiter.StatePending {
		if err := c.Transition(arbiter.StateValidating, time.Now()); err != nil {
			return err
		}
		if err := e.store.Save(ctx, c); err != nil {
			return err
		}
	}

	// an in-flight first leg means validation passed before a restart
	if c.State == arbiter.StateValidating && c.InFlight == nil {
		if err := e.validate(ctx, c); err != nil {
			logger.Warn("cycle failed validation", slog.String("error", err.Error()))
			e.event(ctx, c, "validation_failed", err, nil)
			_ = c.Fail(err, time.Now())
			return err
		}
		// the route counts as executed from here; a failed validation
		// leaves its dedupe state untouched
		ticket.Commit(time.Now())
	}

	if c.State == arbiter.StatePartiallyFilled {
		if err := c.Transition(arbiter.StateRecovering, time.Now()); err != nil {
			return err
		}
	}
	if c.State == arbiter.StatePanicSelling {
		return e.abort(ctx, c, arbiter.ErrInterrupted)
	}

	for c.CurrentStep < c.Legs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runLeg(ctx, c, plans[c.CurrentStep]); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return e.abort(ctx, c, err)
		}
	}

	if err := c.Complete(time.Now()); err != nil {
		return err
	}
	logger.Info("cycle completed",
		slog.String("profit_loss", c.ProfitLoss.String()),
		slog.String("currency", c.CurrentCurrency),
		slog.Duration("duration", c.EndTime.Sub(c.StartTime)),
	)
	return nil
}

func (e *Engine) validate(ctx context.Context, c *arbiter.Cycle) error {
	if !e.cfg.CheckBalances {
		return nil
	}
	balances, err := e.exec.Exchange().FetchBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	have := balances[c.StartCurrency()]
	if have.LessThan(c.InitialAmount) {
		return fmt.Errorf("%w: need %s %s, have %s", arbiter.ErrInsufficientBalance, c.InitialAmount, c.StartCurrency(), have)
	}
	return nil
}

func (e *Engine) legBudget() time.Duration {
	if e.cfg.LegBudget > 0 {
		return e.cfg.LegBudget
	}
	return 3 * e.latency.Limit()
}

// runLeg executes the next leg and settles it on the cycle. The returned
// error is a risk violation or whatever stopped the leg.
func (e *Engine) runLeg(ctx context.Context, c *arbiter.Cycle, plan arbiter.LegPlan) error {
	leg := c.CurrentStep
	logger := rlog.LoggerFromContext(ctx).With(slog.Int("leg", leg), slog.String("symbol", plan.Market.Symbol))

	if !plan.ExpectedPrice.IsPositive() {
		t, err := e.exec.Exchange().FetchTicker(ctx, plan.Market.Symbol)
		if err != nil {
			return fmt.Errorf("price leg %d: %w", leg, err)
		}
		plan.ExpectedPrice = t.PriceFor(plan.Side)
	}

	order := plan.Order(c.CurrentAmount)
	order.LegIndex = leg

	key := c.ID + "/" + strconv.Itoa(leg)
	start := e.latency.Start(key)
	req := executor.LegRequest{
		CycleID: c.ID,
		Order:   order,
		BeforeSubmit: func(ctx context.Context, o arbiter.Order) error {
			c.InFlight = &o
			c.UpdatedAt = time.Now()
			return e.store.SaveSync(ctx, c)
		},
		OnAccepted: func(ctx context.Context, o arbiter.Order) {
			if c.State != arbiter.StateValidating {
				return
			}
			if err := c.Transition(arbiter.StateActive, time.Now()); err != nil {
				logger.Warn("could not activate cycle", slog.String("error", err.Error()))
				return
			}
			if err := e.store.Save(ctx, c); err != nil {
				logger.Warn("could not save active cycle", slog.String("error", err.Error()))
			}
		},
	}
	if budget := e.legBudget(); budget > 0 {
		req.Deadline = start.Add(budget)
	}

	settled, err := e.exec.Execute(ctx, req)
	elapsed, _ := e.latency.Stop(key)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.InFlight = nil
		if errors.Is(err, executor.ErrDeadline) {
			if v := e.latency.Check(leg, elapsed); v != nil {
				return fmt.Errorf("%w: %w", v, err)
			}
		}
		return err
	}

	settled.Latency = elapsed
	settled.SlippageBps = e.slippage.Measure(settled.Side, settled.ExpectedPrice, settled.ExecutedPrice)
	c.Settle(settled, time.Now())
	e.metrics.LegSettled(elapsed, settled.SlippageBps)

	logger.Debug("leg settled",
		slog.String("status", string(settled.Status)),
		slog.String("filled", settled.FilledAmount.String()),
		slog.String("received", settled.ReceivedAmount.String()+" "+settled.To),
		slog.Duration("latency", elapsed),
		slog.Float64("slippage_bps", settled.SlippageBps),
	)

	if settled.Status == arbiter.OrderPartial {
		c.SetMeta(fmt.Sprintf("residual_leg_%d", leg), settled.Residual().String()+" "+settled.From)
		e.event(ctx, c, "partial_fill", nil, map[string]any{
			"leg":      leg,
			"filled":   settled.FilledAmount.String(),
			"residual": settled.Residual().String(),
		})
		if c.State == arbiter.StateActive {
			if err := c.Transition(arbiter.StatePartiallyFilled, time.Now()); err != nil {
				return err
			}
			if err := e.store.SaveSync(ctx, c); err != nil {
				return err
			}
			if err := c.Transition(arbiter.StateRecovering, time.Now()); err != nil {
				return err
			}
		}
		logger.Warn("leg partially filled, continuing with the filled amount",
			slog.String("filled", settled.FilledAmount.String()),
			slog.String("requested", settled.Amount.String()),
		)
	}

	if err := e.store.Save(ctx, c); err != nil {
		return err
	}

	if v := e.latency.Check(leg, elapsed); v != nil {
		return v
	}
	return e.slippage.Check(leg, settled.SlippageBps)
}

// abort stops the cycle: the route cools down on a risk violation, the
// holdings are liquidated when they are not in the start currency, and the
// cycle fails with cause.
func (e *Engine) abort(ctx context.Context, c *arbiter.Cycle, cause error) error {
	logger := rlog.LoggerFromContext(ctx)
	now := time.Now()
	kind := arbiter.ViolationKind(cause)

	if arbiter.IsViolation(cause) {
		leg := c.CurrentStep
		var (
			lat  *arbiter.LatencyViolation
			slip *arbiter.SlippageViolation
		)
		switch {
		case errors.As(cause, &lat):
			leg = lat.Leg
		case errors.As(cause, &slip):
			leg = slip.Leg
		}
		e.metrics.Violation(kind)
		if e.cooldowns != nil {
			if err := e.cooldowns.Set(c.RouteKey, e.cfg.ViolationCooldown, now); err != nil {
				logger.Error("could not persist route cooldown", slog.String("error", err.Error()))
			}
			e.metrics.Cooldowns(len(e.cooldowns.ListActive(now)))
		}
		e.event(ctx, c, "violation", cause, map[string]any{"kind": kind, "leg": leg})
	} else {
		e.event(ctx, c, "leg_failed", cause, map[string]any{"kind": kind, "leg": c.CurrentStep})
	}

	if !e.suppressor.ShouldSuppress(c.RouteKey, kind, false, now) {
		logger.Warn("aborting cycle",
			slog.String("kind", kind),
			slog.String("state", string(c.State)),
			slog.String("holding", c.CurrentAmount.String()+" "+c.CurrentCurrency),
			slog.String("error", cause.Error()),
		)
	}

	if c.CurrentCurrency != c.StartCurrency() && e.liquidator != nil {
		if c.State == arbiter.StateActive || c.State == arbiter.StatePartiallyFilled {
			if err := c.Transition(arbiter.StatePanicSelling, now); err != nil {
				return errors.Join(cause, err)
			}
		}
		if err := e.store.SaveSync(ctx, c); err != nil {
			logger.Error("could not persist panic sell state", slog.String("error", err.Error()))
		}

		err := e.liquidator.PanicSell(ctx, c, e.store.SaveSync)
		e.metrics.PanicSell(err == nil)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Join(cause, err)
			}
			e.event(ctx, c, "panic_sell_failed", err, nil)
			cause = fmt.Errorf("%w; liquidation: %w", cause, err)
		} else {
			e.event(ctx, c, "panic_sold", nil, map[string]any{"holding": c.CurrentAmount.String() + " " + c.CurrentCurrency})
		}
	}

	c.RealizePnL()
	if err := c.Fail(cause, time.Now()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Engine) event(ctx context.Context, c *arbiter.Cycle, kind string, cause error, attrs map[string]any) {
	msg := kind
	if cause != nil {
		msg = cause.Error()
	}
	err := e.store.RecordEvent(ctx, storage.Event{
		CycleID:   c.ID,
		Kind:      kind,
		Message:   msg,
		Attrs:     attrs,
		CreatedAt: time.Now(),
	})
	if err != nil {
		rlog.LoggerFromContext(ctx).Warn("could not record cycle event",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) updateSlots() {
	active, capacity := e.admission.Slots().Stats()
	e.metrics.Slots(active, capacity)
}
