package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/executor"
	"github.com/recomma/arbiter/storage"
)

type cycleStore interface {
	ListOpenCycles(ctx context.Context) ([]*arbiter.Cycle, error)
	SaveSync(ctx context.Context, c *arbiter.Cycle) error
	RecordEvent(ctx context.Context, ev storage.Event) error
}

type orderAwaiter interface {
	Await(ctx context.Context, order arbiter.Order, deadline time.Time) (arbiter.Order, error)
	Exchange() arbiter.ExchangeAdapter
}

// Resumer continues a cycle from its persisted step.
type Resumer interface {
	Resume(ctx context.Context, c *arbiter.Cycle) error
	ActiveCycleIDs() []string
}

type slotReconciler interface {
	Reconcile(active []string) []string
}

type Config struct {
	// ResumeMaxAge is how old a cycle may be and still be resumed. Older
	// cycles are liquidated and failed.
	ResumeMaxAge time.Duration
	// AwaitBudget bounds how long an in-flight order found on the venue may
	// keep resting before it is cancelled.
	AwaitBudget time.Duration
	Concurrency int
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ResumeMaxAge: 5 * time.Minute,
		AwaitBudget:  10 * time.Second,
		Concurrency:  4,
		Timeout:      time.Minute,
	}
}

// Report counts what Recover did with each open cycle.
type Report struct {
	Resumed     []string
	Completed   []string
	Liquidated  []string
	Failed      []string
	Quarantined []string
}

func (r Report) Total() int {
	return len(r.Resumed) + len(r.Completed) + len(r.Liquidated) + len(r.Failed) + len(r.Quarantined)
}

// Manager reconciles the cycles left open by a previous run against the
// exchange and decides, per cycle, whether to resume, complete, liquidate or
// quarantine it.
type Manager struct {
	store      cycleStore
	orders     orderAwaiter
	liquidator *Liquidator
	resumer    Resumer
	slots      slotReconciler
	cfg        Config
	logger     *slog.Logger
}

type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithSlots(slots slotReconciler) Option {
	return func(m *Manager) {
		m.slots = slots
	}
}

func NewManager(store cycleStore, orders orderAwaiter, liquidator *Liquidator, resumer Resumer, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		orders:     orders,
		liquidator: liquidator,
		resumer:    resumer,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Concurrency < 1 {
		m.cfg.Concurrency = 1
	}
	m.logger = m.logger.WithGroup("recovery")
	return m
}

type outcome int

const (
	outcomeResumed outcome = iota
	outcomeCompleted
	outcomeLiquidated
	outcomeFailed
	outcomeQuarantined
)

// Recover processes every open cycle. Errors for individual cycles are
// joined; the other cycles are still processed.
func (m *Manager) Recover(ctx context.Context) (Report, error) {
	cycles, err := m.store.ListOpenCycles(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list open cycles: %w", err)
	}

	var (
		report Report
		mu     sync.Mutex
		errs   []error
	)

	if len(cycles) > 0 {
		m.logger.Info("recovering open cycles", slog.Int("count", len(cycles)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, c := range cycles {
		g.Go(func() error {
			cctx := gctx
			if m.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(gctx, m.cfg.Timeout)
				defer cancel()
			}

			out, err := m.recoverCycle(cctx, ctx, c)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("cycle %s: %w", c.ID, err))
				return nil
			}
			switch out {
			case outcomeResumed:
				report.Resumed = append(report.Resumed, c.ID)
			case outcomeCompleted:
				report.Completed = append(report.Completed, c.ID)
			case outcomeLiquidated:
				report.Liquidated = append(report.Liquidated, c.ID)
			case outcomeFailed:
				report.Failed = append(report.Failed, c.ID)
			case outcomeQuarantined:
				report.Quarantined = append(report.Quarantined, c.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	if m.slots != nil && m.resumer != nil {
		m.slots.Reconcile(m.resumer.ActiveCycleIDs())
	}

	m.logger.Info("recovery finished",
		slog.Int("resumed", len(report.Resumed)),
		slog.Int("completed", len(report.Completed)),
		slog.Int("liquidated", len(report.Liquidated)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("quarantined", len(report.Quarantined)),
		slog.Int("errors", len(errs)),
	)

	return report, errors.Join(errs...)
}

// recoverCycle reconciles c within ctx. A resumed cycle keeps running on
// runCtx after recovery returns.
func (m *Manager) recoverCycle(ctx, runCtx context.Context, c *arbiter.Cycle) (outcome, error) {
	logger := m.logger.With(
		slog.String("cycle_id", c.ID),
		slog.String("state", string(c.State)),
		slog.Int("step", c.CurrentStep),
	)

	if _, ok := c.Metadata[arbiter.MetaNeedsReview]; ok {
		logger.Debug("cycle awaiting review, skipping")
		return outcomeQuarantined, nil
	}

	if (c.State == arbiter.StatePending || c.State == arbiter.StateValidating) && len(c.Orders) == 0 && c.InFlight == nil {
		if err := c.Fail(arbiter.ErrInterrupted, time.Now()); err != nil {
			return 0, err
		}
		logger.Info("failed cycle that never traded")
		return outcomeFailed, m.store.SaveSync(ctx, c)
	}

	if err := m.verifySettled(ctx, c); err != nil {
		var integrity *arbiter.RecoveryIntegrityError
		if errors.As(err, &integrity) {
			return outcomeQuarantined, m.quarantine(ctx, c, integrity)
		}
		return 0, err
	}

	if c.InFlight != nil {
		if err := m.resolveInFlight(ctx, c, logger); err != nil {
			return 0, err
		}
	}

	stale := m.cfg.ResumeMaxAge > 0 && time.Since(c.StartTime) > m.cfg.ResumeMaxAge
	switch {
	case c.State == arbiter.StatePanicSelling, stale:
		return m.liquidate(ctx, c, stale, logger)

	case c.CurrentStep >= c.Legs():
		if c.State == arbiter.StatePartiallyFilled {
			if err := c.Transition(arbiter.StateRecovering, time.Now()); err != nil {
				return 0, err
			}
		}
		if err := c.Complete(time.Now()); err != nil {
			return 0, err
		}
		logger.Info("cycle had finished before the restart", slog.String("profit_loss", c.ProfitLoss.String()))
		return outcomeCompleted, m.store.SaveSync(ctx, c)

	default:
		if err := m.store.SaveSync(ctx, c); err != nil {
			return 0, err
		}
		if m.resumer == nil {
			return 0, errors.New("no resumer configured")
		}
		if err := m.resumer.Resume(runCtx, c); err != nil {
			return 0, err
		}
		logger.Info("resumed cycle", slog.Int("next_leg", c.CurrentStep))
		return outcomeResumed, nil
	}
}

// verifySettled checks that the venue still agrees with the last settled
// leg and that the step counter matches the settled orders.
func (m *Manager) verifySettled(ctx context.Context, c *arbiter.Cycle) error {
	if c.CurrentStep != len(c.Orders) {
		return &arbiter.RecoveryIntegrityError{
			CycleID: c.ID,
			Leg:     c.CurrentStep,
			Reason:  fmt.Sprintf("step %d does not match %d settled orders", c.CurrentStep, len(c.Orders)),
		}
	}
	if len(c.Orders) == 0 {
		return nil
	}

	last := c.Orders[len(c.Orders)-1]
	if last.ExchangeOrderID == "" {
		return nil
	}
	u, err := m.orders.Exchange().GetOrderStatus(ctx, last.ExchangeOrderID)
	if errors.Is(err, arbiter.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("verify leg %d: %w", last.LegIndex, err)
	}
	if u.FilledAmount.LessThan(last.FilledAmount) {
		return &arbiter.RecoveryIntegrityError{
			CycleID: c.ID,
			Leg:     last.LegIndex,
			Reason:  fmt.Sprintf("venue reports %s filled, persisted %s", u.FilledAmount, last.FilledAmount),
		}
	}
	if u.FilledAmount.GreaterThan(last.FilledAmount) {
		// the fill kept growing after it was persisted, carry the extra
		// proceeds into the next leg
		adjusted := last
		adjusted.Apply(u)
		c.Orders[len(c.Orders)-1] = adjusted
		c.CurrentAmount = adjusted.ReceivedAmount
		c.UpdatedAt = time.Now()

		m.logger.Warn("venue fill exceeds persisted fill, adjusting holdings",
			slog.String("cycle_id", c.ID),
			slog.Int("leg", last.LegIndex),
			slog.String("persisted", last.FilledAmount.String()),
			slog.String("venue", u.FilledAmount.String()),
			slog.String("holding", c.CurrentAmount.String()+" "+c.CurrentCurrency),
		)
		return m.event(ctx, c, "fill_adjusted", "venue fill exceeds persisted fill", map[string]any{
			"leg":       last.LegIndex,
			"persisted": last.FilledAmount.String(),
			"venue":     u.FilledAmount.String(),
			"received":  adjusted.ReceivedAmount.String(),
		})
	}
	return nil
}

func (m *Manager) resolveInFlight(ctx context.Context, c *arbiter.Cycle, logger *slog.Logger) error {
	o := *c.InFlight
	u, err := m.orders.Exchange().LookupOrder(ctx, o.ClientID)
	if errors.Is(err, arbiter.ErrOrderNotFound) {
		logger.Info("in-flight order never reached the venue", slog.String("client_id", o.ClientID))
		c.InFlight = nil
		return m.event(ctx, c, "in_flight_cleared", "order not found on venue", map[string]any{"client_id": o.ClientID})
	}
	if err != nil {
		return fmt.Errorf("lookup in-flight order %s: %w", o.ClientID, err)
	}

	o.ExchangeOrderID = u.ExchangeOrderID
	var deadline time.Time
	if m.cfg.AwaitBudget > 0 {
		deadline = time.Now().Add(m.cfg.AwaitBudget)
	}
	settled, err := m.orders.Await(ctx, o, deadline)
	if errors.Is(err, arbiter.ErrOrderRejected) || errors.Is(err, executor.ErrDeadline) {
		logger.Info("in-flight order ended unfilled", slog.String("client_id", o.ClientID), slog.String("status", string(settled.Status)))
		c.InFlight = nil
		return m.event(ctx, c, "in_flight_cleared", "order ended unfilled", map[string]any{"client_id": o.ClientID, "status": string(settled.Status)})
	}
	if err != nil {
		return fmt.Errorf("await in-flight order %s: %w", o.ClientID, err)
	}

	c.Settle(settled, time.Now())
	if c.State == arbiter.StateValidating {
		// the first leg was accepted before the restart
		if err := c.Transition(arbiter.StateActive, time.Now()); err != nil {
			return err
		}
	}
	if settled.Status == arbiter.OrderPartial && c.State == arbiter.StateActive {
		if err := c.Transition(arbiter.StatePartiallyFilled, time.Now()); err != nil {
			return err
		}
	}
	logger.Info("settled in-flight order",
		slog.String("client_id", settled.ClientID),
		slog.String("status", string(settled.Status)),
		slog.String("filled", settled.FilledAmount.String()),
	)
	return m.event(ctx, c, "in_flight_settled", "order settled during recovery", map[string]any{
		"client_id": settled.ClientID,
		"status":    string(settled.Status),
		"filled":    settled.FilledAmount.String(),
	})
}

func (m *Manager) liquidate(ctx context.Context, c *arbiter.Cycle, stale bool, logger *slog.Logger) (outcome, error) {
	reason := arbiter.ErrInterrupted
	if stale {
		reason = fmt.Errorf("%w: older than %s", arbiter.ErrInterrupted, m.cfg.ResumeMaxAge)
	}

	if c.CurrentCurrency != c.StartCurrency() && m.liquidator != nil {
		if c.State == arbiter.StateActive || c.State == arbiter.StatePartiallyFilled {
			if err := c.Transition(arbiter.StatePanicSelling, time.Now()); err != nil {
				return 0, err
			}
		}
		if err := m.store.SaveSync(ctx, c); err != nil {
			return 0, err
		}
		if err := m.liquidator.PanicSell(ctx, c, m.store.SaveSync); err != nil {
			if ctx.Err() != nil {
				return 0, err
			}
			logger.Error("liquidation during recovery failed", slog.String("error", err.Error()))
			reason = fmt.Errorf("%w; %w", reason, err)
		}
	}

	c.RealizePnL()
	if err := c.Fail(reason, time.Now()); err != nil {
		return 0, err
	}
	logger.Warn("liquidated interrupted cycle",
		slog.Bool("stale", stale),
		slog.String("holding", c.CurrentAmount.String()+" "+c.CurrentCurrency),
	)
	return outcomeLiquidated, m.store.SaveSync(ctx, c)
}

func (m *Manager) quarantine(ctx context.Context, c *arbiter.Cycle, integrity *arbiter.RecoveryIntegrityError) error {
	m.logger.Error("cycle quarantined",
		slog.String("cycle_id", c.ID),
		slog.Int("leg", integrity.Leg),
		slog.String("reason", integrity.Reason),
	)
	c.SetMeta(arbiter.MetaNeedsReview, integrity.Error())
	c.UpdatedAt = time.Now()
	if err := m.store.SaveSync(ctx, c); err != nil {
		return err
	}
	return m.event(ctx, c, "quarantined", integrity.Reason, map[string]any{"leg": integrity.Leg})
}

func (m *Manager) event(ctx context.Context, c *arbiter.Cycle, kind, msg string, attrs map[string]any) error {
	return m.store.RecordEvent(ctx, storage.Event{
		CycleID:   c.ID,
		Kind:      kind,
		Message:   msg,
		Attrs:     attrs,
		CreatedAt: time.Now(),
	})
}
