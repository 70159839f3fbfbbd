// Package executor submits single cycle legs to an exchange and waits for
// them to settle.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cycleid"
)

// ErrDeadline is returned when a leg was cancelled unfilled because its
// deadline passed.
var ErrDeadline = errors.New("executor: leg deadline exceeded")

type Config struct {
	// MaxAttempts bounds submissions per leg, including the first.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollFactor      float64
	PollJitter      float64

	RateLimitCooldown time.Duration
	// CancelTimeout bounds the cancel issued when a deadline passes.
	CancelTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		RetryBaseDelay:    50 * time.Millisecond,
		RetryMaxDelay:     2 * time.Second,
		PollInterval:      25 * time.Millisecond,
		PollMaxInterval:   500 * time.Millisecond,
		PollFactor:        1.5,
		PollJitter:        0.1,
		RateLimitCooldown: 10 * time.Second,
		CancelTimeout:     5 * time.Second,
	}
}

// Executor places leg orders, retries transient failures with a fresh client
// id per attempt and polls until the order reaches a final status.
type Executor struct {
	exchange arbiter.ExchangeAdapter
	pacer    Pacer
	cfg      Config
	retries  workqueue.TypedRateLimiter[string]
	logger   *slog.Logger
}

type Option func(*Executor)

func WithPacer(p Pacer) Option {
	return func(e *Executor) {
		if p != nil {
			e.pacer = p
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		e.cfg = cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func New(exchange arbiter.ExchangeAdapter, opts ...Option) *Executor {
	e := &Executor{
		exchange: exchange,
		pacer:    unpaced{},
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxAttempts < 1 {
		e.cfg.MaxAttempts = 1
	}
	if e.cfg.PollInterval <= 0 {
		e.cfg.PollInterval = DefaultConfig().PollInterval
	}
	if e.cfg.PollFactor < 1 {
		e.cfg.PollFactor = 1
	}
	e.retries = workqueue.NewTypedItemExponentialFailureRateLimiter[string](e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay)
	e.logger = e.logger.WithGroup("executor")
	return e
}

func (e *Executor) Exchange() arbiter.ExchangeAdapter {
	return e.exchange
}

// LegRequest describes one leg to execute. Order must carry LegIndex,
// Symbol, Side, Amount and ExpectedPrice.
type LegRequest struct {
	CycleID string
	Order   arbiter.Order
	// Deadline is when an unfilled order gets cancelled. Zero means wait for
	// ctx only.
	Deadline time.Time
	// BeforeSubmit runs with the order, client id assigned, right before it
	// is sent. An error aborts the leg without submitting.
	BeforeSubmit func(ctx context.Context, o arbiter.Order) error
	// OnAccepted runs once the venue has taken the order, exchange id set.
	OnAccepted func(ctx context.Context, o arbiter.Order)
}

// Execute runs the leg to a final status. A fill, full or partial, returns
// a nil error; the order's Status tells which. Unfilled rejections are
// retried up to MaxAttempts.
func (e *Executor) Execute(ctx context.Context, req LegRequest) (arbiter.Order, error) {
	key := fmt.Sprintf("%s/%d", req.CycleID, req.Order.LegIndex)
	defer e.retries.Forget(key)

	logger := e.logger.With(
		slog.String("cycle_id", req.CycleID),
		slog.Int("leg", req.Order.LegIndex),
		slog.String("symbol", req.Order.Symbol),
	)

	var (
		order    = req.Order
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.retries.When(key)
			if !req.Deadline.IsZero() && time.Now().Add(delay).After(req.Deadline) {
				break
			}
			if err := sleep(ctx, delay); err != nil {
				return order, err
			}
		}

		var err error
		attempts++
		order, err = e.attempt(ctx, req, attempt)
		if err == nil {
			if attempt > 0 {
				logger.Info("leg settled after retry", slog.Int("attempt", attempt), slog.String("status", string(order.Status)))
			}
			return order, nil
		}
		lastErr = err

		if ctx.Err() != nil || !arbiter.Retryable(err) {
			return order, err
		}
		var pause time.Duration
		if errors.Is(err, arbiter.ErrRateLimited) {
			pause = e.pacer.Throttle(e.cfg.RateLimitCooldown)
		}
		logger.Warn("leg attempt failed",
			slog.Int("attempt", attempt),
			slog.String("client_id", order.ClientID),
			slog.Duration("throttle_pause", pause),
			slog.String("error", err.Error()),
		)
	}

	return order, fmt.Errorf("leg %d: giving up after %d attempts: %w", req.Order.LegIndex, attempts, lastErr)
}

func (e *Executor) attempt(ctx context.Context, req LegRequest, attempt int) (arbiter.Order, error) {
	id, err := cycleid.New(req.CycleID, req.Order.LegIndex, attempt)
	if err != nil {
		return req.Order, err
	}

	order := req.Order
	order.ClientID = id.Hex()
	order.ExchangeOrderID = ""
	order.Status = arbiter.OrderPending
	order.FilledAmount = decimal.Zero
	order.ReceivedAmount = decimal.Zero
	order.SubmittedAt = time.Now()

	if req.BeforeSubmit != nil {
		if err := req.BeforeSubmit(ctx, order); err != nil {
			return order, fmt.Errorf("persist in-flight leg: %w", err)
		}
	}

	if err := e.pacer.Wait(ctx, ActionPlace); err != nil {
		return order, err
	}

	exchangeID, err := e.exchange.PlaceOrder(ctx, arbiter.OrderRequest{
		ClientID: order.ClientID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Amount:   order.Amount,
		Price:    order.ExpectedPrice,
	})
	if err != nil && errors.Is(err, arbiter.ErrNetwork) {
		// the order may have reached the venue before the connection dropped
		if waitErr := e.pacer.Wait(ctx, ActionQuery); waitErr != nil {
			return order, waitErr
		}
		if u, lookupErr := e.exchange.LookupOrder(ctx, order.ClientID); lookupErr == nil {
			e.logger.Info("found order after failed submission", slog.String("client_id", order.ClientID))
			exchangeID, err = u.ExchangeOrderID, nil
		}
	}
	if err != nil {
		return order, err
	}

	order.ExchangeOrderID = exchangeID
	if req.OnAccepted != nil {
		req.OnAccepted(ctx, order)
	}
	return e.Await(ctx, order, req.Deadline)
}

// Await polls an already submitted order until it is final. When the
// deadline passes first the order is cancelled and its last state returned.
func (e *Executor) Await(ctx context.Context, order arbiter.Order, deadline time.Time) (arbiter.Order, error) {
	backoff := wait.Backoff{
		Duration: e.cfg.PollInterval,
		Factor:   e.cfg.PollFactor,
		Jitter:   e.cfg.PollJitter,
		Steps:    math.MaxInt32,
		Cap:      e.cfg.PollMaxInterval,
	}

	for {
		if err := e.pacer.Wait(ctx, ActionQuery); err != nil {
			return order, err
		}
		u, err := e.exchange.GetOrderStatus(ctx, order.ExchangeOrderID)
		switch {
		case err == nil:
			order.Apply(u)
			if u.Status.Final() {
				return settle(order)
			}
		case errors.Is(err, arbiter.ErrRateLimited):
			e.pacer.Throttle(e.cfg.RateLimitCooldown)
		case errors.Is(err, arbiter.ErrNetwork), errors.Is(err, arbiter.ErrOrderNotFound):
			// keep polling, the venue may not have indexed the order yet
		default:
			return order, err
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return e.cancel(ctx, order)
		}

		delay := backoff.Step()
		if !deadline.IsZero() {
			if until := time.Until(deadline); until < delay {
				delay = until
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return order, err
		}
	}
}

func (e *Executor) cancel(ctx context.Context, order arbiter.Order) (arbiter.Order, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()

	err := e.pacer.Wait(cctx, ActionCancel)
	if err == nil {
		err = e.exchange.CancelOrder(cctx, order.ExchangeOrderID)
	}
	if err != nil && !errors.Is(err, arbiter.ErrOrderNotFound) {
		e.logger.Warn("cancel after deadline failed",
			slog.String("client_id", order.ClientID),
			slog.String("error", err.Error()),
		)
	}
	if u, err := e.exchange.GetOrderStatus(cctx, order.ExchangeOrderID); err == nil {
		order.Apply(u)
	}
	if !order.Status.Final() {
		order.Status = arbiter.OrderCancelled
	}

	order.SettledAt = time.Now()
	if order.Unfilled() {
		return order, fmt.Errorf("%w: leg %d %s", ErrDeadline, order.LegIndex, order.Symbol)
	}
	if order.Status != arbiter.OrderFilled {
		order.Status = arbiter.OrderPartial
	}
	return order, nil
}

func settle(order arbiter.Order) (arbiter.Order, error) {
	order.SettledAt = time.Now()
	switch order.Status {
	case arbiter.OrderRejected, arbiter.OrderCancelled:
		if order.Unfilled() {
			return order, fmt.Errorf("%w: leg %d %s ended %s", arbiter.ErrOrderRejected, order.LegIndex, order.Symbol, order.Status)
		}
		order.Status = arbiter.OrderPartial
	}
	return order, nil
}
