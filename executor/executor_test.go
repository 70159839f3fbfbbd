package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cycleid"
)

type placeOutcome struct {
	err      error
	accepted bool // order reaches the venue even though err is returned
}

type scriptedOrder struct {
	req     arbiter.OrderRequest
	id      string
	polls   int
	updates []arbiter.OrderUpdate
}

// scriptedExchange replays a fixed sequence of outcomes per placement.
type scriptedExchange struct {
	mu        sync.Mutex
	place     []placeOutcome
	updates   [][]arbiter.OrderUpdate
	orders    map[string]*scriptedOrder
	byClient  map[string]string
	placed    []arbiter.OrderRequest
	cancelled []string
}

func newScriptedExchange() *scriptedExchange {
	return &scriptedExchange{
		orders:   make(map[string]*scriptedOrder),
		byClient: make(map[string]string),
	}
}

func (s *scriptedExchange) FetchTicker(context.Context, string) (arbiter.Ticker, error) {
	return arbiter.Ticker{}, arbiter.ErrInvalidMarket
}

func (s *scriptedExchange) PlaceOrder(_ context.Context, req arbiter.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.placed = append(s.placed, req)
	var outcome placeOutcome
	if len(s.place) > 0 {
		outcome, s.place = s.place[0], s.place[1:]
	}
	if outcome.err != nil && !outcome.accepted {
		return "", outcome.err
	}

	var updates []arbiter.OrderUpdate
	if len(s.updates) > 0 {
		updates, s.updates = s.updates[0], s.updates[1:]
	}
	id := fmt.Sprintf("oid-%d", len(s.orders)+1)
	s.orders[id] = &scriptedOrder{req: req, id: id, updates: updates}
	s.byClient[req.ClientID] = id
	return id, outcome.err
}

func (s *scriptedExchange) status(o *scriptedOrder) arbiter.OrderUpdate {
	u := arbiter.OrderUpdate{Status: arbiter.OrderPending}
	if len(o.updates) > 0 {
		idx := min(o.polls, len(o.updates)-1)
		u = o.updates[idx]
	}
	u.ExchangeOrderID = o.id
	u.ClientID = o.req.ClientID
	return u
}

func (s *scriptedExchange) GetOrderStatus(_ context.Context, id string) (arbiter.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return arbiter.OrderUpdate{}, arbiter.ErrOrderNotFound
	}
	u := s.status(o)
	o.polls++
	return u, nil
}

func (s *scriptedExchange) LookupOrder(_ context.Context, clientID string) (arbiter.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClient[clientID]
	if !ok {
		return arbiter.OrderUpdate{}, arbiter.ErrOrderNotFound
	}
	return s.status(s.orders[id]), nil
}

func (s *scriptedExchange) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	o, ok := s.orders[id]
	if !ok {
		return arbiter.ErrOrderNotFound
	}
	last := s.status(o)
	last.Status = arbiter.OrderCancelled
	o.updates = []arbiter.OrderUpdate{last}
	o.polls = 0
	return nil
}

func (s *scriptedExchange) FetchBalances(context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{}, nil
}

func filled(amount string) arbiter.OrderUpdate {
	return arbiter.OrderUpdate{Status: arbiter.OrderFilled, FilledAmount: decimal.RequireFromString(amount)}
}

func legOrder() arbiter.Order {
	return arbiter.Order{
		LegIndex:      1,
		Symbol:        "ETH/USDT",
		Side:          arbiter.SideSell,
		From:          "ETH",
		To:            "USDT",
		ExpectedPrice: decimal.RequireFromString("3000"),
		Amount:        decimal.RequireFromString("2"),
		FeeRate:       decimal.RequireFromString("0.001"),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollJitter = 0
	return cfg
}

func TestExecuteFillsFirstAttempt(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		ex.updates = [][]arbiter.OrderUpdate{{{Status: arbiter.OrderPending}, filled("2")}}
		e := New(ex, WithConfig(testConfig()))

		cycleID := uuid.NewString()
		var persisted []arbiter.Order
		order, err := e.Execute(context.Background(), LegRequest{
			CycleID: cycleID,
			Order:   legOrder(),
			BeforeSubmit: func(_ context.Context, o arbiter.Order) error {
				persisted = append(persisted, o)
				return nil
			},
		})
		require.NoError(t, err)
		require.Equal(t, arbiter.OrderFilled, order.Status)
		require.True(t, decimal.RequireFromString("5994").Equal(order.ReceivedAmount))
		require.Equal(t, "oid-1", order.ExchangeOrderID)

		require.Len(t, persisted, 1)
		require.Equal(t, order.ClientID, persisted[0].ClientID)
		id, err := cycleid.FromHexString(order.ClientID)
		require.NoError(t, err)
		require.True(t, id.BelongsTo(cycleID))
		require.Equal(t, uint16(1), id.Leg)
		require.Equal(t, uint8(0), id.Attempt)
	})
}

func TestExecuteRetriesRejectionWithNewClientID(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		ex.place = []placeOutcome{{err: arbiter.ErrOrderRejected}}
		ex.updates = [][]arbiter.OrderUpdate{{filled("2")}}
		e := New(ex, WithConfig(testConfig()))

		order, err := e.Execute(context.Background(), LegRequest{CycleID: uuid.NewString(), Order: legOrder()})
		require.NoError(t, err)
		require.Equal(t, arbiter.OrderFilled, order.Status)
		require.Len(t, ex.placed, 2)
		require.NotEqual(t, ex.placed[0].ClientID, ex.placed[1].ClientID)
	})
}

func TestExecuteUnfilledRejectionIsRetried(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		ex.updates = [][]arbiter.OrderUpdate{
			{{Status: arbiter.OrderRejected}},
			{filled("2")},
		}
		e := New(ex, WithConfig(testConfig()))

		order, err := e.Execute(context.Background(), LegRequest{CycleID: uuid.NewString(), Order: legOrder()})
		require.NoError(t, err)
		require.Equal(t, arbiter.OrderFilled, order.Status)
		require.Len(t, ex.placed, 2)
	})
}

func TestExecuteFindsOrderAfterNetworkError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		ex.place = []placeOutcome{{err: arbiter.ErrNetwork, accepted: true}}
		ex.updates = [][]arbiter.OrderUpdate{{filled("2")}}
		e := New(ex, WithConfig(testConfig()))

		order, err := e.Execute(context.Background(), LegRequest{CycleID: uuid.NewString(), Order: legOrder()})
		require.NoError(t, err)
		require.Equal(t, arbiter.OrderFilled, order.Status)
		require.Len(t, ex.placed, 1, "order that reached the venue must not be placed twice")
	})
}

func TestExecuteGivesUp(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		ex.place = []placeOutcome{
			{err: arbiter.ErrOrderRejected},
			{err: arbiter.ErrOrderRejected},
			{err: arbiter.ErrOrderRejected},
		}
		e := New(ex, WithConfig(testConfig()))

		_, err := e.Execute(context.Background(), LegRequest{CycleID: uuid.NewString(), Order: legOrder()})
		require.ErrorIs(t, err, arbiter.ErrOrderRejected)
		require.ErrorContains(t, err, "after 3 attempts")
		require.Len(t, ex.placed, 3)
	})
}

func TestExecuteInsufficientBalanceIsNotRetried(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		ex.place = []placeOutcome{{err: arbiter.ErrInsufficientBalance}}
		e := New(ex, WithConfig(testConfig()))

		_, err := e.Execute(context.Background(), LegRequest{CycleID: uuid.NewString(), Order: legOrder()})
		require.ErrorIs(t, err, arbiter.ErrInsufficientBalance)
		require.Len(t, ex.placed, 1)
	})
}

func TestExecuteCancelsAtDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		e := New(ex, WithConfig(testConfig()))

		start := time.Now()
		_, err := e.Execute(context.Background(), LegRequest{
			CycleID:  uuid.NewString(),
			Order:    legOrder(),
			Deadline: start.Add(300 * time.Millisecond),
		})
		require.ErrorIs(t, err, ErrDeadline)
		require.Equal(t, []string{"oid-1"}, ex.cancelled)
		require.Equal(t, 300*time.Millisecond, time.Since(start))
	})
}

func TestExecutePartialFillAtDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		ex.updates = [][]arbiter.OrderUpdate{{{Status: arbiter.OrderPending, FilledAmount: decimal.RequireFromString("1.5")}}}
		e := New(ex, WithConfig(testConfig()))

		order, err := e.Execute(context.Background(), LegRequest{
			CycleID:  uuid.NewString(),
			Order:    legOrder(),
			Deadline: time.Now().Add(time.Second),
		})
		require.NoError(t, err)
		require.Equal(t, arbiter.OrderPartial, order.Status)
		require.True(t, order.Short())
		require.True(t, decimal.RequireFromString("1.5").Equal(order.FilledAmount))
	})
}

func TestBeforeSubmitErrorAbortsLeg(t *testing.T) {
	ex := newScriptedExchange()
	e := New(ex, WithConfig(testConfig()))

	_, err := e.Execute(context.Background(), LegRequest{
		CycleID: uuid.NewString(),
		Order:   legOrder(),
		BeforeSubmit: func(context.Context, arbiter.Order) error {
			return fmt.Errorf("disk full")
		},
	})
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, ex.placed)
}

func TestRateLimitedSubmissionBacksOffWithPacer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ex := newScriptedExchange()
		ex.place = []placeOutcome{{err: arbiter.ErrRateLimited}, {err: arbiter.ErrRateLimited}}
		ex.updates = [][]arbiter.OrderUpdate{{filled("2")}}
		cfg := testConfig()
		cfg.RateLimitCooldown = 2 * time.Second
		e := New(ex, WithConfig(cfg), WithPacer(NewPacer(PacerConfig{MaxPause: time.Minute})))

		var accepted []arbiter.Order
		start := time.Now()
		order, err := e.Execute(context.Background(), LegRequest{
			CycleID:    uuid.NewString(),
			Order:      legOrder(),
			OnAccepted: func(_ context.Context, o arbiter.Order) { accepted = append(accepted, o) },
		})
		require.NoError(t, err)
		require.Equal(t, arbiter.OrderFilled, order.Status)
		require.Len(t, ex.placed, 3)
		require.GreaterOrEqual(t, time.Since(start), 6*time.Second, "a second throttle doubles the pause")

		require.Len(t, accepted, 1)
		require.Equal(t, "oid-1", accepted[0].ExchangeOrderID)
		require.Equal(t, ex.placed[2].ClientID, accepted[0].ClientID)
	})
}
