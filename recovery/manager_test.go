package recovery

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cycleid"
	"github.com/recomma/arbiter/exchange/paper"
)

type fakeResumer struct {
	mu      sync.Mutex
	resumed []*arbiter.Cycle
}

func (r *fakeResumer) Resume(_ context.Context, c *arbiter.Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, c.Clone())
	return nil
}

func (r *fakeResumer) ActiveCycleIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.resumed {
		out = append(out, c.ID)
	}
	return out
}

type fakeSlots struct {
	reconciled []string
	calls      int
}

func (s *fakeSlots) Reconcile(active []string) []string {
	s.calls++
	s.reconciled = active
	return nil
}

func (f *fixture) manager(resumer Resumer, opts ...Option) *Manager {
	return NewManager(f.store, f.exec, f.liquidator, resumer, append([]Option{WithLogger(discard)}, opts...)...)
}

func clientID(t *testing.T, leg, attempt int) string {
	t.Helper()
	id, err := cycleid.New(cycleID, leg, attempt)
	require.NoError(t, err)
	return id.Hex()
}

// A crash after the second leg reached the venue but before it was settled
// locally: recovery confirms the fill and resumes with the third leg.
func TestRecoverSettlesInFlightAndResumes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, paper.WithBalances(map[string]decimal.Decimal{"ETH": d("1.998")}))

		c := holding(time.Now(), 1, "ETH", d("1.998"))
		inflight := arbiter.Order{
			LegIndex:      1,
			ClientID:      clientID(t, 1, 0),
			Symbol:        "ETH/USDT",
			Side:          arbiter.SideSell,
			From:          "ETH",
			To:            "USDT",
			Amount:        d("1.998"),
			ExpectedPrice: d("3000"),
			FeeRate:       d("0.001"),
			Status:        arbiter.OrderPending,
		}
		c.InFlight = &inflight
		_, err := f.exchange.PlaceOrder(ctx, arbiter.OrderRequest{ClientID: inflight.ClientID, Symbol: "ETH/USDT", Side: arbiter.SideSell, Amount: d("1.998")})
		require.NoError(t, err)
		f.store = newMemStore(c)

		resumer := &fakeResumer{}
		slots := &fakeSlots{}
		report, err := f.manager(resumer, WithSlots(slots)).Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{cycleID}, report.Resumed)
		require.Equal(t, 1, report.Total())

		require.Len(t, resumer.resumed, 1)
		got := resumer.resumed[0]
		require.Equal(t, 2, got.CurrentStep)
		require.Len(t, got.Orders, 2)
		require.Nil(t, got.InFlight)
		require.Equal(t, "USDT", got.CurrentCurrency)
		require.True(t, d("5988.006").Equal(got.CurrentAmount), got.CurrentAmount.String())
		require.Equal(t, arbiter.StateActive, got.State)

		require.Contains(t, f.store.eventKinds(), "in_flight_settled")
		require.Equal(t, 1, slots.calls)
		require.Equal(t, []string{cycleID}, slots.reconciled)
		require.Len(t, f.exchange.Orders(), 1, "the in-flight order is not placed again")
	})
}

func TestRecoverClearsOrderThatNeverReachedVenue(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		c := holding(time.Now(), 1, "ETH", d("1.998"))
		c.InFlight = &arbiter.Order{LegIndex: 1, ClientID: clientID(t, 1, 0), Symbol: "ETH/USDT", Side: arbiter.SideSell, From: "ETH", To: "USDT", Amount: d("1.998")}
		f.store = newMemStore(c)

		resumer := &fakeResumer{}
		report, err := f.manager(resumer).Recover(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{cycleID}, report.Resumed)

		got := resumer.resumed[0]
		require.Nil(t, got.InFlight)
		require.Equal(t, 1, got.CurrentStep)
		require.Contains(t, f.store.eventKinds(), "in_flight_cleared")
	})
}

func TestRecoverQuarantinesLesserVenueFill(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t,
			paper.WithBalances(map[string]decimal.Decimal{"BTC": d("1")}),
			paper.WithFillRatioFunc(func(arbiter.OrderRequest) decimal.Decimal { return d("0.5") }),
		)
		id, err := f.exchange.PlaceOrder(ctx, arbiter.OrderRequest{ClientID: clientID(t, 0, 0), Symbol: "ETH/BTC", Side: arbiter.SideBuy, Amount: d("2")})
		require.NoError(t, err)

		c := holding(time.Now(), 1, "ETH", d("1.998"))
		c.Orders[0].ExchangeOrderID = id
		f.store = newMemStore(c)

		resumer := &fakeResumer{}
		report, err := f.manager(resumer).Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{cycleID}, report.Quarantined)
		require.Empty(t, resumer.resumed)

		saved := f.store.get(cycleID)
		require.Contains(t, saved.Metadata, arbiter.MetaNeedsReview)
		require.Equal(t, arbiter.StateActive, saved.State)
		require.Contains(t, f.store.eventKinds(), "quarantined")

		// a quarantined cycle is left alone on the next start
		report, err = f.manager(resumer).Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{cycleID}, report.Quarantined)
		require.Empty(t, f.exchange.Orders()[1:])
	})
}

// The venue kept filling the last settled leg after it was persisted: the
// extra proceeds are carried into the resumed cycle.
func TestRecoverAdoptsGreaterVenueFill(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, paper.WithBalances(map[string]decimal.Decimal{"BTC": d("1")}))
		id, err := f.exchange.PlaceOrder(ctx, arbiter.OrderRequest{ClientID: clientID(t, 0, 0), Symbol: "ETH/BTC", Side: arbiter.SideBuy, Amount: d("2")})
		require.NoError(t, err)

		c := holding(time.Now(), 1, "ETH", d("1.4985"))
		c.Orders[0].ExchangeOrderID = id
		c.Orders[0].FeeRate = d("0.001")
		c.Orders[0].FilledAmount = d("1.5")
		c.Orders[0].ReceivedAmount = d("1.4985")
		c.Orders[0].Status = arbiter.OrderPartial
		f.store = newMemStore(c)

		resumer := &fakeResumer{}
		report, err := f.manager(resumer).Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{cycleID}, report.Resumed)

		got := resumer.resumed[0]
		require.True(t, d("2").Equal(got.Orders[0].FilledAmount), got.Orders[0].FilledAmount.String())
		require.True(t, d("1.998").Equal(got.CurrentAmount), got.CurrentAmount.String())
		require.Equal(t, "ETH", got.CurrentCurrency)
		require.Contains(t, f.store.eventKinds(), "fill_adjusted")
		require.NotContains(t, got.Metadata, arbiter.MetaNeedsReview)
	})
}

// A first leg accepted while the cycle was still validating moves it to
// active once recovery settles the order.
func TestRecoverActivatesValidatingCycleWithSettledFirstLeg(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, paper.WithBalances(map[string]decimal.Decimal{"BTC": d("1")}))

		c := holding(time.Now(), 0, "BTC", d("0.1"))
		c.State = arbiter.StateValidating
		c.InFlight = &arbiter.Order{
			ClientID:      clientID(t, 0, 0),
			Symbol:        "ETH/BTC",
			Side:          arbiter.SideBuy,
			From:          "BTC",
			To:            "ETH",
			Amount:        d("2"),
			ExpectedPrice: d("0.05"),
			FeeRate:       d("0.001"),
			Status:        arbiter.OrderPending,
		}
		_, err := f.exchange.PlaceOrder(ctx, arbiter.OrderRequest{ClientID: c.InFlight.ClientID, Symbol: "ETH/BTC", Side: arbiter.SideBuy, Amount: d("2")})
		require.NoError(t, err)
		f.store = newMemStore(c)

		resumer := &fakeResumer{}
		report, err := f.manager(resumer).Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{cycleID}, report.Resumed)

		got := resumer.resumed[0]
		require.Equal(t, arbiter.StateActive, got.State)
		require.Equal(t, 1, got.CurrentStep)
		require.Equal(t, "ETH", got.CurrentCurrency)
	})
}

func TestRecoverQuarantinesStepMismatch(t *testing.T) {
	f := newFixture(t)
	c := holding(time.Now(), 1, "ETH", d("1.998"))
	c.CurrentStep = 2
	f.store = newMemStore(c)

	report, err := f.manager(&fakeResumer{}).Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{cycleID}, report.Quarantined)
}

func TestRecoverLiquidatesStaleCycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, paper.WithBalances(map[string]decimal.Decimal{"USDT": d("5988.006")}))
		c := holding(time.Now().Add(-10*time.Minute), 2, "USDT", d("5988.006"))
		f.store = newMemStore(c)

		resumer := &fakeResumer{}
		report, err := f.manager(resumer).Recover(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{cycleID}, report.Liquidated)
		require.Empty(t, resumer.resumed)

		saved := f.store.get(cycleID)
		require.Equal(t, arbiter.StateFailed, saved.State)
		require.Equal(t, "BTC", saved.CurrentCurrency)
		require.Contains(t, saved.ErrorMessage, "older than")
		require.True(t, saved.Orders[2].Panic)
	})
}

func TestRecoverContinuesInterruptedPanicSell(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, paper.WithBalances(map[string]decimal.Decimal{"USDT": d("5988.006")}))
		c := holding(time.Now(), 2, "USDT", d("5988.006"))
		c.State = arbiter.StatePanicSelling
		f.store = newMemStore(c)

		report, err := f.manager(&fakeResumer{}).Recover(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{cycleID}, report.Liquidated)
		require.Equal(t, "BTC", f.store.get(cycleID).CurrentCurrency)
	})
}

func TestRecoverFailsCycleThatNeverTraded(t *testing.T) {
	f := newFixture(t)
	c := holding(time.Now(), 0, "BTC", d("0.1"))
	c.State = arbiter.StateValidating
	f.store = newMemStore(c)

	report, err := f.manager(&fakeResumer{}).Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{cycleID}, report.Failed)

	saved := f.store.get(cycleID)
	require.Equal(t, arbiter.StateFailed, saved.State)
	require.Equal(t, arbiter.ErrInterrupted.Error(), saved.ErrorMessage)
}

func TestRecoverCompletesFinishedCycle(t *testing.T) {
	f := newFixture(t)
	c := holding(time.Now(), 2, "USDT", d("5988.006"))
	c.Settle(arbiter.Order{Symbol: "BTC/USDT", Side: arbiter.SideBuy, From: "USDT", To: "BTC", Status: arbiter.OrderFilled, ReceivedAmount: d("0.1031")}, time.Now())
	c.State = arbiter.StatePartiallyFilled
	f.store = newMemStore(c)

	report, err := f.manager(&fakeResumer{}).Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{cycleID}, report.Completed)

	saved := f.store.get(cycleID)
	require.Equal(t, arbiter.StateCompleted, saved.State)
	require.True(t, d("0.0031").Equal(saved.ProfitLoss), saved.ProfitLoss.String())
}
