package paper

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/recomma/arbiter/arbiter"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func testCatalog(t *testing.T) *arbiter.Catalog {
	t.Helper()
	catalog, err := arbiter.NewCatalog([]arbiter.Market{
		{Symbol: "ETH/BTC", Base: "ETH", Quote: "BTC", FeeRate: d("0.001")},
		{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", FeeRate: d("0.001")},
	})
	require.NoError(t, err)
	return catalog
}

func TestBuyMovesBalances(t *testing.T) {
	ctx := context.Background()
	ex := New(testCatalog(t), WithBalances(map[string]decimal.Decimal{"BTC": d("1")}))
	ex.SetTicker("ETH/BTC", d("0.0499"), d("0.05"))

	id, err := ex.PlaceOrder(ctx, arbiter.OrderRequest{ClientID: "c1", Symbol: "ETH/BTC", Side: arbiter.SideBuy, Amount: d("10")})
	require.NoError(t, err)

	u, err := ex.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, arbiter.OrderFilled, u.Status)
	require.True(t, d("0.05").Equal(u.AveragePrice))

	balances, err := ex.FetchBalances(ctx)
	require.NoError(t, err)
	require.True(t, d("0.5").Equal(balances["BTC"]), balances["BTC"].String())
	require.True(t, d("9.99").Equal(balances["ETH"]), balances["ETH"].String())

	again, err := ex.PlaceOrder(ctx, arbiter.OrderRequest{ClientID: "c1", Symbol: "ETH/BTC", Side: arbiter.SideBuy, Amount: d("10")})
	require.NoError(t, err)
	require.Equal(t, id, again, "client id is idempotent")
	require.Len(t, ex.Orders(), 1)
}

func TestSellWithSlippageAndPartialFill(t *testing.T) {
	ctx := context.Background()
	ex := New(testCatalog(t),
		WithBalances(map[string]decimal.Decimal{"ETH": d("2")}),
		WithSlippageBps(100),
		WithFillRatioFunc(func(arbiter.OrderRequest) decimal.Decimal { return d("0.5") }),
	)
	ex.SetTicker("ETH/USDT", d("3000"), d("3001"))

	id, err := ex.PlaceOrder(ctx, arbiter.OrderRequest{ClientID: "c1", Symbol: "ETH/USDT", Side: arbiter.SideSell, Amount: d("2")})
	require.NoError(t, err)

	u, err := ex.LookupOrder(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, id, u.ExchangeOrderID)
	require.Equal(t, arbiter.OrderCancelled, u.Status)
	require.True(t, d("1").Equal(u.FilledAmount))
	require.True(t, d("2970").Equal(u.AveragePrice))

	balances, _ := ex.FetchBalances(ctx)
	require.True(t, d("1").Equal(balances["ETH"]))
	require.True(t, d("2967.03").Equal(balances["USDT"]), balances["USDT"].String())
}

func TestLatencyAndCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		ex := New(testCatalog(t), WithBalances(map[string]decimal.Decimal{"ETH": d("1")}), WithLatency(time.Second))
		ex.SetTicker("ETH/USDT", d("3000"), d("3001"))

		id, err := ex.PlaceOrder(ctx, arbiter.OrderRequest{ClientID: "c1", Symbol: "ETH/USDT", Side: arbiter.SideSell, Amount: d("1")})
		require.NoError(t, err)

		u, _ := ex.GetOrderStatus(ctx, id)
		require.Equal(t, arbiter.OrderPending, u.Status)
		balances, _ := ex.FetchBalances(ctx)
		require.True(t, balances["ETH"].IsZero(), "amount is reserved while resting")

		require.NoError(t, ex.CancelOrder(ctx, id))
		time.Sleep(2 * time.Second)
		u, _ = ex.GetOrderStatus(ctx, id)
		require.Equal(t, arbiter.OrderCancelled, u.Status)
		require.True(t, u.FilledAmount.IsZero())
		balances, _ = ex.FetchBalances(ctx)
		require.True(t, d("1").Equal(balances["ETH"]))
	})
}

func TestPlaceOrderErrors(t *testing.T) {
	ctx := context.Background()
	ex := New(testCatalog(t), WithBalances(map[string]decimal.Decimal{"USDT": d("10")}))
	ex.SetTicker("ETH/USDT", d("3000"), d("3001"))

	_, err := ex.PlaceOrder(ctx, arbiter.OrderRequest{Symbol: "DOGE/USDT", Side: arbiter.SideBuy, Amount: d("1")})
	require.ErrorIs(t, err, arbiter.ErrInvalidMarket)

	_, err = ex.PlaceOrder(ctx, arbiter.OrderRequest{Symbol: "ETH/BTC", Side: arbiter.SideBuy, Amount: d("1")})
	require.ErrorIs(t, err, arbiter.ErrOrderRejected)

	_, err = ex.PlaceOrder(ctx, arbiter.OrderRequest{Symbol: "ETH/USDT", Side: arbiter.SideBuy, Amount: d("1")})
	require.ErrorIs(t, err, arbiter.ErrInsufficientBalance)

	_, err = ex.GetOrderStatus(ctx, "404")
	require.ErrorIs(t, err, arbiter.ErrOrderNotFound)
}
