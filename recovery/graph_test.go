package recovery

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/recomma/arbiter/arbiter"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func quote(symbol, bid, ask string) arbiter.Ticker {
	return arbiter.Ticker{Symbol: symbol, Bid: d(bid), Ask: d(ask)}
}

func TestRoutePrefersFewerHops(t *testing.T) {
	markets := []arbiter.Market{
		{Symbol: "ETH/BTC", Base: "ETH", Quote: "BTC", FeeRate: d("0.003")},
		{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", FeeRate: d("0.0001")},
		{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", FeeRate: d("0.0001")},
	}
	g := NewGraph(markets, map[string]arbiter.Ticker{
		"ETH/BTC":  quote("ETH/BTC", "0.0499", "0.05"),
		"ETH/USDT": quote("ETH/USDT", "3000", "3001"),
		"BTC/USDT": quote("BTC/USDT", "59990", "60000"),
	})

	route, err := g.Route("ETH", []string{"BTC"}, 3)
	require.NoError(t, err)
	require.Len(t, route, 1)
	require.Equal(t, "ETH/BTC", route[0].Market.Symbol)
	require.Equal(t, arbiter.SideSell, route[0].Side)
	require.True(t, d("0.0499").Equal(route[0].ExpectedPrice))
}

func TestRoutePicksCheapestAmongEqualHops(t *testing.T) {
	markets := []arbiter.Market{
		{Symbol: "ETH/BTC", Base: "ETH", Quote: "BTC", FeeRate: d("0.002")},
		{Symbol: "ETH/BTC:alt", Base: "ETH", Quote: "BTC", FeeRate: d("0.0005")},
	}
	g := NewGraph(markets, map[string]arbiter.Ticker{
		"ETH/BTC":     quote("ETH/BTC", "0.0499", "0.05"),
		"ETH/BTC:alt": quote("ETH/BTC:alt", "0.0499", "0.05"),
	})

	route, err := g.Route("BTC", []string{"ETH"}, 2)
	require.NoError(t, err)
	require.Len(t, route, 1)
	require.Equal(t, "ETH/BTC:alt", route[0].Market.Symbol)
	require.Equal(t, arbiter.SideBuy, route[0].Side)
}

func TestRouteMultiHopAndLimits(t *testing.T) {
	markets := []arbiter.Market{
		{Symbol: "SOL/USDT", Base: "SOL", Quote: "USDT", FeeRate: d("0.001")},
		{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", FeeRate: d("0.001")},
		{Symbol: "DOGE/USDT", Base: "DOGE", Quote: "USDT", FeeRate: d("0.001")},
	}
	g := NewGraph(markets, map[string]arbiter.Ticker{
		"SOL/USDT": quote("SOL/USDT", "150", "150.1"),
		"BTC/USDT": quote("BTC/USDT", "59990", "60000"),
		// DOGE/USDT has no quote and is left out of the graph
	})

	route, err := g.Route("SOL", []string{"BTC"}, 3)
	require.NoError(t, err)
	require.Len(t, route, 2)
	require.Equal(t, "SOL", route[0].From)
	require.Equal(t, "USDT", route[0].To)
	require.Equal(t, "BTC", route[1].To)

	_, err = g.Route("SOL", []string{"BTC"}, 1)
	require.ErrorIs(t, err, arbiter.ErrPanicSellPathNotFound)

	_, err = g.Route("DOGE", []string{"USDT"}, 3)
	require.ErrorIs(t, err, arbiter.ErrPanicSellPathNotFound)

	route, err = g.Route("BTC", []string{"BTC"}, 3)
	require.NoError(t, err)
	require.Empty(t, route)
}

func TestEstimate(t *testing.T) {
	route := []arbiter.LegPlan{
		{Market: arbiter.Market{Symbol: "ETH/USDT", FeeRate: d("0.001")}, Side: arbiter.SideSell, From: "ETH", To: "USDT", ExpectedPrice: d("3000")},
	}
	require.True(t, d("2997").Equal(Estimate(route, d("1"))), Estimate(route, d("1")).String())
}
