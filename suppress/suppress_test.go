package suppress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func TestShouldSuppress(t *testing.T) {
	s := New(Config{Window: time.Minute})

	require.False(t, s.ShouldSuppress("BTC->ETH->USDT", "latency", false, t0), "first occurrence is never suppressed")
	require.True(t, s.ShouldSuppress("BTC->ETH->USDT", "latency", false, t0.Add(10*time.Second)))
	require.True(t, s.ShouldSuppress("BTC->ETH->USDT", "latency", false, t0.Add(50*time.Second)))
	require.False(t, s.ShouldSuppress("BTC->ETH->USDT", "slippage", false, t0.Add(50*time.Second)), "reasons are tracked separately")
	require.False(t, s.ShouldSuppress("BTC->ETH->USDT", "latency", true, t0.Add(55*time.Second)), "executions are never suppressed")

	require.True(t, s.ShouldSuppress("BTC->ETH->USDT", "latency", false, t0.Add(61*time.Second)), "window runs from the last sighting")

	require.False(t, s.ShouldSuppress("BTC->ETH->USDT", "latency", false, t0.Add(122*time.Second)), "window lapsed")
	require.True(t, s.ShouldSuppress("BTC->ETH->USDT", "latency", false, t0.Add(123*time.Second)))

	recent := s.Recent(10)
	require.Len(t, recent, 1)
	require.Equal(t, 1, recent[0].Count, "count resets with the window")
	require.Equal(t, t0.Add(123*time.Second), recent[0].LastSeen)
}

func TestSteadyRepeatsStaySuppressed(t *testing.T) {
	s := New(Config{Window: 5 * time.Second})

	var got []bool
	for _, sec := range []int{0, 3, 6, 9} {
		got = append(got, s.ShouldSuppress("BTC->ETH->USDT", "latency", false, t0.Add(time.Duration(sec)*time.Second)))
	}
	require.Equal(t, []bool{false, true, true, true}, got)
	require.Equal(t, 3, s.Recent(1)[0].Count)
}

func TestWindowBoundary(t *testing.T) {
	s := New(Config{Window: 5 * time.Second})

	require.False(t, s.ShouldSuppress("k", "r", false, t0))
	require.True(t, s.ShouldSuppress("k", "r", false, t0.Add(5*time.Second)), "a repeat exactly one window later is suppressed")
	require.False(t, s.ShouldSuppress("k", "r", false, t0.Add(10*time.Second+time.Nanosecond)))

	require.Zero(t, s.Prune(t0.Add(15*time.Second+time.Nanosecond)), "pruned only after the window has passed")
	require.Equal(t, 1, s.Prune(t0.Add(15*time.Second+2*time.Nanosecond)))
}

func TestWindowDisabled(t *testing.T) {
	s := New(Config{Window: 0})
	for i := range 5 {
		require.False(t, s.ShouldSuppress("k", "r", false, t0.Add(time.Duration(i)*time.Millisecond)))
	}
}

func TestHistoryIsBoundedFIFO(t *testing.T) {
	s := New(Config{Window: time.Hour, HistorySize: 3})

	for i := range 5 {
		key := fmt.Sprintf("route-%d", i)
		at := t0.Add(time.Duration(i) * time.Second)
		require.False(t, s.ShouldSuppress(key, "r", false, at))
		require.True(t, s.ShouldSuppress(key, "r", false, at.Add(time.Millisecond)))
	}

	recent := s.Recent(0)
	require.Len(t, recent, 3)
	require.Equal(t, "route-4", recent[0].Key)
	require.Equal(t, "route-2", recent[2].Key)

	// updating an existing pair does not grow the history
	require.True(t, s.ShouldSuppress("route-3", "r", false, t0.Add(time.Minute)))
	recent = s.Recent(0)
	require.Len(t, recent, 3)
	require.Equal(t, "route-3", recent[0].Key)
	require.Equal(t, 2, recent[0].Count)

	require.Len(t, s.Recent(1), 1)
}

func TestSummaryAndHealth(t *testing.T) {
	s := New(Config{Window: time.Hour})

	// a: 1 allowed + 4 suppressed, b: 1 allowed + 2 suppressed, c: 1 allowed + 1 suppressed, d: 1 allowed
	for key, repeats := range map[string]int{"a": 4, "b": 2, "c": 1, "d": 0} {
		require.False(t, s.ShouldSuppress(key, "latency", false, t0))
		for i := range repeats {
			require.True(t, s.ShouldSuppress(key, "latency", false, t0.Add(time.Duration(i+1)*time.Second)))
		}
	}

	now := t0.Add(time.Minute)
	sum := s.Summary(10*time.Minute, now)
	require.Equal(t, 11, sum.Evaluations)
	require.Equal(t, 7, sum.TotalSuppressed)
	require.Equal(t, 3, sum.UniquePairs)
	require.InDelta(t, 7.0/11.0*100, sum.SuppressionRatePct, 1e-9)
	require.Len(t, sum.TopOffenders, 3)
	require.Equal(t, "a", sum.TopOffenders[0].Key)
	require.Equal(t, 4, sum.TopOffenders[0].Suppressed)
	require.Equal(t, "c", sum.TopOffenders[2].Key)

	healthy, msg := s.Health(10*time.Minute, 50, now)
	require.False(t, healthy)
	require.Contains(t, msg, "top offender a/latency")

	healthy, _ = s.Health(10*time.Minute, 80, now)
	require.True(t, healthy)

	healthy, msg = s.Health(10*time.Second, 50, now.Add(time.Hour))
	require.True(t, healthy)
	require.Equal(t, "no activity", msg)
}

func TestSummaryCountsPairsSeenInWindow(t *testing.T) {
	s := New(Config{Window: 5 * time.Second})

	require.False(t, s.ShouldSuppress("stale", "latency", false, t0))
	require.True(t, s.ShouldSuppress("stale", "latency", false, t0.Add(time.Second)))

	// one unbroken stream from t0 to t0+30s
	for i := range 11 {
		s.ShouldSuppress("loop", "slippage", false, t0.Add(time.Duration(3*i)*time.Second))
	}

	now := t0.Add(30 * time.Second)
	sum := s.Summary(10*time.Second, now)
	require.Equal(t, 10, sum.TotalSuppressed, "the whole stream counts while it is still being seen")
	require.Equal(t, 1, sum.UniquePairs)
	require.Equal(t, []Offender{{Key: "loop", Reason: "slippage", Suppressed: 10}}, sum.TopOffenders)
	require.Equal(t, 4, sum.Evaluations)
	require.InDelta(t, 100.0, sum.SuppressionRatePct, 1e-9)

	sum = s.Summary(0, now)
	require.Equal(t, 11, sum.TotalSuppressed)
	require.Equal(t, 2, sum.UniquePairs)
}

func TestPrune(t *testing.T) {
	s := New(Config{Window: time.Minute})
	require.False(t, s.ShouldSuppress("k", "r", false, t0))
	require.Equal(t, 0, s.Prune(t0.Add(30*time.Second)))
	require.Equal(t, 1, s.Prune(t0.Add(2*time.Minute)))
	require.False(t, s.ShouldSuppress("k", "r", false, t0.Add(2*time.Minute)))
}
