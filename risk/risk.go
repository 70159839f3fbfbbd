// Package risk holds the per-leg guards evaluated after every fill.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/recomma/arbiter/arbiter"
	"github.com/shopspring/decimal"
)

// LatencyMonitor times legs from submission to settlement.
type LatencyMonitor struct {
	mu     sync.Mutex
	limit  time.Duration
	starts map[string]time.Time
}

func NewLatencyMonitor(limit time.Duration) *LatencyMonitor {
	return &LatencyMonitor{
		limit:  limit,
		starts: make(map[string]time.Time),
	}
}

func (m *LatencyMonitor) Limit() time.Duration {
	return m.limit
}

// Start begins timing the given leg key and returns the start time.
func (m *LatencyMonitor) Start(key string) time.Time {
	now := time.Now()
	m.mu.Lock()
	m.starts[key] = now
	m.mu.Unlock()
	return now
}

// Stop ends timing and returns the elapsed duration. ok is false when the key
// was never started.
func (m *LatencyMonitor) Stop(key string) (elapsed time.Duration, ok bool) {
	m.mu.Lock()
	start, ok := m.starts[key]
	delete(m.starts, key)
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return time.Since(start), true
}

// Check returns a LatencyViolation when elapsed exceeds the limit. A
// non-positive limit disables the check.
func (m *LatencyMonitor) Check(leg int, elapsed time.Duration) error {
	if m.limit <= 0 || elapsed <= m.limit {
		return nil
	}
	return &arbiter.LatencyViolation{Leg: leg, Elapsed: elapsed, Limit: m.limit}
}

// Pending is the number of legs currently being timed.
func (m *LatencyMonitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

// SlippageTracker measures fills against the expected price.
type SlippageTracker struct {
	maxBps float64
}

func NewSlippageTracker(maxBps float64) *SlippageTracker {
	return &SlippageTracker{maxBps: maxBps}
}

func (t *SlippageTracker) MaxBps() float64 {
	return t.maxBps
}

var tenThousand = decimal.NewFromInt(10000)

// Measure returns signed slippage in basis points where positive is adverse:
// paying more on a buy, receiving less on a sell.
func (t *SlippageTracker) Measure(side arbiter.Side, expected, executed decimal.Decimal) float64 {
	if !expected.IsPositive() || !executed.IsPositive() {
		return 0
	}
	diff := executed.Sub(expected)
	if side == arbiter.SideSell {
		diff = diff.Neg()
	}
	bps, _ := diff.Div(expected).Mul(tenThousand).Float64()
	return bps
}

// Check returns a SlippageViolation when |bps| exceeds the configured
// maximum. Favourable moves that large are treated as suspect as well.
func (t *SlippageTracker) Check(leg int, bps float64) error {
	if t.maxBps <= 0 || math.Abs(bps) <= t.maxBps {
		return nil
	}
	return &arbiter.SlippageViolation{Leg: leg, Bps: bps, LimitBps: t.maxBps}
}
