// Package dedupe decides whether a freshly scanned opportunity is new enough
// to execute, based on the route it trades and the market snapshot it came
// from.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const hysteresisEpsilon = 1e-9

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonDuplicateFingerprint Reason = "duplicate_fingerprint"
	ReasonSameScan             Reason = "same_scan"
	ReasonHysteresis           Reason = "hysteresis"
)

// Decision is the outcome of ShouldExecute.
type Decision struct {
	Allowed              bool
	Reason               Reason
	FingerprintAge       time.Duration
	CooldownRemaining    time.Duration
	HysteresisDeficitPct float64
}

type Config struct {
	// FingerprintTTL is how long an executed snapshot is remembered.
	FingerprintTTL time.Duration
	// RouteCooldown is the minimum gap between executions of a route unless
	// profit improves by HysteresisPct.
	RouteCooldown time.Duration
	// HysteresisPct is in the same unit as the net profit (percentage points).
	HysteresisPct float64
}

type routeState struct {
	executedAt time.Time
	netPct     float64
	scanIndex  int64
}

// Deduplicator is safe for concurrent use.
type Deduplicator struct {
	mu           sync.Mutex
	cfg          Config
	fingerprints map[string]time.Time
	routes       map[string]routeState
}

func New(cfg Config) *Deduplicator {
	return &Deduplicator{
		cfg:          cfg,
		fingerprints: make(map[string]time.Time),
		routes:       make(map[string]routeState),
	}
}

// RouteID identifies a route independently of the currency it is entered
// from: the path is rotated to its lexicographically smallest rotation and
// the market symbols are sorted.
func RouteID(path, markets []string) string {
	canon := canonicalRotation(path)
	sortedMarkets := slices.Clone(markets)
	slices.Sort(sortedMarkets)

	h := sha256.New()
	h.Write([]byte(strings.Join(canon, ">")))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(sortedMarkets, ",")))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func canonicalRotation(path []string) []string {
	n := len(path)
	if n == 0 {
		return nil
	}
	best := slices.Clone(path)
	candidate := make([]string, n)
	for shift := 1; shift < n; shift++ {
		for i := range n {
			candidate[i] = path[(i+shift)%n]
		}
		if slices.Compare(candidate, best) < 0 {
			copy(best, candidate)
		}
	}
	return best
}

// Fingerprint identifies a market snapshot of a route.
func Fingerprint(routeID string, scanIndex int64, prices ...decimal.Decimal) string {
	h := sha256.New()
	h.Write([]byte(routeID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(scanIndex, 10)))
	for _, p := range prices {
		h.Write([]byte{'|'})
		h.Write([]byte(p.String()))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ShouldExecute applies, in order: fingerprint freshness, scan index and the
// route cooldown with its profit hysteresis. It does not record anything.
func (d *Deduplicator) ShouldExecute(routeID, fingerprint string, scanIndex int64, netPct float64, now time.Time) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seen, ok := d.fingerprints[fingerprint]; ok {
		age := now.Sub(seen)
		if age < d.cfg.FingerprintTTL {
			return Decision{Reason: ReasonDuplicateFingerprint, FingerprintAge: age}
		}
	}

	state, ok := d.routes[routeID]
	if !ok {
		return Decision{Allowed: true}
	}

	if state.scanIndex == scanIndex {
		return Decision{Reason: ReasonSameScan}
	}

	elapsed := now.Sub(state.executedAt)
	if elapsed >= d.cfg.RouteCooldown {
		return Decision{Allowed: true}
	}

	required := state.netPct + d.cfg.HysteresisPct
	if netPct >= required-hysteresisEpsilon {
		return Decision{Allowed: true}
	}
	return Decision{
		Reason:               ReasonHysteresis,
		CooldownRemaining:    d.cfg.RouteCooldown - elapsed,
		HysteresisDeficitPct: required - netPct,
	}
}

// RecordExecution remembers that a snapshot of a route was executed.
func (d *Deduplicator) RecordExecution(routeID, fingerprint string, scanIndex int64, netPct float64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fingerprints[fingerprint] = now
	d.routes[routeID] = routeState{executedAt: now, netPct: netPct, scanIndex: scanIndex}
}

// Prune forgets fingerprints past their TTL and routes whose cooldown
// lapsed long enough ago that neither check can fire.
func (d *Deduplicator) Prune(now time.Time) (fingerprints, routes int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for fp, seen := range d.fingerprints {
		if now.Sub(seen) >= d.cfg.FingerprintTTL {
			delete(d.fingerprints, fp)
			fingerprints++
		}
	}
	keep := max(d.cfg.RouteCooldown, d.cfg.FingerprintTTL)
	for id, st := range d.routes {
		if now.Sub(st.executedAt) >= keep {
			delete(d.routes, id)
			routes++
		}
	}
	return fingerprints, routes
}
