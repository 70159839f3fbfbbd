// Package admission decides whether an opportunity may start a new cycle.
package admission

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/dedupe"
)

var ErrRejected = errors.New("admission: rejected")

type Reason string

const (
	ReasonCooldown             Reason = "route_cooldown"
	ReasonDuplicateFingerprint Reason = "duplicate_fingerprint"
	ReasonSameScan             Reason = "same_scan"
	ReasonHysteresis           Reason = "hysteresis"
	ReasonSlotsFull            Reason = "slots_full"
	ReasonInFlight             Reason = "route_in_flight"
)

// Rejection explains why an opportunity was not admitted.
type Rejection struct {
	Reason                  Reason
	RouteKey                string
	CooldownRemaining       time.Duration
	DuplicateFingerprintAge time.Duration
	HysteresisDeficitPct    float64
	SlotsFull               bool
}

func (r *Rejection) Error() string {
	switch r.Reason {
	case ReasonCooldown:
		return fmt.Sprintf("route %s cooling down for %s", r.RouteKey, r.CooldownRemaining.Round(time.Millisecond))
	case ReasonDuplicateFingerprint:
		return fmt.Sprintf("route %s snapshot already executed %s ago", r.RouteKey, r.DuplicateFingerprintAge.Round(time.Millisecond))
	case ReasonHysteresis:
		return fmt.Sprintf("route %s executed recently, profit short by %.4f%%", r.RouteKey, r.HysteresisDeficitPct)
	case ReasonSlotsFull:
		return fmt.Sprintf("route %s: all slots busy", r.RouteKey)
	case ReasonInFlight:
		return fmt.Sprintf("route %s: an admitted cycle is still validating", r.RouteKey)
	default:
		return fmt.Sprintf("route %s rejected: %s", r.RouteKey, r.Reason)
	}
}

func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

// Attrs renders the rejection as structured log attributes.
func (r *Rejection) Attrs() []any {
	return []any{
		slog.String("reason", string(r.Reason)),
		slog.String("route", r.RouteKey),
		slog.Float64("cooldown_remaining_s", r.CooldownRemaining.Seconds()),
		slog.Float64("duplicate_fingerprint_age_s", r.DuplicateFingerprintAge.Seconds()),
		slog.Float64("hysteresis_deficit_pct", r.HysteresisDeficitPct),
		slog.Bool("slots_full", r.SlotsFull),
	}
}

type cooldownChecker interface {
	Remaining(route string, now time.Time) time.Duration
}

// Ticket is handed out with an admitted cycle. Committing it records the
// execution with the deduplicator; releasing it frees the slot.
type Ticket struct {
	CycleID     string
	RouteID     string
	Fingerprint string

	scanIndex int64
	netPct    float64
	ctrl      *Controller
	slots     *Slots
	commit    sync.Once
	once      sync.Once
}

// Commit records the execution once the cycle has passed its pre-trade
// checks. Only committed tickets count against the route's dedupe state.
// Commit is idempotent and a no-op for adopted tickets.
func (t *Ticket) Commit(now time.Time) {
	if t == nil || t.ctrl == nil {
		return
	}
	t.commit.Do(func() {
		t.ctrl.commit(t, now)
	})
}

// Release is idempotent. It never touches dedupe state, so a cycle that was
// admitted but never committed leaves no trace on its route.
func (t *Ticket) Release() {
	if t == nil || t.slots == nil {
		return
	}
	t.once.Do(func() {
		if t.ctrl != nil {
			t.ctrl.unpend(t)
		}
		t.slots.Release(t.CycleID)
	})
}

// Controller runs the admission checks. The cooldown, dedupe and slot steps
// run under a single lock, and a route stays pending from admission until its
// ticket is committed or released, so two opportunities for the same route
// cannot both pass before either is recorded.
type Controller struct {
	mu        sync.Mutex
	cooldowns cooldownChecker
	dedupe    *dedupe.Deduplicator
	slots     *Slots
	logger    *slog.Logger

	// route id -> cycle id of the uncommitted admission
	pending map[string]string
}

func NewController(cooldowns cooldownChecker, dd *dedupe.Deduplicator, slots *Slots, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cooldowns: cooldowns,
		dedupe:    dd,
		slots:     slots,
		logger:    logger.WithGroup("admission"),
		pending:   make(map[string]string),
	}
}

func (c *Controller) Slots() *Slots {
	return c.slots
}

// TryAdmit checks, in order: route cooldown, an uncommitted admission of the
// same route, snapshot fingerprint and scan index, route cooldown
// hysteresis, then a free slot. On success the slot is reserved for cycleID
// and the route held pending until the ticket is committed or released.
func (c *Controller) TryAdmit(opp arbiter.Opportunity, cycleID string, now time.Time) (*Ticket, error) {
	routeKey := opp.RouteKey()
	routeID := dedupe.RouteID(opp.Path, opp.Markets)
	fingerprint := dedupe.Fingerprint(routeID, opp.ScanIndex, opp.ExpectedPrices...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cooldowns != nil {
		if remaining := c.cooldowns.Remaining(routeKey, now); remaining > 0 {
			return nil, &Rejection{Reason: ReasonCooldown, RouteKey: routeKey, CooldownRemaining: remaining}
		}
	}

	if cycleID, ok := c.pending[routeID]; ok {
		if c.slots.Holds(cycleID) {
			return nil, &Rejection{Reason: ReasonInFlight, RouteKey: routeKey}
		}
		// the slot was reclaimed or reconciled away
		delete(c.pending, routeID)
	}

	if c.dedupe != nil {
		decision := c.dedupe.ShouldExecute(routeID, fingerprint, opp.ScanIndex, opp.NetProfitPct, now)
		if !decision.Allowed {
			rej := &Rejection{
				RouteKey:                routeKey,
				CooldownRemaining:       decision.CooldownRemaining,
				DuplicateFingerprintAge: decision.FingerprintAge,
				HysteresisDeficitPct:    decision.HysteresisDeficitPct,
			}
			switch decision.Reason {
			case dedupe.ReasonDuplicateFingerprint:
				rej.Reason = ReasonDuplicateFingerprint
			case dedupe.ReasonSameScan:
				rej.Reason = ReasonSameScan
			default:
				rej.Reason = ReasonHysteresis
			}
			return nil, rej
		}
	}

	if !c.slots.TryReserve(cycleID, now) {
		return nil, &Rejection{Reason: ReasonSlotsFull, RouteKey: routeKey, SlotsFull: true}
	}

	c.pending[routeID] = cycleID

	c.logger.Debug("admitted",
		slog.String("cycle_id", cycleID),
		slog.String("route", routeKey),
		slog.Int64("scan_index", opp.ScanIndex),
		slog.Float64("net_profit_pct", opp.NetProfitPct),
	)

	return &Ticket{
		CycleID:     cycleID,
		RouteID:     routeID,
		Fingerprint: fingerprint,
		scanIndex:   opp.ScanIndex,
		netPct:      opp.NetProfitPct,
		ctrl:        c,
		slots:       c.slots,
	}, nil
}

func (c *Controller) commit(t *Ticket, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dedupe != nil {
		c.dedupe.RecordExecution(t.RouteID, t.Fingerprint, t.scanIndex, t.netPct, now)
	}
	c.unpendLocked(t)
}

func (c *Controller) unpend(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpendLocked(t)
}

func (c *Controller) unpendLocked(t *Ticket) {
	if c.pending[t.RouteID] == t.CycleID {
		delete(c.pending, t.RouteID)
	}
}

// Adopt issues a ticket for a cycle admitted before a restart, reserving its
// slot even if that briefly exceeds capacity.
func (c *Controller) Adopt(cycleID string, now time.Time) *Ticket {
	c.slots.ForceReserve(cycleID, now)
	return &Ticket{CycleID: cycleID, slots: c.slots}
}
