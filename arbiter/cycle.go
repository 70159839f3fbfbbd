package arbiter

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CycleState is the lifecycle position of a Cycle.
type CycleState string

const (
	StatePending         CycleState = "pending"
	StateValidating      CycleState = "validating"
	StateActive          CycleState = "active"
	StatePartiallyFilled CycleState = "partially_filled"
	StateRecovering      CycleState = "recovering"
	StatePanicSelling    CycleState = "panic_selling"
	StateCompleted       CycleState = "completed"
	StateFailed          CycleState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s CycleState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progressing reports whether the cycle is still walking its planned legs.
func (s CycleState) Progressing() bool {
	switch s {
	case StateValidating, StateActive, StatePartiallyFilled, StateRecovering:
		return true
	default:
		return false
	}
}

var transitions = map[CycleState][]CycleState{
	StatePending:         {StateValidating, StateFailed},
	StateValidating:      {StateActive, StateFailed},
	StateActive:          {StateCompleted, StatePartiallyFilled, StatePanicSelling, StateFailed},
	StatePartiallyFilled: {StateRecovering, StatePanicSelling, StateFailed},
	StateRecovering:      {StateCompleted, StateFailed},
	StatePanicSelling:    {StateFailed},
}

// CanTransition reports whether from -> to is a legal edge of the cycle
// state machine.
func CanTransition(from, to CycleState) bool {
	return slices.Contains(transitions[from], to)
}

// Metadata keys written onto cycles that need an operator.
const (
	MetaManualReconciliation = "manual_reconciliation"
	MetaNeedsReview          = "needs_review"
	MetaFinalHolding         = "final_holding"
	MetaPnLCurrency          = "pnl_currency"
)

// Cycle is one execution attempt of a cyclic path. Path does not repeat the
// closing currency: [BTC ETH USDT] trades BTC->ETH, ETH->USDT and USDT->BTC.
type Cycle struct {
	ID              string            `json:"id"`
	StrategyName    string            `json:"strategy_name"`
	Path            []string          `json:"path"`
	Markets         []string          `json:"markets"`
	RouteKey        string            `json:"route_key"`
	InitialAmount   decimal.Decimal   `json:"initial_amount"`
	CurrentAmount   decimal.Decimal   `json:"current_amount"`
	CurrentCurrency string            `json:"current_currency"`
	State           CycleState        `json:"state"`
	CurrentStep     int               `json:"current_step"`
	Orders          []Order           `json:"orders"`
	InFlight        *Order            `json:"in_flight,omitempty"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ProfitLoss      decimal.Decimal   `json:"profit_loss"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewCycle builds a pending cycle for an admitted opportunity.
func NewCycle(id string, opp Opportunity, now time.Time) *Cycle {
	return &Cycle{
		ID:              id,
		StrategyName:    opp.Strategy,
		Path:            slices.Clone(opp.Path),
		Markets:         slices.Clone(opp.Markets),
		RouteKey:        RouteKey(opp.Path),
		InitialAmount:   opp.Amount,
		CurrentAmount:   opp.Amount,
		CurrentCurrency: opp.Path[0],
		State:           StatePending,
		StartTime:       now,
		UpdatedAt:       now,
		Metadata:        map[string]string{},
	}
}

// RouteKey renders a path the way cooldowns and logs refer to it.
func RouteKey(path []string) string {
	return strings.Join(path, "->")
}

// StartCurrency is the currency the cycle began (and should end) in.
func (c *Cycle) StartCurrency() string {
	if len(c.Path) == 0 {
		return ""
	}
	return c.Path[0]
}

// Legs is the number of trades a full traversal requires.
func (c *Cycle) Legs() int {
	return len(c.Path)
}

// Transition moves the cycle to the next state, stamping EndTime when the
// new state is terminal.
func (c *Cycle) Transition(to CycleState, now time.Time) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	c.UpdatedAt = now
	if to.Terminal() {
		c.EndTime = now
	}
	return nil
}

// Fail transitions to failed and records the reason.
func (c *Cycle) Fail(reason error, now time.Time) error {
	if err := c.Transition(StateFailed, now); err != nil {
		return err
	}
	if reason != nil {
		c.ErrorMessage = reason.Error()
	}
	return nil
}

// Settle records a finished leg order. The holdings move to the order's
// destination currency and the step counter advances so that
// len(Orders) == CurrentStep holds again.
func (c *Cycle) Settle(o Order, now time.Time) {
	o.LegIndex = c.CurrentStep
	c.Orders = append(c.Orders, o)
	c.CurrentStep++
	c.CurrentAmount = o.ReceivedAmount
	c.CurrentCurrency = o.To
	c.InFlight = nil
	c.UpdatedAt = now
}

// Complete marks a cycle that returned to its start currency.
func (c *Cycle) Complete(now time.Time) error {
	if err := c.Transition(StateCompleted, now); err != nil {
		return err
	}
	c.ProfitLoss = c.CurrentAmount.Sub(c.InitialAmount)
	return nil
}

// RealizePnL fills ProfitLoss from the final holdings. When the holdings are
// not in the start currency the loss cannot be priced here, so the holding is
// left on the metadata for reconciliation.
func (c *Cycle) RealizePnL() {
	if c.CurrentCurrency == c.StartCurrency() {
		c.ProfitLoss = c.CurrentAmount.Sub(c.InitialAmount)
		return
	}
	c.ProfitLoss = decimal.Zero
	c.SetMeta(MetaPnLCurrency, c.CurrentCurrency)
	c.SetMeta(MetaFinalHolding, c.CurrentAmount.String()+" "+c.CurrentCurrency)
}

func (c *Cycle) SetMeta(key, value string) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[key] = value
}

func (c *Cycle) Flagged() bool {
	if c.Metadata == nil {
		return false
	}
	_, review := c.Metadata[MetaNeedsReview]
	_, manual := c.Metadata[MetaManualReconciliation]
	return review || manual
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Cycle) Clone() *Cycle {
	if c == nil {
		return nil
	}
	out := *c
	out.Path = slices.Clone(c.Path)
	out.Markets = slices.Clone(c.Markets)
	out.Orders = slices.Clone(c.Orders)
	out.Metadata = maps.Clone(c.Metadata)
	if c.InFlight != nil {
		inflight := *c.InFlight
		out.InFlight = &inflight
	}
	return &out
}
