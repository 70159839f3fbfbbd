package arbiter

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidOpportunity    = errors.New("arbiter: invalid opportunity")
	ErrInvalidMarket         = errors.New("arbiter: invalid market")
	ErrInsufficientBalance   = errors.New("arbiter: insufficient balance")
	ErrOrderRejected         = errors.New("arbiter: order rejected")
	ErrNetwork               = errors.New("arbiter: network error")
	ErrRateLimited           = errors.New("arbiter: rate limited")
	ErrOrderNotFound         = errors.New("arbiter: order not found")
	ErrPanicSellPathNotFound = errors.New("arbiter: no liquidation path")
	ErrInvalidTransition     = errors.New("arbiter: invalid state transition")
	ErrInterrupted           = errors.New("arbiter: cycle interrupted")
)

// Retryable reports whether an order placement error may succeed when the
// leg is submitted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrOrderRejected) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}

// LatencyViolation is returned when a leg took longer than allowed to settle.
type LatencyViolation struct {
	Leg     int
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *LatencyViolation) Error() string {
	return fmt.Sprintf("leg %d latency %s exceeds %s", e.Leg, e.Elapsed, e.Limit)
}

// SlippageViolation is returned when a fill deviated too far from the
// expected price. Bps is signed: positive is adverse.
type SlippageViolation struct {
	Leg      int
	Bps      float64
	LimitBps float64
}

func (e *SlippageViolation) Error() string {
	return fmt.Sprintf("leg %d slippage %.1fbps exceeds %.1fbps", e.Leg, e.Bps, e.LimitBps)
}

// RecoveryIntegrityError means the exchange disagrees with what was
// persisted for a cycle; the cycle must not be resumed automatically.
type RecoveryIntegrityError struct {
	CycleID string
	Leg     int
	Reason  string
}

func (e *RecoveryIntegrityError) Error() string {
	return fmt.Sprintf("cycle %s leg %d: %s", e.CycleID, e.Leg, e.Reason)
}

// IsViolation reports whether err is a risk violation that should trigger a
// cooldown and liquidation.
func IsViolation(err error) bool {
	var lat *LatencyViolation
	var slip *SlippageViolation
	return errors.As(err, &lat) || errors.As(err, &slip)
}

// ViolationKind names the violation for logs, events and metrics.
func ViolationKind(err error) string {
	var lat *LatencyViolation
	var slip *SlippageViolation
	switch {
	case errors.As(err, &lat):
		return "latency"
	case errors.As(err, &slip):
		return "slippage"
	case errors.Is(err, ErrOrderRejected):
		return "rejected"
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrRateLimited):
		return "network"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidMarket):
		return "invalid_market"
	default:
		return "error"
	}
}
