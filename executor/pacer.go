package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action is the kind of venue call a Pacer spaces out.
type Action int

const (
	ActionPlace Action = iota
	ActionQuery
	ActionCancel
	actionCount
)

func (a Action) String() string {
	switch a {
	case ActionPlace:
		return "place"
	case ActionQuery:
		return "query"
	case ActionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Pacer spaces venue calls and pauses all of them after the venue throttles
// us. Implementations must be safe for concurrent use.
type Pacer interface {
	Wait(ctx context.Context, a Action) error
	// Throttle pauses every action and returns the pause applied.
	Throttle(base time.Duration) time.Duration
}

// PacerConfig holds the minimum gap between calls of each kind. Zero means
// unspaced.
type PacerConfig struct {
	PlaceSpacing  time.Duration
	QuerySpacing  time.Duration
	CancelSpacing time.Duration
	// MaxPause caps the throttle pause, which doubles for every throttle
	// arriving within MaxPause of the previous one. Zero keeps the pause at
	// the base.
	MaxPause time.Duration
}

func NewPacer(cfg PacerConfig) Pacer {
	p := &venuePacer{maxPause: cfg.MaxPause}
	p.limiters[ActionPlace] = spacedLimiter(cfg.PlaceSpacing)
	p.limiters[ActionQuery] = spacedLimiter(cfg.QuerySpacing)
	p.limiters[ActionCancel] = spacedLimiter(cfg.CancelSpacing)
	return p
}

func spacedLimiter(spacing time.Duration) *rate.Limiter {
	if spacing <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(spacing), 1)
}

type venuePacer struct {
	limiters [actionCount]*rate.Limiter

	mu           sync.Mutex
	paused       time.Time
	maxPause     time.Duration
	strikes      int
	lastThrottle time.Time
}

// Wait sits out any throttle pause, then takes the action's next slot.
func (p *venuePacer) Wait(ctx context.Context, a Action) error {
	for {
		p.mu.Lock()
		until := p.paused
		p.mu.Unlock()

		d := time.Until(until)
		if d <= 0 {
			break
		}
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	return p.limiters[a].Wait(ctx)
}

func (p *venuePacer) Throttle(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.maxPause <= 0 || p.lastThrottle.IsZero() || now.Sub(p.lastThrottle) > p.maxPause {
		p.strikes = 0
	}
	p.lastThrottle = now

	pause := base
	for range p.strikes {
		pause *= 2
		if pause >= p.maxPause {
			pause = p.maxPause
			break
		}
	}
	if pause < p.maxPause {
		p.strikes++
	}

	if until := now.Add(pause); until.After(p.paused) {
		p.paused = until
	}
	return pause
}

type unpaced struct{}

func (unpaced) Wait(ctx context.Context, _ Action) error { return ctx.Err() }
func (unpaced) Throttle(time.Duration) time.Duration     { return 0 }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
