// Package operator is the administrative surface over the engine's risk
// state: cooldown management, suppression views, flagged cycles and health.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cooldown"
	"github.com/recomma/arbiter/suppress"
)

var ErrNoStore = errors.New("operator: no cycle store configured")

// FlaggedSource lists cycles that carry a manual reconciliation or review
// marker.
type FlaggedSource interface {
	ListFlaggedCycles(ctx context.Context) ([]*arbiter.Cycle, error)
}

// SlotStats reports concurrency slot usage.
type SlotStats interface {
	Stats() (active, capacity int)
}

type Service struct {
	cooldowns  *cooldown.Store
	suppressor *suppress.Suppressor
	flagged    FlaggedSource
	slots      SlotStats
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Service)

func WithFlaggedSource(src FlaggedSource) Option {
	return func(s *Service) {
		s.flagged = src
	}
}

func WithSlots(slots SlotStats) Option {
	return func(s *Service) {
		s.slots = slots
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(cooldowns *cooldown.Store, suppressor *suppress.Suppressor, opts ...Option) *Service {
	s := &Service{
		cooldowns:  cooldowns,
		suppressor: suppressor,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithGroup("operator")
	return s
}

// ActiveCooldowns lists unexpired cooldowns, longest remaining first.
func (s *Service) ActiveCooldowns() []cooldown.Entry {
	return s.cooldowns.ListActive(s.now())
}

// ClearCooldown removes the cooldown on route and reports whether an active
// one was removed.
func (s *Service) ClearCooldown(route string) (bool, error) {
	route = NormalizeRoute(route)
	cleared, err := s.cooldowns.Clear(route, s.now())
	if err != nil {
		return cleared, fmt.Errorf("clear cooldown %s: %w", route, err)
	}
	if cleared {
		s.logger.Info("cooldown cleared", slog.String("route", route))
	}
	return cleared, nil
}

func (s *Service) ExtendCooldown(route string, secs float64) error {
	route = NormalizeRoute(route)
	d, err := seconds(secs)
	if err != nil {
		return err
	}
	if err := s.cooldowns.Extend(route, d, s.now()); err != nil {
		return fmt.Errorf("extend cooldown %s: %w", route, err)
	}
	s.logger.Info("cooldown extended", slog.String("route", route), slog.Duration("by", d))
	return nil
}

func (s *Service) ShortenCooldown(route string, secs float64) error {
	route = NormalizeRoute(route)
	d, err := seconds(secs)
	if err != nil {
		return err
	}
	if err := s.cooldowns.Shorten(route, d, s.now()); err != nil {
		return fmt.Errorf("shorten cooldown %s: %w", route, err)
	}
	s.logger.Info("cooldown shortened", slog.String("route", route), slog.Duration("by", d))
	return nil
}

func (s *Service) RecentSuppressed(limit int) []suppress.Record {
	return s.suppressor.Recent(limit)
}

func (s *Service) SuppressionSummary(window time.Duration) suppress.Summary {
	return s.suppressor.Summary(window, s.now())
}

// HealthCheck is unhealthy when the suppression rate over window exceeds
// maxRatePct.
func (s *Service) HealthCheck(window time.Duration, maxRatePct float64) (bool, string) {
	return s.suppressor.Health(window, maxRatePct, s.now())
}

// FlaggedCycles lists cycles waiting for a human.
func (s *Service) FlaggedCycles(ctx context.Context) ([]*arbiter.Cycle, error) {
	if s.flagged == nil {
		return nil, ErrNoStore
	}
	return s.flagged.ListFlaggedCycles(ctx)
}

// Status is the snapshot served on the health endpoint.
type Status struct {
	Healthy         bool     `json:"healthy"`
	Message         string   `json:"message"`
	ActiveSlots     int      `json:"active_slots"`
	SlotCapacity    int      `json:"slot_capacity"`
	ActiveCooldowns []string `json:"active_cooldowns"`
	FlaggedCycles   []string `json:"flagged_cycles,omitempty"`
}

// Status combines the health check with slot, cooldown and flagged cycle
// counts. Flagged cycles never make the service unhealthy.
func (s *Service) Status(ctx context.Context, window time.Duration, maxRatePct float64) Status {
	st := Status{ActiveCooldowns: []string{}}
	st.Healthy, st.Message = s.HealthCheck(window, maxRatePct)
	if s.slots != nil {
		st.ActiveSlots, st.SlotCapacity = s.slots.Stats()
	}
	for _, e := range s.ActiveCooldowns() {
		st.ActiveCooldowns = append(st.ActiveCooldowns, e.Route)
	}
	if s.flagged != nil {
		cycles, err := s.flagged.ListFlaggedCycles(ctx)
		if err != nil {
			s.logger.Warn("could not list flagged cycles", slog.String("error", err.Error()))
		}
		for _, c := range cycles {
			st.FlaggedCycles = append(st.FlaggedCycles, c.ID)
		}
	}
	return st
}

func seconds(secs float64) (time.Duration, error) {
	if secs < 0 {
		return 0, fmt.Errorf("seconds must not be negative, got %v", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// NormalizeRoute accepts routes typed with or without spaces around the
// arrows and in any case.
func NormalizeRoute(route string) string {
	parts := strings.Split(route, "->")
	for i, p := range parts {
		parts[i] = strings.ToUpper(strings.TrimSpace(p))
	}
	return strings.Join(parts, "->")
}
