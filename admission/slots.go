package admission

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Slots bounds the number of concurrently open cycles. Reservations are
// keyed by cycle id and reclaimed once they outlive the TTL, so a cycle that
// never releases cannot starve admission forever.
type Slots struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	logger   *slog.Logger

	held map[string]time.Time
}

func NewSlots(capacity int, ttl time.Duration, logger *slog.Logger) *Slots {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Slots{
		capacity: capacity,
		ttl:      ttl,
		logger:   logger.WithGroup("slots"),
		held:     make(map[string]time.Time),
	}
}

// TryReserve grants a slot to cycleID when one is free. The check and the
// grant happen under one lock.
func (s *Slots) TryReserve(cycleID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reclaimLocked(now)
	if _, ok := s.held[cycleID]; ok {
		return true
	}
	if len(s.held) >= s.capacity {
		return false
	}
	s.held[cycleID] = now
	s.logger.Debug("slot reserved",
		slog.String("cycle_id", cycleID),
		slog.Int("active", len(s.held)),
		slog.Int("capacity", s.capacity),
	)
	return true
}

// ForceReserve grants a slot regardless of capacity. It is used for cycles
// resumed after a restart, which were admitted before the crash.
func (s *Slots) ForceReserve(cycleID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held[cycleID] = now
	if len(s.held) > s.capacity {
		s.logger.Warn("slots over capacity after resume",
			slog.String("cycle_id", cycleID),
			slog.Int("active", len(s.held)),
			slog.Int("capacity", s.capacity),
		)
	}
}

// Release frees the slot held by cycleID. It reports whether one was held.
func (s *Slots) Release(cycleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	acquired, ok := s.held[cycleID]
	if !ok {
		return false
	}
	delete(s.held, cycleID)
	s.logger.Debug("slot released",
		slog.String("cycle_id", cycleID),
		slog.Duration("held_for", time.Since(acquired)),
		slog.Int("active", len(s.held)),
	)
	return true
}

// Holds reports whether cycleID currently holds a slot.
func (s *Slots) Holds(cycleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[cycleID]
	return ok
}

// Reclaim drops reservations older than the TTL and returns their ids.
func (s *Slots) Reclaim(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimLocked(now)
}

// reclaimLocked must be called with s.mu held.
func (s *Slots) reclaimLocked(now time.Time) []string {
	if s.ttl <= 0 {
		return nil
	}
	var expired []string
	for id, acquired := range s.held {
		if now.Sub(acquired) >= s.ttl {
			delete(s.held, id)
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		sort.Strings(expired)
		s.logger.Warn("reclaimed expired slots",
			slog.Any("cycle_ids", expired),
			slog.Duration("ttl", s.ttl),
		)
	}
	return expired
}

// Reconcile drops every reservation not in active and returns the orphans.
func (s *Slots) Reconcile(active []string) []string {
	keep := make(map[string]struct{}, len(active))
	for _, id := range active {
		keep[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []string
	for id := range s.held {
		if _, ok := keep[id]; !ok {
			delete(s.held, id)
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		s.logger.Info("released orphaned slots", slog.Any("cycle_ids", orphans))
	}
	return orphans
}

// Stats returns the number of held slots and the capacity.
func (s *Slots) Stats() (active, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held), s.capacity
}

// Held lists the cycle ids currently holding a slot.
func (s *Slots) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.held))
	for id := range s.held {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
