// Package cooldown keeps per-route cooldowns in memory and mirrors them to a
// JSON file so they survive restarts.
package cooldown

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is an active cooldown.
type Entry struct {
	Route     string
	ExpiresAt time.Time
	Remaining time.Duration
}

// Store maps route keys to cooldown expiries. Every mutation rewrites the
// state file atomically; an empty path keeps the store in memory only.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]time.Time
	logger  *slog.Logger
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.WithGroup("cooldown")
		}
	}
}

func New(path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		entries: make(map[string]time.Time),
		logger:  slog.Default().WithGroup("cooldown"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory state with the file contents, dropping entries
// that already expired. A missing file is not an error.
func (s *Store) Load(now time.Time) error {
	if s.path == "" {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cooldown state %s: %w", s.path, err)
	}

	var persisted map[string]float64
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return fmt.Errorf("parse cooldown state %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]time.Time, len(persisted))
	dropped := 0
	for route, expiry := range persisted {
		at := fromUnix(expiry)
		if !at.After(now) {
			dropped++
			continue
		}
		s.entries[route] = at
	}

	s.logger.Info("loaded cooldowns",
		slog.String("path", s.path),
		slog.Int("active", len(s.entries)),
		slog.Int("expired", dropped),
	)
	return nil
}

// Set starts a cooldown of d on route. An existing later expiry is kept.
func (s *Store) Set(route string, d time.Duration, now time.Time) error {
	if d <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := now.Add(d)
	if current, ok := s.entries[route]; ok && current.After(expiry) {
		return nil
	}
	s.entries[route] = expiry
	return s.persistLocked(now)
}

// Remaining returns how long route stays cooled down, or zero.
func (s *Store) Remaining(route string, now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[route]
	if !ok {
		return 0
	}
	if !expiry.After(now) {
		delete(s.entries, route)
		return 0
	}
	return expiry.Sub(now)
}

// Active reports whether route is cooled down at now.
func (s *Store) Active(route string, now time.Time) bool {
	return s.Remaining(route, now) > 0
}

// Clear removes the cooldown for route. It reports whether one existed.
func (s *Store) Clear(route string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[route]
	if !ok {
		return false, nil
	}
	delete(s.entries, route)
	if err := s.persistLocked(now); err != nil {
		return true, err
	}
	return expiry.After(now), nil
}

// Extend pushes the expiry of route by d. A route without an active
// cooldown starts one of length d.
func (s *Store) Extend(route string, d time.Duration, now time.Time) error {
	if d < 0 {
		return fmt.Errorf("extend by negative duration %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base := now
	if expiry, ok := s.entries[route]; ok && expiry.After(now) {
		base = expiry
	}
	s.entries[route] = base.Add(d)
	return s.persistLocked(now)
}

// Shorten pulls the expiry of route in by d, removing it when it would lapse.
func (s *Store) Shorten(route string, d time.Duration, now time.Time) error {
	if d < 0 {
		return fmt.Errorf("shorten by negative duration %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[route]
	if !ok || !expiry.After(now) {
		delete(s.entries, route)
		return nil
	}
	next := expiry.Add(-d)
	if !next.After(now) {
		delete(s.entries, route)
	} else {
		s.entries[route] = next
	}
	return s.persistLocked(now)
}

// ListActive returns the active cooldowns, longest remaining first.
func (s *Store) ListActive(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for route, expiry := range s.entries {
		if !expiry.After(now) {
			delete(s.entries, route)
			continue
		}
		out = append(out, Entry{Route: route, ExpiresAt: expiry, Remaining: expiry.Sub(now)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Remaining == out[j].Remaining {
			return out[i].Route < out[j].Route
		}
		return out[i].Remaining > out[j].Remaining
	})
	return out
}

// persistLocked writes the unexpired entries to a temp file in the target
// directory and renames it over the state file. Must be called with s.mu held.
func (s *Store) persistLocked(now time.Time) error {
	if s.path == "" {
		return nil
	}

	out := make(map[string]float64, len(s.entries))
	for route, expiry := range s.entries {
		if !expiry.After(now) {
			delete(s.entries, route)
			continue
		}
		out[route] = toUnix(expiry)
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cooldown dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create cooldown temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cooldown temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync cooldown temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cooldown state: %w", err)
	}
	return nil
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
