// Package suppress rate limits repeated (key, reason) notifications such as
// the same violation being logged for the same route over and over.
package suppress

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultHistorySize = 100
	defaultRetention   = 24 * time.Hour
	maxEvaluations     = 50_000
)

// Record describes a (key, reason) pair that has been suppressed.
type Record struct {
	Key       string
	Reason    string
	FirstSeen time.Time
	LastSeen  time.Time
	Count     int
}

// Offender is a pair ranked by how often it was suppressed.
type Offender struct {
	Key        string
	Reason     string
	Suppressed int
}

// Summary aggregates suppression activity over a window.
type Summary struct {
	Window             time.Duration
	Evaluations        int
	TotalSuppressed    int
	UniquePairs        int
	SuppressionRatePct float64
	TopOffenders       []Offender
}

type Config struct {
	// Window is how long a repeat of an allowed pair is suppressed. Values
	// <= 0 disable suppression.
	Window time.Duration
	// HistorySize caps the FIFO of suppressed pairs kept for operators.
	HistorySize int
	// Retention bounds how far back Summary can look.
	Retention time.Duration
}

type pair struct {
	key    string
	reason string
}

type entry struct {
	record Record
}

type evaluation struct {
	at         time.Time
	pair       pair
	suppressed bool
}

// Suppressor is safe for concurrent use.
type Suppressor struct {
	mu          sync.Mutex
	cfg         Config
	cache       map[pair]*entry
	history     []Record
	evaluations []evaluation
}

func New(cfg Config) *Suppressor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Suppressor{
		cfg:   cfg,
		cache: make(map[pair]*entry),
	}
}

func (s *Suppressor) Window() time.Duration {
	return s.cfg.Window
}

// ShouldSuppress decides whether an occurrence of (key, reason) at now is a
// duplicate. Execution events and first sightings are never suppressed. A
// repeat within window of the pair's last sighting is suppressed, so a
// steady stream stays quiet until it pauses for longer than window.
func (s *Suppressor) ShouldSuppress(key, reason string, isExecution bool, now time.Time) bool {
	if s.cfg.Window <= 0 || isExecution {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := pair{key: key, reason: reason}
	e, ok := s.cache[p]
	if !ok {
		s.cache[p] = &entry{
			record: Record{Key: key, Reason: reason, FirstSeen: now, LastSeen: now},
		}
		s.observe(p, false, now)
		return false
	}

	if now.Sub(e.record.LastSeen) > s.cfg.Window {
		e.record.FirstSeen = now
		e.record.LastSeen = now
		e.record.Count = 0
		s.observe(p, false, now)
		return false
	}

	e.record.Count++
	e.record.LastSeen = now
	s.remember(e.record)
	s.observe(p, true, now)
	return true
}

// remember updates the history in place or appends, evicting the oldest
// record when full. Must be called with s.mu held.
func (s *Suppressor) remember(r Record) {
	for i := range s.history {
		if s.history[i].Key == r.Key && s.history[i].Reason == r.Reason {
			s.history[i] = r
			return
		}
	}
	s.history = append(s.history, r)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// observe appends to the evaluation log used for rates. Must be called with
// s.mu held.
func (s *Suppressor) observe(p pair, suppressed bool, now time.Time) {
	s.evaluations = append(s.evaluations, evaluation{at: now, pair: p, suppressed: suppressed})
	s.trimEvaluations(now)
}

func (s *Suppressor) trimEvaluations(now time.Time) {
	cutoff := now.Add(-s.cfg.Retention)
	drop := 0
	for drop < len(s.evaluations) && s.evaluations[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(s.evaluations) - drop - maxEvaluations; over > 0 {
		drop += over
	}
	if drop > 0 {
		s.evaluations = append(s.evaluations[:0:0], s.evaluations[drop:]...)
	}
}

// Recent returns up to limit suppressed pairs, most recently seen first.
func (s *Suppressor) Recent(limit int) []Record {
	s.mu.Lock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Summary describes the suppressed pairs last seen within window of now:
// their total suppression count, how many there are and the worst three.
// The rate divides the suppressions evaluated within window by all
// evaluations within window.
func (s *Suppressor) Summary(window time.Duration, now time.Time) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{Window: window}
	cutoff := now.Add(-window)
	inWindow := func(at time.Time) bool { return window <= 0 || !at.Before(cutoff) }

	suppressed := 0
	for _, ev := range s.evaluations {
		if !inWindow(ev.at) {
			continue
		}
		sum.Evaluations++
		if ev.suppressed {
			suppressed++
		}
	}
	if sum.Evaluations > 0 {
		sum.SuppressionRatePct = float64(suppressed) / float64(sum.Evaluations) * 100
	}

	for _, r := range s.history {
		if r.Count == 0 || !inWindow(r.LastSeen) {
			continue
		}
		sum.TotalSuppressed += r.Count
		sum.UniquePairs++
		sum.TopOffenders = append(sum.TopOffenders, Offender{Key: r.Key, Reason: r.Reason, Suppressed: r.Count})
	}
	sort.Slice(sum.TopOffenders, func(i, j int) bool {
		a, b := sum.TopOffenders[i], sum.TopOffenders[j]
		if a.Suppressed != b.Suppressed {
			return a.Suppressed > b.Suppressed
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Reason < b.Reason
	})
	if len(sum.TopOffenders) > 3 {
		sum.TopOffenders = sum.TopOffenders[:3]
	}
	return sum
}

// Health reports unhealthy when the suppression rate over window exceeds
// maxRatePct, which usually means something upstream is looping.
func (s *Suppressor) Health(window time.Duration, maxRatePct float64, now time.Time) (bool, string) {
	sum := s.Summary(window, now)
	if sum.Evaluations == 0 {
		return true, "no activity"
	}
	msg := fmt.Sprintf("suppression rate %.1f%% over %s (%d evaluations, %d suppressed across %d pairs)",
		sum.SuppressionRatePct, window, sum.Evaluations, sum.TotalSuppressed, sum.UniquePairs)
	if sum.SuppressionRatePct > maxRatePct {
		if len(sum.TopOffenders) > 0 {
			top := sum.TopOffenders[0]
			msg += fmt.Sprintf("; top offender %s/%s", top.Key, top.Reason)
		}
		return false, msg
	}
	return true, msg
}

// Prune drops cache entries whose window lapsed before now.
func (s *Suppressor) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for p, e := range s.cache {
		if now.Sub(e.record.LastSeen) > s.cfg.Window {
			delete(s.cache, p)
			removed++
		}
	}
	s.trimEvaluations(now)
	return removed
}
