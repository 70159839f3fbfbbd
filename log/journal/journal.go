// Package journal persists log records through an insert function. Records
// are queued and written by a single goroutine so logging never blocks on
// the database.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueFull = errors.New("journal: queue full")
	ErrClosed    = errors.New("journal: closed")
)

// cycleKey is lifted out of the attributes into Entry.CycleID.
const cycleKey = "cycle_id"

type Entry struct {
	Time    time.Time
	Level   slog.Level
	Scope   string
	CycleID string
	Message string
	Attrs   []byte
	Source  string
}

type InsertFunc func(context.Context, Entry) error

type Option func(*config)

type config struct {
	minLevel  slog.Leveler
	queueSize int
}

func WithMinLevel(level slog.Leveler) Option {
	return func(c *config) {
		c.minLevel = level
	}
}

func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// Handler is a slog.Handler writing to a journal. Clones made by WithAttrs
// and WithGroup share the writer.
type Handler struct {
	w       *writer
	attrs   []slog.Attr
	groups  []string
	cycleID string
}

type writer struct {
	insert   InsertFunc
	minLevel slog.Leveler
	done     chan struct{}
	dropped  atomic.Int64

	mu     sync.RWMutex
	queue  chan Entry
	closed bool
}

func New(insert InsertFunc, opts ...Option) (*Handler, error) {
	if insert == nil {
		return nil, errors.New("journal: insert function is required")
	}
	c := config{minLevel: slog.LevelWarn, queueSize: 256}
	for _, opt := range opts {
		opt(&c)
	}
	w := &writer{
		insert:   insert,
		minLevel: c.minLevel,
		queue:    make(chan Entry, c.queueSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return &Handler{w: w}, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.w.minLevel.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	if !h.Enabled(context.Background(), r.Level) {
		return nil
	}
	e := Entry{
		Time:    r.Time,
		Level:   r.Level,
		Scope:   strings.Join(h.groups, "."),
		CycleID: h.cycleID,
		Message: r.Message,
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if f := r.Source(); f != nil && f.File != "" {
		e.Source = fmt.Sprintf("%s:%d", f.File, f.Line)
	}

	tree := map[string]any{}
	for _, a := range h.attrs {
		insert(tree, a)
	}
	target := tree
	for _, g := range h.groups {
		target = child(target, g)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == cycleKey && e.CycleID == "" {
			e.CycleID = a.Value.String()
		}
		insert(target, a)
		return true
	})
	e.Attrs = []byte("{}")
	if len(tree) > 0 {
		if raw, err := json.Marshal(tree); err == nil {
			e.Attrs = raw
		}
	}

	h.w.mu.RLock()
	defer h.w.mu.RUnlock()
	if h.w.closed {
		return ErrClosed
	}
	select {
	case h.w.queue <- e:
		return nil
	default:
		h.w.dropped.Add(1)
		return ErrQueueFull
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	for _, a := range attrs {
		if len(h.groups) == 0 && a.Key == cycleKey {
			clone.cycleID = a.Value.String()
		}
		// attributes added inside a group belong to that group
		for i := len(h.groups) - 1; i >= 0; i-- {
			a = slog.Group(h.groups[i], a)
		}
		clone.attrs = append(clone.attrs, a)
	}
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *Handler) clone() *Handler {
	return &Handler{
		w:       h.w,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		groups:  append([]string(nil), h.groups...),
		cycleID: h.cycleID,
	}
}

// Dropped counts records lost to a full queue.
func (h *Handler) Dropped() int64 {
	return h.w.dropped.Load()
}

// Close stops intake and waits until queued records are written or ctx is
// done.
func (h *Handler) Close(ctx context.Context) error {
	h.w.mu.Lock()
	if !h.w.closed {
		h.w.closed = true
		close(h.w.queue)
	}
	h.w.mu.Unlock()

	select {
	case <-h.w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) run() {
	defer close(w.done)
	for e := range w.queue {
		// a failed insert cannot be logged without recursing into the journal
		_ = w.insert(context.Background(), e)
	}
}

func child(m map[string]any, name string) map[string]any {
	if next, ok := m[name].(map[string]any); ok {
		return next
	}
	next := map[string]any{}
	m[name] = next
	return next
}

func insert(m map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		target := m
		if a.Key != "" {
			target = child(m, a.Key)
		}
		for _, c := range v.Group() {
			insert(target, c)
		}
		return
	}
	if a.Key == "" {
		return
	}
	switch v.Kind() {
	case slog.KindDuration:
		m[a.Key] = v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			m[a.Key] = err.Error()
			return
		}
		m[a.Key] = v.Any()
	default:
		m[a.Key] = v.Any()
	}
}
