package storage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/recomma/arbiter/arbiter"
)

type cycleBackend interface {
	SaveCycle(ctx context.Context, c *arbiter.Cycle) error
	LoadCycle(ctx context.Context, id string) (*arbiter.Cycle, bool, error)
	ListOpenCycles(ctx context.Context) ([]*arbiter.Cycle, error)
	RecordEvent(ctx context.Context, ev Event) error
}

// Cache keeps the latest snapshot of every open cycle in memory and writes
// them to the backend in batches. SaveSync bypasses batching for writes that
// must be durable before the caller continues.
type Cache struct {
	backend   cycleBackend
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	flushMu sync.Mutex
	mu      sync.Mutex
	cycles  map[string]*arbiter.Cycle
	dirty   map[string]struct{}
	kick    chan struct{}
}

type CacheOption func(*Cache)

func WithBatchSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCache(backend cycleBackend, opts ...CacheOption) *Cache {
	c := &Cache{
		backend:   backend,
		batchSize: 10,
		interval:  time.Second,
		logger:    slog.Default(),
		cycles:    make(map[string]*arbiter.Cycle),
		dirty:     make(map[string]struct{}),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithGroup("cache")
	return c
}

// Save records a snapshot of cyc. Terminal cycles are written through
// immediately; everything else waits for the next flush.
func (c *Cache) Save(ctx context.Context, cyc *arbiter.Cycle) error {
	if cyc.State.Terminal() {
		return c.SaveSync(ctx, cyc)
	}

	snap := cyc.Clone()
	c.mu.Lock()
	c.cycles[snap.ID] = snap
	c.dirty[snap.ID] = struct{}{}
	full := len(c.dirty) >= c.batchSize
	c.mu.Unlock()

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// SaveSync writes cyc to the backend before returning.
func (c *Cache) SaveSync(ctx context.Context, cyc *arbiter.Cycle) error {
	snap := cyc.Clone()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if err := c.backend.SaveCycle(ctx, snap); err != nil {
		c.mu.Lock()
		c.cycles[snap.ID] = snap
		if !errors.Is(err, ErrCycleImmutable) {
			c.dirty[snap.ID] = struct{}{}
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	delete(c.dirty, snap.ID)
	if snap.State.Terminal() {
		delete(c.cycles, snap.ID)
	} else {
		c.cycles[snap.ID] = snap
	}
	c.mu.Unlock()
	return nil
}

// Flush writes every pending snapshot. Failed writes stay pending.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	pending := make([]*arbiter.Cycle, 0, len(c.dirty))
	for id := range c.dirty {
		pending = append(pending, c.cycles[id])
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	var errs []error
	for _, snap := range pending {
		err := c.backend.SaveCycle(ctx, snap)
		if err != nil && !errors.Is(err, ErrCycleImmutable) {
			errs = append(errs, err)
			continue
		}
		c.mu.Lock()
		// a newer snapshot may have arrived while writing
		if c.cycles[snap.ID] == snap {
			delete(c.dirty, snap.ID)
			if snap.State.Terminal() || err != nil {
				delete(c.cycles, snap.ID)
			}
		}
		c.mu.Unlock()
	}

	if len(errs) > 0 {
		c.logger.Warn("flush incomplete", slog.Int("failed", len(errs)), slog.Int("batch", len(pending)))
		return errors.Join(errs...)
	}
	c.logger.Debug("flushed", slog.Int("batch", len(pending)))
	return nil
}

// Get returns the cached snapshot or falls back to the backend.
func (c *Cache) Get(ctx context.Context, id string) (*arbiter.Cycle, bool, error) {
	c.mu.Lock()
	snap, ok := c.cycles[id]
	c.mu.Unlock()
	if ok {
		return snap.Clone(), true, nil
	}
	return c.backend.LoadCycle(ctx, id)
}

// ListOpenCycles flushes pending writes, then lists open cycles from the
// backend.
func (c *Cache) ListOpenCycles(ctx context.Context) ([]*arbiter.Cycle, error) {
	if err := c.Flush(ctx); err != nil {
		return nil, err
	}
	return c.backend.ListOpenCycles(ctx)
}

func (c *Cache) RecordEvent(ctx context.Context, ev Event) error {
	return c.backend.RecordEvent(ctx, ev)
}

// Pending returns the number of snapshots not yet written.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// Run flushes on every interval and whenever a batch fills up. A final flush
// runs when ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Flush(flushCtx); err != nil {
				c.logger.Error("final flush failed", slog.String("error", err.Error()))
			}
			cancel()
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if err := c.Flush(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("flush failed", slog.String("error", err.Error()))
		}
	}
}
