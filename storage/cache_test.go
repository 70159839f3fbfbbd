package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/arbiter/arbiter"
)

func TestCacheBatchesUntilFlush(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	cache := NewCache(store, WithBatchSize(100))

	c := sampleCycle("c1")
	require.NoError(t, cache.Save(ctx, c))
	require.Equal(t, 1, cache.Pending())

	_, ok, err := store.LoadCycle(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok, "batched write must not reach the store before a flush")

	got, ok, err := cache.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, arbiter.StatePending, got.State)

	// mutating the caller's copy must not leak into the cache
	c.CurrentStep = 2
	got, _, _ = cache.Get(ctx, "c1")
	require.Equal(t, 0, got.CurrentStep)

	require.NoError(t, cache.Flush(ctx))
	require.Zero(t, cache.Pending())
	_, ok, err = store.LoadCycle(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheSaveSyncAndTerminalWriteThrough(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	cache := NewCache(store, WithBatchSize(100))

	c := sampleCycle("c1")
	require.NoError(t, cache.SaveSync(ctx, c))
	_, ok, err := store.LoadCycle(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Fail(arbiter.ErrInterrupted, t0))
	require.NoError(t, cache.Save(ctx, c))
	require.Zero(t, cache.Pending())

	got, _, err := store.LoadCycle(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, arbiter.StateFailed, got.State)
}

func TestCacheListOpenCyclesFlushesFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	cache := NewCache(store, WithBatchSize(100))

	require.NoError(t, cache.Save(ctx, sampleCycle("a")))
	require.NoError(t, cache.Save(ctx, sampleCycle("b")))

	cycles, err := cache.ListOpenCycles(ctx)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
}

func TestCacheRunFlushesFullBatch(t *testing.T) {
	store := newTestStorage(t)
	cache := NewCache(store, WithBatchSize(2), WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.Run(ctx)
		close(done)
	}()

	require.NoError(t, cache.Save(ctx, sampleCycle("a")))
	require.NoError(t, cache.Save(ctx, sampleCycle("b")))

	require.Eventually(t, func() bool { return cache.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cache.Save(ctx, sampleCycle("c")))
	cancel()
	<-done

	_, ok, err := store.LoadCycle(context.Background(), "c")
	require.NoError(t, err)
	require.True(t, ok, "final flush on shutdown")
}
