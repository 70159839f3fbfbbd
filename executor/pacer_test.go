package executor

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
)

// requireElapsed allows for the rounding of token arithmetic.
func requireElapsed(t *testing.T, start time.Time, want time.Duration, msgAndArgs ...any) {
	t.Helper()
	require.InDelta(t, want, time.Since(start), float64(time.Millisecond), msgAndArgs...)
}

func TestPacerSpacesEachActionSeparately(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := NewPacer(PacerConfig{PlaceSpacing: 200 * time.Millisecond, QuerySpacing: 50 * time.Millisecond})
		ctx := context.Background()

		start := time.Now()
		require.NoError(t, p.Wait(ctx, ActionPlace))
		require.NoError(t, p.Wait(ctx, ActionQuery))
		require.NoError(t, p.Wait(ctx, ActionQuery))
		requireElapsed(t, start, 50*time.Millisecond, "queries do not wait on the place spacing")

		require.NoError(t, p.Wait(ctx, ActionPlace))
		requireElapsed(t, start, 200*time.Millisecond)

		require.NoError(t, p.Wait(ctx, ActionCancel))
		require.NoError(t, p.Wait(ctx, ActionCancel))
		requireElapsed(t, start, 200*time.Millisecond, "cancels are unspaced")
	})
}

func TestPacerThrottlePausesEverything(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := NewPacer(PacerConfig{PlaceSpacing: 50 * time.Millisecond})
		ctx := context.Background()

		start := time.Now()
		require.NoError(t, p.Wait(ctx, ActionPlace))
		require.Equal(t, 10*time.Second, p.Throttle(10*time.Second))
		require.Equal(t, time.Second, p.Throttle(time.Second), "a shorter pause does not shorten the current one")

		require.NoError(t, p.Wait(ctx, ActionQuery))
		requireElapsed(t, start, 10*time.Second)
		require.NoError(t, p.Wait(ctx, ActionPlace))
		requireElapsed(t, start, 10*time.Second)
	})
}

func TestPacerThrottleEscalates(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := NewPacer(PacerConfig{MaxPause: 8 * time.Second})

		var pauses []time.Duration
		for range 5 {
			pauses = append(pauses, p.Throttle(time.Second))
			time.Sleep(time.Second)
		}
		require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}, pauses)

		time.Sleep(9 * time.Second)
		require.Equal(t, time.Second, p.Throttle(time.Second), "a quiet spell resets the pause")
	})
}

func TestPacerWithoutCapKeepsBasePause(t *testing.T) {
	p := NewPacer(PacerConfig{})
	require.Equal(t, time.Second, p.Throttle(time.Second))
	require.Equal(t, time.Second, p.Throttle(time.Second))
	require.Zero(t, p.Throttle(0))
}

func TestPacerContextCancelled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := NewPacer(PacerConfig{PlaceSpacing: time.Second})
		require.NoError(t, p.Wait(context.Background(), ActionPlace))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()
		require.ErrorIs(t, p.Wait(ctx, ActionPlace), context.Canceled)

		p.Throttle(time.Minute)
		require.ErrorIs(t, p.Wait(ctx, ActionQuery), context.Canceled, "a pause honours the context too")
	})
}
