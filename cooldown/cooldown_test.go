package cooldown

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "cooldowns.json")
	return New(path), path
}

func TestSetAndRemaining(t *testing.T) {
	s, _ := newTestStore(t)
	route := "BTC->ETH->USDT"

	require.Zero(t, s.Remaining(route, base))
	require.NoError(t, s.Set(route, time.Minute, base))

	require.Equal(t, time.Minute, s.Remaining(route, base))
	require.Equal(t, 30*time.Second, s.Remaining(route, base.Add(30*time.Second)))
	require.True(t, s.Active(route, base.Add(59*time.Second)))

	require.Zero(t, s.Remaining(route, base.Add(time.Minute)), "expired entries never report remaining time")
	require.Empty(t, s.ListActive(base))
}

func TestSetKeepsLaterExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Set("A->B->C", 10*time.Minute, base))
	require.NoError(t, s.Set("A->B->C", time.Minute, base))
	require.Equal(t, 10*time.Minute, s.Remaining("A->B->C", base))
}

func TestPersistAndLoad(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Set("BTC->ETH->USDT", 2*time.Minute, base))
	require.NoError(t, s.Set("SOL->USDC->USDT", 10*time.Second, base))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]float64
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.InDelta(t, float64(base.Add(2*time.Minute).Unix()), onDisk["BTC->ETH->USDT"], 1e-3)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	require.Empty(t, matches, "temp files are renamed away")

	reloaded := New(path)
	require.NoError(t, reloaded.Load(base.Add(time.Minute)))

	active := reloaded.ListActive(base.Add(time.Minute))
	require.Len(t, active, 1, "expired entries are dropped on load")
	require.Equal(t, "BTC->ETH->USDT", active[0].Route)
	require.InDelta(t, float64(time.Minute), float64(active[0].Remaining), float64(time.Millisecond))
}

func TestLoadMissingFile(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Load(base))
	require.Empty(t, s.ListActive(base))
}

func TestLoadCorruptFile(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	require.Error(t, s.Load(base))
}

func TestClearExtendShorten(t *testing.T) {
	s, path := newTestStore(t)
	route := "BTC->ETH->USDT"

	cleared, err := s.Clear(route, base)
	require.NoError(t, err)
	require.False(t, cleared)

	require.NoError(t, s.Set(route, time.Minute, base))
	require.NoError(t, s.Extend(route, 30*time.Second, base))
	require.Equal(t, 90*time.Second, s.Remaining(route, base))

	require.NoError(t, s.Shorten(route, 60*time.Second, base))
	require.Equal(t, 30*time.Second, s.Remaining(route, base))

	require.NoError(t, s.Shorten(route, time.Hour, base))
	require.Zero(t, s.Remaining(route, base), "shortening past now removes the cooldown")

	require.NoError(t, s.Extend("X->Y->Z", time.Minute, base))
	require.Equal(t, time.Minute, s.Remaining("X->Y->Z", base), "extending an absent route starts a cooldown")

	cleared, err = s.Clear("X->Y->Z", base)
	require.NoError(t, err)
	require.True(t, cleared)

	reloaded := New(path)
	require.NoError(t, reloaded.Load(base))
	require.Empty(t, reloaded.ListActive(base))

	require.Error(t, s.Extend(route, -time.Second, base))
}

func TestListActiveOrdering(t *testing.T) {
	s := New("")
	require.NoError(t, s.Set("short", 10*time.Second, base))
	require.NoError(t, s.Set("long", 10*time.Minute, base))
	require.NoError(t, s.Set("mid", time.Minute, base))

	active := s.ListActive(base)
	require.Len(t, active, 3)
	require.Equal(t, []string{"long", "mid", "short"}, []string{active[0].Route, active[1].Route, active[2].Route})
}
