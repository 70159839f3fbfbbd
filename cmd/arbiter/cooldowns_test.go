package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cooldown"
	"github.com/recomma/arbiter/storage"
)

func TestCooldownsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	seed := cooldown.New(path, cooldown.WithLogger(discardLogger()))
	require.NoError(t, seed.Set("BTC->ETH->USDT", 5*time.Minute, time.Now()))

	run := func(args ...string) (int, string, string) {
		var stdout, stderr bytes.Buffer
		code := runCooldowns(append([]string{"--cooldown-path", path}, args...), &stdout, &stderr)
		return code, stdout.String(), stderr.String()
	}

	code, out, _ := run("list")
	require.Equal(t, 0, code)
	require.Contains(t, out, "ROUTE")
	require.Contains(t, out, "BTC->ETH->USDT")

	code, out, _ = run("extend", "btc -> eth -> usdt", "60")
	require.Equal(t, 0, code)
	require.Contains(t, out, "BTC->ETH->USDT cooling down for 6m")

	code, _, errOut := run("clear", "BTC->ETH->USDT")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "without --yes")

	code, out, _ = run("clear", "BTC->ETH->USDT", "--yes")
	require.Equal(t, 0, code)
	require.Contains(t, out, "cleared BTC->ETH->USDT")

	code, out, _ = run("clear", "BTC->ETH->USDT", "--yes")
	require.Equal(t, 1, code)
	require.Contains(t, out, "no active cooldown")

	code, _, errOut = run("shorten", "BTC->ETH->USDT", "soon")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, `invalid seconds "soon"`)

	code, _, errOut = run("reset")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "usage:")
}

func TestFlaggedCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbiter.sqlite3")
	store, err := storage.New(path)
	require.NoError(t, err)

	c := &arbiter.Cycle{
		ID:              "cyc-1",
		StrategyName:    "triangular",
		Path:            []string{"BTC", "ETH", "USDT"},
		Markets:         []string{"ETH/BTC", "ETH/USDT", "BTC/USDT"},
		RouteKey:        "BTC->ETH->USDT",
		InitialAmount:   decimal.RequireFromString("0.1"),
		CurrentAmount:   decimal.RequireFromString("2"),
		CurrentCurrency: "ETH",
		State:           arbiter.StateFailed,
		StartTime:       time.Now().Add(-time.Hour),
		UpdatedAt:       time.Now(),
		Metadata:        map[string]string{arbiter.MetaManualReconciliation: "panic sell exhausted"},
	}
	require.NoError(t, store.SaveCycle(context.Background(), c))
	require.NoError(t, store.Close())

	var stdout, stderr bytes.Buffer
	code := runFlagged([]string{"--storage-path", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "cyc-1")
	require.Contains(t, stdout.String(), "2 ETH")
	require.Contains(t, stdout.String(), "panic sell exhausted")
}
