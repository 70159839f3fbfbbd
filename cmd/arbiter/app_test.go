package main

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cmd/arbiter/internal/config"
	"github.com/recomma/arbiter/storage"
)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StoragePath = filepath.Join(dir, "arbiter.sqlite3")
	cfg.CooldownPath = filepath.Join(dir, "cooldowns.json")
	cfg.HTTPListen = "127.0.0.1:0"
	cfg.Workers = 2
	cfg.JanitorInterval = 50 * time.Millisecond

	fee := decimal.RequireFromString("0.001")
	cfg.File = config.File{
		Markets: []arbiter.Market{
			{Symbol: "ETH/BTC", Base: "ETH", Quote: "BTC", FeeRate: fee},
			{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", FeeRate: fee},
			{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", FeeRate: fee},
		},
		Paper: &config.PaperFile{
			Balances: map[string]decimal.Decimal{"BTC": decimal.RequireFromString("1")},
			Tickers: map[string]config.Quote{
				"ETH/BTC":  {Bid: decimal.RequireFromString("0.0499"), Ask: decimal.RequireFromString("0.05")},
				"ETH/USDT": {Bid: decimal.RequireFromString("3000"), Ask: decimal.RequireFromString("3001")},
				"BTC/USDT": {Bid: decimal.RequireFromString("57990"), Ask: decimal.RequireFromString("58000")},
			},
		},
	}
	require.NoError(t, config.ValidateConfig(cfg))
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestAppRunsFedOpportunityToCompletion(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	app, err := NewApp(ctx, AppOptions{Config: cfg, Logger: discardLogger()})
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))

	feed := "not an opportunity\n" +
		`{"strategy":"triangular","path":["BTC","ETH","USDT"],"net_profit_pct":0.4,"scan_index":1,"amount":"0.1"}` + "\n"
	require.NoError(t, app.Feed(ctx, strings.NewReader(feed)))

	require.Eventually(t, func() bool {
		counts, err := app.Store.CountByState(ctx)
		return err == nil && counts[arbiter.StateCompleted] == 1
	}, 10*time.Second, 20*time.Millisecond)

	base := "http://" + app.HTTPAddr()
	code, body := get(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"healthy":true`)

	code, body = get(t, base+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "arbiter_admission_decisions_total")
	require.Contains(t, body, "go_goroutines")

	code, body = get(t, base+"/cooldowns")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "[]", strings.TrimSpace(body))

	require.Eventually(t, func() bool {
		_, body := get(t, base+"/journal?level=warn&limit=10")
		return strings.Contains(body, "skipping malformed opportunity") && strings.Contains(body, `"scope":"feed"`)
	}, 5*time.Second, 20*time.Millisecond)

	code, _ = get(t, base+"/journal?limit=-1")
	require.Equal(t, http.StatusBadRequest, code)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(shutdownCtx))
	require.NoError(t, app.Shutdown(shutdownCtx), "shutdown is idempotent")

	store, err := storage.New(cfg.StoragePath)
	require.NoError(t, err)
	defer store.Close()
	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[arbiter.StateCompleted])
}

func TestAppShutdownWithoutStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPListen = ""

	app, err := NewApp(context.Background(), AppOptions{Config: cfg, Logger: discardLogger()})
	require.NoError(t, err)
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestNewAppRejectsBadCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.File.Markets = append(cfg.File.Markets, arbiter.Market{Symbol: "ETH/BTC", Base: "ETH", Quote: "BTC"})

	_, err := NewApp(context.Background(), AppOptions{Config: cfg, Logger: discardLogger()})
	require.ErrorContains(t, err, "market catalog")
}
