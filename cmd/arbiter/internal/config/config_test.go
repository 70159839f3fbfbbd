package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "markets": [
    {"symbol": "ETH/BTC", "base": "ETH", "quote": "BTC", "fee_rate": "0.001"},
    {"symbol": "ETH/USDT", "base": "ETH", "quote": "USDT", "fee_rate": "0.001"},
    {"symbol": "BTC/USDT", "base": "BTC", "quote": "USDT", "fee_rate": "0.001"}
  ],
  "risk": {"max_leg_latency_ms": 264, "max_slippage_bps": 90, "violation_cooldown_s": 300},
  "admission": {"max_concurrent": 2, "route_cooldown_s": 60, "hysteresis_pct": 0.05},
  "panic_sell": {"safe_currencies": ["USDT"], "max_hops": 2},
  "paper": {"balances": {"BTC": "1"}, "tickers": {"ETH/BTC": {"bid": "0.0499", "ask": "0.05"}}}
}`

func TestDecodeFileRejectsUnknownFields(t *testing.T) {
	_, err := DecodeFile(strings.NewReader(`{"markets": [], "risk": {"max_latency": 1}}`))
	require.ErrorContains(t, err, "max_latency")

	_, err = DecodeFile(strings.NewReader(`{"markets": []} {"markets": []}`))
	require.Error(t, err)

	_, err = DecodeFile(strings.NewReader(`{"markets": [{"symbol": "ETH/BTC", "fee_rate": "abc"}]}`))
	require.Error(t, err)
}

func TestLoadFileAppliesValuesUnlessFlagged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbiter.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--config", path, "--max-slippage-bps", "120"}))
	require.NoError(t, LoadFile(fs, &cfg))

	require.Len(t, cfg.File.Markets, 3)
	require.Equal(t, 264*time.Millisecond, cfg.MaxLegLatency)
	require.Equal(t, 120.0, cfg.MaxSlippageBps, "explicit flag wins")
	require.Equal(t, 5*time.Minute, cfg.ViolationCooldown)
	require.Equal(t, 2, cfg.MaxConcurrent)
	require.Equal(t, time.Minute, cfg.RouteCooldown)
	require.Equal(t, []string{"USDT"}, cfg.SafeCurrencies)
	require.Equal(t, 2, cfg.MaxHops)
	require.Equal(t, "1", cfg.File.Paper.Balances["BTC"].String())
	require.Equal(t, "0.05", cfg.File.Paper.Tickers["ETH/BTC"].Ask.String())

	require.NoError(t, ValidateConfig(cfg))
}

func TestApplyEnvDefaults(t *testing.T) {
	t.Setenv("ARBITER_MODE", "backtest")
	t.Setenv("ARBITER_WORKERS", "7")
	t.Setenv("ARBITER_RESUME", "true")
	t.Setenv("ARBITER_MAX_LEG_LATENCY", "300ms")
	t.Setenv("ARBITER_LOG_GROUPS", "engine, recovery")
	t.Setenv("ARBITER_MAX_CONCURRENT", "5")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--max-concurrent", "2"}))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, ModeBacktest, cfg.Mode)
	require.Equal(t, 7, cfg.Workers)
	require.True(t, cfg.Resume)
	require.Equal(t, 300*time.Millisecond, cfg.MaxLegLatency)
	require.Equal(t, []string{"engine", "recovery"}, cfg.LogGroups)
	require.Equal(t, 2, cfg.MaxConcurrent, "flag beats env")

	t.Setenv("ARBITER_WORKERS", "many")
	cfg = DefaultConfig()
	fs = NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))
	require.ErrorContains(t, ApplyEnvDefaults(fs, &cfg), "ARBITER_WORKERS")
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	err := ValidateConfig(cfg)
	require.ErrorContains(t, err, "no markets configured")

	f, err := DecodeFile(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	Apply(nil, &cfg, f)
	require.NoError(t, ValidateConfig(cfg))

	live := cfg
	live.Mode = ModeLive
	require.ErrorContains(t, ValidateConfig(live), "hyperliquid-private-key")

	bt := cfg
	bt.Mode = ModeBacktest
	require.ErrorContains(t, ValidateConfig(bt), "backtest-frames")

	bad := cfg
	bad.Mode = "dry"
	bad.Workers = 0
	err = ValidateConfig(bad)
	require.ErrorContains(t, err, `unknown mode "dry"`)
	require.ErrorContains(t, err, "workers")
}

func TestGetLogHandlerFiltersGroupsAndWritesFile(t *testing.T) {
	var console strings.Builder
	cfg := DefaultConfig()
	cfg.LogGroups = []string{"engine"}
	cfg.LogFile = filepath.Join(t.TempDir(), "arbiter.log")

	handler, closeLog, err := GetLogHandler(cfg, &console)
	require.NoError(t, err)

	logger := slog.New(handler)
	logger.WithGroup("engine").Info("cycle completed")
	logger.WithGroup("storage").Info("flushed")
	logger.WithGroup("engine").Debug("leg placed")
	require.NoError(t, closeLog())

	require.Contains(t, console.String(), "cycle completed")
	require.NotContains(t, console.String(), "flushed")
	require.NotContains(t, console.String(), "leg placed", "console stays at info")

	raw, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"msg":"leg placed"`)
	require.NotContains(t, string(raw), "flushed")
}
