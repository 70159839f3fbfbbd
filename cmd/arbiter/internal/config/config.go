package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sonirico/go-hyperliquid"
	"github.com/spf13/pflag"

	"github.com/recomma/arbiter/hl"
	rlog "github.com/recomma/arbiter/log"
)

const (
	ModePaper    = "paper"
	ModeLive     = "live"
	ModeBacktest = "backtest"
)

type AppConfig struct {
	Mode       string
	ConfigPath string
	// Resume loads the cooldown file written by the previous run.
	Resume bool

	StoragePath       string
	CooldownPath      string
	OpportunitiesPath string
	BacktestPath      string
	Workers           int
	HTTPListen        string

	MaxConcurrent     int
	SlotTTL           time.Duration
	MaxLegLatency     time.Duration
	MaxSlippageBps    float64
	ViolationCooldown time.Duration
	LegBudget         time.Duration

	SuppressionWindow time.Duration
	FingerprintTTL    time.Duration
	RouteCooldown     time.Duration
	HysteresisPct     float64

	SafeCurrencies []string
	MaxHops        int
	ResumeMaxAge   time.Duration

	HealthWindow        time.Duration
	HealthMaxSuppressed float64
	JanitorInterval     time.Duration

	Hyperliquid        hl.ClientConfig
	HyperliquidIOCBps  float64
	HyperliquidQuoteMs int
	// Venue pacing of the live adapter.
	HyperliquidOrderSpacing time.Duration
	HyperliquidQuerySpacing time.Duration
	HyperliquidMaxPause     time.Duration

	LogLevel      string
	LogFormatJSON bool
	LogGroups     []string
	LogFile       string
	// JournalLevel is the lowest level persisted to the cycle store, or
	// "off".
	JournalLevel  string

	// File holds what only the JSON config can express.
	File File
}

func DefaultConfig() AppConfig {
	return AppConfig{
		Mode:                ModePaper,
		StoragePath:         "arbiter.sqlite3",
		CooldownPath:        "cooldowns.json",
		OpportunitiesPath:   "-",
		Workers:             4,
		HTTPListen:          ":8080",
		MaxConcurrent:       3,
		SlotTTL:             10 * time.Minute,
		MaxLegLatency:       2 * time.Second,
		MaxSlippageBps:      50,
		ViolationCooldown:   5 * time.Minute,
		SuppressionWindow:   time.Minute,
		FingerprintTTL:      10 * time.Minute,
		RouteCooldown:       time.Minute,
		HysteresisPct:       0.05,
		SafeCurrencies:      []string{"USDC", "USDT"},
		MaxHops:             3,
		ResumeMaxAge:        5 * time.Minute,
		HealthWindow:        5 * time.Minute,
		HealthMaxSuppressed: 90,
		JanitorInterval:     30 * time.Second,
		Hyperliquid:         hl.ClientConfig{BaseURL: hyperliquid.TestnetAPIURL},
		HyperliquidIOCBps:   50,
		HyperliquidQuoteMs:  2000,

		HyperliquidOrderSpacing: 100 * time.Millisecond,
		HyperliquidQuerySpacing: 50 * time.Millisecond,
		HyperliquidMaxPause:     2 * time.Minute,
		LogLevel:            "info",
		JournalLevel:        "warn",
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("arbiter", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Exchange adapter: paper, live or backtest (env: ARBITER_MODE)")
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "JSON file with markets, balances and limits (env: ARBITER_CONFIG)")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "Load cooldowns persisted by the previous run (env: ARBITER_RESUME)")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite cycle store path (env: ARBITER_STORAGE_PATH)")
	fs.StringVar(&cfg.CooldownPath, "cooldown-path", cfg.CooldownPath, "Cooldown state file (env: ARBITER_COOLDOWN_PATH)")
	fs.StringVar(&cfg.OpportunitiesPath, "opportunities", cfg.OpportunitiesPath, "JSONL opportunity feed, - for stdin (env: ARBITER_OPPORTUNITIES)")
	fs.StringVar(&cfg.BacktestPath, "backtest-frames", cfg.BacktestPath, "JSONL price frames replayed in backtest mode (env: ARBITER_BACKTEST_FRAMES)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Opportunity workers (env: ARBITER_WORKERS)")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "Health and metrics listen address, empty to disable (env: ARBITER_HTTP_LISTEN)")

	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "Cycles allowed in flight (env: ARBITER_MAX_CONCURRENT)")
	fs.DurationVar(&cfg.SlotTTL, "slot-ttl", cfg.SlotTTL, "Reclaim slots held longer than this (env: ARBITER_SLOT_TTL)")
	fs.DurationVar(&cfg.MaxLegLatency, "max-leg-latency", cfg.MaxLegLatency, "Latency limit per leg (env: ARBITER_MAX_LEG_LATENCY)")
	fs.Float64Var(&cfg.MaxSlippageBps, "max-slippage-bps", cfg.MaxSlippageBps, "Slippage limit per leg in basis points (env: ARBITER_MAX_SLIPPAGE_BPS)")
	fs.DurationVar(&cfg.ViolationCooldown, "violation-cooldown", cfg.ViolationCooldown, "Route cooldown after a risk violation (env: ARBITER_VIOLATION_COOLDOWN)")
	fs.DurationVar(&cfg.LegBudget, "leg-budget", cfg.LegBudget, "Cancel legs resting longer than this, 0 for three times the latency limit (env: ARBITER_LEG_BUDGET)")

	fs.DurationVar(&cfg.SuppressionWindow, "suppression-window", cfg.SuppressionWindow, "Window for repeated log suppression (env: ARBITER_SUPPRESSION_WINDOW)")
	fs.DurationVar(&cfg.FingerprintTTL, "fingerprint-ttl", cfg.FingerprintTTL, "How long executed snapshots are remembered (env: ARBITER_FINGERPRINT_TTL)")
	fs.DurationVar(&cfg.RouteCooldown, "route-cooldown", cfg.RouteCooldown, "Minimum gap between executions of a route (env: ARBITER_ROUTE_COOLDOWN)")
	fs.Float64Var(&cfg.HysteresisPct, "hysteresis-pct", cfg.HysteresisPct, "Profit improvement that overrides the route cooldown (env: ARBITER_HYSTERESIS_PCT)")

	fs.StringSliceVar(&cfg.SafeCurrencies, "safe-currencies", cfg.SafeCurrencies, "Currencies a panic sell may stop in besides the start currency (env: ARBITER_SAFE_CURRENCIES)")
	fs.IntVar(&cfg.MaxHops, "max-hops", cfg.MaxHops, "Longest panic sell route (env: ARBITER_MAX_HOPS)")
	fs.DurationVar(&cfg.ResumeMaxAge, "resume-max-age", cfg.ResumeMaxAge, "Liquidate open cycles older than this on startup (env: ARBITER_RESUME_MAX_AGE)")

	fs.DurationVar(&cfg.HealthWindow, "health-window", cfg.HealthWindow, "Window the health check looks at (env: ARBITER_HEALTH_WINDOW)")
	fs.Float64Var(&cfg.HealthMaxSuppressed, "health-max-suppressed-pct", cfg.HealthMaxSuppressed, "Suppression rate that marks the process unhealthy (env: ARBITER_HEALTH_MAX_SUPPRESSED_PCT)")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "Interval of slot reclaim and pruning (env: ARBITER_JANITOR_INTERVAL)")

	fs.StringVar(&cfg.Hyperliquid.Wallet, "hyperliquid-wallet", cfg.Hyperliquid.Wallet, "Hyperliquid wallet address (env: HYPERLIQUID_WALLET)")
	fs.StringVar(&cfg.Hyperliquid.Key, "hyperliquid-private-key", cfg.Hyperliquid.Key, "Hyperliquid private key (env: HYPERLIQUID_PRIVATE_KEY)")
	fs.StringVar(&cfg.Hyperliquid.BaseURL, "hyperliquid-api-url", cfg.Hyperliquid.BaseURL, "Hyperliquid API base URL (env: HYPERLIQUID_API_URL)")
	fs.Float64Var(&cfg.HyperliquidIOCBps, "hyperliquid-ioc-bps", cfg.HyperliquidIOCBps, "How far through the book IOC orders reach (env: HYPERLIQUID_IOC_BPS)")
	fs.IntVar(&cfg.HyperliquidQuoteMs, "hyperliquid-quote-wait-ms", cfg.HyperliquidQuoteMs, "Wait for a first quote after subscribing (env: HYPERLIQUID_QUOTE_WAIT_MS)")
	fs.DurationVar(&cfg.HyperliquidOrderSpacing, "hyperliquid-order-spacing", cfg.HyperliquidOrderSpacing, "Minimum gap between order placements and cancels (env: HYPERLIQUID_ORDER_SPACING)")
	fs.DurationVar(&cfg.HyperliquidQuerySpacing, "hyperliquid-query-spacing", cfg.HyperliquidQuerySpacing, "Minimum gap between order status queries (env: HYPERLIQUID_QUERY_SPACING)")
	fs.DurationVar(&cfg.HyperliquidMaxPause, "hyperliquid-max-pause", cfg.HyperliquidMaxPause, "Longest pause after repeated rate limiting (env: HYPERLIQUID_MAX_PAUSE)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: ARBITER_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: ARBITER_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only log these groups, e.g. engine,recovery; errors always pass (env: ARBITER_LOG_GROUPS)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write debug JSON logs to this file (env: ARBITER_LOG_FILE)")
	fs.StringVar(&cfg.JournalLevel, "journal-level", cfg.JournalLevel, "Lowest level kept in the storage log journal, off to disable (env: ARBITER_JOURNAL_LEVEL)")

	return fs
}

// ApplyEnvDefaults fills flags that were not set explicitly from the
// environment.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	var problems []error
	lookup := func(name, envKey string) (string, bool) {
		if fs.Changed(name) {
			return "", false
		}
		v, ok := os.LookupEnv(envKey)
		return v, ok && v != ""
	}
	setString := func(name, envKey string, target *string) {
		if v, ok := lookup(name, envKey); ok {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setFloat := func(name, envKey string, target *float64) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setList := func(name, envKey string, target *[]string) {
		if v, ok := lookup(name, envKey); ok {
			*target = splitList(v)
		}
	}

	setString("mode", "ARBITER_MODE", &cfg.Mode)
	setString("config", "ARBITER_CONFIG", &cfg.ConfigPath)
	setBool("resume", "ARBITER_RESUME", &cfg.Resume)
	setString("storage-path", "ARBITER_STORAGE_PATH", &cfg.StoragePath)
	setString("cooldown-path", "ARBITER_COOLDOWN_PATH", &cfg.CooldownPath)
	setString("opportunities", "ARBITER_OPPORTUNITIES", &cfg.OpportunitiesPath)
	setString("backtest-frames", "ARBITER_BACKTEST_FRAMES", &cfg.BacktestPath)
	setInt("workers", "ARBITER_WORKERS", &cfg.Workers)
	setString("http-listen", "ARBITER_HTTP_LISTEN", &cfg.HTTPListen)

	setInt("max-concurrent", "ARBITER_MAX_CONCURRENT", &cfg.MaxConcurrent)
	setDuration("slot-ttl", "ARBITER_SLOT_TTL", &cfg.SlotTTL)
	setDuration("max-leg-latency", "ARBITER_MAX_LEG_LATENCY", &cfg.MaxLegLatency)
	setFloat("max-slippage-bps", "ARBITER_MAX_SLIPPAGE_BPS", &cfg.MaxSlippageBps)
	setDuration("violation-cooldown", "ARBITER_VIOLATION_COOLDOWN", &cfg.ViolationCooldown)
	setDuration("leg-budget", "ARBITER_LEG_BUDGET", &cfg.LegBudget)

	setDuration("suppression-window", "ARBITER_SUPPRESSION_WINDOW", &cfg.SuppressionWindow)
	setDuration("fingerprint-ttl", "ARBITER_FINGERPRINT_TTL", &cfg.FingerprintTTL)
	setDuration("route-cooldown", "ARBITER_ROUTE_COOLDOWN", &cfg.RouteCooldown)
	setFloat("hysteresis-pct", "ARBITER_HYSTERESIS_PCT", &cfg.HysteresisPct)

	setList("safe-currencies", "ARBITER_SAFE_CURRENCIES", &cfg.SafeCurrencies)
	setInt("max-hops", "ARBITER_MAX_HOPS", &cfg.MaxHops)
	setDuration("resume-max-age", "ARBITER_RESUME_MAX_AGE", &cfg.ResumeMaxAge)

	setDuration("health-window", "ARBITER_HEALTH_WINDOW", &cfg.HealthWindow)
	setFloat("health-max-suppressed-pct", "ARBITER_HEALTH_MAX_SUPPRESSED_PCT", &cfg.HealthMaxSuppressed)
	setDuration("janitor-interval", "ARBITER_JANITOR_INTERVAL", &cfg.JanitorInterval)

	setString("hyperliquid-wallet", "HYPERLIQUID_WALLET", &cfg.Hyperliquid.Wallet)
	setString("hyperliquid-private-key", "HYPERLIQUID_PRIVATE_KEY", &cfg.Hyperliquid.Key)
	setString("hyperliquid-api-url", "HYPERLIQUID_API_URL", &cfg.Hyperliquid.BaseURL)
	setFloat("hyperliquid-ioc-bps", "HYPERLIQUID_IOC_BPS", &cfg.HyperliquidIOCBps)
	setInt("hyperliquid-quote-wait-ms", "HYPERLIQUID_QUOTE_WAIT_MS", &cfg.HyperliquidQuoteMs)
	setDuration("hyperliquid-order-spacing", "HYPERLIQUID_ORDER_SPACING", &cfg.HyperliquidOrderSpacing)
	setDuration("hyperliquid-query-spacing", "HYPERLIQUID_QUERY_SPACING", &cfg.HyperliquidQuerySpacing)
	setDuration("hyperliquid-max-pause", "HYPERLIQUID_MAX_PAUSE", &cfg.HyperliquidMaxPause)

	setString("log-level", "ARBITER_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "ARBITER_LOG_JSON", &cfg.LogFormatJSON)
	setList("log-groups", "ARBITER_LOG_GROUPS", &cfg.LogGroups)
	setString("log-file", "ARBITER_LOG_FILE", &cfg.LogFile)
	setString("journal-level", "ARBITER_JOURNAL_LEVEL", &cfg.JournalLevel)

	return errors.Join(problems...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func ValidateConfig(cfg AppConfig) error {
	var problems []string
	switch cfg.Mode {
	case ModePaper, ModeBacktest:
	case ModeLive:
		if strings.TrimSpace(cfg.Hyperliquid.Key) == "" {
			problems = append(problems, "hyperliquid-private-key is required in live mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", cfg.Mode))
	}
	if cfg.Mode == ModeBacktest && cfg.BacktestPath == "" {
		problems = append(problems, "backtest-frames is required in backtest mode")
	}
	if len(cfg.File.Markets) == 0 {
		problems = append(problems, "no markets configured, see --config")
	}
	if cfg.Workers < 1 {
		problems = append(problems, "workers must be at least 1")
	}
	if cfg.MaxConcurrent < 1 {
		problems = append(problems, "max-concurrent must be at least 1")
	}
	if cfg.MaxLegLatency < 0 || cfg.ViolationCooldown < 0 || cfg.SlotTTL < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if cfg.MaxSlippageBps < 0 {
		problems = append(problems, "max-slippage-bps must not be negative")
	}
	if _, _, err := ParseJournalLevel(cfg); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.MaxHops < 1 {
		problems = append(problems, "max-hops must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseJournalLevel reports whether the log journal is enabled and at which
// level.
func ParseJournalLevel(cfg AppConfig) (slog.Level, bool, error) {
	raw := strings.TrimSpace(cfg.JournalLevel)
	if raw == "" || strings.EqualFold(raw, "off") {
		return 0, false, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, false, fmt.Errorf("journal-level %q is not a log level", raw)
	}
	return level, true, nil
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if raw == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		log.Printf("unknown log level %q, defaulting to info", raw)
		return slog.LevelInfo
	}
	return level
}

// GetLogHandler builds the console handler, adds the optional debug file
// sink and applies the group selection. The returned closer releases the
// log file.
func GetLogHandler(cfg AppConfig, console io.Writer) (slog.Handler, func() error, error) {
	level := parseLevel(cfg.LogLevel)
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(console, handlerOpts)
	} else {
		handler = slog.NewTextHandler(console, handlerOpts)
	}

	closer := func() error { return nil }
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handler = rlog.NewMultiHandler(
			rlog.Sink{Handler: handler, Min: level},
			rlog.Sink{Handler: slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})},
		)
		closer = f.Close
	}

	return rlog.NewGroupFilterHandler(handler, cfg.LogGroups), closer, nil
}
