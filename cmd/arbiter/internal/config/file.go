package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/recomma/arbiter/arbiter"
)

// File is the JSON config. Unknown fields are rejected.
type File struct {
	Markets   []arbiter.Market `json:"markets"`
	Risk      *RiskFile        `json:"risk,omitempty"`
	Admission *AdmissionFile   `json:"admission,omitempty"`
	PanicSell *PanicSellFile   `json:"panic_sell,omitempty"`
	Paper     *PaperFile       `json:"paper,omitempty"`
}

type RiskFile struct {
	MaxLegLatencyMs    *int64   `json:"max_leg_latency_ms,omitempty"`
	MaxSlippageBps     *float64 `json:"max_slippage_bps,omitempty"`
	ViolationCooldownS *float64 `json:"violation_cooldown_s,omitempty"`
	SuppressionWindowS *float64 `json:"suppression_window_s,omitempty"`
	LegBudgetMs        *int64   `json:"leg_budget_ms,omitempty"`
}

type AdmissionFile struct {
	MaxConcurrent   *int     `json:"max_concurrent,omitempty"`
	SlotTTLS        *float64 `json:"slot_ttl_s,omitempty"`
	FingerprintTTLS *float64 `json:"fingerprint_ttl_s,omitempty"`
	RouteCooldownS  *float64 `json:"route_cooldown_s,omitempty"`
	HysteresisPct   *float64 `json:"hysteresis_pct,omitempty"`
}

type PanicSellFile struct {
	SafeCurrencies []string `json:"safe_currencies,omitempty"`
	MaxHops        *int     `json:"max_hops,omitempty"`
}

// PaperFile seeds the paper venue.
type PaperFile struct {
	Balances    map[string]decimal.Decimal `json:"balances,omitempty"`
	Tickers     map[string]Quote           `json:"tickers,omitempty"`
	LatencyMs   int64                      `json:"latency_ms,omitempty"`
	SlippageBps float64                    `json:"slippage_bps,omitempty"`
}

type Quote struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// DecodeFile parses a JSON config, rejecting unknown fields and trailing
// data.
func DecodeFile(r io.Reader) (File, error) {
	var f File
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode config: %w", err)
	}
	if dec.More() {
		return File{}, fmt.Errorf("decode config: unexpected data after the config object")
	}
	return f, nil
}

// LoadFile reads cfg.ConfigPath, if set, and applies its values to every
// setting whose flag was not given explicitly.
func LoadFile(fs *pflag.FlagSet, cfg *AppConfig) error {
	if cfg.ConfigPath == "" {
		return nil
	}
	raw, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	f, err := DecodeFile(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.ConfigPath, err)
	}
	Apply(fs, cfg, f)
	return nil
}

// Apply copies file values into cfg unless the matching flag was set.
func Apply(fs *pflag.FlagSet, cfg *AppConfig, f File) {
	cfg.File = f
	unset := func(name string) bool { return fs == nil || !fs.Changed(name) }
	seconds := func(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

	if r := f.Risk; r != nil {
		if r.MaxLegLatencyMs != nil && unset("max-leg-latency") {
			cfg.MaxLegLatency = time.Duration(*r.MaxLegLatencyMs) * time.Millisecond
		}
		if r.MaxSlippageBps != nil && unset("max-slippage-bps") {
			cfg.MaxSlippageBps = *r.MaxSlippageBps
		}
		if r.ViolationCooldownS != nil && unset("violation-cooldown") {
			cfg.ViolationCooldown = seconds(*r.ViolationCooldownS)
		}
		if r.SuppressionWindowS != nil && unset("suppression-window") {
			cfg.SuppressionWindow = seconds(*r.SuppressionWindowS)
		}
		if r.LegBudgetMs != nil && unset("leg-budget") {
			cfg.LegBudget = time.Duration(*r.LegBudgetMs) * time.Millisecond
		}
	}
	if a := f.Admission; a != nil {
		if a.MaxConcurrent != nil && unset("max-concurrent") {
			cfg.MaxConcurrent = *a.MaxConcurrent
		}
		if a.SlotTTLS != nil && unset("slot-ttl") {
			cfg.SlotTTL = seconds(*a.SlotTTLS)
		}
		if a.FingerprintTTLS != nil && unset("fingerprint-ttl") {
			cfg.FingerprintTTL = seconds(*a.FingerprintTTLS)
		}
		if a.RouteCooldownS != nil && unset("route-cooldown") {
			cfg.RouteCooldown = seconds(*a.RouteCooldownS)
		}
		if a.HysteresisPct != nil && unset("hysteresis-pct") {
			cfg.HysteresisPct = *a.HysteresisPct
		}
	}
	if p := f.PanicSell; p != nil {
		if len(p.SafeCurrencies) > 0 && unset("safe-currencies") {
			cfg.SafeCurrencies = p.SafeCurrencies
		}
		if p.MaxHops != nil && unset("max-hops") {
			cfg.MaxHops = *p.MaxHops
		}
	}
}
