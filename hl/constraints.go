package hl

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sonirico/go-hyperliquid"
)

// spot prices carry at most this many decimals minus the size decimals
const spotMaxDecimals = 8

// CoinConstraints captures Hyperliquid rounding requirements for a spot pair.
type CoinConstraints struct {
	Coin         string
	SizeDecimals int
	PriceSigFigs int
}

// RoundSize truncates to the lot size so a sell never exceeds the holding.
func (c CoinConstraints) RoundSize(size decimal.Decimal) decimal.Decimal {
	return size.Truncate(int32(c.SizeDecimals))
}

// RoundPrice applies the significant figure rule and the spot decimal cap.
func (c CoinConstraints) RoundPrice(price decimal.Decimal) decimal.Decimal {
	sig := c.PriceSigFigs
	if sig <= 0 {
		sig = 5
	}
	f, _ := price.Float64()
	rounded := decimal.NewFromFloat(roundToSignificantFigures(f, sig))
	if places := spotMaxDecimals - c.SizeDecimals; places >= 0 {
		rounded = rounded.Round(int32(places))
	}
	return rounded
}

// ConstraintsResolver fetches/caches Hyperliquid metadata for rounding.
type ConstraintsResolver interface {
	Resolve(ctx context.Context, coin string) (CoinConstraints, error)
}

// InfoProvider describes the subset of hyperliquid.Info used for metadata discovery.
type InfoProvider interface {
	SpotMetaAndAssetCtxs(ctx context.Context) (*hyperliquid.SpotMetaAndAssetCtxs, error)
}

// MetadataCache resolves spot size decimals once and keeps them hot.
type MetadataCache struct {
	info InfoProvider

	mu       sync.RWMutex
	loaded   bool
	decimals map[string]int
}

func NewMetadataCache(info InfoProvider) *MetadataCache {
	return &MetadataCache{
		info:     info,
		decimals: make(map[string]int),
	}
}

// Resolve implements ConstraintsResolver. A failed metadata fetch is retried
// on the next call.
func (m *MetadataCache) Resolve(ctx context.Context, coin string) (CoinConstraints, error) {
	if coin == "" {
		return CoinConstraints{}, fmt.Errorf("coin is required")
	}
	if err := m.ensureLoaded(ctx); err != nil {
		return CoinConstraints{}, err
	}

	m.mu.RLock()
	decimals, ok := m.decimals[coin]
	m.mu.RUnlock()
	if !ok {
		return CoinConstraints{}, fmt.Errorf("unknown hyperliquid spot pair %q", coin)
	}
	return CoinConstraints{Coin: coin, SizeDecimals: decimals, PriceSigFigs: 5}, nil
}

func (m *MetadataCache) ensureLoaded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}

	spotMeta, err := m.info.SpotMetaAndAssetCtxs(ctx)
	if err != nil {
		return fmt.Errorf("load spot metadata: %w", err)
	}
	for _, asset := range spotMeta.Meta.Universe {
		if len(asset.Tokens) == 0 {
			continue
		}
		base := asset.Tokens[0]
		if base < 0 || base >= len(spotMeta.Meta.Tokens) {
			continue
		}
		m.decimals[asset.Name] = spotMeta.Meta.Tokens[base].SzDecimals
	}
	m.loaded = true
	return nil
}

func roundToSignificantFigures(price float64, sigFigs int) float64 {
	if sigFigs <= 0 || price == 0 {
		return price
	}

	absPrice := math.Abs(price)
	integerPart := math.Floor(absPrice)

	if integerPart > 0 {
		numIntegerDigits := 0
		for temp := int(integerPart); temp > 0; temp /= 10 {
			numIntegerDigits++
		}
		if numIntegerDigits >= sigFigs {
			return math.Copysign(integerPart, price)
		}
		return math.Copysign(roundToDecimals(absPrice, sigFigs-numIntegerDigits), price)
	}

	multiplications := 0
	for absPrice < 1 {
		absPrice *= 10
		multiplications++
	}
	rounded := roundToDecimals(absPrice, sigFigs-1)
	return math.Copysign(rounded/math.Pow(10, float64(multiplications)), price)
}

func roundToDecimals(value float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(value*pow) / pow
}
