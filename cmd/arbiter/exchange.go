package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cmd/arbiter/internal/config"
	"github.com/recomma/arbiter/exchange/backtest"
	"github.com/recomma/arbiter/exchange/paper"
	"github.com/recomma/arbiter/executor"
	"github.com/recomma/arbiter/hl"
	"github.com/recomma/arbiter/hl/ws"
)

// newExchange builds the adapter selected by cfg.Mode. The returned closer
// releases connections held by the adapter.
func newExchange(ctx context.Context, cfg config.AppConfig, catalog *arbiter.Catalog, logger *slog.Logger) (arbiter.ExchangeAdapter, func(), error) {
	switch cfg.Mode {
	case config.ModePaper:
		ex := paper.New(catalog, paperOptions(cfg, logger)...)
		if p := cfg.File.Paper; p != nil {
			for symbol, q := range p.Tickers {
				ex.SetTicker(symbol, q.Bid, q.Ask)
			}
		}
		return ex, func() {}, nil

	case config.ModeBacktest:
		frames, err := backtest.LoadFile(cfg.BacktestPath)
		if err != nil {
			return nil, nil, err
		}
		ex, err := backtest.New(catalog, frames,
			backtest.WithPaperOptions(paperOptions(cfg, logger)...),
			backtest.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return ex, func() {}, nil

	case config.ModeLive:
		return newHyperliquid(ctx, cfg, catalog, logger)
	}
	return nil, nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

// newPacer spaces calls to the live venue. Simulated venues are unpaced.
func newPacer(cfg config.AppConfig) executor.Pacer {
	if cfg.Mode != config.ModeLive {
		return nil
	}
	return executor.NewPacer(executor.PacerConfig{
		PlaceSpacing:  cfg.HyperliquidOrderSpacing,
		QuerySpacing:  cfg.HyperliquidQuerySpacing,
		CancelSpacing: cfg.HyperliquidOrderSpacing,
		MaxPause:      cfg.HyperliquidMaxPause,
	})
}

func paperOptions(cfg config.AppConfig, logger *slog.Logger) []paper.Option {
	opts := []paper.Option{paper.WithLogger(logger)}
	if p := cfg.File.Paper; p != nil {
		opts = append(opts, paper.WithBalances(p.Balances))
		if p.LatencyMs > 0 {
			opts = append(opts, paper.WithLatency(time.Duration(p.LatencyMs)*time.Millisecond))
		}
		if p.SlippageBps != 0 {
			opts = append(opts, paper.WithSlippageBps(p.SlippageBps))
		}
	}
	return opts
}

func newHyperliquid(ctx context.Context, cfg config.AppConfig, catalog *arbiter.Catalog, logger *slog.Logger) (arbiter.ExchangeAdapter, func(), error) {
	wallet, err := hl.WalletAddress(cfg.Hyperliquid)
	if err != nil {
		return nil, nil, err
	}
	exchange, err := hl.NewExchange(ctx, cfg.Hyperliquid)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create Hyperliquid exchange: %w", err)
	}
	info := hl.NewInfo(ctx, cfg.Hyperliquid)

	// quotes older than the latency budget are not worth trading on
	book := ws.NewBook(10 * cfg.MaxLegLatency)
	feed, err := ws.New(ctx, cfg.Hyperliquid.BaseURL, ws.WithBook(book), ws.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect Hyperliquid websocket: %w", err)
	}

	adapter := hl.New(catalog, exchange, info, wallet,
		hl.WithQuoteSource(feed),
		hl.WithConstraints(hl.NewMetadataCache(info)),
		hl.WithMaxSlippageBps(cfg.HyperliquidIOCBps),
		hl.WithQuoteWait(time.Duration(cfg.HyperliquidQuoteMs)*time.Millisecond),
		hl.WithLogger(logger),
	)
	for _, coin := range adapter.Coins() {
		feed.EnsureBBO(coin)
	}

	logger.Info("hyperliquid venue ready",
		slog.String("wallet", wallet),
		slog.String("api_url", cfg.Hyperliquid.BaseURL),
		slog.Int("coins", len(adapter.Coins())),
	)
	return adapter, func() {
		if err := feed.Close(); err != nil {
			logger.Warn("websocket close failed", slog.String("error", err.Error()))
		}
	}, nil
}
