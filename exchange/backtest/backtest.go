// Package backtest replays recorded top of book frames through the paper
// venue. Every order placement advances the replay by one frame, so a cycle
// sees the market move between its legs the way it did when recorded.
package backtest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/exchange/paper"
)

// Quote is one side-pair of a frame.
type Quote struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// Frame is a snapshot of the quoted markets at one instant.
type Frame struct {
	Time   time.Time        `json:"time"`
	Quotes map[string]Quote `json:"quotes"`
}

// Load reads newline delimited JSON frames. Blank lines are skipped.
func Load(r io.Reader) ([]Frame, error) {
	var frames []Frame
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("frame on line %d: %w", line, err)
		}
		frames = append(frames, f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// LoadFile is Load on a file path.
func LoadFile(path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Exchange implements arbiter.ExchangeAdapter on top of a paper venue fed
// from recorded frames.
type Exchange struct {
	*paper.Exchange

	mu     sync.Mutex
	frames []Frame
	next   int
	logger *slog.Logger
}

type Option func(*config)

type config struct {
	paper  []paper.Option
	logger *slog.Logger
}

// WithPaperOptions configures the underlying paper venue (balances,
// latency, slippage).
func WithPaperOptions(opts ...paper.Option) Option {
	return func(c *config) {
		c.paper = append(c.paper, opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New starts the replay at the first frame.
func New(catalog *arbiter.Catalog, frames []Frame, opts ...Option) (*Exchange, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("backtest: no frames to replay")
	}
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.paper = append(cfg.paper, paper.WithLogger(cfg.logger))

	e := &Exchange{
		Exchange: paper.New(catalog, cfg.paper...),
		frames:   frames,
		logger:   cfg.logger.WithGroup("backtest"),
	}
	e.advance()
	return e, nil
}

// advance applies the next frame. After the last frame the book stays
// where it was.
func (e *Exchange) advance() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.next >= len(e.frames) {
		return
	}
	f := e.frames[e.next]
	for symbol, q := range f.Quotes {
		e.Exchange.SetTicker(symbol, q.Bid, q.Ask)
	}
	e.logger.Debug("frame applied", slog.Int("frame", e.next), slog.Time("time", f.Time), slog.Int("quotes", len(f.Quotes)))
	e.next++
}

// Position returns how many frames have been applied and how many exist.
func (e *Exchange) Position() (applied, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next, len(e.frames)
}

// Done reports whether the last frame has been applied.
func (e *Exchange) Done() bool {
	applied, total := e.Position()
	return applied >= total
}

// PlaceOrder moves the replay one frame forward and places the order
// against the new book.
func (e *Exchange) PlaceOrder(ctx context.Context, req arbiter.OrderRequest) (string, error) {
	e.advance()
	return e.Exchange.PlaceOrder(ctx, req)
}
