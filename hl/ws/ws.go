// Package ws streams Hyperliquid best bid/offer quotes into a Book.
package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sonirico/go-hyperliquid"

	"github.com/recomma/arbiter/hl"
)

type Client struct {
	ws            *hyperliquid.WebsocketClient
	subscriptions sync.Map

	*Book
	logger *slog.Logger
}

type Option func(*options)

type options struct {
	book   *Book
	logger *slog.Logger
	wsOpts []hyperliquid.WsOpt
}

// WithBook feeds quotes into an existing book.
func WithBook(b *Book) Option {
	return func(o *options) {
		o.book = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithWsOptions(opts ...hyperliquid.WsOpt) Option {
	return func(o *options) {
		o.wsOpts = append(o.wsOpts, opts...)
	}
}

// New opens a websocket against apiURL. Pass "" for the SDK default.
func New(ctx context.Context, apiURL string, opts ...Option) (*Client, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.book == nil {
		o.book = NewBook(0)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ws := hyperliquid.NewWebsocketClient(apiURL, o.wsOpts...)
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}

	return &Client{
		ws:     ws,
		Book:   o.book,
		logger: o.logger.WithGroup("hyperliquid").WithGroup("ws"),
	}, nil
}

// EnsureBBO subscribes to coin once; later calls are no-ops.
func (c *Client) EnsureBBO(coin string) {
	coin = normalizeCoin(coin)
	if coin == "" {
		return
	}
	if _, loaded := c.subscriptions.LoadOrStore(coin, (*hyperliquid.Subscription)(nil)); loaded {
		return
	}
	c.logger.Info("subscribing to best bid/offer", slog.String("coin", coin))
	sub, err := c.ws.Bbo(hyperliquid.BboSubscriptionParams{Coin: coin},
		func(bbo hyperliquid.Bbo, err error) {
			if err != nil {
				c.logger.Warn("bbo callback error", slog.String("coin", coin), slog.String("error", err.Error()))
				return
			}
			c.Store(coin, hl.WsBBOToBBO(bbo))
		})
	if err != nil {
		c.logger.Warn("could not subscribe to bbo", slog.String("coin", coin), slog.String("error", err.Error()))
		c.subscriptions.Delete(coin)
		return
	}
	c.subscriptions.Store(coin, sub)
}

// SubscribeBBO makes sure coin is streamed and returns its update channel.
func (c *Client) SubscribeBBO(ctx context.Context, coin string) (<-chan hl.BestBidOffer, error) {
	c.EnsureBBO(coin)
	return c.Subscribe(ctx, coin)
}

// WaitForBestBidOffer blocks until coin has a quote or ctx is done.
func (c *Client) WaitForBestBidOffer(ctx context.Context, coin string) (hl.BestBidOffer, error) {
	c.EnsureBBO(coin)
	return c.Wait(ctx, coin)
}

// Close closes every subscription and the websocket.
func (c *Client) Close() error {
	c.subscriptions.Range(func(_, value any) bool {
		if sub, ok := value.(*hyperliquid.Subscription); ok && sub != nil {
			sub.Close()
		}
		return true
	})
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}
