package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recomma/arbiter/hl"
)

type bboTopic struct {
	mu     sync.RWMutex
	subs   map[int64]chan hl.BestBidOffer
	nextID int64
}

func newBBOTopic() *bboTopic {
	return &bboTopic{
		subs: make(map[int64]chan hl.BestBidOffer),
	}
}

func (t *bboTopic) add(ch chan hl.BestBidOffer) int64 {
	id := atomic.AddInt64(&t.nextID, 1)
	t.mu.Lock()
	t.subs[id] = ch
	t.mu.Unlock()
	return id
}

func (t *bboTopic) remove(id int64) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

func (t *bboTopic) broadcast(bbo hl.BestBidOffer) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- bbo:
		default:
			// slow subscriber, drop
		}
	}
}

// Book holds the latest best bid/offer per coin and fans updates out to
// subscribers.
type Book struct {
	bbos   sync.Map
	topics sync.Map
	maxAge time.Duration
}

// NewBook returns an empty book. Quotes older than maxAge are treated as
// missing; zero disables the check.
func NewBook(maxAge time.Duration) *Book {
	return &Book{maxAge: maxAge}
}

// Store records bbo as the latest quote for coin.
func (b *Book) Store(coin string, bbo hl.BestBidOffer) {
	key := normalizeCoin(coin)
	if key == "" {
		return
	}
	bbo.Coin = key
	b.bbos.Store(key, bbo)
	if raw, ok := b.topics.Load(key); ok {
		raw.(*bboTopic).broadcast(bbo)
	}
}

func (b *Book) Latest(coin string) (hl.BestBidOffer, bool) {
	v, ok := b.bbos.Load(normalizeCoin(coin))
	if !ok {
		return hl.BestBidOffer{}, false
	}
	bbo := v.(hl.BestBidOffer)
	if b.maxAge > 0 && !bbo.Time.IsZero() && time.Since(bbo.Time) > b.maxAge {
		return hl.BestBidOffer{}, false
	}
	return bbo, true
}

// Wait blocks until a quote for coin is available or ctx is done.
func (b *Book) Wait(ctx context.Context, coin string) (hl.BestBidOffer, error) {
	for {
		if bbo, ok := b.Latest(coin); ok {
			return bbo, nil
		}
		select {
		case <-ctx.Done():
			return hl.BestBidOffer{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Subscribe returns a channel of updates for coin that closes with ctx.
// The current quote, if any, is delivered first.
func (b *Book) Subscribe(ctx context.Context, coin string) (<-chan hl.BestBidOffer, error) {
	key := normalizeCoin(coin)
	if key == "" {
		return nil, errors.New("coin is required")
	}
	actual, _ := b.topics.LoadOrStore(key, newBBOTopic())
	topic := actual.(*bboTopic)

	ch := make(chan hl.BestBidOffer, 8)
	if current, ok := b.Latest(key); ok {
		ch <- current
	}
	id := topic.add(ch)

	go func() {
		<-ctx.Done()
		topic.remove(id)
		close(ch)
	}()
	return ch, nil
}

func normalizeCoin(coin string) string {
	return strings.ToUpper(strings.TrimSpace(coin))
}
