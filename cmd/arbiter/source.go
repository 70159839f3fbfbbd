package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"k8s.io/client-go/util/workqueue"

	"github.com/recomma/arbiter/arbiter"
)

// pendingOpportunities keeps the newest opportunity per route. The work
// queue carries route keys, so a burst of updates for one route collapses
// into a single submission of the latest snapshot.
type pendingOpportunities struct {
	mu    sync.Mutex
	items map[string]arbiter.Opportunity
}

func newPendingOpportunities() *pendingOpportunities {
	return &pendingOpportunities{items: make(map[string]arbiter.Opportunity)}
}

func (p *pendingOpportunities) put(opp arbiter.Opportunity) string {
	key := opp.RouteKey()
	p.mu.Lock()
	p.items[key] = opp
	p.mu.Unlock()
	return key
}

func (p *pendingOpportunities) take(key string) (arbiter.Opportunity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	opp, ok := p.items[key]
	delete(p.items, key)
	return opp, ok
}

// restore puts opp back unless a newer one for the same route arrived in
// the meantime. It reports whether key should be requeued.
func (p *pendingOpportunities) restore(key string, opp arbiter.Opportunity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, newer := p.items[key]; newer {
		return false
	}
	p.items[key] = opp
	return true
}

func (p *pendingOpportunities) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// readOpportunities decodes one JSON opportunity per line from r and
// enqueues it. Malformed lines are logged and skipped. It returns at EOF.
func readOpportunities(ctx context.Context, r io.Reader, pending *pendingOpportunities, q workqueue.TypedRateLimitingInterface[string], logger *slog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	queued, line := 0, 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return queued, ctx.Err()
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var opp arbiter.Opportunity
		if err := json.Unmarshal([]byte(text), &opp); err != nil {
			logger.Warn("skipping malformed opportunity", slog.Int("line", line), slog.String("error", err.Error()))
			continue
		}
		opp.Normalize()
		if len(opp.Path) == 0 {
			logger.Warn("skipping opportunity without path", slog.Int("line", line))
			continue
		}
		q.Add(pending.put(opp))
		queued++
	}
	if err := scanner.Err(); err != nil {
		return queued, fmt.Errorf("read opportunities: %w", err)
	}
	return queued, nil
}
