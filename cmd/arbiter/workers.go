package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/recomma/arbiter/admission"
	"github.com/recomma/arbiter/arbiter"
	rlog "github.com/recomma/arbiter/log"
)

const (
	// opportunities that wait longer than this for a slot are dropped
	staleOpportunity = 5 * time.Second
	maxSlotRequeues  = 10
)

type submitter interface {
	Submit(ctx context.Context, opp arbiter.Opportunity) (string, error)
}

func newOpportunityQueue() workqueue.TypedRateLimitingInterface[string] {
	rl := workqueue.NewTypedItemExponentialFailureRateLimiter[string](50*time.Millisecond, time.Second)
	return workqueue.NewTypedRateLimitingQueueWithConfig(rl, workqueue.TypedRateLimitingQueueConfig[string]{Name: "opportunities"})
}

// runWorker submits queued opportunities until the queue shuts down. Cycles
// started by a worker run on ctx, not on a per-item context.
func runWorker(ctx context.Context, wg *sync.WaitGroup, q workqueue.TypedRateLimitingInterface[string], pending *pendingOpportunities, sub submitter) {
	defer wg.Done()

	for {
		key, shutdown := q.Get()
		if shutdown {
			return
		}
		processOpportunity(ctx, q, pending, sub, key, time.Now())
	}
}

func processOpportunity(ctx context.Context, q workqueue.TypedRateLimitingInterface[string], pending *pendingOpportunities, sub submitter, key string, now time.Time) {
	logger := rlog.LoggerFromContext(ctx).With(slog.String("route", key))
	defer q.Done(key)

	opp, ok := pending.take(key)
	if !ok {
		q.Forget(key)
		return
	}

	id, err := sub.Submit(ctx, opp)
	if err == nil {
		logger.Debug("cycle started", slog.String("cycle_id", id))
		q.Forget(key)
		return
	}

	var rej *admission.Rejection
	switch {
	case errors.As(err, &rej) && rej.Reason == admission.ReasonSlotsFull:
		stale := !opp.DiscoveredAt.IsZero() && now.Sub(opp.DiscoveredAt) > staleOpportunity
		if !stale && q.NumRequeues(key) < maxSlotRequeues && pending.restore(key, opp) {
			q.AddRateLimited(key)
			return
		}
		logger.Debug("dropping opportunity waiting for a slot", slog.Bool("stale", stale))
	case errors.Is(err, admission.ErrRejected):
		// logged by the engine, subject to suppression
	case errors.Is(err, arbiter.ErrInvalidOpportunity), errors.Is(err, arbiter.ErrInvalidMarket):
		logger.Warn("discarding opportunity", slog.String("reason", err.Error()))
	case errors.Is(err, context.Canceled):
	default:
		logger.Warn("could not submit opportunity", slog.String("error", err.Error()))
	}
	q.Forget(key)
}
