package repository

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/fraudshield/decisionengine/internal/domain"
)

// RepairQueue is the bounded in-process worker backing §4.5/§7's
// "enqueue a repair write": when a decision write fails after scoring has
// already completed, the orchestrator still returns the decision to the
// caller and hands it here for a best-effort retried write, rather than
// losing the audit row. Shape mirrors the publisher's bounded retry queue
// (§4.6) — same drop-oldest-on-overflow policy, same counter on drop.
type RepairQueue struct {
	repo    *Repository
	items   chan domain.Decision
	dropped int64 // atomic
	retries int
	backoff time.Duration
}

// NewRepairQueue creates a repair queue with the given bounded capacity.
func NewRepairQueue(repo *Repository, capacity, retries int, backoff time.Duration) *RepairQueue {
	return &RepairQueue{
		repo:    repo,
		items:   make(chan domain.Decision, capacity),
		retries: retries,
		backoff: backoff,
	}
}

// Enqueue submits a decision for a retried write. On overflow the oldest
// queued item is dropped to make room, and Dropped() is incremented —
// never blocks the caller.
func (q *RepairQueue) Enqueue(d domain.Decision) {
	select {
	case q.items <- d:
		return
	default:
	}

	select {
	case <-q.items:
		atomic.AddInt64(&q.dropped, 1)
	default:
	}
	select {
	case q.items <- d:
	default:
		atomic.AddInt64(&q.dropped, 1)
	}
}

// Dropped returns the number of items dropped due to queue overflow.
func (q *RepairQueue) Dropped() int64 {
	return atomic.LoadInt64(&q.dropped)
}

// Run drains the queue until ctx is cancelled, retrying each write with a
// fixed backoff before giving up and logging the loss.
func (q *RepairQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-q.items:
			q.writeWithRetry(ctx, d)
		}
	}
}

func (q *RepairQueue) writeWithRetry(ctx context.Context, d domain.Decision) {
	for attempt := 0; attempt <= q.retries; attempt++ {
		if err := q.repo.SaveDecision(ctx, d); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.backoff):
		}
	}
	log.Printf("repair queue: giving up on decision %s after %d attempts", d.DecisionID, q.retries+1)
}
