// Package publisher is C3: at-least-once publication of decision envelopes
// to the "decision_events" subject. A publish failure never fails the
// orchestrator's response (§4.2 step 6); it is instead retried with
// exponential backoff from a bounded in-process queue that drops the oldest
// entry on overflow, per §4.6.
package publisher

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fraudshield/decisionengine/pkg/messaging"
	"github.com/fraudshield/decisionengine/shared/events"
)

// Publisher publishes DecisionEnvelopes and retries failures asynchronously.
type Publisher struct {
	client  *messaging.Client
	subject string

	queue    chan events.DecisionEnvelope
	dropped  int64 // atomic
	retried  int64 // atomic
	maxRetry int
}

// New creates a Publisher backed by client, ensuring the JetStream stream
// for subject exists.
func New(client *messaging.Client, subject string, queueSize, maxRetry int) (*Publisher, error) {
	err := client.EnsureStream(&nats.StreamConfig{
		Name:     "DECISIONS",
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	return &Publisher{
		client:   client,
		subject:  subject,
		queue:    make(chan events.DecisionEnvelope, queueSize),
		maxRetry: maxRetry,
	}, nil
}

// Publish attempts an immediate JetStream publish. On failure the envelope
// is handed to the retry queue and Publish still returns nil: callers must
// not fail the client response on a publish error (§7 PublishError).
func (p *Publisher) Publish(ctx context.Context, env events.DecisionEnvelope) error {
	future, err := p.client.PublishAsync(p.subject, env)
	if err != nil {
		p.enqueueRetry(env)
		return nil
	}

	select {
	case <-future.Ok():
		return nil
	case <-future.Err():
		p.enqueueRetry(env)
		return nil
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}

	// Don't block the caller past its own deadline; the ack (or lack of
	// one) is reconciled in the background, and a failed ack still hands
	// the envelope to the retry worker.
	go func() {
		select {
		case <-future.Ok():
		case <-future.Err():
			p.enqueueRetry(env)
		}
	}()
	return nil
}

func (p *Publisher) enqueueRetry(env events.DecisionEnvelope) {
	select {
	case p.queue <- env:
		return
	default:
	}

	// Queue full: drop the oldest to make room, per §4.6.
	select {
	case <-p.queue:
		atomic.AddInt64(&p.dropped, 1)
	default:
	}
	select {
	case p.queue <- env:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Dropped returns the number of envelopes dropped due to queue overflow.
func (p *Publisher) Dropped() int64 { return atomic.LoadInt64(&p.dropped) }

// Run drains the retry queue until ctx is cancelled, backing off
// exponentially between attempts for a given envelope.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.queue:
			p.retryWithBackoff(ctx, env)
		}
	}
}

func (p *Publisher) retryWithBackoff(ctx context.Context, env events.DecisionEnvelope) {
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < p.maxRetry; attempt++ {
		if err := p.client.Publish(ctx, p.subject, env); err == nil {
			atomic.AddInt64(&p.retried, 1)
			return
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	log.Printf("publisher: giving up on decision %s after %d attempts", env.DecisionID, p.maxRetry)
}

// Ready reports whether the underlying NATS connection is up.
func (p *Publisher) Ready() bool { return p.client.IsConnected() }
