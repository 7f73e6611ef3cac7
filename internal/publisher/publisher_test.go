package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fraudshield/decisionengine/shared/events"
)

func envelope(id string) events.DecisionEnvelope {
	return events.DecisionEnvelope{DecisionID: id, Verdict: "ALLOW"}
}

// §4.6: a full retry queue drops the oldest entry to make room for the
// newest, rather than rejecting the newest.
func TestEnqueueRetry_DropsOldestOnOverflow(t *testing.T) {
	p := &Publisher{queue: make(chan events.DecisionEnvelope, 2), maxRetry: 3}

	p.enqueueRetry(envelope("d1"))
	p.enqueueRetry(envelope("d2"))
	p.enqueueRetry(envelope("d3"))

	assert.EqualValues(t, 1, p.Dropped())

	first := <-p.queue
	second := <-p.queue
	assert.Equal(t, "d2", first.DecisionID)
	assert.Equal(t, "d3", second.DecisionID)
}

func TestEnqueueRetry_DoesNotDropWhileQueueHasRoom(t *testing.T) {
	p := &Publisher{queue: make(chan events.DecisionEnvelope, 2), maxRetry: 3}

	p.enqueueRetry(envelope("d1"))

	assert.EqualValues(t, 0, p.Dropped())
	assert.Len(t, p.queue, 1)
}
