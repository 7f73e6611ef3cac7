// Package idempotency implements C1, the idempotency store adapter: an
// atomic check-and-set against a short-TTL Redis key so that two requests
// sharing (tenant_id, idempotency_key) resolve to exactly one decision_id
// (§4.4). The reserve/finalize split and its CAS semantics are grounded in
// the same before/after-state-comparison idea the pack's sub2api
// idempotency service uses (CreateProcessing / TryReclaim / MarkSucceeded),
// adapted here onto a Redis sorted pair of SETNX + a Lua compare-and-set
// instead of a Postgres row, because §4.4 calls for a TTL cache, not a table.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// sentinel is the placeholder value written by Reserve before the real
// decision_id is known. finalize's Lua script only overwrites a key whose
// current value is still this sentinel.
const sentinel = "__reserved__"

// Status is the outcome of a Reserve call.
type Status int

const (
	// StatusFresh means no record existed; the caller owns this key and must
	// call Finalize once scoring completes.
	StatusFresh Status = iota
	// StatusExisting means a decision has already been finalized for this
	// key; ExistingDecisionID carries it.
	StatusExisting
	// StatusPending means a reservation exists but has not been finalized
	// yet — the narrow race window §4.4 tolerates. The caller should treat
	// this the same as StatusFresh (proceed to score); at most one of the
	// concurrent scores will win at Finalize time.
	StatusPending
	// StatusUnavailable means the store could not be reached; the caller
	// must degrade to fail-open per §4.2 step 2 and never block.
	StatusUnavailable
)

// ErrUnavailable is returned (wrapped) by Reserve/Finalize/Lookup when Redis
// cannot be reached.
var ErrUnavailable = errors.New("idempotency store unavailable")

// Reservation is the result of a Reserve call.
type Reservation struct {
	Status             Status
	ExistingDecisionID string
}

// Store is the C1 idempotency adapter.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func namespacedKey(scope string) string {
	return "idemp:" + scope
}

// Reserve attempts to claim scope (tenant_id ⊕ idempotency_key) for this
// request. It never blocks on Redis being down: any error collapses to
// StatusUnavailable so the orchestrator can fail open.
func (s *Store) Reserve(ctx context.Context, scope string, ttl time.Duration) Reservation {
	key := namespacedKey(scope)

	ok, err := s.rdb.SetNX(ctx, key, sentinel, ttl).Result()
	if err != nil {
		return Reservation{Status: StatusUnavailable}
	}
	if ok {
		return Reservation{Status: StatusFresh}
	}

	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// Key expired between SETNX and GET; treat as fresh.
			return Reservation{Status: StatusFresh}
		}
		return Reservation{Status: StatusUnavailable}
	}

	if val == sentinel {
		return Reservation{Status: StatusPending}
	}
	return Reservation{Status: StatusExisting, ExistingDecisionID: val}
}

// finalizeScript performs the compare-and-set described in §4.4: only the
// first caller to finalize a given key wins; a second caller observes the
// value already written and simply loses the race, its own decision
// discarded by the orchestrator.
var finalizeScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false then
  return {0, ''}
end
if current == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
  return {1, ARGV[2]}
end
return {0, current}
`)

// Finalize replaces the sentinel with the real decision_id, preserving the
// TTL. It returns the decision_id that ultimately won the race — which is
// the caller's own id unless a concurrent duplicate finalized first.
func (s *Store) Finalize(ctx context.Context, scope, decisionID string, ttl time.Duration) (winningDecisionID string, err error) {
	key := namespacedKey(scope)
	res, err := finalizeScript.Run(ctx, s.rdb, []string{key}, sentinel, decisionID, int(ttl.Seconds())).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", fmt.Errorf("idempotency: unexpected finalize script result")
	}
	won, _ := arr[0].(int64)
	existing, _ := arr[1].(string)
	if won == 1 {
		return decisionID, nil
	}
	if existing == "" {
		// Key vanished (TTL raced out); this request's id stands alone.
		return decisionID, nil
	}
	return existing, nil
}

// Lookup returns the finalized decision_id for scope, if any. It returns
// ok=false both when nothing is reserved and when a reservation is still
// pending (sentinel not yet replaced).
func (s *Store) Lookup(ctx context.Context, scope string) (decisionID string, ok bool, err error) {
	val, getErr := s.rdb.Get(ctx, namespacedKey(scope)).Result()
	if getErr == redis.Nil {
		return "", false, nil
	}
	if getErr != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, getErr)
	}
	if val == sentinel {
		return "", false, nil
	}
	return val, true, nil
}

// Ready reports whether the store can currently be reached, used by the
// readiness endpoint (§4.1).
func (s *Store) Ready(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}
