package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fraudshield/decisionengine/pkg/slidingwindow"
)

// Aggregation is how a velocity field reduces its samples within a window.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggCount Aggregation = "count"
)

var windowBySpan = map[string]time.Duration{
	"velocity_1h":  time.Hour,
	"velocity_24h": 24 * time.Hour,
}

// VelocityStore answers velocity_1h/velocity_24h("field") calls. Each
// observation is recorded into a Redis sorted set keyed by subject+field,
// scored by unix-nano timestamp, which makes "sum of values newer than
// cutoff" a ZRANGEBYSCORE away — the authoritative cross-process source.
// Every read goes to Redis first; a process-local slidingwindow.LocalCache
// is consulted only when that read fails for a reason other than a timeout.
// Per §4.8 the local fallback may under-count by one concurrent update
// across processes, which is an accepted tradeoff, not a bug.
type VelocityStore struct {
	rdb     *redis.Client
	local   *slidingwindow.LocalCache
	aggOf   map[string]Aggregation
	timeout time.Duration
}

// NewVelocityStore creates a store. aggOf declares, per field name, whether
// the field accumulates a sum (e.g. amounts) or a count (e.g. distinct
// attempts) — this is configuration, not something the evaluator infers
// from the data.
func NewVelocityStore(rdb *redis.Client, aggOf map[string]Aggregation, timeout time.Duration) *VelocityStore {
	return &VelocityStore{
		rdb:     rdb,
		local:   slidingwindow.NewLocalCache(),
		aggOf:   aggOf,
		timeout: timeout,
	}
}

func redisKey(subject, field string) string {
	return "velocity:" + subject + "\x1f" + field
}

func localKey(subject, field, window string) string {
	return subject + "\x1f" + field + "\x1f" + window
}

// Record appends one observation for (subject, field) at "at" with the
// given delta (1 for a count field, the measured value for a sum field).
// Called by the orchestrator after a decision is made, never on the read
// path, so its own latency is not part of the fan-out deadline.
func (s *VelocityStore) Record(ctx context.Context, subject, field string, delta float64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := redisKey(subject, field)
	member := fmt.Sprintf("%d:%v", at.UnixNano(), delta)
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member}).Err(); err != nil {
		return err
	}
	// Keep the set bounded to the longest window this process knows about.
	cutoff := at.Add(-24 * time.Hour).UnixNano()
	s.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))

	for window := range windowBySpan {
		s.local.Get(localKey(subject, field, window), windowBySpan[window]).Add(at, delta)
	}
	return nil
}

// Func returns a VelocityFunc bound to subject, suitable for wiring into an
// EvaluationContext for one transaction. key is "velocity_1h:field" or
// "velocity_24h:field" as produced by the evaluator's funcCall dispatch.
func (s *VelocityStore) Func(subject string) VelocityFunc {
	return func(ctx context.Context, key string) (float64, bool, bool) {
		windowName, field, ok := strings.Cut(key, ":")
		if !ok {
			return 0, false, false
		}
		span, ok := windowBySpan[windowName]
		if !ok {
			return 0, false, false
		}
		return s.read(ctx, subject, field, span, windowName)
	}
}

// read answers one velocity_1h/velocity_24h(field) call within the store's
// hard per-read deadline (§4.8). A timeout is reported distinctly (the
// third return) so the caller can annotate the rule with "velocity_timeout"
// instead of silently treating a slow store the same as a genuine zero
// count; any other Redis error still falls back to the local cache, since
// an under-count there is safer than disabling every velocity-referencing
// rule on a transient blip.
func (s *VelocityStore) read(ctx context.Context, subject, field string, span time.Duration, windowName string) (float64, bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now()
	agg := s.aggOf[field]
	win := s.local.Get(localKey(subject, field, windowName), span)
	key := redisKey(subject, field)
	cutoff := now.Add(-span).UnixNano()

	if agg == AggSum {
		members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: strconv.FormatInt(cutoff, 10), Max: "+inf",
		}).Result()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return 0, false, true
			}
			return win.Sum(now), true, false
		}
		var sum float64
		for _, m := range members {
			_, deltaStr, ok := strings.Cut(m, ":")
			if !ok {
				continue
			}
			d, err := strconv.ParseFloat(deltaStr, 64)
			if err != nil {
				continue
			}
			sum += d
		}
		return sum, true, false
	}

	count, err := s.rdb.ZCount(ctx, key, strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, false, true
		}
		return float64(win.Count(now)), true, false
	}
	return float64(count), true, false
}
