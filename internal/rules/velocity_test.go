package rules

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupVelocityStore(t *testing.T, timeout time.Duration) (*miniredis.Miniredis, *VelocityStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := NewVelocityStore(rdb, map[string]Aggregation{
		"amount_sum_by_card": AggSum,
		"count_by_card":      AggCount,
	}, timeout)
	return mr, store
}

func TestVelocityStore_RecordThenReadSumAndCount(t *testing.T) {
	_, store := setupVelocityStore(t, 50*time.Millisecond)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Record(ctx, "card-1", "amount_sum_by_card", 10, now))
	require.NoError(t, store.Record(ctx, "card-1", "amount_sum_by_card", 25, now))
	require.NoError(t, store.Record(ctx, "card-1", "count_by_card", 1, now))
	require.NoError(t, store.Record(ctx, "card-1", "count_by_card", 1, now))

	fn := store.Func("card-1")

	sum, ok, timedOut := fn(ctx, "velocity_1h:amount_sum_by_card")
	assert.True(t, ok)
	assert.False(t, timedOut)
	assert.Equal(t, 35.0, sum)

	count, ok, timedOut := fn(ctx, "velocity_1h:count_by_card")
	assert.True(t, ok)
	assert.False(t, timedOut)
	assert.Equal(t, 2.0, count)
}

// A connection-level failure (store unreachable, not merely slow) is not a
// "velocity_timeout": §4.8 reserves that annotation for the hard read
// deadline expiring, so any other error keeps falling back to the local
// cache rather than reporting a timeout it didn't actually hit.
func TestVelocityStore_UnreachableStoreFallsBackWithoutTimeoutFlag(t *testing.T) {
	mr, store := setupVelocityStore(t, 50*time.Millisecond)
	mr.Close()

	fn := store.Func("card-1")
	_, ok, timedOut := fn(context.Background(), "velocity_1h:amount_sum_by_card")

	assert.True(t, ok, "a non-timeout error still degrades gracefully via the local cache")
	assert.False(t, timedOut)
}

// §4.8: a read whose context has already blown its hard deadline reports
// timedOut, not merely ok=false, so the evaluator can annotate the rule
// with "velocity_timeout".
func TestVelocityStore_ExpiredDeadlineReportsTimeout(t *testing.T) {
	_, store := setupVelocityStore(t, 5*time.Millisecond)

	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()

	fn := store.Func("card-1")
	value, ok, timedOut := fn(expired, "velocity_1h:amount_sum_by_card")

	assert.False(t, ok)
	assert.True(t, timedOut)
	assert.Equal(t, 0.0, value)
}

func TestVelocityStore_UnknownWindowIsNotFound(t *testing.T) {
	_, store := setupVelocityStore(t, 50*time.Millisecond)
	fn := store.Func("card-1")

	_, ok, timedOut := fn(context.Background(), "velocity_99d:amount_sum_by_card")
	assert.False(t, ok)
	assert.False(t, timedOut)
}
