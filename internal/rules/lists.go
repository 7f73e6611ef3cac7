package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fraudshield/decisionengine/internal/domain"
)

// ListStore is the Redis-backed allow/deny list registry. Lists are named
// by kind (ip, device, user, card, country); `x IN list_name` and
// member_of("list_name", "value") both resolve through the same path.
// A short negative cache absorbs the common case of checking the same
// non-member value repeatedly within a burst of transactions.
type ListStore struct {
	rdb *redis.Client

	negMu    sync.Mutex
	negative map[string]time.Time // "listName\x1fvalue" -> expiry
	negTTL   time.Duration
}

// NewListStore creates a store with a 1s negative-result cache.
func NewListStore(rdb *redis.Client) *ListStore {
	return &ListStore{
		rdb:      rdb,
		negative: make(map[string]time.Time),
		negTTL:   time.Second,
	}
}

func listKey(listName string) string { return "list:" + listName }

// Member reports whether value belongs to listName. ok is false only when
// the lookup itself failed (e.g. Redis unavailable); a clean "not found"
// is (false, true).
func (s *ListStore) Member(ctx context.Context, listName, value string) (bool, bool) {
	negKey := listName + "\x1f" + value
	s.negMu.Lock()
	expiry, cached := s.negative[negKey]
	s.negMu.Unlock()
	if cached && time.Now().Before(expiry) {
		return false, true
	}

	member, err := s.rdb.SIsMember(ctx, listKey(listName), value).Result()
	if err != nil {
		return false, false
	}
	if !member {
		s.negMu.Lock()
		s.negative[negKey] = time.Now().Add(s.negTTL)
		s.negMu.Unlock()
	}
	return member, true
}

// ReplaceList atomically replaces the membership of one named list with
// entries. Entries already expired at reload time are skipped; no per-entry
// expiry is set in Redis, so an entry that expires after the reload stays a
// member until the next reload. Used by admin list reload
// (§6 /admin/lists/reload).
func (s *ListStore) ReplaceList(ctx context.Context, listName string, entries []domain.ListEntry) error {
	key := listKey(listName)
	tmpKey := key + ":reload"

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, tmpKey)
	now := time.Now().Unix()
	for _, e := range entries {
		if e.ExpiresAt != nil && *e.ExpiresAt <= now {
			continue // already expired, skip rather than load dead weight
		}
		pipe.SAdd(ctx, tmpKey, e.Value)
	}
	pipe.Rename(ctx, tmpKey, key)
	_, err := pipe.Exec(ctx)
	return err
}

// Ready reports whether the Redis-backed list/velocity store the Rules
// Evaluator (C5) depends on can currently be reached, used by the
// readiness endpoint (§4.1).
func (s *ListStore) Ready(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}

// NameFor builds the canonical list name for a (type, kind) pair, e.g.
// "deny_ip", "allow_device" — the naming scheme rule conditions reference
// via `IN deny_ip`.
func NameFor(t domain.ListType, k domain.ListKind) string {
	return fmt.Sprintf("%s_%s", t, k)
}
