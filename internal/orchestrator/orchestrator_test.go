package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudshield/decisionengine/internal/config"
	"github.com/fraudshield/decisionengine/internal/domain"
	"github.com/fraudshield/decisionengine/internal/idempotency"
	"github.com/fraudshield/decisionengine/internal/repository"
	"github.com/fraudshield/decisionengine/internal/rules"
	"github.com/fraudshield/decisionengine/internal/scorer"
	"github.com/fraudshield/decisionengine/pkg/circuit"
	"github.com/fraudshield/decisionengine/shared/events"
)

// fakePublisher stands in for the real NATS-backed publisher.Publisher,
// which has no in-memory fake in the rest of the pack — the orchestrator's
// Publisher interface exists specifically so tests can supply this instead
// of a live JetStream connection.
type fakePublisher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, env events.DecisionEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakePublisher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func baseTestCfg() config.Config {
	return config.Config{
		IdempotencyTTL:    time.Hour,
		RuleThresholdLow:  0.50,
		RuleThresholdHigh: 0.70,
		FanoutDeadline:    80 * time.Millisecond,
		RulesDeadline:     50 * time.Millisecond,
		VelocityTimeout:   20 * time.Millisecond,
	}
}

// testEngine bundles an Engine with the fakes/backing stores its tests poke
// at directly, since this file lives in package orchestrator.
type testEngine struct {
	engine *Engine
	mock   sqlmock.Sqlmock
	pub    *fakePublisher
}

func newTestEngine(t *testing.T, cfg config.Config, scorerClient *scorer.Client, pub *fakePublisher) *testEngine {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := repository.New(db)
	repair := repository.NewRepairQueue(repo, 10, 1, time.Millisecond)

	idem := idempotency.New(rdb)
	ruleset := rules.NewCompiledRuleSet()
	velocity := rules.NewVelocityStore(rdb, map[string]rules.Aggregation{
		"amount_sum_by_card": rules.AggSum,
		"count_by_card":      rules.AggCount,
		"count_by_device":    rules.AggCount,
	}, cfg.VelocityTimeout)
	lists := rules.NewListStore(rdb)

	engine := New(cfg, idem, repo, repair, pub, scorerClient, nil, ruleset, velocity, lists)
	return &testEngine{engine: engine, mock: mock, pub: pub}
}

func newScorerClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *scorer.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return scorer.New(server.URL, timeout, circuit.Config{MaxFailures: 5, Timeout: time.Second, HalfOpenMax: 1})
}

func sampleEvent() domain.TransactionEvent {
	return domain.TransactionEvent{
		EventID:        "evt-1",
		TenantID:       "tenant-1",
		IdempotencyKey: "idem-1",
		Amount:         decimal.NewFromFloat(45.50),
		Currency:       "EUR",
		Timestamp:      time.Now().UTC(),
		Merchant:       domain.Merchant{ID: "merch-1", MCC: "5411", Country: "FR"},
		Card:           domain.Card{CardID: "card-1", UserID: "user-1", Type: domain.CardPhysical},
		Context:        domain.TxContext{Channel: domain.ChannelApp, DeviceID: "device-1"},
		Security:       domain.Security{AuthMethod: domain.AuthPIN},
	}
}

func lowScoreHandler(calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		json.NewEncoder(w).Encode(map[string]any{"score": 0.05, "model_version": "v1"})
	}
}

// Property 1 (§8): a retried request sharing (tenant_id, idempotency_key)
// observes the same decision and never reaches the scorer a second time.
func TestScore_IdempotentReplayReturnsSameDecisionWithoutRescoring(t *testing.T) {
	var calls int32
	scorerClient := newScorerClient(t, lowScoreHandler(&calls), 50*time.Millisecond)
	pub := &fakePublisher{}
	te := newTestEngine(t, baseTestCfg(), scorerClient, pub)

	te.mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))
	te.mock.ExpectExec("INSERT INTO decisions").WillReturnResult(sqlmock.NewResult(1, 1))

	ev := sampleEvent()
	first, err := te.engine.Score(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAllow, first.Verdict)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	ruleHits, err := json.Marshal(first.RuleHits)
	require.NoError(t, err)
	reasons, err := json.Marshal(first.Reasons)
	require.NoError(t, err)
	rows := sqlmock.NewRows([]string{
		"decision_id", "event_id", "tenant_id", "verdict", "score", "rule_hits", "reasons",
		"model_version", "requires_2fa", "degraded", "created_at",
	}).AddRow(
		first.DecisionID, first.EventID, first.TenantID, string(first.Verdict), first.Score, ruleHits, reasons,
		first.ModelVersion, first.Requires2FA, first.Degraded, first.CreatedAt,
	)
	te.mock.ExpectQuery("SELECT decision_id, event_id, tenant_id, verdict, score, rule_hits, reasons").
		WithArgs(first.DecisionID).
		WillReturnRows(rows)

	second, err := te.engine.Score(context.Background(), sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, first.DecisionID, second.DecisionID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "a replayed request must not call the scorer again")
	assert.Equal(t, 1, pub.Calls(), "a replayed request must not publish again")
}

// §4.5/§7: a failed event write (§4.2 step 3) must fail the request with a
// PersistenceError and never reach scoring or publication.
func TestScore_EventPersistenceFailureReturnsPersistenceErrorWithoutScoring(t *testing.T) {
	var calls int32
	scorerClient := newScorerClient(t, lowScoreHandler(&calls), 50*time.Millisecond)
	pub := &fakePublisher{}
	te := newTestEngine(t, baseTestCfg(), scorerClient, pub)

	te.mock.ExpectExec("INSERT INTO events").WillReturnError(errors.New("connection reset"))

	_, err := te.engine.Score(context.Background(), sampleEvent())
	require.Error(t, err)

	var perr *PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls), "scoring must not run once the event write fails")
	assert.Equal(t, 0, pub.Calls(), "publishing must not run once the event write fails")
}

// §5: when both the ML scorer and the rules evaluator miss their budget,
// Score fails safe to a degraded CHALLENGE rather than silently allowing.
func TestScore_BothSignalsMissingBudgetDegradesToChallenge(t *testing.T) {
	slowHandler := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"score": 0.9, "model_version": "v1"})
	}
	scorerClient := newScorerClient(t, slowHandler, 2*time.Millisecond)
	pub := &fakePublisher{}

	cfg := baseTestCfg()
	cfg.RulesDeadline = 0 // already expired by the time the rules goroutine checks it

	te := newTestEngine(t, cfg, scorerClient, pub)
	te.mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))
	te.mock.ExpectExec("INSERT INTO decisions").WillReturnResult(sqlmock.NewResult(1, 1))

	decision, err := te.engine.Score(context.Background(), sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, domain.VerdictChallenge, decision.Verdict)
	assert.True(t, decision.Degraded)
	assert.True(t, decision.Requires2FA)
	assert.Equal(t, []string{"scoring_degraded"}, decision.Reasons)
}

// recordVelocity fires in the background after Score returns, so the
// counter must eventually reflect the transaction without being on the
// response's own latency budget.
func TestScore_RecordsVelocityCountersAfterResponding(t *testing.T) {
	var calls int32
	scorerClient := newScorerClient(t, lowScoreHandler(&calls), 50*time.Millisecond)
	pub := &fakePublisher{}
	te := newTestEngine(t, baseTestCfg(), scorerClient, pub)

	te.mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))
	te.mock.ExpectExec("INSERT INTO decisions").WillReturnResult(sqlmock.NewResult(1, 1))

	ev := sampleEvent()
	_, err := te.engine.Score(context.Background(), ev)
	require.NoError(t, err)

	velocityFn := te.engine.velocity.Func(ev.Card.CardID)
	assert.Eventually(t, func() bool {
		count, ok, timedOut := velocityFn(context.Background(), "velocity_1h:count_by_card")
		return ok && !timedOut && count >= 1
	}, time.Second, 10*time.Millisecond, "count_by_card must be recorded after scoring completes")
}
