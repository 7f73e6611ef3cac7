// Package repository is C2: append-only persistence of events and
// decisions. Writes are upserts that no-op on a duplicate primary key (so a
// retried write is harmless) and a database-level rule against UPDATE/DELETE
// on decisions enforces immutability from outside this package too. The
// query shape — explicit columns, $N placeholders, sql.ErrNoRows translated
// to a typed error — follows internal/ledger/ledger.go in the teacher.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/fraudshield/decisionengine/internal/domain"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("repository: not found")

// Repository is the C2 append-only store for events and decisions.
type Repository struct {
	db *sql.DB
}

// Open opens a Postgres connection pool and configures it per §5's pool
// sizing guidance (pool size is the backpressure lever, not per-request
// connection creation).
func Open(dsn string, poolSize int) (*Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Repository{db: db}, nil
}

// New wraps an already-open *sql.DB (used by tests with a stub/mock driver).
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Schema is the DDL for the append-only tables of §6, including the trigger
// that rejects mutation of decisions. Callers run this once at startup or via
// an external migration tool; it is exposed here rather than hidden so the
// invariant it encodes is visible in code review.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id   TEXT PRIMARY KEY,
	event_id      TEXT NOT NULL REFERENCES events(event_id),
	tenant_id     TEXT NOT NULL,
	verdict       TEXT NOT NULL,
	score         DOUBLE PRECISION NOT NULL,
	rule_hits     JSONB NOT NULL,
	reasons       JSONB NOT NULL,
	model_version TEXT NOT NULL,
	requires_2fa  BOOLEAN NOT NULL,
	degraded      BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS decisions_event_id_idx ON decisions(event_id);

CREATE OR REPLACE FUNCTION reject_decision_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'decisions is append-only: % not permitted', TG_OP;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS decisions_no_update ON decisions;
CREATE TRIGGER decisions_no_update BEFORE UPDATE OR DELETE ON decisions
	FOR EACH ROW EXECUTE FUNCTION reject_decision_mutation();
`

// SaveEvent durably writes a TransactionEvent before any external scoring
// call (§4.2 step 3), so the audit trail survives even if later steps fail.
// A duplicate event_id is a no-op, not an error, matching §4.5.
func (r *Repository) SaveEvent(ctx context.Context, ev domain.TransactionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("repository: failed to marshal event: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO events (event_id, tenant_id, payload, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.TenantID, payload, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to save event: %w", err)
	}
	return nil
}

// SaveDecision durably writes a Decision. A duplicate decision_id (a retried
// write from the repair queue) is a no-op.
func (r *Repository) SaveDecision(ctx context.Context, d domain.Decision) error {
	ruleHits, err := json.Marshal(d.RuleHits)
	if err != nil {
		return fmt.Errorf("repository: failed to marshal rule_hits: %w", err)
	}
	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return fmt.Errorf("repository: failed to marshal reasons: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO decisions
		   (decision_id, event_id, tenant_id, verdict, score, rule_hits, reasons,
		    model_version, requires_2fa, degraded, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (decision_id) DO NOTHING`,
		d.DecisionID, d.EventID, d.TenantID, string(d.Verdict), d.Score, ruleHits, reasons,
		d.ModelVersion, d.Requires2FA, d.Degraded, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to save decision: %w", err)
	}
	return nil
}

// GetDecisionByEventID implements §4.5's get_decision_by_event read. The
// orchestrator's idempotent replay reads by decision id (GetDecisionByID)
// instead.
func (r *Repository) GetDecisionByEventID(ctx context.Context, eventID string) (*domain.Decision, error) {
	return r.scanDecision(ctx,
		`SELECT decision_id, event_id, tenant_id, verdict, score, rule_hits, reasons,
		        model_version, requires_2fa, degraded, created_at
		 FROM decisions WHERE event_id = $1`, eventID)
}

// GetDecisionByID looks up a decision by its server-generated id, used to
// resolve an idempotency-store hit into the full decision payload.
func (r *Repository) GetDecisionByID(ctx context.Context, decisionID string) (*domain.Decision, error) {
	return r.scanDecision(ctx,
		`SELECT decision_id, event_id, tenant_id, verdict, score, rule_hits, reasons,
		        model_version, requires_2fa, degraded, created_at
		 FROM decisions WHERE decision_id = $1`, decisionID)
}

func (r *Repository) scanDecision(ctx context.Context, query string, arg string) (*domain.Decision, error) {
	var d domain.Decision
	var verdict string
	var ruleHits, reasons []byte

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&d.DecisionID, &d.EventID, &d.TenantID, &verdict, &d.Score, &ruleHits, &reasons,
		&d.ModelVersion, &d.Requires2FA, &d.Degraded, &d.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: failed to load decision: %w", err)
	}

	d.Verdict = domain.Verdict(verdict)
	if err := json.Unmarshal(ruleHits, &d.RuleHits); err != nil {
		return nil, fmt.Errorf("repository: corrupt rule_hits: %w", err)
	}
	if err := json.Unmarshal(reasons, &d.Reasons); err != nil {
		return nil, fmt.Errorf("repository: corrupt reasons: %w", err)
	}
	return &d, nil
}

// Ready reports whether the database can currently be reached.
func (r *Repository) Ready(ctx context.Context) bool {
	return r.db.PingContext(ctx) == nil
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}
