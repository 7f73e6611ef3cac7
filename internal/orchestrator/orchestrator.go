package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fraudshield/decisionengine/internal/config"
	"github.com/fraudshield/decisionengine/internal/domain"
	"github.com/fraudshield/decisionengine/internal/idempotency"
	"github.com/fraudshield/decisionengine/internal/repository"
	"github.com/fraudshield/decisionengine/internal/rules"
	"github.com/fraudshield/decisionengine/internal/scorer"
	"github.com/fraudshield/decisionengine/shared/events"
)

// ErrorRecorder tags one error occurrence with its kind for the /metrics
// errors_total{kind} counter (§4.1, §7: "every error increments a counter
// tagged with its kind"). Declared here, not in internal/metrics, so Engine
// depends on the narrow capability it actually uses rather than the whole
// Sink — *metrics.Sink satisfies it, and tests can supply a fake.
type ErrorRecorder interface {
	IncrementError(kind string)
}

// Publisher is the narrow slice of publisher.Publisher the orchestrator
// depends on. Declaring it here (rather than importing the concrete type)
// lets tests exercise the full pipeline without a live NATS connection,
// the one dependency the rest of the pack has no in-memory fake for.
type Publisher interface {
	Publish(ctx context.Context, env events.DecisionEnvelope) error
}

// Engine wires every subsystem into the single scoring entry point. It is
// the fraud-domain analog of the teacher's gateway: one object per process
// that owns every downstream dependency and exposes one call per public
// operation.
type Engine struct {
	cfg config.Config

	idem   *idempotency.Store
	repo   *repository.Repository
	repair *repository.RepairQueue
	pub    Publisher
	scor   *scorer.Client
	errs   ErrorRecorder

	ruleset  *rules.CompiledRuleSet
	velocity *rules.VelocityStore
	lists    *rules.ListStore
}

// New assembles an Engine from already-constructed dependencies; wiring
// them up (config, connection pools, etc.) is cmd/decisionengine/main.go's
// job, not this package's. errs may be nil, in which case error kinds are
// simply not recorded (used by tests that don't care about metrics).
func New(
	cfg config.Config,
	idem *idempotency.Store,
	repo *repository.Repository,
	repair *repository.RepairQueue,
	pub Publisher,
	scor *scorer.Client,
	errs ErrorRecorder,
	ruleset *rules.CompiledRuleSet,
	velocity *rules.VelocityStore,
	lists *rules.ListStore,
) *Engine {
	return &Engine{
		cfg: cfg, idem: idem, repo: repo, repair: repair, pub: pub, scor: scor, errs: errs,
		ruleset: ruleset, velocity: velocity, lists: lists,
	}
}

func (e *Engine) incrementError(kind string) {
	if e.errs != nil {
		e.errs.IncrementError(kind)
	}
}

// Score runs the full decision pipeline for ev (§4.2): validate, check
// idempotency, persist the raw event, fan out ML scoring and rule
// evaluation under a shared deadline, fuse the two signals into a verdict,
// persist and publish the decision, then update velocity counters.
func (e *Engine) Score(ctx context.Context, ev domain.TransactionEvent) (domain.Decision, error) {
	start := time.Now()

	if err := ev.Validate(); err != nil {
		e.incrementError("validation_error")
		return domain.Decision{}, &ValidationError{Err: err}
	}

	scope := ev.IdempotencyScope()
	reservation := e.idem.Reserve(ctx, scope, e.cfg.IdempotencyTTL)
	if reservation.Status == idempotency.StatusUnavailable {
		e.incrementError("idempotency_unavailable")
	}
	if reservation.Status == idempotency.StatusExisting {
		existing, err := e.repo.GetDecisionByID(ctx, reservation.ExistingDecisionID)
		if err == nil {
			return *existing, nil
		}
		// The idempotency key resolved but the row isn't readable (e.g. a
		// replica lag blip); fall through and score fresh rather than fail
		// the request outright.
		log.Printf("orchestrator: idempotency hit %s but decision lookup failed: %v", reservation.ExistingDecisionID, err)
	}

	if err := e.repo.SaveEvent(ctx, ev); err != nil {
		e.incrementError("persistence_error")
		return domain.Decision{}, &PersistenceError{Err: fmt.Errorf("save event %s: %w", ev.EventID, err)}
	}

	fanoutCtx, cancel := context.WithTimeout(ctx, e.cfg.FanoutDeadline)
	defer cancel()

	rulesCtx, rulesCancel := context.WithTimeout(fanoutCtx, e.cfg.RulesDeadline)
	defer rulesCancel()

	var mlOut scorer.Output
	var ruleOut rules.RulesOutput
	var rulesAbsent bool

	g, gctx := errgroup.WithContext(fanoutCtx)
	g.Go(func() error {
		mlOut = e.scor.Score(gctx, ev)
		return nil
	})
	g.Go(func() error {
		select {
		case <-rulesCtx.Done():
			rulesAbsent = true
			return nil
		default:
		}
		ectx := e.buildEvaluationContext(rulesCtx, ev)
		ruleOut = rules.Evaluate(e.ruleset, ectx)
		return nil
	})
	// Both goroutines always return nil, so g.Wait() always returns nil and
	// serves only as the join barrier; a missed deadline shows up as an
	// absent ML or rules output, not as an error here.
	_ = g.Wait()

	if mlOut.Absent {
		kind := mlOut.Reason
		if kind == "" {
			kind = "ml_degraded"
		}
		e.incrementError(kind)
	}
	if rulesAbsent {
		e.incrementError("rules_unavailable")
	}

	result := fuse(mlOut, ruleOut, rulesAbsent, ev.HasInitial2FA, e.cfg)

	decision := domain.Decision{
		DecisionID:   uuid.NewString(),
		EventID:      ev.EventID,
		TenantID:     ev.TenantID,
		Verdict:      result.verdict,
		Score:        result.score,
		ModelVersion: result.modelVer,
		RuleHits:     result.ruleHits,
		Reasons:      result.reasons,
		LatencyMS:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now().UTC(),
		Requires2FA:  result.requires2FA,
		Degraded:     result.degraded,
	}

	if err := e.repo.SaveDecision(ctx, decision); err != nil {
		log.Printf("orchestrator: save decision %s failed, enqueuing repair: %v", decision.DecisionID, err)
		e.incrementError("persistence_error")
		e.repair.Enqueue(decision)
	}

	if err := e.pub.Publish(ctx, events.DecisionEnvelope{
		DecisionID:   decision.DecisionID,
		EventID:      decision.EventID,
		TenantID:     decision.TenantID,
		Verdict:      string(decision.Verdict),
		Score:        decision.Score,
		RuleHits:     decision.RuleHits,
		ModelVersion: decision.ModelVersion,
		CreatedAt:    decision.CreatedAt,
		Degraded:     decision.Degraded,
	}); err != nil {
		log.Printf("orchestrator: publish decision %s failed: %v", decision.DecisionID, err)
		e.incrementError("publish_error")
	}

	go e.recordVelocity(ev, decision)

	finalID, err := e.idem.Finalize(context.Background(), scope, decision.DecisionID, e.cfg.IdempotencyTTL)
	if err == nil && finalID != decision.DecisionID {
		// Lost the finalize race: another request's decision is canonical.
		// Ours is already durably persisted, which is harmless duplication,
		// but the caller must see the one everyone else will see.
		if canonical, err := e.repo.GetDecisionByID(ctx, finalID); err == nil {
			return *canonical, nil
		}
	}

	return decision, nil
}

// recordVelocity updates the sliding-window counters used by
// velocity_1h/velocity_24h rule conditions. It runs after the response has
// already been computed, so its latency never counts against the caller.
func (e *Engine) recordVelocity(ev domain.TransactionEvent, d domain.Decision) {
	ctx := context.Background()
	now := d.CreatedAt
	amount := ev.Amount.InexactFloat64()

	if err := e.velocity.Record(ctx, ev.Card.CardID, "amount_sum_by_card", amount, now); err != nil {
		log.Printf("orchestrator: velocity record amount_sum_by_card failed: %v", err)
	}
	if err := e.velocity.Record(ctx, ev.Card.CardID, "count_by_card", 1, now); err != nil {
		log.Printf("orchestrator: velocity record count_by_card failed: %v", err)
	}
	if ev.Context.DeviceID != "" {
		if err := e.velocity.Record(ctx, ev.Context.DeviceID, "count_by_device", 1, now); err != nil {
			log.Printf("orchestrator: velocity record count_by_device failed: %v", err)
		}
	}
}

// ValidationError wraps a schema validation failure so the API layer can
// distinguish it (HTTP 400) from an internal failure (HTTP 500).
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// PersistenceError wraps a durable-write failure that §4.5 requires to
// fail the request outright: a lost event write means the audit trail
// never recorded the transaction, so scoring it anyway would produce a
// decision with no corresponding event row. The API layer maps this to
// HTTP 500 without calling the scoring/publish path (§7).
type PersistenceError struct{ Err error }

func (e *PersistenceError) Error() string { return e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
