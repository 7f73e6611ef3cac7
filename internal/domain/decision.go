package domain

import "time"

// Verdict is the categorical outcome of a scoring request.
type Verdict string

const (
	VerdictAllow     Verdict = "ALLOW"
	VerdictChallenge Verdict = "CHALLENGE"
	VerdictDeny      Verdict = "DENY"
)

// Severity returns a total order over verdicts so fusion can reason about
// "more restrictive than" without string comparisons. Higher is stricter.
func (v Verdict) Severity() int {
	switch v {
	case VerdictDeny:
		return 2
	case VerdictChallenge:
		return 1
	default:
		return 0
	}
}

// Decision is the immutable output of the decision engine. Once written it is
// never mutated; repeated lookups of the same (tenant_id, idempotency_key)
// within the idempotency TTL must return byte-for-byte the same decision_id,
// verdict, score and rule_hits.
type Decision struct {
	DecisionID   string    `json:"decision_id"`
	EventID      string    `json:"event_id"`
	TenantID     string    `json:"tenant_id"`
	Verdict      Verdict   `json:"verdict"`
	Score        float64   `json:"score"`
	ModelVersion string    `json:"model_version"`
	RuleHits     []string  `json:"rule_hits"`
	Reasons      []string  `json:"reasons"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
	Requires2FA  bool      `json:"requires_2fa"`
	Degraded     bool      `json:"degraded,omitempty"`
}
