package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fraudshield/decisionengine/internal/config"
	"github.com/fraudshield/decisionengine/internal/domain"
	"github.com/fraudshield/decisionengine/internal/rules"
	"github.com/fraudshield/decisionengine/internal/scorer"
)

func testCfg() config.Config {
	return config.Config{RuleThresholdLow: 0.50, RuleThresholdHigh: 0.70}
}

// S1: low ML score, no rule hits, no 2FA -> ALLOW.
func TestFuse_LowScoreAllows(t *testing.T) {
	result := fuse(scorer.Output{Score: 0.08, ModelVersion: "v1"}, rules.RulesOutput{}, false, false, testCfg())

	assert.Equal(t, domain.VerdictAllow, result.verdict)
	assert.Equal(t, 0.08, result.score)
	assert.Empty(t, result.ruleHits)
	assert.False(t, result.requires2FA)
}

// S2: mid-band score with non-critical rule hits and no 2FA -> CHALLENGE,
// requires_2fa true, rule_hits carries every triggered rule.
func TestFuse_MidBandChallengesWithoutPrior2FA(t *testing.T) {
	ro := rules.RulesOutput{
		Score: 0.40,
		Hits: []rules.RuleHit{
			{RuleID: "rule_night_tx_high_amount", Severity: domain.SeverityWarn},
			{RuleID: "rule_new_device", Severity: domain.SeverityWarn},
			{RuleID: "rule_geo_mismatch", Severity: domain.SeverityWarn},
		},
	}
	result := fuse(scorer.Output{Score: 0.62, ModelVersion: "v1"}, ro, false, false, testCfg())

	assert.Equal(t, domain.VerdictChallenge, result.verdict)
	assert.Equal(t, 0.62, result.score)
	assert.True(t, result.requires2FA)
	assert.Equal(t, []string{"rule_night_tx_high_amount", "rule_new_device", "rule_geo_mismatch"}, result.ruleHits)
}

// Mid-band score with has_initial_2fa=true downgrades friction to ALLOW,
// per §4.3 rule 4's "0.50 <= s <= 0.70 -> ALLOW if has_initial_2fa".
func TestFuse_MidBandAllowsWithPrior2FA(t *testing.T) {
	result := fuse(scorer.Output{Score: 0.55, ModelVersion: "v1"}, rules.RulesOutput{}, false, true, testCfg())

	assert.Equal(t, domain.VerdictAllow, result.verdict)
	assert.False(t, result.requires2FA)
}

// S3: a critical rule hit forces DENY regardless of score, and the
// reported score floors at max(1.0, ml_score).
func TestFuse_CriticalRuleForcesDenyAndFloorsScore(t *testing.T) {
	ro := rules.RulesOutput{
		Score: 0.30,
		Hits: []rules.RuleHit{
			{RuleID: "rule_deny_list_ip", Severity: domain.SeverityCritical},
		},
	}
	result := fuse(scorer.Output{Score: 0.94, ModelVersion: "v1"}, ro, false, false, testCfg())

	assert.Equal(t, domain.VerdictDeny, result.verdict)
	assert.GreaterOrEqual(t, result.score, 0.94)
	assert.Equal(t, "rule_deny_list_ip", result.ruleHits[0])
}

// Property 4: critical override holds even when ml_score is very low.
func TestFuse_CriticalOverrideIgnoresLowScore(t *testing.T) {
	ro := rules.RulesOutput{
		Hits: []rules.RuleHit{{RuleID: "rule_critical", Severity: domain.SeverityCritical}},
	}
	result := fuse(scorer.Output{Score: 0.01}, ro, false, false, testCfg())
	assert.Equal(t, domain.VerdictDeny, result.verdict)
}

// A deny-list hit (surfaced via ActionHint=DENY on a non-critical-severity
// rule) also forces DENY per §4.3 rule 2.
func TestFuse_DenyHintForcesDeny(t *testing.T) {
	ro := rules.RulesOutput{
		Hits: []rules.RuleHit{{RuleID: "rule_deny_ip", Severity: domain.SeverityWarn, ActionHint: domain.HintDeny}},
	}
	result := fuse(scorer.Output{Score: 0.10}, ro, false, false, testCfg())
	assert.Equal(t, domain.VerdictDeny, result.verdict)
}

// S5/S6: ML outage with a low non-critical rules score -> ALLOW, with a
// "ml_degraded" reason recorded.
func TestFuse_MLOutageWithLowRulesScoreAllows(t *testing.T) {
	ro := rules.RulesOutput{
		Score: 0.20,
		Hits:  []rules.RuleHit{{RuleID: "rule_minor", Severity: domain.SeverityInfo, Reason: "rule_minor"}},
	}
	result := fuse(scorer.Output{Absent: true, Reason: "ml_degraded"}, ro, false, false, testCfg())

	assert.Equal(t, domain.VerdictAllow, result.verdict)
	assert.Contains(t, result.reasons, "ml_degraded")
}

// Property 5: fail-safe - both ML and rules absent -> CHALLENGE with
// "scoring_degraded" reason.
func TestFuse_BothAbsentFailsSafe(t *testing.T) {
	result := fuse(scorer.Output{Absent: true}, rules.RulesOutput{}, true, false, testCfg())

	assert.Equal(t, domain.VerdictChallenge, result.verdict)
	assert.True(t, result.degraded)
	assert.True(t, result.requires2FA)
	assert.Equal(t, []string{"scoring_degraded"}, result.reasons)
}

// Property 3: threshold monotonicity - holding rules output and has2FA
// constant, a higher ml_score never produces a less restrictive verdict.
func TestFuse_ThresholdMonotonicity(t *testing.T) {
	scores := []float64{0.0, 0.10, 0.49, 0.50, 0.65, 0.70, 0.71, 0.95, 1.0}
	prevSeverity := -1
	for _, s := range scores {
		result := fuse(scorer.Output{Score: s}, rules.RulesOutput{}, false, false, testCfg())
		sev := result.verdict.Severity()
		assert.GreaterOrEqual(t, sev, prevSeverity, "score %v regressed verdict severity", s)
		prevSeverity = sev
	}
}

func TestFuse_HighScoreAboveThresholdDenies(t *testing.T) {
	result := fuse(scorer.Output{Score: 0.71}, rules.RulesOutput{}, false, false, testCfg())
	assert.Equal(t, domain.VerdictDeny, result.verdict)
}

func TestFuse_ExactlyHighThresholdIsMidBand(t *testing.T) {
	// §4.3: "0.50 <= s <= 0.70 -> ALLOW/CHALLENGE" means 0.70 itself is
	// still mid-band, not DENY.
	result := fuse(scorer.Output{Score: 0.70}, rules.RulesOutput{}, false, false, testCfg())
	assert.Equal(t, domain.VerdictChallenge, result.verdict)
}
