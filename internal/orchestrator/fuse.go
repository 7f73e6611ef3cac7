// Package orchestrator is C6: decision fusion and the end-to-end scoring
// pipeline (§4.2, §4.3) tying idempotency, persistence, the rules evaluator,
// the ML scorer, and publication into a single bounded-latency call.
package orchestrator

import (
	"github.com/fraudshield/decisionengine/internal/config"
	"github.com/fraudshield/decisionengine/internal/domain"
	"github.com/fraudshield/decisionengine/internal/rules"
	"github.com/fraudshield/decisionengine/internal/scorer"
)

// fusionResult is the pure output of combining an ML score with a rules
// verdict, before anything is persisted or published.
type fusionResult struct {
	verdict     domain.Verdict
	score       float64
	degraded    bool
	requires2FA bool
	reasons     []string
	ruleHits    []string
	modelVer    string
}

// fuse implements §4.3's decision order exactly:
//  1. any critical-severity rule hit, or any rule whose action hint is DENY
//     (this is how list hits surface, since list membership is just another
//     rule condition) forces DENY regardless of score, with the reported
//     score floored at 1.0 — the critical hit matters more than whatever
//     the ML model happened to say.
//  2. any deny-list hit (surfaced the same way, via the hint/severity the
//     list-membership rule carries) forces DENY.
//  3. if both the ML scorer and the rules evaluator came back absent, fail
//     safe to CHALLENGE rather than silently ALLOW.
//  4. otherwise the effective score is the max of the two signals, compared
//     against the configured thresholds; the mid-band (low <= s <= high)
//     downgrades to ALLOW when the caller already completed a first-factor
//     2FA, else it requires a CHALLENGE.
func fuse(ml scorer.Output, ro rules.RulesOutput, rulesAbsent bool, has2FA bool, cfg config.Config) fusionResult {
	hits := make([]string, len(ro.Hits))
	reasons := make([]string, len(ro.Hits))
	for i, h := range ro.Hits {
		hits[i] = h.RuleID
		reasons[i] = h.Reason
	}
	// Annotations (currently only "velocity_timeout", §4.8) ride along as
	// reasons regardless of which verdict branch below fires.
	reasons = append(reasons, ro.Annotations...)

	for _, h := range ro.Hits {
		if h.Severity == domain.SeverityCritical || h.ActionHint == domain.HintDeny {
			score := ro.Score
			if !ml.Absent && ml.Score > score {
				score = ml.Score
			}
			if score < 1.0 {
				score = 1.0
			}
			return fusionResult{
				verdict:  domain.VerdictDeny,
				score:    score,
				reasons:  append(reasons, "critical_rule_hit"),
				ruleHits: hits,
				modelVer: ml.ModelVersion,
			}
		}
	}

	if ml.Absent && rulesAbsent {
		return fusionResult{
			verdict:     domain.VerdictChallenge,
			degraded:    true,
			requires2FA: true,
			reasons:     []string{"scoring_degraded"},
			ruleHits:    hits,
		}
	}

	score := ro.Score
	if !ml.Absent && ml.Score > score {
		score = ml.Score
	}

	var verdict domain.Verdict
	switch {
	case score > cfg.RuleThresholdHigh:
		verdict = domain.VerdictDeny
	case score >= cfg.RuleThresholdLow:
		if has2FA {
			verdict = domain.VerdictAllow
		} else {
			verdict = domain.VerdictChallenge
		}
	default:
		verdict = domain.VerdictAllow
	}

	if ml.Absent {
		reasons = append(reasons, ml.Reason)
	}

	return fusionResult{
		verdict:     verdict,
		score:       score,
		requires2FA: verdict == domain.VerdictChallenge,
		reasons:     reasons,
		ruleHits:    hits,
		modelVer:    ml.ModelVersion,
	}
}
