package rules

import (
	"log"

	"github.com/fraudshield/decisionengine/internal/domain"
)

// eval walks a compiled condition tree against ectx. Truth follows
// three-valued logic: a Missing value propagates through AND/OR the way SQL
// NULL does (missing AND false = false, missing AND true = missing, missing
// OR true = true, missing OR false = missing) so that one absent field
// doesn't necessarily sink an otherwise-decidable clause.
func eval(e Expr, ectx EvaluationContext) Value {
	switch n := e.(type) {
	case numberLit:
		return numValue(n.value)
	case stringLit:
		return strValue(n.value)
	case boolLit:
		return boolValue(n.value)
	case listLit:
		vals := make([]Value, len(n.items))
		for i, item := range n.items {
			vals[i] = eval(item, ectx)
		}
		return listValue(vals)
	case ident:
		return ectx.field(n.name)
	case funcCall:
		return evalFuncCall(n, ectx)
	case unary:
		return evalNot(eval(n.x, ectx))
	case binary:
		return evalBinary(n, ectx)
	case membership:
		return evalMembership(n, ectx)
	default:
		return missingValue
	}
}

func evalFuncCall(n funcCall, ectx EvaluationContext) Value {
	switch n.name {
	case "velocity_1h", "velocity_24h":
		if len(n.args) != 1 {
			return missingValue
		}
		return ectx.callVelocity(n.name + ":" + n.args[0])
	case "member_of":
		if len(n.args) != 2 {
			return missingValue
		}
		return ectx.isMember(n.args[0], n.args[1])
	default:
		return missingValue
	}
}

func evalNot(v Value) Value {
	if v.kind != kindBool {
		return missingValue
	}
	return boolValue(!v.b)
}

func evalBinary(n binary, ectx EvaluationContext) Value {
	switch n.op {
	case tokAnd:
		return and3(eval(n.left, ectx), func() Value { return eval(n.right, ectx) })
	case tokOr:
		return or3(eval(n.left, ectx), func() Value { return eval(n.right, ectx) })
	case tokEQ, tokNE:
		left, right := eval(n.left, ectx), eval(n.right, ectx)
		if left.isMissing() || right.isMissing() {
			return missingValue
		}
		eq := left.equal(right)
		if n.op == tokNE {
			eq = !eq
		}
		return boolValue(eq)
	case tokLT, tokLE, tokGT, tokGE:
		left, right := eval(n.left, ectx), eval(n.right, ectx)
		if left.isMissing() || right.isMissing() {
			return missingValue
		}
		c, ok := left.compare(right)
		if !ok {
			return missingValue
		}
		switch n.op {
		case tokLT:
			return boolValue(c < 0)
		case tokLE:
			return boolValue(c <= 0)
		case tokGT:
			return boolValue(c > 0)
		default:
			return boolValue(c >= 0)
		}
	default:
		return missingValue
	}
}

// and3 implements Kleene/SQL three-valued AND with short-circuiting: a false
// left side skips evaluating right entirely (relevant for velocity/list
// calls that carry real I/O cost).
func and3(left Value, right func() Value) Value {
	if left.kind == kindBool && !left.b {
		return boolValue(false)
	}
	r := right()
	if left.kind == kindBool && left.b {
		if r.kind == kindBool {
			return r
		}
		return missingValue
	}
	// left is missing
	if r.kind == kindBool && !r.b {
		return boolValue(false)
	}
	return missingValue
}

func or3(left Value, right func() Value) Value {
	if left.kind == kindBool && left.b {
		return boolValue(true)
	}
	r := right()
	if left.kind == kindBool && !left.b {
		if r.kind == kindBool {
			return r
		}
		return missingValue
	}
	if r.kind == kindBool && r.b {
		return boolValue(true)
	}
	return missingValue
}

func evalMembership(n membership, ectx EvaluationContext) Value {
	left := eval(n.x, ectx)
	if left.isMissing() || left.kind != kindStr {
		return missingValue
	}
	if n.listName != "" {
		return ectx.isMember(n.listName, left.str)
	}
	for _, item := range n.literal {
		v := eval(item, ectx)
		if v.equal(left) {
			return boolValue(true)
		}
	}
	return boolValue(false)
}

// RuleHit records a single matched rule, carrying enough to build the
// decision's rule_hits/reasons lists without a second lookup.
type RuleHit struct {
	RuleID     string
	Score      float64
	Severity   domain.Severity
	ActionHint domain.ActionHint
	Reason     string
}

// RulesOutput is the Rules Evaluator's verdict for one transaction, fed
// into decision fusion alongside the ML score (§4.3).
type RulesOutput struct {
	Score       float64
	Hits        []RuleHit
	MaxSeverity domain.Severity
	Hint        domain.ActionHint
	// Annotations carries out-of-band signals produced while evaluating the
	// ruleset, deduplicated across every rule in the run — currently only
	// "velocity_timeout" (§4.8), surfaced by fusion into the decision's
	// reasons.
	Annotations []string
}

// Evaluate runs every enabled rule in set against ectx in stable
// (priority, rule_id) order, accumulating score and hits. A rule whose
// condition evaluates to Missing is skipped and logged — it neither
// matches nor errors the whole run, per the "skip on missing identifier"
// behavior.
func Evaluate(set *CompiledRuleSet, ectx EvaluationContext) RulesOutput {
	out := RulesOutput{}
	rules := set.orderedRules()
	seenAnnotations := map[string]bool{}

	for _, r := range rules {
		ectx.resetAnnotations()
		v := eval(r.expr, ectx)
		for _, ann := range ectx.takeAnnotations() {
			if !seenAnnotations[ann] {
				seenAnnotations[ann] = true
				out.Annotations = append(out.Annotations, ann)
			}
		}

		switch v.kind {
		case kindBool:
			if !v.b {
				continue
			}
		default:
			log.Printf("rules: rule %s condition evaluated to a non-boolean/missing result, skipping", r.rule.RuleID)
			continue
		}

		out.Hits = append(out.Hits, RuleHit{
			RuleID:     r.rule.RuleID,
			Score:      r.rule.Score,
			Severity:   r.rule.Severity,
			ActionHint: r.rule.ActionHint,
			Reason:     r.rule.RuleID,
		})
		if r.rule.Score > out.Score {
			out.Score = r.rule.Score
		}
		if severityRank(r.rule.Severity) > severityRank(out.MaxSeverity) {
			out.MaxSeverity = r.rule.Severity
			out.Hint = r.rule.ActionHint
		}
	}

	// out.Hits is already in (priority, rule_id) order because
	// orderedRules() produced the evaluation order; re-sorting here by
	// rule_id alone would discard the priority ordering §4.8 requires.
	return out
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 2
	case domain.SeverityWarn:
		return 1
	default:
		return 0
	}
}
