package rules

import "context"

// VelocityFunc answers velocity_1h/velocity_24h(field) calls. field is the
// window plus a configured counter name — e.g. "velocity_1h:amount_sum_by_card"
// or "velocity_24h:count_by_device" — resolved by the caller (see
// VelocityStore.Func), not by the evaluator itself. ok is false when the counter can't be read at all,
// which the evaluator treats as a missing value. timedOut is true when the
// failure was specifically the hard per-read deadline (§4.8) expiring, as
// opposed to some other store error — only a timeout gets annotated.
type VelocityFunc func(ctx context.Context, field string) (value float64, ok bool, timedOut bool)

// ListMemberFunc answers both `x IN list_name` and member_of("list", "value")
// calls. ok is false on lookup failure (e.g. Redis unavailable), which the
// evaluator treats as a missing value rather than erroring the whole rule.
type ListMemberFunc func(ctx context.Context, listName, value string) (member bool, ok bool)

// EvaluationContext is the read-only view of a single transaction an
// evaluator run is scored against. The orchestrator builds one from the
// validated event plus live counters and list lookups; the rules package
// never reaches back into domain.TransactionEvent directly, which keeps the
// DSL's surface exactly the set of fields the context chooses to expose.
type EvaluationContext struct {
	ctx         context.Context
	fields      map[string]Value
	velocity    VelocityFunc
	member      ListMemberFunc
	annotations *[]string
}

// NewEvaluationContext builds a context from a flat field map. Field names
// are whatever the orchestrator chooses to project from the event (e.g.
// "amount", "merchant_mcc", "channel", "merchant_country") — the DSL addresses
// them by identifier, so the projection is the contract with rule authors.
// The returned context carries a shared annotations slot so Evaluate can
// collect out-of-band signals (e.g. "velocity_timeout") produced while
// evaluating every rule in one pass.
func NewEvaluationContext(ctx context.Context, fields map[string]Value, velocity VelocityFunc, member ListMemberFunc) EvaluationContext {
	return EvaluationContext{ctx: ctx, fields: fields, velocity: velocity, member: member, annotations: new([]string)}
}

// noteAnnotation records ann if it hasn't already been recorded during the
// current rule's evaluation.
func (e EvaluationContext) noteAnnotation(ann string) {
	if e.annotations == nil {
		return
	}
	for _, a := range *e.annotations {
		if a == ann {
			return
		}
	}
	*e.annotations = append(*e.annotations, ann)
}

// resetAnnotations clears the annotation slot before evaluating one rule.
func (e EvaluationContext) resetAnnotations() {
	if e.annotations != nil {
		*e.annotations = nil
	}
}

// takeAnnotations returns the annotations recorded since the last reset.
func (e EvaluationContext) takeAnnotations() []string {
	if e.annotations == nil {
		return nil
	}
	return *e.annotations
}

func (e EvaluationContext) field(name string) Value {
	if v, ok := e.fields[name]; ok {
		return v
	}
	return missingValue
}

func (e EvaluationContext) callVelocity(field string) Value {
	if e.velocity == nil {
		return missingValue
	}
	v, ok, timedOut := e.velocity(e.ctx, field)
	if timedOut {
		// §4.8: on timeout the function returns 0 (a real value, not
		// Missing) so a condition like `velocity_1h("x") > 1000` still
		// evaluates definitively; the annotation is what flags the read as
		// degraded rather than a genuine zero count.
		e.noteAnnotation("velocity_timeout")
		return numValue(0)
	}
	if !ok {
		return missingValue
	}
	return numValue(v)
}

func (e EvaluationContext) isMember(listName, value string) Value {
	if e.member == nil {
		return missingValue
	}
	member, ok := e.member(e.ctx, listName, value)
	if !ok {
		return missingValue
	}
	return boolValue(member)
}
