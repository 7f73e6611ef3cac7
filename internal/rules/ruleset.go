package rules

import (
	"sort"
	"sync/atomic"

	"github.com/fraudshield/decisionengine/internal/domain"
)

// CompiledRuleSet is a lock-free, read-mostly holder for the active rule
// bundle. Reload swaps in a new compiled slice atomically; readers never
// see a torn mix of old and new rules, matching the hot-reload behavior
// the teacher's config layer uses for its own live-swapped state.
type CompiledRuleSet struct {
	rules atomic.Value // []compiledRule
}

// NewCompiledRuleSet builds an empty, usable ruleset. Load must be called
// before any rule will fire; an empty set simply evaluates to no hits.
func NewCompiledRuleSet() *CompiledRuleSet {
	s := &CompiledRuleSet{}
	s.rules.Store([]compiledRule{})
	return s
}

// Load compiles doc and installs it as the active rule bundle. Returns the
// number of enabled rules installed, or an error if any rule failed to
// compile — in which case the previously active bundle is left untouched.
func (s *CompiledRuleSet) Load(doc domain.RuleSetDocument) (int, error) {
	compiled, err := CompileDocument(doc)
	if err != nil {
		return 0, err
	}
	s.rules.Store(compiled)
	enabled := 0
	for _, cr := range compiled {
		if cr.rule.Enabled {
			enabled++
		}
	}
	return enabled, nil
}

// orderedRules returns enabled rules sorted by ascending priority (lower
// fires first, per §3's rule_id tie-break), then by rule_id ascending for
// ties — a stable, deterministic evaluation order so rule_hits ordering
// never depends on map iteration or load order.
func (s *CompiledRuleSet) orderedRules() []compiledRule {
	all := s.rules.Load().([]compiledRule)
	out := make([]compiledRule, 0, len(all))
	for _, cr := range all {
		if cr.rule.Enabled {
			out = append(out, cr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rule.Priority != out[j].rule.Priority {
			return out[i].rule.Priority < out[j].rule.Priority
		}
		return out[i].rule.RuleID < out[j].rule.RuleID
	})
	return out
}

// RuleCount returns the number of rules currently loaded (enabled or not).
func (s *CompiledRuleSet) RuleCount() int {
	return len(s.rules.Load().([]compiledRule))
}
