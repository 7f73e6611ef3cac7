package domain

// Severity classifies how strongly a triggered rule should influence fusion.
// A single critical hit forces a DENY verdict regardless of score (§4.3 rule 1).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// ActionHint is advisory metadata a rule carries; fusion computes the
// verdict itself and does not defer to it, but it is surfaced in reasons/
// metadata for operators.
type ActionHint string

const (
	HintAllow     ActionHint = "ALLOW"
	HintReview    ActionHint = "REVIEW"
	HintChallenge ActionHint = "CHALLENGE"
	HintDeny      ActionHint = "DENY"
)

// Rule is a single entry in the active rule set. RuleID+Version is immutable;
// a reload replaces the whole active vector atomically, it never patches a
// single rule in place.
type Rule struct {
	RuleID     string            `json:"rule_id"`
	Version    int               `json:"version"`
	Enabled    bool              `json:"enabled"`
	Priority   int               `json:"priority"`
	Condition  string            `json:"condition"`
	Score      float64           `json:"score"`
	ActionHint ActionHint        `json:"action_hint"`
	Severity   Severity          `json:"severity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RuleSetDocument is the wire shape of the rule configuration source (§6):
// `{"rules": [...]}`. A document with any rule that fails to compile is
// rejected whole — see rules.CompileDocument.
type RuleSetDocument struct {
	Rules []Rule `json:"rules"`
}

// ListType is which side of the allow/deny boundary a ListEntry belongs to.
type ListType string

const (
	ListAllow ListType = "allow"
	ListDeny  ListType = "deny"
)

// ListKind is the subject a ListEntry matches against.
type ListKind string

const (
	ListKindIP      ListKind = "ip"
	ListKindDevice  ListKind = "device"
	ListKindUser    ListKind = "user"
	ListKindCard    ListKind = "card"
	ListKindCountry ListKind = "country"
)

// ListEntry is a single allow/deny-list membership record. An entry whose
// ExpiresAt is already in the past when its list is reloaded is left out of
// the list (see rules.ListStore.ReplaceList); expiry is not re-checked by
// later membership tests.
type ListEntry struct {
	ListType  ListType  `json:"list_type"`
	Kind      ListKind  `json:"kind"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason"`
	ExpiresAt *int64    `json:"expires_at,omitempty"` // unix seconds, nil = no expiry
}
