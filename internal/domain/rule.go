package domain

// RuleConfig defines a single named CEL predicate compiled by
// internal/rules.Engine. The mule classifier's ~17 signals and the
// fusion explainer's 30 explanation clauses are both tables of
// RuleConfig evaluated against a facts activation map, not a raw
// transaction — the engine itself is generalized, not the rules.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Expression is a CEL boolean predicate evaluated against the facts
	// activation map built by the caller (mule or fusion).
	Expression string `json:"expression"`

	// Weight is the signal weight (mule signals, 0.05-0.30) or, for an
	// explanation clause, unused.
	Weight float64 `json:"weight"`

	// Reason is the stable clause text emitted when this rule fires,
	// used verbatim by the fusion explainer and as a mule reason.
	Reason string `json:"reason"`

	Enabled bool `json:"enabled"`
}

// RuleResult is the output of a single rule evaluation.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	Fired     bool    `json:"fired"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
	Weight    float64 `json:"weight"`
	ProcessMs int64   `json:"processMs"`
}
