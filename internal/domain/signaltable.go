package domain

// SignalTable groups weighted signal predicates under a single
// accumulation threshold. The mule classifier is its one built-in
// instance; the shape stays generic so new signal groups can be
// configured without new evaluation code.
type SignalTable struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Signals        []RuleConfig `json:"signals"`
	AlertThreshold float64      `json:"alertThreshold"` // classification threshold
}

// SignalTableResult is the aggregated result of evaluating a SignalTable.
type SignalTableResult struct {
	Score     float64      `json:"score"`
	Threshold float64      `json:"threshold"`
	Triggered bool         `json:"triggered"`
	Fired     []RuleResult `json:"fired"`
}
