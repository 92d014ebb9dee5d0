package fusion

import (
	"context"
	"strings"

	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/rules"
)

// explanationRules are the clause-level predicates evaluated against the
// merged signal map. Each carries a stable clause string, so re-running
// fusion on unchanged inputs reproduces the identical explanation. The
// slice order is the emission order of flags and clauses; each rule fires
// at most once per explanation.
var explanationRules = []*domain.RuleConfig{
	{ID: "impossible_travel", Expression: `facts["impossible_travel"]`, Reason: "impossible travel speed between consecutive locations", Enabled: true},
	{ID: "identical_amount_structuring", Expression: `facts["identical_amount_structuring"]`, Reason: "repeated near-identical amounts to the same receiver within an hour", Enabled: true},
	{ID: "circadian_new_device", Expression: `facts["circadian_new_device"]`, Reason: "rare-hour transaction from a first-seen device", Enabled: true},
	{ID: "circadian_anomaly", Expression: `facts["circadian_anomaly"] && !facts["circadian_new_device"]`, Reason: "transaction at an hour this account almost never uses", Enabled: true},
	{ID: "sleep_and_flash", Expression: `facts["sleep_and_flash"]`, Reason: "extreme amount spike immediately after long dormancy", Enabled: true},
	{ID: "dormant_burst", Expression: `facts["dormant_burst"]`, Reason: "dormant account transacting above its profile mean", Enabled: true},
	{ID: "first_strike", Expression: `facts["first_strike"] && !facts["sleep_and_flash"]`, Reason: "first activity after an extended dormant period", Enabled: true},
	{ID: "amount_zscore_high", Expression: `facts["amount_zscore_high"]`, Reason: "amount far outside the rolling profile", Enabled: true},
	{ID: "three_sigma_spike", Expression: `facts["three_sigma_spike"]`, Reason: "amount exceeds three standard deviations of profile", Enabled: true},
	{ID: "iqr_outlier", Expression: `facts["iqr_outlier"]`, Reason: "amount is an interquartile-range outlier versus recent history", Enabled: true},
	{ID: "fixed_amount_repetition", Expression: `facts["fixed_amount_repetition"]`, Reason: "repeated fixed-amount transfers", Enabled: true},
	{ID: "velocity_burst", Expression: `facts["velocity_burst"] || facts["burst_10plus"]`, Reason: "high transaction velocity in the last minute", Enabled: true},
	{ID: "pass_through_high", Expression: `facts["pass_through_high"]`, Reason: "funds passed through shortly after receipt", Enabled: true},
	{ID: "single_tx_dominance", Expression: `facts["single_tx_dominance"]`, Reason: "single transfer dominates recent outflow", Enabled: true},
	{ID: "endpoint_rotation", Expression: `facts["endpoint_rotation"]`, Reason: "rapid rotation across network endpoints", Enabled: true},
	{ID: "asn_high_risk", Expression: `facts["asn_high_risk"]`, Reason: "network origin carries elevated ASN risk", Enabled: true},
	{ID: "night_transaction", Expression: `facts["night_transaction"]`, Reason: "transaction during night hours", Enabled: true},
	{ID: "community_high_risk", Expression: `facts["community_high_risk"] || facts["community_high_risk_members"]`, Reason: "member of a high-risk transfer community", Enabled: true},
	{ID: "high_betweenness", Expression: `facts["high_betweenness"]`, Reason: "account routes many transfer paths between others", Enabled: true},
	{ID: "high_pagerank", Expression: `facts["high_pagerank"]`, Reason: "account is a prominent hub in the transfer graph", Enabled: true},
	{ID: "fan_out", Expression: `facts["fan_out"]`, Reason: "fan-out dispersal pattern to many receivers", Enabled: true},
	{ID: "fan_in", Expression: `facts["fan_in"]`, Reason: "fan-in collection pattern from many senders", Enabled: true},
	{ID: "tight_ring", Expression: `facts["tight_ring"]`, Reason: "tightly clustered transfer ring", Enabled: true},
	{ID: "neighbor_contagion", Expression: `facts["neighbor_contagion"]`, Reason: "high risk among direct counterparties", Enabled: true},
	{ID: "shared_device", Expression: `facts["shared_device_2plus"] || facts["shared_device_3plus"] || facts["shared_device_5plus"]`, Reason: "device shared across multiple accounts", Enabled: true},
	{ID: "multi_user_burst", Expression: `facts["multi_user_burst"]`, Reason: "burst of distinct accounts on one device", Enabled: true},
	{ID: "first_seen_device_high_amount_mpin", Expression: `facts["first_seen_device_high_amount_mpin"]`, Reason: "large MPIN transfer from a first-seen device", Enabled: true},
	{ID: "first_seen_device", Expression: `facts["first_seen_device"] && !facts["first_seen_device_high_amount_mpin"] && !facts["circadian_new_device"]`, Reason: "first transaction from this device", Enabled: true},
	{ID: "device_user_risk_over_80", Expression: `facts["device_user_risk_over_80"]`, Reason: "device previously used by a high-risk account", Enabled: true},
	{ID: "os_anomaly", Expression: `facts["os_anomaly"]`, Reason: "unusual device operating system", Enabled: true},
}

// signalKeys is every fact key the explanation rules reference. The
// facts map is pre-seeded with false for each so CEL map access never
// misses.
var signalKeys = []string{
	"impossible_travel", "identical_amount_structuring", "circadian_new_device",
	"circadian_anomaly", "sleep_and_flash", "dormant_burst", "first_strike",
	"dormant_account", "volume_spike", "low_activity_account",
	"amount_zscore_high", "three_sigma_spike", "iqr_outlier",
	"fixed_amount_repetition", "velocity_burst", "burst_10plus", "burst_5plus",
	"pass_through_high", "pass_through_moderate", "single_tx_dominance",
	"endpoint_rotation", "asn_high_risk", "night_transaction",
	"community_high_risk", "community_high_risk_members", "high_betweenness",
	"high_pagerank", "fan_out", "fan_in", "tight_ring", "neighbor_contagion",
	"shared_device_2plus", "shared_device_3plus", "shared_device_5plus",
	"device_risk_propagation", "multi_user_burst",
	"first_seen_device_high_amount_mpin", "first_seen_device",
	"device_user_risk_over_80", "os_anomaly", "os_family_change",
}

// Explainer turns a merged signal map into a deterministic flag list and
// reason string.
type Explainer struct {
	engine *rules.Engine
	order  []string
	byID   map[string]*domain.RuleConfig
}

// NewExplainer compiles the explanation rules into a rules.Engine.
func NewExplainer() (*Explainer, error) {
	engine, err := rules.NewEngine(len(explanationRules))
	if err != nil {
		return nil, err
	}
	if err := engine.LoadRules(explanationRules); err != nil {
		return nil, err
	}

	order := make([]string, len(explanationRules))
	byID := make(map[string]*domain.RuleConfig, len(explanationRules))
	for i, r := range explanationRules {
		order[i] = r.ID
		byID[r.ID] = r
	}
	return &Explainer{engine: engine, order: order, byID: byID}, nil
}

// Explain evaluates every clause predicate against the signal map and
// assembles flags and the reason string in fixed rule order, deduplicated
// by rule ID. An empty signal set yields the stable no-findings reason.
func (e *Explainer) Explain(ctx context.Context, signals map[string]bool) ([]string, string, error) {
	facts := Facts(signals)

	results, err := e.engine.EvaluateAll(ctx, facts)
	if err != nil {
		return nil, "", err
	}

	fired := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Fired {
			fired[r.RuleID] = true
		}
	}

	var flags []string
	var clauses []string
	for _, id := range e.order {
		if !fired[id] {
			continue
		}
		flags = append(flags, id)
		clauses = append(clauses, e.byID[id].Reason)
	}

	if len(clauses) == 0 {
		return []string{}, "no risk indicators detected", nil
	}
	return flags, strings.Join(clauses, "; "), nil
}

// Facts builds the CEL activation map: every known signal key seeded
// false, then overlaid with the signals that actually fired.
func Facts(signals map[string]bool) map[string]any {
	facts := make(map[string]any, len(signalKeys))
	for _, k := range signalKeys {
		facts[k] = false
	}
	for k, v := range signals {
		if v {
			facts[k] = true
		}
	}
	return facts
}
