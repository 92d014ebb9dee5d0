// Package mule classifies transactions as mule activity by accumulating
// weighted signal predicates over the feature-extractor output. It is a
// second instantiation of the shared CEL rule engine: the classifier
// supplies a signal table, not new evaluation code.
package mule

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/fusion"
	"github.com/opensource-finance/fraudscope/internal/rules"
)

// muleSignals are the weighted signal predicates. Weights follow the
// relative strength of each indicator for mule behaviour: pass-through
// and structuring are near-proof, ambient signals like a high-risk
// network origin contribute little on their own. The accumulated score is capped at 1.
var muleSignals = []*domain.RuleConfig{
	{ID: "mule_pass_through", Expression: `facts["pass_through_high"]`, Weight: 0.30, Reason: "funds forwarded almost immediately after receipt", Enabled: true},
	{ID: "mule_structuring", Expression: `facts["identical_amount_structuring"]`, Weight: 0.25, Reason: "structured near-identical transfers to one receiver", Enabled: true},
	{ID: "mule_shared_device_many", Expression: `facts["shared_device_5plus"]`, Weight: 0.25, Reason: "device operated by five or more accounts", Enabled: true},
	{ID: "mule_community", Expression: `facts["community_high_risk"] || facts["community_high_risk_members"]`, Weight: 0.25, Reason: "member of a known high-risk community", Enabled: true},
	{ID: "mule_router", Expression: `facts["high_betweenness"]`, Weight: 0.20, Reason: "routes transfers between otherwise unconnected accounts", Enabled: true},
	{ID: "mule_device_burst", Expression: `facts["multi_user_burst"]`, Weight: 0.20, Reason: "many distinct accounts on the device within a day", Enabled: true},
	{ID: "mule_sleep_flash", Expression: `facts["sleep_and_flash"]`, Weight: 0.20, Reason: "extreme spike immediately after dormancy", Enabled: true},
	{ID: "mule_fan_in", Expression: `facts["fan_in"]`, Weight: 0.15, Reason: "collects from many senders", Enabled: true},
	{ID: "mule_shared_device", Expression: `facts["shared_device_3plus"] && !facts["shared_device_5plus"]`, Weight: 0.15, Reason: "device shared by several accounts", Enabled: true},
	{ID: "mule_dormant_burst", Expression: `facts["dormant_burst"]`, Weight: 0.15, Reason: "dormant account suddenly active above profile", Enabled: true},
	{ID: "mule_new_device_mpin", Expression: `facts["first_seen_device_high_amount_mpin"]`, Weight: 0.15, Reason: "large MPIN transfer from a first-seen device", Enabled: true},
	{ID: "mule_fan_out", Expression: `facts["fan_out"]`, Weight: 0.10, Reason: "disperses to many receivers", Enabled: true},
	{ID: "mule_endpoint_rotation", Expression: `facts["endpoint_rotation"]`, Weight: 0.10, Reason: "rotates across network endpoints", Enabled: true},
	{ID: "mule_circadian_new_device", Expression: `facts["circadian_new_device"]`, Weight: 0.10, Reason: "rare-hour activity from a new device", Enabled: true},
	{ID: "mule_velocity", Expression: `facts["velocity_burst"] || facts["burst_10plus"]`, Weight: 0.10, Reason: "burst-level transaction velocity", Enabled: true},
	{ID: "mule_dominance", Expression: `facts["single_tx_dominance"]`, Weight: 0.10, Reason: "single transfer dominates recent outflow", Enabled: true},
	{ID: "mule_asn", Expression: `facts["asn_high_risk"]`, Weight: 0.05, Reason: "high-risk network origin", Enabled: true},
}

const (
	tableID = "mule"

	// scoreThreshold classifies on accumulated signal weight alone.
	scoreThreshold = 0.5

	// fusedRiskThreshold classifies regardless of signal weight once the
	// fused risk score reaches it.
	fusedRiskThreshold = 65.0
)

// Classifier accumulates the weighted mule signals per transaction.
type Classifier struct {
	engine *rules.Engine
	tables *rules.SignalTableEngine
	order  []string
}

// NewClassifier compiles the mule signal table.
func NewClassifier() (*Classifier, error) {
	engine, err := rules.NewEngine(len(muleSignals))
	if err != nil {
		return nil, fmt.Errorf("build mule engine: %w", err)
	}
	if err := engine.LoadRules(muleSignals); err != nil {
		return nil, fmt.Errorf("load mule signals: %w", err)
	}

	tables := rules.NewSignalTableEngine()
	tables.LoadSignalTables([]*domain.SignalTable{{
		ID:             tableID,
		Name:           "mule account signals",
		Signals:        derefConfigs(muleSignals),
		AlertThreshold: scoreThreshold,
	}})

	order := make([]string, len(muleSignals))
	for i, s := range muleSignals {
		order[i] = s.ID
	}
	return &Classifier{engine: engine, tables: tables, order: order}, nil
}

// Classify evaluates the signal predicates against the merged signal map
// and accumulates fired weights, capped at 1.0. The transaction is a
// mule candidate when the accumulated score reaches 0.5 or the fused
// risk reaches 65.
func (c *Classifier) Classify(ctx context.Context, signals map[string]bool, fusedRisk float64) (domain.MuleResult, error) {
	facts := fusion.Facts(signals)

	results, err := c.engine.EvaluateAll(ctx, facts)
	if err != nil {
		return domain.MuleResult{}, err
	}

	tableResult, ok := c.tables.EvaluateSignalTable(tableID, results)
	if !ok {
		return domain.MuleResult{}, fmt.Errorf("mule signal table not loaded")
	}

	isMule := tableResult.Triggered || fusedRisk >= fusedRiskThreshold

	confidence := tableResult.Score
	if fusedRisk >= fusedRiskThreshold {
		confidence = math.Max(confidence, fusedRisk/100)
	}

	reasonByID := make(map[string]string, len(tableResult.Fired))
	for _, r := range tableResult.Fired {
		reasonByID[r.RuleID] = r.Reason
	}
	var reasons []string
	for _, id := range c.order {
		if reason, ok := reasonByID[id]; ok {
			reasons = append(reasons, reason)
		}
	}

	return domain.MuleResult{
		IsMule:     isMule,
		Confidence: confidence,
		Reasons:    reasons,
	}, nil
}

func derefConfigs(configs []*domain.RuleConfig) []domain.RuleConfig {
	out := make([]domain.RuleConfig, len(configs))
	for i, c := range configs {
		out[i] = *c
	}
	return out
}
