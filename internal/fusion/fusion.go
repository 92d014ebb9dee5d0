// Package fusion combines the five extractor scores into a single fused
// risk score, maps it to a risk level, and synthesizes the human-readable
// explanation from the signals the extractors already computed. It never
// queries the graph.
package fusion

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// Parts are the five extractor results awaiting fusion.
type Parts struct {
	Graph       domain.FeatureResult
	Behavioral  domain.FeatureResult
	Device      domain.FeatureResult
	DeadAccount domain.FeatureResult
	Velocity    domain.FeatureResult
}

// Result is the fused outcome: score, level, per-extractor breakdown,
// fired flags and the assembled reason string. Signals carries the merged
// signal map for downstream consumers (the mule classifier).
type Result struct {
	Score     float64
	Level     domain.RiskLevel
	Breakdown domain.Breakdown
	Flags     []string
	Reason    string
	Signals   map[string]bool
}

// Fuser applies the configured weights and thresholds and runs the
// explainer over the merged signal map.
type Fuser struct {
	weights    domain.FusionWeights
	thresholds domain.Thresholds
	v3         domain.V3SignalParams
	explainer  *Explainer
}

// New creates a Fuser. The weights must sum to 1.
func New(weights domain.FusionWeights, thresholds domain.Thresholds, v3 domain.V3SignalParams) (*Fuser, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	explainer, err := NewExplainer()
	if err != nil {
		return nil, fmt.Errorf("build explainer: %w", err)
	}
	return &Fuser{
		weights:    weights,
		thresholds: thresholds,
		v3:         v3,
		explainer:  explainer,
	}, nil
}

// Fuse computes R = min(Σ w_i · S_i, 100) over the five extractor
// scores and derives the level purely from R. The circadian/new-device
// compound is applied here, since the two signals originate in different
// extractors: when the behavioural extractor flagged a rare transaction
// hour and the device extractor saw a first-seen device, the behavioural
// contribution is raised from the base circadian penalty to the compound
// penalty before weighting.
func (f *Fuser) Fuse(ctx context.Context, parts Parts) (Result, error) {
	signals := mergeSignals(
		parts.Graph.Signals,
		parts.Behavioral.Signals,
		parts.Device.Signals,
		parts.DeadAccount.Signals,
		parts.Velocity.Signals,
	)

	behav := parts.Behavioral.Score
	if signals["circadian_anomaly"] && signals["first_seen_device"] {
		behav = math.Min(behav+(f.v3.CircadianCompound-f.v3.CircadianPenalty), 100)
		signals["circadian_new_device"] = true
	}

	breakdown := domain.Breakdown{
		Graph:       parts.Graph.Score,
		Behavioral:  behav,
		Device:      parts.Device.Score,
		DeadAccount: parts.DeadAccount.Score,
		Velocity:    parts.Velocity.Score,
	}

	score := f.weights.Graph*breakdown.Graph +
		f.weights.Behavioral*breakdown.Behavioral +
		f.weights.Device*breakdown.Device +
		f.weights.DeadAccount*breakdown.DeadAccount +
		f.weights.Velocity*breakdown.Velocity
	score = math.Min(score, 100)

	flags, reason, err := f.explainer.Explain(ctx, signals)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Score:     score,
		Level:     domain.LevelFor(score, f.thresholds.High, f.thresholds.Medium),
		Breakdown: breakdown,
		Flags:     flags,
		Reason:    reason,
		Signals:   signals,
	}, nil
}

func mergeSignals(maps ...map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, m := range maps {
		for k, v := range m {
			if v {
				out[k] = true
			}
		}
	}
	return out
}
