// Package velocity implements the velocity extractor.
package velocity

import (
	"context"
	"math"
	"time"

	"github.com/opensource-finance/fraudscope/internal/asn"
	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/features"
)

func Compute(ctx context.Context, store domain.GraphStore, asnResolver *asn.Resolver, cache domain.Cache, cfg domain.FeatureConfig, tx *domain.Transaction) (domain.FeatureResult, error) {
	signals := make(map[string]bool)

	// Windows anchor to the transaction's timestamp so replayed records
	// score identically.
	window := time.Duration(cfg.Thresholds.VelocityWindowSecs) * time.Second
	activity, err := store.RecentActivityCount(ctx, tx.SenderID, window, tx.Timestamp)
	if err != nil {
		return domain.FeatureResult{}, err
	}

	burst := 0.0
	switch {
	case activity >= 10:
		burst = 30
		signals["burst_10plus"] = true
	case activity >= 5:
		burst = 15
		signals["burst_5plus"] = true
	}

	sent, recv, err := store.WindowedFlow(ctx, tx.SenderID, window, tx.Timestamp)
	if err != nil {
		return domain.FeatureResult{}, err
	}

	passThrough := 0.0
	if recv > 0 {
		r := sent / recv
		switch {
		case r > 0.80:
			passThrough = math.Min(r/1.5, 1) * 35
			signals["pass_through_high"] = true
		case r > 0.5:
			passThrough = 10
			signals["pass_through_moderate"] = true
		}
	}

	velocityComponent := math.Min(float64(activity)/10, 1) * 20

	// Single-transaction dominance over the windowed sent total, which
	// already includes this transaction once ingest has run.
	dominance := 0.0
	if sent > 0 && tx.Amount/sent > 0.80 {
		dominance = 15
		signals["single_tx_dominance"] = true
	}

	score := burst + passThrough + velocityComponent + dominance
	return domain.FeatureResult{Score: features.Clamp(score, 0, 100), Signals: signals}, nil
}
