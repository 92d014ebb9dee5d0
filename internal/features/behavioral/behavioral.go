// Package behavioral implements the behavioural extractor.
package behavioral

import (
	"context"
	"math"
	"time"

	"github.com/opensource-finance/fraudscope/internal/asn"
	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/features"
)

// Compute returns a sum of up to twelve independent penalty
// contributions, clipped to [0,100].
func Compute(ctx context.Context, store domain.GraphStore, asnResolver *asn.Resolver, cache domain.Cache, cfg domain.FeatureConfig, tx *domain.Transaction) (domain.FeatureResult, error) {
	signals := make(map[string]bool)
	score := 0.0

	account, err := store.GetAccount(ctx, tx.SenderID)
	if err != nil && err != domain.ErrNotFound {
		return domain.FeatureResult{}, err
	}
	if account == nil {
		account = &domain.Account{ID: tx.SenderID}
	}

	history, err := store.RecentOutgoingAmounts(ctx, tx.SenderID, 25)
	if err != nil {
		return domain.FeatureResult{}, err
	}

	// Live mean/std over the actual recent amounts; the stored profile
	// is only a fallback while the account has too little history.
	mu, sigma := features.Mean(history), 0.0
	if len(history) >= 2 {
		sigma = features.Stddev(history, mu)
	} else {
		mu = account.RollingMean25
		sigma = math.Max(account.RollingStd25, 0.5*mu)
	}

	// Amount z-score.
	if sigma > 0 {
		z := (tx.Amount - mu) / sigma
		score += math.Min(math.Abs(z)*10, 30)
		signals["amount_zscore_high"] = math.Abs(z) > 3
	}

	// Velocity (burst). All windowed reads anchor to the transaction's
	// own timestamp so redelivered and replayed records score the same.
	window := time.Duration(cfg.Thresholds.VelocityWindowSecs) * time.Second
	activity, err := store.RecentActivityCount(ctx, tx.SenderID, window, tx.Timestamp)
	if err != nil {
		return domain.FeatureResult{}, err
	}
	score += math.Min(float64(activity)/10, 1) * 20
	signals["velocity_burst"] = activity >= cfg.Thresholds.BurstThreshold

	// Impossible travel.
	if tx.SenderLat != nil && tx.SenderLon != nil {
		prevLat, prevLon, prevTs, ok, err := store.PreviousLocation(ctx, tx.SenderID, tx.ID)
		if err != nil {
			return domain.FeatureResult{}, err
		}
		if ok {
			dtHours := tx.Timestamp.Sub(prevTs).Hours()
			if dtHours > 0 {
				km := features.HaversineKm(prevLat, prevLon, *tx.SenderLat, *tx.SenderLon)
				speed := km / dtHours
				if speed > cfg.Thresholds.ImpossibleTravelKmh {
					score += 20
					signals["impossible_travel"] = true
				}
			}
		}
	}

	// Night flag.
	hour := tx.Timestamp.Hour()
	if hour <= 5 || hour >= 23 {
		score += 5
		signals["night_transaction"] = true
	}

	// IQR outlier.
	if len(history) >= 4 {
		lower, upper := features.IQRFences(history)
		if tx.Amount < lower || tx.Amount > upper {
			score += 15
			signals["iqr_outlier"] = true
		}
	}

	// Three-sigma spike.
	if sigma > 0 && tx.Amount > mu+3*sigma {
		score += 10
		signals["three_sigma_spike"] = true
	}

	// Dormant burst, against the batch-maintained profile mean.
	profileMean := account.RollingMean25
	if profileMean == 0 {
		profileMean = mu
	}
	if account.Dormant && tx.Amount > profileMean {
		score += 15
		signals["dormant_burst"] = true
	}

	// ASN risk.
	if tx.EndpointIP != "" {
		lookup, err := asnResolver.Resolve(tx.EndpointIP)
		if err == nil {
			// No per-ASN distinct-account count is kept anywhere, so N is
			// always 1 and the density term stays at ln(2)/ln(1001).
			distinctAccounts := 1
			asnHistory := asnResolver.Touch(tx.SenderID, lookup.ASNNumber)
			asnRisk := asn.Fuse(lookup, distinctAccounts, asnHistory)
			score += asnRisk * 20
			signals["asn_high_risk"] = asnRisk > 0.5
		}
	}

	// Endpoint rotation.
	endpoints, err := store.RecentEndpoints(ctx, tx.SenderID, 24*time.Hour, tx.Timestamp)
	if err != nil {
		return domain.FeatureResult{}, err
	}
	if len(endpoints) >= cfg.V3Signals.EndpointRotationMax {
		score += 15
		signals["endpoint_rotation"] = true
	}

	// Fixed-amount repetition detector: at least three occurrences of
	// the same amount within 1% relative tolerance.
	tolerance := 0.01 * tx.Amount
	repeated := 0
	for _, amt := range history {
		if math.Abs(amt-tx.Amount) <= tolerance {
			repeated++
		}
	}
	if repeated >= 3 {
		score += 10
		signals["fixed_amount_repetition"] = true
	}

	// Circadian anomaly.
	hist, n, err := store.HourHistogram(ctx, tx.SenderID, 25)
	if err != nil {
		return domain.FeatureResult{}, err
	}
	// The compound with a first-seen device is applied during fusion,
	// which is the only stage holding both this signal and the device
	// extractor's result.
	if n >= 10 {
		freq := float64(hist[hour]) / float64(n)
		if freq < 0.02 {
			score += cfg.V3Signals.CircadianPenalty
			signals["circadian_anomaly"] = true
		}
	}

	// Identical-amount structuring.
	recent, err := store.RecentTransactionsFromTo(ctx, tx.SenderID, tx.ReceiverID, time.Hour, tx.Timestamp)
	if err != nil {
		return domain.FeatureResult{}, err
	}
	identicalCount := 0
	for _, r := range recent {
		if math.Abs(r.Amount-tx.Amount) < 1 {
			identicalCount++
		}
	}
	if identicalCount >= cfg.V3Signals.IdenticalityMinCount {
		score += cfg.V3Signals.IdenticalityPenalty
		signals["identical_amount_structuring"] = true
	}

	return domain.FeatureResult{Score: features.Clamp(score, 0, 100), Signals: signals}, nil
}
