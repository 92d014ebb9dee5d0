// Package dormant implements the dormant-account extractor.
package dormant

import (
	"context"
	"math"

	"github.com/opensource-finance/fraudscope/internal/asn"
	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/features"
)

func Compute(ctx context.Context, store domain.GraphStore, asnResolver *asn.Resolver, cache domain.Cache, cfg domain.FeatureConfig, tx *domain.Transaction) (domain.FeatureResult, error) {
	signals := make(map[string]bool)

	account, err := store.GetAccount(ctx, tx.SenderID)
	if err != nil && err != domain.ErrNotFound {
		return domain.FeatureResult{}, err
	}
	if account == nil {
		account = &domain.Account{ID: tx.SenderID}
	}

	mu := account.RollingMean25
	daysDormant := account.DaysDormant(tx.Timestamp)

	// Spike vs profile.
	spike := 0.0
	switch {
	case mu > 0:
		spike = math.Min((tx.Amount/mu)/10, 1) * 30
	case tx.Amount > 5000:
		spike = 25
	}
	volumeSpike := spike >= 15
	signals["volume_spike"] = volumeSpike

	if !account.Dormant {
		// Neither dormant nor a first-strike event: only the raw spike
		// signal, heavily discounted, is relevant.
		return domain.FeatureResult{Score: features.Clamp(spike*0.3, 0, 100), Signals: signals}, nil
	}

	signals["dormant_account"] = true

	inactivity := math.Min(daysDormant/30, 1) * 30

	firstStrikeBonus := 20.0
	if volumeSpike {
		firstStrikeBonus = 25.0
	}
	signals["first_strike"] = true

	sleepFlash := 0.0
	if mu > 0 && tx.Amount/mu >= cfg.V3Signals.SleepFlashRatio && daysDormant >= cfg.Thresholds.DormancyDays {
		sleepFlash = 20
		signals["sleep_and_flash"] = true
	}

	lowActivity := 0.0
	if account.LifetimeCount <= 3 {
		lowActivity = 10
		signals["low_activity_account"] = true
	}

	score := inactivity + spike + firstStrikeBonus + sleepFlash + lowActivity
	return domain.FeatureResult{Score: features.Clamp(score, 0, 100), Signals: signals}, nil
}
