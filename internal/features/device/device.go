// Package device implements the device-risk extractor.
package device

import (
	"context"
	"math"
	"math/bits"
	"strings"
	"time"

	"github.com/opensource-finance/fraudscope/internal/asn"
	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/features"
)

func Compute(ctx context.Context, store domain.GraphStore, asnResolver *asn.Resolver, cache domain.Cache, cfg domain.FeatureConfig, tx *domain.Transaction) (domain.FeatureResult, error) {
	signals := make(map[string]bool)
	score := 0.0

	if tx.DeviceFingerprint == "" {
		return domain.FeatureResult{Score: 0, Signals: signals}, nil
	}

	dev, err := store.GetDevice(ctx, tx.DeviceFingerprint)
	if err != nil && err != domain.ErrNotFound {
		return domain.FeatureResult{}, err
	}

	users, err := store.AccountsOnDevice(ctx, tx.DeviceFingerprint)
	if err != nil {
		return domain.FeatureResult{}, err
	}
	userCount := len(users)

	// Shared-account exposure.
	switch {
	case userCount >= 5:
		score += 40
		signals["shared_device_5plus"] = true
	case userCount >= 3:
		score += 25
		signals["shared_device_3plus"] = true
	case userCount >= 2:
		score += 10
		signals["shared_device_2plus"] = true
	}

	// Risk propagation: fixed ladder over the device's users' risks.
	anyOver80 := false
	sumRisk := 0.0
	for _, u := range users {
		sumRisk += u.RiskScore
		if u.RiskScore > 80 {
			anyOver80 = true
		}
	}
	deviceBaseRisk := 0.0
	switch {
	case userCount >= 5:
		deviceBaseRisk = 100
	case userCount >= 3:
		deviceBaseRisk = 70
	case anyOver80:
		deviceBaseRisk = 60
	default:
		if userCount > 0 {
			deviceBaseRisk = (sumRisk / float64(userCount)) * 0.5
		}
	}
	score += math.Min(deviceBaseRisk/100, 1) * 25
	signals["device_risk_propagation"] = deviceBaseRisk >= 60

	// Multi-user burst: distinct accounts on the device within 24h.
	// AccountsOnDevice already restricts to all-time users; the 24h
	// qualifier is approximated by device last-seen recency relative to
	// the transaction's own timestamp when no windowed variant is
	// available on the hot path.
	if dev != nil && tx.Timestamp.Sub(dev.LastSeenAt).Abs() <= 24*time.Hour && userCount > cfg.V3Signals.MultiUserThreshold {
		score += cfg.V3Signals.MultiUserPenalty
		signals["multi_user_burst"] = true
	}

	// Device drift: OS family change plus capability-mask distance,
	// combined under a single cap.
	drift := 0.0
	osFamily := normalizeOSFamily(tx.DeviceOS, tx.Credential)
	if dev != nil {
		if dev.OSFamily != "" && osFamily != "" && !strings.EqualFold(dev.OSFamily, osFamily) {
			drift += 5
			signals["os_family_change"] = true
		}
		drift += math.Min(float64(hammingDistance(dev.Capability, tx.CapabilityMask()))*0.3, 5)
	}
	drift = math.Min(drift, 15)
	score += drift

	// First-seen device checks.
	firstSeen, err := store.IsFirstSeenDevice(ctx, tx.SenderID, tx.DeviceFingerprint)
	if err != nil {
		return domain.FeatureResult{}, err
	}
	if firstSeen {
		score += 12
		signals["first_seen_device"] = true
		if tx.Amount >= cfg.V3Signals.NewDeviceHighAmount && tx.Credential == domain.CredentialMPIN {
			score += 15
			signals["first_seen_device_high_amount_mpin"] = true
		}
	}

	if anyOver80 {
		score += 10
		signals["device_user_risk_over_80"] = true
	}

	// OS anomaly.
	if osFamily != "" && osFamily != "android" && osFamily != "ios" {
		score += 10
		signals["os_anomaly"] = true
	}

	return domain.FeatureResult{Score: features.Clamp(score, 0, 100), Signals: signals}, nil
}

// normalizeOSFamily lowercases the client-reported OS, falling back to a
// coarse inference from the credential channel when no OS was reported.
func normalizeOSFamily(reported string, cred domain.CredentialType) string {
	if reported != "" {
		return strings.ToLower(reported)
	}
	switch cred {
	case domain.CredentialUPI, domain.CredentialMPIN:
		return "android"
	default:
		return ""
	}
}

func hammingDistance(a, b uint32) int {
	return bits.OnesCount32(a ^ b)
}
