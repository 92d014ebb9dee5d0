// Package integration exercises the full scoring stack end to end:
// SQLite-backed graph store, in-process stream, worker pool, batch
// analyzer, fusion and mule classification.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/fraudscope/internal/alert"
	"github.com/opensource-finance/fraudscope/internal/analyzer"
	"github.com/opensource-finance/fraudscope/internal/asn"
	"github.com/opensource-finance/fraudscope/internal/cache"
	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/fusion"
	"github.com/opensource-finance/fraudscope/internal/graphstore"
	"github.com/opensource-finance/fraudscope/internal/mule"
	"github.com/opensource-finance/fraudscope/internal/stream"
	"github.com/opensource-finance/fraudscope/internal/worker"
)

type stack struct {
	cfg         *domain.Config
	store       *graphstore.SQLStore
	stream      *stream.MemoryStream
	kv          domain.Cache
	scorer      *worker.Scorer
	pool        *worker.Pool
	batch       *analyzer.Analyzer
	snapshots   *analyzer.Cache
	broadcaster *alert.Broadcaster
}

func newStack(t *testing.T) *stack {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Worker.SoftDeadlineMs = 5000
	cfg.GraphStore.SQLitePath = filepath.Join(t.TempDir(), "integration.db")

	store, err := graphstore.New(cfg.GraphStore)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ms := stream.NewMemoryStream(time.Minute)
	t.Cleanup(func() { ms.Close() })

	kv := cache.NewLRUCache(10000)
	snapshots := analyzer.NewCache()
	batch := analyzer.New(store, snapshots, cfg.Analyzer, cfg.Thresholds)

	fuser, err := fusion.New(cfg.Fusion, cfg.Thresholds, cfg.V3Signals)
	if err != nil {
		t.Fatalf("fusion: %v", err)
	}
	classifier, err := mule.NewClassifier()
	if err != nil {
		t.Fatalf("mule: %v", err)
	}

	featureCfg := domain.FeatureConfig{Thresholds: cfg.Thresholds, V3Signals: cfg.V3Signals}
	scorer := worker.NewScorer(store, asn.NewResolver("IN"), kv, fuser, classifier, snapshots, featureCfg)
	broadcaster := alert.NewBroadcaster(cfg.Thresholds.Medium)
	pool := worker.NewPool(ms, scorer, broadcaster, kv, cfg.Worker, cfg.Stream)

	return &stack{
		cfg: cfg, store: store, stream: ms, kv: kv,
		scorer: scorer, pool: pool, batch: batch,
		snapshots: snapshots, broadcaster: broadcaster,
	}
}

func (s *stack) score(t *testing.T, tx *domain.Transaction) *domain.ScoredRecord {
	t.Helper()
	rec, err := s.scorer.Score(context.Background(), tx)
	if err != nil {
		t.Fatalf("score %s: %v", tx.ID, err)
	}
	return rec
}

func f64(v float64) *float64 { return &v }

func checkInvariants(t *testing.T, s *stack, rec *domain.ScoredRecord) {
	t.Helper()
	if rec.RiskScore < 0 || rec.RiskScore > 100 {
		t.Errorf("%s: score %f out of [0,100]", rec.TxID, rec.RiskScore)
	}
	w := s.cfg.Fusion
	weighted := w.Graph*rec.Breakdown.Graph + w.Behavioral*rec.Breakdown.Behavioral +
		w.Device*rec.Breakdown.Device + w.DeadAccount*rec.Breakdown.DeadAccount +
		w.Velocity*rec.Breakdown.Velocity
	// Capping only reduces: the weighted sum is never below the score.
	if weighted-rec.RiskScore < -1e-6 {
		t.Errorf("%s: weighted sum %f below score %f", rec.TxID, weighted, rec.RiskScore)
	}
	if rec.RiskLevel != domain.LevelFor(rec.RiskScore, s.cfg.Thresholds.High, s.cfg.Thresholds.Medium) {
		t.Errorf("%s: level %s inconsistent with score %f", rec.TxID, rec.RiskLevel, rec.RiskScore)
	}
}

func hasFlag(rec *domain.ScoredRecord, flag string) bool {
	for _, f := range rec.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Scenario: mature sender, mid-day, modest amount. Expect LOW and no
// flags.
func TestScenarioNormalTransaction(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	noon := time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC)

	// Build a steady history, then refresh rolling stats.
	for i := 0; i < 30; i++ {
		s.score(t, &domain.Transaction{
			ID: fmt.Sprintf("hist-%d", i), SenderID: "steady", ReceiverID: fmt.Sprintf("peer-%d", i%7),
			Amount: 500, Timestamp: noon.Add(-time.Duration(30-i) * 24 * time.Hour).Add(time.Duration(i) * time.Minute),
		})
	}
	if err := s.batch.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	rec := s.score(t, &domain.Transaction{
		ID: "normal-1", SenderID: "steady", ReceiverID: "peer-1",
		Amount: 500, Timestamp: noon,
	})
	checkInvariants(t, s, rec)

	if rec.RiskLevel != domain.RiskLow {
		t.Errorf("normal transaction level = %s (score %f), want LOW", rec.RiskLevel, rec.RiskScore)
	}
	if rec.RiskScore >= 40 {
		t.Errorf("normal transaction score = %f, want < 40", rec.RiskScore)
	}
}

// Scenario: two transactions 1150 km apart within two minutes. Expect
// the impossible-travel flag.
func TestScenarioImpossibleTravel(t *testing.T) {
	s := newStack(t)
	now := time.Now().UTC()

	first := &domain.Transaction{
		ID: "travel-1", SenderID: "traveler", ReceiverID: "peer",
		Amount: 500, Timestamp: now.Add(-2 * time.Minute),
		SenderLat: f64(19.0760), SenderLon: f64(72.8777), // Mumbai
	}
	s.score(t, first)

	second := &domain.Transaction{
		ID: "travel-2", SenderID: "traveler", ReceiverID: "peer",
		Amount: 500, Timestamp: now,
		SenderLat: f64(28.7041), SenderLon: f64(77.1025), // Delhi
	}
	rec := s.score(t, second)
	checkInvariants(t, s, rec)

	if !hasFlag(rec, "impossible_travel") {
		t.Errorf("expected impossible_travel flag, got %v", rec.Flags)
	}
	if rec.Breakdown.Behavioral < 20 {
		t.Errorf("behavioural = %f, want >= 20 from impossible travel", rec.Breakdown.Behavioral)
	}
}

// Scenario: account dormant 45 days wakes with a 60x spike. Expect a
// high dead-account contribution.
func TestScenarioDormantReactivation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// History 45+ days old around a 100-unit profile.
	for i := 0; i < 10; i++ {
		s.score(t, &domain.Transaction{
			ID: fmt.Sprintf("old-%d", i), SenderID: "sleeper", ReceiverID: "peer",
			Amount: 100, Timestamp: now.Add(-45 * 24 * time.Hour).Add(-time.Duration(i) * time.Hour),
		})
	}
	// The batch cycle flags dormancy and sets the rolling profile.
	if err := s.batch.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	acct, err := s.store.GetAccount(ctx, "sleeper")
	if err != nil {
		t.Fatal(err)
	}
	if !acct.Dormant {
		t.Fatal("precondition: sleeper should be dormant after 45 days")
	}

	rec := s.score(t, &domain.Transaction{
		ID: "wake-1", SenderID: "sleeper", ReceiverID: "peer",
		Amount: 6000, Timestamp: now,
	})
	checkInvariants(t, s, rec)

	if rec.Breakdown.DeadAccount < 75 {
		t.Errorf("dead-account = %f, want >= 75", rec.Breakdown.DeadAccount)
	}
	if rec.RiskScore < 0.15*75 {
		t.Errorf("score = %f, want at least the weighted dead contribution", rec.RiskScore)
	}
	if !hasFlag(rec, "sleep_and_flash") && !hasFlag(rec, "first_strike") {
		t.Errorf("expected dormancy flags, got %v", rec.Flags)
	}
}

// Scenario: device shared by six accounts, current user risk 82, new to
// this device, 15k over MPIN. Expect device >= 77.
func TestScenarioDeviceFarm(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Six accounts transact on the same fingerprint.
	for i := 0; i < 6; i++ {
		tx := &domain.Transaction{
			ID: fmt.Sprintf("farm-%d", i), SenderID: fmt.Sprintf("farmer-%d", i),
			ReceiverID: "collector", Amount: 200,
			Timestamp:         now.Add(-time.Duration(i+1) * time.Minute),
			DeviceFingerprint: "farm-device", Credential: domain.CredentialUPI,
		}
		s.score(t, tx)
	}
	// Mark one resident user as high risk.
	if err := s.store.SetAccountRisk(ctx, "farmer-0", 82); err != nil {
		t.Fatal(err)
	}

	rec := s.score(t, &domain.Transaction{
		ID: "farm-new", SenderID: "fresh-account", ReceiverID: "collector",
		Amount: 15000, Timestamp: now,
		DeviceFingerprint: "farm-device", Credential: domain.CredentialMPIN,
	})
	checkInvariants(t, s, rec)

	if rec.Breakdown.Device < 77 {
		t.Errorf("device = %f, want >= 77", rec.Breakdown.Device)
	}
	if rec.RiskScore < 0.20*77 {
		t.Errorf("score = %f, want at least the weighted device contribution", rec.RiskScore)
	}
	if !hasFlag(rec, "shared_device") {
		t.Errorf("expected shared_device flag, got %v", rec.Flags)
	}
}

// Scenario: four near-identical 9999 transfers to the same receiver
// within 40 minutes. Expect the structuring signals.
func TestScenarioStructuring(t *testing.T) {
	s := newStack(t)
	now := time.Now().UTC()

	var rec *domain.ScoredRecord
	for i := 0; i < 4; i++ {
		rec = s.score(t, &domain.Transaction{
			ID: fmt.Sprintf("struct-%d", i), SenderID: "structurer", ReceiverID: "shell",
			Amount: 9999, Timestamp: now.Add(-40 * time.Minute).Add(time.Duration(i) * 10 * time.Minute),
		})
	}
	checkInvariants(t, s, rec)

	if !hasFlag(rec, "identical_amount_structuring") {
		t.Errorf("expected identical_amount_structuring flag, got %v", rec.Flags)
	}
	if !hasFlag(rec, "fixed_amount_repetition") {
		t.Errorf("expected fixed_amount_repetition flag, got %v", rec.Flags)
	}
	if rec.Breakdown.Behavioral < 40 {
		t.Errorf("behavioural = %f, want >= 40 from structuring plus repetition", rec.Breakdown.Behavioral)
	}
	if !rec.Mule.IsMule && rec.Mule.Confidence == 0 {
		t.Error("structuring should at least register mule signal weight")
	}
}

// Round-trip law: a record scored via the worker path is retrievable
// from the cache, and re-scoring it yields the same explanation.
func TestRoundTripThroughStream(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload, _ := json.Marshal(domain.StreamRecord{
		TxID: "rt-1", SenderID: "rt-sender", ReceiverID: "rt-receiver",
		Amount: 750, Timestamp: time.Now().Unix(),
	})
	if _, err := s.stream.Append(ctx, s.cfg.Stream.Key, payload); err != nil {
		t.Fatal(err)
	}

	s.pool.Start(ctx)
	defer s.pool.Stop()

	deadline := time.After(5 * time.Second)
	for s.pool.GetStats().Processed == 0 {
		select {
		case <-deadline:
			t.Fatal("record never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	fetched, err := cache.GetScored(ctx, s.kv, "rt-1")
	if err != nil {
		t.Fatal(err)
	}
	if fetched == nil {
		t.Fatal("scored record not retrievable")
	}

	// Re-scoring the same transaction against the unchanged graph yields
	// the identical explanation (the graph state is idempotent on tx_id).
	again := s.score(t, &domain.Transaction{
		ID: "rt-1", SenderID: "rt-sender", ReceiverID: "rt-receiver",
		Amount: 750, Timestamp: time.Unix(fetched.Timestamp.Unix(), 0).UTC(),
	})
	if again.Reason != fetched.Reason {
		t.Errorf("explanation not stable across replay:\n%q\n%q", fetched.Reason, again.Reason)
	}
}

// Boundary cases from the scoring contracts.
func TestBoundaryCases(t *testing.T) {
	s := newStack(t)
	now := time.Now().UTC()

	t.Run("zero amount", func(t *testing.T) {
		rec := s.score(t, &domain.Transaction{
			ID: "zero-1", SenderID: "z-a", ReceiverID: "z-b", Amount: 0, Timestamp: now,
		})
		checkInvariants(t, s, rec)
	})

	t.Run("self transfer", func(t *testing.T) {
		rec := s.score(t, &domain.Transaction{
			ID: "self-1", SenderID: "selfie", ReceiverID: "selfie", Amount: 100, Timestamp: now,
		})
		checkInvariants(t, s, rec)
	})

	t.Run("unknown ip degrades", func(t *testing.T) {
		rec := s.score(t, &domain.Transaction{
			ID: "ip-1", SenderID: "ip-a", ReceiverID: "ip-b", Amount: 100, Timestamp: now,
			EndpointIP: "8.8.8.8",
		})
		checkInvariants(t, s, rec)
	})

	t.Run("private ip rejected by resolver but scored", func(t *testing.T) {
		rec := s.score(t, &domain.Transaction{
			ID: "ip-2", SenderID: "ip-c", ReceiverID: "ip-d", Amount: 100, Timestamp: now,
			EndpointIP: "10.1.2.3",
		})
		checkInvariants(t, s, rec)
	})

	t.Run("empty history first transaction", func(t *testing.T) {
		rec := s.score(t, &domain.Transaction{
			ID: "fresh-1", SenderID: "newcomer", ReceiverID: "peer", Amount: 100, Timestamp: now,
		})
		checkInvariants(t, s, rec)
	})
}

// Determinism: identical inputs against an unchanged graph snapshot
// produce the identical explanation string.
func TestExplanationDeterminism(t *testing.T) {
	s := newStack(t)
	now := time.Now().UTC()

	tx := &domain.Transaction{
		ID: "det-1", SenderID: "det-a", ReceiverID: "det-b", Amount: 500, Timestamp: now,
	}
	first := s.score(t, tx)
	for i := 0; i < 5; i++ {
		again := s.score(t, tx)
		if again.Reason != first.Reason {
			t.Fatalf("explanation changed on replay %d:\n%q\n%q", i, first.Reason, again.Reason)
		}
	}
}
