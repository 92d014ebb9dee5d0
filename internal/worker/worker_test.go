package worker

import (
	"context"
	"encoding/json"
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
)

func testConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Worker.Count = 2
	cfg.Worker.SoftDeadlineMs = 5000
	return cfg
}

type harness struct {
	store     *graphstore.SQLStore
	stream    *stream.MemoryStream
	kv        domain.Cache
	scorer    *Scorer
	pool      *Pool
	snapshots *analyzer.Cache
	cfg       *domain.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()

	store, err := graphstore.New(domain.GraphStoreConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker_test.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ms := stream.NewMemoryStream(time.Minute)
	t.Cleanup(func() { ms.Close() })

	kv := cache.NewLRUCache(1000)
	snapshots := analyzer.NewCache()

	fuser, err := fusion.New(cfg.Fusion, cfg.Thresholds, cfg.V3Signals)
	if err != nil {
		t.Fatalf("fusion: %v", err)
	}
	classifier, err := mule.NewClassifier()
	if err != nil {
		t.Fatalf("mule: %v", err)
	}

	featureCfg := domain.FeatureConfig{Thresholds: cfg.Thresholds, V3Signals: cfg.V3Signals}
	scorer := NewScorer(store, asn.NewResolver("IN"), kv, fuser, classifier, snapshots, featureCfg)
	broadcaster := alert.NewBroadcaster(cfg.Thresholds.Medium)
	pool := NewPool(ms, scorer, broadcaster, kv, cfg.Worker, cfg.Stream)

	return &harness{
		store: store, stream: ms, kv: kv,
		scorer: scorer, pool: pool, snapshots: snapshots, cfg: cfg,
	}
}

func record(txID, sender, receiver string, amount float64) []byte {
	payload, _ := json.Marshal(domain.StreamRecord{
		TxID:       txID,
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     amount,
		Timestamp:  time.Now().Unix(),
	})
	return payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestScorerEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := &domain.Transaction{
		ID: "tx-1", SenderID: "acc-a", ReceiverID: "acc-b",
		Amount: 500, Timestamp: time.Now().UTC(),
	}

	scored, err := h.scorer.Score(ctx, tx)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if scored.RiskScore < 0 || scored.RiskScore > 100 {
		t.Errorf("risk score %f out of [0,100]", scored.RiskScore)
	}
	if scored.RiskLevel != domain.LevelFor(scored.RiskScore, 70, 40) {
		t.Errorf("level %s inconsistent with score %f", scored.RiskLevel, scored.RiskScore)
	}
	if scored.Reason == "" {
		t.Error("explanation must never be empty")
	}

	// Risk written back to the account.
	acct, err := h.store.GetAccount(ctx, "acc-a")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.RiskScore != scored.RiskScore {
		t.Errorf("account risk %f, want %f", acct.RiskScore, scored.RiskScore)
	}
}

func TestScorerIngestIdempotence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := &domain.Transaction{
		ID: "tx-dup", SenderID: "acc-a", ReceiverID: "acc-b",
		Amount: 500, Timestamp: time.Now().UTC(),
	}

	if _, err := h.scorer.Score(ctx, tx); err != nil {
		t.Fatalf("first Score failed: %v", err)
	}
	if _, err := h.scorer.Score(ctx, tx); err != nil {
		t.Fatalf("replay Score failed: %v", err)
	}

	counts, err := h.store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts["transactions"] != 1 {
		t.Errorf("replaying the same tx_id must not duplicate rows, got %d", counts["transactions"])
	}
}

func TestPoolProcessesAndAcks(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := h.stream.Append(ctx, h.cfg.Stream.Key, record(
			"tx-"+string(rune('a'+i)), "sender-1", "receiver-1", 100))
		if err != nil {
			t.Fatal(err)
		}
	}

	h.pool.Start(ctx)
	defer h.pool.Stop()

	waitFor(t, "all records processed", func() bool {
		return h.pool.GetStats().Processed == 5
	})
	waitFor(t, "pending drained", func() bool {
		pending, _ := h.stream.PendingCount(ctx, h.cfg.Stream.Key, h.cfg.Stream.Group)
		return pending == 0
	})
}

func TestPoolDropsInvalidRecords(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Garbage payload and a record missing its sender.
	_, _ = h.stream.Append(ctx, h.cfg.Stream.Key, []byte("not json"))
	bad, _ := json.Marshal(domain.StreamRecord{TxID: "t1", ReceiverID: "r", Amount: 10})
	_, _ = h.stream.Append(ctx, h.cfg.Stream.Key, bad)
	neg, _ := json.Marshal(domain.StreamRecord{TxID: "t2", SenderID: "s", ReceiverID: "r", Amount: -5})
	_, _ = h.stream.Append(ctx, h.cfg.Stream.Key, neg)

	h.pool.Start(ctx)
	defer h.pool.Stop()

	waitFor(t, "poison messages dropped", func() bool {
		return h.pool.GetStats().RecordsDropped == 3
	})

	// Poison messages are ACKed, not redelivered.
	waitFor(t, "pending drained", func() bool {
		pending, _ := h.stream.PendingCount(ctx, h.cfg.Stream.Key, h.cfg.Stream.Group)
		return pending == 0
	})
	if h.pool.GetStats().Processed != 0 {
		t.Error("invalid records must not count as processed")
	}
}

func TestPoolCachesScoredRecord(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = h.stream.Append(ctx, h.cfg.Stream.Key, record("tx-cache", "s1", "r1", 250))

	h.pool.Start(ctx)
	defer h.pool.Stop()

	waitFor(t, "record processed", func() bool {
		return h.pool.GetStats().Processed == 1
	})

	rec, err := cache.GetScored(ctx, h.kv, "tx-cache")
	if err != nil {
		t.Fatalf("GetScored failed: %v", err)
	}
	if rec == nil {
		t.Fatal("scored record should be retrievable after processing")
	}
	if rec.TxID != "tx-cache" {
		t.Errorf("tx id = %s", rec.TxID)
	}
}

func TestScorerAnnotatesFromSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := analyzer.New(h.store, h.snapshots, domain.AnalyzerConfig{
		CadenceSeconds: 5, MoneyRouterBetweenness: 0.01, PageRankDamping: 0.85,
	}, h.cfg.Thresholds)

	// Seed a 5-spoke star so the hub is flagged, then run one cycle.
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		tx := &domain.Transaction{
			ID: "seed-" + string(rune('a'+i)), SenderID: "hub",
			ReceiverID: "spoke-" + string(rune('a'+i)),
			Amount:     1000, Timestamp: now.Add(-time.Duration(i+1) * time.Minute),
		}
		if err := h.store.UpsertTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	scored, err := h.scorer.Score(ctx, &domain.Transaction{
		ID: "tx-hub", SenderID: "hub", ReceiverID: "spoke-f",
		Amount: 1000, Timestamp: now,
	})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if scored.ClusterID == "" {
		t.Error("expected cluster annotation from the snapshot")
	}
	found := false
	for _, f := range scored.Flags {
		if f == analyzer.PatternStarHub {
			found = true
		}
	}
	if !found {
		t.Errorf("expected star_hub flag from the snapshot, flags: %v", scored.Flags)
	}
}
