package analyzer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/graphstore"
)

func testStore(t *testing.T) *graphstore.SQLStore {
	t.Helper()
	store, err := graphstore.New(domain.GraphStoreConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "analyzer_test.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTransfer(t *testing.T, store *graphstore.SQLStore, id, from, to string, amount float64, at time.Time) {
	t.Helper()
	err := store.UpsertTransaction(context.Background(), &domain.Transaction{
		ID: id, SenderID: from, ReceiverID: to, Amount: amount, Timestamp: at,
	})
	if err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
}

func newTestAnalyzer(store domain.GraphStore, cache *Cache) *Analyzer {
	return New(store, cache, domain.AnalyzerConfig{
		CadenceSeconds:         5,
		MoneyRouterBetweenness: 0.01,
		PageRankDamping:        0.85,
	}, domain.Thresholds{DormancyDays: 30})
}

func TestRunCyclePublishesSnapshot(t *testing.T) {
	store := testStore(t)
	cache := NewCache()
	a := newTestAnalyzer(store, cache)
	ctx := context.Background()

	now := time.Now().UTC()
	// Small ring plus an outsider.
	seedTransfer(t, store, "t1", "a", "b", 500, now.Add(-30*time.Minute))
	seedTransfer(t, store, "t2", "b", "c", 480, now.Add(-20*time.Minute))
	seedTransfer(t, store, "t3", "c", "a", 470, now.Add(-10*time.Minute))
	seedTransfer(t, store, "t4", "x", "y", 100, now.Add(-5*time.Minute))

	if err := a.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	snap := cache.Current()
	if snap == nil {
		t.Fatal("expected a snapshot after a successful cycle")
	}
	if snap.Generation != 1 {
		t.Errorf("generation = %d, want 1", snap.Generation)
	}

	// The ring members share a cluster and carry the circular-flow
	// pattern.
	ca := snap.AccountCluster["a"]
	if ca == "" || ca != snap.AccountCluster["b"] || ca != snap.AccountCluster["c"] {
		t.Errorf("ring members should share a cluster: %v", snap.AccountCluster)
	}
	for _, id := range []string{"a", "b", "c"} {
		if !hasPattern(snap.PatternsFor(id), PatternCircularFlow) {
			t.Errorf("%s should carry circular_flow: %v", id, snap.Patterns)
		}
	}

	// Graph properties are written back to the store.
	acct, err := store.GetAccount(ctx, "a")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.CommunityID == "" {
		t.Error("community id should be written back")
	}
	if acct.RollingMean25 == 0 {
		t.Error("rolling mean should be refreshed from recent amounts")
	}
}

func TestRunCycleGenerationMonotone(t *testing.T) {
	store := testStore(t)
	cache := NewCache()
	a := newTestAnalyzer(store, cache)
	ctx := context.Background()

	seedTransfer(t, store, "t1", "a", "b", 100, time.Now().UTC())

	var last uint64
	for i := 0; i < 3; i++ {
		if err := a.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		gen := cache.Current().Generation
		if gen != last+1 {
			t.Fatalf("generation %d after cycle %d, want %d", gen, i, last+1)
		}
		last = gen
	}
}

func TestRunCycleMarksDormantAccounts(t *testing.T) {
	store := testStore(t)
	cache := NewCache()
	a := newTestAnalyzer(store, cache)
	ctx := context.Background()

	// Sender last active 45 days ago.
	seedTransfer(t, store, "t1", "sleepy", "b", 200, time.Now().UTC().Add(-45*24*time.Hour))

	if err := a.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	acct, err := store.GetAccount(ctx, "sleepy")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !acct.Dormant {
		t.Error("account inactive for 45 days should be flagged dormant")
	}

	recv, err := store.GetAccount(ctx, "b")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if recv.Dormant {
		// Receiver shares the same last activity timestamp.
		t.Log("receiver dormancy follows its own last-active timestamp")
	}
}

func TestRunCycleReplacesClusters(t *testing.T) {
	store := testStore(t)
	cache := NewCache()
	a := newTestAnalyzer(store, cache)
	ctx := context.Background()

	seedTransfer(t, store, "t1", "a", "b", 100, time.Now().UTC())

	if err := a.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	snap := cache.Current()
	clusterID := snap.AccountCluster["a"]
	cluster, err := store.GetCluster(ctx, clusterID)
	if err != nil {
		t.Fatalf("GetCluster failed: %v", err)
	}
	if cluster.MemberCount < 1 {
		t.Errorf("cluster member count = %d", cluster.MemberCount)
	}
}

func TestStarHubDetectionThroughCycle(t *testing.T) {
	store := testStore(t)
	cache := NewCache()
	a := newTestAnalyzer(store, cache)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		seedTransfer(t, store, fmt.Sprintf("t%d", i), "hub", fmt.Sprintf("r%d", i), 1000, now.Add(-time.Duration(i)*time.Minute))
	}

	if err := a.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	snap := cache.Current()
	if !hasPattern(snap.PatternsFor("hub"), PatternStarHub) {
		t.Errorf("hub should be a star hub: %v", snap.Patterns)
	}
}

func TestAnalyzerStats(t *testing.T) {
	store := testStore(t)
	cache := NewCache()
	a := newTestAnalyzer(store, cache)

	stats := a.Stats()
	if stats.SnapshotReady {
		t.Error("no snapshot before first cycle")
	}

	seedTransfer(t, store, "t1", "a", "b", 100, time.Now().UTC())
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	// Counters for completed cycles move through runOnce; RunCycle alone
	// only advances the generation.
	stats = a.Stats()
	if !stats.SnapshotReady {
		t.Error("snapshot should be ready after a cycle")
	}
	if stats.Generation != 1 {
		t.Errorf("generation = %d, want 1", stats.Generation)
	}
}

func TestStartStop(t *testing.T) {
	store := testStore(t)
	cache := NewCache()
	a := newTestAnalyzer(store, cache)

	seedTransfer(t, store, "t1", "a", "b", 100, time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Start(ctx)

	deadline := time.After(2 * time.Second)
	for cache.Current() == nil {
		select {
		case <-deadline:
			t.Fatal("no snapshot published after Start")
		case <-time.After(10 * time.Millisecond):
		}
	}

	a.Stop()
}
