package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := cache.Get(ctx, "expiring")
		if val == nil {
			t.Fatal("expected value before expiry")
		}

		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiry")
		}
	})
}

func TestLRUCacheEviction(t *testing.T) {
	cache := NewLRUCache(3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("key%d", i)
		_ = cache.Set(ctx, key, []byte("v"), time.Minute)
	}

	size, capacity := cache.Stats()
	if size != 3 {
		t.Errorf("expected size 3 after eviction, got %d", size)
	}
	if capacity != 3 {
		t.Errorf("expected capacity 3, got %d", capacity)
	}

	// key0 was the oldest and should have been evicted.
	val, _ := cache.Get(ctx, "key0")
	if val != nil {
		t.Error("expected oldest entry to be evicted")
	}
	val, _ = cache.Get(ctx, "key3")
	if val == nil {
		t.Error("expected newest entry to survive eviction")
	}
}

func TestLRUCacheCounters(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := cache.IncrementCounter(ctx, "velocity:acc-1", time.Minute)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if got != want {
			t.Errorf("expected counter %d, got %d", want, got)
		}
	}

	// A fresh window starts over.
	got, err := cache.IncrementCounter(ctx, "velocity:acc-2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if got != 1 {
		t.Errorf("expected fresh counter 1, got %d", got)
	}

	time.Sleep(20 * time.Millisecond)

	got, _ = cache.IncrementCounter(ctx, "velocity:acc-2", time.Minute)
	if got != 1 {
		t.Errorf("expected counter reset after window, got %d", got)
	}
}

func TestScoredRecordRoundTrip(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	rec := &domain.ScoredRecord{
		TxID:      "tx-123",
		RiskScore: 52.5,
		RiskLevel: domain.RiskMedium,
		Breakdown: domain.Breakdown{Graph: 60, Behavioral: 40, Device: 55, DeadAccount: 30, Velocity: 70},
		Flags:     []string{"velocity_burst"},
		Reason:    "High transaction velocity detected",
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}

	if err := PutScored(ctx, cache, rec); err != nil {
		t.Fatalf("PutScored failed: %v", err)
	}

	got, err := GetScored(ctx, cache, "tx-123")
	if err != nil {
		t.Fatalf("GetScored failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected cached scored record")
	}
	if got.RiskScore != rec.RiskScore || got.RiskLevel != rec.RiskLevel || got.Reason != rec.Reason {
		t.Errorf("round-trip mismatch: got %+v", got)
	}

	missing, err := GetScored(ctx, cache, "tx-999")
	if err != nil {
		t.Fatalf("GetScored failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown tx")
	}
}
