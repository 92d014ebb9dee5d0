package stream

import (
	"context"
	"fmt"
	"testing"
	"time"
)

const (
	testKey   = "test.transactions"
	testGroup = "test-workers"
)

func TestAppendAndConsume(t *testing.T) {
	s := NewMemoryStream(time.Minute)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Append(ctx, testKey, []byte(`{"tx_id":"t1"}`))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected assigned id")
	}

	entries, err := s.ConsumeGroup(ctx, testKey, testGroup, "c1", 10, 0)
	if err != nil {
		t.Fatalf("ConsumeGroup failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != id {
		t.Errorf("entry id = %s, want %s", entries[0].ID, id)
	}
	if string(entries[0].Payload) != `{"tx_id":"t1"}` {
		t.Errorf("payload = %s", entries[0].Payload)
	}
}

func TestPendingUntilAck(t *testing.T) {
	s := NewMemoryStream(time.Minute)
	defer s.Close()
	ctx := context.Background()

	id, _ := s.Append(ctx, testKey, []byte("r1"))
	entries, _ := s.ConsumeGroup(ctx, testKey, testGroup, "c1", 10, 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	pending, err := s.PendingCount(ctx, testKey, testGroup)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}

	if err := s.Ack(ctx, testKey, testGroup, id); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	pending, _ = s.PendingCount(ctx, testKey, testGroup)
	if pending != 0 {
		t.Errorf("pending after ack = %d, want 0", pending)
	}
}

func TestRedeliveryAfterVisibilityTimeout(t *testing.T) {
	s := NewMemoryStream(20 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	id, _ := s.Append(ctx, testKey, []byte("r1"))

	// Consumer 1 takes the record and crashes without acking.
	entries, _ := s.ConsumeGroup(ctx, testKey, testGroup, "c1", 10, 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	// Immediately, consumer 2 sees nothing: the record is pending.
	entries, _ = s.ConsumeGroup(ctx, testKey, testGroup, "c2", 10, 0)
	if len(entries) != 0 {
		t.Fatalf("expected no entries before visibility timeout, got %d", len(entries))
	}

	time.Sleep(30 * time.Millisecond)

	// After the visibility timeout the record is redelivered.
	entries, _ = s.ConsumeGroup(ctx, testKey, testGroup, "c2", 10, 0)
	if len(entries) != 1 {
		t.Fatalf("expected redelivery, got %d entries", len(entries))
	}
	if entries[0].ID != id {
		t.Errorf("redelivered id = %s, want %s", entries[0].ID, id)
	}
}

func TestConsumerGroupsAreIndependent(t *testing.T) {
	s := NewMemoryStream(time.Minute)
	defer s.Close()
	ctx := context.Background()

	_, _ = s.Append(ctx, testKey, []byte("r1"))

	a, _ := s.ConsumeGroup(ctx, testKey, "group-a", "c1", 10, 0)
	b, _ := s.ConsumeGroup(ctx, testKey, "group-b", "c1", 10, 0)
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("each group should receive the record: a=%d b=%d", len(a), len(b))
	}
}

func TestOrderingWithinGroup(t *testing.T) {
	s := NewMemoryStream(time.Minute)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, testKey, []byte(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	entries, _ := s.ConsumeGroup(ctx, testKey, testGroup, "c1", 10, 0)
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("r%d", i)
		if string(e.Payload) != want {
			t.Errorf("entry %d = %s, want %s", i, e.Payload, want)
		}
	}
}

func TestBlockingConsumeWakesOnAppend(t *testing.T) {
	s := NewMemoryStream(time.Minute)
	defer s.Close()
	ctx := context.Background()

	done := make(chan []byte, 1)
	go func() {
		entries, err := s.ConsumeGroup(ctx, testKey, testGroup, "c1", 1, 2000)
		if err != nil || len(entries) == 0 {
			done <- nil
			return
		}
		done <- entries[0].Payload
	}()

	time.Sleep(10 * time.Millisecond)
	_, _ = s.Append(ctx, testKey, []byte("wake"))

	select {
	case payload := <-done:
		if string(payload) != "wake" {
			t.Errorf("payload = %s, want wake", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked consumer never woke")
	}
}

func TestConsumeRespectsContextCancel(t *testing.T) {
	s := NewMemoryStream(time.Minute)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.ConsumeGroup(ctx, testKey, testGroup, "c1", 1, 5000)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestMaxBatchHonored(t *testing.T) {
	s := NewMemoryStream(time.Minute)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = s.Append(ctx, testKey, []byte("r"))
	}

	entries, _ := s.ConsumeGroup(ctx, testKey, testGroup, "c1", 3, 0)
	if len(entries) != 3 {
		t.Errorf("expected batch of 3, got %d", len(entries))
	}
}
