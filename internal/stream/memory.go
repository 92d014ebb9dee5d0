// Package stream implements the durable, ordered, at-least-once
// queue used to carry ingested transaction records from the API surface
// to the worker pool.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// MemoryStream implements domain.Stream in process: an append-only
// slice per key, read by pull-based consumer groups with explicit ack
// tracking and visibility-timeout redelivery. A notify channel, closed
// and replaced on every append, wakes blocked consumers.
type MemoryStream struct {
	mu                sync.Mutex
	queues            map[string]*memQueue
	closed            bool
	visibilityTimeout time.Duration
}

type memQueue struct {
	entries []domain.StreamEntry
	nextID  int64
	groups  map[string]*consumerGroup
	notify  chan struct{}
}

type consumerGroup struct {
	cursor  int
	pending map[string]*pendingRecord
}

type pendingRecord struct {
	entry       domain.StreamEntry
	deliveredAt time.Time
}

// NewMemoryStream creates an in-process stream. visibilityTimeout governs
// how long a delivered-but-unacknowledged record waits before it becomes
// eligible for redelivery to another consumer in the same group.
func NewMemoryStream(visibilityTimeout time.Duration) *MemoryStream {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &MemoryStream{
		queues:            make(map[string]*memQueue),
		visibilityTimeout: visibilityTimeout,
	}
}

func (s *MemoryStream) queueFor(key string) *memQueue {
	q, ok := s.queues[key]
	if !ok {
		q = &memQueue{
			groups: make(map[string]*consumerGroup),
			notify: make(chan struct{}),
		}
		s.queues[key] = q
	}
	return q
}

func (q *memQueue) groupFor(group string) *consumerGroup {
	g, ok := q.groups[group]
	if !ok {
		g = &consumerGroup{pending: make(map[string]*pendingRecord)}
		q.groups[group] = g
	}
	return g
}

// Append adds a record to the stream, returning its assigned id.
func (s *MemoryStream) Append(ctx context.Context, key string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("stream is closed")
	}

	q := s.queueFor(key)
	q.nextID++
	id := strconv.FormatInt(q.nextID, 10)
	q.entries = append(q.entries, domain.StreamEntry{ID: id, Payload: payload})

	close(q.notify)
	q.notify = make(chan struct{})

	return id, nil
}

// ConsumeGroup first redelivers any of the group's pending records that
// exceeded the visibility timeout, then hands out fresh records past the
// group's cursor, blocking up to blockMs when neither is available.
func (s *MemoryStream) ConsumeGroup(ctx context.Context, key, group, consumer string, maxBatch int, blockMs int) ([]domain.StreamEntry, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("stream is closed")
		}

		q := s.queueFor(key)
		g := q.groupFor(group)

		out := s.collect(q, g, maxBatch)
		if len(out) > 0 {
			s.mu.Unlock()
			return out, nil
		}

		notify := q.notify
		s.mu.Unlock()

		if blockMs <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(time.Duration(blockMs) * time.Millisecond)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// collect must be called with s.mu held.
func (s *MemoryStream) collect(q *memQueue, g *consumerGroup, maxBatch int) []domain.StreamEntry {
	var out []domain.StreamEntry
	now := time.Now()

	for _, rec := range g.pending {
		if len(out) >= maxBatch {
			break
		}
		if now.Sub(rec.deliveredAt) >= s.visibilityTimeout {
			rec.deliveredAt = now
			out = append(out, rec.entry)
		}
	}

	for len(out) < maxBatch && g.cursor < len(q.entries) {
		entry := q.entries[g.cursor]
		g.cursor++
		g.pending[entry.ID] = &pendingRecord{entry: entry, deliveredAt: now}
		out = append(out, entry)
	}

	return out
}

// Ack acknowledges a record, removing it from the group's pending set.
func (s *MemoryStream) Ack(ctx context.Context, key, group, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return nil
	}
	g, ok := q.groups[group]
	if !ok {
		return nil
	}
	delete(g.pending, id)
	return nil
}

// PendingCount reports the number of unacknowledged records outstanding
// for a group.
func (s *MemoryStream) PendingCount(ctx context.Context, key, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return 0, nil
	}
	g, ok := q.groups[group]
	if !ok {
		return 0, nil
	}
	return int64(len(g.pending)), nil
}

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, q := range s.queues {
		close(q.notify)
	}
	return nil
}
