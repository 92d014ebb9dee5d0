// Package alert fans scored records out to registered subscribers
// (websocket clients, webhooks). The subscriber list is a copy-on-write
// snapshot behind an atomic pointer: broadcasts read lock-free, while
// subscribe/unsubscribe serialize on a writer mutex.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// sendTimeout bounds each subscriber write. A subscriber that cannot
// accept within it is dropped from the current broadcast; one that
// errors is pruned.
const sendTimeout = 250 * time.Millisecond

// Broadcaster publishes scored records at or above the medium threshold.
type Broadcaster struct {
	minScore float64

	mu          sync.Mutex
	subscribers atomic.Pointer[[]domain.Subscriber]

	published atomic.Uint64
	dropped   atomic.Uint64
	pruned    atomic.Uint64
}

// NewBroadcaster creates a broadcaster that publishes records whose
// fused score reaches minScore.
func NewBroadcaster(minScore float64) *Broadcaster {
	b := &Broadcaster{minScore: minScore}
	empty := make([]domain.Subscriber, 0)
	b.subscribers.Store(&empty)
	return b
}

// Subscribe registers a subscriber.
func (b *Broadcaster) Subscribe(sub domain.Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := *b.subscribers.Load()
	next := make([]domain.Subscriber, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)
	b.subscribers.Store(&next)
}

// Unsubscribe removes a subscriber by id.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broadcaster) removeLocked(id string) {
	current := *b.subscribers.Load()
	next := make([]domain.Subscriber, 0, len(current))
	for _, s := range current {
		if s.ID() != id {
			next = append(next, s)
		}
	}
	b.subscribers.Store(&next)
}

// Broadcast publishes the record to every subscriber if its score
// reaches the threshold. Each write is bounded; an erroring subscriber
// is pruned and never fails the record. Safe to call from worker
// goroutines without blocking the scoring loop beyond the bounded
// writes.
func (b *Broadcaster) Broadcast(ctx context.Context, rec *domain.ScoredRecord) {
	if rec.RiskScore < b.minScore {
		return
	}

	subs := *b.subscribers.Load()
	if len(subs) == 0 {
		return
	}
	b.published.Add(1)

	for _, sub := range subs {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sub.Send(sendCtx, rec)
		timedOut := sendCtx.Err() != nil
		cancel()
		if err == nil {
			continue
		}

		if timedOut {
			// Slow subscriber: drop it from this broadcast only.
			b.dropped.Add(1)
			slog.Debug("alert dropped for slow subscriber", "subscriber", sub.ID(), "tx_id", rec.TxID)
			continue
		}

		b.pruned.Add(1)
		slog.Info("pruning unreachable alert subscriber", "subscriber", sub.ID(), "error", err)
		b.mu.Lock()
		b.removeLocked(sub.ID())
		b.mu.Unlock()
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	return len(*b.subscribers.Load())
}

// Stats are the broadcaster's counters.
type Stats struct {
	Subscribers       int    `json:"subscribers"`
	AlertsPublished   uint64 `json:"alerts_published"`
	AlertsDropped     uint64 `json:"alerts_dropped"`
	SubscribersPruned uint64 `json:"subscribers_pruned"`
}

// GetStats returns current counters.
func (b *Broadcaster) GetStats() Stats {
	return Stats{
		Subscribers:       b.SubscriberCount(),
		AlertsPublished:   b.published.Load(),
		AlertsDropped:     b.dropped.Load(),
		SubscribersPruned: b.pruned.Load(),
	}
}
