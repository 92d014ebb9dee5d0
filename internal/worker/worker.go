// Package worker consumes transaction records from the durable stream
// and drives them through the scoring pipeline: ingest, concurrent
// feature extraction, fusion, mule classification, risk write-back,
// alert fan-out and acknowledgment.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudscope/internal/alert"
	"github.com/opensource-finance/fraudscope/internal/cache"
	"github.com/opensource-finance/fraudscope/internal/domain"
)

const (
	consumeBlockMs = 1000

	// pendingHighWater is the pending-count multiple of the configured
	// batch size above which workers halve their batch.
	pendingHighWater = 10

	// Shared store-backoff governed by an EWMA of transient-retry
	// exhaustion: above the threshold, workers sleep between batches.
	backoffAlpha     = 0.2
	backoffThreshold = 0.5
	backoffSleep     = 200 * time.Millisecond
)

// Pool runs N worker goroutines against one consumer group.
type Pool struct {
	stream      domain.Stream
	scorer      *Scorer
	broadcaster *alert.Broadcaster
	kv          domain.Cache

	workerCfg domain.WorkerConfig
	streamCfg domain.StreamConfig

	processed        atomic.Uint64
	recordsDropped   atomic.Uint64
	retriesExhausted atomic.Uint64
	deadlinesExpired atomic.Uint64

	backoffMu   sync.Mutex
	backoffEWMA float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is the pool's counter snapshot.
type Stats struct {
	Workers          int    `json:"workers"`
	Processed        uint64 `json:"processed"`
	RecordsDropped   uint64 `json:"records_dropped"`
	RetriesExhausted uint64 `json:"retries_exhausted"`
	DeadlinesExpired uint64 `json:"deadlines_expired"`
}

// NewPool creates a worker pool.
func NewPool(stream domain.Stream, scorer *Scorer, broadcaster *alert.Broadcaster,
	kv domain.Cache, workerCfg domain.WorkerConfig, streamCfg domain.StreamConfig) *Pool {
	if workerCfg.Count <= 0 {
		workerCfg.Count = 4
	}
	if workerCfg.BatchSize <= 0 {
		workerCfg.BatchSize = 16
	}
	if workerCfg.SoftDeadlineMs <= 0 {
		workerCfg.SoftDeadlineMs = 200
	}
	return &Pool{
		stream:      stream,
		scorer:      scorer,
		broadcaster: broadcaster,
		kv:          kv,
		workerCfg:   workerCfg,
		streamCfg:   streamCfg,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workerCfg.Count; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, consumer)
		}()
	}

	slog.Info("worker pool started",
		"workers", p.workerCfg.Count,
		"batch_size", p.workerCfg.BatchSize,
		"stream", p.streamCfg.Key,
	)
}

// Stop cancels the workers and waits for in-flight records to settle.
// Unacknowledged records are redelivered after the visibility timeout.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.sleepIfStoreStruggling(ctx)

		entries, err := p.stream.ConsumeGroup(ctx, p.streamCfg.Key, p.streamCfg.Group,
			consumer, p.batchSize(ctx), consumeBlockMs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("stream consume failed", "consumer", consumer, "error", err)
			time.Sleep(backoffSleep)
			continue
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			p.processEntry(ctx, consumer, entry)
		}
	}
}

// batchSize applies backpressure: when the group's pending count exceeds
// the high-water mark the batch is halved, letting redelivery drain.
func (p *Pool) batchSize(ctx context.Context) int {
	batch := p.workerCfg.BatchSize
	pending, err := p.stream.PendingCount(ctx, p.streamCfg.Key, p.streamCfg.Group)
	if err == nil && pending > int64(pendingHighWater*batch) {
		if batch > 1 {
			batch /= 2
		}
	}
	return batch
}

// processEntry drives one stream record through the pipeline. ACK policy
// follows the error kind: invalid input is ACKed as a poison-message
// drop; transient-store exhaustion, extractor failures and deadline
// expiry leave the record unACKed for redelivery.
func (p *Pool) processEntry(ctx context.Context, consumer string, entry domain.StreamEntry) {
	rec, err := domain.DecodeStreamRecord(entry.Payload)
	if err == nil {
		err = rec.Validate()
	}
	if err != nil {
		p.recordsDropped.Add(1)
		slog.Warn("dropping invalid record", "stream_id", entry.ID, "error", err)
		p.ack(ctx, entry.ID)
		return
	}

	deadline := time.Duration(p.workerCfg.SoftDeadlineMs) * time.Millisecond
	recCtx, cancel := context.WithTimeout(ctx, deadline)
	scored, err := p.scorer.Score(recCtx, rec.ToTransaction())
	cancel()

	if err != nil {
		p.observeFailure(err, rec.TxID)
		return
	}
	p.noteStoreHealthy()

	// Alerts are fire-and-forget; the broadcaster bounds each
	// subscriber write and never blocks the worker loop.
	go p.broadcaster.Broadcast(context.WithoutCancel(ctx), scored)

	if err := cache.PutScored(ctx, p.kv, scored); err != nil {
		slog.Debug("scored-record cache write failed", "tx_id", scored.TxID, "error", err)
	}

	p.ack(ctx, entry.ID)
	p.processed.Add(1)

	slog.Info("transaction scored",
		"tx_id", scored.TxID,
		"consumer", consumer,
		"risk_score", scored.RiskScore,
		"risk_level", scored.RiskLevel,
		"is_mule", scored.Mule.IsMule,
		"duration_ms", scored.ProcessingTimeMs,
	)
}

func (p *Pool) observeFailure(err error, txID string) {
	switch {
	case errors.Is(err, domain.ErrTransientStore):
		p.retriesExhausted.Add(1)
		p.noteStoreStruggling()
		slog.Warn("store retries exhausted, leaving record for redelivery", "tx_id", txID, "error", err)
	case errors.Is(err, context.DeadlineExceeded):
		p.deadlinesExpired.Add(1)
		slog.Warn("record deadline exceeded, leaving record for redelivery",
			"tx_id", txID, "error", domain.ErrDeadlineExceeded)
	default:
		slog.Error("scoring failed, leaving record for redelivery", "tx_id", txID, "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, id string) {
	if err := p.stream.Ack(ctx, p.streamCfg.Key, p.streamCfg.Group, id); err != nil {
		slog.Error("ack failed", "stream_id", id, "error", err)
	}
}

// noteStoreStruggling / noteStoreHealthy maintain the shared EWMA of
// transient-retry exhaustion that gates the inter-batch backoff sleep.
func (p *Pool) noteStoreStruggling() {
	p.backoffMu.Lock()
	p.backoffEWMA = backoffAlpha*1 + (1-backoffAlpha)*p.backoffEWMA
	p.backoffMu.Unlock()
}

func (p *Pool) noteStoreHealthy() {
	p.backoffMu.Lock()
	p.backoffEWMA = (1 - backoffAlpha) * p.backoffEWMA
	p.backoffMu.Unlock()
}

func (p *Pool) sleepIfStoreStruggling(ctx context.Context) {
	p.backoffMu.Lock()
	struggling := p.backoffEWMA > backoffThreshold
	p.backoffMu.Unlock()
	if !struggling {
		return
	}

	timer := time.NewTimer(backoffSleep)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// GetStats returns the pool's counters.
func (p *Pool) GetStats() Stats {
	return Stats{
		Workers:          p.workerCfg.Count,
		Processed:        p.processed.Load(),
		RecordsDropped:   p.recordsDropped.Load(),
		RetriesExhausted: p.retriesExhausted.Load(),
		DeadlinesExpired: p.deadlinesExpired.Load(),
	}
}
