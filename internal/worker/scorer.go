package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/fraudscope/internal/analyzer"
	"github.com/opensource-finance/fraudscope/internal/asn"
	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/features/behavioral"
	"github.com/opensource-finance/fraudscope/internal/features/device"
	"github.com/opensource-finance/fraudscope/internal/features/dormant"
	"github.com/opensource-finance/fraudscope/internal/features/graph"
	"github.com/opensource-finance/fraudscope/internal/features/velocity"
	"github.com/opensource-finance/fraudscope/internal/fusion"
	"github.com/opensource-finance/fraudscope/internal/mule"
)

// extractor is one of the five concurrent scoring functions.
type extractor func(ctx context.Context, store domain.GraphStore, resolver *asn.Resolver, cache domain.Cache, cfg domain.FeatureConfig, tx *domain.Transaction) (domain.FeatureResult, error)

// Scorer runs the full scoring pipeline for one transaction: graph
// ingest, ASN enrichment, concurrent feature extraction, fusion, mule
// classification and risk write-back. It is shared by the worker pool
// and the synchronous HTTP scoring path, which differ only in stream
// acknowledgment.
type Scorer struct {
	store      domain.GraphStore
	resolver   *asn.Resolver
	cache      domain.Cache
	fuser      *fusion.Fuser
	classifier *mule.Classifier
	snapshots  *analyzer.Cache
	featureCfg domain.FeatureConfig
}

// NewScorer wires the pipeline.
func NewScorer(store domain.GraphStore, resolver *asn.Resolver, cache domain.Cache,
	fuser *fusion.Fuser, classifier *mule.Classifier, snapshots *analyzer.Cache,
	featureCfg domain.FeatureConfig) *Scorer {
	return &Scorer{
		store:      store,
		resolver:   resolver,
		cache:      cache,
		fuser:      fuser,
		classifier: classifier,
		snapshots:  snapshots,
		featureCfg: featureCfg,
	}
}

// Score processes a transaction end to end and returns the scored
// record. The five extractors run concurrently and join before fusion;
// cancellation of ctx stops the pipeline at the next suspension point.
func (s *Scorer) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoredRecord, error) {
	start := time.Now()

	if err := s.store.UpsertTransaction(ctx, tx); err != nil {
		return nil, err
	}

	s.enrichEndpoint(ctx, tx)

	parts, err := s.extract(ctx, tx)
	if err != nil {
		return nil, err
	}

	fused, err := s.fuser.Fuse(ctx, parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExtractor, err)
	}

	muleResult, err := s.classifier.Classify(ctx, fused.Signals, fused.Score)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExtractor, err)
	}

	if err := s.store.SetTransactionRisk(ctx, tx.ID, fused.Score); err != nil {
		return nil, err
	}
	if err := s.store.SetAccountRisk(ctx, tx.SenderID, fused.Score); err != nil {
		return nil, err
	}

	rec := &domain.ScoredRecord{
		TxID:             tx.ID,
		RiskScore:        fused.Score,
		RiskLevel:        fused.Level,
		Breakdown:        fused.Breakdown,
		Flags:            fused.Flags,
		Reason:           fused.Reason,
		Mule:             muleResult,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}

	// Collusion-cache annotations: cluster membership and any detected
	// patterns on the sender. Absent a snapshot these stay empty and the
	// record is still complete.
	if snap := s.snapshots.Current(); snap != nil {
		if cluster := snap.ClusterFor(tx.SenderID); cluster != nil {
			rec.ClusterID = cluster.ID
		}
		rec.Flags = append(rec.Flags, snap.PatternsFor(tx.SenderID)...)
	}

	return rec, nil
}

// enrichEndpoint resolves the transaction's source IP and stamps the
// ASN fields onto the endpoint record. Resolution failures (including a
// missing ASN table) never fail the record.
func (s *Scorer) enrichEndpoint(ctx context.Context, tx *domain.Transaction) {
	if tx.EndpointIP == "" {
		return
	}
	lookup, err := s.resolver.Resolve(tx.EndpointIP)
	if err != nil {
		return
	}
	_ = s.store.UpdateEndpointASN(ctx, tx.EndpointIP, lookup.ASNNumber, lookup.ASNOrg, lookup.Country, lookup.Class)
}

// extract fans the five extractors out as goroutines and joins them
// before fusion. The first error wins; remaining extractors are
// abandoned at their next suspension point via context cancellation.
func (s *Scorer) extract(ctx context.Context, tx *domain.Transaction) (fusion.Parts, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	extractors := [5]extractor{
		graph.Compute,
		behavioral.Compute,
		device.Compute,
		dormant.Compute,
		velocity.Compute,
	}

	var results [5]domain.FeatureResult
	var errs [5]error
	var wg sync.WaitGroup

	for i, fn := range extractors {
		wg.Add(1)
		go func(idx int, compute extractor) {
			defer wg.Done()
			res, err := compute(ctx, s.store, s.resolver, s.cache, s.featureCfg, tx)
			if err != nil {
				errs[idx] = err
				cancel()
				return
			}
			results[idx] = res
		}(i, fn)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			if ctx.Err() != nil && err == ctx.Err() {
				continue
			}
			return fusion.Parts{}, fmt.Errorf("%w: %v", domain.ErrExtractor, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return fusion.Parts{}, err
	}

	return fusion.Parts{
		Graph:       results[0],
		Behavioral:  results[1],
		Device:      results[2],
		DeadAccount: results[3],
		Velocity:    results[4],
	}, nil
}
