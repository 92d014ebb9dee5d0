// Package analyzer is the batch graph analyzer: on a fixed cadence it
// refreshes rolling account statistics and device aggregates, recomputes
// community, centrality and clustering properties over the transfer
// graph, runs the collusion detectors, and publishes the result as an
// atomically swapped snapshot consumed by the scoring hot path.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/features"
)

// Analyzer runs the batch cycle on its own goroutine, never on worker
// goroutines. A failed cycle leaves the previous snapshot in place.
type Analyzer struct {
	store domain.GraphStore
	cache *Cache

	cadence      time.Duration
	dormancyDays float64
	routerMin    float64
	damping      float64

	generation uint64

	cyclesCompleted atomic.Uint64
	cycleFailures   atomic.Uint64
	lastRunUnixMs   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is the analyzer's operational introspection payload.
type Stats struct {
	SnapshotReady   bool      `json:"snapshot_ready"`
	Generation      uint64    `json:"generation"`
	CyclesCompleted uint64    `json:"cycles_completed"`
	CycleFailures   uint64    `json:"cycle_failures"`
	LastRunAt       time.Time `json:"last_run_at"`
}

// New creates an Analyzer publishing into cache.
func New(store domain.GraphStore, cache *Cache, cfg domain.AnalyzerConfig, thresholds domain.Thresholds) *Analyzer {
	cadence := time.Duration(cfg.CadenceSeconds) * time.Second
	if cadence <= 0 {
		cadence = 5 * time.Second
	}
	dormancy := thresholds.DormancyDays
	if dormancy <= 0 {
		dormancy = 30
	}
	return &Analyzer{
		store:        store,
		cache:        cache,
		cadence:      cadence,
		dormancyDays: dormancy,
		routerMin:    cfg.MoneyRouterBetweenness,
		damping:      cfg.PageRankDamping,
	}
}

// Start launches the cycle loop. The first cycle runs immediately so the
// hot path gets a snapshot as soon as possible.
func (a *Analyzer) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		a.runOnce(ctx)

		ticker := time.NewTicker(a.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runOnce(ctx)
			}
		}
	}()

	slog.Info("batch analyzer started", "cadence", a.cadence.String())
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (a *Analyzer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	slog.Info("batch analyzer stopped")
}

func (a *Analyzer) runOnce(ctx context.Context) {
	start := time.Now()
	if err := a.RunCycle(ctx); err != nil {
		a.cycleFailures.Add(1)
		slog.Warn("analyzer cycle failed, previous snapshot retained",
			"error", fmt.Errorf("%w: %v", domain.ErrAnalyzer, err),
			"failures", a.cycleFailures.Load(),
		)
		return
	}
	a.cyclesCompleted.Add(1)
	a.lastRunUnixMs.Store(time.Now().UnixMilli())
	slog.Debug("analyzer cycle complete",
		"generation", a.generation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// RunCycle executes one full batch cycle: statistics refresh, device
// refresh, graph algorithms, collusion detection, snapshot swap.
func (a *Analyzer) RunCycle(ctx context.Context) error {
	now := time.Now().UTC()

	accounts, edges, err := a.store.AllAccountEdges(ctx)
	if err != nil {
		return fmt.Errorf("load graph projection: %w", err)
	}

	if err := a.refreshAccountStats(ctx, accounts, now); err != nil {
		return fmt.Errorf("refresh account stats: %w", err)
	}

	sharing, err := a.refreshDevices(ctx)
	if err != nil {
		return fmt.Errorf("refresh devices: %w", err)
	}

	p := project(accounts, edges)

	comm := communities(p)
	bc := betweenness(p)
	pr := pageRank(p, a.damping)
	cc := clusteringCoefficients(p)
	wcc := weaklyConnectedComponents(p)

	clusters, accountCluster := buildClusters(p, comm)

	for i, id := range p.nodes {
		if err := a.store.UpdateAccountGraphProps(ctx, id,
			accountCluster[id], pr[i], bc[i], cc[i], fmt.Sprintf("w%d", wcc[i])); err != nil {
			return fmt.Errorf("write graph props for %s: %w", id, err)
		}
	}

	clusterList := make([]*domain.Cluster, 0, len(clusters))
	for _, c := range clusters {
		clusterList = append(clusterList, c)
	}
	if err := a.store.ReplaceClusters(ctx, clusterList); err != nil {
		return fmt.Errorf("replace clusters: %w", err)
	}

	ps := newPatternSet(p)
	detectFraudIslands(p, comm, ps)
	detectMoneyRouters(bc, a.routerMin, ps)
	detectCircularFlows(p, now, ps)
	detectRapidChains(p, ps)
	detectStarHubs(p, ps)
	if err := detectRelayMules(ctx, a.store, p, now, ps); err != nil {
		return fmt.Errorf("relay detection: %w", err)
	}

	patterns := ps.toMap()

	a.generation++
	a.cache.swap(&Snapshot{
		Generation:     a.generation,
		ComputedAt:     now,
		Patterns:       patterns,
		Clusters:       clusters,
		AccountCluster: accountCluster,
		FlaggedEdges:   flaggedSubgraph(edges, patterns),
		DeviceSharing:  sharing,
	})
	return nil
}

// refreshAccountStats recomputes each account's rolling mean/std over
// its most recent outgoing amounts and its dormancy flag. This is the
// only writer of rolling statistics; the hot path never advances them.
func (a *Analyzer) refreshAccountStats(ctx context.Context, accounts []*domain.Account, now time.Time) error {
	for _, acct := range accounts {
		amounts, err := a.store.RecentOutgoingAmounts(ctx, acct.ID, 25)
		if err != nil {
			return err
		}

		mean := features.Mean(amounts)
		std := features.Stddev(amounts, mean)

		lastActive, ok, err := a.store.LastActivityAt(ctx, acct.ID)
		if err != nil {
			return err
		}
		if !ok {
			lastActive = acct.LastActiveAt
		}
		dormant := !lastActive.IsZero() &&
			now.Sub(lastActive).Hours()/24 > a.dormancyDays

		if err := a.store.UpdateAccountStats(ctx, acct.ID, mean, std,
			acct.LifetimeCount, lastActive, dormant); err != nil {
			return err
		}

		// Keep the in-memory copy current so this cycle's detectors see
		// the refreshed values.
		acct.RollingMean25, acct.RollingStd25 = mean, std
		acct.LastActiveAt, acct.Dormant = lastActive, dormant
	}
	return nil
}

// refreshDevices recomputes distinct-account counts and the derived
// device risk ladder, and collects the device-sharing view.
func (a *Analyzer) refreshDevices(ctx context.Context) ([]DeviceShare, error) {
	devices, err := a.store.AllDevices(ctx)
	if err != nil {
		return nil, err
	}

	var sharing []DeviceShare
	for _, dev := range devices {
		users, err := a.store.AccountsOnDevice(ctx, dev.Fingerprint)
		if err != nil {
			return nil, err
		}

		risk := deviceRiskLadder(users)
		if err := a.store.UpdateDeviceStats(ctx, dev.Fingerprint, len(users), risk); err != nil {
			return nil, err
		}

		if len(users) >= 2 {
			ids := make([]string, len(users))
			for i, u := range users {
				ids[i] = u.ID
			}
			sharing = append(sharing, DeviceShare{
				Fingerprint: dev.Fingerprint,
				AccountIDs:  ids,
				DeviceRisk:  risk,
			})
		}
	}
	return sharing, nil
}

// deviceRiskLadder derives a device's base risk from its users.
func deviceRiskLadder(users []*domain.Account) float64 {
	anyOver80 := false
	sum := 0.0
	for _, u := range users {
		sum += u.RiskScore
		if u.RiskScore > 80 {
			anyOver80 = true
		}
	}
	switch {
	case len(users) >= 5:
		return 100
	case len(users) >= 3:
		return 70
	case anyOver80:
		return 60
	case len(users) > 0:
		return sum / float64(len(users)) * 0.5
	default:
		return 0
	}
}

// buildClusters aggregates per-community risk statistics.
func buildClusters(p *projection, comm []int) (map[string]*domain.Cluster, map[string]string) {
	clusters := make(map[string]*domain.Cluster)
	accountCluster := make(map[string]string, p.size())

	for i, c := range comm {
		id := fmt.Sprintf("c%d", c)
		accountCluster[p.nodes[i]] = id

		cl, ok := clusters[id]
		if !ok {
			cl = &domain.Cluster{ID: id}
			clusters[id] = cl
		}
		risk := p.accounts[p.nodes[i]].RiskScore
		cl.MemberCount++
		cl.MeanRisk += risk // running sum, divided below
		if risk > cl.MaxRisk {
			cl.MaxRisk = risk
		}
		if risk > 50 {
			cl.HighRiskMemberCount++
		}
	}
	for _, cl := range clusters {
		if cl.MemberCount > 0 {
			cl.MeanRisk /= float64(cl.MemberCount)
		}
	}
	return clusters, accountCluster
}

// flaggedSubgraph keeps the edges whose both endpoints carry at least
// one detected pattern, for the fraud-network view.
func flaggedSubgraph(edges []domain.TransferEdge, patterns map[string][]string) []domain.TransferEdge {
	var out []domain.TransferEdge
	for _, e := range edges {
		if len(patterns[e.FromID]) > 0 && len(patterns[e.ToID]) > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Stats reports cycle counters and snapshot readiness.
func (a *Analyzer) Stats() Stats {
	snap := a.cache.Current()
	s := Stats{
		SnapshotReady:   snap != nil,
		CyclesCompleted: a.cyclesCompleted.Load(),
		CycleFailures:   a.cycleFailures.Load(),
	}
	if snap != nil {
		s.Generation = snap.Generation
	}
	if ms := a.lastRunUnixMs.Load(); ms > 0 {
		s.LastRunAt = time.UnixMilli(ms).UTC()
	}
	return s
}
