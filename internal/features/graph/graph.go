// Package graph implements the graph-intelligence extractor. Every
// input (community membership, betweenness, PageRank, clustering
// coefficient) is read from properties the batch analyzer already wrote
// onto the account — this extractor never walks the graph itself.
package graph

import (
	"context"
	"math"

	"github.com/opensource-finance/fraudscope/internal/asn"
	"github.com/opensource-finance/fraudscope/internal/domain"
)

func Compute(ctx context.Context, store domain.GraphStore, asnResolver *asn.Resolver, cache domain.Cache, cfg domain.FeatureConfig, tx *domain.Transaction) (domain.FeatureResult, error) {
	signals := make(map[string]bool)
	score := 0.0

	account, err := store.GetAccount(ctx, tx.SenderID)
	if err != nil && err != domain.ErrNotFound {
		return domain.FeatureResult{}, err
	}
	if account == nil {
		return domain.FeatureResult{Score: 0, Signals: signals}, nil
	}

	// Community risk.
	if account.CommunityID != "" {
		cluster, err := store.GetCluster(ctx, account.CommunityID)
		if err != nil && err != domain.ErrNotFound {
			return domain.FeatureResult{}, err
		}
		if cluster != nil {
			switch {
			case cluster.MemberCount >= 3 && cluster.MeanRisk > 50:
				score += math.Min(cluster.MeanRisk, 100) * 0.30
				signals["community_high_risk"] = true
			case cluster.HighRiskMemberCount >= 2:
				score += 40
				signals["community_high_risk_members"] = true
			}
		}
	}

	// Betweenness score.
	score += math.Min(account.Betweenness*200, 30)
	signals["high_betweenness"] = account.Betweenness >= 0.01

	// PageRank score.
	score += math.Min(account.PageRank*500, 15)
	signals["high_pagerank"] = account.PageRank*500 >= 15

	// Structural patterns.
	outDeg, inDeg, err := store.NeighborDegree(ctx, tx.SenderID)
	if err != nil {
		return domain.FeatureResult{}, err
	}
	if outDeg >= 5 && inDeg <= 2 {
		score += 15
		signals["fan_out"] = true
	}
	if inDeg >= 5 && outDeg <= 2 {
		score += 15
		signals["fan_in"] = true
	}
	if account.ClusteringCoeff > 0.5 && (outDeg+inDeg) > 4 {
		score += 10
		signals["tight_ring"] = true
	}

	// Neighbour contagion.
	neighborRisk, err := store.NeighborMeanRisk(ctx, tx.SenderID)
	if err != nil {
		return domain.FeatureResult{}, err
	}
	contagion := math.Min(neighborRisk*0.3, 15)
	score += contagion
	signals["neighbor_contagion"] = contagion >= 10

	score = math.Max(0, math.Min(score, 100))
	return domain.FeatureResult{Score: score, Signals: signals}, nil
}
