package analyzer

import (
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// Pattern names attached to accounts by the collusion detectors.
const (
	PatternFraudIsland  = "fraud_island"
	PatternMoneyRouter  = "money_router"
	PatternCircularFlow = "circular_flow"
	PatternRapidChain   = "rapid_chain"
	PatternStarHub      = "star_hub"
	PatternRelayMule    = "relay_mule"
)

// DeviceShare is a device observed in use by two or more accounts.
type DeviceShare struct {
	Fingerprint string   `json:"fingerprint"`
	AccountIDs  []string `json:"account_ids"`
	DeviceRisk  float64  `json:"device_risk"`
}

// Snapshot is one complete, immutable output of a batch cycle. Readers
// take the whole struct or nothing; fields are never mutated after the
// snapshot is published.
type Snapshot struct {
	// Generation increases by one per successful cycle, so readers can
	// verify they never observe a mixed snapshot.
	Generation uint64    `json:"generation"`
	ComputedAt time.Time `json:"computed_at"`

	// Patterns maps account id to the collusion patterns detected on it.
	Patterns map[string][]string `json:"patterns"`

	// Clusters holds the communities of this cycle, keyed by cluster id.
	Clusters map[string]*domain.Cluster `json:"clusters"`

	// AccountCluster maps account id to its cluster id.
	AccountCluster map[string]string `json:"account_cluster"`

	// FlaggedEdges is the transfer subgraph induced by flagged accounts,
	// retained for the fraud-network view.
	FlaggedEdges []domain.TransferEdge `json:"flagged_edges"`

	// DeviceSharing lists devices used by two or more accounts.
	DeviceSharing []DeviceShare `json:"device_sharing"`
}

// PatternsFor returns the detected patterns for an account, nil when the
// account is clean or unknown.
func (s *Snapshot) PatternsFor(accountID string) []string {
	if s == nil {
		return nil
	}
	return s.Patterns[accountID]
}

// ClusterFor returns the account's cluster, or nil.
func (s *Snapshot) ClusterFor(accountID string) *domain.Cluster {
	if s == nil {
		return nil
	}
	id, ok := s.AccountCluster[accountID]
	if !ok {
		return nil
	}
	return s.Clusters[id]
}

// Cache holds the current snapshot behind an atomic pointer. The batch
// analyzer is the single writer; the swap at the end of a cycle is the
// linearization point for all community/centrality reads. Before the
// first successful cycle Current returns nil and callers fall back to
// zero contributions.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Current returns the latest complete snapshot, or nil before the first
// successful cycle.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

func (c *Cache) swap(s *Snapshot) {
	c.current.Store(s)
}
