package domain

import (
	"context"
	"time"
)

// GraphStore is the typed adapter over the transfer graph. Writes are
// idempotent MATCH-based upserts; hot-path reads are targeted, O(1)-degree
// multi-hop-free queries. Implementations must classify transient
// conflicts as ErrTransientStore (retryable per the backoff policy) and
// everything else as ErrStore.
type GraphStore interface {
	// UpsertTransaction is the single ingest write: it
	// ensures the Account, Device and Endpoint nodes and all outgoing
	// edges exist and advances the TRANSFERRED_TO aggregate between the
	// sender and receiver.
	UpsertTransaction(ctx context.Context, tx *Transaction) error

	// SetTransactionRisk writes the fused score back to a transaction,
	// exactly once per transaction.
	SetTransactionRisk(ctx context.Context, txID string, risk float64) error

	// SetAccountRisk records the latest fused score on an account.
	// Last-writer-wins across concurrently completing workers.
	SetAccountRisk(ctx context.Context, accountID string, risk float64) error

	// GetAccount returns the account, creating nothing — callers that
	// need a freshly-seen account should rely on UpsertTransaction having
	// run first.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// GetDevice returns device-level aggregate state.
	GetDevice(ctx context.Context, fingerprint string) (*Device, error)

	// GetEndpoint returns the most recently resolved endpoint record,
	// or ErrNotFound on first sight.
	GetEndpoint(ctx context.Context, ip string) (*Endpoint, error)

	// UpdateEndpointASN stamps the resolved ASN fields onto an endpoint.
	UpdateEndpointASN(ctx context.Context, ip string, asnNumber uint32, org, country string, class EndpointClass) error

	// LastActivityAt returns the timestamp of the account's most recent
	// transaction in either direction, used by the batch analyzer's
	// dormancy refresh. ok is false for an account with no transactions.
	LastActivityAt(ctx context.Context, accountID string) (ts time.Time, ok bool, err error)

	// RecentOutgoingAmounts returns up to limit of the account's most
	// recent outgoing amounts, most recent first — used for the
	// IQR-outlier and three-sigma-spike behavioural rules.
	RecentOutgoingAmounts(ctx context.Context, accountID string, limit int) ([]float64, error)

	// RecentActivityCount returns sends+receives for the account within
	// the window ending at asOf — the activity count used by the
	// velocity and burst rules. Anchoring to the scored transaction's
	// timestamp rather than the wall clock keeps replayed and
	// redelivered records scoring identically.
	RecentActivityCount(ctx context.Context, accountID string, window time.Duration, asOf time.Time) (int, error)

	// RecentTransactionsFromTo returns transactions from sender to
	// receiver within the window ending at asOf, most recent first —
	// used by the identical-amount structuring rule.
	RecentTransactionsFromTo(ctx context.Context, senderID, receiverID string, window time.Duration, asOf time.Time) ([]*Transaction, error)

	// RecentEndpoints returns the distinct endpoint IPs an account has
	// transacted from within the window ending at asOf — endpoint
	// rotation.
	RecentEndpoints(ctx context.Context, accountID string, window time.Duration, asOf time.Time) ([]string, error)

	// PreviousLocation returns the sender coordinates and timestamp of
	// the account's most recent outgoing transaction before beforeTxID —
	// the impossible-travel rule's prior fix. ok is false when no prior
	// transaction carried coordinates.
	PreviousLocation(ctx context.Context, accountID, beforeTxID string) (lat, lon float64, ts time.Time, ok bool, err error)

	// HourHistogram returns, for the sender's last n outgoing
	// transactions, a 24-bucket count of local transaction hour — the
	// circadian-anomaly rule's empirical-frequency input.
	HourHistogram(ctx context.Context, accountID string, n int) ([24]int, int, error)

	// WindowedFlow returns the sum of outgoing and incoming amounts for
	// an account within the window ending at asOf — used by velocity
	// pass-through and the relay-mule collusion detector.
	WindowedFlow(ctx context.Context, accountID string, window time.Duration, asOf time.Time) (sentAmount, recvAmount float64, err error)

	// AccountsOnDevice lists the accounts that have used a device
	// fingerprint, most recent first.
	AccountsOnDevice(ctx context.Context, fingerprint string) ([]*Account, error)

	// IsFirstSeenDevice reports whether this is the first transaction
	// seen from this account/device pair.
	IsFirstSeenDevice(ctx context.Context, accountID, fingerprint string) (bool, error)

	// NeighborDegree returns the out-degree and in-degree of an account
	// over TRANSFERRED_TO edges — O(1) indexed lookups, never multi-hop.
	NeighborDegree(ctx context.Context, accountID string) (outDegree, inDegree int, err error)

	// NeighborMeanRisk returns the mean RiskScore of an account's 1-hop
	// neighbours (both directions) — used by neighbour contagion.
	NeighborMeanRisk(ctx context.Context, accountID string) (float64, error)

	// GetCluster returns the cluster with the given id (an account's
	// CommunityID), or ErrNotFound if the batch analyzer has not written it.
	GetCluster(ctx context.Context, clusterID string) (*Cluster, error)

	// AllAccountEdges returns the full Account/TRANSFERRED_TO adjacency
	// for the batch analyzer's in-memory graph projection.
	// Never called from the hot path.
	AllAccountEdges(ctx context.Context) ([]*Account, []TransferEdge, error)

	// UpdateAccountStats advances an account's rolling statistics and
	// dormancy flag — the only caller permitted to do so is the batch
	// analyzer.
	UpdateAccountStats(ctx context.Context, accountID string, mean, std float64, count int64, lastActive time.Time, dormant bool) error

	// UpdateAccountGraphProps writes the batch-computed community,
	// centrality and clustering properties for an account.
	UpdateAccountGraphProps(ctx context.Context, accountID string, communityID string, pageRank, betweenness, clustering float64, wccID string) error

	// AllDevices lists every known device for the batch analyzer's
	// device-level refresh. Never called from the hot path.
	AllDevices(ctx context.Context) ([]*Device, error)

	// UpdateDeviceStats refreshes device-level counts and derived risk.
	UpdateDeviceStats(ctx context.Context, fingerprint string, distinctAccounts int, deviceRisk float64) error

	// ReplaceClusters fully replaces the cluster table for a batch cycle.
	ReplaceClusters(ctx context.Context, clusters []*Cluster) error

	// Counts reports per-table row counts for operational introspection.
	Counts(ctx context.Context) (map[string]int64, error)

	Close() error
}

// TransferEdge is the materialized TRANSFERRED_TO shortcut edge between an
// ordered account pair.
type TransferEdge struct {
	FromID string    `json:"fromId"`
	ToID   string    `json:"toId"`
	Total  float64   `json:"total"`
	Count  int64     `json:"count"`
	LastAt time.Time `json:"lastAt"`
}
