package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// UpsertTransaction is the single ingest write. The sender and
// receiver account rows are always inserted in sorted-id order, ahead of
// the device/endpoint rows, so that two workers racing
// on the same account pair acquire row locks in the same order, avoiding
// the deadlock the retry policy exists to absorb.
func (s *SQLStore) UpsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	return s.withRetry(ctx, func() error {
		return s.upsertTransactionOnce(ctx, tx)
	})
}

func (s *SQLStore) upsertTransactionOnce(ctx context.Context, t *domain.Transaction) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	now := t.Timestamp

	// last_active_at is part of the rolling statistics owned by the batch
	// analyzer; the hot path seeds it on first sight and never advances
	// it, so dormancy checks see the pre-transaction state.
	ids := []string{t.SenderID, t.ReceiverID}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := dbtx.ExecContext(ctx, s.rebind(`
			INSERT INTO accounts (id, last_active_at, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`), id, now, now); err != nil {
			return err
		}
	}

	if t.DeviceFingerprint != "" {
		// os_family keeps its first observed value so device-drift
		// detection can compare the stored family against the current
		// report.
		if _, err := dbtx.ExecContext(ctx, s.rebind(`
			INSERT INTO devices (fingerprint, first_seen_at, last_seen_at, os_family, capability)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				last_seen_at = excluded.last_seen_at,
				os_family = COALESCE(devices.os_family, excluded.os_family),
				capability = CASE WHEN devices.capability = 0 THEN excluded.capability ELSE devices.capability END
		`), t.DeviceFingerprint, now, now, nullIfEmpty(t.DeviceOS), t.CapabilityMask()); err != nil {
			return err
		}
	}

	if t.EndpointIP != "" {
		if _, err := dbtx.ExecContext(ctx, s.rebind(`
			INSERT INTO endpoints (ip, first_seen_at, last_seen_at)
			VALUES (?, ?, ?)
			ON CONFLICT(ip) DO UPDATE SET last_seen_at = excluded.last_seen_at
		`), t.EndpointIP, now, now); err != nil {
			return err
		}
	}

	cred := string(t.Credential)
	res, err := dbtx.ExecContext(ctx, s.rebind(`
		INSERT INTO transactions (
			id, sender_id, receiver_id, amount, ts, channel,
			sender_lat, sender_lon, device_fingerprint, endpoint_ip, credential
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), t.ID, t.SenderID, t.ReceiverID, t.Amount, now, t.Channel,
		t.SenderLat, t.SenderLon, t.DeviceFingerprint, t.EndpointIP, cred)
	if err != nil {
		return err
	}

	// A replayed tx_id is a no-op for the aggregates: the transaction row
	// already contributed to the transfer edge and lifetime totals.
	if inserted, err := res.RowsAffected(); err == nil && inserted == 0 {
		return dbtx.Commit()
	}

	if _, err := dbtx.ExecContext(ctx, s.rebind(`
		INSERT INTO transfer_edges (from_id, to_id, total, count, last_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(from_id, to_id) DO UPDATE SET
			total = transfer_edges.total + excluded.total,
			count = transfer_edges.count + 1,
			last_at = excluded.last_at
	`), t.SenderID, t.ReceiverID, t.Amount, now); err != nil {
		return err
	}

	if _, err := dbtx.ExecContext(ctx, s.rebind(`
		UPDATE accounts SET lifetime_count = lifetime_count + 1, lifetime_outflow = lifetime_outflow + ?
		WHERE id = ?
	`), t.Amount, t.SenderID); err != nil {
		return err
	}

	return dbtx.Commit()
}

func (s *SQLStore) SetTransactionRisk(ctx context.Context, txID string, risk float64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE transactions SET risk_score = ? WHERE id = ?`), risk, txID)
		return err
	})
}

func (s *SQLStore) SetAccountRisk(ctx context.Context, accountID string, risk float64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE accounts SET risk_score = ? WHERE id = ?`), risk, accountID)
		return err
	})
}

func (s *SQLStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, rolling_mean_25, rolling_std_25, lifetime_count, lifetime_outflow,
			last_active_at, dormant, risk_score, community_id, page_rank, betweenness,
			clustering_coeff, wcc_id, created_at
		FROM accounts WHERE id = ?
	`), accountID)
	return scanAccount(row)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var a domain.Account
	var lastActive, createdAt sql.NullTime
	var community, wcc sql.NullString
	var dormant int

	err := row.Scan(&a.ID, &a.RollingMean25, &a.RollingStd25, &a.LifetimeCount, &a.LifetimeOutflow,
		&lastActive, &dormant, &a.RiskScore, &community, &a.PageRank, &a.Betweenness,
		&a.ClusteringCoeff, &wcc, &createdAt)
	if err != nil {
		return nil, scanErr(err)
	}
	a.LastActiveAt = lastActive.Time
	a.Dormant = dormant != 0
	a.CommunityID = community.String
	a.WeaklyConnectedCompID = wcc.String
	a.CreatedAt = createdAt.Time
	return &a, nil
}

func (s *SQLStore) GetDevice(ctx context.Context, fingerprint string) (*domain.Device, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT fingerprint, distinct_account_count, device_risk, first_seen_at, last_seen_at, os_family, capability
		FROM devices WHERE fingerprint = ?
	`), fingerprint)

	var d domain.Device
	var firstSeen, lastSeen sql.NullTime
	var osFamily sql.NullString
	err := row.Scan(&d.Fingerprint, &d.DistinctAccountCount, &d.DeviceRisk, &firstSeen, &lastSeen, &osFamily, &d.Capability)
	if err != nil {
		return nil, scanErr(err)
	}
	d.FirstSeenAt, d.LastSeenAt, d.OSFamily = firstSeen.Time, lastSeen.Time, osFamily.String
	return &d, nil
}

func (s *SQLStore) GetEndpoint(ctx context.Context, ip string) (*domain.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT ip, asn_number, asn_org, country, class, first_seen_at, last_seen_at
		FROM endpoints WHERE ip = ?
	`), ip)

	var e domain.Endpoint
	var org, country, class sql.NullString
	var firstSeen, lastSeen sql.NullTime
	err := row.Scan(&e.IP, &e.ASNNumber, &org, &country, &class, &firstSeen, &lastSeen)
	if err != nil {
		return nil, scanErr(err)
	}
	e.ASNOrg, e.Country, e.Class = org.String, country.String, domain.EndpointClass(class.String)
	e.FirstSeenAt, e.LastSeenAt = firstSeen.Time, lastSeen.Time
	return &e, nil
}

func (s *SQLStore) UpdateEndpointASN(ctx context.Context, ip string, asnNumber uint32, org, country string, class domain.EndpointClass) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE endpoints SET asn_number = ?, asn_org = ?, country = ?, class = ? WHERE ip = ?
		`), asnNumber, org, country, string(class), ip)
		return err
	})
}

func (s *SQLStore) LastActivityAt(ctx context.Context, accountID string) (time.Time, bool, error) {
	var ts flexibleNullTime
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT MAX(ts) FROM transactions WHERE sender_id = ? OR receiver_id = ?
	`), accountID, accountID).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts.Time, ts.Valid, nil
}

// flexibleNullTime scans a nullable timestamp column regardless of whether
// the driver preserves the declared column type (time.Time) or loses it to
// an aggregate function and hands back a raw string/int64/[]byte instead.
type flexibleNullTime struct {
	Time  time.Time
	Valid bool
}

func (n *flexibleNullTime) Scan(value interface{}) error {
	if value == nil {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		n.Time = v
	case string:
		t, err := parseFlexibleTime(v)
		if err != nil {
			return fmt.Errorf("flexibleNullTime: %w", err)
		}
		n.Time = t
	case []byte:
		t, err := parseFlexibleTime(string(v))
		if err != nil {
			return fmt.Errorf("flexibleNullTime: %w", err)
		}
		n.Time = t
	case int64:
		n.Time = time.Unix(v, 0).UTC()
	default:
		return fmt.Errorf("flexibleNullTime: unsupported type %T", value)
	}
	n.Valid = true
	return nil
}

var flexibleTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseFlexibleTime(v string) (time.Time, error) {
	for _, layout := range flexibleTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse %q: no matching layout", v)
}

func (s *SQLStore) RecentOutgoingAmounts(ctx context.Context, accountID string, limit int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT amount FROM transactions WHERE sender_id = ? ORDER BY ts DESC LIMIT ?
	`), accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var amt float64
		if err := rows.Scan(&amt); err != nil {
			return nil, err
		}
		out = append(out, amt)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecentActivityCount(ctx context.Context, accountID string, window time.Duration, asOf time.Time) (int, error) {
	since := asOf.Add(-window)
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM transactions WHERE (sender_id = ? OR receiver_id = ?) AND ts >= ?
	`), accountID, accountID, since).Scan(&count)
	return count, err
}

func (s *SQLStore) RecentTransactionsFromTo(ctx context.Context, senderID, receiverID string, window time.Duration, asOf time.Time) ([]*domain.Transaction, error) {
	since := asOf.Add(-window)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, sender_id, receiver_id, amount, ts, channel, credential
		FROM transactions WHERE sender_id = ? AND receiver_id = ? AND ts >= ?
		ORDER BY ts DESC
	`), senderID, receiverID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var cred string
		if err := rows.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Timestamp, &t.Channel, &cred); err != nil {
			return nil, err
		}
		t.Credential = domain.CredentialType(cred)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLStore) PreviousLocation(ctx context.Context, accountID, beforeTxID string) (float64, float64, time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT sender_lat, sender_lon, ts FROM transactions
		WHERE sender_id = ? AND id != ? AND sender_lat IS NOT NULL AND sender_lon IS NOT NULL
		ORDER BY ts DESC LIMIT 1
	`), accountID, beforeTxID)

	var lat, lon sql.NullFloat64
	var ts time.Time
	if err := row.Scan(&lat, &lon, &ts); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, time.Time{}, false, nil
		}
		return 0, 0, time.Time{}, false, err
	}
	return lat.Float64, lon.Float64, ts, true, nil
}

func (s *SQLStore) RecentEndpoints(ctx context.Context, accountID string, window time.Duration, asOf time.Time) ([]string, error) {
	since := asOf.Add(-window)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT endpoint_ip FROM transactions
		WHERE sender_id = ? AND ts >= ? AND endpoint_ip IS NOT NULL AND endpoint_ip != ''
	`), accountID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

func (s *SQLStore) HourHistogram(ctx context.Context, accountID string, n int) ([24]int, int, error) {
	var hist [24]int
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT ts FROM transactions WHERE sender_id = ? ORDER BY ts DESC LIMIT ?
	`), accountID, n)
	if err != nil {
		return hist, 0, err
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return hist, 0, err
		}
		hist[ts.Hour()]++
		total++
	}
	return hist, total, rows.Err()
}

func (s *SQLStore) WindowedFlow(ctx context.Context, accountID string, window time.Duration, asOf time.Time) (float64, float64, error) {
	since := asOf.Add(-window)
	var sent, recv sql.NullFloat64

	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE sender_id = ? AND ts >= ?
	`), accountID, since).Scan(&sent)
	if err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE receiver_id = ? AND ts >= ?
	`), accountID, since).Scan(&recv)
	if err != nil {
		return 0, 0, err
	}
	return sent.Float64, recv.Float64, nil
}

func (s *SQLStore) AccountsOnDevice(ctx context.Context, fingerprint string) ([]*domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT a.id, a.rolling_mean_25, a.rolling_std_25, a.lifetime_count, a.lifetime_outflow,
			a.last_active_at, a.dormant, a.risk_score, a.community_id, a.page_rank, a.betweenness,
			a.clustering_coeff, a.wcc_id, a.created_at
		FROM accounts a
		JOIN transactions t ON t.sender_id = a.id
		WHERE t.device_fingerprint = ?
		ORDER BY a.last_active_at DESC
	`), fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		var a domain.Account
		var lastActive, createdAt sql.NullTime
		var community, wcc sql.NullString
		var dormant int
		if err := rows.Scan(&a.ID, &a.RollingMean25, &a.RollingStd25, &a.LifetimeCount, &a.LifetimeOutflow,
			&lastActive, &dormant, &a.RiskScore, &community, &a.PageRank, &a.Betweenness,
			&a.ClusteringCoeff, &wcc, &createdAt); err != nil {
			return nil, err
		}
		a.LastActiveAt, a.Dormant = lastActive.Time, dormant != 0
		a.CommunityID, a.WeaklyConnectedCompID, a.CreatedAt = community.String, wcc.String, createdAt.Time
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) IsFirstSeenDevice(ctx context.Context, accountID, fingerprint string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM transactions WHERE sender_id = ? AND device_fingerprint = ?
	`), accountID, fingerprint).Scan(&count)
	if err != nil {
		return false, err
	}
	// count includes the in-flight record once it has been upserted, so a
	// first-seen device shows exactly one row.
	return count <= 1, nil
}

func (s *SQLStore) NeighborDegree(ctx context.Context, accountID string) (int, int, error) {
	var outDeg, inDeg int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM transfer_edges WHERE from_id = ?`), accountID).Scan(&outDeg); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM transfer_edges WHERE to_id = ?`), accountID).Scan(&inDeg); err != nil {
		return 0, 0, err
	}
	return outDeg, inDeg, nil
}

func (s *SQLStore) NeighborMeanRisk(ctx context.Context, accountID string) (float64, error) {
	var mean sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT AVG(risk_score) FROM accounts WHERE id IN (
			SELECT to_id FROM transfer_edges WHERE from_id = ?
			UNION
			SELECT from_id FROM transfer_edges WHERE to_id = ?
		)
	`), accountID, accountID).Scan(&mean)
	if err != nil {
		return 0, err
	}
	return mean.Float64, nil
}

func (s *SQLStore) GetCluster(ctx context.Context, clusterID string) (*domain.Cluster, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, member_count, mean_risk, max_risk, high_risk_member_count FROM clusters WHERE id = ?
	`), clusterID)
	var c domain.Cluster
	if err := row.Scan(&c.ID, &c.MemberCount, &c.MeanRisk, &c.MaxRisk, &c.HighRiskMemberCount); err != nil {
		return nil, scanErr(err)
	}
	return &c, nil
}

func (s *SQLStore) AllAccountEdges(ctx context.Context) ([]*domain.Account, []domain.TransferEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rolling_mean_25, rolling_std_25, lifetime_count, lifetime_outflow,
			last_active_at, dormant, risk_score, community_id, page_rank, betweenness,
			clustering_coeff, wcc_id, created_at
		FROM accounts
	`)
	if err != nil {
		return nil, nil, err
	}
	var accounts []*domain.Account
	for rows.Next() {
		var a domain.Account
		var lastActive, createdAt sql.NullTime
		var community, wcc sql.NullString
		var dormant int
		if err := rows.Scan(&a.ID, &a.RollingMean25, &a.RollingStd25, &a.LifetimeCount, &a.LifetimeOutflow,
			&lastActive, &dormant, &a.RiskScore, &community, &a.PageRank, &a.Betweenness,
			&a.ClusteringCoeff, &wcc, &createdAt); err != nil {
			rows.Close()
			return nil, nil, err
		}
		a.LastActiveAt, a.Dormant = lastActive.Time, dormant != 0
		a.CommunityID, a.WeaklyConnectedCompID, a.CreatedAt = community.String, wcc.String, createdAt.Time
		accounts = append(accounts, &a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	erows, err := s.db.QueryContext(ctx, `SELECT from_id, to_id, total, count, last_at FROM transfer_edges`)
	if err != nil {
		return nil, nil, err
	}
	defer erows.Close()
	var edges []domain.TransferEdge
	for erows.Next() {
		var e domain.TransferEdge
		if err := erows.Scan(&e.FromID, &e.ToID, &e.Total, &e.Count, &e.LastAt); err != nil {
			return nil, nil, err
		}
		edges = append(edges, e)
	}
	return accounts, edges, erows.Err()
}

func (s *SQLStore) UpdateAccountStats(ctx context.Context, accountID string, mean, std float64, count int64, lastActive time.Time, dormant bool) error {
	d := 0
	if dormant {
		d = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE accounts SET rolling_mean_25 = ?, rolling_std_25 = ?, lifetime_count = ?, last_active_at = ?, dormant = ?
		WHERE id = ?
	`), mean, std, count, lastActive, d, accountID)
	return err
}

func (s *SQLStore) UpdateAccountGraphProps(ctx context.Context, accountID string, communityID string, pageRank, betweenness, clustering float64, wccID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE accounts SET community_id = ?, page_rank = ?, betweenness = ?, clustering_coeff = ?, wcc_id = ?
		WHERE id = ?
	`), communityID, pageRank, betweenness, clustering, wccID, accountID)
	return err
}

func (s *SQLStore) AllDevices(ctx context.Context) ([]*domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, distinct_account_count, device_risk, first_seen_at, last_seen_at, os_family, capability
		FROM devices
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Device
	for rows.Next() {
		var d domain.Device
		var firstSeen, lastSeen sql.NullTime
		var osFamily sql.NullString
		if err := rows.Scan(&d.Fingerprint, &d.DistinctAccountCount, &d.DeviceRisk, &firstSeen, &lastSeen, &osFamily, &d.Capability); err != nil {
			return nil, err
		}
		d.FirstSeenAt, d.LastSeenAt, d.OSFamily = firstSeen.Time, lastSeen.Time, osFamily.String
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateDeviceStats(ctx context.Context, fingerprint string, distinctAccounts int, deviceRisk float64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE devices SET distinct_account_count = ?, device_risk = ? WHERE fingerprint = ?
	`), distinctAccounts, deviceRisk, fingerprint)
	return err
}

func (s *SQLStore) Counts(ctx context.Context) (map[string]int64, error) {
	tables := []string{"accounts", "devices", "endpoints", "transactions", "transfer_edges", "clusters"}
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, err
		}
		out[table] = n
	}
	return out, nil
}

func (s *SQLStore) ReplaceClusters(ctx context.Context, clusters []*domain.Cluster) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, `DELETE FROM clusters`); err != nil {
		return err
	}
	for _, c := range clusters {
		if _, err := dbtx.ExecContext(ctx, s.rebind(`
			INSERT INTO clusters (id, member_count, mean_risk, max_risk, high_risk_member_count)
			VALUES (?, ?, ?, ?, ?)
		`), c.ID, c.MemberCount, c.MeanRisk, c.MaxRisk, c.HighRiskMemberCount); err != nil {
			return fmt.Errorf("insert cluster %s: %w", c.ID, err)
		}
	}
	return dbtx.Commit()
}
