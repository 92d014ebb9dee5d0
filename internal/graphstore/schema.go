package graphstore

// Schema definitions for the fraud-scoring graph store. Compatible with
// both SQLite and PostgreSQL. Accounts/Devices/Endpoints/Transactions and
// Clusters carry the five unique-identifier constraints of the data model;
// transfer_edges is the materialized TRANSFERRED_TO shortcut edge.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	rolling_mean_25 REAL NOT NULL DEFAULT 0,
	rolling_std_25 REAL NOT NULL DEFAULT 0,
	lifetime_count INTEGER NOT NULL DEFAULT 0,
	lifetime_outflow REAL NOT NULL DEFAULT 0,
	last_active_at TIMESTAMP,
	dormant INTEGER NOT NULL DEFAULT 0,
	risk_score REAL NOT NULL DEFAULT 0,
	community_id TEXT,
	page_rank REAL NOT NULL DEFAULT 0,
	betweenness REAL NOT NULL DEFAULT 0,
	clustering_coeff REAL NOT NULL DEFAULT 0,
	wcc_id TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_risk ON accounts(risk_score);
CREATE INDEX IF NOT EXISTS idx_accounts_last_active ON accounts(last_active_at);
CREATE INDEX IF NOT EXISTS idx_accounts_dormant ON accounts(dormant);
CREATE INDEX IF NOT EXISTS idx_accounts_community ON accounts(community_id);
`

const schemaDevices = `
CREATE TABLE IF NOT EXISTS devices (
	fingerprint TEXT PRIMARY KEY,
	distinct_account_count INTEGER NOT NULL DEFAULT 0,
	device_risk REAL NOT NULL DEFAULT 0,
	first_seen_at TIMESTAMP,
	last_seen_at TIMESTAMP,
	os_family TEXT,
	capability INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_devices_risk ON devices(device_risk);
`

const schemaEndpoints = `
CREATE TABLE IF NOT EXISTS endpoints (
	ip TEXT PRIMARY KEY,
	asn_number INTEGER NOT NULL DEFAULT 0,
	asn_org TEXT,
	country TEXT,
	class TEXT,
	first_seen_at TIMESTAMP,
	last_seen_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_endpoints_asn ON endpoints(asn_number);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	sender_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	amount REAL NOT NULL,
	ts TIMESTAMP NOT NULL,
	channel TEXT,
	sender_lat REAL,
	sender_lon REAL,
	device_fingerprint TEXT,
	endpoint_ip TEXT,
	credential TEXT,
	risk_score REAL
);
CREATE INDEX IF NOT EXISTS idx_tx_sender ON transactions(sender_id, ts);
CREATE INDEX IF NOT EXISTS idx_tx_receiver ON transactions(receiver_id, ts);
CREATE INDEX IF NOT EXISTS idx_tx_pair ON transactions(sender_id, receiver_id, ts);
CREATE INDEX IF NOT EXISTS idx_tx_device ON transactions(device_fingerprint);
`

const schemaTransferEdges = `
CREATE TABLE IF NOT EXISTS transfer_edges (
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	total REAL NOT NULL DEFAULT 0,
	count INTEGER NOT NULL DEFAULT 0,
	last_at TIMESTAMP,
	PRIMARY KEY (from_id, to_id)
);
CREATE INDEX IF NOT EXISTS idx_transfer_edges_from ON transfer_edges(from_id);
CREATE INDEX IF NOT EXISTS idx_transfer_edges_to ON transfer_edges(to_id);
`

const schemaClusters = `
CREATE TABLE IF NOT EXISTS clusters (
	id TEXT PRIMARY KEY,
	member_count INTEGER NOT NULL DEFAULT 0,
	mean_risk REAL NOT NULL DEFAULT 0,
	max_risk REAL NOT NULL DEFAULT 0,
	high_risk_member_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_clusters_risk ON clusters(mean_risk);
`

func allSchemas() []string {
	return []string{
		schemaAccounts,
		schemaDevices,
		schemaEndpoints,
		schemaTransactions,
		schemaTransferEdges,
		schemaClusters,
	}
}
