package repository

// Schema definitions for the Sentinel database.
// Compatible with both SQLite and PostgreSQL.

// Amounts are stored as TEXT so decimals round-trip exactly on both drivers.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    external_id TEXT,
    sender_id TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    channel TEXT NOT NULL,
    merchant_category TEXT NOT NULL DEFAULT '',
    device_fingerprint TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external ON transactions(external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions(sender_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    condition TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active, priority);
`

const schemaScoreResults = `
CREATE TABLE IF NOT EXISTS score_results (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    composite REAL NOT NULL,
    severity TEXT NOT NULL,
    result TEXT NOT NULL,
    scored_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_score_results_tx ON score_results(tx_id);
CREATE INDEX IF NOT EXISTS idx_score_results_severity ON score_results(severity, scored_at);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    message TEXT NOT NULL,
    status TEXT NOT NULL,
    composite REAL NOT NULL,
    result TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_tx ON alerts(tx_id);
`

// schemaAudit is append-only; nothing in the repository updates or deletes rows.
const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    details TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRules,
		schemaScoreResults,
		schemaAlerts,
		schemaAudit,
	}
}
