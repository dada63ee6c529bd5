package repository

// Schema migrations for SQLite and PostgreSQL. Decimal values live inside
// JSON text columns as strings, never as REAL. Migrations are append-only:
// a released version must never change.

type migration struct {
	version int
	name    string
	stmt    string
}

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`

var migrations = []migration{
	{1, "rule_configs", `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    kind TEXT NOT NULL,
    unit TEXT,
    rule TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`},
	// Positions are JSON with unit prices as decimal strings.
	{2, "rule_sets", `
CREATE TABLE IF NOT EXISTS rule_sets (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    currency TEXT,
    positions TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_rule_sets_enabled ON rule_sets(tenant_id, enabled);
`},
	{3, "calculations", `
CREATE TABLE IF NOT EXISTS calculations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    results TEXT NOT NULL,
    rule_set TEXT,
    metadata TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calculations_status ON calculations(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_calculations_timestamp ON calculations(tenant_id, timestamp);
`},
}
