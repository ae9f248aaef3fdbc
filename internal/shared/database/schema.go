package database

import (
	"context"
	"fmt"
)

// schema is portable between PostgreSQL and SQLite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS api_definitions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL UNIQUE,
		code TEXT NOT NULL,
		language TEXT NOT NULL,
		visibility TEXT NOT NULL,
		secret TEXT,
		quota_per_hour BIGINT NOT NULL DEFAULT 1000,
		quota_per_day BIGINT NOT NULL DEFAULT 10000,
		quota_per_month BIGINT NOT NULL DEFAULT 100000,
		requires_auth BOOLEAN NOT NULL DEFAULT FALSE,
		allowed_origins TEXT NOT NULL DEFAULT '*',
		pricing_model TEXT NOT NULL DEFAULT 'free',
		unit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		data_store_kind TEXT NOT NULL DEFAULT '',
		data_store_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		binding_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_definitions_owner ON api_definitions (owner_id)`,
	`CREATE TABLE IF NOT EXISTS api_parameters (
		api_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		required BOOLEAN NOT NULL DEFAULT FALSE,
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (api_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS api_bindings (
		id TEXT PRIMARY KEY,
		api_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		image TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_bindings_api ON api_bindings (api_id)`,
	`CREATE INDEX IF NOT EXISTS idx_api_bindings_state ON api_bindings (state)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		api_id TEXT NOT NULL,
		caller TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		latency_ms BIGINT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_api ON usage_records (api_id, created_at)`,
}

// Migrate creates the catalog tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
