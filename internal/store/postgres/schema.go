package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		operation_type TEXT NOT NULL,
		query_type TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		shopify_operation_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		result_url TEXT,
		partial_data_url TEXT,
		cursor_state JSONB NOT NULL DEFAULT '{}'::jsonb,
		bytes_processed BIGINT NOT NULL DEFAULT 0,
		records_processed BIGINT NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ingest_runs_active_tenant
		ON ingest_runs (tenant_id) WHERE status IN ('pending', 'running')`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_runs_tenant_created ON ingest_runs (tenant_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS ingest_run_steps (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES ingest_runs(id) ON DELETE CASCADE,
		tenant_id TEXT NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_run_steps_run ON ingest_run_steps (run_id, id)`,

	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		title TEXT NOT NULL,
		handle TEXT NOT NULL,
		vendor TEXT,
		product_type TEXT,
		status TEXT,
		tags TEXT,
		remote_updated_at TEXT,
		payload JSONB NOT NULL,
		last_run_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS product_variants (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		sku TEXT,
		title TEXT,
		price TEXT,
		inventory_quantity BIGINT,
		payload JSONB NOT NULL,
		last_run_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS product_metafields (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		namespace TEXT,
		metafield_key TEXT,
		value TEXT,
		value_type TEXT,
		payload JSONB NOT NULL,
		last_run_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_items (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		sku TEXT,
		tracked BOOLEAN,
		payload JSONB NOT NULL,
		last_run_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_levels (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		location_id TEXT,
		available BIGINT,
		payload JSONB NOT NULL,
		last_run_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, external_id)
	)`,
}

// stagingTable returns DDL for a staging table with the given typed columns.
func stagingTable(name string, child bool, typed string) []string {
	parent := ""
	if child {
		parent = "parent_external_id TEXT NOT NULL,\n\t\t"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		%s%s,
		payload JSONB NOT NULL,
		validation_status TEXT NOT NULL DEFAULT 'valid',
		validation_errors TEXT,
		merge_status TEXT NOT NULL DEFAULT 'pending',
		canonical_id BIGINT,
		staged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		merged_at TIMESTAMPTZ
	)`, name, parent, typed),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_run ON %s (run_id, tenant_id, external_id)`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_merge ON %s (run_id, merge_status)`, name, name),
	}
}

func init() {
	schema = append(schema, stagingTable("staging_products", false,
		"title TEXT, handle TEXT, vendor TEXT, product_type TEXT, status TEXT, tags TEXT, remote_updated_at TEXT")...)
	schema = append(schema, stagingTable("staging_variants", true,
		"sku TEXT, title TEXT, price TEXT, inventory_quantity BIGINT")...)
	schema = append(schema, stagingTable("staging_metafields", true,
		"namespace TEXT, metafield_key TEXT, value TEXT, value_type TEXT")...)
	schema = append(schema, stagingTable("staging_inventory_items", true,
		"sku TEXT, tracked BOOLEAN")...)
	schema = append(schema, stagingTable("staging_inventory_levels", true,
		"location_id TEXT, available BIGINT")...)
	for _, table := range []string{"staging_variants", "staging_metafields", "staging_inventory_items", "staging_inventory_levels"} {
		schema = append(schema, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_parent ON %s (run_id, tenant_id, parent_external_id)`, table, table))
	}
}

// Migrate creates the schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}
