package sqlite

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
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
	cursor_state TEXT NOT NULL DEFAULT '{}',
	bytes_processed INTEGER NOT NULL DEFAULT 0,
	records_processed INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	updated_at TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_ingest_runs_active_tenant
	ON ingest_runs (tenant_id) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_ingest_runs_tenant_created ON ingest_runs (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS ingest_run_steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES ingest_runs(id) ON DELETE CASCADE,
	tenant_id TEXT NOT NULL,
	step TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	details TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	title TEXT NOT NULL,
	handle TEXT NOT NULL,
	vendor TEXT,
	product_type TEXT,
	status TEXT,
	tags TEXT,
	remote_updated_at TEXT,
	payload TEXT NOT NULL,
	last_run_id TEXT,
	created_at TEXT,
	updated_at TEXT,
	UNIQUE (tenant_id, external_id)
);

CREATE TABLE IF NOT EXISTS product_variants (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	sku TEXT,
	title TEXT,
	price TEXT,
	inventory_quantity INTEGER,
	payload TEXT NOT NULL,
	last_run_id TEXT,
	created_at TEXT,
	updated_at TEXT,
	UNIQUE (tenant_id, external_id)
);

CREATE TABLE IF NOT EXISTS product_metafields (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	namespace TEXT,
	metafield_key TEXT,
	value TEXT,
	value_type TEXT,
	payload TEXT NOT NULL,
	last_run_id TEXT,
	created_at TEXT,
	updated_at TEXT,
	UNIQUE (tenant_id, external_id)
);

CREATE TABLE IF NOT EXISTS inventory_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	sku TEXT,
	tracked INTEGER,
	payload TEXT NOT NULL,
	last_run_id TEXT,
	created_at TEXT,
	updated_at TEXT,
	UNIQUE (tenant_id, external_id)
);

CREATE TABLE IF NOT EXISTS inventory_levels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	location_id TEXT,
	available INTEGER,
	payload TEXT NOT NULL,
	last_run_id TEXT,
	created_at TEXT,
	updated_at TEXT,
	UNIQUE (tenant_id, external_id)
);
`

var stagingTables = []struct {
	name  string
	child bool
	typed string
}{
	{"staging_products", false, "title TEXT, handle TEXT, vendor TEXT, product_type TEXT, status TEXT, tags TEXT, remote_updated_at TEXT"},
	{"staging_variants", true, "sku TEXT, title TEXT, price TEXT, inventory_quantity INTEGER"},
	{"staging_metafields", true, "namespace TEXT, metafield_key TEXT, value TEXT, value_type TEXT"},
	{"staging_inventory_items", true, "sku TEXT, tracked INTEGER"},
	{"staging_inventory_levels", true, "location_id TEXT, available INTEGER"},
}

// Migrate creates the schema if it does not exist.
func (s *DB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	for _, t := range stagingTables {
		parent := ""
		if t.child {
			parent = "parent_external_id TEXT NOT NULL, "
		}
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			%[2]s%[3]s,
			payload TEXT NOT NULL,
			validation_status TEXT NOT NULL DEFAULT 'valid',
			validation_errors TEXT,
			merge_status TEXT NOT NULL DEFAULT 'pending',
			canonical_id INTEGER,
			staged_at TEXT,
			merged_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_run ON %[1]s (run_id, tenant_id, external_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_merge ON %[1]s (run_id, merge_status);`,
			t.name, parent, t.typed)
		if t.child {
			ddl += fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%[1]s_parent ON %[1]s (run_id, tenant_id, parent_external_id);`, t.name)
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrating %s: %w", t.name, err)
		}
	}
	return nil
}
