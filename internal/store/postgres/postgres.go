// Package postgres is the production store backend built on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
	"github.com/lib/pq"
)

// PoolStats contains connection pool statistics
type PoolStats struct {
	MaxConns          int32 // Maximum number of connections
	TotalConns        int32 // Total number of connections
	AcquiredConns     int32 // Connections currently in use
	IdleConns         int32 // Connections currently idle
	AcquireCount      int64 // Total number of successful acquires
	EmptyAcquireCount int64 // Acquires that waited for a connection
}

// DB manages a pool of PostgreSQL connections
type DB struct {
	pool *pgxpool.Pool
}

var _ store.DB = (*DB)(nil)

// Open creates a new PostgreSQL connection pool
func Open(ctx context.Context, dsn string, maxConns int) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
		poolCfg.MinConns = int32(maxConns / 4)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes all connections in the pool
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// Stats returns current connection pool statistics
func (db *DB) Stats() PoolStats {
	stats := db.pool.Stat()
	return PoolStats{
		MaxConns:          stats.MaxConns(),
		TotalConns:        stats.TotalConns(),
		AcquiredConns:     stats.AcquiredConns(),
		IdleConns:         stats.IdleConns(),
		AcquireCount:      stats.AcquireCount(),
		EmptyAcquireCount: stats.EmptyAcquireCount(),
	}
}

func (db *DB) Dialect() store.Dialect { return Dialect{} }

func (db *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := db.pool.Exec(ctx, store.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) QueryRow(ctx context.Context, query string, args ...any) store.Row {
	return row{db.pool.QueryRow(ctx, store.Rebind(query), args...)}
}

func (db *DB) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	r, err := db.pool.Query(ctx, store.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows{r}, nil
}

// InTx runs fn on a dedicated connection with statement_timeout disabled,
// since merge statements over large staging sets can run long.
func (db *DB) InTx(ctx context.Context, fn func(store.Tx) error) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET statement_timeout = 0"); err != nil {
		return fmt.Errorf("setting statement timeout: %w", err)
	}

	pgTx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx{pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// InTenantTx scopes the transaction to tenantID through the app.tenant_id
// setting that row-level security policies key on.
func (db *DB) InTenantTx(ctx context.Context, tenantID string, fn func(store.Tx) error) error {
	return db.InTx(ctx, func(t store.Tx) error {
		if _, err := t.Exec(ctx, "SELECT set_config('app.tenant_id', ?, true)", tenantID); err != nil {
			return fmt.Errorf("setting tenant context: %w", err)
		}
		return fn(t)
	})
}

type tx struct {
	tx pgx.Tx
}

func (t tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, store.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t tx) QueryRow(ctx context.Context, query string, args ...any) store.Row {
	return row{t.tx.QueryRow(ctx, store.Rebind(query), args...)}
}

func (t tx) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	r, err := t.tx.Query(ctx, store.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows{r}, nil
}

// CopyRows uses the binary COPY protocol.
func (t tx) CopyRows(ctx context.Context, table string, columns []string, data [][]any) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	return t.tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(data))
}

type row struct {
	r pgx.Row
}

func (r row) Scan(dest ...any) error {
	if err := r.r.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNoRows
		}
		return err
	}
	return nil
}

type rows struct {
	pgx.Rows
}

// Dialect is the PostgreSQL SQL dialect.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) QuoteIdent(name string) string { return pq.QuoteIdentifier(name) }

// ChangedPredicate compares the column tuples with IS DISTINCT FROM so an
// upsert that changes nothing writes no new row version.
func (Dialect) ChangedPredicate(table string, cols []string) string {
	return fmt.Sprintf("(%s) IS DISTINCT FROM (%s)",
		strings.Join(store.QualifiedCols(table, cols), ", "),
		strings.Join(store.QualifiedCols("excluded", cols), ", "))
}

func (Dialect) ForUpdate() string { return " FOR UPDATE" }

func (Dialect) AnalyzeSQL(table string) string { return "ANALYZE " + pq.QuoteIdentifier(table) }

func (Dialect) ReindexSQL(table string) string { return "REINDEX TABLE " + pq.QuoteIdentifier(table) }

// IsUniqueViolation reports SQLSTATE 23505.
func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
