// Package sqlite is the local store backend (single-box runs and tests),
// built on the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB is a sqlite-backed store.
type DB struct {
	db *sql.DB
}

var _ store.DB = (*DB)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serialises writers and keeps pragmas consistent.
	db.SetMaxOpenConns(1)

	s := &DB{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) Dialect() store.Dialect { return Dialect{} }

func (s *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execResult(s.db.ExecContext(ctx, query, convertArgs(args)...))
}

func (s *DB) QueryRow(ctx context.Context, query string, args ...any) store.Row {
	return row{s.db.QueryRowContext(ctx, query, convertArgs(args)...)}
}

func (s *DB) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	r, err := s.db.QueryContext(ctx, query, convertArgs(args)...)
	if err != nil {
		return nil, err
	}
	return rows{r}, nil
}

func (s *DB) InTx(ctx context.Context, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx{sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// InTenantTx is InTx; sqlite has no session-level isolation context and
// every statement filters on tenant_id explicitly.
func (s *DB) InTenantTx(ctx context.Context, tenantID string, fn func(store.Tx) error) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	return s.InTx(ctx, fn)
}

type tx struct {
	tx *sql.Tx
}

func (t tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execResult(t.tx.ExecContext(ctx, query, convertArgs(args)...))
}

func (t tx) QueryRow(ctx context.Context, query string, args ...any) store.Row {
	return row{t.tx.QueryRowContext(ctx, query, convertArgs(args)...)}
}

func (t tx) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	r, err := t.tx.QueryContext(ctx, query, convertArgs(args)...)
	if err != nil {
		return nil, err
	}
	return rows{r}, nil
}

// CopyRows inserts through one prepared statement; sqlite has no COPY.
func (t tx) CopyRows(ctx context.Context, table string, columns []string, data [][]any) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), store.Placeholders(len(columns))))
	if err != nil {
		return 0, fmt.Errorf("preparing insert into %s: %w", table, err)
	}
	defer stmt.Close()

	for i, r := range data {
		if _, err := stmt.ExecContext(ctx, convertArgs(r)...); err != nil {
			return int64(i), fmt.Errorf("inserting into %s: %w", table, err)
		}
	}
	return int64(len(data)), nil
}

type row struct {
	r *sql.Row
}

func (r row) Scan(dest ...any) error {
	if err := r.r.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNoRows
		}
		return err
	}
	return nil
}

type rows struct {
	r *sql.Rows
}

func (r rows) Next() bool             { return r.r.Next() }
func (r rows) Scan(dest ...any) error { return r.r.Scan(dest...) }
func (r rows) Err() error             { return r.r.Err() }
func (r rows) Close()                 { r.r.Close() }

func execResult(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// convertArgs stores timestamps in the fixed-width text layout and raw JSON
// as text so payload columns compare and print the same way as in postgres.
func convertArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if v, ok := a.(driver.Valuer); ok {
			val, err := v.Value()
			if err == nil {
				a = val
			}
		}
		switch v := a.(type) {
		case time.Time:
			out[i] = store.FormatTime(v)
		case *time.Time:
			if v == nil {
				out[i] = nil
			} else {
				out[i] = store.FormatTime(*v)
			}
		case []byte:
			out[i] = string(v)
		default:
			out[i] = a
		}
	}
	return out
}

// Dialect is the sqlite SQL dialect.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ChangedPredicate uses IS NOT, sqlite's null-safe inequality.
func (Dialect) ChangedPredicate(table string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s.%s IS NOT excluded.%s", table, c, c)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func (Dialect) ForUpdate() string { return "" }

func (d Dialect) AnalyzeSQL(table string) string { return "ANALYZE " + d.QuoteIdent(table) }

func (d Dialect) ReindexSQL(table string) string { return "REINDEX " + d.QuoteIdent(table) }

func (Dialect) IsUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
