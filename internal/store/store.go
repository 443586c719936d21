// Package store abstracts the relational store shared by the ingestion stages.
//
// Queries are written with '?' placeholders; backends rebind them to their
// native form. Canonical and staging access runs inside InTenantTx so the
// tenant isolation context is set for every statement of a run.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing.
var ErrNoRows = errors.New("store: no rows in result set")

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result. Close must be called.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier runs statements. Both DB and Tx implement it.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Tx is a transaction.
type Tx interface {
	Querier
	// CopyRows bulk-loads rows into table using the fastest path the backend has.
	CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// DB is a connection pool to the relational store.
type DB interface {
	Querier
	Dialect() Dialect
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error
	// InTenantTx is InTx with the tenant isolation context applied first.
	InTenantTx(ctx context.Context, tenantID string, fn func(Tx) error) error
	Migrate(ctx context.Context) error
	Close() error
}

// Rebind converts '?' placeholders to PostgreSQL's $n form, leaving quoted
// literals untouched.
func Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// Placeholders returns n comma-separated '?' markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
