package store

import "strings"

// Dialect covers the SQL differences between backends that the merge and
// run-state statements depend on.
type Dialect interface {
	Name() string
	// QuoteIdent quotes a table or column identifier.
	QuoteIdent(name string) string
	// ChangedPredicate returns a predicate that is true when any target column
	// differs from the proposed (excluded) row, treating NULLs as comparable.
	ChangedPredicate(table string, cols []string) string
	// ForUpdate is appended to SELECTs that lock the row for the transaction.
	ForUpdate() string
	AnalyzeSQL(table string) string
	ReindexSQL(table string) string
	IsUniqueViolation(err error) bool
}

// QualifiedCols prefixes each column with a table alias.
func QualifiedCols(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

// SetExcluded builds "c = excluded.c" assignments for an upsert.
func SetExcluded(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = excluded." + c
	}
	return strings.Join(parts, ", ")
}
