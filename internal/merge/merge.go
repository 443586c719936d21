// Package merge upserts a run's staged rows into the canonical tables.
//
// A merge only ever considers the latest staged row per external id for the
// run. It is idempotent: rows are marked merged as they land, and a second
// invocation finds nothing pending and changes nothing.
package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// Options gate the destructive and maintenance parts of a merge.
type Options struct {
	AllowDeletes   bool
	IsFullSnapshot bool
	Analyze        bool
	AnalyzeMinRows int64
	// Reindex rebuilds staging indexes afterwards; failures only warn.
	Reindex bool
}

// EntityResult counts what the merge did for one entity.
type EntityResult struct {
	Upserted int64 `json:"upserted"` // canonical rows inserted or changed
	Merged   int64 `json:"merged"`   // staging rows marked merged
	Skipped  int64 `json:"skipped"`  // latest rows left pending
	Deleted  int64 `json:"deleted"`
}

// Result summarises a merge.
type Result struct {
	Entities       map[string]EntityResult `json:"entities"`
	DeletesApplied bool                    `json:"deletesApplied"`
	Analyzed       bool                    `json:"analyzed"`
	Duration       time.Duration           `json:"duration"`
}

// Upserted is the total number of canonical rows written.
func (r *Result) Upserted() int64 {
	var n int64
	for _, e := range r.Entities {
		n += e.Upserted
	}
	return n
}

// Merger runs merges against one store.
type Merger struct {
	db  store.DB
	now func() time.Time
}

// New returns a Merger.
func New(db store.DB) *Merger {
	return &Merger{db: db, now: time.Now}
}

// Run merges everything staged for runID. tenantID must own the run.
func (m *Merger) Run(ctx context.Context, runID, tenantID string, opts Options) (*Result, error) {
	start := time.Now()
	run, err := store.GetRun(ctx, m.db, runID)
	if store.IsNotFound(err) {
		return nil, failure.Invariant(failure.CodeRunNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run.TenantID != tenantID {
		return nil, failure.Invariant(failure.CodeTenantMismatch,
			"run %s belongs to tenant %s, not %s", runID, run.TenantID, tenantID)
	}

	res := &Result{Entities: make(map[string]EntityResult, len(store.Entities))}

	parent, err := m.mergeEntity(ctx, runID, tenantID, store.Products)
	if err != nil {
		return nil, err
	}
	res.Entities[store.KindProduct] = parent

	for _, e := range store.Children {
		r, err := m.mergeEntity(ctx, runID, tenantID, e)
		if err != nil {
			return nil, err
		}
		res.Entities[e.Kind] = r
		if r.Skipped > 0 {
			logging.Info("Run %s: %d %s rows skipped (parent not merged)", runID, r.Skipped, e.Kind)
		}
	}

	if opts.AllowDeletes && opts.IsFullSnapshot {
		applied, err := m.deleteAbsent(ctx, runID, tenantID, res)
		if err != nil {
			return nil, err
		}
		res.DeletesApplied = applied
	} else if opts.AllowDeletes {
		logging.Info("Run %s is not a verified full snapshot; deletes skipped", runID)
	}

	if opts.Analyze && res.Upserted() >= opts.AnalyzeMinRows {
		m.analyze(ctx)
		res.Analyzed = true
	}
	if opts.Reindex {
		m.reindex(ctx)
	}

	res.Duration = time.Since(start)
	logging.Info("Merged run %s: %d products upserted, %d rows upserted in total (%v)",
		runID, parent.Upserted, res.Upserted(), res.Duration.Round(time.Millisecond))
	return res, nil
}

// mergeEntity upserts one entity and marks its staging rows in a single
// transaction. On error the staging rows stay pending.
func (m *Merger) mergeEntity(ctx context.Context, runID, tenantID string, e store.Entity) (EntityResult, error) {
	var r EntityResult
	d := m.db.Dialect()
	err := m.db.InTenantTx(ctx, tenantID, func(tx store.Tx) error {
		n, err := tx.Exec(ctx, upsertSQL(d, e), runID, tenantID)
		if err != nil {
			return fmt.Errorf("upserting %s: %w", e.CanonicalTable, err)
		}
		r.Upserted = n

		now := m.now().UTC()
		latest, err := tx.Exec(ctx, markLatestSQL(e), now, runID, tenantID, runID, tenantID)
		if err != nil {
			return fmt.Errorf("marking %s merged: %w", e.StagingTable, err)
		}
		older, err := tx.Exec(ctx, markDuplicatesSQL(e), now, runID, tenantID, runID, tenantID)
		if err != nil {
			return fmt.Errorf("marking %s duplicates merged: %w", e.StagingTable, err)
		}
		r.Merged = latest + older

		var missing int64
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM `+e.StagingTable+`
			WHERE run_id = ? AND tenant_id = ? AND merge_status = 'merged' AND canonical_id IS NULL`,
			runID, tenantID).Scan(&missing); err != nil {
			return fmt.Errorf("verifying %s: %w", e.StagingTable, err)
		}
		if missing > 0 {
			return failure.Invariant(failure.CodeMergeTargetMissing,
				"%d merged %s rows have no canonical row", missing, e.StagingTable)
		}

		if e.Child {
			if err := tx.QueryRow(ctx, skippedSQL(e), runID, tenantID, runID, tenantID).Scan(&r.Skipped); err != nil {
				return fmt.Errorf("counting skipped %s: %w", e.StagingTable, err)
			}
		}
		return nil
	})
	if err != nil {
		return EntityResult{}, err
	}
	logging.Debug("Run %s: %s upserted %d, staging rows merged %d", runID, e.Kind, r.Upserted, r.Merged)
	return r, nil
}

// deleteAbsent removes canonical rows missing from the run's staged set,
// children first. Nothing is deleted when the run staged no products.
func (m *Merger) deleteAbsent(ctx context.Context, runID, tenantID string, res *Result) (bool, error) {
	staged, err := store.StagedCount(ctx, m.db, store.Products, runID, tenantID)
	if err != nil {
		return false, fmt.Errorf("counting staged products: %w", err)
	}
	if staged == 0 {
		logging.Warn("Run %s staged no products; refusing snapshot deletes", runID)
		return false, nil
	}

	err = m.db.InTenantTx(ctx, tenantID, func(tx store.Tx) error {
		order := append(append([]store.Entity{}, store.Children...), store.Products)
		for _, e := range order {
			n, err := tx.Exec(ctx, `DELETE FROM `+e.CanonicalTable+`
				WHERE tenant_id = ? AND external_id NOT IN (
					SELECT s.external_id FROM `+e.StagingTable+` s WHERE s.run_id = ? AND s.tenant_id = ?)`,
				tenantID, runID, tenantID)
			if err != nil {
				return fmt.Errorf("deleting absent %s: %w", e.CanonicalTable, err)
			}
			r := res.Entities[e.Kind]
			r.Deleted = n
			res.Entities[e.Kind] = r
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	logging.Info("Run %s full snapshot: deleted %d absent products", runID, res.Entities[store.KindProduct].Deleted)
	return true, nil
}

func (m *Merger) analyze(ctx context.Context) {
	d := m.db.Dialect()
	for _, e := range store.Entities {
		if _, err := m.db.Exec(ctx, d.AnalyzeSQL(e.CanonicalTable)); err != nil {
			logging.Warn("Analyze %s failed: %v", e.CanonicalTable, err)
		}
	}
}

func (m *Merger) reindex(ctx context.Context) {
	d := m.db.Dialect()
	for _, e := range store.Entities {
		if _, err := m.db.Exec(ctx, d.ReindexSQL(e.StagingTable)); err != nil {
			logging.Warn("Reindex %s failed: %v", e.StagingTable, err)
		}
	}
}

// latestIDs selects the newest staging row id per external id of a run.
// It takes run_id and tenant_id arguments.
func latestIDs(e store.Entity) string {
	return `SELECT MAX(l.id) FROM ` + e.StagingTable + ` l WHERE l.run_id = ? AND l.tenant_id = ? GROUP BY l.external_id`
}

// requiredPredicate is true when every mandatory column on alias is set.
func requiredPredicate(alias string, e store.Entity) string {
	var parts []string
	for _, c := range e.Required {
		col := c
		if alias != "" {
			col = alias + "." + c
		}
		parts = append(parts, col+" IS NOT NULL AND "+col+" <> ''")
	}
	if len(parts) == 0 {
		return ""
	}
	return " AND " + strings.Join(parts, " AND ")
}

// parentMerged is true when the owning product's staging row for the same
// run has been merged. alias names the child staging row.
func parentMerged(alias string) string {
	return `EXISTS (SELECT 1 FROM ` + store.Products.StagingTable + ` sp
		WHERE sp.run_id = ` + alias + `.run_id AND sp.tenant_id = ` + alias + `.tenant_id
		AND sp.external_id = ` + alias + `.parent_external_id AND sp.merge_status = 'merged')`
}

// upsertSQL takes run_id and tenant_id arguments.
func upsertSQL(d store.Dialect, e store.Entity) string {
	target := []string{"tenant_id", "external_id"}
	source := []string{"s.tenant_id", "s.external_id"}
	compared := []string{}
	join := ""
	where := ""
	if e.Child {
		target = append(target, "product_id")
		source = append(source, "p.id")
		compared = append(compared, "product_id")
		join = "\n\t\tJOIN " + store.Products.CanonicalTable + " p ON p.tenant_id = s.tenant_id AND p.external_id = s.parent_external_id"
		where = "\n\t\t  AND " + parentMerged("s")
	}
	target = append(target, e.Columns...)
	source = append(source, store.QualifiedCols("s", e.Columns)...)
	compared = append(compared, e.Columns...)
	compared = append(compared, "payload")

	target = append(target, "payload", "last_run_id", "created_at", "updated_at")
	source = append(source, "s.payload", "s.run_id", "CURRENT_TIMESTAMP", "CURRENT_TIMESTAMP")

	return `INSERT INTO ` + e.CanonicalTable + ` (` + strings.Join(target, ", ") + `)
		SELECT ` + strings.Join(source, ", ") + `
		FROM ` + e.StagingTable + ` s` + join + `
		WHERE s.id IN (` + latestIDs(e) + `)
		  AND s.validation_status = 'valid' AND s.merge_status = 'pending'` + requiredPredicate("s", e) + where + `
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET ` + store.SetExcluded(compared) +
		`, last_run_id = excluded.last_run_id, updated_at = excluded.updated_at
		WHERE ` + d.ChangedPredicate(e.CanonicalTable, compared)
}

func canonicalIDSubquery(e store.Entity) string {
	return `(SELECT c.id FROM ` + e.CanonicalTable + ` c
			WHERE c.tenant_id = ` + e.StagingTable + `.tenant_id AND c.external_id = ` + e.StagingTable + `.external_id)`
}

// markLatestSQL takes merged_at, then run_id and tenant_id twice.
func markLatestSQL(e store.Entity) string {
	extra := requiredPredicate("", e)
	if e.Child {
		extra += " AND " + parentMerged(e.StagingTable)
	}
	return `UPDATE ` + e.StagingTable + `
		SET merge_status = 'merged', merged_at = ?, canonical_id = ` + canonicalIDSubquery(e) + `
		WHERE run_id = ? AND tenant_id = ? AND merge_status = 'pending' AND validation_status = 'valid'
		  AND id IN (` + latestIDs(e) + `)` + extra
}

// markDuplicatesSQL marks superseded rows whose external id is already
// merged. It takes merged_at, then run_id and tenant_id twice.
func markDuplicatesSQL(e store.Entity) string {
	return `UPDATE ` + e.StagingTable + `
		SET merge_status = 'merged', merged_at = ?, canonical_id = ` + canonicalIDSubquery(e) + `
		WHERE run_id = ? AND tenant_id = ? AND merge_status = 'pending' AND validation_status = 'valid'
		  AND external_id IN (SELECT d.external_id FROM ` + e.StagingTable + ` d
			WHERE d.run_id = ? AND d.tenant_id = ? AND d.merge_status = 'merged')`
}

// skippedSQL counts latest valid rows still pending. It takes run_id and
// tenant_id twice.
func skippedSQL(e store.Entity) string {
	return `SELECT COUNT(*) FROM ` + e.StagingTable + `
		WHERE run_id = ? AND tenant_id = ? AND merge_status = 'pending' AND validation_status = 'valid'
		  AND id IN (` + latestIDs(e) + `)`
}
