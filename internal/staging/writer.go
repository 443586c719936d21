// Package staging batches stitched composites into run-scoped staging
// tables. Each flush is one tenant-scoped transaction with one bulk copy per
// table; progress is reported through OnCommit only after that commit.
package staging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/stitch"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// rowOverhead approximates the non-payload bytes of a staged row.
const rowOverhead = 128

// Options are the batch thresholds. Whichever is reached first flushes.
type Options struct {
	BatchRows  int
	BatchBytes int64
}

// KindCounts tracks one row kind through the writer.
type KindCounts struct {
	Seen     int64 `json:"seen"`
	Skipped  int64 `json:"skipped"`
	Invalid  int64 `json:"invalid"`
	Buffered int64 `json:"buffered"`
	Copied   int64 `json:"copied"`
}

// Counters are the writer's per-kind totals for this pass.
type Counters struct {
	Products        KindCounts `json:"products"`
	Variants        KindCounts `json:"variants"`
	Metafields      KindCounts `json:"metafields"`
	InventoryItems  KindCounts `json:"inventoryItems"`
	InventoryLevels KindCounts `json:"inventoryLevels"`
}

// Copied is the total number of rows committed across kinds.
func (c Counters) Copied() int64 {
	return c.Products.Copied + c.Variants.Copied + c.Metafields.Copied +
		c.InventoryItems.Copied + c.InventoryLevels.Copied
}

// Commit describes one durable flush.
type Commit struct {
	Seq          int
	Boundary     stitch.Position
	LastParentID string
	Products     int64 // product rows in this commit
	Variants     int64
	Records      int64 // rows of every kind in this commit
}

// table is the pending batch for one staging table.
type table struct {
	entity  store.Entity
	columns []string
	rows    [][]any
	counts  KindCounts
}

// Writer stages composites for one run.
type Writer struct {
	db       store.DB
	runID    string
	tenantID string
	opts     Options
	// OnCommit is called after each successful flush.
	OnCommit func(ctx context.Context, c Commit) error

	tables  []*table // indexed by stitch.Kind - 1
	rows    int
	bytes   int64
	commits int

	dirty        bool
	boundary     stitch.Position
	lastParentID string

	now func() time.Time
}

// NewWriter returns a writer for runID under tenantID.
func NewWriter(db store.DB, runID, tenantID string, opts Options) *Writer {
	if opts.BatchRows <= 0 {
		opts.BatchRows = 1000
	}
	if opts.BatchBytes <= 0 {
		opts.BatchBytes = 16 << 20
	}
	w := &Writer{
		db:       db,
		runID:    runID,
		tenantID: tenantID,
		opts:     opts,
		now:      time.Now,
	}
	for _, e := range store.Entities {
		w.tables = append(w.tables, &table{entity: e, columns: e.StagingColumns()})
	}
	return w
}

func (w *Writer) tableFor(k stitch.Kind) *table {
	if k == stitch.KindUnknown || int(k) > len(w.tables) {
		return nil
	}
	return w.tables[k-1]
}

// HandleRecord buffers the rows of one composite and flushes when a batch
// threshold is reached. It matches stitch.Sink.
func (w *Writer) HandleRecord(ctx context.Context, c *stitch.Composite) error {
	stagedAt := w.now().UTC()
	w.addParent(c.Parent, stagedAt)
	for _, k := range stitch.ChildKinds {
		for _, rec := range c.ChildrenOf(k) {
			w.addChild(rec, stagedAt)
		}
	}
	w.dirty = true
	w.boundary = c.Boundary
	if c.Parent.ID != "" {
		w.lastParentID = c.Parent.ID
	}

	if w.rows >= w.opts.BatchRows || w.bytes >= w.opts.BatchBytes {
		return w.Flush(ctx)
	}
	return nil
}

func (w *Writer) addParent(rec stitch.Record, stagedAt time.Time) {
	t := w.tableFor(stitch.KindProduct)
	t.counts.Seen++
	if rec.ID == "" {
		t.counts.Skipped++
		return
	}
	typed, problems := productColumns(rec.Raw)
	status := StatusValid
	var reasons any
	if len(problems) > 0 {
		status = StatusInvalid
		reasons = strings.Join(problems, "; ")
		t.counts.Invalid++
	}
	row := make([]any, 0, len(t.columns))
	row = append(row, w.runID, w.tenantID, rec.ID)
	row = append(row, typed...)
	row = append(row, string(rec.Raw), status, reasons, MergePending, stagedAt)
	w.buffer(t, row, len(rec.Raw))
}

func (w *Writer) addChild(rec stitch.Record, stagedAt time.Time) {
	t := w.tableFor(rec.Kind)
	if t == nil {
		return
	}
	t.counts.Seen++
	if rec.ID == "" || rec.ParentID == "" {
		t.counts.Skipped++
		return
	}
	typed, err := childColumns(rec)
	status := StatusValid
	var reasons any
	if err != nil {
		typed = make([]any, len(t.entity.Columns))
		status = StatusInvalid
		reasons = fmt.Sprintf("payload: %v", err)
		t.counts.Invalid++
	}
	row := make([]any, 0, len(t.columns))
	row = append(row, w.runID, w.tenantID, rec.ID, rec.ParentID)
	row = append(row, typed...)
	row = append(row, string(rec.Raw), status, reasons, MergePending, stagedAt)
	w.buffer(t, row, len(rec.Raw))
}

func (w *Writer) buffer(t *table, row []any, payload int) {
	t.rows = append(t.rows, row)
	t.counts.Buffered++
	w.rows++
	w.bytes += int64(payload + rowOverhead)
}

// Flush commits every buffered row. Composites that produced no rows still
// advance the reported boundary.
func (w *Writer) Flush(ctx context.Context) error {
	if !w.dirty {
		return nil
	}
	commit := Commit{Boundary: w.boundary, LastParentID: w.lastParentID}

	if w.rows > 0 {
		start := time.Now()
		err := w.db.InTenantTx(ctx, w.tenantID, func(tx store.Tx) error {
			for _, t := range w.tables {
				if len(t.rows) == 0 {
					continue
				}
				n, err := tx.CopyRows(ctx, t.entity.StagingTable, t.columns, t.rows)
				if err != nil {
					return fmt.Errorf("copying into %s: %w", t.entity.StagingTable, err)
				}
				if n != int64(len(t.rows)) {
					return failure.Invariant(failure.CodeInsertNoRow,
						"%s accepted %d of %d rows", t.entity.StagingTable, n, len(t.rows))
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("flushing staging batch: %w", err)
		}

		for _, t := range w.tables {
			n := int64(len(t.rows))
			t.counts.Copied += n
			t.counts.Buffered -= n
			switch t.entity.Kind {
			case store.KindProduct:
				commit.Products = n
			case store.KindVariant:
				commit.Variants = n
			}
			commit.Records += n
			t.rows = t.rows[:0]
		}
		logging.Debug("Staged %d rows (%d products) for run %s in %v", commit.Records, commit.Products,
			w.runID, time.Since(start).Round(time.Millisecond))
	}

	w.rows = 0
	w.bytes = 0
	w.dirty = false
	w.commits++
	commit.Seq = w.commits

	if w.OnCommit != nil {
		if err := w.OnCommit(ctx, commit); err != nil {
			return fmt.Errorf("recording staging commit %d: %w", commit.Seq, err)
		}
	}
	return nil
}

// Counters returns a snapshot of the per-kind counts.
func (w *Writer) Counters() Counters {
	return Counters{
		Products:        w.tables[stitch.KindProduct-1].counts,
		Variants:        w.tables[stitch.KindVariant-1].counts,
		Metafields:      w.tables[stitch.KindMetafield-1].counts,
		InventoryItems:  w.tables[stitch.KindInventoryItem-1].counts,
		InventoryLevels: w.tables[stitch.KindInventoryLevel-1].counts,
	}
}
