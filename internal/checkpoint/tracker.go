package checkpoint

import (
	"context"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/staging"
)

// Tracker folds staging commits into a checkpoint and persists it every
// `every` commits. Its OnCommit matches staging.Writer.OnCommit.
type Tracker struct {
	mgr     *Manager
	runID   string
	every   int
	cur     Checkpoint
	pending int
	saved   int
	now     func() time.Time
}

// NewTracker continues from base, the checkpoint the pass resumed from.
func NewTracker(mgr *Manager, runID string, base Checkpoint, every int) *Tracker {
	if every <= 0 {
		every = 1
	}
	base.Version = CurrentVersion
	base.LinesKnown = true
	return &Tracker{mgr: mgr, runID: runID, every: every, cur: base, now: time.Now}
}

// OnCommit records a durable staging commit.
func (t *Tracker) OnCommit(ctx context.Context, c staging.Commit) error {
	t.cur.CommittedRecords += c.Records
	t.cur.CommittedProducts += c.Products
	t.cur.CommittedVariants += c.Variants
	if c.Boundary.Offset > t.cur.CommittedBytes {
		t.cur.CommittedBytes = c.Boundary.Offset
	}
	if c.Boundary.Line > t.cur.CommittedLines {
		t.cur.CommittedLines = c.Boundary.Line
	}
	if c.LastParentID != "" {
		t.cur.LastSuccessfulID = c.LastParentID
	}
	t.cur.LastCommitAt = t.now().UTC()
	t.pending++
	if t.pending < t.every {
		return nil
	}
	return t.persist(ctx)
}

// Finish persists any unsaved progress and the snapshot flag.
func (t *Tracker) Finish(ctx context.Context, fullSnapshot bool) error {
	if t.pending == 0 && t.cur.IsFullSnapshot == fullSnapshot && t.saved > 0 {
		return nil
	}
	t.cur.IsFullSnapshot = fullSnapshot
	return t.persist(ctx)
}

func (t *Tracker) persist(ctx context.Context) error {
	if err := t.mgr.Persist(ctx, t.runID, t.cur); err != nil {
		return err
	}
	t.pending = 0
	t.saved++
	return nil
}

// Current returns the checkpoint as accumulated so far.
func (t *Tracker) Current() Checkpoint {
	return t.cur
}

// Saved is the number of checkpoints persisted.
func (t *Tracker) Saved() int {
	return t.saved
}
