package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// Manager persists checkpoints on run records.
type Manager struct {
	db store.DB
}

// NewManager returns a Manager backed by db.
func NewManager(db store.DB) *Manager {
	return &Manager{db: db}
}

// Read returns the latest checkpoint held by run. ok is false when the run
// has none.
func Read(run *store.Run) (cp Checkpoint, ok bool, err error) {
	if run.CursorState.Ingest == nil || len(run.CursorState.Ingest.Checkpoint) == 0 {
		return Checkpoint{}, false, nil
	}
	raw := run.CursorState.Ingest.Checkpoint
	if string(raw) == "null" {
		return Checkpoint{}, false, nil
	}
	w, err := Decode(raw)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("run %s: %w", run.ID, err)
	}
	return w.Upgrade(run.BytesProcessed), true, nil
}

// Persist stores cp on the run together with the run's aggregate counters.
// A checkpoint behind the stored one is rejected.
func (m *Manager) Persist(ctx context.Context, runID string, cp Checkpoint) error {
	return m.db.InTx(ctx, func(tx store.Tx) error {
		run, err := store.GetRunForUpdate(ctx, tx, m.db.Dialect(), runID)
		if store.IsNotFound(err) {
			return failure.Invariant(failure.CodeRunNotFound, "run %s not found", runID)
		}
		if err != nil {
			return fmt.Errorf("loading run %s: %w", runID, err)
		}
		if run.Status != store.StatusRunning {
			return failure.Invariant(failure.CodeInvalidTransition,
				"cannot checkpoint run %s in status %s", runID, run.Status)
		}

		prev, ok, err := Read(run)
		if err != nil {
			return err
		}
		if ok {
			if field := regressed(prev, cp); field != "" {
				return failure.Invariant(failure.CodeCheckpointRegression,
					"run %s: %s would move backwards", runID, field)
			}
		}

		data, err := cp.Encode()
		if err != nil {
			return fmt.Errorf("encoding checkpoint: %w", err)
		}
		if run.CursorState.Ingest == nil {
			run.CursorState.Ingest = &store.IngestState{}
		}
		run.CursorState.Ingest.Checkpoint = json.RawMessage(data)
		cursor, err := run.CursorState.Marshal()
		if err != nil {
			return fmt.Errorf("encoding cursor state: %w", err)
		}

		n, err := tx.Exec(ctx, `
			UPDATE ingest_runs
			SET cursor_state = ?, bytes_processed = ?, records_processed = ?, updated_at = ?
			WHERE id = ? AND status = 'running'`,
			cursor, cp.CommittedBytes, cp.CommittedRecords, time.Now().UTC(), runID)
		if err != nil {
			return fmt.Errorf("saving checkpoint: %w", err)
		}
		if n != 1 {
			return failure.Invariant(failure.CodeInvalidTransition, "run %s left running during checkpoint", runID)
		}
		logging.Debug("Checkpoint for run %s: %d records, line %d, byte %d",
			runID, cp.CommittedRecords, cp.CommittedLines, cp.CommittedBytes)
		return nil
	})
}
