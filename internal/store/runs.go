package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const runColumns = `id, tenant_id, status, operation_type, query_type, idempotency_key,
	shopify_operation_id, retry_count, max_retries, result_url, partial_data_url,
	cursor_state, bytes_processed, records_processed, error_message,
	created_at, started_at, completed_at`

// RunSelect is the SELECT prefix matching ScanRun.
const RunSelect = "SELECT " + runColumns + " FROM ingest_runs"

// ScanRun scans a row produced by RunSelect.
func ScanRun(row Row) (*Run, error) {
	var (
		r                                 Run
		status                            string
		queryType, remoteID, resultURL    sql.NullString
		partialURL, errMsg                sql.NullString
		cursor                            []byte
		createdAt, startedAt, completedAt NullTime
	)
	err := row.Scan(&r.ID, &r.TenantID, &status, &r.OperationType, &queryType, &r.IdempotencyKey,
		&remoteID, &r.RetryCount, &r.MaxRetries, &resultURL, &partialURL,
		&cursor, &r.BytesProcessed, &r.RecordsProcessed, &errMsg,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.QueryType = queryType.String
	r.RemoteOperationID = remoteID.String
	r.ResultURL = resultURL.String
	r.PartialDataURL = partialURL.String
	r.ErrorMessage = errMsg.String
	r.CreatedAt = createdAt.Time
	r.StartedAt = startedAt.Ptr()
	r.CompletedAt = completedAt.Ptr()
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &r.CursorState); err != nil {
			return nil, fmt.Errorf("decoding cursor_state for run %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// GetRun loads a run by id. A missing run returns ErrNoRows.
func GetRun(ctx context.Context, q Querier, id string) (*Run, error) {
	return ScanRun(q.QueryRow(ctx, RunSelect+" WHERE id = ?", id))
}

// GetRunForUpdate loads a run and locks it for the enclosing transaction.
func GetRunForUpdate(ctx context.Context, tx Tx, d Dialect, id string) (*Run, error) {
	return ScanRun(tx.QueryRow(ctx, RunSelect+" WHERE id = ?"+d.ForUpdate(), id))
}

// RunByIdempotencyKey loads a run by its idempotency key.
func RunByIdempotencyKey(ctx context.Context, q Querier, key string) (*Run, error) {
	return ScanRun(q.QueryRow(ctx, RunSelect+" WHERE idempotency_key = ?", key))
}

// ActiveRun returns the tenant's pending or running run.
func ActiveRun(ctx context.Context, q Querier, tenantID string) (*Run, error) {
	return ScanRun(q.QueryRow(ctx,
		RunSelect+" WHERE tenant_id = ? AND status IN ('pending', 'running') ORDER BY created_at DESC LIMIT 1",
		tenantID))
}

// ListRuns returns the tenant's most recent runs, newest first.
func ListRuns(ctx context.Context, q Querier, tenantID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.Query(ctx,
		RunSelect+" WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?", tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := ScanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ListSteps returns the audit steps of a run in insertion order.
func ListSteps(ctx context.Context, q Querier, runID string) ([]Step, error) {
	rows, err := q.Query(ctx, `
		SELECT id, run_id, tenant_id, step, status, error, details, created_at
		FROM ingest_run_steps WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			s            Step
			errText, det sql.NullString
			createdAt    NullTime
		)
		if err := rows.Scan(&s.ID, &s.RunID, &s.TenantID, &s.Name, &s.Status, &errText, &det, &createdAt); err != nil {
			return nil, err
		}
		s.Error = errText.String
		s.Details = det.String
		s.CreatedAt = createdAt.Time
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ClearStaging deletes staging rows of a tenant's runs other than keepRunID
// that are no longer active. It returns the number of rows removed.
func ClearStaging(ctx context.Context, db DB, tenantID, keepRunID string) (int64, error) {
	var total int64
	err := db.InTenantTx(ctx, tenantID, func(tx Tx) error {
		for _, e := range Entities {
			n, err := tx.Exec(ctx, `DELETE FROM `+e.StagingTable+`
				WHERE tenant_id = ? AND run_id <> ?
				AND run_id NOT IN (SELECT id FROM ingest_runs WHERE tenant_id = ? AND status IN ('pending', 'running'))`,
				tenantID, keepRunID, tenantID)
			if err != nil {
				return fmt.Errorf("clearing %s: %w", e.StagingTable, err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

// StagedCount returns how many rows of entity e are staged for a run.
func StagedCount(ctx context.Context, q Querier, e Entity, runID, tenantID string) (int64, error) {
	var n int64
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM `+e.StagingTable+` WHERE run_id = ? AND tenant_id = ?`,
		runID, tenantID).Scan(&n)
	return n, err
}

// CanonicalCount returns how many canonical rows of entity e a tenant has.
func CanonicalCount(ctx context.Context, q Querier, e Entity, tenantID string) (int64, error) {
	var n int64
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM `+e.CanonicalTable+` WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

// IsNotFound reports whether err is ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoRows)
}
