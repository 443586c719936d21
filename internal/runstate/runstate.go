// Package runstate owns the run record lifecycle:
// pending -> running -> completed | failed.
//
// Every transition is a conditional UPDATE on the current status, so a
// transition that does not apply changes nothing and is reported as
// invalid_transition.
package runstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// DefaultMaxRetries applies when a trigger does not set one.
const DefaultMaxRetries = 3

// Trigger is the request from the job scheduler to ingest one export.
type Trigger struct {
	TenantID        string `json:"tenantId"`
	OperationType   string `json:"operationType"`
	QueryType       string `json:"queryType,omitempty"`
	IdempotencyKey  string `json:"idempotencyKey,omitempty"`
	ResumeFromBytes int64  `json:"resumeFromBytes,omitempty"`
	MaxRetries      int    `json:"maxRetries,omitempty"`
}

// RemoteMeta describes the remote bulk operation a run is bound to.
type RemoteMeta struct {
	OperationID string
	APIVersion  string
	Status      string
}

// IdempotencyKey derives the deduplication key for a trigger as hex SHA-256
// of tenant, operation and query signature.
func IdempotencyKey(tenantID, operation, querySignature string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + operation + "\x00" + querySignature))
	return hex.EncodeToString(sum[:])
}

// Machine applies run transitions.
type Machine struct {
	db    store.DB
	now   func() time.Time
	newID func() string
}

// New returns a Machine backed by db.
func New(db store.DB) *Machine {
	return &Machine{db: db, now: time.Now, newID: uuid.NewString}
}

// CreateOrResume returns the run for the trigger's idempotency key, creating
// a pending run when none exists. created reports whether this call
// inserted it. A lost creation race converges on the winner's run.
func (m *Machine) CreateOrResume(ctx context.Context, t Trigger) (run *store.Run, created bool, err error) {
	if t.TenantID == "" || t.OperationType == "" {
		return nil, false, fmt.Errorf("trigger needs a tenant and an operation type")
	}
	key := t.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(t.TenantID, t.OperationType, t.QueryType)
	}

	existing, err := store.RunByIdempotencyKey(ctx, m.db, key)
	if err == nil {
		logging.Info("Trigger for tenant %s matches run %s (%s)", t.TenantID, existing.ID, existing.Status)
		return existing, false, nil
	}
	if !store.IsNotFound(err) {
		return nil, false, fmt.Errorf("looking up run by idempotency key: %w", err)
	}

	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	cursor := store.CursorState{}
	if t.ResumeFromBytes > 0 {
		cursor.Ingest = &store.IngestState{ResumeFromBytes: t.ResumeFromBytes}
	}
	cursorJSON, err := cursor.Marshal()
	if err != nil {
		return nil, false, err
	}

	id := m.newID()
	now := m.now().UTC()
	_, err = m.db.Exec(ctx, `
		INSERT INTO ingest_runs (id, tenant_id, status, operation_type, query_type, idempotency_key,
			max_retries, cursor_state, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)`,
		id, t.TenantID, t.OperationType, nullable(t.QueryType), key, maxRetries, cursorJSON, now, now)
	if err != nil {
		if !m.db.Dialect().IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("creating run: %w", err)
		}
		return m.converge(ctx, t.TenantID, key)
	}

	run, err = store.GetRun(ctx, m.db, id)
	if err != nil {
		return nil, false, fmt.Errorf("reloading run %s: %w", id, err)
	}
	logging.Info("Created run %s for tenant %s (%s)", id, t.TenantID, t.OperationType)
	return run, true, nil
}

// converge resolves a unique violation: the key's run first, then the
// tenant's active run.
func (m *Machine) converge(ctx context.Context, tenantID, key string) (*store.Run, bool, error) {
	run, err := store.RunByIdempotencyKey(ctx, m.db, key)
	if err == nil {
		return run, false, nil
	}
	if !store.IsNotFound(err) {
		return nil, false, fmt.Errorf("re-reading run by idempotency key: %w", err)
	}
	run, err = store.ActiveRun(ctx, m.db, tenantID)
	if err == nil {
		logging.Info("Tenant %s already has active run %s", tenantID, run.ID)
		return run, false, nil
	}
	if store.IsNotFound(err) {
		return nil, false, failure.Invariant(failure.CodeInvalidTransition,
			"run creation for tenant %s conflicted but no conflicting run exists", tenantID)
	}
	return nil, false, fmt.Errorf("re-reading active run: %w", err)
}

// Start moves a pending run to running and binds the remote operation.
func (m *Machine) Start(ctx context.Context, runID string, meta RemoteMeta) error {
	return m.transition(ctx, runID, []store.RunStatus{store.StatusPending}, func(run *store.Run) (string, []any) {
		if run.CursorState.Remote == nil {
			run.CursorState.Remote = &store.RemoteState{}
		}
		r := run.CursorState.Remote
		r.OperationID = meta.OperationID
		r.APIVersion = meta.APIVersion
		r.QueryType = run.QueryType
		r.Status = meta.Status
		r.StartedAt = m.now().UTC().Format(time.RFC3339)
		return `status = 'running', shopify_operation_id = ?, started_at = ?`,
			[]any{nullable(meta.OperationID), m.now().UTC()}
	})
}

// Complete marks a running run completed.
func (m *Machine) Complete(ctx context.Context, runID string) error {
	err := m.transition(ctx, runID, []store.RunStatus{store.StatusRunning}, func(*store.Run) (string, []any) {
		return `status = 'completed', completed_at = ?, error_message = NULL`, []any{m.now().UTC()}
	})
	if err == nil {
		logging.Info("Run %s completed", runID)
	}
	return err
}

// Fail marks an active run failed with the structured form of cause.
func (m *Machine) Fail(ctx context.Context, runID string, cause error) error {
	rec := failure.ToRecord(cause).JSON()
	err := m.transition(ctx, runID, []store.RunStatus{store.StatusPending, store.StatusRunning}, func(*store.Run) (string, []any) {
		return `status = 'failed', completed_at = ?, error_message = ?`, []any{m.now().UTC(), rec}
	})
	if err == nil {
		logging.Warn("Run %s failed: %v", runID, cause)
	}
	return err
}

// Retry moves a failed run back to running while retries remain.
func (m *Machine) Retry(ctx context.Context, runID string) error {
	return m.transition(ctx, runID, []store.RunStatus{store.StatusFailed}, func(run *store.Run) (string, []any) {
		if run.RetryCount >= run.MaxRetries {
			return "", nil
		}
		if run.CursorState.Ingest == nil {
			run.CursorState.Ingest = &store.IngestState{}
		}
		run.CursorState.Ingest.Resumes++
		return `status = 'running', retry_count = retry_count + 1, error_message = NULL, completed_at = NULL`, nil
	})
}

// SetResult records where the export can be downloaded from and which
// source it is.
func (m *Machine) SetResult(ctx context.Context, runID, resultURL, partialURL, source string) error {
	return m.transition(ctx, runID, []store.RunStatus{store.StatusRunning}, func(run *store.Run) (string, []any) {
		if run.CursorState.Ingest == nil {
			run.CursorState.Ingest = &store.IngestState{}
		}
		run.CursorState.Ingest.ResultSource = source
		return `result_url = ?, partial_data_url = ?`, []any{nullable(resultURL), nullable(partialURL)}
	})
}

// RecordRemote stores the latest polled state of the remote operation.
func (m *Machine) RecordRemote(ctx context.Context, runID string, remote store.RemoteState) error {
	return m.transition(ctx, runID, []store.RunStatus{store.StatusRunning}, func(run *store.Run) (string, []any) {
		prev := run.CursorState.Remote
		if prev != nil {
			if remote.OperationID == "" {
				remote.OperationID = prev.OperationID
			}
			if remote.APIVersion == "" {
				remote.APIVersion = prev.APIVersion
			}
			if remote.StartedAt == "" {
				remote.StartedAt = prev.StartedAt
			}
			if remote.QueryType == "" {
				remote.QueryType = prev.QueryType
			}
		}
		remote.PolledAt = m.now().UTC().Format(time.RFC3339)
		run.CursorState.Remote = &remote
		return "", []any{}
	})
}

// MarkResumed counts an ingestion pass that continued from a checkpoint.
func (m *Machine) MarkResumed(ctx context.Context, runID string) error {
	return m.transition(ctx, runID, []store.RunStatus{store.StatusRunning}, func(run *store.Run) (string, []any) {
		if run.CursorState.Ingest == nil {
			run.CursorState.Ingest = &store.IngestState{}
		}
		run.CursorState.Ingest.Resumes++
		return "", []any{}
	})
}

// LogStep appends an audit step to the run. It never affects the run state.
func (m *Machine) LogStep(ctx context.Context, runID, tenantID, step, status string, stepErr error, details any) error {
	var errText, detailJSON any
	if stepErr != nil {
		errText = stepErr.Error()
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encoding step details: %w", err)
		}
		detailJSON = string(data)
	}
	_, err := m.db.Exec(ctx, `
		INSERT INTO ingest_run_steps (run_id, tenant_id, step, status, error, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, tenantID, step, status, errText, detailJSON, m.now().UTC())
	if err != nil {
		return fmt.Errorf("logging step %s for run %s: %w", step, runID, err)
	}
	return nil
}

// mutation returns the SET clause and its arguments for a transition after
// adjusting the run's cursor state in place. An empty clause with nil args
// rejects the transition; an empty clause with non-nil args only saves the
// cursor state.
type mutation func(run *store.Run) (set string, args []any)

// transition applies mut to runID when the run is in one of from.
func (m *Machine) transition(ctx context.Context, runID string, from []store.RunStatus, mut mutation) error {
	return m.db.InTx(ctx, func(tx store.Tx) error {
		run, err := store.GetRunForUpdate(ctx, tx, m.db.Dialect(), runID)
		if store.IsNotFound(err) {
			return failure.Invariant(failure.CodeRunNotFound, "run %s not found", runID)
		}
		if err != nil {
			return fmt.Errorf("loading run %s: %w", runID, err)
		}
		if !statusIn(run.Status, from) {
			return failure.Invariant(failure.CodeInvalidTransition,
				"run %s is %s, expected %s", runID, run.Status, statusList(from))
		}

		set, args := mut(run)
		if set == "" && args == nil {
			return failure.Invariant(failure.CodeInvalidTransition,
				"run %s exhausted its retries (%d of %d)", runID, run.RetryCount, run.MaxRetries)
		}
		cursor, err := run.CursorState.Marshal()
		if err != nil {
			return fmt.Errorf("encoding cursor state: %w", err)
		}
		if set != "" {
			set += ", "
		}
		query := `UPDATE ingest_runs SET ` + set + `cursor_state = ?, updated_at = ?
			WHERE id = ? AND status = ?`
		args = append(args, cursor, m.now().UTC(), runID, string(run.Status))
		n, err := tx.Exec(ctx, query, args...)
		if err != nil {
			if m.db.Dialect().IsUniqueViolation(err) {
				return failure.Invariant(failure.CodeInvalidTransition,
					"tenant %s already has an active run", run.TenantID)
			}
			return fmt.Errorf("updating run %s: %w", runID, err)
		}
		if n != 1 {
			return failure.Invariant(failure.CodeInvalidTransition, "run %s changed status concurrently", runID)
		}
		return nil
	})
}

func statusIn(s store.RunStatus, set []store.RunStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func statusList(set []store.RunStatus) string {
	out := ""
	for i, s := range set {
		if i > 0 {
			out += " or "
		}
		out += string(s)
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
