package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/bulkapi"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/runstate"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// Orchestrator turns scheduler triggers into started runs.
type Orchestrator struct {
	deps    Deps
	machine *runstate.Machine
}

// NewOrchestrator returns an Orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	deps = deps.withDefaults()
	return &Orchestrator{deps: deps, machine: runstate.New(deps.DB)}
}

// Trigger creates or resumes the run for t and, when the run has not started
// yet, submits its bulk query and moves it to running. A duplicate trigger
// returns the existing run untouched.
func (o *Orchestrator) Trigger(ctx context.Context, t runstate.Trigger) (*store.Run, error) {
	if t.QueryType == "" {
		t.QueryType = bulkapi.QueryProducts
	}
	since, err := o.since(ctx, t)
	if err != nil {
		return nil, err
	}
	query, err := bulkapi.Query(t.QueryType, since)
	if err != nil {
		return nil, err
	}
	if t.IdempotencyKey == "" {
		t.IdempotencyKey = runstate.IdempotencyKey(t.TenantID, t.OperationType, bulkapi.Signature(query))
	}

	run, created, err := o.machine.CreateOrResume(ctx, t)
	if err != nil {
		return nil, err
	}
	if !created && (run.Status != store.StatusPending || run.RemoteOperationID != "") {
		return run, nil
	}

	op, err := o.deps.API.StartBulkQuery(ctx, run.TenantID, query)
	if err != nil {
		o.fail(ctx, run, err)
		return nil, fmt.Errorf("starting bulk query for run %s: %w", run.ID, err)
	}
	meta := runstate.RemoteMeta{OperationID: op.ID, APIVersion: o.deps.Config.BulkAPI.APIVersion, Status: op.Status}
	if err := o.machine.Start(ctx, run.ID, meta); err != nil {
		return nil, err
	}
	logStep(ctx, o.machine, run, StepTrigger, StepCompleted, nil, map[string]any{
		"operationId": op.ID,
		"queryType":   t.QueryType,
		"since":       formatSince(since),
	})
	if err := o.deps.Notifier.RunStarted(run.ID, run.TenantID, run.OperationType); err != nil {
		logging.Warn("Failed to send start notification: %v", err)
	}

	return store.GetRun(ctx, o.deps.DB, run.ID)
}

// since returns the cutoff for incremental exports: the start of the
// tenant's latest completed run, so changes made during it are fetched again.
func (o *Orchestrator) since(ctx context.Context, t runstate.Trigger) (time.Time, error) {
	if t.OperationType != store.OperationIncremental {
		return time.Time{}, nil
	}
	runs, err := store.ListRuns(ctx, o.deps.DB, t.TenantID, 50)
	if err != nil {
		return time.Time{}, err
	}
	for _, r := range runs {
		if r.Status == store.StatusCompleted && r.StartedAt != nil {
			return *r.StartedAt, nil
		}
	}
	return time.Time{}, nil
}

func (o *Orchestrator) fail(ctx context.Context, run *store.Run, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := o.machine.Fail(ctx, run.ID, cause); err != nil {
		logging.Error("Marking run %s failed: %v", run.ID, err)
	}
	logStep(ctx, o.machine, run, StepTrigger, StepFailed, cause, nil)
	o.deps.Metrics.RecordRun(run.OperationType, string(store.StatusFailed))
	if err := o.deps.Notifier.RunFailed(run.ID, run.TenantID, cause, time.Since(run.CreatedAt)); err != nil {
		logging.Warn("Failed to send failure notification: %v", err)
	}
}

func formatSince(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
