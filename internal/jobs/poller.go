package jobs

import (
	"context"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/bulkapi"
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/runstate"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// PollResult is the outcome of one poll.
type PollResult struct {
	RemoteStatus string
	// Ready means the result location is recorded and ingestion can run.
	Ready  bool
	Source string // store.SourceResult or store.SourcePartialData
	URL    string
	// Failed means the run was marked failed.
	Failed bool
}

// Poller follows remote bulk operations until their result is available.
type Poller struct {
	deps    Deps
	machine *runstate.Machine
}

// NewPoller returns a Poller.
func NewPoller(deps Deps) *Poller {
	deps = deps.withDefaults()
	return &Poller{deps: deps, machine: runstate.New(deps.DB)}
}

// Poll fetches the remote operation once and records what it found. A
// failed operation that still produced partial data is treated as ready,
// sourced from the partial data.
func (p *Poller) Poll(ctx context.Context, runID string) (PollResult, error) {
	run, err := store.GetRun(ctx, p.deps.DB, runID)
	if store.IsNotFound(err) {
		return PollResult{}, failure.Invariant(failure.CodeRunNotFound, "run %s not found", runID)
	}
	if err != nil {
		return PollResult{}, err
	}
	if res, settled := settledResult(run); settled {
		return res, nil
	}
	if run.Status != store.StatusRunning {
		return PollResult{}, failure.Invariant(failure.CodeInvalidTransition,
			"run %s is %s, nothing to poll", runID, run.Status)
	}

	op, err := p.deps.API.Operation(ctx, run.TenantID, run.RemoteOperationID)
	if err != nil {
		if failure.IsRetryable(err) {
			return PollResult{}, err
		}
		return p.fail(ctx, run, err)
	}
	remote := store.RemoteState{
		Status:      op.Status,
		ErrorCode:   op.ErrorCode,
		ObjectCount: int64(op.ObjectCount),
		FileSize:    int64(op.FileSize),
	}
	if err := p.machine.RecordRemote(ctx, run.ID, remote); err != nil {
		return PollResult{}, err
	}

	res := PollResult{RemoteStatus: op.Status}
	switch {
	case op.Status == bulkapi.StatusCompleted:
		res.Ready, res.Source, res.URL = true, store.SourceResult, op.URL
		if err := p.machine.SetResult(ctx, run.ID, op.URL, op.PartialDataURL, store.SourceResult); err != nil {
			return PollResult{}, err
		}
	case op.Terminal() && op.PartialDataURL != "":
		logging.Warn("Bulk operation %s ended %s (%s); salvaging partial data", op.ID, op.Status, op.ErrorCode)
		res.Ready, res.Source, res.URL = true, store.SourcePartialData, op.PartialDataURL
		if err := p.machine.SetResult(ctx, run.ID, "", op.PartialDataURL, store.SourcePartialData); err != nil {
			return PollResult{}, err
		}
	case op.Terminal():
		return p.fail(ctx, run, failure.Remote(failure.CodeRemoteFailed,
			"bulk operation %s ended %s (%s)", op.ID, op.Status, op.ErrorCode))
	default:
		logging.Debug("Bulk operation %s is %s (%d objects)", op.ID, op.Status, op.ObjectCount)
		return res, nil
	}

	logStep(ctx, p.machine, run, StepPoll, StepCompleted, nil, map[string]any{
		"status":      op.Status,
		"source":      res.Source,
		"objectCount": int64(op.ObjectCount),
		"fileSize":    int64(op.FileSize),
	})
	logging.Info("Run %s result ready (%s, %d objects)", run.ID, res.Source, op.ObjectCount)
	return res, nil
}

// Wait polls every interval until the result is ready or the run fails.
func (p *Poller) Wait(ctx context.Context, runID string, interval time.Duration) (PollResult, error) {
	if interval <= 0 {
		interval = p.deps.Config.BulkAPI.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := p.Poll(ctx, runID)
		switch {
		case err != nil && !failure.IsRetryable(err):
			return res, err
		case err != nil:
			logging.Warn("Polling run %s: %v", runID, err)
		case res.Ready || res.Failed:
			return res, nil
		}
		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) fail(ctx context.Context, run *store.Run, cause error) (PollResult, error) {
	ctx = context.WithoutCancel(ctx)
	if err := p.machine.Fail(ctx, run.ID, cause); err != nil {
		return PollResult{}, err
	}
	logStep(ctx, p.machine, run, StepPoll, StepFailed, cause, nil)
	p.deps.Metrics.RecordRun(run.OperationType, string(store.StatusFailed))
	p.deps.Metrics.RecordError(StepPoll, string(failure.KindOf(cause)))
	if err := p.deps.Notifier.RunFailed(run.ID, run.TenantID, cause, time.Since(run.CreatedAt)); err != nil {
		logging.Warn("Failed to send failure notification: %v", err)
	}
	res := PollResult{Failed: true}
	if run.CursorState.Remote != nil {
		res.RemoteStatus = run.CursorState.Remote.Status
	}
	return res, nil
}

// settledResult reports a result location recorded by an earlier poll.
func settledResult(run *store.Run) (PollResult, bool) {
	if run.Status == store.StatusFailed {
		return PollResult{Failed: true}, true
	}
	ing := run.CursorState.Ingest
	if ing == nil || ing.ResultSource == "" {
		return PollResult{}, false
	}
	res := PollResult{Ready: true, Source: ing.ResultSource, URL: resultURL(run)}
	if run.CursorState.Remote != nil {
		res.RemoteStatus = run.CursorState.Remote.Status
	}
	return res, true
}

// resultURL is the download location matching the run's result source.
func resultURL(run *store.Run) string {
	if run.CursorState.Ingest != nil && run.CursorState.Ingest.ResultSource == store.SourcePartialData {
		return run.PartialDataURL
	}
	return run.ResultURL
}
