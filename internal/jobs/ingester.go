package jobs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/checkpoint"
	"github.com/johndauphine/shopify-bulk-ingest/internal/download"
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/merge"
	"github.com/johndauphine/shopify-bulk-ingest/internal/notify"
	"github.com/johndauphine/shopify-bulk-ingest/internal/progress"
	"github.com/johndauphine/shopify-bulk-ingest/internal/runstate"
	"github.com/johndauphine/shopify-bulk-ingest/internal/staging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/stitch"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// IngestRequest asks for one ingestion pass over a run's result.
type IngestRequest struct {
	RunID string `json:"runId"`
	// KeepSpool leaves the downloaded export on disk after success.
	KeepSpool bool `json:"keepSpool,omitempty"`
}

// Ingester downloads, stitches, stages and merges a run's export.
type Ingester struct {
	deps    Deps
	machine *runstate.Machine
	ckpt    *checkpoint.Manager
	merger  *merge.Merger
}

// NewIngester returns an Ingester.
func NewIngester(deps Deps) *Ingester {
	deps = deps.withDefaults()
	return &Ingester{
		deps:    deps,
		machine: runstate.New(deps.DB),
		ckpt:    checkpoint.NewManager(deps.DB),
		merger:  merge.New(deps.DB),
	}
}

// stageError tags an error with the stage it came from.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func inStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

// Ingest runs one pass for the run. A completed run is left alone; a failed
// run is retried while retries remain and continues from its checkpoint.
// Any error marks the run failed with its structured form.
func (i *Ingester) Ingest(ctx context.Context, req IngestRequest) (*Report, error) {
	run, err := store.GetRun(ctx, i.deps.DB, req.RunID)
	if store.IsNotFound(err) {
		return nil, failure.Invariant(failure.CodeRunNotFound, "run %s not found", req.RunID)
	}
	if err != nil {
		return nil, err
	}

	report := &Report{RunID: run.ID, TenantID: run.TenantID, Status: run.Status}
	retried := false
	switch run.Status {
	case store.StatusCompleted:
		report.AlreadyCompleted = true
		return report, nil
	case store.StatusFailed:
		if err := i.machine.Retry(ctx, run.ID); err != nil {
			return nil, err
		}
		logging.Info("Retrying run %s (attempt %d of %d)", run.ID, run.RetryCount+1, run.MaxRetries)
		retried = true
		if run, err = store.GetRun(ctx, i.deps.DB, run.ID); err != nil {
			return nil, err
		}
	case store.StatusPending:
		return nil, failure.Invariant(failure.CodeInvalidTransition, "run %s has not started", run.ID)
	}
	if run.CursorState.Ingest == nil || run.CursorState.Ingest.ResultSource == "" {
		return nil, failure.Invariant(failure.CodeInvalidTransition, "run %s has no result to ingest yet", run.ID)
	}

	start := time.Now()
	i.deps.Metrics.RunStarted()
	defer i.deps.Metrics.RunFinished()

	err = i.ingest(ctx, run, report, retried, req.KeepSpool)
	report.Duration = time.Since(start)
	if err != nil {
		i.failed(ctx, run, report, err)
		return report, err
	}

	report.Status = store.StatusCompleted
	i.deps.Metrics.RecordRun(run.OperationType, string(store.StatusCompleted))
	i.deps.Reporter.ReportImmediate(progress.Update{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		Phase:          progress.PhaseDone,
		BytesReceived:  report.Counters.BytesProcessed,
		RecordsStaged:  report.Staging.Copied(),
		ProductsMerged: report.Merge.Entities[store.KindProduct].Upserted,
		Quarantined:    report.Stitch.Quarantined(),
	})
	summary := notify.RunSummary{
		RunID:            run.ID,
		TenantID:         run.TenantID,
		OperationType:    run.OperationType,
		StartTime:        start,
		Duration:         report.Duration,
		BytesProcessed:   report.Counters.BytesProcessed,
		RecordsStaged:    report.Staging.Copied(),
		InvalidRecords:   report.invalidRecords(),
		Quarantined:      report.Stitch.Quarantined(),
		ProductsUpserted: report.Merge.Entities[store.KindProduct].Upserted,
		RowsUpserted:     report.Merge.Upserted(),
		Resumed:          report.Resumed,
	}
	for _, e := range report.Merge.Entities {
		summary.RowsDeleted += e.Deleted
	}
	if err := i.deps.Notifier.RunCompleted(summary); err != nil {
		logging.Warn("Failed to send completion notification: %v", err)
	}
	logging.Info("Run %s ingested in %s: %d lines, %d records staged, %d rows upserted",
		run.ID, report.Duration.Round(time.Millisecond), report.Counters.TotalLines,
		report.Staging.Copied(), report.Merge.Upserted())
	return report, nil
}

func (i *Ingester) ingest(ctx context.Context, run *store.Run, report *Report, retried, keepSpool bool) error {
	cfg := i.deps.Config
	source := run.CursorState.Ingest.ResultSource
	report.Source = source

	cp, ok, err := checkpoint.Read(run)
	if err != nil {
		return inStage(StepDownload, err)
	}
	offset := resumeOffset(run, cp, ok)
	report.Resumed = ok || offset > 0
	if report.Resumed {
		logging.Info("Run %s continues at byte %d (line %d)", run.ID, offset, cp.CommittedLines)
		if !retried {
			if err := i.machine.MarkResumed(ctx, run.ID); err != nil {
				return inStage(StepDownload, err)
			}
		}
	} else {
		n, err := store.ClearStaging(ctx, i.deps.DB, run.TenantID, run.ID)
		if err != nil {
			return inStage(StepDownload, err)
		}
		if n > 0 {
			logging.Info("Cleared %d staging rows of earlier runs for tenant %s", n, run.TenantID)
		}
	}

	runDir := filepath.Join(cfg.Download.ScratchDir, "runs", run.ID)
	stream, streamStart, sp, err := i.download(ctx, run, resultURL(run), runDir, offset)
	if err != nil {
		return inStage(StepDownload, err)
	}
	defer stream.Close()

	plan, err := checkpoint.ResumePlan(cp, ok, streamStart)
	if err != nil {
		return inStage(StepStitch, err)
	}

	// Stitch and stage.
	stitchStart := time.Now()
	i.deps.Reporter.ReportImmediate(progress.Update{RunID: run.ID, TenantID: run.TenantID, Phase: progress.PhaseStitch})
	base := checkpoint.Checkpoint{}
	if ok {
		base = cp
	}
	tracker := checkpoint.NewTracker(i.ckpt, run.ID, base, cfg.Staging.CheckpointEvery)
	writer := staging.NewWriter(i.deps.DB, run.ID, run.TenantID, staging.Options{
		BatchRows:  cfg.Staging.BatchRows,
		BatchBytes: cfg.Staging.BatchBytes,
	})
	writer.OnCommit = func(ctx context.Context, c staging.Commit) error {
		if err := tracker.OnCommit(ctx, c); err != nil {
			return err
		}
		i.deps.Reporter.Report(progress.Update{
			RunID:         run.ID,
			TenantID:      run.TenantID,
			Phase:         progress.PhaseStitch,
			BytesReceived: c.Boundary.Offset,
			RecordsStaged: tracker.Current().CommittedRecords,
		})
		return nil
	}

	stitcher := stitch.New(stitch.Options{
		GroupBudget:    cfg.Stitch.GroupBudget,
		MaxOpenGroups:  cfg.Stitch.MaxOpenGroups,
		LookaheadLines: cfg.Stitch.LookaheadLines,
		MaxLineBytes:   cfg.Stitch.MaxLineBytes,
		RecentParents:  cfg.Stitch.RecentParents,
		ScratchDir:     filepath.Join(runDir, "stitch"),
		StartLine:      plan.StartLine,
		StartOffset:    plan.StartOffset,
	})
	summary, err := stitcher.Run(ctx, stream, writer.HandleRecord)
	report.Stitch = summary
	if err != nil {
		return inStage(StepStitch, err)
	}
	if err := writer.Flush(ctx); err != nil {
		return inStage(StepStitch, err)
	}
	report.Staging = writer.Counters()

	// Deletes need the whole snapshot staged by this run: a complete result
	// read to the end from the top or from this run's own checkpoint.
	report.FullSnapshot = run.OperationType == store.OperationFullSnapshot &&
		source == store.SourceResult && summary.EndOfStream && (offset == 0 || ok)
	if err := tracker.Finish(ctx, report.FullSnapshot); err != nil {
		return inStage(StepStitch, err)
	}
	report.Checkpoint = tracker.Current()
	report.Checkpoints = tracker.Saved()
	report.Counters = Counters{
		BytesProcessed: plan.StartOffset + summary.BytesProcessed,
		TotalLines:     summary.TotalLines,
		ValidLines:     summary.ValidLines,
		InvalidLines:   summary.InvalidLines,
	}

	i.recordStaging(report)
	i.deps.Metrics.AddCheckpoints(tracker.Saved())
	i.deps.Metrics.ObserveStage(StepStitch, time.Since(stitchStart))
	logStep(ctx, i.machine, run, StepStitch, StepCompleted, nil, map[string]any{
		"counters": report.Counters,
		"summary":  summary,
		"staging":  report.Staging,
	})

	// Merge.
	mergeStart := time.Now()
	i.deps.Reporter.ReportImmediate(progress.Update{RunID: run.ID, TenantID: run.TenantID, Phase: progress.PhaseMerge})
	res, err := i.merger.Run(ctx, run.ID, run.TenantID, merge.Options{
		AllowDeletes:   cfg.Merge.AllowDeletes,
		IsFullSnapshot: report.FullSnapshot,
		Analyze:        cfg.Merge.Analyze,
		AnalyzeMinRows: cfg.Merge.AnalyzeMinRows,
		Reindex:        cfg.Merge.Reindex,
	})
	if err != nil {
		return inStage(StepMerge, err)
	}
	report.Merge = res
	for kind, e := range res.Entities {
		i.deps.Metrics.AddMerged(kind, e.Upserted, e.Deleted)
	}
	i.deps.Metrics.ObserveStage(StepMerge, time.Since(mergeStart))
	logStep(ctx, i.machine, run, StepMerge, StepCompleted, nil, res)

	if err := i.machine.Complete(ctx, run.ID); err != nil {
		return inStage(StepMerge, err)
	}
	logStep(ctx, i.machine, run, StepIngest, StepCompleted, nil, report.Counters)

	stream.Close()
	if sp != nil && !keepSpool {
		if err := os.RemoveAll(runDir); err != nil {
			logging.Warn("Removing scratch files for run %s: %v", run.ID, err)
		}
	}
	return nil
}

// download fetches the export into runDir and opens it at offset. An
// export with no result URL has no objects and reads as an empty stream.
func (i *Ingester) download(ctx context.Context, run *store.Run, url, runDir string, offset int64) (io.ReadCloser, int64, *download.Spool, error) {
	if url == "" {
		logging.Info("Run %s has no result file; the export is empty", run.ID)
		return io.NopCloser(strings.NewReader("")), 0, nil, nil
	}

	started := time.Now()
	cfg := i.deps.Config.Download
	i.deps.Reporter.ReportImmediate(progress.Update{RunID: run.ID, TenantID: run.TenantID, Phase: progress.PhaseDownload})
	bar := progress.ForTerminal(i.deps.Config.Progress)
	res, err := i.deps.Fetcher.Fetch(ctx, download.Request{
		URL:            url,
		Dest:           filepath.Join(runDir, "export.jsonl"),
		MaxRetries:     cfg.MaxRetries,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		ResumeFrom:     offset,
		OnProgress: func(received, total int64) {
			bar.Update(received, total)
			i.deps.Reporter.Report(progress.Update{
				RunID:         run.ID,
				TenantID:      run.TenantID,
				Phase:         progress.PhaseDownload,
				BytesReceived: received,
				BytesTotal:    total,
			})
		},
	})
	bar.Finish()
	if err != nil {
		return nil, 0, nil, err
	}
	i.deps.Metrics.AddBytesDownloaded(res.BytesTransferred)
	i.deps.Metrics.ObserveStage(StepDownload, time.Since(started))
	logStep(ctx, i.machine, run, StepDownload, StepCompleted, nil, map[string]any{
		"attempts":         res.Attempts,
		"bytesTransferred": res.BytesTransferred,
		"totalBytes":       res.TotalBytes,
		"resumed":          res.Resumed,
		"reused":           res.Reused,
		"checksumVerified": res.ChecksumVerified,
		"encoding":         res.Encoding,
	})

	sp := res.Spool
	stream, start, err := sp.Open(offset)
	if err != nil {
		return nil, 0, nil, err
	}
	return stream, start, &sp, nil
}

// resumeOffset picks where the stream continues: the checkpoint first, then
// an offset handed over by the trigger, then the run's byte counter.
func resumeOffset(run *store.Run, cp checkpoint.Checkpoint, ok bool) int64 {
	if ok && cp.CommittedBytes > 0 {
		return cp.CommittedBytes
	}
	if ok {
		return 0
	}
	if run.CursorState.Ingest != nil && run.CursorState.Ingest.ResumeFromBytes > 0 {
		return run.CursorState.Ingest.ResumeFromBytes
	}
	return run.BytesProcessed
}

func (i *Ingester) recordStaging(r *Report) {
	s := r.Staging
	kinds := []struct {
		entity string
		c      staging.KindCounts
	}{
		{store.KindProduct, s.Products},
		{store.KindVariant, s.Variants},
		{store.KindMetafield, s.Metafields},
		{store.KindInventoryItem, s.InventoryItems},
		{store.KindInventoryLevel, s.InventoryLevels},
	}
	for _, k := range kinds {
		i.deps.Metrics.AddStaged(k.entity, k.c.Copied-k.c.Invalid, k.c.Invalid)
	}
	i.deps.Metrics.AddQuarantined("late", r.Stitch.LateChildren)
	i.deps.Metrics.AddQuarantined("orphan", r.Stitch.Quarantined()-r.Stitch.LateChildren)
}

// failed records a failed pass on the run and tells the operators.
func (i *Ingester) failed(ctx context.Context, run *store.Run, report *Report, cause error) {
	ctx = context.WithoutCancel(ctx)
	stage := StepIngest
	var se *stageError
	if errors.As(cause, &se) {
		stage = se.stage
	}
	report.Status = store.StatusFailed
	if err := i.machine.Fail(ctx, run.ID, cause); err != nil {
		logging.Error("Marking run %s failed: %v", run.ID, err)
	}
	logStep(ctx, i.machine, run, stage, StepFailed, cause, nil)
	logging.Error("Run %s failed during %s: %v", run.ID, stage, cause)

	i.deps.Metrics.RecordRun(run.OperationType, string(store.StatusFailed))
	i.deps.Metrics.RecordError(stage, string(failure.KindOf(cause)))
	i.deps.Reporter.ReportImmediate(progress.Update{
		RunID:    run.ID,
		TenantID: run.TenantID,
		Phase:    progress.PhaseFailed,
		Error:    cause.Error(),
	})
	if err := i.deps.Notifier.RunFailed(run.ID, run.TenantID, cause, report.Duration); err != nil {
		logging.Warn("Failed to send failure notification: %v", err)
	}
}
