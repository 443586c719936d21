// Package jobs holds the handlers the external job scheduler invokes: one
// to trigger a bulk export, one to poll it, and one to ingest its result.
//
// The scheduler owns concurrency and fairness; every handler is safe to
// re-invoke for the same run.
package jobs

import (
	"context"

	"github.com/johndauphine/shopify-bulk-ingest/internal/bulkapi"
	"github.com/johndauphine/shopify-bulk-ingest/internal/config"
	"github.com/johndauphine/shopify-bulk-ingest/internal/download"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/metrics"
	"github.com/johndauphine/shopify-bulk-ingest/internal/notify"
	"github.com/johndauphine/shopify-bulk-ingest/internal/progress"
	"github.com/johndauphine/shopify-bulk-ingest/internal/runstate"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// BulkAPI is the part of the remote API the jobs use.
type BulkAPI interface {
	StartBulkQuery(ctx context.Context, tenantID, query string) (bulkapi.Operation, error)
	Operation(ctx context.Context, tenantID, id string) (bulkapi.Operation, error)
}

var _ BulkAPI = (*bulkapi.Client)(nil)

// Deps are the collaborators shared by the handlers. Config, DB and API are
// required; the rest default to no-ops.
type Deps struct {
	Config   *config.Config
	DB       store.DB
	API      BulkAPI
	Fetcher  *download.Fetcher
	Notifier notify.Provider
	Metrics  *metrics.Metrics
	Reporter progress.Reporter
}

func (d Deps) withDefaults() Deps {
	if d.Fetcher == nil {
		d.Fetcher = download.New(d.Config.Download.BackoffMin, d.Config.Download.BackoffMax)
	}
	if d.Notifier == nil {
		d.Notifier = notify.New(nil)
	}
	if d.Reporter == nil {
		d.Reporter = progress.NullReporter{}
	}
	return d
}

// Step names recorded in the run's audit log.
const (
	StepTrigger  = "trigger"
	StepPoll     = "poll"
	StepDownload = "download"
	StepStitch   = "stitch"
	StepMerge    = "merge"
	StepIngest   = "ingest"
)

// Step statuses.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// logStep appends an audit step. Audit failures are logged, never returned.
func logStep(ctx context.Context, m *runstate.Machine, run *store.Run, step, status string, stepErr error, details any) {
	if err := m.LogStep(context.WithoutCancel(ctx), run.ID, run.TenantID, step, status, stepErr, details); err != nil {
		logging.Warn("Recording %s step for run %s: %v", step, run.ID, err)
	}
}
