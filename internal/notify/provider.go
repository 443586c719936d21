package notify

import "time"

// RunSummary describes a finished ingestion run.
type RunSummary struct {
	RunID            string
	TenantID         string
	OperationType    string
	StartTime        time.Time
	Duration         time.Duration
	BytesProcessed   int64
	RecordsStaged    int64
	InvalidRecords   int64
	Quarantined      int64
	ProductsUpserted int64
	RowsUpserted     int64
	RowsDeleted      int64
	Resumed          bool
}

// Provider defines the notification contract for run lifecycle events.
type Provider interface {
	// RunStarted sends notification when a run's remote export starts.
	RunStarted(runID, tenantID, operationType string) error

	// RunCompleted sends notification when a run's data is merged.
	RunCompleted(s RunSummary) error

	// RunFailed sends notification when a run is marked failed.
	RunFailed(runID, tenantID string, err error, duration time.Duration) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
