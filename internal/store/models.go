package store

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Active reports whether the status counts toward the one-active-run-per-tenant rule.
func (s RunStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether no further transitions (other than retry) apply.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation types.
const (
	OperationFullSnapshot   = "full_snapshot"
	OperationIncremental    = "incremental"
	OperationMutationResult = "mutation_result"
)

// Result sources recorded once the remote operation settles.
const (
	SourceResult      = "result"
	SourcePartialData = "partialDataUrl"
)

// Run is one bulk-export attempt for one tenant.
type Run struct {
	ID                string
	TenantID          string
	Status            RunStatus
	OperationType     string
	QueryType         string
	IdempotencyKey    string
	RemoteOperationID string
	RetryCount        int
	MaxRetries        int
	ResultURL         string
	PartialDataURL    string
	CursorState       CursorState
	BytesProcessed    int64
	RecordsProcessed  int64
	ErrorMessage      string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// CursorState is the JSON document kept on the run for resumable progress.
type CursorState struct {
	Ingest *IngestState `json:"ingest,omitempty"`
	Remote *RemoteState `json:"remote,omitempty"`
}

// IngestState holds the ingestion job's progress.
type IngestState struct {
	Checkpoint      json.RawMessage `json:"checkpoint,omitempty"`
	ResultSource    string          `json:"resultSource,omitempty"`
	Resumes         int             `json:"resumes,omitempty"`
	ResumeFromBytes int64           `json:"resumeFromBytes,omitempty"`
}

// RemoteState mirrors the remote bulk operation.
type RemoteState struct {
	OperationID string `json:"operationId,omitempty"`
	APIVersion  string `json:"apiVersion,omitempty"`
	QueryType   string `json:"queryType,omitempty"`
	Status      string `json:"status,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ObjectCount int64  `json:"objectCount,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	PolledAt    string `json:"polledAt,omitempty"`
}

// Marshal encodes the cursor state for storage.
func (c CursorState) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Step is an audit entry appended by a stage.
type Step struct {
	ID        int64
	RunID     string
	TenantID  string
	Name      string
	Status    string
	Error     string
	Details   string
	CreatedAt time.Time
}
