package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
)

// Phases reported by the ingestion job.
const (
	PhaseDownload = "download"
	PhaseStitch   = "stitch"
	PhaseMerge    = "merge"
	PhaseDone     = "completed"
	PhaseFailed   = "failed"
)

// Update is a JSON progress update for automation.
type Update struct {
	Timestamp      string `json:"timestamp"`
	RunID          string `json:"run_id"`
	TenantID       string `json:"tenant_id"`
	Phase          string `json:"phase"`
	BytesReceived  int64  `json:"bytes_received,omitempty"`
	BytesTotal     int64  `json:"bytes_total,omitempty"`
	RecordsStaged  int64  `json:"records_staged,omitempty"`
	ProductsMerged int64  `json:"products_merged,omitempty"`
	Quarantined    int64  `json:"quarantined,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update Update)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update Update)
	// Close cleans up any resources
	Close()
}

// JSONReporter writes one JSON object per line, typically to stderr.
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a JSON reporter emitting at most one throttled
// update per interval.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{writer: writer, interval: interval}
}

// Report emits update unless one was emitted less than interval ago.
func (r *JSONReporter) Report(update Update) {
	r.emit(update, true)
}

// ReportImmediate emits update regardless of throttling. Use it for phase
// changes.
func (r *JSONReporter) ReportImmediate(update Update) {
	r.emit(update, false)
}

func (r *JSONReporter) emit(update Update, throttle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if throttle && r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	if update.Timestamp == "" {
		update.Timestamp = now.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

func (NullReporter) Report(Update)          {}
func (NullReporter) ReportImmediate(Update) {}
func (NullReporter) Close()                 {}
