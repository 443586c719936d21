package jobs

import (
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/checkpoint"
	"github.com/johndauphine/shopify-bulk-ingest/internal/merge"
	"github.com/johndauphine/shopify-bulk-ingest/internal/staging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/stitch"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
)

// Counters are the stream counters reported back to the scheduler. Line
// counts cover this pass; BytesProcessed is the decoded stream offset the
// pass ended at.
type Counters struct {
	BytesProcessed int64 `json:"bytesProcessed"`
	TotalLines     int64 `json:"totalLines"`
	ValidLines     int64 `json:"validLines"`
	InvalidLines   int64 `json:"invalidLines"`
}

// Report is the result of one ingestion pass, aggregated from the result
// each stage returned.
type Report struct {
	RunID        string                `json:"runId"`
	TenantID     string                `json:"tenantId"`
	Status       store.RunStatus       `json:"status"`
	Source       string                `json:"source,omitempty"`
	Counters     Counters              `json:"counters"`
	Stitch       stitch.Summary        `json:"stitch"`
	Staging      staging.Counters      `json:"staging"`
	Merge        *merge.Result         `json:"merge,omitempty"`
	Checkpoint   checkpoint.Checkpoint `json:"checkpoint"`
	Checkpoints  int                   `json:"checkpointsSaved"`
	Resumed      bool                  `json:"resumed"`
	FullSnapshot bool                  `json:"fullSnapshot"`
	// AlreadyCompleted is set when the run had completed before this call.
	AlreadyCompleted bool          `json:"alreadyCompleted,omitempty"`
	Duration         time.Duration `json:"duration"`
}

func (r *Report) invalidRecords() int64 {
	s := r.Staging
	return s.Products.Invalid + s.Variants.Invalid + s.Metafields.Invalid + s.InventoryItems.Invalid + s.InventoryLevels.Invalid
}
