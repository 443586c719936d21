package checkpoint

import (
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
)

// Plan positions a stitching pass relative to a checkpoint.
type Plan struct {
	// StartLine and StartOffset describe where the stream already is.
	StartLine   int64
	StartOffset int64
	Resumed     bool
}

// ResumePlan decides how to continue from cp given the decoded offset the
// stream actually starts at. With no checkpoint the stream is taken as is;
// with one, the stream must start exactly at the committed offset.
func ResumePlan(cp Checkpoint, ok bool, streamStart int64) (Plan, error) {
	if !ok || (cp.CommittedBytes == 0 && cp.CommittedLines == 0) {
		return Plan{StartOffset: streamStart}, nil
	}
	if streamStart != cp.CommittedBytes {
		return Plan{}, failure.Invariant(failure.CodeResumeMismatch,
			"stream starts at byte %d but the checkpoint is at byte %d", streamStart, cp.CommittedBytes)
	}
	return Plan{StartLine: cp.CommittedLines, StartOffset: streamStart, Resumed: true}, nil
}
