// Package checkpoint records ingestion progress in the run's cursor state.
//
// Checkpoints are versioned on the wire. Version 1 carried record counts
// only; version 2 added the committed byte offset, the committed line count
// and the snapshot flag. Older versions are upgraded on read, taking the
// byte offset from the run's aggregate counter.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
)

// CurrentVersion is the version written by Encode.
const CurrentVersion = 2

// Checkpoint is the upgraded, in-memory form of any wire version.
type Checkpoint struct {
	Version           int
	CommittedRecords  int64
	CommittedProducts int64
	CommittedVariants int64
	CommittedBytes    int64
	CommittedLines    int64
	LastSuccessfulID  string
	LastCommitAt      time.Time
	IsFullSnapshot    bool
	// LinesKnown is false when the source version did not record lines.
	LinesKnown bool
}

// Wire is one encoded checkpoint version.
type Wire interface {
	WireVersion() int
	// Upgrade converts to the current form. runBytes is the run's aggregate
	// byte counter, used where the version lacks an offset.
	Upgrade(runBytes int64) Checkpoint
}

// V1 is the original checkpoint layout.
type V1 struct {
	Version           int    `json:"version"`
	CommittedRecords  int64  `json:"committedRecords"`
	CommittedProducts int64  `json:"committedProducts"`
	CommittedVariants int64  `json:"committedVariants"`
	LastSuccessfulID  string `json:"lastSuccessfulId,omitempty"`
	LastCommitAtISO   string `json:"lastCommitAtIso,omitempty"`
}

func (V1) WireVersion() int { return 1 }

func (v V1) Upgrade(runBytes int64) Checkpoint {
	return Checkpoint{
		Version:           1,
		CommittedRecords:  v.CommittedRecords,
		CommittedProducts: v.CommittedProducts,
		CommittedVariants: v.CommittedVariants,
		CommittedBytes:    runBytes,
		LastSuccessfulID:  v.LastSuccessfulID,
		LastCommitAt:      parseISO(v.LastCommitAtISO),
	}
}

// V2 adds byte and line positions and the snapshot flag.
type V2 struct {
	Version           int    `json:"version"`
	CommittedRecords  int64  `json:"committedRecords"`
	CommittedProducts int64  `json:"committedProducts"`
	CommittedVariants int64  `json:"committedVariants"`
	CommittedBytes    int64  `json:"committedBytes"`
	CommittedLines    int64  `json:"committedLines"`
	LastSuccessfulID  string `json:"lastSuccessfulId,omitempty"`
	LastCommitAtISO   string `json:"lastCommitAtIso,omitempty"`
	IsFullSnapshot    bool   `json:"isFullSnapshot"`
}

func (V2) WireVersion() int { return 2 }

func (v V2) Upgrade(int64) Checkpoint {
	return Checkpoint{
		Version:           2,
		CommittedRecords:  v.CommittedRecords,
		CommittedProducts: v.CommittedProducts,
		CommittedVariants: v.CommittedVariants,
		CommittedBytes:    v.CommittedBytes,
		CommittedLines:    v.CommittedLines,
		LastSuccessfulID:  v.LastSuccessfulID,
		LastCommitAt:      parseISO(v.LastCommitAtISO),
		IsFullSnapshot:    v.IsFullSnapshot,
		LinesKnown:        true,
	}
}

// Decode reads any supported wire version. A missing version means 1.
func Decode(data []byte) (Wire, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	switch probe.Version {
	case 0, 1:
		var v V1
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decoding v1 checkpoint: %w", err)
		}
		return v, nil
	case 2:
		var v V2
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decoding v2 checkpoint: %w", err)
		}
		return v, nil
	default:
		return nil, failure.Invariant(failure.CodeCheckpointVersion,
			"checkpoint version %d is newer than supported version %d", probe.Version, CurrentVersion)
	}
}

// Encode writes c in the current wire version.
func (c Checkpoint) Encode() ([]byte, error) {
	w := V2{
		Version:           CurrentVersion,
		CommittedRecords:  c.CommittedRecords,
		CommittedProducts: c.CommittedProducts,
		CommittedVariants: c.CommittedVariants,
		CommittedBytes:    c.CommittedBytes,
		CommittedLines:    c.CommittedLines,
		LastSuccessfulID:  c.LastSuccessfulID,
		IsFullSnapshot:    c.IsFullSnapshot,
	}
	if !c.LastCommitAt.IsZero() {
		w.LastCommitAtISO = c.LastCommitAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// regressed names the first counter of next that is behind prev, or "".
func regressed(prev, next Checkpoint) string {
	switch {
	case next.CommittedRecords < prev.CommittedRecords:
		return "committedRecords"
	case next.CommittedProducts < prev.CommittedProducts:
		return "committedProducts"
	case next.CommittedVariants < prev.CommittedVariants:
		return "committedVariants"
	case next.CommittedBytes < prev.CommittedBytes:
		return "committedBytes"
	case prev.LinesKnown && next.CommittedLines < prev.CommittedLines:
		return "committedLines"
	}
	return ""
}

func parseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
