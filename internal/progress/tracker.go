// Package progress renders download progress on a terminal and emits JSON
// phase updates for automation.
package progress

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Tracker tracks export download progress
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int64
	current   atomic.Int64
	startTime time.Time
}

// New creates a tracker that draws a bar on out. A nil out draws nothing.
func New(out io.Writer) *Tracker {
	return &Tracker{out: out, startTime: time.Now()}
}

// ForTerminal returns a tracker drawing on stderr when enabled and stderr is
// a terminal, otherwise a tracker that only counts.
func ForTerminal(enabled bool) *Tracker {
	if enabled && term.IsTerminal(int(os.Stderr.Fd())) {
		return New(os.Stderr)
	}
	return New(nil)
}

// Update reports received of total bytes. It matches the download
// progress callback, so total may be unknown (<= 0) until headers arrive.
func (t *Tracker) Update(received, total int64) {
	t.current.Store(received)
	if t.out == nil {
		return
	}
	if t.bar == nil || (total > 0 && total != t.total) {
		t.start(total)
	}
	t.bar.Set64(received)
}

func (t *Tracker) start(total int64) {
	if total <= 0 {
		total = -1
	}
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription("Downloading export"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Current returns the bytes received so far
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish marks the download as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
		io.WriteString(t.out, "\n")
	}

	elapsed := time.Since(t.startTime)
	rate := float64(t.current.Load()) / max(elapsed.Seconds(), 0.001)
	logging.Debug("Download progress: %d bytes in %s (%.0f bytes/sec)",
		t.current.Load(), elapsed.Round(time.Millisecond), rate)
}
