package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTrackerWithoutTerminal(t *testing.T) {
	tr := New(nil)
	tr.Update(100, 0)
	tr.Update(250, 1000)
	if got := tr.Current(); got != 250 {
		t.Errorf("Current() = %d, want 250", got)
	}
	tr.Finish()
}

func TestTrackerDrawsBar(t *testing.T) {
	var out bytes.Buffer
	tr := New(&out)
	tr.Update(0, 2048)
	tr.Update(2048, 2048)
	tr.Finish()
	if !strings.Contains(out.String(), "Downloading export") {
		t.Errorf("bar output = %q", out.String())
	}
}

func TestJSONReporterThrottles(t *testing.T) {
	var out bytes.Buffer
	r := NewJSONReporter(&out, time.Hour)

	r.ReportImmediate(Update{RunID: "r1", Phase: PhaseDownload})
	r.Report(Update{RunID: "r1", Phase: PhaseDownload, BytesReceived: 10})
	r.ReportImmediate(Update{RunID: "r1", Phase: PhaseMerge, ProductsMerged: 3})
	r.Close()
	r.ReportImmediate(Update{RunID: "r1", Phase: PhaseDone})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), out.String())
	}
	var last Update
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("decoding update: %v", err)
	}
	if last.Phase != PhaseMerge || last.ProductsMerged != 3 || last.Timestamp == "" {
		t.Errorf("last update = %+v", last)
	}
}
