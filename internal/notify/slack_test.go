package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/config"
)

func capture(t *testing.T, status int) (*Notifier, *[]SlackMessage) {
	t.Helper()
	var got []SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decoding webhook body: %v", err)
		}
		got = append(got, msg)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#ingest"}), &got
}

func fieldValue(msg SlackMessage, title string) (string, bool) {
	for _, a := range msg.Attachments {
		for _, f := range a.Fields {
			if f.Title == title {
				return f.Value, true
			}
		}
	}
	return "", false
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n := New(nil)
	if n.IsEnabled() {
		t.Fatal("nil config should disable notifications")
	}
	if err := n.RunFailed("r1", "t1", errors.New("boom"), time.Second); err != nil {
		t.Errorf("RunFailed: %v", err)
	}
}

func TestRunCompleted(t *testing.T) {
	n, got := capture(t, http.StatusOK)
	err := n.RunCompleted(RunSummary{
		RunID:            "r1",
		TenantID:         "t1",
		OperationType:    "full_snapshot",
		StartTime:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:         90 * time.Second,
		BytesProcessed:   123456,
		RecordsStaged:    1500,
		ProductsUpserted: 1200,
		RowsUpserted:     1400,
		Quarantined:      2,
	})
	if err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("got %d messages, want 1", len(*got))
	}
	msg := (*got)[0]
	if msg.Channel != "#ingest" || msg.IconEmoji != ":warning:" {
		t.Errorf("channel/icon = %q/%q", msg.Channel, msg.IconEmoji)
	}
	tests := map[string]string{
		"Duration":    "1m 30s",
		"Bytes":       "123,456",
		"Quarantined": "2",
		"Started":     "2026-01-02 03:04:05 UTC",
	}
	for title, want := range tests {
		if v, ok := fieldValue(msg, title); !ok || v != want {
			t.Errorf("field %s = %q, want %q", title, v, want)
		}
	}
	if _, ok := fieldValue(msg, "Rows Deleted"); ok {
		t.Error("Rows Deleted should be omitted when zero")
	}
}

func TestRunFailedReportsWebhookStatus(t *testing.T) {
	n, got := capture(t, http.StatusInternalServerError)
	if err := n.RunFailed("r1", "t1", errors.New("checksum mismatch"), time.Minute); err == nil {
		t.Fatal("expected error for non-200 webhook response")
	}
	if v, _ := fieldValue((*got)[0], "Error"); v != "checksum mismatch" {
		t.Errorf("Error field = %q", v)
	}
}

func TestFormatting(t *testing.T) {
	numbers := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}
	for _, tt := range numbers {
		if got := formatNumberWithCommas(tt.in); got != tt.want {
			t.Errorf("formatNumberWithCommas(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := formatDuration(3723 * time.Second); got != "1h 2m 3s" {
		t.Errorf("formatDuration = %q", got)
	}
}
