package download

import (
	"net/http"
	"testing"
	"time"
)

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		want  time.Duration
		ok    bool
	}{
		{"empty", "", 0, false},
		{"seconds", "7", 7 * time.Second, true},
		{"http date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second, true},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"negative", "-3", 0, false},
		{"garbage", "soon", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := retryAfter(tt.value, now)
			if ok != tt.ok || got != tt.want {
				t.Errorf("retryAfter(%q) = %v, %v; want %v, %v", tt.value, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestJitterBounds(t *testing.T) {
	min, max := 10*time.Millisecond, 80*time.Millisecond
	for attempt := 0; attempt < 8; attempt++ {
		ceiling := min << attempt
		if ceiling > max {
			ceiling = max
		}
		for i := 0; i < 50; i++ {
			d := jitter(min, max, attempt)
			if d < 0 || d > ceiling {
				t.Fatalf("jitter(attempt %d) = %v outside [0, %v]", attempt, d, ceiling)
			}
		}
	}
}

func TestBackoffPrefersRetryAfter(t *testing.T) {
	f := New(time.Millisecond, time.Second)
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"3"}}}
	if got := f.backoff(time.Millisecond, time.Second, 1, resp); got != 3*time.Second {
		t.Errorf("backoff = %v, want 3s", got)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in                string
		start, end, total int64
		ok                bool
	}{
		{"bytes 0-99/100", 0, 99, 100, true},
		{"bytes 50-99/*", 50, 99, -1, true},
		{"bytes */100", 0, 0, 0, false},
		{"items 0-1/2", 0, 0, 0, false},
		{"bytes 9-3/10", 0, 0, 0, false},
	}
	for _, tt := range tests {
		start, end, total, ok := parseContentRange(tt.in)
		if ok != tt.ok || (ok && (start != tt.start || end != tt.end || total != tt.total)) {
			t.Errorf("parseContentRange(%q) = %d,%d,%d,%v", tt.in, start, end, total, ok)
		}
	}
}
