package store

import (
	"testing"
	"time"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"SELECT '?' , ?", "SELECT '?' , $1"},
		{"UPDATE t SET s = 'it''s ?' WHERE id = ?", "UPDATE t SET s = 'it''s ?' WHERE id = $1"},
	}
	for _, tt := range tests {
		if got := Rebind(tt.in); got != tt.want {
			t.Errorf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Placeholders(3); got != "?, ?, ?" {
		t.Errorf("Placeholders(3) = %q", got)
	}
	if got := Placeholders(0); got != "" {
		t.Errorf("Placeholders(0) = %q", got)
	}
}

func TestNullTimeScan(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)

	tests := []struct {
		name  string
		src   any
		valid bool
	}{
		{"nil", nil, false},
		{"time", want, true},
		{"layout string", FormatTime(want), true},
		{"rfc3339 bytes", []byte(want.Format(time.RFC3339Nano)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n NullTime
			if err := n.Scan(tt.src); err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if n.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v", n.Valid, tt.valid)
			}
			if tt.valid && !n.Time.Equal(want) {
				t.Errorf("Time = %v, want %v", n.Time, want)
			}
		})
	}

	var n NullTime
	if err := n.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC))
	b := FormatTime(time.Date(2024, 1, 1, 0, 0, 5, 500000000, time.UTC))
	if !(a < b) {
		t.Errorf("%q should sort before %q", a, b)
	}
}

func TestStagingColumns(t *testing.T) {
	cols := Variants.StagingColumns()
	if cols[3] != "parent_external_id" {
		t.Errorf("child staging columns should carry parent_external_id, got %v", cols)
	}
	for _, c := range Products.StagingColumns() {
		if c == "parent_external_id" {
			t.Error("parent staging columns should not carry parent_external_id")
		}
	}
	if e, ok := EntityFor(KindInventoryLevel); !ok || e.StagingTable != "staging_inventory_levels" {
		t.Errorf("EntityFor(inventory_level) = %+v, %v", e, ok)
	}
	if _, ok := EntityFor("collection"); ok {
		t.Error("unknown kind should not resolve")
	}
}
