package staging

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/johndauphine/shopify-bulk-ingest/internal/stitch"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store/sqlite"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "staging.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func rec(kind stitch.Kind, id, parent, raw string, line int64) stitch.Record {
	return stitch.Record{Kind: kind, ID: id, ParentID: parent, Raw: []byte(raw), Pos: stitch.Position{Line: line}}
}

func composite(id string, line int64, children ...stitch.Record) *stitch.Composite {
	c := &stitch.Composite{
		Parent:   rec(stitch.KindProduct, id, "", `{"id":"`+id+`","title":"T `+id+`","handle":"h-`+id+`"}`, line),
		Boundary: stitch.Position{Line: line + int64(len(children)) + 1},
	}
	for _, ch := range children {
		switch ch.Kind {
		case stitch.KindVariant:
			c.Variants = append(c.Variants, ch)
		case stitch.KindMetafield:
			c.Metafields = append(c.Metafields, ch)
		case stitch.KindInventoryItem:
			c.InventoryItems = append(c.InventoryItems, ch)
		case stitch.KindInventoryLevel:
			c.InventoryLevels = append(c.InventoryLevels, ch)
		}
	}
	return c
}

func TestWriterExtractsColumns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := NewWriter(db, "run-1", "shop-a", Options{})

	c := &stitch.Composite{
		Parent: rec(stitch.KindProduct, "P1", "",
			`{"id":"P1","title":"Shirt","handle":"shirt","vendor":"Acme","productType":"Tops","status":"ACTIVE","tags":["a","b"],"updatedAt":"2024-05-01T00:00:00Z"}`, 0),
		Variants:        []stitch.Record{rec(stitch.KindVariant, "V1", "P1", `{"id":"V1","sku":"S-1","title":"Small","price":"19.99","inventoryQuantity":7,"__parentId":"P1"}`, 1)},
		Metafields:      []stitch.Record{rec(stitch.KindMetafield, "M1", "P1", `{"id":"M1","namespace":"custom","key":"fabric","value":"cotton","type":"single_line_text_field","__parentId":"P1"}`, 2)},
		InventoryItems:  []stitch.Record{rec(stitch.KindInventoryItem, "I1", "P1", `{"id":"I1","sku":"S-1","tracked":true,"__parentId":"P1"}`, 3)},
		InventoryLevels: []stitch.Record{rec(stitch.KindInventoryLevel, "L1", "P1", `{"id":"L1","location":{"id":"loc-1"},"quantities":[{"name":"available","quantity":4}],"__parentId":"P1"}`, 4)},
		Boundary:        stitch.Position{Line: 5, Offset: 500},
	}
	if err := w.HandleRecord(ctx, c); err != nil {
		t.Fatalf("HandleRecord: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var title, handle, vendor, tags, status string
	if err := db.QueryRow(ctx, `SELECT title, handle, vendor, tags, validation_status FROM staging_products WHERE external_id = 'P1'`).
		Scan(&title, &handle, &vendor, &tags, &status); err != nil {
		t.Fatalf("reading product: %v", err)
	}
	if diff := cmp.Diff([]string{"Shirt", "shirt", "Acme", "a,b", StatusValid}, []string{title, handle, vendor, tags, status}); diff != "" {
		t.Errorf("product columns (-want +got):\n%s", diff)
	}

	var sku, price, parent string
	var qty int64
	if err := db.QueryRow(ctx, `SELECT sku, price, inventory_quantity, parent_external_id FROM staging_variants WHERE external_id = 'V1'`).
		Scan(&sku, &price, &qty, &parent); err != nil {
		t.Fatalf("reading variant: %v", err)
	}
	if sku != "S-1" || price != "19.99" || qty != 7 || parent != "P1" {
		t.Errorf("variant = %s %s %d %s", sku, price, qty, parent)
	}

	var key, value string
	if err := db.QueryRow(ctx, `SELECT metafield_key, value FROM staging_metafields WHERE external_id = 'M1'`).Scan(&key, &value); err != nil {
		t.Fatalf("reading metafield: %v", err)
	}
	if key != "fabric" || value != "cotton" {
		t.Errorf("metafield = %s=%s", key, value)
	}

	var loc string
	var available int64
	if err := db.QueryRow(ctx, `SELECT location_id, available FROM staging_inventory_levels WHERE external_id = 'L1'`).Scan(&loc, &available); err != nil {
		t.Fatalf("reading level: %v", err)
	}
	if loc != "loc-1" || available != 4 {
		t.Errorf("level = %s %d", loc, available)
	}

	got := w.Counters()
	if got.Copied() != 5 {
		t.Errorf("copied = %d, want 5", got.Copied())
	}
	if got.Products != (KindCounts{Seen: 1, Copied: 1}) {
		t.Errorf("product counts = %+v", got.Products)
	}
}

func TestWriterValidation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := NewWriter(db, "run-1", "shop-a", Options{})

	items := []*stitch.Composite{
		{Parent: rec(stitch.KindProduct, "P1", "", `{"id":"P1","title":"No handle"}`, 0), Boundary: stitch.Position{Line: 1}},
		{
			Parent:   rec(stitch.KindProduct, "", "", `{"title":"No id","handle":"x"}`, 1),
			Variants: []stitch.Record{rec(stitch.KindVariant, "V9", "", `{"id":"V9"}`, 2)},
			Boundary: stitch.Position{Line: 3},
		},
		composite("P2", 3, rec(stitch.KindVariant, "", "P2", `{"sku":"no-id","__parentId":"P2"}`, 4)),
	}
	for _, c := range items {
		if err := w.HandleRecord(ctx, c); err != nil {
			t.Fatalf("HandleRecord: %v", err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var status string
	var reasons sql.NullString
	if err := db.QueryRow(ctx, `SELECT validation_status, validation_errors FROM staging_products WHERE external_id = 'P1'`).
		Scan(&status, &reasons); err != nil {
		t.Fatalf("reading P1: %v", err)
	}
	if status != StatusInvalid || reasons.String != "missing handle" {
		t.Errorf("P1 = %s %q, want invalid with missing handle", status, reasons.String)
	}

	want := Counters{
		Products: KindCounts{Seen: 3, Skipped: 1, Invalid: 1, Copied: 2},
		Variants: KindCounts{Seen: 2, Skipped: 2},
	}
	if diff := cmp.Diff(want, w.Counters()); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
	n, err := store.StagedCount(ctx, db, store.Products, "run-1", "shop-a")
	if err != nil || n != 2 {
		t.Errorf("staged products = %d, %v; want 2", n, err)
	}
}

func TestWriterBatchThreshold(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := NewWriter(db, "run-1", "shop-a", Options{BatchRows: 3})

	var commits []Commit
	w.OnCommit = func(_ context.Context, c Commit) error {
		commits = append(commits, c)
		return nil
	}

	first := composite("P1", 0, rec(stitch.KindVariant, "V1", "P1", `{"id":"V1"}`, 1))
	second := composite("P2", 2, rec(stitch.KindVariant, "V2", "P2", `{"id":"V2"}`, 3))
	third := composite("P3", 4)
	for _, c := range []*stitch.Composite{first, second, third} {
		if err := w.HandleRecord(ctx, c); err != nil {
			t.Fatalf("HandleRecord: %v", err)
		}
	}

	want := []Commit{{Seq: 1, Boundary: second.Boundary, LastParentID: "P2", Products: 2, Variants: 2, Records: 4}}
	if diff := cmp.Diff(want, commits); diff != "" {
		t.Fatalf("commits after threshold (-want +got):\n%s", diff)
	}
	if got := w.Counters().Products.Buffered; got != 1 {
		t.Errorf("buffered products = %d, want 1", got)
	}

	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits, want 2", len(commits))
	}
	if diff := cmp.Diff(Commit{Seq: 2, Boundary: third.Boundary, LastParentID: "P3", Products: 1, Records: 1}, commits[1]); diff != "" {
		t.Errorf("final commit (-want +got):\n%s", diff)
	}
}

func TestWriterCommitErrorPropagates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := NewWriter(db, "run-1", "shop-a", Options{})
	boom := errors.New("boom")
	w.OnCommit = func(context.Context, Commit) error { return boom }

	if err := w.HandleRecord(ctx, composite("P1", 0)); err != nil {
		t.Fatalf("HandleRecord: %v", err)
	}
	if err := w.Flush(ctx); !errors.Is(err, boom) {
		t.Fatalf("Flush err = %v, want boom", err)
	}
	// The rows themselves were committed before the callback ran.
	n, err := store.StagedCount(ctx, db, store.Products, "run-1", "shop-a")
	if err != nil || n != 1 {
		t.Errorf("staged products = %d, %v; want 1", n, err)
	}
}

func TestScalarText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"19.99"`, "19.99"},
		{`19.5`, "19.5"},
		{`null`, ""},
		{``, ""},
		{`true`, "true"},
		{`{"amount":"1"}`, `{"amount":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := scalarText([]byte(tt.raw)); got != tt.want {
				t.Errorf("scalarText(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestJoinTags(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`["a","b","c"]`, "a,b,c"},
		{`"a, b"`, "a, b"},
		{`[]`, ""},
		{`null`, ""},
		{`42`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := joinTags([]byte(tt.raw)); got != tt.want {
				t.Errorf("joinTags(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
