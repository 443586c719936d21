package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store/sqlite"
)

func newTestMachine(t *testing.T) (*Machine, store.DB) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func mustRun(t *testing.T, db store.DB, id string) *store.Run {
	t.Helper()
	run, err := store.GetRun(context.Background(), db, id)
	if err != nil {
		t.Fatalf("GetRun %s: %v", id, err)
	}
	return run
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if failure.CodeOf(err) != code {
		t.Fatalf("err = %v, want %s", err, code)
	}
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("shop-a", store.OperationFullSnapshot, "products")
	if a != IdempotencyKey("shop-a", store.OperationFullSnapshot, "products") {
		t.Fatal("key is not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
	for _, other := range []string{
		IdempotencyKey("shop-b", store.OperationFullSnapshot, "products"),
		IdempotencyKey("shop-a", store.OperationIncremental, "products"),
		IdempotencyKey("shop-a", store.OperationFullSnapshot, "inventory"),
		IdempotencyKey("shop-", "afull_snapshot", "products"),
	} {
		if other == a {
			t.Errorf("distinct inputs produced the same key %s", a)
		}
	}
}

func TestDuplicateTriggerReturnsSameRun(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	trig := Trigger{TenantID: "shop-a", OperationType: store.OperationFullSnapshot, QueryType: "products"}

	first, created, err := m.CreateOrResume(ctx, trig)
	if err != nil || !created {
		t.Fatalf("first CreateOrResume: created=%v err=%v", created, err)
	}
	if first.Status != store.StatusPending || first.MaxRetries != DefaultMaxRetries {
		t.Errorf("new run = %+v", first)
	}
	if err := m.Start(ctx, first.ID, RemoteMeta{OperationID: "gid://shopify/BulkOperation/1", APIVersion: "2024-10"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	second, created, err := m.CreateOrResume(ctx, trig)
	if err != nil || created {
		t.Fatalf("second CreateOrResume: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Errorf("second trigger returned run %s, want %s", second.ID, first.ID)
	}

	var active int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM ingest_runs WHERE tenant_id = 'shop-a' AND status IN ('pending','running')`).Scan(&active); err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Errorf("active runs = %d, want 1", active)
	}
}

func TestCreateConvergesOnActiveRun(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	first, _, err := m.CreateOrResume(ctx, Trigger{TenantID: "shop-a", OperationType: store.OperationFullSnapshot})
	if err != nil {
		t.Fatal(err)
	}
	other, created, err := m.CreateOrResume(ctx, Trigger{TenantID: "shop-a", OperationType: store.OperationIncremental})
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}
	if created || other.ID != first.ID {
		t.Errorf("got run %s created=%v, want active run %s", other.ID, created, first.ID)
	}

	// Another tenant is unaffected.
	if _, created, err := m.CreateOrResume(ctx, Trigger{TenantID: "shop-b", OperationType: store.OperationFullSnapshot}); err != nil || !created {
		t.Errorf("shop-b create: created=%v err=%v", created, err)
	}
}

func TestLifecycle(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	run, _, err := m.CreateOrResume(ctx, Trigger{TenantID: "shop-a", OperationType: store.OperationFullSnapshot, ResumeFromBytes: 512})
	if err != nil {
		t.Fatal(err)
	}
	if run.CursorState.Ingest == nil || run.CursorState.Ingest.ResumeFromBytes != 512 {
		t.Errorf("resume offset not recorded: %+v", run.CursorState.Ingest)
	}

	wantCode(t, m.Complete(ctx, run.ID), failure.CodeInvalidTransition)

	if err := m.Start(ctx, run.ID, RemoteMeta{OperationID: "op-1", APIVersion: "2024-10", Status: "CREATED"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	wantCode(t, m.Start(ctx, run.ID, RemoteMeta{OperationID: "op-2"}), failure.CodeInvalidTransition)

	got := mustRun(t, db, run.ID)
	if got.Status != store.StatusRunning || got.RemoteOperationID != "op-1" || got.StartedAt == nil {
		t.Errorf("after Start: %+v", got)
	}
	if got.CursorState.Remote == nil || got.CursorState.Remote.APIVersion != "2024-10" {
		t.Errorf("remote meta = %+v", got.CursorState.Remote)
	}

	if err := m.RecordRemote(ctx, run.ID, store.RemoteState{Status: "COMPLETED", ObjectCount: 42}); err != nil {
		t.Fatalf("RecordRemote: %v", err)
	}
	if err := m.SetResult(ctx, run.ID, "https://example.test/export.jsonl", "", store.SourceResult); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	got = mustRun(t, db, run.ID)
	if got.ResultURL != "https://example.test/export.jsonl" || got.CursorState.Ingest.ResultSource != store.SourceResult {
		t.Errorf("result not recorded: %+v", got)
	}
	if r := got.CursorState.Remote; r.OperationID != "op-1" || r.Status != "COMPLETED" || r.ObjectCount != 42 || r.PolledAt == "" {
		t.Errorf("remote state = %+v", r)
	}
	if got.CursorState.Ingest.ResumeFromBytes != 512 {
		t.Error("cursor updates dropped resumeFromBytes")
	}

	if err := m.Complete(ctx, run.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got = mustRun(t, db, run.ID)
	if got.Status != store.StatusCompleted || got.CompletedAt == nil {
		t.Errorf("after Complete: %+v", got)
	}
	wantCode(t, m.Fail(ctx, run.ID, errors.New("late")), failure.CodeInvalidTransition)
	wantCode(t, m.Complete(ctx, "missing"), failure.CodeRunNotFound)
}

func TestFailRecordsStructuredError(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	run, _, _ := m.CreateOrResume(ctx, Trigger{TenantID: "shop-a", OperationType: store.OperationFullSnapshot})
	if err := m.Start(ctx, run.ID, RemoteMeta{OperationID: "op"}); err != nil {
		t.Fatal(err)
	}

	cause := failure.Integrity(failure.CodeChecksumMismatch, "md5 differs")
	if err := m.Fail(ctx, run.ID, cause); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got := mustRun(t, db, run.ID)
	if got.Status != store.StatusFailed || got.CompletedAt == nil {
		t.Fatalf("after Fail: %+v", got)
	}
	var rec failure.Record
	if err := json.Unmarshal([]byte(got.ErrorMessage), &rec); err != nil {
		t.Fatalf("error_message is not JSON: %q", got.ErrorMessage)
	}
	if rec.Type != string(failure.KindIntegrity) || rec.Code != failure.CodeChecksumMismatch {
		t.Errorf("record = %+v", rec)
	}
}

func TestRetryHonoursLimit(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	run, _, _ := m.CreateOrResume(ctx, Trigger{TenantID: "shop-a", OperationType: store.OperationFullSnapshot, MaxRetries: 1})
	if err := m.Start(ctx, run.ID, RemoteMeta{OperationID: "op"}); err != nil {
		t.Fatal(err)
	}

	wantCode(t, m.Retry(ctx, run.ID), failure.CodeInvalidTransition)

	if err := m.Fail(ctx, run.ID, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if err := m.Retry(ctx, run.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got := mustRun(t, db, run.ID)
	if got.Status != store.StatusRunning || got.RetryCount != 1 || got.ErrorMessage != "" || got.CompletedAt != nil {
		t.Errorf("after Retry: %+v", got)
	}

	if err := m.Fail(ctx, run.ID, errors.New("boom again")); err != nil {
		t.Fatal(err)
	}
	wantCode(t, m.Retry(ctx, run.ID), failure.CodeInvalidTransition)
}

func TestLogStep(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()
	run, _, _ := m.CreateOrResume(ctx, Trigger{TenantID: "shop-a", OperationType: store.OperationFullSnapshot})

	if err := m.LogStep(ctx, run.ID, "shop-a", "download", "completed", nil, map[string]int64{"bytes": 10}); err != nil {
		t.Fatalf("LogStep: %v", err)
	}
	if err := m.LogStep(ctx, run.ID, "shop-a", "merge", "failed", errors.New("boom"), nil); err != nil {
		t.Fatalf("LogStep: %v", err)
	}
	steps, err := store.ListSteps(ctx, db, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[0].Name != "download" || steps[0].Details != `{"bytes":10}` || steps[1].Error != "boom" {
		t.Errorf("steps = %+v", steps)
	}
}
