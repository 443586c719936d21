package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/bulkapi"
	"github.com/johndauphine/shopify-bulk-ingest/internal/config"
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/progress"
	"github.com/johndauphine/shopify-bulk-ingest/internal/runstate"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store/sqlite"
)

const tenant = "shop-a"

type fakeAPI struct {
	mu       sync.Mutex
	queries  []string
	ops      map[string]bulkapi.Operation
	startErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{ops: make(map[string]bulkapi.Operation)}
}

func (f *fakeAPI) StartBulkQuery(_ context.Context, _, query string) (bulkapi.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return bulkapi.Operation{}, f.startErr
	}
	f.queries = append(f.queries, query)
	op := bulkapi.Operation{ID: fmt.Sprintf("gid://shopify/BulkOperation/%d", len(f.queries)), Status: bulkapi.StatusCreated}
	f.ops[op.ID] = op
	return op, nil
}

func (f *fakeAPI) Operation(_ context.Context, _, id string) (bulkapi.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return bulkapi.Operation{}, failure.Remote(failure.CodeRemoteFailed, "bulk operation %s not found", id)
	}
	return op, nil
}

func (f *fakeAPI) set(op bulkapi.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op.ID] = op
}

func (f *fakeAPI) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type harness struct {
	cfg  *config.Config
	db   store.DB
	api  *fakeAPI
	deps Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Download.ScratchDir = t.TempDir()
	cfg.Download.BackoffMin = time.Millisecond
	cfg.Download.BackoffMax = 5 * time.Millisecond
	cfg.Download.MaxRetries = 1
	cfg.Staging.BatchRows = 4
	cfg.Staging.CheckpointEvery = 1
	cfg.Merge.AllowDeletes = true

	api := newFakeAPI()
	return &harness{cfg: cfg, db: db, api: api, deps: Deps{Config: cfg, DB: db, API: api}}
}

// export renders n products, each with two variants and a metafield, and
// one trailing variant whose product is missing.
func export(n int) []byte {
	var b bytes.Buffer
	for i := 1; i <= n; i++ {
		pid := fmt.Sprintf("gid://shopify/Product/%d", i)
		fmt.Fprintf(&b, `{"id":%q,"title":"Product %d","handle":"product-%d","vendor":"Acme"}`+"\n", pid, i, i)
		for v := 1; v <= 2; v++ {
			fmt.Fprintf(&b, `{"id":"gid://shopify/ProductVariant/%d%d","sku":"SKU-%d-%d","price":"9.99","__parentId":%q}`+"\n", i, v, i, v, pid)
		}
		fmt.Fprintf(&b, `{"id":"gid://shopify/Metafield/%d","namespace":"custom","key":"color","value":"red","__parentId":%q}`+"\n", i, pid)
	}
	b.WriteString(`{"id":"gid://shopify/ProductVariant/999","sku":"ORPHAN","__parentId":"gid://shopify/Product/404"}` + "\n")
	return b.Bytes()
}

func serveExport(t *testing.T, body []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "export.jsonl", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func (h *harness) trigger(t *testing.T, op string) *store.Run {
	t.Helper()
	run, err := NewOrchestrator(h.deps).Trigger(context.Background(), runstate.Trigger{TenantID: tenant, OperationType: op})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	return run
}

// ready triggers a run and completes its remote operation with url.
func (h *harness) ready(t *testing.T, url string) *store.Run {
	t.Helper()
	run := h.trigger(t, store.OperationFullSnapshot)
	h.api.set(bulkapi.Operation{ID: run.RemoteOperationID, Status: bulkapi.StatusCompleted, URL: url, ObjectCount: 10})
	res, err := NewPoller(h.deps).Poll(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !res.Ready {
		t.Fatalf("poll result = %+v, want ready", res)
	}
	return run
}

func (h *harness) count(t *testing.T, e store.Entity) int64 {
	t.Helper()
	n, err := store.CanonicalCount(context.Background(), h.db, e, tenant)
	if err != nil {
		t.Fatalf("CanonicalCount %s: %v", e.CanonicalTable, err)
	}
	return n
}

func (h *harness) run(t *testing.T, id string) *store.Run {
	t.Helper()
	run, err := store.GetRun(context.Background(), h.db, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

func TestTriggerStartsRemoteOperationOnce(t *testing.T) {
	h := newHarness(t)
	first := h.trigger(t, store.OperationFullSnapshot)
	if first.Status != store.StatusRunning || first.RemoteOperationID == "" {
		t.Fatalf("run = %s/%q, want running with an operation id", first.Status, first.RemoteOperationID)
	}
	second := h.trigger(t, store.OperationFullSnapshot)
	if second.ID != first.ID {
		t.Errorf("duplicate trigger created run %s, want %s", second.ID, first.ID)
	}
	if n := h.api.started(); n != 1 {
		t.Errorf("bulk queries started = %d, want 1", n)
	}
	if !strings.Contains(h.api.queries[0], "products") {
		t.Errorf("query = %s", h.api.queries[0])
	}
}

func TestTriggerFailsRunWhenQueryRejected(t *testing.T) {
	h := newHarness(t)
	h.api.startErr = failure.Remote(failure.CodeRemoteUserError, "bulk query rejected: already running")

	_, err := NewOrchestrator(h.deps).Trigger(context.Background(), runstate.Trigger{TenantID: tenant, OperationType: store.OperationFullSnapshot})
	if failure.CodeOf(err) != failure.CodeRemoteUserError {
		t.Fatalf("err = %v, want remote_user_error", err)
	}
	runs, err := store.ListRuns(context.Background(), h.db, tenant, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %d runs, %v", len(runs), err)
	}
	if runs[0].Status != store.StatusFailed || !strings.Contains(runs[0].ErrorMessage, "remote_user_error") {
		t.Errorf("run = %s %q", runs[0].Status, runs[0].ErrorMessage)
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name       string
		op         bulkapi.Operation
		wantReady  bool
		wantFailed bool
		wantSource string
		wantStatus store.RunStatus
	}{
		{"running", bulkapi.Operation{Status: bulkapi.StatusRunning}, false, false, "", store.StatusRunning},
		{"completed", bulkapi.Operation{Status: bulkapi.StatusCompleted, URL: "https://files/result"}, true, false, store.SourceResult, store.StatusRunning},
		{"failed with partial data", bulkapi.Operation{Status: bulkapi.StatusFailed, ErrorCode: "TIMEOUT", PartialDataURL: "https://files/partial"}, true, false, store.SourcePartialData, store.StatusRunning},
		{"failed", bulkapi.Operation{Status: bulkapi.StatusFailed, ErrorCode: "ACCESS_DENIED"}, false, true, "", store.StatusFailed},
		{"expired", bulkapi.Operation{Status: bulkapi.StatusExpired}, false, true, "", store.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			run := h.trigger(t, store.OperationFullSnapshot)
			tt.op.ID = run.RemoteOperationID
			h.api.set(tt.op)

			p := NewPoller(h.deps)
			res, err := p.Poll(context.Background(), run.ID)
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if res.Ready != tt.wantReady || res.Failed != tt.wantFailed || res.Source != tt.wantSource {
				t.Errorf("result = %+v", res)
			}
			got := h.run(t, run.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.CursorState.Remote == nil || got.CursorState.Remote.Status != tt.op.Status {
				t.Errorf("remote state = %+v", got.CursorState.Remote)
			}

			// A settled result is answered from the run record.
			h.api.set(bulkapi.Operation{ID: run.RemoteOperationID, Status: bulkapi.StatusCanceled})
			again, err := p.Poll(context.Background(), run.ID)
			if tt.wantReady && (err != nil || again.Source != tt.wantSource) {
				t.Errorf("second poll = %+v, %v", again, err)
			}
		})
	}
}

func TestWaitStopsWhenReady(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(t, store.OperationFullSnapshot)
	h.api.set(bulkapi.Operation{ID: run.RemoteOperationID, Status: bulkapi.StatusCompleted, URL: "https://files/result"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := NewPoller(h.deps).Wait(ctx, run.ID, time.Millisecond)
	if err != nil || !res.Ready || res.URL != "https://files/result" {
		t.Fatalf("Wait = %+v, %v", res, err)
	}
}

func TestIngestEndToEnd(t *testing.T) {
	h := newHarness(t)
	run := h.ready(t, serveExport(t, export(5)))

	report, err := NewIngester(h.deps).Ingest(context.Background(), IngestRequest{RunID: run.ID})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	want := Counters{BytesProcessed: int64(len(export(5))), TotalLines: 21, ValidLines: 21}
	if report.Counters != want {
		t.Errorf("counters = %+v, want %+v", report.Counters, want)
	}
	if report.Stitch.ProductsSeen != 5 || report.Stitch.VariantsEmitted != 10 || report.Stitch.VariantsQuarantined != 1 {
		t.Errorf("stitch summary = %+v", report.Stitch)
	}
	if !report.FullSnapshot || report.Resumed {
		t.Errorf("fullSnapshot=%v resumed=%v", report.FullSnapshot, report.Resumed)
	}
	if report.Checkpoint.CommittedProducts != 5 || report.Checkpoints == 0 {
		t.Errorf("checkpoint = %+v (%d saved)", report.Checkpoint, report.Checkpoints)
	}

	if got := h.count(t, store.Products); got != 5 {
		t.Errorf("canonical products = %d, want 5", got)
	}
	if got := h.count(t, store.Variants); got != 10 {
		t.Errorf("canonical variants = %d, want 10", got)
	}
	if got := h.count(t, store.Metafields); got != 5 {
		t.Errorf("canonical metafields = %d, want 5", got)
	}

	final := h.run(t, run.ID)
	if final.Status != store.StatusCompleted || final.BytesProcessed != want.BytesProcessed {
		t.Errorf("run = %s, %d bytes", final.Status, final.BytesProcessed)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.Download.ScratchDir, "runs", run.ID)); !os.IsNotExist(err) {
		t.Errorf("scratch dir should be removed, stat err = %v", err)
	}

	steps, err := store.ListSteps(context.Background(), h.db, run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	var names []string
	for _, s := range steps {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "trigger,poll,download,stitch,merge,ingest" {
		t.Errorf("steps = %s", got)
	}

	again, err := NewIngester(h.deps).Ingest(context.Background(), IngestRequest{RunID: run.ID})
	if err != nil || !again.AlreadyCompleted {
		t.Errorf("re-ingest = %+v, %v", again, err)
	}

	// The next incremental export starts where this run started.
	h.trigger(t, store.OperationIncremental)
	if q := h.api.queries[len(h.api.queries)-1]; !strings.Contains(q, "updated_at:>") {
		t.Errorf("incremental query has no cutoff: %s", q)
	}
}

// cancelAfter cancels the pass after n staging commits have reported.
type cancelAfter struct {
	progress.NullReporter
	mu      sync.Mutex
	n       int
	commits int
	cancel  context.CancelFunc
}

func (c *cancelAfter) Report(u progress.Update) {
	if u.Phase != progress.PhaseStitch {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	if c.commits == c.n {
		c.cancel()
	}
}

func TestIngestResumesAfterInterruption(t *testing.T) {
	h := newHarness(t)
	const products = 8
	run := h.ready(t, serveExport(t, export(products)))

	ctx, cancel := context.WithCancel(context.Background())
	interrupted := h.deps
	interrupted.Reporter = &cancelAfter{n: 3, cancel: cancel}
	_, err := NewIngester(interrupted).Ingest(ctx, IngestRequest{RunID: run.ID})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("first pass err = %v, want context.Canceled", err)
	}
	failed := h.run(t, run.ID)
	if failed.Status != store.StatusFailed || failed.BytesProcessed == 0 {
		t.Fatalf("after interruption run = %s with %d bytes", failed.Status, failed.BytesProcessed)
	}

	report, err := NewIngester(h.deps).Ingest(context.Background(), IngestRequest{RunID: run.ID})
	if err != nil {
		t.Fatalf("resumed pass: %v", err)
	}
	if !report.Resumed || !report.FullSnapshot {
		t.Errorf("resumed=%v fullSnapshot=%v", report.Resumed, report.FullSnapshot)
	}
	if report.Stitch.ProductsSeen >= products {
		t.Errorf("resumed pass saw %d products, want fewer than %d", report.Stitch.ProductsSeen, products)
	}
	if report.Counters.BytesProcessed != int64(len(export(products))) {
		t.Errorf("bytes processed = %d, want %d", report.Counters.BytesProcessed, len(export(products)))
	}
	if got := h.count(t, store.Products); got != products {
		t.Errorf("canonical products = %d, want %d", got, products)
	}
	if got := h.count(t, store.Variants); got != 2*products {
		t.Errorf("canonical variants = %d, want %d", got, 2*products)
	}

	final := h.run(t, run.ID)
	if final.Status != store.StatusCompleted || final.RetryCount != 1 {
		t.Errorf("run = %s retry %d", final.Status, final.RetryCount)
	}
}

func TestIngestPartialDataNeverDeletes(t *testing.T) {
	h := newHarness(t)

	full := h.ready(t, serveExport(t, export(4)))
	if _, err := NewIngester(h.deps).Ingest(context.Background(), IngestRequest{RunID: full.ID}); err != nil {
		t.Fatalf("full ingest: %v", err)
	}

	partial, err := NewOrchestrator(h.deps).Trigger(context.Background(), runstate.Trigger{
		TenantID: tenant, OperationType: store.OperationFullSnapshot, IdempotencyKey: "second-snapshot",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.api.set(bulkapi.Operation{
		ID: partial.RemoteOperationID, Status: bulkapi.StatusFailed, ErrorCode: "TIMEOUT",
		PartialDataURL: serveExport(t, export(2)),
	})
	if _, err := NewPoller(h.deps).Poll(context.Background(), partial.ID); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	report, err := NewIngester(h.deps).Ingest(context.Background(), IngestRequest{RunID: partial.ID})
	if err != nil {
		t.Fatalf("partial ingest: %v", err)
	}
	if report.FullSnapshot || report.Merge.DeletesApplied {
		t.Errorf("partial data treated as full snapshot: %+v", report.Merge)
	}
	if got := h.count(t, store.Products); got != 4 {
		t.Errorf("canonical products = %d, want 4", got)
	}
}

func TestIngestRejectsRunWithoutResult(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(t, store.OperationFullSnapshot)
	_, err := NewIngester(h.deps).Ingest(context.Background(), IngestRequest{RunID: run.ID})
	if failure.CodeOf(err) != failure.CodeInvalidTransition {
		t.Fatalf("err = %v, want invalid_transition", err)
	}
	if got := h.run(t, run.ID); got.Status != store.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}
