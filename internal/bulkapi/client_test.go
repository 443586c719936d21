package bulkapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
)

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	creds := StaticCredentials{"t1": {AccessToken: "secret", Endpoint: srv.URL}}
	return New(creds, Options{RequestsPerSecond: 1000, Burst: 10, Timeout: time.Second, MaxRetries: 2})
}

func decodeRequest(t *testing.T, r *http.Request) gqlRequest {
	t.Helper()
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decoding request: %v", err)
	}
	return req
}

func TestStartBulkQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Shopify-Access-Token"); got != "secret" {
			t.Errorf("token header = %q", got)
		}
		req := decodeRequest(t, r)
		if !strings.Contains(req.Query, "bulkOperationRunQuery") {
			t.Errorf("query = %q", req.Query)
		}
		if req.Variables["query"] != "{ products { edges { node { id } } } }" {
			t.Errorf("variables = %v", req.Variables)
		}
		w.Write([]byte(`{"data":{"bulkOperationRunQuery":{"bulkOperation":{"id":"gid://shopify/BulkOperation/1","status":"CREATED"},"userErrors":[]}}}`))
	})

	op, err := c.StartBulkQuery(context.Background(), "t1", "{ products { edges { node { id } } } }")
	if err != nil {
		t.Fatalf("StartBulkQuery: %v", err)
	}
	want := Operation{ID: "gid://shopify/BulkOperation/1", Status: StatusCreated}
	if diff := cmp.Diff(want, op); diff != "" {
		t.Errorf("operation mismatch (-want +got):\n%s", diff)
	}
}

func TestStartBulkQueryUserErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"bulkOperationRunQuery":{"bulkOperation":null,"userErrors":[{"field":["query"],"message":"A bulk query operation is already in progress"}]}}}`))
	})

	_, err := c.StartBulkQuery(context.Background(), "t1", "{}")
	if failure.CodeOf(err) != failure.CodeRemoteUserError {
		t.Fatalf("err = %v, want remote_user_error", err)
	}
	if !strings.Contains(err.Error(), "query: A bulk query operation is already in progress") {
		t.Errorf("err = %v", err)
	}
}

func TestOperation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if req.Variables["id"] != "gid://shopify/BulkOperation/7" {
			t.Errorf("variables = %v", req.Variables)
		}
		w.Write([]byte(`{"data":{"node":{"id":"gid://shopify/BulkOperation/7","status":"COMPLETED","errorCode":null,
			"url":"https://files.example/export.jsonl","partialDataUrl":null,"objectCount":"1500","fileSize":"20480",
			"createdAt":"2026-01-02T03:04:05Z","completedAt":"2026-01-02T03:06:00Z"}}}`))
	})

	op, err := c.Operation(context.Background(), "t1", "gid://shopify/BulkOperation/7")
	if err != nil {
		t.Fatalf("Operation: %v", err)
	}
	want := Operation{
		ID:          "gid://shopify/BulkOperation/7",
		Status:      StatusCompleted,
		URL:         "https://files.example/export.jsonl",
		ObjectCount: 1500,
		FileSize:    20480,
		CreatedAt:   "2026-01-02T03:04:05Z",
		CompletedAt: "2026-01-02T03:06:00Z",
	}
	if diff := cmp.Diff(want, op); diff != "" {
		t.Errorf("operation mismatch (-want +got):\n%s", diff)
	}
	if !op.Terminal() {
		t.Error("completed operation should be terminal")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind failure.Kind
		wantCode string
	}{
		{"graphql error", 200, `{"errors":[{"message":"Access denied"}]}`, failure.KindRemote, failure.CodeRemoteFailed},
		{"throttled", 200, `{"errors":[{"message":"Throttled","extensions":{"code":"THROTTLED"}}]}`, failure.KindTransient, failure.CodeHTTPStatus},
		{"unauthorized", 401, `{"errors":"bad token"}`, failure.KindRemote, failure.CodeHTTPStatus},
		{"server error", 503, `unavailable`, failure.KindTransient, failure.CodeHTTPStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			c.http.RetryWaitMin = time.Millisecond
			c.http.RetryWaitMax = time.Millisecond

			_, err := c.Operation(context.Background(), "t1", "gid://shopify/BulkOperation/1")
			if failure.KindOf(err) != tt.wantKind || failure.CodeOf(err) != tt.wantCode {
				t.Errorf("err = %v, want %s/%s", err, tt.wantKind, tt.wantCode)
			}
		})
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"node":{"id":"op","status":"RUNNING","objectCount":12}}}`))
	})
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = time.Millisecond

	op, err := c.Operation(context.Background(), "t1", "op")
	if err != nil {
		t.Fatalf("Operation: %v", err)
	}
	if op.Status != StatusRunning || op.ObjectCount != 12 {
		t.Errorf("op = %+v", op)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestUnknownTenant(t *testing.T) {
	c := New(StaticCredentials{}, Options{})
	if _, err := c.Operation(context.Background(), "nobody", "op"); err == nil {
		t.Fatal("expected credentials error")
	}
}

func TestCanceledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Operation(ctx, "t1", "op"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestQuery(t *testing.T) {
	q, err := Query(QueryProducts, time.Time{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(q, "products {") || strings.Contains(q, "updated_at") {
		t.Errorf("unfiltered query = %s", q)
	}

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, err = Query(QueryProducts, since)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(q, `products(query: "updated_at:>'2026-03-01T12:00:00Z'")`) {
		t.Errorf("filtered query = %s", q)
	}

	if _, err := Query("orders", time.Time{}); err == nil {
		t.Error("expected error for unsupported query type")
	}
}

func TestSignature(t *testing.T) {
	a := Signature("{ products {\n  id\n} }")
	b := Signature("{ products { id } }")
	if a != b {
		t.Errorf("signatures differ: %q vs %q", a, b)
	}
}
