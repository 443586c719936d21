// Package bulkapi talks to the remote bulk-export GraphQL API: it starts a
// bulk query for a tenant and polls the resulting operation.
package bulkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"golang.org/x/time/rate"
)

// Operation statuses reported by the API.
const (
	StatusCreated   = "CREATED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusCanceling = "CANCELING"
	StatusCanceled  = "CANCELED"
	StatusFailed    = "FAILED"
	StatusExpired   = "EXPIRED"
)

// Credentials authenticate API calls for one tenant.
type Credentials struct {
	ShopDomain  string
	AccessToken string
	// Endpoint overrides the GraphQL URL derived from ShopDomain.
	Endpoint string
}

// CredentialSource resolves a tenant's credentials. Credential storage and
// rotation live outside this module.
type CredentialSource interface {
	Credentials(ctx context.Context, tenantID string) (Credentials, error)
}

// StaticCredentials is a fixed tenant to credentials map.
type StaticCredentials map[string]Credentials

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(_ context.Context, tenantID string) (Credentials, error) {
	c, ok := s[tenantID]
	if !ok {
		return Credentials{}, fmt.Errorf("no credentials for tenant %s", tenantID)
	}
	return c, nil
}

// Options configure the client.
type Options struct {
	APIVersion        string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	MaxRetries        int
}

// Operation is the polled state of a bulk operation.
type Operation struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode"`
	URL            string `json:"url"`
	PartialDataURL string `json:"partialDataUrl"`
	ObjectCount    Count  `json:"objectCount"`
	FileSize       Count  `json:"fileSize"`
	CreatedAt      string `json:"createdAt"`
	CompletedAt    string `json:"completedAt"`
}

// Terminal reports whether the operation will not change any more.
func (o Operation) Terminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Count decodes the API's unsigned 64-bit counters, which arrive as strings.
type Count int64

// UnmarshalJSON accepts a quoted or bare integer, or null.
func (c *Count) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("decoding count %s: %w", data, err)
	}
	*c = Count(n)
	return nil
}

// Client is a rate-limited GraphQL client.
type Client struct {
	creds   CredentialSource
	http    *retryablehttp.Client
	limiter *rate.Limiter
	opts    Options
}

// New returns a Client.
func New(creds CredentialSource, opts Options) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = "2024-10"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	hc := retryablehttp.NewClient()
	hc.Logger = logging.HTTPLogger{}
	hc.RetryMax = opts.MaxRetries
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 10 * time.Second
	hc.HTTPClient.Timeout = opts.Timeout
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		creds:   creds,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		opts:    opts,
	}
}

const runQueryMutation = `mutation bulkOperationRunQuery($query: String!) {
  bulkOperationRunQuery(query: $query) {
    bulkOperation { id status }
    userErrors { field message }
  }
}`

const nodeQuery = `query bulkOperation($id: ID!) {
  node(id: $id) {
    ... on BulkOperation {
      id status errorCode url partialDataUrl objectCount fileSize createdAt completedAt
    }
  }
}`

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// StartBulkQuery submits query as a bulk operation for the tenant.
func (c *Client) StartBulkQuery(ctx context.Context, tenantID, query string) (Operation, error) {
	var data struct {
		BulkOperationRunQuery struct {
			BulkOperation *Operation  `json:"bulkOperation"`
			UserErrors    []userError `json:"userErrors"`
		} `json:"bulkOperationRunQuery"`
	}
	if err := c.do(ctx, tenantID, runQueryMutation, map[string]any{"query": query}, &data); err != nil {
		return Operation{}, err
	}
	res := data.BulkOperationRunQuery
	if len(res.UserErrors) > 0 {
		msgs := make([]string, len(res.UserErrors))
		for i, ue := range res.UserErrors {
			msgs[i] = ue.Message
			if len(ue.Field) > 0 {
				msgs[i] = strings.Join(ue.Field, ".") + ": " + ue.Message
			}
		}
		return Operation{}, failure.Remote(failure.CodeRemoteUserError, "bulk query rejected: %s", strings.Join(msgs, "; "))
	}
	if res.BulkOperation == nil || res.BulkOperation.ID == "" {
		return Operation{}, failure.Remote(failure.CodeRemoteFailed, "bulk query returned no operation")
	}
	logging.Info("Started bulk operation %s for tenant %s", res.BulkOperation.ID, tenantID)
	return *res.BulkOperation, nil
}

// Operation polls a bulk operation by id.
func (c *Client) Operation(ctx context.Context, tenantID, id string) (Operation, error) {
	var data struct {
		Node *Operation `json:"node"`
	}
	if err := c.do(ctx, tenantID, nodeQuery, map[string]any{"id": id}, &data); err != nil {
		return Operation{}, err
	}
	if data.Node == nil {
		return Operation{}, failure.Remote(failure.CodeRemoteFailed, "bulk operation %s not found", id)
	}
	return *data.Node, nil
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func (c *Client) do(ctx context.Context, tenantID, query string, vars map[string]any, out any) error {
	creds, err := c.creds.Credentials(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	endpoint := creds.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", creds.ShopDomain, c.opts.APIVersion)
	}

	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Shopify-Access-Token", creds.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Transient(failure.CodeRetriesExhausted, "bulk API request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return failure.Transient(failure.CodeRetriesExhausted, "reading bulk API response", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return failure.Transient(failure.CodeHTTPStatus, "bulk API returned %d", resp.StatusCode)
		}
		return failure.Remote(failure.CodeHTTPStatus, "bulk API returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decoding bulk API response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		if first.Extensions.Code == "THROTTLED" {
			return failure.Transient(failure.CodeHTTPStatus, "bulk API throttled: %s", first.Message)
		}
		return failure.Remote(failure.CodeRemoteFailed, "bulk API error: %s", first.Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding bulk API data: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
