// Package download fetches bulk-export result files over HTTP into a local
// spool with range resume, bounded retries and integrity checks.
//
// Bytes become visible to consumers only once the whole transfer has been
// received and verified; a failed attempt leaves nothing readable behind.
package download

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
)

// Request describes one export download.
type Request struct {
	URL            string
	Dest           string // final spool path; "<Dest>.part" while in flight
	MaxRetries     int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// ResumeFrom is a stream offset already accounted for by a previous
	// attempt. With no partial spool on disk the download starts there.
	ResumeFrom int64
	OnProgress func(received, total int64)
}

// Result reports a finished download.
type Result struct {
	Spool
	Attempts         int
	BytesTransferred int64 // bytes received over the wire by this call
	TotalBytes       int64 // bytes in the spool
	Resumed          bool  // a Range request continued earlier bytes
	Reused           bool  // a completed spool from an earlier call was reused
	ChecksumVerified bool
	AcceptRanges     bool
	LastStatus       int
}

// Fetcher downloads exports. It is safe for concurrent use by separate runs.
type Fetcher struct {
	backoffMin time.Duration
	backoffMax time.Duration
}

// New returns a Fetcher using full-jitter exponential backoff between
// backoffMin and backoffMax when the server gives no Retry-After.
func New(backoffMin, backoffMax time.Duration) *Fetcher {
	if backoffMin <= 0 {
		backoffMin = time.Second
	}
	if backoffMax < backoffMin {
		backoffMax = backoffMin
	}
	return &Fetcher{backoffMin: backoffMin, backoffMax: backoffMax}
}

// transfer is the in-flight state of the part file.
type transfer struct {
	dest string
	meta spoolMeta
	size int64
	md5  hash.Hash // nil when the part does not start at offset 0
}

func (t *transfer) reset() error {
	t.meta = spoolMeta{}
	t.size = 0
	t.md5 = md5.New()
	if err := os.Remove(partPath(t.dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// discard removes every partial byte so nothing unverified survives.
func (t *transfer) discard() {
	if err := Remove(t.dest); err != nil {
		logging.Warn("Removing partial download %s: %v", t.dest, err)
	}
}

// Fetch downloads req.URL into req.Dest.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("download url is required")
	}
	if req.MaxRetries < 0 {
		req.MaxRetries = 0
	}

	if sp, err := LoadSpool(req.Dest); err == nil {
		logging.Info("Reusing downloaded export %s (%d bytes)", sp.Path, sp.Size)
		return &Result{Spool: *sp, TotalBytes: sp.Size, Reused: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0755); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}

	t, err := f.prepare(req)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	client := f.newClient(req, res)
	maxAttempts := req.MaxRetries + 1

	var lastErr error
	for {
		remaining := maxAttempts - res.Attempts
		if remaining <= 0 {
			// A body that kept coming up short is reported as such, and
			// nothing of it is kept.
			if failure.KindOf(lastErr) == failure.KindIntegrity {
				t.discard()
				return nil, lastErr
			}
			exhausted := failure.Transient(failure.CodeRetriesExhausted,
				"download failed after %d attempts (last status %d)", res.Attempts, res.LastStatus)
			exhausted.Err = lastErr
			return nil, exhausted
		}

		err := f.attempt(ctx, client, req, t, res, remaining-1)
		if err == nil {
			break
		}

		var retry *retryableError
		if !errors.As(err, &retry) {
			// Integrity failures leave nothing behind; anything else keeps
			// the verified prefix so a later invocation can continue it.
			if failure.KindOf(err) == failure.KindIntegrity {
				t.discard()
			}
			return nil, err
		}
		lastErr = retry.err
		logging.Warn("Download attempt %d failed at %d bytes: %v", res.Attempts, t.meta.BaseOffset+t.size, retry.err)

		// Continue where we stopped when the server supports it, otherwise start over.
		if !t.meta.AcceptRanges || t.meta.Encoding != "" {
			if err := t.reset(); err != nil {
				return nil, fmt.Errorf("resetting partial download: %w", err)
			}
		}

		if res.Attempts >= maxAttempts {
			continue
		}
		if err := sleepCtx(ctx, f.backoff(f.backoffMin, f.backoffMax, res.Attempts, nil)); err != nil {
			return nil, err
		}
	}

	if err := os.Rename(partPath(req.Dest), req.Dest); err != nil {
		t.discard()
		return nil, fmt.Errorf("finalizing spool: %w", err)
	}
	t.meta.Complete = true
	if err := writeMeta(req.Dest, t.meta); err != nil {
		return nil, err
	}

	res.Spool = Spool{Path: req.Dest, BaseOffset: t.meta.BaseOffset, Encoding: t.meta.Encoding, Size: t.size}
	res.TotalBytes = t.size
	res.AcceptRanges = t.meta.AcceptRanges
	logging.Info("Downloaded export: %d bytes in %d attempt(s) (encoding=%q, checksum verified=%v)",
		t.size, res.Attempts, t.meta.Encoding, res.ChecksumVerified)
	return res, nil
}

// prepare picks up a partial spool from an earlier call, or decides where a
// fresh transfer starts.
func (f *Fetcher) prepare(req Request) (*transfer, error) {
	t := &transfer{dest: req.Dest}

	m, err := readMeta(req.Dest)
	info, statErr := os.Stat(partPath(req.Dest))
	if err == nil && statErr == nil && !m.Complete && m.AcceptRanges && m.Encoding == "" {
		t.meta = m
		t.size = info.Size()
		if m.BaseOffset == 0 {
			t.md5 = md5.New()
			if err := hashFile(partPath(req.Dest), t.md5); err != nil {
				return nil, err
			}
		}
		logging.Info("Continuing partial download at offset %d", m.BaseOffset+t.size)
		return t, nil
	}

	if err := t.reset(); err != nil {
		return nil, fmt.Errorf("clearing stale partial download: %w", err)
	}
	if req.ResumeFrom > 0 {
		t.meta.BaseOffset = req.ResumeFrom
		t.md5 = nil
	}
	return t, nil
}

func (f *Fetcher) newClient(req Request, res *Result) *retryablehttp.Client {
	dialer := &net.Dialer{Timeout: req.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   req.ConnectTimeout,
		ResponseHeaderTimeout: req.ReadTimeout,
		// The spool keeps wire bytes; decoding happens when it is opened.
		DisableCompression: true,
		MaxIdleConns:       4,
		IdleConnTimeout:    90 * time.Second,
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Transport: transport}
	client.Logger = logging.HTTPLogger{}
	client.RetryWaitMin = f.backoffMin
	client.RetryWaitMax = f.backoffMax
	client.CheckRetry = retryablehttp.DefaultRetryPolicy
	client.Backoff = f.backoff
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, _ int) {
		res.Attempts++
	}
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		res.LastStatus = resp.StatusCode
	}
	return client
}

// retryableError marks a mid-body failure that may be resumed or restarted.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// attempt performs one request (with retryablehttp handling connect errors
// and retryable statuses) and streams its body into the part file.
func (f *Fetcher) attempt(ctx context.Context, client *retryablehttp.Client, req Request, t *transfer, res *Result, retryMax int) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hreq, err := retryablehttp.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	rangeStart := int64(-1)
	if t.meta.BaseOffset+t.size > 0 {
		rangeStart = t.meta.BaseOffset + t.size
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
		// Offsets must address decoded bytes.
		hreq.Header.Set("Accept-Encoding", "identity")
		if isStrongETag(t.meta.ETag) {
			hreq.Header.Set("If-Range", t.meta.ETag)
		}
	} else {
		hreq.Header.Set("Accept-Encoding", "gzip")
	}

	client.RetryMax = retryMax
	resp, err := client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Transient(failure.CodeRetriesExhausted,
			"download failed after %d attempts", res.Attempts, err)
	}
	defer resp.Body.Close()

	expected := resp.ContentLength
	total := int64(-1)
	switch {
	case resp.StatusCode == http.StatusPartialContent && rangeStart >= 0:
		start, end, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != rangeStart {
			if err := t.reset(); err != nil {
				return err
			}
			return &retryableError{fmt.Errorf("unexpected Content-Range %q for offset %d", resp.Header.Get("Content-Range"), rangeStart)}
		}
		if expected < 0 && end >= start {
			expected = end - start + 1
		}
		total = size
		t.meta.AcceptRanges = true
		if t.meta.ETag == "" {
			t.meta.ETag = resp.Header.Get("ETag")
		}
		res.Resumed = true
	case resp.StatusCode == http.StatusOK:
		if rangeStart >= 0 {
			logging.Info("Server ignored range request; restarting download from zero")
			if err := t.reset(); err != nil {
				return err
			}
		}
		t.meta.Encoding = contentEncoding(resp.Header)
		t.meta.AcceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		t.meta.ETag = resp.Header.Get("ETag")
		t.meta.ExpectedMD5 = expectedMD5(resp.Header)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		if err := t.reset(); err != nil {
			return err
		}
		return &retryableError{fmt.Errorf("range %d not satisfiable", rangeStart)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return failure.Transient(failure.CodeRetriesExhausted,
			"download failed after %d attempts with status %d", res.Attempts, resp.StatusCode)
	default:
		return failure.Transient(failure.CodeHTTPStatus, "download returned status %d", resp.StatusCode)
	}

	if err := writeMeta(req.Dest, t.meta); err != nil {
		return err
	}

	n, copyErr := t.appendBody(resp.Body, req, res, cancel, expected)
	if copyErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(copyErr, io.ErrUnexpectedEOF) && expected >= 0 && n < expected {
			// Truncated: resume (or restart) while attempts remain.
			return &retryableError{failure.Integrity(failure.CodeContentLengthMismatch,
				"received %d of %d declared bytes", n, expected)}
		}
		if attemptCtx.Err() != nil {
			copyErr = fmt.Errorf("no data for %s: %w", req.ReadTimeout, copyErr)
		}
		return &retryableError{copyErr}
	}

	if expected >= 0 && n != expected {
		return failure.Integrity(failure.CodeContentLengthMismatch,
			"received %d bytes, Content-Length declared %d", n, expected)
	}
	if total >= 0 && t.meta.BaseOffset+t.size != total {
		return failure.Integrity(failure.CodeContentLengthMismatch,
			"spool holds %d bytes, Content-Range total is %d", t.meta.BaseOffset+t.size, total)
	}
	if len(t.meta.ExpectedMD5) > 0 && t.md5 != nil {
		got := t.md5.Sum(nil)
		if !bytes.Equal(got, t.meta.ExpectedMD5) {
			return failure.Integrity(failure.CodeChecksumMismatch,
				"md5 %x does not match server digest %x", got, t.meta.ExpectedMD5)
		}
		res.ChecksumVerified = true
	}
	return nil
}

// appendBody streams body into the part file. An idle timer cancels the
// attempt when no byte arrives within the read timeout.
func (t *transfer) appendBody(body io.Reader, req Request, res *Result, cancel context.CancelFunc, expected int64) (int64, error) {
	file, err := os.OpenFile(partPath(t.dest), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("opening part file: %w", err)
	}
	defer file.Close()

	var r io.Reader = body
	if req.ReadTimeout > 0 {
		timer := time.AfterFunc(req.ReadTimeout, cancel)
		defer timer.Stop()
		r = &idleReader{r: body, timer: timer, timeout: req.ReadTimeout}
	}

	writers := []io.Writer{file}
	if t.md5 != nil {
		writers = append(writers, t.md5)
	}
	start := t.size
	if req.OnProgress != nil {
		total := int64(-1)
		if expected >= 0 {
			total = t.meta.BaseOffset + start + expected
		}
		writers = append(writers, &progressWriter{fn: req.OnProgress, done: t.meta.BaseOffset + start, total: total})
	}

	n, err := io.Copy(io.MultiWriter(writers...), r)
	t.size += n
	res.BytesTransferred += n
	if syncErr := file.Sync(); err == nil && syncErr != nil {
		err = syncErr
	}
	return n, err
}

type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

type progressWriter struct {
	fn    func(received, total int64)
	done  int64
	total int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.done += int64(len(p))
	pw.fn(pw.done, pw.total)
	return len(p), nil
}

func hashFile(path string, h hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hashing partial download: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
