// Package failure classifies pipeline errors so callers can tell a retryable
// network problem from corrupted input or a broken invariant.
package failure

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the broad error category recorded on a failed run.
type Kind string

const (
	// KindTransient covers timeouts, 5xx responses and rate limiting.
	KindTransient Kind = "transient"
	// KindIntegrity covers content-length and checksum mismatches.
	KindIntegrity Kind = "integrity"
	// KindDataQuality covers malformed lines, orphans and missing fields.
	KindDataQuality Kind = "data_quality"
	// KindInvariant covers impossible states (missing merge target, insert returning no row).
	KindInvariant Kind = "invariant"
	// KindRemote covers a terminal failure reported by the bulk-export API.
	KindRemote Kind = "remote"
)

// Error codes shared across stages.
const (
	CodeContentLengthMismatch = "content_length_mismatch"
	CodeChecksumMismatch      = "checksum_mismatch"
	CodeRetriesExhausted      = "retries_exhausted"
	CodeHTTPStatus            = "http_status"
	CodeMergeTargetMissing    = "merge_target_missing"
	CodeInsertNoRow           = "insert_no_row"
	CodeRunNotFound           = "run_not_found"
	CodeInvalidTransition     = "invalid_transition"
	CodeCheckpointRegression  = "checkpoint_regression"
	CodeRemoteFailed          = "remote_failed"
	CodeRemoteUserError       = "remote_user_error"
	CodeTenantMismatch        = "tenant_mismatch"
	CodeResumeMismatch        = "resume_mismatch"
	CodeCheckpointVersion     = "checkpoint_version"
)

// Error is a classified error. Err may be nil.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and code so errors.Is works with sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func newError(kind Kind, code, format string, args ...any) *Error {
	e := &Error{Kind: kind, Code: code}
	// Pull a trailing error argument out as the cause.
	if n := len(args); n > 0 {
		if err, ok := args[n-1].(error); ok {
			e.Err = err
			args = args[:n-1]
		}
	}
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// Transient returns a retryable error. A trailing error argument becomes the cause.
func Transient(code, format string, args ...any) *Error {
	return newError(KindTransient, code, format, args...)
}

// Integrity returns an integrity error.
func Integrity(code, format string, args ...any) *Error {
	return newError(KindIntegrity, code, format, args...)
}

// DataQuality returns a data-quality error.
func DataQuality(code, format string, args ...any) *Error {
	return newError(KindDataQuality, code, format, args...)
}

// Invariant returns an invariant violation.
func Invariant(code, format string, args ...any) *Error {
	return newError(KindInvariant, code, format, args...)
}

// Remote returns a terminal remote-operation error.
func Remote(code, format string, args ...any) *Error {
	return newError(KindRemote, code, format, args...)
}

// KindOf returns the kind of the first classified error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first classified error in the chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a fresh attempt may succeed. Unclassified
// errors are treated as transient.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindIntegrity, "":
		return err != nil
	default:
		return false
	}
}

// Record is the structured form persisted on a failed run.
type Record struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToRecord converts any error into its persisted form.
func ToRecord(err error) Record {
	if err == nil {
		return Record{}
	}
	var e *Error
	if errors.As(err, &e) {
		return Record{Type: string(e.Kind), Code: e.Code, Message: err.Error()}
	}
	return Record{Type: "unknown", Code: "unclassified", Message: err.Error()}
}

// JSON encodes the record for the run's error_message column.
func (r Record) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return r.Message
	}
	return string(data)
}
