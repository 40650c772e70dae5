package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Stable failure kinds surfaced to callers on terminal records. Stage
// executor failures are always classified into one of these before they
// reach a caller.
const (
	KindTransient = "TransientServiceError"
	KindInvalid   = "InvalidDocumentError"
	KindInput     = "InvalidInputError"
	KindQuota     = "QuotaExceededError"
	KindConflict  = "ConcurrencyConflictError"
	KindStalled   = "StalledJobError"
	KindUnknown   = "UnknownError"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network
// timeout). Stage timeouts surface as TransientError so they consume the
// stage's retry budget like any other transient failure.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// InvalidDocumentError marks a document the analysis services cannot
// process (unsupported format, corrupt content). Not retryable; the job
// fails immediately without consuming further retries.
type InvalidDocumentError struct {
	Reason string
}

func (e *InvalidDocumentError) Error() string {
	return "invalid document: " + e.Reason
}

// InvalidInputError rejects a submission before any stage runs (empty
// document, missing reference).
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// QuotaError refuses stage execution because the billing window's spend
// ceiling is reached. Not retried within the current window; the job is
// parked in failed with a distinguishable reason so callers can resubmit
// later.
type QuotaError struct {
	Window  time.Time
	Spent   float64
	Ceiling float64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("budget ceiling reached: spent %.4f of %.4f in window starting %s",
		e.Spent, e.Ceiling, e.Window.Format(time.RFC3339))
}

// ConflictError rejects a submission because an active (non-terminal)
// record already exists for the document.
type ConflictError struct {
	DocumentID     string
	ActiveRecordID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %s already has active analysis %s", e.DocumentID, e.ActiveRecordID)
}

// StalledJobError marks a non-terminal record that has not advanced within
// the overall job timeout.
type StalledJobError struct {
	RecordID string
	Age      time.Duration
}

func (e *StalledJobError) Error() string {
	return fmt.Sprintf("analysis %s stalled for %s", e.RecordID, e.Age)
}

// TerminalStateError refuses a write against a record that already reached
// a terminal state. Terminal records are read-only; the writer no longer
// owns the record.
type TerminalStateError struct {
	RecordID string
	State    string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("analysis %s is already terminal (%s)", e.RecordID, e.State)
}

// Kind maps an error chain to its stable failure kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.As(err, new(*QuotaError)):
		return KindQuota
	case errors.As(err, new(*InvalidDocumentError)):
		return KindInvalid
	case errors.As(err, new(*InvalidInputError)):
		return KindInput
	case errors.As(err, new(*ConflictError)), errors.As(err, new(*TerminalStateError)):
		return KindConflict
	case errors.As(err, new(*StalledJobError)):
		return KindStalled
	case IsTransient(err):
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or matches common transient network failure patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
