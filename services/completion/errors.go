package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Terminal errors. Handlers match these with errors.Is and map them onto the
// HTTP envelope; none of them is retried.
var (
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrSafetyRejected     = errors.New("content rejected by safety policy")
	ErrBackendUnavailable = errors.New("no backend available")
	ErrMalformedOutput    = errors.New("malformed structured output")
	ErrBackendNotFound    = errors.New("backend not found")
)

// BudgetError carries the ceiling that denied a request.
type BudgetError struct {
	Scope       string // monthly or daily
	SpendUSD    float64
	LimitUSD    float64
	EstimateUSD float64
}

func (e *BudgetError) Error() string {
	if e.EstimateUSD > 0 {
		return fmt.Sprintf("%s budget exceeded: spent %.4f of %.2f USD, estimated request cost %.4f",
			e.Scope, e.SpendUSD, e.LimitUSD, e.EstimateUSD)
	}
	return fmt.Sprintf("%s budget exceeded: spent %.4f of %.2f USD", e.Scope, e.SpendUSD, e.LimitUSD)
}

func (e *BudgetError) Unwrap() error {
	return ErrBudgetExceeded
}

// SafetyError carries the verdict that rejected a prompt or response.
type SafetyError struct {
	Stage   string // prompt or response
	Verdict SafetyVerdict
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("%s rejected by safety policy (%s): %s", e.Stage, e.Verdict.Severity, e.Verdict.Reason)
}

func (e *SafetyError) Unwrap() error {
	return ErrSafetyRejected
}

// BackendFailure names one backend's failure during fail-over.
type BackendFailure struct {
	Backend string
	Reason  string
}

// ExhaustedError reports that every candidate backend failed, in attempt
// order.
type ExhaustedError struct {
	Failures []BackendFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Backend, f.Reason))
	}
	return fmt.Sprintf("all backends failed: %s", strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrBackendUnavailable
}

// ErrorKind classifies a backend failure for retry decisions.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindRateLimited
	ErrorKindTimeout
	ErrorKindAuth
	ErrorKindInvalidRequest
	ErrorKindServer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindRateLimited:
		return "rate_limited"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindAuth:
		return "auth"
	case ErrorKindInvalidRequest:
		return "invalid_request"
	case ErrorKindServer:
		return "server_error"
	default:
		return "unknown"
	}
}

// Transient reports whether the failure is worth retrying on the same
// backend.
func (k ErrorKind) Transient() bool {
	return k == ErrorKindRateLimited || k == ErrorKindTimeout
}

// BackendError wraps a vendor API failure with its classification.
type BackendError struct {
	Backend string
	Kind    ErrorKind
	Status  int // vendor HTTP status, 0 for transport failures
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Backend, e.Message, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (%s)", e.Backend, e.Err, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Kind)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// transportError classifies a failure that happened before any vendor status
// was received.
func transportError(backend string, err error) *BackendError {
	kind := ErrorKindUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorKindTimeout
	}
	return &BackendError{Backend: backend, Kind: kind, Err: err}
}

// kindFromStatus maps a vendor HTTP status onto an error kind.
func kindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorKindTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindAuth
	case status >= 400 && status < 500:
		return ErrorKindInvalidRequest
	case status >= 500:
		return ErrorKindServer
	default:
		return ErrorKindUnknown
	}
}
