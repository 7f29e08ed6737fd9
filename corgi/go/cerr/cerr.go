// Package cerr defines the service's error taxonomy. Every error that
// reaches a handler or the job runner is classified into a Kind which fixes
// the HTTP status, the machine-readable code, and whether a retry can help.
package cerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// Kind is a machine-readable error class.
type Kind string

const (
	Validation         Kind = "validation_error"
	AuthRequired       Kind = "auth_required"
	RateLimited        Kind = "rate_limited"
	NotFound           Kind = "not_found"
	Upstream           Kind = "upstream_error"
	Timeout            Kind = "timeout"
	Store              Kind = "store_error"
	RankingUnavailable Kind = "ranking_unavailable"
	Internal           Kind = "internal_error"
)

// HTTPStatus maps a Kind to its stable HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case AuthRequired:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	case Upstream:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	case Store:
		return http.StatusInternalServerError
	case RankingUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// retryableKinds lists the Kinds the background runner may retry. Validation
// and access errors are never retried.
var retryableKinds = map[Kind]bool{
	Upstream:           true,
	Timeout:            true,
	Store:              true,
	RateLimited:        true,
	RankingUnavailable: true,
}

// Error is a taxonomy-tagged error.
type Error struct {
	Kind Kind
	// Msg is safe to return to clients. It must not leak identities or raw
	// upstream internals.
	Msg string
	// Details lists offending fields for Validation errors.
	Details []string
	// RetryAfter is a hint for RateLimited responses.
	RetryAfter time.Duration
	// UpstreamStatus preserves the upstream HTTP status for Upstream errors.
	UpstreamStatus int
	// Err is the wrapped cause, logged but never serialized.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a taxonomy error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The msg is what clients see; err is
// what logs see.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithDetails attaches offending field names, returning the same error.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// WithRetryAfter attaches a retry hint, returning the same error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithUpstreamStatus preserves the upstream status, returning the same error.
func (e *Error) WithUpstreamStatus(status int) *Error {
	e.UpstreamStatus = status
	return e
}

// KindOf classifies any error. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// IsRetryable reports whether the background runner may retry after this
// error. Errors outside the taxonomy are never retried.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return retryableKinds[ce.Kind]
	}
	return false
}

// errorBody is the JSON error envelope returned by every endpoint.
type errorBody struct {
	Error      string   `json:"error"`
	Code       Kind     `json:"code"`
	Details    []string `json:"details,omitempty"`
	RetryAfter int      `json:"retry_after,omitempty"`
}

// ReportError writes the taxonomy-shaped JSON error response and logs the
// full cause. Internal errors are logged at high severity.
func ReportError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	msg := "internal error"
	body := errorBody{Error: msg, Code: kind}
	var ce *Error
	if errors.As(err, &ce) {
		body.Error = ce.Msg
		body.Details = ce.Details
		if ce.RetryAfter > 0 {
			body.RetryAfter = int(ce.RetryAfter.Seconds() + 0.5)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", body.RetryAfter))
		}
	}
	if kind == Internal {
		sklog.Errorf("Internal error surfaced to client: %s", err)
	} else {
		sklog.Debugf("Request failed with %s: %s", kind, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		sklog.Errorf("Failed to write error response: %s", encodeErr)
	}
}
