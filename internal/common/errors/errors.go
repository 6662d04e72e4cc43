// Package errors defines the application error taxonomy shared by the
// orchestrator components and the HTTP boundary. Every component converts
// transport and storage failures into one of these kinds at the narrowest
// possible scope; the intake API maps kinds to status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry decisions and HTTP mapping.
type Kind string

const (
	// KindValidation - malformed input at the boundary; rejected, not retried.
	KindValidation Kind = "validation"
	// KindPolicyDenied - blocked by the policy engine or an ethics verdict.
	KindPolicyDenied Kind = "policy_denied"
	// KindAgentUnavailable - no agent matches the capability or all are offline.
	KindAgentUnavailable Kind = "agent_unavailable"
	// KindAgentFailure - the agent replied with a failure envelope.
	KindAgentFailure Kind = "agent_failure"
	// KindAgentRefused - the agent refused the request; never retried.
	KindAgentRefused Kind = "agent_refused"
	// KindTimeout - HTTP or reply-wait deadline exceeded.
	KindTimeout Kind = "timeout"
	// KindTransport - network error reaching the agent.
	KindTransport Kind = "transport"
	// KindStorage - job store read/write failed.
	KindStorage Kind = "storage"
	// KindConflict - illegal state transition.
	KindConflict Kind = "conflict"
	// KindNotFound - referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindCancelled - operator-initiated cancellation; terminal.
	KindCancelled Kind = "cancelled"
	// KindInternal - unexpected invariant violation.
	KindInternal Kind = "internal"
)

// AppError is the error type crossing component boundaries. It carries a
// stable machine-readable kind and a human message; internal detail never
// leaks to API responses.
type AppError struct {
	Kind       Kind        `json:"error"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	HTTPStatus int         `json:"-"`
	cause      error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *AppError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the orchestrator may retry the failed operation.
func (e *AppError) Retryable() bool {
	switch e.Kind {
	case KindAgentFailure, KindTimeout, KindTransport, KindStorage, KindAgentUnavailable:
		return true
	default:
		return false
	}
}

// New creates an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, HTTPStatus: statusFor(kind)}
}

// Newf creates an AppError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new AppError. If err is already an AppError its
// kind is preserved.
func Wrap(err error, message string) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return &AppError{Kind: app.Kind, Message: message, HTTPStatus: app.HTTPStatus, cause: err}
	}
	return &AppError{Kind: KindInternal, Message: message, HTTPStatus: statusFor(KindInternal), cause: err}
}

// WithDetails returns a copy carrying user-visible detail data.
func (e *AppError) WithDetails(details interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// ValidationError reports a malformed field at the boundary.
func ValidationError(field, reason string) *AppError {
	return New(KindValidation, fmt.Sprintf("invalid %s: %s", field, reason))
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", entity, id))
}

// Conflict reports an illegal state transition.
func Conflict(message string) *AppError {
	return New(KindConflict, message)
}

// BadRequest reports a generic client error.
func BadRequest(message string) *AppError {
	return New(KindValidation, message)
}

// KindOf extracts the kind from any error; non-AppErrors are internal.
func KindOf(err error) Kind {
	var app *AppError
	if errors.As(err, &app) {
		return app.Kind
	}
	return KindInternal
}

var knownKinds = map[Kind]bool{
	KindValidation: true, KindPolicyDenied: true, KindAgentUnavailable: true,
	KindAgentFailure: true, KindAgentRefused: true, KindTimeout: true,
	KindTransport: true, KindStorage: true, KindConflict: true,
	KindNotFound: true, KindCancelled: true, KindInternal: true,
}

// ParseKind recovers the kind from a rendered error string. Task errors are
// persisted as strings; the "kind: message" prefix lets the aggregated job
// failure keep the original classification. Unknown prefixes are internal.
func ParseKind(s string) Kind {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			if k := Kind(s[:i]); knownKinds[k] {
				return k
			}
			break
		}
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func statusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPolicyDenied:
		return http.StatusUnprocessableEntity
	case KindStorage:
		return http.StatusServiceUnavailable
	case KindTimeout, KindTransport, KindAgentUnavailable, KindAgentFailure, KindAgentRefused:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
