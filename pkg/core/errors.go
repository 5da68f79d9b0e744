package core

import (
	"errors"
	"fmt"
)

// Error is the coordinator's typed error surface. Every failure that crosses a
// component boundary is classified by Type so callers can apply the matching
// policy: contention errors become typed rejections, collaborator errors are
// logged and skipped, transport errors start grace handling, and capacity
// errors resolve by eviction.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrContention marks lost races: a claim that another agent won, or an
	// enqueue while already queued. Surfaced to the caller, never a crash.
	ErrContention ErrorType = "contention_error"
	// ErrCollaborator marks failures of an external service (speech-to-text,
	// suggestion generation, context lookup). Absorbed at the component
	// boundary; the session continues.
	ErrCollaborator ErrorType = "collaborator_error"
	// ErrTransport marks connection-level failures that trigger reconnect
	// grace handling rather than session teardown.
	ErrTransport ErrorType = "transport_error"
	// ErrCapacity marks bounded-buffer overflow. Resolved by eviction or
	// drop, reported for accounting only.
	ErrCapacity ErrorType = "capacity_error"
	// ErrInvalidRequest marks malformed or out-of-state caller input.
	ErrInvalidRequest ErrorType = "invalid_request_error"
	// ErrInternal marks coordinator bugs and unrecoverable plumbing failures.
	ErrInternal ErrorType = "internal_error"
)

// Sentinels for errors.Is checks across package boundaries.
var (
	// ErrNotFound reports that the requested entity does not exist, including
	// a claim against an empty or already-drained queue.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyQueued reports a second assistance request while one is
	// pending or a conversation is active.
	ErrAlreadyQueued = errors.New("already queued")
	// ErrClosed reports use of a component after shutdown.
	ErrClosed = errors.New("closed")
)

// NewContentionError creates a contention error with a machine-readable code.
func NewContentionError(code, message string) *Error {
	return &Error{Type: ErrContention, Code: code, Message: message}
}

// NewCollaboratorError wraps a failure from an external collaborator.
func NewCollaboratorError(collaborator string, underlying error) *Error {
	return &Error{
		Type:      ErrCollaborator,
		Code:      collaborator,
		Message:   fmt.Sprintf("%s: %v", collaborator, underlying),
		Retryable: true,
		cause:     underlying,
	}
}

// NewTransportError wraps a connection-level failure.
func NewTransportError(message string, underlying error) *Error {
	return &Error{Type: ErrTransport, Message: message, Retryable: true, cause: underlying}
}

// NewCapacityError creates a capacity error for a named bounded resource.
func NewCapacityError(resource, message string) *Error {
	return &Error{Type: ErrCapacity, Code: resource, Message: message}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *Error {
	return &Error{Type: ErrInternal, Message: message}
}

// IsRetryable returns true if the operation may be retried by the caller.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	return e.Retryable
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// TypeOf classifies an arbitrary error, defaulting to ErrInternal.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrContention
	case errors.Is(err, ErrAlreadyQueued):
		return ErrContention
	default:
		return ErrInternal
	}
}
