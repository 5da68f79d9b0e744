// Package apierror shapes error responses for the plain HTTP endpoints. Live
// websocket failures use the protocol error frame instead.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deskbridge/deskbridge/pkg/core"
)

// Envelope is the JSON error body for HTTP responses.
type Envelope struct {
	RequestID string      `json:"request_id,omitempty"`
	Error     *core.Error `json:"error"`
}

// FromError maps err to its canonical wire error and HTTP status.
func FromError(err error) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrTransport,
			Message:   "request timeout",
			Retryable: true,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:    core.ErrTransport,
			Message: "request cancelled",
			Code:    "cancelled",
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		return &out, StatusFromType(coreErr.Type)
	}

	switch {
	case errors.Is(err, core.ErrNotFound):
		return &core.Error{
			Type:    core.ErrInvalidRequest,
			Code:    "not_found",
			Message: "not found",
		}, http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyQueued):
		return &core.Error{
			Type:    core.ErrContention,
			Code:    "already_queued",
			Message: "an assistance request is already pending",
		}, http.StatusConflict
	case errors.Is(err, core.ErrClosed):
		return &core.Error{
			Type:      core.ErrTransport,
			Code:      "shutting_down",
			Message:   "server is shutting down",
			Retryable: true,
		}, http.StatusServiceUnavailable
	}

	// Unknown errors: treat as internal (do not leak details by default).
	return &core.Error{
		Type:    core.ErrInternal,
		Message: "internal error",
	}, http.StatusInternalServerError
}

// StatusFromType maps an error type to its HTTP status code.
func StatusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrContention:
		return http.StatusConflict
	case core.ErrCapacity:
		return http.StatusTooManyRequests
	case core.ErrCollaborator:
		return http.StatusBadGateway
	case core.ErrTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write sends err as a JSON envelope with the given status.
func Write(w http.ResponseWriter, status int, requestID string, coreErr *core.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{RequestID: requestID, Error: coreErr})
}
