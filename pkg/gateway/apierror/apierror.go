package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/dialer"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Dialer sentinels.
	switch {
	case errors.Is(err, dialer.ErrInvalidJob), errors.Is(err, dialer.ErrInvalidLimit):
		return &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   err.Error(),
			RequestID: requestID,
		}, http.StatusBadRequest
	case errors.Is(err, dialer.ErrJobNotFound):
		return &core.Error{
			Type:      core.ErrNotFound,
			Message:   "job not found",
			RequestID: requestID,
		}, http.StatusNotFound
	case errors.Is(err, dialer.ErrAlreadyClaimed), errors.Is(err, dialer.ErrLeaseLost):
		return &core.Error{
			Type:      core.ErrConflict,
			Message:   err.Error(),
			RequestID: requestID,
		}, http.StatusConflict
	case errors.Is(err, dialer.ErrNoCapacity):
		return &core.Error{
			Type:      core.ErrExhausted,
			Message:   "dial slots exhausted",
			RequestID: requestID,
		}, http.StatusTooManyRequests
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		out.Err = nil
		return &out, statusFromType(coreErr.Type)
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrConflict, core.ErrProtocolRace:
		return http.StatusConflict
	case core.ErrExhausted:
		return http.StatusTooManyRequests
	case core.ErrTransient:
		return http.StatusServiceUnavailable
	case core.ErrFatalSession, core.ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
