package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"ansible-mcp/internal/domain"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-parseable code and a message.
type ErrorDetail struct {
	Code      domain.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable,omitempty"` // the same request may succeed later
}

// StatusOf maps a domain error to an HTTP status code.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimit), errors.Is(err, domain.ErrLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrEngineUnavailable), errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSpawn):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusOf(err), ErrorBody{Error: ErrorDetail{
		Code:      domain.ErrorCodeOf(err),
		Message:   err.Error(),
		Retryable: domain.IsRetryableError(err),
	}})
}
