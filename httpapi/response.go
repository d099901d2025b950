package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xraph/chartable"
)

const (
	msgUnauthorized    = "Unauthorized"
	msgInternal        = "Internal server error"
	msgNoSignature     = "No signature found"
	msgMissingRef      = "Missing client reference ID"
	msgUserNotFound    = "User not found"
	msgProjectNotFound = "Project not found"
	msgDiagramNotFound = "Diagram not found"
	msgNotFound        = "Not found"
)

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, apiError{Error: message})
}

// statusFor maps an engine error to an HTTP status and a message safe to
// show the caller. Storage and unexpected failures stay opaque.
func statusFor(err error) (int, string) {
	var verr chartable.ValidationError
	switch {
	case errors.Is(err, chartable.ErrMissingSignature):
		return http.StatusBadRequest, msgNoSignature
	case errors.Is(err, chartable.ErrInvalidSignature), errors.Is(err, chartable.ErrMalformedPayload):
		return http.StatusBadRequest, "Webhook Error: " + err.Error()
	case errors.Is(err, chartable.ErrMissingReference):
		return http.StatusBadRequest, msgMissingRef
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, chartable.ErrInvalidInput), errors.Is(err, chartable.ErrInvalidAmount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, chartable.ErrUnauthorized):
		return http.StatusUnauthorized, msgUnauthorized
	case errors.Is(err, chartable.ErrUserNotFound):
		return http.StatusNotFound, msgUserNotFound
	case errors.Is(err, chartable.ErrProjectNotFound):
		return http.StatusNotFound, msgProjectNotFound
	case errors.Is(err, chartable.ErrDiagramNotFound):
		return http.StatusNotFound, msgDiagramNotFound
	case chartable.IsNotFound(err):
		return http.StatusNotFound, msgNotFound
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// fail writes the response for err and logs it with the request id.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, message := statusFor(err)
	fields := []any{
		"operation", operation,
		"status_code", status,
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	}
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "http operation failed", fields...)
	} else {
		h.logger.DebugContext(r.Context(), "http operation failed", fields...)
	}
	writeError(w, status, message)
}
