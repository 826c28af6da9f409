package handler

// RESPONSE HELPERS:
// Every JSON error from the API has the same shape:
//
//	{"error": "needs_reauth", "message": "linked account 123 needs to be connected again"}
//
// Browser routes (the /auth/x/* redirects) never render JSON for user-flow
// errors; they redirect to one of the configured landing pages instead.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/postlink/internal/apperror"
)

// maxBodyBytes caps request bodies. A full 25 item chain is well under it.
const maxBodyBytes = 64 << 10

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"` // Human-readable description
	Field   string `json:"field,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
// Headers and status go out before the body; later header changes are ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// classify maps a domain error to its HTTP status and error body.
//
// errors.Is walks the whole chain, so
//
//	fmt.Errorf("service: x: %w", apperror.NeedsReauth(id))
//
// still maps to 401 needs_reauth. Anything that is not an *AppError is an
// internal error, and its text is never sent to the client.
func classify(err error) (int, ErrorResponse) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		}
	}

	status := http.StatusInternalServerError
	errorType := "internal_error"

	switch {
	case errors.Is(err, apperror.ErrValidation):
		status, errorType = http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrNotFound):
		status, errorType = http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrForbidden):
		status, errorType = http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrConflict):
		status, errorType = http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrConfiguration):
		status, errorType = http.StatusInternalServerError, "configuration_error"
	case errors.Is(err, apperror.ErrNeedsReauth):
		status, errorType = http.StatusUnauthorized, "needs_reauth"
	case errors.Is(err, apperror.ErrTransient):
		status, errorType = http.StatusServiceUnavailable, "transient_error"
	case errors.Is(err, apperror.ErrPublishFailed):
		status, errorType = http.StatusBadGateway, "publish_failed"
	case errors.Is(err, apperror.ErrSessionNotFound):
		status, errorType = http.StatusNotFound, "session_not_found"
	case errors.Is(err, apperror.ErrSessionExpired):
		status, errorType = http.StatusGone, "session_expired"
	case errors.Is(err, apperror.ErrCSRFMismatch):
		status, errorType = http.StatusBadRequest, "csrf_mismatch"
	case errors.Is(err, apperror.ErrAuthorizationFailed):
		status, errorType = http.StatusBadRequest, "authorization_failed"
	}

	return status, ErrorResponse{Error: errorType, Message: appErr.Message, Field: appErr.Field}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a size-limited JSON body into dst. Unknown fields are
// rejected so typos like "item" instead of "items" fail loudly.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperror.ValidationFailed("body", "invalid JSON in request body")
	}
	return nil
}
