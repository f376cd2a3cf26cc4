package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/florianilch/authsync/internal/authapi"
	"github.com/florianilch/authsync/internal/session"
)

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
// Logs encoding failures internally using the provided context.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes a JSON error response with the given status code.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, ErrorResponse{Error: message}, status)
}

// errorStatus maps session and service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, authapi.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotAuthenticated),
		errors.Is(err, session.ErrSessionInvalid),
		errors.Is(err, authapi.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, authapi.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, authapi.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrNotStored):
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSONError(r.Context(), w, err.Error(), status)
}
