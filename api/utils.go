package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"sigmadex/search"
	"sigmadex/storage"
)

// maxErrorMessageLength caps error text returned to clients.
const maxErrorMessageLength = 200

var (
	connStringPattern = regexp.MustCompile(`(?:sqlite|file)://?[^\s"']+`)
	filePathPattern   = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[^\\/:*?"<>|\s]+[\\/])*[^\\/:*?"<>|\s]+`)
	privateIPPattern  = regexp.MustCompile(`\b(?:10|127)(?:\.\d{1,3}){3}(?::\d{1,5})?\b|\b192\.168(?:\.\d{1,3}){2}(?::\d{1,5})?\b|\b172\.(?:1[6-9]|2[0-9]|3[01])(?:\.\d{1,3}){2}(?::\d{1,5})?\b`)
	stackTracePattern = regexp.MustCompile(`(?m)^goroutine \d+.*$`)
)

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error string `json:"error"`
}

// sanitizeErrorMessage removes sensitive information from error messages before sending to clients
func sanitizeErrorMessage(message string) string {
	message = connStringPattern.ReplaceAllString(message, "[DATABASE_CONNECTION]")
	message = filePathPattern.ReplaceAllString(message, "[FILE_PATH]")
	message = privateIPPattern.ReplaceAllString(message, "[PRIVATE_IP]")
	message = stackTracePattern.ReplaceAllString(message, "[STACK_TRACE]")

	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// writeError logs the full error and sends the client a sanitized JSON body.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	fields := []interface{}{
		"path", r.URL.Path,
		"status_code", statusCode,
	}
	if start, ok := GetTraceStart(r.Context()); ok {
		fields = append(fields, "elapsed_ms", time.Since(start).Milliseconds())
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	logger := LogWithRequestID(r.Context(), a.logger)
	if statusCode >= http.StatusInternalServerError {
		logger.Errorw(message, fields...)
	} else {
		logger.Warnw(message, fields...)
	}

	a.respondJSON(w, errorResponse{Error: sanitizeErrorMessage(message)}, statusCode)
}

// writeServiceError maps search and storage errors to HTTP status codes.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		a.writeError(w, r, http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, search.ErrNotFound):
		// never echo the requested path
		a.writeError(w, r, http.StatusNotFound, search.ErrNotFound.Error(), err)
	case errors.Is(err, search.ErrNotReady):
		a.writeError(w, r, http.StatusServiceUnavailable, search.ErrNotReady.Error(), err)
	case errors.Is(err, context.DeadlineExceeded):
		a.writeError(w, r, http.StatusGatewayTimeout, "request timed out", err)
	case errors.Is(err, search.ErrIO):
		a.writeError(w, r, http.StatusInternalServerError, search.ErrIO.Error(), err)
	case errors.Is(err, storage.ErrStorage):
		a.writeError(w, r, http.StatusInternalServerError, "index query failed", err)
	default:
		a.writeError(w, r, http.StatusInternalServerError, "internal server error", err)
	}
}

// respondJSON writes data as JSON with the given status.
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode response", "error", err)
	}
}
