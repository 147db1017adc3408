// Package api provides HTTP handlers for the episode runtime.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/kdapp-runtime/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// ErrorResponse is the body of every failed request. Episode is set when the
// request failed after an episode was already registered.
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Code      string                  `json:"code"`
	Retryable bool                    `json:"retryable"`
	Episode   *domain.EpisodeMetadata `json:"episode,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response for a request the handler rejected itself.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteError maps err onto a status code and writes it. Internal failures
// are logged and their detail withheld.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(r, err)
	JSON(w, status, body)
}

func errorResponse(r *http.Request, err error) (int, ErrorResponse) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	return status, ErrorResponse{
		Error:     msg,
		Code:      domain.Code(err),
		Retryable: domain.IsTransient(err),
	}
}

// StatusFor returns the HTTP status for an error of the runtime taxonomy.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNoResourcesAvailable), errors.Is(err, domain.ErrNodeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownEpisodeType), errors.Is(err, domain.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrExecutionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSubmissionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}
