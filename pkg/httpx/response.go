// Package httpx holds the JSON request and response helpers shared by the
// HTTP handlers.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Error is a handler error that knows the status it answers with.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// BadRequest returns a 400 Error.
func BadRequest(format string, args ...any) error {
	return &Error{Status: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

// StatusOf maps err to a response status. An *Error keeps its own status,
// a deadline becomes 504, and anything else gets fallback.
func StatusOf(err error, fallback int) int {
	var he *Error
	switch {
	case errors.As(err, &he):
		return he.Status
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return fallback
	}
}

// DecodeJSON decodes the body of r into v, reading at most limit bytes.
// Failures come back as an *Error: 413 for an oversized body, 400 otherwise.
func DecodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &Error{Status: http.StatusRequestEntityTooLarge, Err: fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)}
	}
	return &Error{Status: http.StatusBadRequest, Err: fmt.Errorf("invalid JSON: %w", err)}
}

// RespondJSON writes data as JSON with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("Failed to encode JSON response")
	}
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError answers with err, using StatusOf(err, fallback) as the status.
func RespondError(w http.ResponseWriter, fallback int, err error) {
	RespondErrorString(w, StatusOf(err, fallback), err.Error())
}

// RespondErrorString answers with status and message.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	if status >= http.StatusInternalServerError {
		logrus.WithField("status", status).Warn(message)
	}
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
