// Package response writes the status API's JSON envelopes.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/internal/store"
)

// Code is the machine-readable error code of an error envelope.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeInvalidToken        Code = "INVALID_TOKEN"
	CodeJobNotFound         Code = "JOB_NOT_FOUND"
	CodeViewsNotReady       Code = "VIEWS_NOT_READY"
	CodeDatabaseUnavailable Code = "DATABASE_UNAVAILABLE"
	CodeNotImplemented      Code = "NOT_IMPLEMENTED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// requestIDHeader mirrors middleware.RequestIDHeader; the middleware sets it
// on the response before any handler runs.
const requestIDHeader = "X-Request-ID"

type envelope struct {
	Data any `json:"data"`
}

type listEnvelope struct {
	Data any      `json:"data"`
	Meta ListMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ListMeta describes a bounded list. Truncated is set when the list was cut
// at Limit and more entries may exist.
type ListMeta struct {
	Limit     int  `json:"limit"`
	Count     int  `json:"count"`
	Truncated bool `json:"truncated"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

// List writes up to limit items.
func List(w http.ResponseWriter, data any, count, limit int) {
	writeJSON(w, http.StatusOK, listEnvelope{Data: data, Meta: ListMeta{
		Limit:     limit,
		Count:     count,
		Truncated: count >= limit,
	}})
}

func Error(w http.ResponseWriter, status int, code Code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: w.Header().Get(requestIDHeader),
	}})
}

// FromError maps a store or ingest error to its envelope.
func FromError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, CodeJobNotFound, "Job not found")
	case errors.Is(err, store.ErrViewMissing):
		Error(w, http.StatusServiceUnavailable, CodeViewsNotReady, "Pivot views have not been built yet")
	case errors.Is(err, apperr.ErrFatalStorage),
		errors.Is(err, context.DeadlineExceeded),
		store.IsRetryable(err):
		Error(w, http.StatusServiceUnavailable, CodeDatabaseUnavailable, "Database is not reachable")
	default:
		Error(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
