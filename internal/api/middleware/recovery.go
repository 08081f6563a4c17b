package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/pbsgestor/internal/api/response"
	"github.com/kiranshivaraju/pbsgestor/internal/metrics"
)

// Recovery turns a handler panic into a 500 envelope carrying the request
// id. The ingest loop runs in its own goroutine and is never affected.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if err, ok := rv.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rv)
			}

			metrics.APIPanics.Inc()
			id, _ := GetRequestID(r)
			slog.Error("status api handler panicked",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rv,
				"stack", string(debug.Stack()),
			)
			response.Error(w, http.StatusInternalServerError,
				response.CodeInternal, "An unexpected error occurred")
		}()
		next.ServeHTTP(w, r)
	})
}
