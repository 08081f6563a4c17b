package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/pbsgestor/internal/api/middleware"
	"github.com/kiranshivaraju/pbsgestor/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	// Auth guards every route except health. Nil leaves them open.
	Auth *mw.Auth

	HealthHandler  http.HandlerFunc
	StatusHandler  http.HandlerFunc
	JobHandler     http.HandlerFunc
	RejectsHandler http.HandlerFunc
	ColumnsHandler http.HandlerFunc
	Metrics        http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}

		r.Get("/api/v1/status", orNotImplemented(deps.StatusHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobHandler))
		r.Get("/api/v1/rejects", orNotImplemented(deps.RejectsHandler))
		r.Get("/api/v1/columns", orNotImplemented(deps.ColumnsHandler))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		} else {
			r.Get("/metrics", orNotImplemented(nil))
		}
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented")
	}
}
