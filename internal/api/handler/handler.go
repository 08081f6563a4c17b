// Package handler implements the read-only status API.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/pbsgestor/internal/api/response"
	"github.com/kiranshivaraju/pbsgestor/internal/projector"
	"github.com/kiranshivaraju/pbsgestor/internal/scanner"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

const (
	defaultRejectLimit = 50
	maxRejectLimit     = 1000
	maxJobIDLen        = 255
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource exposes the scanner's progress.
type StatusSource interface {
	Snapshot() scanner.Snapshot
}

// FactReader reads the projected job rows and reject clusters.
type FactReader interface {
	JobPivot(ctx context.Context, jobID string) (map[string]any, error)
	RejectClusters(ctx context.Context, limit int) ([]models.RejectCluster, error)
}

// ColumnLister lists the pivot columns currently derivable from the facts.
type ColumnLister interface {
	Columns(ctx context.Context) ([]projector.Column, error)
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDatabaseUnavailable,
				"Database is not reachable")
			return
		}
		response.JSON(w, map[string]string{"status": "ok"})
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/status.
func NewStatusHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, src.Snapshot())
	}
}

// NewJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobHandler(facts FactReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" || len(jobID) > maxJobIDLen {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "invalid job id")
			return
		}

		row, err := facts.JobPivot(r.Context(), jobID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, row)
	}
}

// NewRejectsHandler returns an http.HandlerFunc for GET /api/v1/rejects.
func NewRejectsHandler(facts FactReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultRejectLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxRejectLimit {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
					"limit must be between 1 and 1000")
				return
			}
			limit = n
		}

		clusters, err := facts.RejectClusters(r.Context(), limit)
		if err != nil {
			response.FromError(w, err)
			return
		}
		if clusters == nil {
			clusters = []models.RejectCluster{}
		}
		response.List(w, clusters, len(clusters), limit)
	}
}

type columnResponse struct {
	Name      string `json:"name"`
	Resource  string `json:"resource"`
	Requested bool   `json:"requested"`
	Type      string `json:"type"`
}

// NewColumnsHandler returns an http.HandlerFunc for GET /api/v1/columns.
func NewColumnsHandler(cols ColumnLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		columns, err := cols.Columns(r.Context())
		if err != nil {
			response.FromError(w, err)
			return
		}

		out := make([]columnResponse, 0, len(columns))
		for _, c := range columns {
			out = append(out, columnResponse{
				Name:      c.Name,
				Resource:  c.Resource.Name,
				Requested: c.Resource.Requested,
				Type:      c.Type,
			})
		}
		response.JSON(w, out)
	}
}
