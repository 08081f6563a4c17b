package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/pbsgestor/internal/config"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrViewMissing means the pivot views have not been built yet.
	ErrViewMissing = errors.New("pivot view missing")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// WriteBatch applies a batch and commits its progress in one transaction.
	WriteBatch(ctx context.Context, batch models.Batch) error
	Position(ctx context.Context, day time.Time) (models.LogPosition, bool, error)
	LastPosition(ctx context.Context) (models.LogPosition, bool, error)

	JobPivot(ctx context.Context, jobID string) (map[string]any, error)
	RejectClusters(ctx context.Context, limit int) ([]models.RejectCluster, error)
}

// Names holds the configured identifiers of every object the store touches.
type Names struct {
	Schema    string
	Jobs      string
	Resources string
	Progress  string
	Rejects   string
	PivotView string
	JobView   string
}

// NamesFrom copies object names out of the schema configuration.
func NamesFrom(cfg config.SchemaConfig) Names {
	return Names{
		Schema:    cfg.Name,
		Jobs:      cfg.Jobs,
		Resources: cfg.Resources,
		Progress:  cfg.Progress,
		Rejects:   cfg.Rejects,
		PivotView: cfg.PivotView,
		JobView:   cfg.JobView,
	}
}

// Qualified returns the quoted, schema-qualified name of obj.
func (n Names) Qualified(obj string) string {
	return pgx.Identifier{n.Schema, obj}.Sanitize()
}

// Querier is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CrosstabSchema finds the schema holding the two-argument crosstab
// function, preferring schemas on the current search_path. The bool is
// false when the extension is not installed.
func CrosstabSchema(ctx context.Context, q Querier) (string, bool, error) {
	var schema string
	err := q.QueryRow(ctx, `
		SELECT n.nspname
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE p.proname = 'crosstab' AND p.pronargs = 2
		ORDER BY (n.nspname = ANY (current_schemas(false))) DESC, n.nspname
		LIMIT 1`).Scan(&schema)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find crosstab function: %w", err)
	}
	return schema, true, nil
}
