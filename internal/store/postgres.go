package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool    *pgxpool.Pool
	names   Names
	dialect goqu.DialectWrapper
	runID   uuid.UUID
}

// NewPostgresStore creates a new PostgresStore. Every progress row it
// writes is stamped with a fresh run id.
func NewPostgresStore(pool *pgxpool.Pool, names Names) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		names:   names,
		dialect: goqu.Dialect("postgres"),
		runID:   uuid.New(),
	}
}

// RunID identifies this process in the progress table.
func (s *PostgresStore) RunID() uuid.UUID {
	return s.runID
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Batches ---

// WriteBatch writes jobs, resources and rejects, then advances the file's
// progress, all in one transaction. Any failure rolls everything back.
func (s *PostgresStore) WriteBatch(ctx context.Context, batch models.Batch) error {
	jobs := conflateJobs(batch.Jobs)
	resources := conflateResources(batch.Resources)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.upsertJobs(ctx, tx, jobs); err != nil {
			return err
		}
		if err := s.upsertResources(ctx, tx, resources); err != nil {
			return err
		}
		if err := s.insertRejects(ctx, tx, batch.Rejects); err != nil {
			return err
		}
		return s.commitPosition(ctx, tx, batch.Position)
	})
	if err != nil {
		return fmt.Errorf("write batch for %s: %w", batch.Position.File.Format(time.DateOnly), err)
	}
	return nil
}

func (s *PostgresStore) upsertJobs(ctx context.Context, tx pgx.Tx, jobs []models.JobFact) error {
	if len(jobs) == 0 {
		return nil
	}

	cols := make([]any, len(jobColumns))
	for i, c := range jobColumns {
		cols[i] = c
	}
	update := s.jobConflictUpdate()

	for _, chunk := range chunks(jobs, maxRowsPerStatement) {
		rows := make([][]any, 0, len(chunk))
		for _, j := range chunk {
			row, err := jobRow(j)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}

		query, args, err := s.dialect.
			Insert(goqu.S(s.names.Schema).Table(s.names.Jobs)).
			Cols(cols...).
			Vals(rows...).
			OnConflict(goqu.DoUpdate("job_id", update)).
			Prepared(true).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build job upsert: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert jobs: %w", err)
		}
	}
	return nil
}

// jobConflictUpdate keeps known attributes when a later record omits them
// and never lets an older lifecycle event overwrite a newer one.
func (s *PostgresStore) jobConflictUpdate() goqu.Record {
	t := pgx.Identifier{s.names.Jobs}.Sanitize()
	newer := fmt.Sprintf("EXCLUDED.event_rank >= %s.event_rank", t)

	rec := goqu.Record{
		"server":        goqu.L(fmt.Sprintf("COALESCE(EXCLUDED.server, %s.server)", t)),
		"event_rank":    goqu.L(fmt.Sprintf("GREATEST(%s.event_rank, EXCLUDED.event_rank)", t)),
		"event_type":    goqu.L(fmt.Sprintf("CASE WHEN %s THEN EXCLUDED.event_type ELSE %s.event_type END", newer, t)),
		"last_record":   goqu.L(fmt.Sprintf("CASE WHEN %s THEN EXCLUDED.last_record ELSE %s.last_record END", newer, t)),
		"last_event_at": goqu.L(fmt.Sprintf("CASE WHEN %s THEN EXCLUDED.last_event_at ELSE %s.last_event_at END", newer, t)),
		"attributes":    goqu.L(fmt.Sprintf("%s.attributes || EXCLUDED.attributes", t)),
		"source_file":   goqu.L(fmt.Sprintf("GREATEST(%s.source_file, EXCLUDED.source_file)", t)),
		"updated_at":    goqu.L("NOW()"),
	}
	for _, a := range jobAttributeColumns {
		c := pgx.Identifier{a.column}.Sanitize()
		rec[a.column] = goqu.L(fmt.Sprintf("COALESCE(EXCLUDED.%s, %s.%s)", c, t, c))
	}
	return rec
}

func (s *PostgresStore) upsertResources(ctx context.Context, tx pgx.Tx, resources []models.ResourceFact) error {
	if len(resources) == 0 {
		return nil
	}
	t := pgx.Identifier{s.names.Resources}.Sanitize()

	for _, chunk := range chunks(resources, maxRowsPerStatement) {
		rows := make([][]any, 0, len(chunk))
		for _, r := range chunk {
			rows = append(rows, []any{r.JobID, r.Name, r.Requested, r.Value, r.SourceFile})
		}

		query, args, err := s.dialect.
			Insert(goqu.S(s.names.Schema).Table(s.names.Resources)).
			Cols("job_id", "name", "requested", "value", "source_file").
			Vals(rows...).
			OnConflict(goqu.DoUpdate("job_id, name, requested", goqu.Record{
				"value":       goqu.L("EXCLUDED.value"),
				"source_file": goqu.L(fmt.Sprintf("GREATEST(%s.source_file, EXCLUDED.source_file)", t)),
				"updated_at":  goqu.L("NOW()"),
			})).
			Prepared(true).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build resource upsert: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert resources: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) insertRejects(ctx context.Context, tx pgx.Tx, rejects []models.Reject) error {
	if len(rejects) == 0 {
		return nil
	}

	for _, chunk := range chunks(rejects, maxRowsPerStatement) {
		rows := make([][]any, 0, len(chunk))
		for _, r := range chunk {
			rows = append(rows, []any{r.File, r.LineNo, r.Kind, r.Reason, r.Raw, r.Fingerprint})
		}

		query, args, err := s.dialect.
			Insert(goqu.S(s.names.Schema).Table(s.names.Rejects)).
			Cols("file_date", "line_no", "kind", "reason", "raw", "fingerprint").
			Vals(rows...).
			OnConflict(goqu.DoNothing()).
			Prepared(true).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build reject insert: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert rejects: %w", err)
		}
	}
	return nil
}

// --- Progress ---

func (s *PostgresStore) commitPosition(ctx context.Context, tx pgx.Tx, pos models.LogPosition) error {
	t := pgx.Identifier{s.names.Progress}.Sanitize()
	_, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %[1]s (file_date, byte_offset, line_count, completed, run_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (file_date) DO UPDATE SET
			byte_offset = GREATEST(%[2]s.byte_offset, EXCLUDED.byte_offset),
			line_count  = GREATEST(%[2]s.line_count, EXCLUDED.line_count),
			completed   = %[2]s.completed OR EXCLUDED.completed,
			run_id      = EXCLUDED.run_id,
			updated_at  = NOW()`, s.names.Qualified(s.names.Progress), t),
		pos.File, pos.Offset, pos.Line, pos.Completed, s.runID)
	if err != nil {
		return fmt.Errorf("commit position: %w", err)
	}
	return nil
}

// Position returns the committed position for one file. The bool is false
// when the file has never been read.
func (s *PostgresStore) Position(ctx context.Context, day time.Time) (models.LogPosition, bool, error) {
	return s.scanPosition(ctx, fmt.Sprintf(
		`SELECT file_date, byte_offset, line_count, completed, updated_at FROM %s WHERE file_date = $1`,
		s.names.Qualified(s.names.Progress)), models.Day(day))
}

// LastPosition returns the position of the newest file ever read.
func (s *PostgresStore) LastPosition(ctx context.Context) (models.LogPosition, bool, error) {
	return s.scanPosition(ctx, fmt.Sprintf(
		`SELECT file_date, byte_offset, line_count, completed, updated_at FROM %s ORDER BY file_date DESC LIMIT 1`,
		s.names.Qualified(s.names.Progress)))
}

func (s *PostgresStore) scanPosition(ctx context.Context, query string, args ...any) (models.LogPosition, bool, error) {
	var p models.LogPosition
	err := s.pool.QueryRow(ctx, query, args...).Scan(&p.File, &p.Offset, &p.Line, &p.Completed, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LogPosition{}, false, nil
	}
	if err != nil {
		return models.LogPosition{}, false, fmt.Errorf("get position: %w", err)
	}
	p.File = models.Day(p.File)
	return p, true, nil
}

// --- Read models ---

// JobPivot returns the job view row for jobID as a column -> value map.
func (s *PostgresStore) JobPivot(ctx context.Context, jobID string) (map[string]any, error) {
	var row map[string]any
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT to_jsonb(v) FROM %s v WHERE v.job_id = $1`, s.names.Qualified(s.names.JobView)), jobID,
	).Scan(&row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return nil, fmt.Errorf("%w: %s", ErrViewMissing, s.names.JobView)
	}
	if err != nil {
		return nil, fmt.Errorf("get job pivot: %w", err)
	}
	return row, nil
}

// RejectClusters groups rejected lines by fingerprint, most frequent first.
func (s *PostgresStore) RejectClusters(ctx context.Context, limit int) ([]models.RejectCluster, error) {
	if limit <= 0 {
		limit = 50
	}

	query, args, err := s.dialect.
		From(goqu.S(s.names.Schema).Table(s.names.Rejects)).
		Select(
			goqu.C("fingerprint"),
			goqu.MIN("kind").As("kind"),
			goqu.COUNT(goqu.Star()).As("count"),
			goqu.MIN("file_date").As("first_file"),
			goqu.MAX("file_date").As("last_file"),
			goqu.MIN("raw").As("sample"),
		).
		GroupBy("fingerprint").
		Order(goqu.I("count").Desc(), goqu.C("fingerprint").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build reject clusters query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reject clusters: %w", err)
	}
	clusters, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.RejectCluster])
	if err != nil {
		return nil, fmt.Errorf("scan reject clusters: %w", err)
	}
	return clusters, nil
}

// attributesJSON encodes the raw attribute map for the jsonb column.
func attributesJSON(attrs map[string]string) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(b), nil
}
