// Package projector maintains the pivot views over the resource fact table.
// Every distinct resource name becomes a typed column of a crosstab view,
// and a second view joins that pivot back onto the jobs table.
package projector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/pbsgestor/internal/config"
	"github.com/kiranshivaraju/pbsgestor/internal/metrics"
	"github.com/kiranshivaraju/pbsgestor/internal/store"
)

// Options configures a Projector.
type Options struct {
	Names  store.Names
	Naming Naming
}

// OptionsFrom builds Options from the loaded configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Names: store.NamesFrom(cfg.Schema),
		Naming: Naming{
			RequestedPrefix:   cfg.Pivot.RequestedPrefix,
			UsedPrefix:        cfg.Pivot.UsedPrefix,
			IntegerResources:  cfg.Pivot.IntegerResources,
			DurationResources: cfg.Pivot.DurationResources,
		},
	}
}

// Projector creates and refreshes the pivot views.
type Projector struct {
	pool   *pgxpool.Pool
	opts   Options
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, opts Options, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{pool: pool, opts: opts, logger: logger}
}

// Ensure makes both views match the current resource vocabulary. Views that
// already match are left untouched; otherwise both are dropped and recreated
// in one transaction. Concurrent callers serialize on an advisory lock.
func (p *Projector) Ensure(ctx context.Context) error {
	_, err := p.ensure(ctx)
	return err
}

func (p *Projector) ensure(ctx context.Context) (bool, error) {
	pl, err := p.plan(ctx)
	if err != nil {
		return false, err
	}

	rebuilt := false
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		lockKey := "pbs_gestor.views." + p.opts.Names.Schema
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return fmt.Errorf("lock views: %w", err)
		}

		current, err := p.signatures(ctx, tx)
		if err != nil {
			return err
		}
		if current[0] == pl.signature && current[1] == pl.signature {
			return nil
		}

		statements := []string{
			"DROP VIEW IF EXISTS " + p.opts.Names.Qualified(p.opts.Names.JobView),
			"DROP VIEW IF EXISTS " + p.opts.Names.Qualified(p.opts.Names.PivotView),
			pl.pivotSQL,
			pl.jobSQL,
			fmt.Sprintf("COMMENT ON VIEW %s IS %s", p.opts.Names.Qualified(p.opts.Names.PivotView), quoteLiteral(pl.signature)),
			fmt.Sprintf("COMMENT ON VIEW %s IS %s", p.opts.Names.Qualified(p.opts.Names.JobView), quoteLiteral(pl.signature)),
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("rebuild views: %w", err)
			}
		}
		rebuilt = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if rebuilt {
		metrics.ViewRebuilds.Inc()
		p.logger.Info("pivot views rebuilt",
			"pivot_view", p.opts.Names.PivotView,
			"job_view", p.opts.Names.JobView,
			"columns", len(pl.columns))
	} else {
		p.logger.Debug("pivot views up to date", "columns", len(pl.columns))
	}
	return rebuilt, nil
}

// plan discovers the vocabulary, the jobs columns and the crosstab schema.
func (p *Projector) plan(ctx context.Context) (plan, error) {
	resources, err := p.resources(ctx)
	if err != nil {
		return plan{}, err
	}
	jobColumns, err := p.jobColumns(ctx)
	if err != nil {
		return plan{}, err
	}

	crosstabSchema := ""
	if len(resources) > 0 {
		schema, found, err := store.CrosstabSchema(ctx, p.pool)
		if err != nil {
			return plan{}, err
		}
		if !found {
			return plan{}, fmt.Errorf("crosstab(text, text) not installed")
		}
		crosstabSchema = schema
	}

	return newPlan(p.opts.Names, crosstabSchema, p.opts.Naming.Columns(resources), jobColumns), nil
}

// Columns returns the pivot columns the current vocabulary maps to.
func (p *Projector) Columns(ctx context.Context) ([]Column, error) {
	resources, err := p.resources(ctx)
	if err != nil {
		return nil, err
	}
	return p.opts.Naming.Columns(resources), nil
}

func (p *Projector) resources(ctx context.Context) ([]Resource, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT name, requested FROM %s ORDER BY requested DESC, name`,
		p.opts.Names.Qualified(p.opts.Names.Resources)))
	if err != nil {
		return nil, fmt.Errorf("discover resources: %w", err)
	}
	resources, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Resource, error) {
		var r Resource
		err := row.Scan(&r.Name, &r.Requested)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan resources: %w", err)
	}
	return resources, nil
}

func (p *Projector) jobColumns(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, p.opts.Names.Schema, p.opts.Names.Jobs)
	if err != nil {
		return nil, fmt.Errorf("list job columns: %w", err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan job columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns", p.opts.Names.Qualified(p.opts.Names.Jobs))
	}
	return cols, nil
}

// signatures returns the comments on the pivot and job views. A missing
// view reads as an empty string.
func (p *Projector) signatures(ctx context.Context, tx pgx.Tx) ([2]string, error) {
	var pivot, job *string
	err := tx.QueryRow(ctx, `
		SELECT obj_description(to_regclass($1::text), 'pg_class'),
		       obj_description(to_regclass($2::text), 'pg_class')`,
		p.opts.Names.Qualified(p.opts.Names.PivotView),
		p.opts.Names.Qualified(p.opts.Names.JobView),
	).Scan(&pivot, &job)
	if err != nil {
		return [2]string{}, fmt.Errorf("read view signatures: %w", err)
	}
	var out [2]string
	if pivot != nil {
		out[0] = *pivot
	}
	if job != nil {
		out[1] = *job
	}
	return out, nil
}
