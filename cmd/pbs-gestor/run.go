package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kiranshivaraju/pbsgestor/internal/api"
	"github.com/kiranshivaraju/pbsgestor/internal/api/handler"
	mw "github.com/kiranshivaraju/pbsgestor/internal/api/middleware"
	"github.com/kiranshivaraju/pbsgestor/internal/bootstrap"
	"github.com/kiranshivaraju/pbsgestor/internal/config"
	"github.com/kiranshivaraju/pbsgestor/internal/lease"
	"github.com/kiranshivaraju/pbsgestor/internal/projector"
	"github.com/kiranshivaraju/pbsgestor/internal/scanner"
	"github.com/kiranshivaraju/pbsgestor/internal/store"
	"github.com/kiranshivaraju/pbsgestor/pkg/acctlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

func run(ctx context.Context, cfg *config.Config, opts options, out io.Writer) error {
	logger, closer, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	logger.Info("config loaded", "log_dir", cfg.Log.Dir, "schema", cfg.Schema.Name, "lease", cfg.Lease.Backend)

	// 1. Database, schema, extension and base tables
	if err := bootstrap.New(cfg.Database, cfg.Schema, logger).Ensure(ctx); err != nil {
		return err
	}
	logger.Info("database bootstrapped")

	// 2. Single-writer lease
	locker, err := lease.New(cfg.Lease, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer locker.Close()

	held, err := lease.Acquire(ctx, locker, cfg.Lease.TTL.Duration, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if err := held.Release(context.Background()); err != nil {
			logger.Warn("release lease", "error", err)
		}
	}()

	// 3. Connection pool
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	names := store.NamesFrom(cfg.Schema)
	pgStore := store.NewPostgresStore(pool, names)
	logger.Info("database connected", "run_id", pgStore.RunID())

	// 4. Views
	proj := projector.New(pool, projector.OptionsFrom(cfg), logger)
	if err := proj.Ensure(ctx); err != nil {
		return err
	}

	// 5. Scanner
	parser := acctlog.NewParser(acctlog.Options{
		RequestedPrefix: cfg.Log.RequestedPrefix,
		UsedPrefix:      cfg.Log.UsedPrefix,
		JobAttributes:   acctlog.DefaultJobAttributes,
		Location:        loc,
	})
	sc := scanner.New(parser, pgStore, scanner.Options{
		Dir:           cfg.Log.Dir,
		Location:      loc,
		From:          opts.from,
		Till:          opts.till,
		BatchSize:     cfg.Ingest.BatchSize,
		BatchInterval: cfg.Ingest.BatchInterval.Duration,
		PollInterval:  cfg.Log.PollInterval.Duration,
		RolloverGrace: cfg.Log.RolloverGrace.Duration,
		MaxAttempts:   cfg.Ingest.MaxAttempts,
		RetryInitial:  cfg.Ingest.RetryInitial.Duration,
		RetryMax:      cfg.Ingest.RetryMax.Duration,
		Clock:         clock.RealClock{},
		Status:        out,
		Logger:        logger,
	})

	// The scanner finishing a manual range ends the whole group.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var refresher *projector.Refresher
	if cfg.Pivot.RefreshSchedule != "" {
		refresher, err = projector.NewRefresher(gctx, cfg.Pivot.RefreshSchedule, proj, logger)
		if err != nil {
			return err
		}
	}

	g.Go(func() error {
		defer cancel()
		return sc.Run(gctx)
	})
	g.Go(func() error {
		return lease.Watch(gctx, held)
	})

	if refresher != nil {
		g.Go(func() error {
			return refresher.Run(gctx)
		})
	}

	if cfg.Server.Port > 0 {
		router := api.NewRouter(api.Dependencies{
			Auth:           mw.NewAuth(cfg.Server.TokenHash),
			HealthHandler:  handler.NewHealthHandler(pgStore),
			StatusHandler:  handler.NewStatusHandler(sc),
			JobHandler:     handler.NewJobHandler(pgStore),
			RejectsHandler: handler.NewRejectsHandler(pgStore),
			ColumnsHandler: handler.NewColumnsHandler(proj),
			Metrics:        promhttp.Handler(),
		})
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		g.Go(func() error {
			return serve(gctx, addr, router, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// Pick up resources first seen in this run.
	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer finalCancel()
	if err := proj.Ensure(finalCtx); err != nil {
		logger.Warn("refresh views on exit", "error", err)
	}

	logger.Info("stopped", "state", sc.State().String())
	return nil
}
