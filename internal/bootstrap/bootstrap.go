// Package bootstrap provisions the database objects the ingester needs. It
// connects as the configured application role and escalates to the
// superuser only for the steps that require it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/internal/config"
	"github.com/kiranshivaraju/pbsgestor/internal/store"
)

// Bootstrapper ensures the database, schema, extension and base tables exist.
type Bootstrapper struct {
	db     config.DatabaseConfig
	schema config.SchemaConfig
	logger *slog.Logger
}

func New(db config.DatabaseConfig, schema config.SchemaConfig, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{db: db, schema: schema, logger: logger}
}

// Ensure runs every provisioning step. It is safe to call on every start
// and from several processes at once. Failures wrap apperr.ErrBootstrap.
func (b *Bootstrapper) Ensure(ctx context.Context) error {
	if err := b.ensure(ctx); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrBootstrap, err)
	}
	return nil
}

func (b *Bootstrapper) ensure(ctx context.Context) error {
	appCfg, err := pgx.ParseConfig(b.db.URL)
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}

	if err := b.EnsureDatabase(ctx, appCfg); err != nil {
		return err
	}

	conn, err := pgx.ConnectConfig(ctx, appCfg)
	if err != nil {
		return fmt.Errorf("connect as %s: %w", appCfg.User, err)
	}
	defer conn.Close(ctx)

	if err := b.EnsureSchema(ctx, conn, appCfg); err != nil {
		return err
	}
	if err := b.EnsureExtension(ctx, conn, appCfg); err != nil {
		return err
	}

	if err := store.RunMigrations(b.db.URL, store.NamesFrom(b.schema)); err != nil {
		return err
	}
	b.logger.Info("database bootstrap complete", "database", appCfg.Database, "schema", b.schema.Name)
	return nil
}

// EnsureDatabase creates the target database, owned by the application
// role, when connecting reports that it does not exist.
func (b *Bootstrapper) EnsureDatabase(ctx context.Context, appCfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, appCfg)
	if err == nil {
		return conn.Close(ctx)
	}
	if !store.IsCode(err, pgerrcode.InvalidCatalogName) {
		return fmt.Errorf("connect database %s: %w", appCfg.Database, err)
	}

	b.logger.Info("database missing, creating as superuser", "database", appCfg.Database)
	return WithSuperuser(ctx, b.db, b.db.MaintenanceDatabase, func(ctx context.Context, su *pgx.Conn) error {
		_, err := su.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s",
			pgx.Identifier{appCfg.Database}.Sanitize(), pgx.Identifier{appCfg.User}.Sanitize()))
		if store.IsCode(err, pgerrcode.DuplicateDatabase) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("create database %s: %w", appCfg.Database, err)
		}
		return nil
	})
}

// EnsureSchema creates the configured schema, escalating when the
// application role may not create schemas in the database.
func (b *Bootstrapper) EnsureSchema(ctx context.Context, conn *pgx.Conn, appCfg *pgx.ConnConfig) error {
	schema := pgx.Identifier{b.schema.Name}.Sanitize()

	_, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema)
	if err == nil || isCreateRace(err) {
		return nil
	}
	if !store.IsCode(err, pgerrcode.InsufficientPrivilege) {
		return fmt.Errorf("create schema %s: %w", b.schema.Name, err)
	}

	b.logger.Info("creating schema as superuser", "schema", b.schema.Name)
	return WithSuperuser(ctx, b.db, appCfg.Database, func(ctx context.Context, su *pgx.Conn) error {
		_, err := su.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s AUTHORIZATION %s",
			schema, pgx.Identifier{appCfg.User}.Sanitize()))
		if err != nil && !isCreateRace(err) {
			return fmt.Errorf("create schema %s: %w", b.schema.Name, err)
		}
		return nil
	})
}

// EnsureExtension installs the crosstab extension if no crosstab function
// is visible and makes sure the application role can use its schema.
func (b *Bootstrapper) EnsureExtension(ctx context.Context, conn *pgx.Conn, appCfg *pgx.ConnConfig) error {
	fnSchema, found, err := store.CrosstabSchema(ctx, conn)
	if err != nil {
		return err
	}

	if !found {
		b.logger.Info("installing extension as superuser", "extension", b.schema.Extension)
		err := WithSuperuser(ctx, b.db, appCfg.Database, func(ctx context.Context, su *pgx.Conn) error {
			_, err := su.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+pgx.Identifier{b.schema.Extension}.Sanitize())
			if err != nil && !isCreateRace(err) {
				return fmt.Errorf("create extension %s: %w", b.schema.Extension, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		fnSchema, found, err = store.CrosstabSchema(ctx, conn)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("extension %s installed but crosstab(text, text) not found", b.schema.Extension)
		}
	}

	var usable bool
	if err := conn.QueryRow(ctx, `SELECT has_schema_privilege($1, 'USAGE')`, fnSchema).Scan(&usable); err != nil {
		return fmt.Errorf("check usage on schema %s: %w", fnSchema, err)
	}
	if usable {
		return nil
	}

	b.logger.Info("granting schema usage as superuser", "schema", fnSchema, "role", appCfg.User)
	return WithSuperuser(ctx, b.db, appCfg.Database, func(ctx context.Context, su *pgx.Conn) error {
		_, err := su.Exec(ctx, fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO %s",
			pgx.Identifier{fnSchema}.Sanitize(), pgx.Identifier{appCfg.User}.Sanitize()))
		if err != nil {
			return fmt.Errorf("grant usage on schema %s: %w", fnSchema, err)
		}
		return nil
	})
}

// WithSuperuser opens a superuser connection to database for the duration
// of fn only. The connection is closed before WithSuperuser returns.
func WithSuperuser(ctx context.Context, db config.DatabaseConfig, database string, fn func(ctx context.Context, conn *pgx.Conn) error) error {
	if db.Superuser == "" {
		return fmt.Errorf("superuser privileges required but database.superuser is not set")
	}

	cfg, err := pgx.ParseConfig(db.URL)
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}
	cfg.User = db.Superuser
	cfg.Password = db.SuperuserPassword
	cfg.Database = database

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect as superuser %s: %w", db.Superuser, err)
	}
	defer conn.Close(ctx)

	return fn(ctx, conn)
}

// isCreateRace reports errors raised when a concurrent session created the
// same object first.
func isCreateRace(err error) bool {
	return store.IsCode(err, pgerrcode.DuplicateObject) ||
		store.IsCode(err, pgerrcode.DuplicateSchema) ||
		store.IsCode(err, pgerrcode.UniqueViolation)
}
