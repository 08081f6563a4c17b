package store

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/pbsgestor/migrations"
)

const migrationsTable = "schema_migrations"

// RunMigrations renders the embedded migrations for names and applies every
// pending one. The version table lives in the configured schema, which must
// already exist.
func RunMigrations(databaseURL string, names Names) error {
	dir, err := os.MkdirTemp("", "pbsgestor-migrations-")
	if err != nil {
		return fmt.Errorf("create migrations dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := RenderMigrations(dir, names); err != nil {
		return err
	}

	dbURL, err := migrationsURL(databaseURL, names.Schema)
	if err != nil {
		return err
	}

	m, err := migrate.New("file://"+filepath.ToSlash(dir), dbURL)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// RenderMigrations writes the migrations with object names substituted into dst.
func RenderMigrations(dst string, names Names) error {
	files, err := fs.Glob(migrations.Files, "*.sql.tmpl")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	funcs := template.FuncMap{
		"ident": func(s string) string { return pgx.Identifier{s}.Sanitize() },
	}

	for _, name := range files {
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(migrations.Files, name)
		if err != nil {
			return fmt.Errorf("parse migration %s: %w", name, err)
		}

		var sb strings.Builder
		if err := tmpl.Execute(&sb, names); err != nil {
			return fmt.Errorf("render migration %s: %w", name, err)
		}

		out := filepath.Join(dst, strings.TrimSuffix(name, ".tmpl"))
		if err := os.WriteFile(out, []byte(sb.String()), 0o600); err != nil {
			return fmt.Errorf("write migration %s: %w", out, err)
		}
	}
	return nil
}

func migrationsURL(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return "", fmt.Errorf("database url must be a postgres:// URL")
	}
	q := u.Query()
	q.Set("x-migrations-table", pgx.Identifier{schema, migrationsTable}.Sanitize())
	q.Set("x-migrations-table-quoted", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
