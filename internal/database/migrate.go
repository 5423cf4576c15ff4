package database

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, each in its own transaction, in file-name order. It
// returns the names applied.
func (db *DB) Migrate(ctx context.Context) ([]string, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
		    name       TEXT PRIMARY KEY,
		    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create schema_migrations")
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list migrations")
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return applied, errors.Wrap(err, errors.ErrCodeInternal, "failed to read migration "+name)
		}

		ran := false
		err = db.InTransaction(ctx, func(tx pgx.Tx) error {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name,
			).Scan(&exists); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check migration "+name)
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply migration "+name)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to record migration "+name)
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, err
		}
		if ran {
			applied = append(applied, name)
		}
	}
	return applied, nil
}
