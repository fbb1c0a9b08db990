package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
)

// migrationLockID is the advisory lock key held while migrating.
// Every replica runs Migrate at boot; the lock makes them take turns.
const migrationLockID = 0x77617264656e // "warden"

// Migrate applies all pending SQL migrations from the given filesystem, in filename order.
// Each migration runs in its own transaction together with its schema_migrations row.
// Returns the versions applied by this call.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) ([]string, error) {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(entries)

	var applied []string
	for _, filename := range entries {
		sql, err := fs.ReadFile(migrationsFS, filename)
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", filename, err)
		}

		ran := false
		err = s.withTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockID)); err != nil {
				return fmt.Errorf("acquiring migration lock: %w", err)
			}
			// Re-check under the lock; another replica may have just applied it.
			var exists bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", filename,
			).Scan(&exists); err != nil {
				return fmt.Errorf("checking migration %s: %w", filename, err)
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return fmt.Errorf("executing migration %s: %w", filename, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", filename); err != nil {
				return fmt.Errorf("recording migration %s: %w", filename, err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, err
		}

		if ran {
			slog.Info("migration applied", "version", filename)
			applied = append(applied, filename)
		} else {
			slog.Debug("migration already applied, skipping", "version", filename)
		}
	}

	return applied, nil
}
