// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/selfheal-runner/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x53484c5f4d494752 // "SHL_MIGR"

var errNilPool = errors.New("nil database pool")

// journalSchema lists the relations the journal repository writes to.
var journalSchema = map[string][]string{
	"journal_entries": {"id", "stream", "payload", "created_at"},
}

// SchemaHealthChecker reports whether the journal schema is usable. It is
// wired into the readiness probe.
type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// EnsureSchema applies every embedded migration not yet recorded in
// schema_migrations. Concurrent callers serialize on an advisory lock.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errNilPool
	}
	if logger == nil {
		logger = slog.Default()
	}

	migrations, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	started := time.Now()
	logger.Info("schema bootstrap starting", "migrations", len(migrations))

	var applied, skipped int
	err = withAdvisoryLock(ctx, pool, logger, func(conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				filename TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`); err != nil {
			return fmt.Errorf("create schema_migrations table: %w", err)
		}

		done, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}

		for _, m := range migrations {
			if done[m.Name] {
				skipped++
				continue
			}
			logger.Info("applying migration", "file", m.Name)
			if err := applyMigration(ctx, conn, m); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Name, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("schema bootstrap complete",
		"applied", applied,
		"skipped", skipped,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return SchemaReady(ctx, pool)
}

func withAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, fn func(*pgxpool.Conn) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for schema bootstrap: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire schema bootstrap lock: %w", err)
	}
	defer func() {
		// ctx may already be canceled; the unlock must still reach the server.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); err != nil {
			logger.Error("schema bootstrap unlock failed", "error", err)
		}
	}()

	return fn(conn)
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}

	done := make(map[string]bool, len(names))
	for _, n := range names {
		done[n] = true
	}
	return done, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, m embeddedmigrations.File) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, m.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, m.Name); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SchemaReady fails when a journal table or one of its columns is missing.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errNilPool
	}

	var missing []string
	for table, columns := range journalSchema {
		var relation *string
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1)`, "public."+table).Scan(&relation); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if relation == nil || strings.TrimSpace(*relation) == "" {
			missing = append(missing, table)
			continue
		}

		rows, err := pool.Query(ctx, `
			SELECT column_name
			FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = $1
		`, table)
		if err != nil {
			return fmt.Errorf("list columns of %s: %w", table, err)
		}
		present, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("scan columns of %s: %w", table, err)
		}
		have := make(map[string]bool, len(present))
		for _, c := range present {
			have[c] = true
		}
		for _, c := range columns {
			if !have[c] {
				missing = append(missing, table+"."+c)
			}
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("journal schema incomplete: %s", strings.Join(missing, ", "))
	}
	return nil
}
