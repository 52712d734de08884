// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StreamFailures = "failures"
	StreamTasks    = "tasks"
)

// JournalRepository stores one append-only record stream in journal_entries.
// It satisfies journal.Log.
type JournalRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	stream string
}

func NewJournalRepository(pool *pgxpool.Pool, logger *slog.Logger, stream string) *JournalRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &JournalRepository{
		pool:   pool,
		logger: logger,
		stream: stream,
	}
}

func (r *JournalRepository) Append(ctx context.Context, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s journal record: %w", r.stream, err)
	}

	if _, err := r.pool.Exec(ctx,
		`INSERT INTO journal_entries (stream, payload) VALUES ($1, $2::jsonb)`,
		r.stream,
		payload,
	); err != nil {
		r.logger.Error("insert journal entry failed", "stream", r.stream, "error", err)
		return fmt.Errorf("append %s journal entry: %w", r.stream, err)
	}

	return nil
}

func (r *JournalRepository) Replay(ctx context.Context, fn func(line []byte) error) error {
	rows, err := r.pool.Query(ctx, `
		SELECT payload
		FROM journal_entries
		WHERE stream=$1
		ORDER BY id ASC
	`, r.stream)
	if err != nil {
		r.logger.Error("replay journal query failed", "stream", r.stream, "error", err)
		return fmt.Errorf("replay %s journal: %w", r.stream, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			r.logger.Error("scan journal row failed", "stream", r.stream, "error", err)
			return err
		}
		if err := fn(payload); err != nil {
			return err
		}
		count++
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("journal rows iteration failed", "stream", r.stream, "error", err)
		return err
	}

	r.logger.Debug("journal replayed", "stream", r.stream, "count", count)
	return nil
}
