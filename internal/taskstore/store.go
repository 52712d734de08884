// SPDX-License-Identifier: Apache-2.0

// Package taskstore tracks task lifecycles on top of an append-only journal.
// Every change appends the full task; replay keeps the latest version.
package taskstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/journal"
	"github.com/adiadia/selfheal-runner/internal/metrics"
	"github.com/google/uuid"
)

type Store struct {
	mu     sync.Mutex
	log    journal.Log
	logger *slog.Logger
	now    func() time.Time
	tasks  map[uuid.UUID]domain.Task
}

// Open replays log and returns a store holding the latest version of every
// task. Lines that do not decode are skipped.
func Open(ctx context.Context, log journal.Log, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		log:    log,
		logger: logger,
		now:    time.Now,
		tasks:  make(map[uuid.UUID]domain.Task),
	}

	skipped := 0
	err := log.Replay(ctx, func(line []byte) error {
		var t domain.Task
		if err := json.Unmarshal(line, &t); err != nil || t.ID == uuid.Nil {
			skipped++
			return nil
		}
		s.tasks[t.ID] = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay task log: %w", err)
	}
	if skipped > 0 {
		logger.Warn("skipped malformed task records", "count", skipped)
	}

	return s, nil
}

// Create persists a new pending task before returning it. When the write
// fails the task is still tracked in memory and returned with the error.
func (s *Store) Create(ctx context.Context, description string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	t := domain.Task{
		ID:          uuid.New(),
		Description: description,
		Status:      domain.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.tasks[t.ID] = t
	metrics.IncRunStatus(string(t.Status))

	if err := s.log.Append(ctx, t); err != nil {
		metrics.IncPersistenceError("tasks")
		s.logger.Error("task create write failed", "task_id", t.ID, "error", err)
		return t, fmt.Errorf("persist task: %w", err)
	}

	s.logger.Info("task created", "task_id", t.ID, "description", description)
	return t, nil
}

// Update moves the task to status and appends the new version. A nil result
// keeps the previous one.
func (s *Store) Update(ctx context.Context, id uuid.UUID, status domain.TaskStatus, result json.RawMessage) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if !t.Status.CanTransitionTo(status) {
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, status)
	}

	t.Status = status
	t.UpdatedAt = s.now().UTC()
	if result != nil {
		t.Result = append(json.RawMessage(nil), result...)
	}

	// The in-memory copy advances even when the write fails so the run can
	// still finish; the log then lags until the next successful append.
	s.tasks[id] = t
	metrics.IncRunStatus(string(status))

	if err := s.log.Append(ctx, t); err != nil {
		metrics.IncPersistenceError("tasks")
		s.logger.Error("task update write failed", "task_id", id, "status", status, "error", err)
		return t, fmt.Errorf("persist task: %w", err)
	}

	s.logger.Debug("task updated", "task_id", id, "status", status)
	return t, nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

// List returns every task, newest first.
func (s *Store) List(_ context.Context) []domain.Task {
	s.mu.Lock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out
}
