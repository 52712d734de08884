// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/selfheal-runner/internal/coordinator"
	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/events"
	"github.com/adiadia/selfheal-runner/internal/failurebank"
	"github.com/adiadia/selfheal-runner/internal/report"
	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/google/uuid"
)

type RunExecutor interface {
	Run(ctx context.Context, req coordinator.Request) (coordinator.Response, error)
}

type ScenarioGenerator interface {
	Generate(ctx context.Context, nl, targetURL string) (testir.TestIR, error)
}

type TaskReader interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Task, error)
	List(ctx context.Context) []domain.Task
}

type FailureSearcher interface {
	RetrieveSimilar(ctx context.Context, query string, limit int) ([]failurebank.Match, error)
}

type ReportBuilder interface {
	Build(ctx context.Context) (report.Report, error)
}

type EventStreamer interface {
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64) ([]events.Event, error)
	ResolveCursorByEventID(ctx context.Context, runID string, eventID uuid.UUID) (int64, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
