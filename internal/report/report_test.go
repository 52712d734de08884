// SPDX-License-Identifier: Apache-2.0

package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/failurebank"
	"github.com/adiadia/selfheal-runner/internal/journal"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticTasks []domain.Task

func (s staticTasks) List(context.Context) []domain.Task { return s }

func task(status domain.TaskStatus, created time.Time, took time.Duration) domain.Task {
	return domain.Task{
		ID:        uuid.New(),
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created.Add(took),
	}
}

func seededBank(t *testing.T, errs ...string) *failurebank.Bank {
	t.Helper()
	bank := failurebank.New(journal.NewFileLog(filepath.Join(t.TempDir(), "failures.jsonl")), testLogger())
	for _, e := range errs {
		if _, err := bank.Record(context.Background(), domain.FailureRecord{JobID: "run_x", Error: e}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	return bank
}

func TestComputeMetrics(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tasks := staticTasks{
		task(domain.TaskCompleted, base, 2*time.Second),
		task(domain.TaskFailed, base.Add(time.Minute), 4*time.Second),
		task(domain.TaskRunning, base.Add(2*time.Minute), 0),
		task(domain.TaskPending, base.Add(3*time.Minute), 0),
	}
	bank := seededBank(t, "Timeout 5000ms exceeded", "Timeout 5000ms exceeded", "", "assertion failed: x")

	eventLog := journal.NewFileLog(filepath.Join(t.TempDir(), "agent.log.jsonl"))
	for i := 0; i < 3; i++ {
		_ = eventLog.Append(context.Background(), map[string]int{"n": i})
	}

	r := New(Deps{Tasks: tasks, Failures: bank, EventLog: eventLog, Logger: testLogger()})
	m, err := r.Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	if m.TotalTasks != 4 || m.Completed != 1 || m.Failed != 1 || m.Pending != 2 {
		t.Fatalf("unexpected counts %+v", m)
	}
	if m.AvgDurationSeconds == nil || *m.AvgDurationSeconds != 1.5 {
		t.Fatalf("expected avg 1.5s, got %v", m.AvgDurationSeconds)
	}
	if m.FailureCount != 4 || m.FailureDistribution["Timeout 5000ms exceeded"] != 2 || m.FailureDistribution["unknown"] != 1 {
		t.Fatalf("unexpected failure distribution %+v", m.FailureDistribution)
	}
	if m.LogCount != 3 {
		t.Fatalf("expected 3 log lines, got %d", m.LogCount)
	}
	if len(m.RecentTasks) != 4 || !m.RecentTasks[0].CreatedAt.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("expected newest task first, got %+v", m.RecentTasks)
	}
}

func TestRecentTasksCapped(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var tasks staticTasks
	for i := 0; i < 25; i++ {
		tasks = append(tasks, task(domain.TaskCompleted, base.Add(time.Duration(i)*time.Second), time.Second))
	}

	m, err := New(Deps{Tasks: tasks, Logger: testLogger()}).Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(m.RecentTasks) != recentTaskLimit {
		t.Fatalf("expected %d recent tasks, got %d", recentTaskLimit, len(m.RecentTasks))
	}
}

func TestHeuristicSummary(t *testing.T) {
	avg := 2.26
	m := Metrics{
		TotalTasks:          3,
		Completed:           2,
		Failed:              1,
		AvgDurationSeconds:  &avg,
		FailureDistribution: map[string]int{"b error": 2, "a error": 2, "rare": 1},
	}
	want := "Total tasks: 3. Completed: 2. Failed: 1. Average task duration: 2.3s. Most common failure: a error."
	if got := HeuristicSummary(m); got != want {
		t.Fatalf("unexpected summary:\n got %q\nwant %q", got, want)
	}

	empty := HeuristicSummary(Metrics{})
	if empty != "Total tasks: 0. Completed: 0. Failed: 0." {
		t.Fatalf("unexpected empty summary %q", empty)
	}
}

type fakeModel struct {
	reply string
	err   error
}

func (m *fakeModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestBuildUsesModelSummary(t *testing.T) {
	r := New(Deps{Tasks: staticTasks{}, Model: &fakeModel{reply: "  All quiet.  "}, Logger: testLogger()})

	rep, err := r.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rep.Summary != "All quiet." || rep.SummarySource != SourceLLM {
		t.Fatalf("unexpected summary %q (%s)", rep.Summary, rep.SummarySource)
	}
}

func TestBuildFallsBackWhenModelFails(t *testing.T) {
	r := New(Deps{Tasks: staticTasks{}, Model: &fakeModel{err: errors.New("quota")}, Logger: testLogger()})

	rep, err := r.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rep.SummarySource != SourceHeuristic || !strings.HasPrefix(rep.Summary, "Total tasks: 0.") {
		t.Fatalf("unexpected fallback %q (%s)", rep.Summary, rep.SummarySource)
	}
}
