// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/adiadia/selfheal-runner/internal/config"
	"github.com/adiadia/selfheal-runner/internal/coordinator"
	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/executor"
	"github.com/adiadia/selfheal-runner/internal/testir"
)

type passingBoundary struct{}

func (passingBoundary) Open(ctx context.Context, runID string) (executor.Conn, error) {
	return passingConn{runID: runID}, nil
}

type passingConn struct{ runID string }

func (c passingConn) Submit(ctx context.Context, ir testir.TestIR) (executor.Outcome, error) {
	results := make([]testir.StepResult, 0, len(ir.Steps))
	for i := range ir.Steps {
		results = append(results, testir.StepResult{StepID: ir.StepID(i), OK: true})
	}
	return executor.Outcome{RunID: c.runID, Status: executor.StatusSuccess, Results: results}, nil
}

func (passingConn) Close() error { return nil }

func fileConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Env:             "dev",
		DataDir:         dir,
		LogFile:         filepath.Join(dir, "agent.log.jsonl"),
		StoreBackend:    config.BackendFile,
		ArtifactBackend: config.BackendFile,
		ArtifactDir:     filepath.Join(dir, "artifacts"),
		RetryCount:      2,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWiresFileBackendAndPersistsTasks(t *testing.T) {
	cfg := fileConfig(t)
	ctx := context.Background()

	a, err := New(ctx, Deps{Config: cfg, Logger: discardLogger(), Boundary: passingBoundary{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	if a.Notifier != nil {
		t.Fatal("expected no webhook notifier without WEBHOOK_URL")
	}
	if len(a.ReadinessChecks) != 0 {
		t.Fatalf("expected no readiness checks for file backends, got %d", len(a.ReadinessChecks))
	}
	if a.Coordinator.MaxAttempts() != 3 {
		t.Fatalf("expected 3 attempts got %d", a.Coordinator.MaxAttempts())
	}

	resp, err := a.Coordinator.Run(ctx, coordinator.Request{TestIR: testir.TestIR{
		ID:    "t1",
		Steps: []testir.Step{{Action: testir.ActionGoto, Target: testir.Target{Kind: testir.TargetURL, Value: "https://example.com"}}},
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Status != domain.TaskCompleted {
		t.Fatalf("expected completed got %s", resp.Status)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(ctx, Deps{Config: cfg, Logger: discardLogger(), Boundary: passingBoundary{}})
	if err != nil {
		t.Fatalf("reopen app: %v", err)
	}
	defer func() { _ = reopened.Close(ctx) }()

	task, err := reopened.Tasks.Get(ctx, resp.TaskID)
	if err != nil {
		t.Fatalf("get replayed task: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected replayed status completed got %s", task.Status)
	}

	rep, err := reopened.Reports.Build(ctx)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	if rep.Metrics.TotalTasks != 1 || rep.Metrics.Completed != 1 {
		t.Fatalf("unexpected report metrics %+v", rep.Metrics)
	}
	if rep.SummarySource != "heuristic" {
		t.Fatalf("expected heuristic summary without a model, got %q", rep.SummarySource)
	}
}

func TestNewWithWebhookURLCreatesNotifier(t *testing.T) {
	cfg := fileConfig(t)
	cfg.WebhookURL = "http://127.0.0.1:1/hook"

	a, err := New(context.Background(), Deps{Config: cfg, Logger: discardLogger(), Boundary: passingBoundary{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer func() { _ = a.Close(context.Background()) }()

	if a.Notifier == nil {
		t.Fatal("expected webhook notifier")
	}
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	cfg := fileConfig(t)
	cfg.StoreBackend = "sqlite"
	if _, err := New(context.Background(), Deps{Config: cfg, Logger: discardLogger()}); err == nil {
		t.Fatal("expected unknown store backend to fail")
	}

	cfg = fileConfig(t)
	cfg.ArtifactBackend = "s3"
	if _, err := New(context.Background(), Deps{Config: cfg, Logger: discardLogger()}); err == nil {
		t.Fatal("expected unknown artifact backend to fail")
	}
}

func TestNewSelectsRemoteExecutor(t *testing.T) {
	cfg := fileConfig(t)
	cfg.ExecutorURL = "http://executor:3000/exec"

	a, err := New(context.Background(), Deps{Config: cfg, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer func() { _ = a.Close(context.Background()) }()

	if _, ok := a.newBoundary().(*executor.Remote); !ok {
		t.Fatal("expected remote executor when EXECUTOR_URL is set")
	}
}
