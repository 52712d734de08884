// SPDX-License-Identifier: Apache-2.0

// Package app assembles the run coordinator and its collaborators from
// configuration. The API server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adiadia/selfheal-runner/internal/artifact"
	"github.com/adiadia/selfheal-runner/internal/browser"
	"github.com/adiadia/selfheal-runner/internal/config"
	"github.com/adiadia/selfheal-runner/internal/coordinator"
	"github.com/adiadia/selfheal-runner/internal/events"
	"github.com/adiadia/selfheal-runner/internal/executor"
	"github.com/adiadia/selfheal-runner/internal/failurebank"
	"github.com/adiadia/selfheal-runner/internal/journal"
	"github.com/adiadia/selfheal-runner/internal/persistence/postgres"
	"github.com/adiadia/selfheal-runner/internal/repair"
	"github.com/adiadia/selfheal-runner/internal/report"
	"github.com/adiadia/selfheal-runner/internal/repository"
	"github.com/adiadia/selfheal-runner/internal/scenario"
	"github.com/adiadia/selfheal-runner/internal/taskstore"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Checker is a readiness probe.
type Checker interface {
	Check(ctx context.Context) error
}

type Deps struct {
	Config config.Config
	Logger *slog.Logger
	// Boundary and Model replace the configured executor and language model
	// when set.
	Boundary executor.Boundary
	Model    llms.Model
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Tasks       *taskstore.Store
	Failures    *failurebank.Bank
	Artifacts   artifact.Store
	Events      *events.Hub
	Coordinator *coordinator.Coordinator
	Scenarios   *scenario.Generator
	Reports     *report.Reporter
	Notifier    *coordinator.WebhookNotifier

	ReadinessChecks []Checker

	closers []func()
}

func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.runClosers()
		}
	}()

	taskLog, failureLog, err := a.openJournals(ctx)
	if err != nil {
		return nil, err
	}

	store, err := taskstore.Open(ctx, taskLog, logger)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	a.Tasks = store
	a.Failures = failurebank.New(failureLog, logger)

	artifacts, err := a.openArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	a.Artifacts = artifacts

	model := deps.Model
	if model == nil && cfg.LLM.Enabled() {
		model, err = newModel(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("init language model: %w", err)
		}
		logger.Info("language model enabled", "model", cfg.LLM.Model)
	}

	boundary := deps.Boundary
	if boundary == nil {
		boundary = a.newBoundary()
	}

	engineDeps := repair.Deps{
		Artifacts:      artifacts,
		SuggestTimeout: cfg.LLM.Timeout,
		Logger:         logger,
	}
	if model != nil {
		engineDeps.Suggester = repair.NewLLMSuggester(model, a.Failures, logger)
	}

	a.Events = events.NewHub()
	a.Notifier = coordinator.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, nil, logger)

	coordDeps := coordinator.Deps{
		Boundary:      boundary,
		Failures:      a.Failures,
		Repairer:      repair.New(engineDeps),
		Tasks:         store,
		Events:        a.Events,
		Logger:        logger,
		RetryCount:    cfg.RetryCount,
		MatchByStepID: cfg.MatchByStepID,
	}
	if a.Notifier != nil {
		coordDeps.Notifier = a.Notifier
	}
	a.Coordinator = coordinator.New(coordDeps)

	a.Scenarios = scenario.NewGenerator(scenario.Deps{
		Model:   model,
		Timeout: cfg.LLM.Timeout,
		Logger:  logger,
	})

	a.Reports = report.New(report.Deps{
		Tasks:    store,
		Failures: a.Failures,
		EventLog: journal.NewFileLog(cfg.LogFile),
		Model:    model,
		Timeout:  cfg.LLM.Timeout,
		Logger:   logger,
	})

	ok = true
	return a, nil
}

// Close waits for pending webhook deliveries and releases held resources.
func (a *App) Close(ctx context.Context) error {
	err := a.Notifier.Wait(ctx)
	a.runClosers()
	return err
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openJournals(ctx context.Context) (journal.Log, journal.Log, error) {
	cfg := a.Config

	switch cfg.StoreBackend {
	case config.BackendFile, "":
		a.Logger.Info("using file store", "data_dir", cfg.DataDir)
		return journal.NewFileLog(cfg.TasksPath()), journal.NewFileLog(cfg.FailuresPath()), nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect failed: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, a.Logger); err != nil {
				return nil, nil, fmt.Errorf("schema bootstrap failed: %w", err)
			}
		}
		a.ReadinessChecks = append(a.ReadinessChecks, postgres.NewSchemaHealthChecker(pool))

		a.Logger.Info("using postgres store")
		return repository.NewJournalRepository(pool, a.Logger, repository.StreamTasks),
			repository.NewJournalRepository(pool, a.Logger, repository.StreamFailures),
			nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func (a *App) openArtifacts(ctx context.Context) (artifact.Store, error) {
	cfg := a.Config

	switch cfg.ArtifactBackend {
	case config.BackendFile, "":
		return artifact.NewFSStore(cfg.ArtifactDir), nil

	case config.BackendMinio:
		store, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    cfg.Minio.Region,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("open artifact store: %w", err)
		}
		a.ReadinessChecks = append(a.ReadinessChecks, store)
		a.Logger.Info("using minio artifact store", "endpoint", cfg.Minio.Endpoint, "bucket", cfg.Minio.Bucket)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

func (a *App) newBoundary() executor.Boundary {
	cfg := a.Config

	if url := strings.TrimSpace(cfg.ExecutorURL); url != "" {
		a.Logger.Info("using remote executor", "url", url)
		return executor.NewRemote(executor.RemoteDeps{
			URL:     url,
			Token:   cfg.ExecutorToken,
			Timeout: cfg.ExecutorTimeout,
			Logger:  a.Logger,
		})
	}

	a.Logger.Info("using in-process browser executor", "headless", cfg.BrowserHeadless)
	return NewLocalExecutor(cfg, a.Artifacts, a.Logger)
}

// NewLocalExecutor drives a local Chrome through chromedp.
func NewLocalExecutor(cfg config.Config, artifacts artifact.Store, logger *slog.Logger) *executor.Local {
	driver := browser.New(browser.Options{
		Headless:  cfg.BrowserHeadless,
		Artifacts: artifacts,
		Logger:    logger,
	})
	return executor.NewLocal(executor.LocalDeps{
		Sessions:  driver,
		Steps:     driver,
		Artifacts: artifacts,
		Logger:    logger,
	})
}

func newModel(cfg config.LLMConfig) (llms.Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing api key")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}
