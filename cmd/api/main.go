// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/selfheal-runner/internal/app"
	"github.com/adiadia/selfheal-runner/internal/config"
	"github.com/adiadia/selfheal-runner/internal/logging"
	httptransport "github.com/adiadia/selfheal-runner/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger, logFile, err := logging.NewLoggerWithFile(cfg.Env, cfg.LogFile)
	if err != nil {
		log.Fatalf("open log file failed: %v", err)
	}
	defer logFile.Close()

	a, err := app.New(ctx, app.Deps{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	checks := make([]httptransport.HealthChecker, 0, len(a.ReadinessChecks))
	for _, c := range a.ReadinessChecks {
		checks = append(checks, c)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Runs:            a.Coordinator,
		Scenarios:       a.Scenarios,
		Tasks:           a.Tasks,
		Failures:        a.Failures,
		Reports:         a.Reports,
		Events:          a.Events,
		Artifacts:       a.Artifacts,
		ReadinessChecks: checks,
		MaxParallelRuns: cfg.MaxParallelTasks,
		APIToken:        cfg.APIToken,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
		Version:         Version,
		Commit:          Commit,
		BuildDate:       BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"store_backend", cfg.StoreBackend,
			"max_attempts", a.Coordinator.MaxAttempts(),
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("pending webhook deliveries abandoned", "error", err)
	}
}
