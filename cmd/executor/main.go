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
	"github.com/adiadia/selfheal-runner/internal/artifact"
	"github.com/adiadia/selfheal-runner/internal/config"
	"github.com/adiadia/selfheal-runner/internal/executor"
	"github.com/adiadia/selfheal-runner/internal/logging"
	"github.com/adiadia/selfheal-runner/internal/transport/middleware"
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

	var store artifact.Store = artifact.NewFSStore(cfg.ArtifactDir)
	if cfg.ArtifactBackend == config.BackendMinio {
		ms, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    cfg.Minio.Region,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			logger.Error("open artifact store failed", "error", err)
			os.Exit(1)
		}
		store = ms
	}

	local := app.NewLocalExecutor(cfg, store, logger)
	handler := executor.NewServiceHandler(local, logger,
		middleware.APITokenAuth(cfg.ExecutorToken, logger),
	)

	srv := &http.Server{
		Addr:              cfg.ExecutorAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("executor listening", "addr", cfg.ExecutorAddr, "headless", cfg.BrowserHeadless)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down executor")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
