// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/selfheal-runner/internal/artifact"
	"github.com/adiadia/selfheal-runner/internal/coordinator"
	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/events"
	"github.com/adiadia/selfheal-runner/internal/failurebank"
	"github.com/adiadia/selfheal-runner/internal/metrics"
	"github.com/adiadia/selfheal-runner/internal/scenario"
	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/adiadia/selfheal-runner/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxParallelRuns = 3
	maxRequestBodyBytes    = 4 << 20
	readinessTimeout       = 2 * time.Second
	ssePollInterval        = 500 * time.Millisecond
)

type runRequest struct {
	TestIR     testir.TestIR `json:"test_ir"`
	RunID      string        `json:"run_id"`
	AutoRepair *bool         `json:"auto_repair"`
}

type generateScenarioRequest struct {
	NL        string `json:"nl"`
	TargetURL string `json:"target_url"`
}

type Deps struct {
	Runs      RunExecutor
	Scenarios ScenarioGenerator
	Tasks     TaskReader
	Failures  FailureSearcher
	Reports   ReportBuilder
	Events    EventStreamer
	Artifacts artifact.Store

	// ReadinessChecks gate /readyz; every checker must pass.
	ReadinessChecks []HealthChecker

	MaxParallelRuns int
	APIToken        string
	RateLimitPerMin int

	Logger    *slog.Logger
	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	maxParallel := deps.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallelRuns
	}
	runSlots := semaphore.NewWeighted(int64(maxParallel))

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	r.Use(middleware.RateLimit(deps.RateLimitPerMin, logger))
	r.Use(middleware.APITokenAuth(deps.APIToken, logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		for _, check := range deps.ReadinessChecks {
			if check == nil {
				continue
			}
			if err := check.Check(ctx); err != nil {
				requestLogger(r, logger).Warn("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- RUN ----------------

	r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
		if deps.Runs == nil {
			http.Error(w, "runs are not configured", http.StatusServiceUnavailable)
			return
		}

		reqBody, err := decodeRunRequest(r)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}

		if !runSlots.TryAcquire(1) {
			requestLogger(r, logger).Warn("run rejected", "error", domain.ErrMaxParallelRunsExceeded, "limit", maxParallel)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "max parallel runs exceeded", http.StatusTooManyRequests)
			return
		}
		defer runSlots.Release(1)

		resp, err := deps.Runs.Run(r.Context(), coordinator.Request{
			TestIR:     reqBody.TestIR,
			RunID:      reqBody.RunID,
			AutoRepair: reqBody.AutoRepair,
		})
		if err == nil {
			writeJSON(w, http.StatusOK, resp)
			return
		}

		if resp.Error == "" {
			resp.Error = err.Error()
		}

		switch {
		case resp.TaskID == uuid.Nil:
			// Rejected before a task existed: the plan itself is invalid.
			writeDetail(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrExecutorUnreachable):
			requestLogger(r, logger).Error("run failed: executor unreachable", "task_id", resp.TaskID, "run_id", resp.RunID, "error", err)
			writeJSON(w, http.StatusBadGateway, resp)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			requestLogger(r, logger).Warn("run aborted", "task_id", resp.TaskID, "run_id", resp.RunID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, resp)
		default:
			requestLogger(r, logger).Error("run failed", "task_id", resp.TaskID, "run_id", resp.RunID, "error", err)
			writeJSON(w, http.StatusInternalServerError, resp)
		}
	})

	// ---------------- GENERATE SCENARIO ----------------

	r.Post("/generate_scenario", func(w http.ResponseWriter, r *http.Request) {
		if deps.Scenarios == nil {
			http.Error(w, "scenario generation is not configured", http.StatusServiceUnavailable)
			return
		}

		var reqBody generateScenarioRequest
		if err := decodeStrict(r, &reqBody); err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}

		ir, err := deps.Scenarios.Generate(r.Context(), reqBody.NL, strings.TrimSpace(reqBody.TargetURL))
		if err != nil {
			if errors.Is(err, scenario.ErrEmptyRequest) {
				writeDetail(w, http.StatusBadRequest, err.Error())
				return
			}
			requestLogger(r, logger).Error("generate scenario failed", "error", err)
			writeDetail(w, http.StatusInternalServerError, "failed to generate scenario")
			return
		}

		writeJSON(w, http.StatusOK, ir)
	})

	// ---------------- TASKS ----------------

	r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if deps.Tasks == nil {
			http.Error(w, "tasks are not configured", http.StatusServiceUnavailable)
			return
		}
		tasks := deps.Tasks.List(r.Context())
		if tasks == nil {
			tasks = []domain.Task{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	})

	r.Get("/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if deps.Tasks == nil {
			http.Error(w, "tasks are not configured", http.StatusServiceUnavailable)
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid task ID", http.StatusBadRequest)
			return
		}

		task, err := deps.Tasks.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrTaskNotFound) {
				http.Error(w, "task not found", http.StatusNotFound)
				return
			}
			requestLogger(r, logger).Error("get task failed", "task_id", id, "error", err)
			http.Error(w, "failed to get task", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, task)
	})

	// ---------------- FAILURE BANK ----------------

	r.Get("/failures/similar", func(w http.ResponseWriter, r *http.Request) {
		if deps.Failures == nil {
			http.Error(w, "failure bank is not configured", http.StatusServiceUnavailable)
			return
		}

		query := r.URL.Query().Get("q")
		if strings.TrimSpace(query) == "" {
			http.Error(w, "missing q", http.StatusBadRequest)
			return
		}

		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		matches, err := deps.Failures.RetrieveSimilar(r.Context(), query, limit)
		if err != nil {
			requestLogger(r, logger).Error("retrieve similar failures failed", "error", err)
			http.Error(w, "failed to query failure bank", http.StatusInternalServerError)
			return
		}
		if matches == nil {
			matches = []failurebank.Match{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"query":   query,
			"matches": matches,
		})
	})

	// ---------------- REPORT ----------------

	r.Get("/report", func(w http.ResponseWriter, r *http.Request) {
		if deps.Reports == nil {
			http.Error(w, "reports are not configured", http.StatusServiceUnavailable)
			return
		}

		rep, err := deps.Reports.Build(r.Context())
		if err != nil {
			requestLogger(r, logger).Error("build report failed", "error", err)
			http.Error(w, "failed to build report", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	// ---------------- ARTIFACTS ----------------

	r.Get("/artifacts/*", func(w http.ResponseWriter, r *http.Request) {
		if deps.Artifacts == nil {
			http.Error(w, "artifacts are not configured", http.StatusServiceUnavailable)
			return
		}

		key, err := artifact.CleanKey(chi.URLParam(r, "*"))
		if err != nil {
			http.Error(w, "invalid artifact key", http.StatusBadRequest)
			return
		}

		data, err := deps.Artifacts.Get(r.Context(), key)
		if err != nil {
			switch {
			case errors.Is(err, artifact.ErrNotFound):
				http.Error(w, "artifact not found", http.StatusNotFound)
			case errors.Is(err, artifact.ErrInvalidKey):
				http.Error(w, "invalid artifact key", http.StatusBadRequest)
			default:
				requestLogger(r, logger).Error("get artifact failed", "key", key, "error", err)
				http.Error(w, "failed to get artifact", http.StatusInternalServerError)
			}
			return
		}

		contentType := mime.TypeByExtension(path.Ext(key))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})

	// ---------------- STREAM EVENTS (SSE) ----------------

	r.Get("/runs/{run_id}/events", func(w http.ResponseWriter, r *http.Request) {
		runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
		if runID == "" {
			http.Error(w, "invalid run ID", http.StatusBadRequest)
			return
		}

		if deps.Events == nil {
			requestLogger(r, logger).Error("sse events source is not configured")
			http.Error(w, "failed to stream events", http.StatusInternalServerError)
			return
		}

		since := strings.TrimSpace(r.URL.Query().Get("since_id"))
		cursor, err := resolveEventsCursor(r.Context(), deps.Events, runID, since)
		if err != nil {
			if errors.Is(err, errInvalidSinceID) {
				http.Error(w, "invalid since_id", http.StatusBadRequest)
				return
			}
			requestLogger(r, logger).Error("resolve events cursor failed",
				"run_id", runID,
				"since_id", since,
				"error", err,
			)
			http.Error(w, "failed to stream events", http.StatusInternalServerError)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// writeEvents reports whether the run has ended.
		writeEvents := func() (bool, error) {
			evs, err := deps.Events.ListEventsAfter(r.Context(), runID, cursor)
			if err != nil {
				return false, err
			}

			for _, ev := range evs {
				payload, err := json.Marshal(ev)
				if err != nil {
					return false, err
				}
				if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload); err != nil {
					return false, err
				}
				flusher.Flush()
				cursor = ev.Seq
				if ev.Type == events.TypeRunEnd {
					return true, nil
				}
			}

			return false, nil
		}

		ended, err := writeEvents()
		if err != nil {
			requestLogger(r, logger).Error("sse initial write failed", "run_id", runID, "error", err)
			return
		}
		if ended {
			return
		}

		ticker := time.NewTicker(ssePollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				ended, err := writeEvents()
				if err != nil {
					requestLogger(r, logger).Error("sse write failed", "run_id", runID, "error", err)
					return
				}
				if ended {
					return
				}
			}
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeRunRequest(r *http.Request) (runRequest, error) {
	var req runRequest
	if err := decodeStrict(r, &req); err != nil {
		return runRequest{}, err
	}
	req.RunID = strings.TrimSpace(req.RunID)
	if err := req.TestIR.Validate(); err != nil {
		return runRequest{}, err
	}
	return req, nil
}

// decodeStrict decodes exactly one JSON object and rejects unknown fields.
func decodeStrict(r *http.Request, v any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

var errInvalidSinceID = errors.New("invalid since_id")

func resolveEventsCursor(
	ctx context.Context,
	streamer EventStreamer,
	runID string,
	since string,
) (int64, error) {
	if since == "" {
		return 0, nil
	}

	if seq, err := strconv.ParseInt(since, 10, 64); err == nil {
		if seq < 0 {
			return 0, errInvalidSinceID
		}
		return seq, nil
	}

	eventID, err := uuid.Parse(since)
	if err != nil {
		return 0, errInvalidSinceID
	}

	seq, err := streamer.ResolveCursorByEventID(ctx, runID, eventID)
	if err != nil {
		if errors.Is(err, events.ErrEventNotFound) {
			return 0, errInvalidSinceID
		}
		return 0, err
	}

	return seq, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
