// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxExecBodyBytes = 4 << 20

// Runner executes a whole plan once. *Local satisfies it.
type Runner interface {
	Run(ctx context.Context, runID string, ir testir.TestIR) (Outcome, error)
}

// NewServiceHandler exposes runner as POST /exec. Successful runs answer
// 200 with the outcome; failed runs answer 500 with {"detail": outcome}.
func NewServiceHandler(runner Runner, logger *slog.Logger, mw ...func(http.Handler) http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/exec", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeExecRequest(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		if req.RunID == "" {
			req.RunID = "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		}

		logger.Info("exec started", "run_id", req.RunID, "test_id", req.TestIR.ID, "steps", len(req.TestIR.Steps))

		out, err := runner.Run(r.Context(), req.RunID, req.TestIR)
		if err != nil {
			logger.Error("exec failed to start", "run_id", req.RunID, "error", err)
			out = Outcome{RunID: req.RunID, Status: StatusError, Error: err.Error()}
		}

		logger.Info("exec finished", "run_id", req.RunID, "status", string(out.Status))

		if !out.OK() {
			writeJSON(w, http.StatusInternalServerError, map[string]Outcome{"detail": out})
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	return r
}

func decodeExecRequest(r *http.Request) (ExecRequest, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return ExecRequest{}, errors.New("request body is required")
	}

	var req ExecRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxExecBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return ExecRequest{}, errors.New("invalid request body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ExecRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.RunID = strings.TrimSpace(req.RunID)
	if err := req.TestIR.Validate(); err != nil {
		return ExecRequest{}, err
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
