// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/selfheal-runner/internal/artifact"
	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/testir"
)

const snapshotTimeout = 5 * time.Second

type LocalDeps struct {
	Sessions  SessionFactory
	Steps     StepExecutor
	Artifacts artifact.Store
	Logger    *slog.Logger
}

// Local executes plans in process, one session per run.
type Local struct {
	sessions  SessionFactory
	steps     StepExecutor
	artifacts artifact.Store
	logger    *slog.Logger
}

func NewLocal(deps LocalDeps) *Local {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Local{
		sessions:  deps.Sessions,
		steps:     deps.Steps,
		artifacts: deps.Artifacts,
		logger:    deps.Logger,
	}
}

func (l *Local) Open(ctx context.Context, runID string) (Conn, error) {
	sess, err := l.sessions.Open(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", domain.ErrExecutorUnreachable, err)
	}
	return &localConn{local: l, runID: runID, sess: sess}, nil
}

// Run opens a session, executes ir once and closes the session.
func (l *Local) Run(ctx context.Context, runID string, ir testir.TestIR) (Outcome, error) {
	conn, err := l.Open(ctx, runID)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			l.logger.Warn("session close failed", "run_id", runID, "error", err)
		}
	}()
	return conn.Submit(ctx, ir)
}

type localConn struct {
	local    *Local
	runID    string
	sess     Session
	attempts int
}

func (c *localConn) Submit(ctx context.Context, ir testir.TestIR) (Outcome, error) {
	c.attempts++
	return c.local.execute(ctx, c.sess, c.runID, c.attempts, ir), nil
}

func (c *localConn) Close() error {
	return c.sess.Close()
}

func (l *Local) execute(ctx context.Context, sess Session, runID string, attempt int, ir testir.TestIR) Outcome {
	out := Outcome{
		RunID:   runID,
		Status:  StatusSuccess,
		Results: make([]testir.StepResult, 0, len(ir.Steps)),
	}

	if b := ir.Browser(); b != testir.DefaultBrowser {
		l.logger.Warn("unsupported browser requested, using chromium", "run_id", runID, "browser", b)
	}

	for i, step := range ir.Steps {
		if err := ctx.Err(); err != nil {
			out.Status = StatusError
			out.Error = err.Error()
			return out
		}

		res := l.safeExecute(ctx, sess, step)
		res.StepID = ir.StepID(i)
		out.Results = append(out.Results, res)

		if key, ok := res.Details[testir.DetailScreenshotKey].(string); ok && key != "" {
			out.Artifacts.Screenshots = append(out.Artifacts.Screenshots, key)
		}

		if res.OK {
			continue
		}

		failed := step
		out.Status = StatusFailed
		out.Error = res.Error
		out.FailedStep = &failed
		out.Artifacts.DOMSnapshotKey = l.snapshot(ctx, sess, runID, artifact.Key(runID, ir.ID, fmt.Sprintf("attempt-%d", attempt), "dom.json"))
		l.logger.Info("step failed",
			"run_id", runID,
			"step_id", res.StepID,
			"action", string(step.Action),
			"error", res.Error,
		)
		break
	}
	return out
}

func (l *Local) safeExecute(ctx context.Context, sess Session, step testir.Step) (res testir.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("step executor panicked", "action", string(step.Action), "panic", r)
			res = testir.StepResult{OK: false, Error: fmt.Sprintf("%s failed: %v", step.Action, r)}
		}
	}()
	return l.steps.Execute(ctx, sess, step)
}

// snapshot stores the current DOM as {"html": ...} and returns its key, or
// "" when the page or the store is unavailable.
func (l *Local) snapshot(ctx context.Context, sess Session, runID, key string) string {
	if l.artifacts == nil {
		return ""
	}

	// The run context may already be done; the snapshot is still useful.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	defer cancel()

	markup, err := sess.DOM(ctx)
	if err != nil {
		l.logger.Warn("dom snapshot failed", "run_id", runID, "error", err)
		return ""
	}
	body, err := json.Marshal(map[string]string{"html": markup})
	if err != nil {
		return ""
	}

	if err := l.artifacts.Put(ctx, key, body, "application/json"); err != nil {
		l.logger.Warn("dom snapshot write failed", "run_id", runID, "key", key, "error", err)
		return ""
	}
	return key
}
