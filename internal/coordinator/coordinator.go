// SPDX-License-Identifier: Apache-2.0

// Package coordinator runs a TestIR to completion. Each failed attempt is
// recorded, a repair is proposed and applied, and the patched plan is
// resubmitted until it passes or the attempt budget runs out.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/events"
	"github.com/adiadia/selfheal-runner/internal/executor"
	"github.com/adiadia/selfheal-runner/internal/metrics"
	"github.com/adiadia/selfheal-runner/internal/repair"
	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/google/uuid"
)

const DefaultRetryCount = 2

// finalizeTimeout bounds terminal bookkeeping after the run context is gone.
const finalizeTimeout = 5 * time.Second

type FailureRecorder interface {
	Record(ctx context.Context, rec domain.FailureRecord) (domain.FailureRecord, error)
}

type Repairer interface {
	Suggest(ctx context.Context, rec domain.FailureRecord) []repair.Patch
}

type TaskStore interface {
	Create(ctx context.Context, description string) (domain.Task, error)
	Update(ctx context.Context, id uuid.UUID, status domain.TaskStatus, result json.RawMessage) (domain.Task, error)
}

type EventPublisher interface {
	Publish(runID, eventType string, data any) events.Event
}

// Notifier is told about every task that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, task domain.Task)
}

type Deps struct {
	Boundary executor.Boundary
	Failures FailureRecorder
	Repairer Repairer
	Tasks    TaskStore
	Events   EventPublisher
	Notifier Notifier
	Logger   *slog.Logger
	// RetryCount is the number of resubmissions after the first attempt.
	// Negative values fall back to DefaultRetryCount.
	RetryCount    int
	MatchByStepID bool
}

type Coordinator struct {
	boundary      executor.Boundary
	failures      FailureRecorder
	repairer      Repairer
	tasks         TaskStore
	events        EventPublisher
	notifier      Notifier
	logger        *slog.Logger
	maxAttempts   int
	matchByStepID bool
}

func New(deps Deps) *Coordinator {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	retries := deps.RetryCount
	if retries < 0 {
		retries = DefaultRetryCount
	}

	return &Coordinator{
		boundary:      deps.Boundary,
		failures:      deps.Failures,
		repairer:      deps.Repairer,
		tasks:         deps.Tasks,
		events:        deps.Events,
		notifier:      deps.Notifier,
		logger:        l,
		maxAttempts:   retries + 1,
		matchByStepID: deps.MatchByStepID,
	}
}

func (c *Coordinator) MaxAttempts() int {
	return c.maxAttempts
}

type Request struct {
	TestIR testir.TestIR
	// RunID defaults to "run_" plus the first eight characters of the task id.
	RunID string
	// AutoRepair defaults to true.
	AutoRepair *bool
}

func (r Request) autoRepair() bool {
	return r.AutoRepair == nil || *r.AutoRepair
}

type Response struct {
	TaskID   uuid.UUID         `json:"task_id"`
	RunID    string            `json:"run_id"`
	Status   domain.TaskStatus `json:"status"`
	Result   *testir.RunResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Attempts int               `json:"attempts"`
	Patches  []repair.Patch    `json:"patches_applied,omitempty"`
}

// TaskResult is the payload stored on a terminal task.
type TaskResult struct {
	RunID    string            `json:"run_id"`
	Attempts int               `json:"attempts"`
	Result   *testir.RunResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Patches  []repair.Patch    `json:"patches_applied,omitempty"`
	TestIR   testir.TestIR     `json:"test_ir"`
}

// run carries the state of one Run call.
type run struct {
	task     domain.Task
	runID    string
	plan     testir.TestIR
	attempts int
	patches  []repair.Patch
	last     *executor.Outcome
}

// Run executes req.TestIR with bounded repair. A step failure that cannot be
// repaired is not an error: the task ends failed and err is nil. Errors are
// returned for an invalid plan, an unreachable executor (wrapping
// domain.ErrExecutorUnreachable), cancellation, and an exhausted attempt
// budget (domain.ErrAttemptsExhausted). The Response is valid whenever a task
// was created.
func (c *Coordinator) Run(ctx context.Context, req Request) (Response, error) {
	if err := req.TestIR.Validate(); err != nil {
		return Response{}, err
	}

	description := strings.TrimSpace(req.TestIR.Description)
	if description == "" {
		description = req.TestIR.ID
	}

	task, err := c.tasks.Create(ctx, description)
	if err != nil {
		if task.ID == uuid.Nil {
			return Response{}, fmt.Errorf("create task: %w", err)
		}
		c.logger.Warn("task create not persisted; continuing", "task_id", task.ID, "error", err)
	}

	st := &run{
		task:  task,
		runID: strings.TrimSpace(req.RunID),
		plan:  req.TestIR.Clone(),
	}
	if st.runID == "" {
		st.runID = "run_" + task.ID.String()[:8]
	}

	running, err := c.tasks.Update(ctx, task.ID, domain.TaskRunning, nil)
	if err != nil {
		c.logger.Error("task running update failed", "task_id", task.ID, "error", err)
	}
	if running.ID != uuid.Nil {
		st.task = running
	}

	c.publish(st.runID, events.TypeRunStart, map[string]any{
		"task_id":      st.task.ID,
		"test_id":      st.plan.ID,
		"steps":        len(st.plan.Steps),
		"max_attempts": c.maxAttempts,
		"auto_repair":  req.autoRepair(),
	})

	if browser := st.plan.Browser(); browser != testir.DefaultBrowser {
		c.logger.Warn("unsupported browser requested; using chromium", "run_id", st.runID, "browser", browser)
	}

	conn, err := c.boundary.Open(ctx, st.runID)
	if err != nil {
		return c.fatal(ctx, st, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.logger.Warn("executor connection close failed", "run_id", st.runID, "error", err)
		}
	}()

	for st.attempts < c.maxAttempts {
		if err := ctx.Err(); err != nil {
			return c.fatal(ctx, st, err)
		}
		st.attempts++

		c.publish(st.runID, events.TypeAttemptStart, map[string]any{
			"attempt": st.attempts,
			"steps":   len(st.plan.Steps),
		})
		c.logger.Info("executor call",
			"task_id", st.task.ID,
			"run_id", st.runID,
			"attempt", st.attempts,
			"max_attempts", c.maxAttempts,
		)

		metrics.IncRunAttempts()
		started := time.Now()
		outcome, err := conn.Submit(ctx, st.plan)
		metrics.ObserveExecutorCallDuration(time.Since(started))
		if err != nil {
			return c.fatal(ctx, st, err)
		}
		st.last = &outcome

		for _, res := range outcome.Results {
			c.publish(st.runID, events.TypeStepResult, res)
		}

		if outcome.OK() {
			resp := c.finish(ctx, st, domain.TaskCompleted, "")
			c.logger.Info("task completed",
				"task_id", st.task.ID,
				"run_id", st.runID,
				"attempts", st.attempts,
				"patches", len(st.patches),
			)
			return resp, nil
		}

		// A step that failed because the caller went away is not a test failure.
		if err := ctx.Err(); err != nil {
			return c.fatal(ctx, st, err)
		}

		failed := failedStep(st.plan, outcome)
		rec := c.recordFailure(ctx, st, outcome, failed)

		if !req.autoRepair() {
			return c.stepFailure(ctx, st, outcome.Error, "auto repair disabled"), nil
		}

		patches := c.repairer.Suggest(ctx, rec)
		next, used, ok := repair.Apply(st.plan, failed, patches, repair.ApplyOptions{MatchByStepID: c.matchByStepID})
		if !ok {
			c.logger.Info("no fix applied",
				"task_id", st.task.ID,
				"run_id", st.runID,
				"attempt", st.attempts,
				"candidates", len(patches),
			)
			return c.stepFailure(ctx, st, outcome.Error, "no applicable fix"), nil
		}

		st.plan = next
		st.patches = append(st.patches, used)
		metrics.IncPatchApplied(string(used.Type))
		c.publish(st.runID, events.TypePatchApplied, used)
		c.logger.Info("fix applied",
			"task_id", st.task.ID,
			"run_id", st.runID,
			"attempt", st.attempts,
			"patch_type", used.Type,
			"confidence", used.Confidence,
		)
	}

	lastErr := ""
	if st.last != nil {
		lastErr = st.last.Error
	}
	resp := c.finish(ctx, st, domain.TaskFailed, lastErr)
	c.logger.Warn("task failed",
		"task_id", st.task.ID,
		"run_id", st.runID,
		"attempts", st.attempts,
		"reason", "attempt budget exhausted",
		"error", lastErr,
	)
	return resp, fmt.Errorf("%w after %d attempts: %s", domain.ErrAttemptsExhausted, st.attempts, lastErr)
}

func (c *Coordinator) recordFailure(ctx context.Context, st *run, outcome executor.Outcome, failed testir.Step) domain.FailureRecord {
	rec := domain.FailureRecord{
		JobID:      st.runID,
		Error:      outcome.Error,
		FailedStep: failed,
		Artifacts:  outcome.Artifacts,
	}

	stored, err := c.failures.Record(ctx, rec)
	if err != nil {
		// Already logged by the bank; the run goes on without it.
		c.logger.Warn("failure record not persisted; continuing", "run_id", st.runID, "error", err)
	}

	c.publish(st.runID, events.TypeFailureRecorded, stored)
	return stored
}

// stepFailure ends the task failed with the step error and no system error.
func (c *Coordinator) stepFailure(ctx context.Context, st *run, stepErr, reason string) Response {
	resp := c.finish(ctx, st, domain.TaskFailed, stepErr)
	c.logger.Warn("task failed",
		"task_id", st.task.ID,
		"run_id", st.runID,
		"attempts", st.attempts,
		"reason", reason,
		"error", stepErr,
	)
	return resp
}

// fatal ends the task failed because the run could not continue.
func (c *Coordinator) fatal(ctx context.Context, st *run, cause error) (Response, error) {
	err := cause
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case !errors.Is(cause, domain.ErrExecutorUnreachable):
		err = fmt.Errorf("%w: %w", domain.ErrExecutorUnreachable, cause)
	}

	resp := c.finish(ctx, st, domain.TaskFailed, err.Error())
	c.logger.Error("task failed",
		"task_id", st.task.ID,
		"run_id", st.runID,
		"attempts", st.attempts,
		"error", err,
	)
	return resp, err
}

func (c *Coordinator) finish(ctx context.Context, st *run, status domain.TaskStatus, errMsg string) Response {
	resp := Response{
		TaskID:   st.task.ID,
		RunID:    st.runID,
		Status:   status,
		Error:    errMsg,
		Attempts: st.attempts,
		Patches:  st.patches,
	}
	if st.last != nil {
		result := st.last.RunResult()
		resp.Result = &result
	}

	// Terminal bookkeeping outlives a canceled caller.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	payload, err := json.Marshal(TaskResult{
		RunID:    st.runID,
		Attempts: st.attempts,
		Result:   resp.Result,
		Error:    errMsg,
		Patches:  st.patches,
		TestIR:   st.plan,
	})
	if err != nil {
		c.logger.Error("task result marshal failed", "task_id", st.task.ID, "error", err)
	}

	task, err := c.tasks.Update(fctx, st.task.ID, status, payload)
	if err != nil {
		c.logger.Error("task terminal update failed", "task_id", st.task.ID, "status", status, "error", err)
	}
	if task.ID != uuid.Nil {
		st.task = task
	}

	c.publish(st.runID, events.TypeRunEnd, resp)

	if c.notifier != nil && st.task.Status.Terminal() {
		c.notifier.Notify(fctx, st.task)
	}
	return resp
}

func (c *Coordinator) publish(runID, eventType string, data any) {
	if c.events == nil {
		return
	}
	c.events.Publish(runID, eventType, data)
}

// failedStep returns the step the executor reported as failing. Executors
// that omit it are matched through the position of the first failed result.
func failedStep(plan testir.TestIR, outcome executor.Outcome) testir.Step {
	if outcome.FailedStep != nil {
		return *outcome.FailedStep
	}
	for i, res := range outcome.Results {
		if !res.OK && i < len(plan.Steps) {
			return plan.Steps[i]
		}
	}
	if n := len(outcome.Results); n > 0 && n <= len(plan.Steps) {
		return plan.Steps[n-1]
	}
	return plan.Steps[0]
}
