// SPDX-License-Identifier: Apache-2.0

// Package executor runs TestIR plans against a browser automation boundary,
// either in process or through a remote /exec service.
package executor

import (
	"context"

	"github.com/adiadia/selfheal-runner/internal/testir"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Outcome is the result of submitting one plan. It is also the /exec wire
// format.
type Outcome struct {
	RunID      string              `json:"run_id"`
	Status     Status              `json:"status"`
	Artifacts  testir.Artifacts    `json:"artifacts"`
	Error      string              `json:"error,omitempty"`
	FailedStep *testir.Step        `json:"failed_step,omitempty"`
	Results    []testir.StepResult `json:"results,omitempty"`
}

func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// RunResult folds the outcome into the per-run result reported to callers.
func (o Outcome) RunResult() testir.RunResult {
	results := o.Results
	if results == nil {
		results = []testir.StepResult{}
	}
	return testir.RunResult{
		RunID:     o.RunID,
		Results:   results,
		OK:        o.OK(),
		Artifacts: o.Artifacts,
	}
}

// Session is one live browser context. It is owned by a single run.
type Session interface {
	ID() string
	// DOM returns the current page markup.
	DOM(ctx context.Context) (string, error)
	Close() error
}

type SessionFactory interface {
	Open(ctx context.Context, runID string) (Session, error)
}

// StepExecutor performs one step. It never panics outward and reports every
// failure through the returned result. Repeating a step is safe.
type StepExecutor interface {
	Execute(ctx context.Context, sess Session, step testir.Step) testir.StepResult
}

// Boundary hands out per-run connections to whatever executes plans.
type Boundary interface {
	Open(ctx context.Context, runID string) (Conn, error)
}

// Conn submits plans for one run. Submit returns an error only when the
// executor could not be reached; step failures are reported in the Outcome.
type Conn interface {
	Submit(ctx context.Context, ir testir.TestIR) (Outcome, error)
	Close() error
}
