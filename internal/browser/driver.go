// SPDX-License-Identifier: Apache-2.0

// Package browser drives headless Chrome through chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/adiadia/selfheal-runner/internal/artifact"
	"github.com/adiadia/selfheal-runner/internal/executor"
	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

type Options struct {
	Headless bool
	// ExecPath overrides Chrome discovery when set.
	ExecPath  string
	Artifacts artifact.Store
	Logger    *slog.Logger
}

// Driver opens Chrome sessions and executes steps in them.
type Driver struct {
	headless  bool
	execPath  string
	artifacts artifact.Store
	logger    *slog.Logger
}

func New(opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		headless:  opts.Headless,
		execPath:  strings.TrimSpace(opts.ExecPath),
		artifacts: opts.Artifacts,
		logger:    opts.Logger,
	}
}

// Session is one Chrome process with a single tab.
type Session struct {
	id    string
	runID string
	ctx   context.Context

	closeOnce   sync.Once
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) DOM(ctx context.Context) (string, error) {
	tctx, cancel := s.bind(ctx)
	defer cancel()

	var html string
	err := chromedp.Run(tctx, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))
	return html, err
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.tabCancel()
		s.allocCancel()
	})
	return nil
}

// bind derives a tab context that is canceled with ctx.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		tctx   context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		tctx, cancel = context.WithDeadline(s.ctx, deadline)
	} else {
		tctx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return tctx, func() {
		stop()
		cancel()
	}
}

// Open launches Chrome for runID. The browser outlives ctx and is released
// by Session.Close.
func (d *Driver) Open(ctx context.Context, runID string) (executor.Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", d.headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(1280, 900),
	)
	if d.execPath != "" {
		opts = append(opts, chromedp.ExecPath(d.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		id:          uuid.NewString(),
		runID:       runID,
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}

	if err := ctx.Err(); err != nil {
		_ = s.Close()
		return nil, err
	}
	// The first Run allocates the browser and ties it to the context it is
	// given, so it must be the long-lived tab context.
	if err := chromedp.Run(tabCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	d.logger.Info("browser session opened", "run_id", runID, "session_id", s.id, "headless", d.headless)
	return s, nil
}

// Execute runs one step within the step's timeout. Failures, including an
// unsupported session type, come back as a failed result.
func (d *Driver) Execute(ctx context.Context, sess executor.Session, step testir.Step) testir.StepResult {
	s, ok := sess.(*Session)
	if !ok {
		return testir.StepResult{OK: false, Error: fmt.Sprintf("unsupported session %T", sess)}
	}

	stepCtx, cancel := s.bind(ctx)
	defer cancel()
	stepCtx, cancelTimeout := context.WithTimeout(stepCtx, step.TimeoutDuration())
	defer cancelTimeout()

	details, err := testir.Dispatch(stepCtx, &actions{driver: d, session: s}, step)
	switch {
	case errors.Is(err, testir.ErrUnknownAction):
		d.logger.Warn("unknown action ignored", "run_id", s.runID, "action", string(step.Action))
		return testir.StepResult{OK: true, Details: testir.Details{
			testir.DetailWarning: fmt.Sprintf("unknown action %q ignored", step.Action),
		}}
	case err != nil:
		return testir.StepResult{OK: false, Error: describe(step, err, ctx), Details: details}
	default:
		return testir.StepResult{OK: true, Details: details}
	}
}

// describe formats a step error. Deadline hits read like Playwright's
// "Timeout 5000ms exceeded" so repair heuristics classify them.
func describe(step testir.Step, err error, parent context.Context) string {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Sprintf("Timeout %dms exceeded while running %s on %s %q",
			step.EffectiveTimeoutMs(), step.Action.Normalize(), step.Target.Kind, step.Target.Value)
	}
	if testir.IsAssertionFailure(err.Error()) {
		return err.Error()
	}
	return fmt.Sprintf("%s failed: %v", step.Action.Normalize(), err)
}

func (d *Driver) screenshotKey(runID string) string {
	return artifact.Key(runID, "screenshots", uuid.NewString()[:8]+".png")
}
