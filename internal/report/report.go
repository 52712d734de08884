// SPDX-License-Identifier: Apache-2.0

// Package report aggregates task and failure history into run metrics and
// a short summary.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/journal"
	"github.com/tmc/langchaingo/llms"
)

const (
	recentTaskLimit       = 20
	defaultSummaryTimeout = 20 * time.Second

	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

type TaskLister interface {
	List(ctx context.Context) []domain.Task
}

type FailureScanner interface {
	Each(ctx context.Context, fn func(domain.FailureRecord) error) error
}

type Metrics struct {
	TotalTasks          int            `json:"total_tasks"`
	Completed           int            `json:"completed"`
	Failed              int            `json:"failed"`
	Pending             int            `json:"pending"`
	AvgDurationSeconds  *float64       `json:"avg_duration_seconds"`
	FailureDistribution map[string]int `json:"failure_distribution"`
	RecentTasks         []domain.Task  `json:"recent_tasks"`
	LogCount            int            `json:"log_count"`
	FailureCount        int            `json:"failure_count"`
}

// TopFailure returns the most frequent error text. Ties go to the
// lexically smallest message.
func (m Metrics) TopFailure() string {
	top, best := "", 0
	for msg, n := range m.FailureDistribution {
		if n > best || (n == best && msg < top) {
			top, best = msg, n
		}
	}
	return top
}

type Report struct {
	Metrics       Metrics   `json:"metrics"`
	Summary       string    `json:"summary"`
	SummarySource string    `json:"summary_source"`
	GeneratedAt   time.Time `json:"generated_at"`
}

type Deps struct {
	Tasks    TaskLister
	Failures FailureScanner
	// EventLog is the structured log file; its line count is reported.
	EventLog journal.Log
	Model    llms.Model
	Timeout  time.Duration
	Logger   *slog.Logger
}

type Reporter struct {
	tasks    TaskLister
	failures FailureScanner
	eventLog journal.Log
	model    llms.Model
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(deps Deps) *Reporter {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultSummaryTimeout
	}
	return &Reporter{
		tasks:    deps.Tasks,
		failures: deps.Failures,
		eventLog: deps.EventLog,
		model:    deps.Model,
		timeout:  deps.Timeout,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

func (r *Reporter) Build(ctx context.Context) (Report, error) {
	m, err := r.Compute(ctx)
	if err != nil {
		return Report{}, err
	}
	summary, source := r.Summarize(ctx, m)
	return Report{
		Metrics:       m,
		Summary:       summary,
		SummarySource: source,
		GeneratedAt:   r.now().UTC(),
	}, nil
}

func (r *Reporter) Compute(ctx context.Context) (Metrics, error) {
	m := Metrics{FailureDistribution: map[string]int{}}

	var tasks []domain.Task
	if r.tasks != nil {
		tasks = r.tasks.List(ctx)
	}

	var total time.Duration
	var timed int
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskCompleted:
			m.Completed++
		case domain.TaskFailed:
			m.Failed++
		case domain.TaskPending, domain.TaskRunning:
			m.Pending++
		}
		if !t.CreatedAt.IsZero() && !t.UpdatedAt.IsZero() {
			total += t.UpdatedAt.Sub(t.CreatedAt)
			timed++
		}
	}
	m.TotalTasks = len(tasks)
	if timed > 0 {
		avg := total.Seconds() / float64(timed)
		m.AvgDurationSeconds = &avg
	}

	recent := slices.Clone(tasks)
	slices.SortStableFunc(recent, func(a, b domain.Task) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(recent) > recentTaskLimit {
		recent = recent[:recentTaskLimit]
	}
	m.RecentTasks = recent

	if r.failures != nil {
		err := r.failures.Each(ctx, func(rec domain.FailureRecord) error {
			msg := strings.TrimSpace(rec.Error)
			if msg == "" {
				msg = "unknown"
			}
			m.FailureCount++
			m.FailureDistribution[msg]++
			return nil
		})
		if err != nil {
			return Metrics{}, fmt.Errorf("scan failures: %w", err)
		}
	}

	if r.eventLog != nil {
		err := r.eventLog.Replay(ctx, func([]byte) error {
			m.LogCount++
			return nil
		})
		if err != nil {
			r.logger.Warn("event log unavailable for report", "error", err)
		}
	}

	return m, nil
}

// Summarize asks the model for a summary and falls back to HeuristicSummary
// when no model is configured or the call fails.
func (r *Reporter) Summarize(ctx context.Context, m Metrics) (string, string) {
	if r.model == nil {
		return HeuristicSummary(m), SourceHeuristic
	}

	summary, err := r.llmSummary(ctx, m)
	if err != nil {
		r.logger.Warn("llm summary failed; using heuristic", "error", err)
		return HeuristicSummary(m), SourceHeuristic
	}
	return summary, SourceLLM
}

const summaryPrompt = `You summarize QA test run metrics.
Metrics JSON: %s
Write a 3-4 sentence summary covering the success rate, trends and the top failure reasons.`

func (r *Reporter) llmSummary(ctx context.Context, m Metrics) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Recent tasks carry full results and add little to a summary.
	trimmed := m
	trimmed.RecentTasks = nil
	payload, err := json.Marshal(trimmed)
	if err != nil {
		return "", err
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, r.model, fmt.Sprintf(summaryPrompt, payload), llms.WithTemperature(0))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty summary")
	}
	return out, nil
}

// HeuristicSummary renders the counts, the average duration when it is
// positive, and the most common failure when there is one.
func HeuristicSummary(m Metrics) string {
	parts := []string{fmt.Sprintf("Total tasks: %d. Completed: %d. Failed: %d.", m.TotalTasks, m.Completed, m.Failed)}
	if m.AvgDurationSeconds != nil && *m.AvgDurationSeconds > 0 {
		parts = append(parts, fmt.Sprintf("Average task duration: %.1fs.", *m.AvgDurationSeconds))
	}
	if top := m.TopFailure(); top != "" {
		parts = append(parts, fmt.Sprintf("Most common failure: %s.", top))
	}
	return strings.Join(parts, " ")
}
