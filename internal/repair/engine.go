// SPDX-License-Identifier: Apache-2.0

package repair

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/selfheal-runner/internal/artifact"
	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/testir"
)

const (
	waitForTimeoutMs = 8000

	confidenceAdjustTimeout = 0.6
	confidenceInsertWaitFor = 0.55
	confidenceTextMatch     = 0.5
	confidenceManual        = 0.2

	maxSuggested          = 3
	defaultSuggestTimeout = 20 * time.Second
)

// Suggester proposes extra patches from an external source. Errors and
// timeouts are treated as an empty suggestion.
type Suggester interface {
	Suggest(ctx context.Context, rec domain.FailureRecord) ([]Patch, error)
}

type Deps struct {
	Artifacts artifact.Store
	Suggester Suggester
	// SuggestTimeout bounds a single Suggester call.
	SuggestTimeout time.Duration
	Logger         *slog.Logger
}

type Engine struct {
	artifacts      artifact.Store
	suggester      Suggester
	suggestTimeout time.Duration
	logger         *slog.Logger
}

func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SuggestTimeout <= 0 {
		deps.SuggestTimeout = defaultSuggestTimeout
	}
	return &Engine{
		artifacts:      deps.Artifacts,
		suggester:      deps.Suggester,
		suggestTimeout: deps.SuggestTimeout,
		logger:         deps.Logger,
	}
}

// Suggest returns candidate patches in evaluation order: timeout fixes,
// selector retargeting, external suggestions, then manual investigation
// when nothing else matched. It never returns an empty slice.
func (e *Engine) Suggest(ctx context.Context, rec domain.FailureRecord) []Patch {
	var patches []Patch

	if isTimeout(rec.Error) {
		patches = append(patches, timeoutPatches(rec.FailedStep)...)
	}

	if rec.FailedStep.Target.Kind == testir.TargetSelector {
		if p, ok := e.textMatchPatch(ctx, rec); ok {
			patches = append(patches, p)
		}
	}

	patches = append(patches, e.external(ctx, rec)...)

	if len(patches) == 0 {
		patches = append(patches, Patch{
			Type:        PatchManualInvestigation,
			Confidence:  confidenceManual,
			Explanation: "no automated fix matched this failure",
		})
	}

	e.logger.Info("fixes proposed",
		"job_id", rec.JobID,
		"count", len(patches),
		"types", patchTypes(patches),
	)
	return patches
}

func isTimeout(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out")
}

func timeoutPatches(failed testir.Step) []Patch {
	adjusted := failed
	adjusted.Timeout = failed.EffectiveTimeoutMs() * 2

	wait := testir.Step{
		Action:  testir.ActionWaitFor,
		Target:  failed.Target,
		Timeout: waitForTimeoutMs,
	}

	return []Patch{
		{
			Type:        PatchAdjustTimeout,
			PatchedStep: stepPtr(adjusted),
			Confidence:  confidenceAdjustTimeout,
			Explanation: fmt.Sprintf("raise timeout from %dms to %dms", failed.EffectiveTimeoutMs(), adjusted.Timeout),
		},
		{
			Type:        PatchInsertWaitFor,
			PatchedStep: stepPtr(wait),
			Confidence:  confidenceInsertWaitFor,
			Explanation: fmt.Sprintf("wait up to %dms for the target before %s", waitForTimeoutMs, failed.Action),
		},
	}
}

func (e *Engine) textMatchPatch(ctx context.Context, rec domain.FailureRecord) (Patch, bool) {
	key := rec.Artifacts.DOMSnapshotKey
	if key == "" || e.artifacts == nil {
		return Patch{}, false
	}

	snapshot, err := e.artifacts.Get(ctx, key)
	if err != nil {
		e.logger.Warn("dom snapshot unavailable", "job_id", rec.JobID, "key", key, "error", err)
		return Patch{}, false
	}

	token, ok := findTextToken(snapshot)
	if !ok {
		return Patch{}, false
	}

	return Patch{
		Type: PatchSelectorTextMatch,
		PatchedStep: stepPtr(testir.Step{
			Action:  rec.FailedStep.Action,
			Target:  testir.Target{Kind: testir.TargetText, Value: token},
			Timeout: rec.FailedStep.Timeout,
		}),
		Confidence:  confidenceTextMatch,
		Explanation: fmt.Sprintf("selector %q missing; page shows text %q", rec.FailedStep.Target.Value, token),
	}, true
}

func (e *Engine) external(ctx context.Context, rec domain.FailureRecord) []Patch {
	if e.suggester == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.suggestTimeout)
	defer cancel()

	type reply struct {
		patches []Patch
		err     error
	}
	// Buffered so a suggester that ignores ctx cannot leak a blocked sender.
	done := make(chan reply, 1)
	go func() {
		patches, err := e.suggester.Suggest(ctx, rec)
		done <- reply{patches, err}
	}()

	var suggested []Patch
	select {
	case r := <-done:
		if r.err != nil {
			e.logger.Debug("external suggestions discarded", "job_id", rec.JobID, "error", r.err)
			return nil
		}
		suggested = r.patches
	case <-ctx.Done():
		e.logger.Debug("external suggestions discarded", "job_id", rec.JobID, "error", ctx.Err())
		return nil
	}
	if len(suggested) > maxSuggested {
		suggested = suggested[:maxSuggested]
	}
	return suggested
}

func patchTypes(patches []Patch) []string {
	out := make([]string, len(patches))
	for i, p := range patches {
		out[i] = string(p.Type)
	}
	return out
}
