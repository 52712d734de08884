// SPDX-License-Identifier: Apache-2.0

package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/failurebank"
	"github.com/tmc/langchaingo/llms"
)

// History supplies past failures that resemble the current one.
type History interface {
	RetrieveSimilar(ctx context.Context, query string, limit int) ([]failurebank.Match, error)
}

// LLMSuggester asks a language model for up to three JSON patches.
type LLMSuggester struct {
	model   llms.Model
	history History
	logger  *slog.Logger
}

func NewLLMSuggester(model llms.Model, history History, logger *slog.Logger) *LLMSuggester {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMSuggester{model: model, history: history, logger: logger}
}

const suggestPrompt = `You repair failing browser test steps.

A step failed:
%s

Similar past failures:
%s

Reply with a JSON array of at most 3 patches and nothing else. Each patch is
{"type": "adjust_timeout"|"insert_waitfor"|"selector_text_match",
 "patched_step": {"action": "...", "target": {"type": "url"|"selector"|"text", "value": "..."}, "value": "...", "timeout_ms": 5000},
 "confidence": 0.0-1.0,
 "explanation": "..."}`

func (s *LLMSuggester) Suggest(ctx context.Context, rec domain.FailureRecord) ([]Patch, error) {
	if s.model == nil {
		return nil, errors.New("no language model configured")
	}

	failure, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal failure: %w", err)
	}

	prompt := fmt.Sprintf(suggestPrompt, failure, s.pastFailures(ctx, rec))

	completion, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt, llms.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("generate patches: %w", err)
	}

	patches, err := ParsePatches(completion)
	if err != nil {
		return nil, err
	}
	if len(patches) > maxSuggested {
		patches = patches[:maxSuggested]
	}
	return patches, nil
}

func (s *LLMSuggester) pastFailures(ctx context.Context, rec domain.FailureRecord) string {
	if s.history == nil {
		return "none"
	}
	step, err := json.Marshal(rec.FailedStep)
	if err != nil {
		return "none"
	}
	matches, err := s.history.RetrieveSimilar(ctx, string(step), failurebank.DefaultLimit)
	if err != nil {
		s.logger.Debug("similar failures unavailable", "error", err)
		return "none"
	}

	var b strings.Builder
	for _, m := range matches {
		if m.Record.JobID == rec.JobID && m.Record.Timestamp.Equal(rec.Timestamp) {
			continue
		}
		line, err := json.Marshal(struct {
			Error      string  `json:"error"`
			FailedStep any     `json:"failed_step"`
			Score      float64 `json:"score"`
		}{m.Record.Error, m.Record.FailedStep, m.Score})
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}

// ParsePatches decodes a model reply holding a JSON array of patches or a
// single patch object, optionally wrapped in a markdown code fence or
// surrounded by prose. Entries without a type are dropped and confidences are
// clamped to [0,1].
func ParsePatches(reply string) ([]Patch, error) {
	body := stripFence(reply)

	if patches, ok := decodePatches([]byte(body)); ok {
		return typedPatches(patches), nil
	}

	// Prose may itself contain brackets, so try every opening delimiter and
	// keep the first value that decodes into typed patches.
	decoded := false
	for i := 0; i < len(body); i++ {
		if body[i] != '[' && body[i] != '{' {
			continue
		}
		patches, ok := decodeLeading(body[i:])
		if !ok {
			continue
		}
		decoded = true
		if out := typedPatches(patches); len(out) > 0 {
			return out, nil
		}
	}
	if decoded {
		return nil, nil
	}
	return nil, errors.New("reply holds no JSON patch")
}

func decodePatches(data []byte) ([]Patch, bool) {
	var list []Patch
	if err := json.Unmarshal(data, &list); err == nil {
		return list, true
	}
	var p Patch
	if err := json.Unmarshal(data, &p); err == nil {
		return []Patch{p}, true
	}
	return nil, false
}

// decodeLeading decodes the first JSON value of s and ignores what follows.
func decodeLeading(s string) ([]Patch, bool) {
	if s[0] == '[' {
		var list []Patch
		if err := json.NewDecoder(strings.NewReader(s)).Decode(&list); err != nil {
			return nil, false
		}
		return list, true
	}
	var p Patch
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&p); err != nil {
		return nil, false
	}
	return []Patch{p}, true
}

func typedPatches(patches []Patch) []Patch {
	out := patches[:0]
	for _, p := range patches {
		if strings.TrimSpace(string(p.Type)) == "" {
			continue
		}
		p.Confidence = min(max(p.Confidence, 0), 1)
		out = append(out, p)
	}
	return out
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
