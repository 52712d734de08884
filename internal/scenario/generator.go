// SPDX-License-Identifier: Apache-2.0

// Package scenario turns a natural-language request into a TestIR, and
// decodes TestIR documents written as YAML or JSON.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/tmc/langchaingo/llms"
)

const (
	defaultTargetURL = "https://example.com"
	defaultTimeout   = 20 * time.Second
)

var ErrEmptyRequest = errors.New("scenario request is empty")

// checkoutKeywords select the checkout flow in the heuristic fallback.
var checkoutKeywords = []string{"checkout", "purchase", "下单"}

type Deps struct {
	// Model is optional; without it every request uses the heuristic plan.
	Model   llms.Model
	Timeout time.Duration
	Logger  *slog.Logger
}

type Generator struct {
	model   llms.Model
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewGenerator(deps Deps) *Generator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultTimeout
	}
	return &Generator{
		model:   deps.Model,
		timeout: deps.Timeout,
		logger:  deps.Logger,
		now:     time.Now,
	}
}

const generatePrompt = `You are a scenario generator for browser tests.
Turn the request into a TestIR document and reply with YAML or JSON only.

Schema:
test_id: string
description: string
steps:
  - action: goto|click|type|waitfor|assert|screenshot|eval
    target: {type: url|selector|text, value: string}
    value: string (optional, text to type or script to eval)
    timeout_ms: integer (optional)

Request: %s
Target URL: %s`

// Generate builds a plan for nl. A model reply that cannot be decoded into a
// valid plan falls back to the heuristic plan.
func (g *Generator) Generate(ctx context.Context, nl, targetURL string) (testir.TestIR, error) {
	nl = strings.TrimSpace(nl)
	if nl == "" {
		return testir.TestIR{}, ErrEmptyRequest
	}
	targetURL = strings.TrimSpace(targetURL)

	if g.model != nil {
		ir, err := g.fromModel(ctx, nl, targetURL)
		if err == nil {
			g.logger.Info("scenario generated", "source", "llm", "test_id", ir.ID, "steps", len(ir.Steps))
			return ir, nil
		}
		g.logger.Warn("llm scenario discarded; using heuristic", "error", err)
	}

	ir := g.heuristic(nl, targetURL)
	g.logger.Info("scenario generated", "source", "heuristic", "test_id", ir.ID, "steps", len(ir.Steps))
	return ir, nil
}

func (g *Generator) fromModel(ctx context.Context, nl, targetURL string) (testir.TestIR, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reply, err := llms.GenerateFromSinglePrompt(ctx, g.model, fmt.Sprintf(generatePrompt, nl, targetURL), llms.WithTemperature(0))
	if err != nil {
		return testir.TestIR{}, fmt.Errorf("generate scenario: %w", err)
	}

	ir, err := Decode([]byte(reply))
	if err != nil {
		return testir.TestIR{}, err
	}
	if err := ir.Validate(); err != nil {
		return testir.TestIR{}, err
	}
	if strings.TrimSpace(ir.ID) == "" {
		ir.ID = g.testID()
	}
	if strings.TrimSpace(ir.Description) == "" {
		ir.Description = nl
	}
	return ir, nil
}

func (g *Generator) heuristic(nl, targetURL string) testir.TestIR {
	if targetURL == "" {
		targetURL = defaultTargetURL
	}

	var steps []testir.Step
	if isCheckout(nl) {
		steps = []testir.Step{
			{Action: testir.ActionGoto, Target: testir.Target{Kind: testir.TargetURL, Value: targetURL}},
			{Action: testir.ActionClick, Target: testir.Target{Kind: testir.TargetSelector, Value: "#product-1"}},
			{Action: testir.ActionClick, Target: testir.Target{Kind: testir.TargetSelector, Value: "#add-to-cart"}},
			{Action: testir.ActionGoto, Target: testir.Target{Kind: testir.TargetURL, Value: defaultTargetURL + "/cart"}},
			{Action: testir.ActionClick, Target: testir.Target{Kind: testir.TargetSelector, Value: "#checkout"}},
			{Action: testir.ActionAssert, Target: testir.Target{Kind: testir.TargetText, Value: "Order Confirmed"}},
		}
	} else {
		steps = []testir.Step{
			{Action: testir.ActionGoto, Target: testir.Target{Kind: testir.TargetURL, Value: targetURL}},
			{Action: testir.ActionWaitFor, Target: testir.Target{Kind: testir.TargetSelector, Value: "role=main"}, Timeout: testir.DefaultTimeoutMs},
		}
	}

	return testir.TestIR{
		ID:          g.testID(),
		Description: nl,
		Steps:       steps,
	}
}

func (g *Generator) testID() string {
	return "scenario_" + g.now().UTC().Format("20060102150405")
}

func isCheckout(nl string) bool {
	lower := strings.ToLower(nl)
	for _, kw := range checkoutKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
