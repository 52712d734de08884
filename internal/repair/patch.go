// SPDX-License-Identifier: Apache-2.0

// Package repair proposes and applies plan patches for failed steps.
package repair

import "github.com/adiadia/selfheal-runner/internal/testir"

type PatchType string

const (
	PatchAdjustTimeout       PatchType = "adjust_timeout"
	PatchInsertWaitFor       PatchType = "insert_waitfor"
	PatchSelectorTextMatch   PatchType = "selector_text_match"
	PatchManualInvestigation PatchType = "manual_investigation"
)

// Patch is one candidate fix. A nil PatchedStep means no automated fix.
type Patch struct {
	Type        PatchType    `json:"type"`
	PatchedStep *testir.Step `json:"patched_step,omitempty"`
	Confidence  float64      `json:"confidence"`
	Explanation string       `json:"explanation,omitempty"`
}

// Applicable reports whether the coordinator may apply p to a plan.
func (p Patch) Applicable() bool {
	if p.PatchedStep == nil || p.PatchedStep.IsZero() {
		return false
	}
	switch p.Type {
	case PatchAdjustTimeout, PatchInsertWaitFor, PatchSelectorTextMatch:
		return true
	default:
		return false
	}
}

func stepPtr(s testir.Step) *testir.Step {
	return &s
}
