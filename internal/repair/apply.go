// SPDX-License-Identifier: Apache-2.0

package repair

import "github.com/adiadia/selfheal-runner/internal/testir"

type ApplyOptions struct {
	// MatchByStepID targets the step whose id equals the failed step's id
	// before falling back to the first step with the same action.
	MatchByStepID bool
}

// Apply applies the first applicable patch to plan and returns the new plan
// and the patch used. ok is false when no candidate could be applied; plan
// is never modified.
func Apply(plan testir.TestIR, failed testir.Step, patches []Patch, opts ApplyOptions) (out testir.TestIR, used Patch, ok bool) {
	idx := targetIndex(plan, failed, opts)
	if idx < 0 {
		return plan, Patch{}, false
	}

	for _, p := range patches {
		if !p.Applicable() {
			continue
		}
		step := *p.PatchedStep
		switch p.Type {
		case PatchInsertWaitFor:
			return plan.WithInserted(idx, step), p, true
		default:
			// The target keeps its own identity.
			step.ID = ""
			return plan.WithMerged(idx, step), p, true
		}
	}
	return plan, Patch{}, false
}

func targetIndex(plan testir.TestIR, failed testir.Step, opts ApplyOptions) int {
	if opts.MatchByStepID {
		if i := plan.IndexOfID(failed.ID); i >= 0 {
			return i
		}
	}
	return plan.IndexOfAction(failed.Action)
}
