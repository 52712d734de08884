// SPDX-License-Identifier: Apache-2.0

package testir

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const DefaultBrowser = "chromium"

var ErrEmptyPlan = errors.New("test plan has no steps")

// TestIR is an ordered browser test plan.
type TestIR struct {
	ID          string         `json:"test_id"`
	Description string         `json:"description,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	Steps       []Step         `json:"steps"`
}

// UnmarshalJSON accepts "id" as an alias of "test_id".
func (t *TestIR) UnmarshalJSON(data []byte) error {
	type plain TestIR
	aux := struct {
		*plain
		IDAlias string `json:"id"`
	}{plain: (*plain)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = aux.IDAlias
	}
	return nil
}

func (t TestIR) Validate() error {
	if len(t.Steps) == 0 {
		return ErrEmptyPlan
	}
	for i, s := range t.Steps {
		if strings.TrimSpace(string(s.Action)) == "" {
			return fmt.Errorf("step %d: missing action", i+1)
		}
	}
	return nil
}

func (t TestIR) Browser() string {
	if b, ok := t.Meta["browser"].(string); ok && strings.TrimSpace(b) != "" {
		return b
	}
	return DefaultBrowser
}

// Clone returns a copy whose step slice and meta map are not shared with t.
func (t TestIR) Clone() TestIR {
	out := t
	out.Steps = append([]Step(nil), t.Steps...)
	if t.Meta != nil {
		out.Meta = make(map[string]any, len(t.Meta))
		for k, v := range t.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// StepID returns the step's declared id, or a positional "sN" id.
func (t TestIR) StepID(i int) string {
	if i >= 0 && i < len(t.Steps) && t.Steps[i].ID != "" {
		return t.Steps[i].ID
	}
	return fmt.Sprintf("s%d", i+1)
}

// IndexOfAction returns the index of the first step with the given action,
// or -1.
func (t TestIR) IndexOfAction(a Action) int {
	want := a.Normalize()
	for i, s := range t.Steps {
		if s.Action.Normalize() == want {
			return i
		}
	}
	return -1
}

// IndexOfID returns the index of the first step with the given id, or -1.
func (t TestIR) IndexOfID(id string) int {
	if id == "" {
		return -1
	}
	for i, s := range t.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// WithMerged returns a copy of t with patch merged into the step at i.
func (t TestIR) WithMerged(i int, patch Step) TestIR {
	out := t.Clone()
	out.Steps[i] = out.Steps[i].Merge(patch)
	return out
}

// WithInserted returns a copy of t with step inserted before index i.
func (t TestIR) WithInserted(i int, step Step) TestIR {
	out := t.Clone()
	steps := make([]Step, 0, len(t.Steps)+1)
	steps = append(steps, t.Steps[:i]...)
	steps = append(steps, step)
	steps = append(steps, t.Steps[i:]...)
	out.Steps = steps
	return out
}
