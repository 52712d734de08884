// SPDX-License-Identifier: Apache-2.0

package testir

import (
	"encoding/json"
	"time"
)

// DefaultTimeoutMs applies to steps that do not carry an explicit timeout.
const DefaultTimeoutMs = 5000

type TargetKind string

const (
	TargetURL      TargetKind = "url"
	TargetSelector TargetKind = "selector"
	TargetText     TargetKind = "text"
)

type Target struct {
	Kind  TargetKind `json:"type"`
	Value string     `json:"value"`
}

func (t Target) IsZero() bool {
	return t.Kind == "" && t.Value == ""
}

// Step is one executable instruction. Timeout is in milliseconds; zero means
// DefaultTimeoutMs.
type Step struct {
	ID      string `json:"id,omitempty"`
	Action  Action `json:"action"`
	Target  Target `json:"target,omitzero"`
	Value   string `json:"value,omitempty"`
	Timeout int    `json:"timeout_ms,omitempty"`
}

// UnmarshalJSON accepts "timeout" as an alias of "timeout_ms".
func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	aux := struct {
		*plain
		TimeoutAlias *int `json:"timeout"`
	}{plain: (*plain)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if s.Timeout == 0 && aux.TimeoutAlias != nil {
		s.Timeout = *aux.TimeoutAlias
	}
	return nil
}

func (s Step) EffectiveTimeoutMs() int {
	if s.Timeout <= 0 {
		return DefaultTimeoutMs
	}
	return s.Timeout
}

func (s Step) TimeoutDuration() time.Duration {
	return time.Duration(s.EffectiveTimeoutMs()) * time.Millisecond
}

// Merge returns a copy of s with every non-zero field of patch applied.
func (s Step) Merge(patch Step) Step {
	out := s
	if patch.ID != "" {
		out.ID = patch.ID
	}
	if patch.Action != "" {
		out.Action = patch.Action
	}
	if !patch.Target.IsZero() {
		out.Target = patch.Target
	}
	if patch.Value != "" {
		out.Value = patch.Value
	}
	if patch.Timeout != 0 {
		out.Timeout = patch.Timeout
	}
	return out
}

func (s Step) IsZero() bool {
	return s == Step{}
}
