// SPDX-License-Identifier: Apache-2.0

package testir

import (
	"fmt"
	"strings"
)

const assertionFailedPrefix = "assertion failed:"

// Well-known StepResult detail keys.
const (
	DetailScreenshotKey  = "screenshot_key"
	DetailDOMSnapshotKey = "dom_snapshot_key"
	DetailWarning        = "warning"
)

// AssertionFailure formats the error reported when expected content is absent.
func AssertionFailure(expected string) string {
	return fmt.Sprintf("%s %q not found in page content", assertionFailedPrefix, expected)
}

func IsAssertionFailure(msg string) bool {
	return strings.HasPrefix(strings.TrimSpace(msg), assertionFailedPrefix)
}

type StepResult struct {
	StepID  string  `json:"step_id"`
	OK      bool    `json:"ok"`
	Error   string  `json:"error,omitempty"`
	Details Details `json:"details,omitempty"`
}

type Artifacts struct {
	DOMSnapshotKey string   `json:"dom_snapshot_key,omitempty"`
	HARKey         string   `json:"har_key,omitempty"`
	Screenshots    []string `json:"screenshots,omitempty"`
}

func (a Artifacts) IsZero() bool {
	return a.DOMSnapshotKey == "" && a.HARKey == "" && len(a.Screenshots) == 0
}

// Keys lists the names of the artifacts that are present.
func (a Artifacts) Keys() []string {
	keys := make([]string, 0, 3)
	if a.DOMSnapshotKey != "" {
		keys = append(keys, "dom_snapshot_key")
	}
	if a.HARKey != "" {
		keys = append(keys, "har_key")
	}
	if len(a.Screenshots) > 0 {
		keys = append(keys, "screenshots")
	}
	return keys
}

type RunResult struct {
	RunID     string       `json:"run_id"`
	Results   []StepResult `json:"results"`
	OK        bool         `json:"ok"`
	Artifacts Artifacts    `json:"artifacts,omitzero"`
}
