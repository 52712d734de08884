// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/adiadia/selfheal-runner/internal/testir"
	"gopkg.in/yaml.v3"
)

// Decode reads a TestIR from YAML or JSON, optionally wrapped in a markdown
// code fence. The document goes through the TestIR JSON decoder so both
// forms accept the same keys and aliases.
func Decode(data []byte) (testir.TestIR, error) {
	body := trimFence(string(data))
	if body == "" {
		return testir.TestIR{}, errors.New("empty test plan document")
	}

	var doc any
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return testir.TestIR{}, fmt.Errorf("parse test plan: %w", err)
	}
	doc = jsonCompatible(doc)
	if _, ok := doc.(map[string]any); !ok {
		return testir.TestIR{}, errors.New("test plan must be a mapping")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return testir.TestIR{}, fmt.Errorf("normalize test plan: %w", err)
	}

	var ir testir.TestIR
	if err := json.Unmarshal(raw, &ir); err != nil {
		return testir.TestIR{}, fmt.Errorf("decode test plan: %w", err)
	}
	return ir, nil
}

// jsonCompatible converts YAML maps with non-string keys into string-keyed
// maps.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = jsonCompatible(child)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = jsonCompatible(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = jsonCompatible(child)
		}
		return t
	default:
		return v
	}
}

func trimFence(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "```"); start >= 0 {
		rest := s[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}
	return s
}
