// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
	dimColor  = color.New(color.FgCyan)
)

func printError(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "%s %v\n", failColor.Sprint("error:"), err)
}

func statusLabel(s domain.TaskStatus) string {
	switch s {
	case domain.TaskCompleted:
		return okColor.Sprint("✓ " + string(s))
	case domain.TaskFailed:
		return failColor.Sprint("✗ " + string(s))
	default:
		return warnColor.Sprint("• " + string(s))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v through its JSON form so the YAML keys match the wire
// names and keep their declaration order.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Style&yaml.DoubleQuotedStyle != 0 && n.Tag == "!!str" {
		n.Style &^= yaml.DoubleQuotedStyle
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}
