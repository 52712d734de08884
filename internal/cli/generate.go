// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func (r *runner) newGenerateCommand() *cobra.Command {
	var (
		targetURL string
		output    string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "generate <description>",
		Short: "Generate a test plan from a natural-language description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "yaml" && format != "json" {
				return fmt.Errorf("unsupported format %q (want yaml or json)", format)
			}

			a, err := r.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			plan, err := a.Scenarios.Generate(cmd.Context(), strings.Join(args, " "), targetURL)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if format == "json" {
				err = writeJSON(&buf, plan)
			} else {
				err = writeYAML(&buf, plan)
			}
			if err != nil {
				return fmt.Errorf("render plan: %w", err)
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("write plan: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d steps)\n", okColor.Sprint("wrote"), output, len(plan.Steps))
			return nil
		},
	}
	cmd.Flags().StringVar(&targetURL, "target-url", "", "Page the scenario starts from")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the plan to a file instead of stdout")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or json")
	return cmd
}
