// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/adiadia/selfheal-runner/internal/coordinator"
	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/scenario"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// errRunFailed signals a failed task that was already reported on stdout.
var errRunFailed = errors.New("run failed")

type runFlags struct {
	file     string
	runID    string
	noRepair bool
	json     bool
}

func (r *runner) newRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a test plan with automatic repair",
		Long:  "Load a TestIR document (YAML or JSON), execute it and repair failing steps between attempts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Path to the TestIR document")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run identifier (defaults to run_ plus the task id prefix)")
	cmd.Flags().BoolVar(&f.noRepair, "no-repair", false, "Record failures without applying repairs")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print the full response as JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (r *runner) run(cmd *cobra.Command, f runFlags) error {
	data, err := os.ReadFile(f.file)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	plan, err := scenario.Decode(data)
	if err != nil {
		return fmt.Errorf("parse plan %s: %w", f.file, err)
	}

	a, err := r.open(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(cmd.Context()) }()

	req := coordinator.Request{TestIR: plan, RunID: f.runID}
	if f.noRepair {
		autoRepair := false
		req.AutoRepair = &autoRepair
	}

	resp, runErr := a.Coordinator.Run(cmd.Context(), req)
	if resp.TaskID == uuid.Nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if f.json {
		if resp.Error == "" && runErr != nil {
			resp.Error = runErr.Error()
		}
		if err := writeJSON(out, resp); err != nil {
			return err
		}
	} else {
		printRun(cmd, resp, runErr)
	}

	if runErr != nil || resp.Status != domain.TaskCompleted {
		return errRunFailed
	}
	return nil
}

func printRun(cmd *cobra.Command, resp coordinator.Response, runErr error) {
	out := cmd.OutOrStdout()

	_, _ = fmt.Fprintf(out, "%s  task %s  run %s  attempts %d\n",
		statusLabel(resp.Status), resp.TaskID, resp.RunID, resp.Attempts)

	for _, p := range resp.Patches {
		_, _ = fmt.Fprintf(out, "  %s %s (confidence %.2f) %s\n",
			dimColor.Sprint("patched:"), p.Type, p.Confidence, p.Explanation)
	}

	if resp.Result != nil {
		for _, res := range resp.Result.Results {
			mark := okColor.Sprint("ok  ")
			if !res.OK {
				mark = failColor.Sprint("FAIL")
			}
			line := fmt.Sprintf("  %s %s", mark, res.StepID)
			if res.Error != "" {
				line += "  " + res.Error
			}
			_, _ = fmt.Fprintln(out, line)
		}
	}

	msg := resp.Error
	if msg == "" && runErr != nil {
		msg = runErr.Error()
	}
	if msg != "" {
		_, _ = fmt.Fprintf(out, "  %s %s\n", failColor.Sprint("error:"), msg)
	}
}
