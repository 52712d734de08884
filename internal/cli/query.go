// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (r *runner) newSimilarCommand() *cobra.Command {
	var (
		limit    int
		jsonMode bool
	)

	cmd := &cobra.Command{
		Use:   "similar <query>",
		Short: "Find recorded failures resembling a step",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			matches, err := a.Failures.RetrieveSimilar(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonMode {
				return writeJSON(out, matches)
			}
			if len(matches) == 0 {
				_, _ = fmt.Fprintln(out, warnColor.Sprint("no recorded failures"))
				return nil
			}
			for _, m := range matches {
				step := m.Record.FailedStep
				_, _ = fmt.Fprintf(out, "%s  %s  %s %s=%s\n    %s\n",
					dimColor.Sprintf("%.3f", m.Score),
					m.Record.JobID,
					step.Action, step.Target.Kind, step.Target.Value,
					m.Record.Error,
				)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 3, "Maximum number of matches")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Print matches as JSON")
	return cmd
}

func (r *runner) newTasksCommand() *cobra.Command {
	var jsonMode bool

	cmd := &cobra.Command{
		Use:   "tasks [task-id]",
		Short: "List tasks, or show one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			out := cmd.OutOrStdout()

			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid task ID %q", args[0])
				}
				task, err := a.Tasks.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(out, task)
			}

			tasks := a.Tasks.List(cmd.Context())
			if jsonMode {
				if tasks == nil {
					tasks = []domain.Task{}
				}
				return writeJSON(out, tasks)
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(out, warnColor.Sprint("no tasks"))
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tDESCRIPTION")
			for _, t := range tasks {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					t.ID, t.Status, t.CreatedAt.Local().Format(time.DateTime), t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Print tasks as JSON")
	return cmd
}

func (r *runner) newReportCommand() *cobra.Command {
	var jsonMode bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize task outcomes and recorded failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			rep, err := a.Reports.Build(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonMode {
				return writeJSON(out, rep)
			}

			m := rep.Metrics
			_, _ = fmt.Fprintln(out, rep.Summary)
			_, _ = fmt.Fprintf(out, "\n%s %d  %s %d  %s %d  %s %d\n",
				dimColor.Sprint("total"), m.TotalTasks,
				okColor.Sprint("completed"), m.Completed,
				failColor.Sprint("failed"), m.Failed,
				warnColor.Sprint("pending"), m.Pending,
			)
			if top := m.TopFailure(); top != "" {
				_, _ = fmt.Fprintf(out, "%s %s (%d)\n", dimColor.Sprint("top failure:"), top, m.FailureDistribution[top])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Print the report as JSON")
	return cmd
}
