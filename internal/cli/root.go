// SPDX-License-Identifier: Apache-2.0

// Package cli implements the selfheal command line.
package cli

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/adiadia/selfheal-runner/internal/app"
	"github.com/adiadia/selfheal-runner/internal/config"
	"github.com/adiadia/selfheal-runner/internal/executor"
	"github.com/adiadia/selfheal-runner/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
)

type Options struct {
	Out io.Writer
	Err io.Writer
	// Boundary and Model replace the configured executor and language model.
	Boundary executor.Boundary
	Model    llms.Model
}

type flags struct {
	envFile string
	verbose bool
}

// runner holds what every subcommand needs once flags are parsed.
type runner struct {
	opts  Options
	flags flags
	cfg   config.Config
}

func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	r := &runner{opts: opts}

	root := &cobra.Command{
		Use:           "selfheal",
		Short:         "Run browser test plans with automatic repair",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(r.flags.envFile); err != nil {
				return err
			}
			r.cfg = config.Load()
			return nil
		},
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	root.PersistentFlags().StringVar(&r.flags.envFile, "env-file", ".env", "Environment file to load before reading configuration")
	root.PersistentFlags().BoolVarP(&r.flags.verbose, "verbose", "v", false, "Log progress to stderr")

	root.AddCommand(
		r.newRunCommand(),
		r.newGenerateCommand(),
		r.newSimilarCommand(),
		r.newTasksCommand(),
		r.newReportCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string, opts Options) int {
	root := NewRootCommand(opts)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			printError(root.ErrOrStderr(), err)
		}
		return 1
	}
	return 0
}

func (r *runner) logger() *slog.Logger {
	level := slog.LevelWarn
	if r.flags.verbose {
		level = slog.LevelDebug
	}
	return logging.NewWriterLogger(r.cfg.Env, r.opts.Err, level)
}

func (r *runner) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, app.Deps{
		Config:   r.cfg,
		Logger:   r.logger(),
		Boundary: r.opts.Boundary,
		Model:    r.opts.Model,
	})
}

// loadEnvFile applies path to the environment. A missing file is ignored;
// variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
