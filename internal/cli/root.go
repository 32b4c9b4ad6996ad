// Package cli implements the ralph command line.
//
// Every command hangs off [NewRootCommand] and shares an [App], which holds
// the loaded configuration and the injectable dependencies (worker backend,
// repository, process spawner, printer). [Execute] is the production entry
// point; tests drive [RunWithApp] with fakes and assert on [ExecuteResult].
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cybergrind/dynamic-ralph/internal/claude"
	"github.com/cybergrind/dynamic-ralph/internal/config"
	"github.com/cybergrind/dynamic-ralph/internal/coordinator"
	"github.com/cybergrind/dynamic-ralph/internal/git"
	"github.com/cybergrind/dynamic-ralph/internal/output"
)

// App holds the dependencies shared by all commands.
type App struct {
	Config  *config.Config
	Printer output.Printer

	// Worker runs steps. Nil means the Claude CLI configured in Config.
	Worker claude.Executor

	// Repo is the repository stories change. Nil means the current directory.
	Repo *git.Repo

	// Spawner launches parallel story workers. Nil means re-executing this binary.
	Spawner coordinator.Spawner

	// Stdout receives tables and other command output.
	Stdout io.Writer

	flags globalFlags
}

type globalFlags struct {
	sharedDir  string
	statePath  string
	configPath string
	maxTurns   int
}

// NewApp creates an [App] with production defaults for cfg.
func NewApp(cfg *config.Config) *App {
	p := output.NewPrinter()
	p.SetTruncateLength(cfg.Output.TruncateLength)
	return &App{
		Config:  cfg,
		Printer: p,
		Stdout:  os.Stdout,
	}
}

// NewRootCommand builds the command tree for app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "ralph",
		Short: "Run user stories through a step-based Claude workflow",
		Long: `ralph drives Claude Code through a multi-step workflow for each story in a
spec file: context gathering, planning, architecture, tests, coding, linting,
review and final review. Steps may edit the rest of their own workflow.

Stories run one at a time in the current checkout, or in parallel in
per-agent git worktrees that are squash-merged back on success.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.applyFlags()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&app.flags.sharedDir, "shared-dir", "", "directory for state, logs and scratch files (default: new run directory)")
	pf.StringVar(&app.flags.statePath, "state-path", "", "state file (default: <shared-dir>/workflow_state.json)")
	pf.StringVar(&app.flags.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/ralph/config.yaml)")
	pf.IntVar(&app.flags.maxTurns, "max-turns", 0, "maximum agent turns per step")

	root.AddCommand(
		newTaskCommand(app),
		newRunCommand(app),
		newStoryCommand(app),
		newStatusCommand(app),
		newInitCommand(app),
		newValidateCommand(app),
		newRetrospectiveCommand(app),
	)
	return root
}

func (app *App) applyFlags() error {
	if app.flags.configPath != "" {
		cfg, err := config.NewLoader().LoadFromFile(app.flags.configPath)
		if err != nil {
			return err
		}
		app.Config = cfg
		if p, ok := app.Printer.(*output.DefaultPrinter); ok {
			p.SetTruncateLength(cfg.Output.TruncateLength)
		}
	}
	if app.flags.sharedDir != "" {
		app.Config.Paths.SharedDir = app.flags.sharedDir
	}
	if app.flags.statePath != "" {
		app.Config.Paths.StatePath = app.flags.statePath
	}
	if app.flags.maxTurns > 0 {
		app.Config.Claude.MaxTurns = app.flags.maxTurns
	}
	return nil
}

// ExecuteResult is the outcome of a command run.
type ExecuteResult struct {
	ExitCode int
	Err      error
}

// RunWithApp runs the command line args against app.
func RunWithApp(ctx context.Context, app *App, args []string) ExecuteResult {
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(app.Stdout)

	err := root.ExecuteContext(ctx)
	return ExecuteResult{ExitCode: exitCodeFor(err), Err: err}
}

// RunWithConfig runs args with production dependencies built from cfg.
func RunWithConfig(ctx context.Context, cfg *config.Config, args []string) ExecuteResult {
	return RunWithApp(ctx, NewApp(cfg), args)
}

// Execute loads the configuration, runs the command line and exits the
// process with the resulting code. SIGINT and SIGTERM cancel the run.
func Execute() {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result := RunWithConfig(ctx, cfg, os.Args[1:])
	stop()

	if result.Err != nil {
		if _, ok := IsExitError(result.Err); !ok {
			fmt.Fprintf(os.Stderr, "error: %v\n", result.Err)
		}
	}
	os.Exit(result.ExitCode)
}
