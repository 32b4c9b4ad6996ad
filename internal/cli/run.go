package cli

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cybergrind/dynamic-ralph/internal/coordinator"
	"github.com/cybergrind/dynamic-ralph/internal/git"
	"github.com/cybergrind/dynamic-ralph/internal/lifecycle"
)

type runFlags struct {
	spec          string
	agents        int
	resume        bool
	maxIterations int
}

func newRunCommand(app *App) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run --spec <file>",
		Short: "Run every story in a spec file",
		Long: `Initialize workflow state from a spec file (JSON or YAML) and run its
stories in dependency order.

With --agents 1 (the default) stories run one at a time in the current
checkout. With more agents each story runs in its own git worktree on a
ralph/<story-id> branch and is squash-merged into the main branch when it
completes.

Examples:
  ralph run --spec prd.json
  ralph run --spec prd.yaml --agents 3
  ralph run --shared-dir run_ralph/20260101T120000_1a2b3c4d --resume`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("agents") {
				f.agents = app.Config.Limits.Agents
			}
			if !cmd.Flags().Changed("max-iterations") {
				f.maxIterations = app.Config.Limits.MaxIterations
			}
			return app.run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.spec, "spec", "", "story spec file (JSON or YAML)")
	cmd.Flags().IntVar(&f.agents, "agents", 1, "number of parallel agents (1 runs serially)")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "reuse existing state instead of reinitializing from the spec")
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 50, "maximum number of stories to claim (0 for no limit)")
	return cmd
}

func (app *App) run(ctx context.Context, f runFlags) error {
	if f.spec == "" && !f.resume {
		return errors.New("--spec is required unless --resume is set")
	}

	sess, err := app.openSession(!f.resume)
	if err != nil {
		return err
	}
	defer sess.Close()

	repo, err := app.repo()
	if err != nil {
		return err
	}
	sess.recordRun(ctx, repo, f.spec)

	var summary lifecycle.RunSummary
	if f.agents <= 1 {
		summary, err = app.runSerial(ctx, sess, repo, f)
	} else {
		summary, err = app.runParallel(ctx, sess, repo, f)
	}
	if err != nil {
		return err
	}

	if err := lifecycle.PrintStatus(sess.store, app.Printer.Info); err != nil {
		return err
	}
	if !summary.OK() {
		return NewExitError(ExitFailure)
	}
	return nil
}

func (app *App) runSerial(ctx context.Context, sess *session, repo *git.Repo, f runFlags) (lifecycle.RunSummary, error) {
	runner, err := sess.runner(ctx, repo)
	if err != nil {
		return lifecycle.RunSummary{}, err
	}
	return lifecycle.Serial(ctx, runner, lifecycle.SerialOptions{
		SpecPath:      f.spec,
		Resume:        f.resume,
		MaxIterations: f.maxIterations,
		AgentID:       1,
	})
}

func (app *App) runParallel(ctx context.Context, sess *session, repo *git.Repo, f runFlags) (lifecycle.RunSummary, error) {
	cfg := app.Config

	resumed, err := lifecycle.PrepareState(sess.store, f.spec, f.resume)
	if err != nil {
		return lifecycle.RunSummary{}, err
	}
	if resumed {
		app.Printer.Info("Resuming from existing state: %s", sess.store.Path())
	} else {
		app.Printer.Info("Initialized state from %s", f.spec)
	}

	mainBranch, err := sess.mainBranch(ctx, repo)
	if err != nil {
		return lifecycle.RunSummary{}, err
	}

	spawner := app.Spawner
	if spawner == nil {
		statePath, err := filepath.Abs(sess.store.Path())
		if err != nil {
			return lifecycle.RunSummary{}, err
		}
		sharedDir, err := filepath.Abs(sess.sharedDir)
		if err != nil {
			return lifecycle.RunSummary{}, err
		}
		spawner = &coordinator.ExecSpawner{
			StatePath:  statePath,
			SharedDir:  sharedDir,
			ConfigPath: app.flags.configPath,
			MaxTurns:   cfg.Claude.MaxTurns,
			Env:        sess.identityEnv(ctx, repo),
		}
	}

	worktrees := cfg.Paths.WorktreeDir
	if !filepath.IsAbs(worktrees) {
		worktrees = filepath.Join(repo.Dir(), worktrees)
	}

	coord := coordinator.New(sess.store, repo, spawner, coordinator.Options{
		Agents:        f.agents,
		MaxIterations: f.maxIterations,
		PollInterval:  cfg.Worker.PollInterval,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
		WorktreeDir:   worktrees,
		MainBranch:    mainBranch,
	})
	coord.SetPrinter(app.Printer)
	coord.SetLogger(sess.logger)
	return coord.Run(ctx)
}
