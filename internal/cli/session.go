package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cybergrind/dynamic-ralph/internal/claude"
	"github.com/cybergrind/dynamic-ralph/internal/editing"
	"github.com/cybergrind/dynamic-ralph/internal/git"
	"github.com/cybergrind/dynamic-ralph/internal/lifecycle"
	"github.com/cybergrind/dynamic-ralph/internal/logging"
	"github.com/cybergrind/dynamic-ralph/internal/output"
	"github.com/cybergrind/dynamic-ralph/internal/prompt"
	"github.com/cybergrind/dynamic-ralph/internal/rundir"
	"github.com/cybergrind/dynamic-ralph/internal/state"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// SummaryLog is the file under the shared directory mirroring progress output.
const SummaryLog = "summary.log"

var errNoSharedDir = errors.New("no shared directory: pass --shared-dir or --state-path")

// session is the shared directory, state store and logger of one command.
type session struct {
	app       *App
	sharedDir string
	store     *state.Store
	logger    *slog.Logger
	closer    io.Closer
	created   bool
}

// openSession resolves the shared directory. When fresh is set and none is
// configured, a new run directory is created under the run root; otherwise
// one must be given.
func (app *App) openSession(fresh bool) (*session, error) {
	cfg := app.Config
	shared := cfg.Paths.SharedDir
	created := false

	switch {
	case shared != "":
		if err := os.MkdirAll(filepath.Join(shared, lifecycle.LogsDir), 0o755); err != nil {
			return nil, err
		}
		if err := editing.EnsureDir(shared); err != nil {
			return nil, err
		}
	case fresh:
		dir, err := rundir.Create(cfg.Paths.RunRoot)
		if err != nil {
			return nil, err
		}
		shared, created = dir, true
	case cfg.Paths.StatePath != "":
		shared = filepath.Dir(cfg.Paths.StatePath)
	default:
		return nil, errNoSharedDir
	}

	store := state.NewStore(state.ResolvePath(shared, cfg.Paths.StatePath))
	store.SetLockTimeout(cfg.Limits.LockTimeout)

	s := &session{app: app, sharedDir: shared, store: store, logger: logging.Discard(), created: created}

	if p, ok := app.Printer.(*output.DefaultPrinter); ok {
		p.SetSummaryLog(filepath.Join(shared, SummaryLog))
	}
	if cfg.Logging.Enabled {
		logger, closer, err := logging.Open(shared, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		s.logger, s.closer = logger, closer
	}

	if created {
		app.Printer.Info("Run directory: %s", shared)
	}
	return s, nil
}

func (s *session) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// recordRun writes metadata.json and copies the spec into the shared directory.
func (s *session) recordRun(ctx context.Context, repo *git.Repo, specPath string) {
	md := rundir.Collect(ctx, repo, s.app.Config.Worker.Image)
	if err := rundir.WriteMetadata(s.sharedDir, md); err != nil {
		s.logger.Warn("could not write run metadata", "error", err)
	}
	if specPath == "" {
		return
	}
	if _, err := rundir.CopySpec(s.sharedDir, specPath); err != nil {
		s.logger.Warn("could not copy spec", "spec", specPath, "error", err)
	}
}

func (app *App) repo() (*git.Repo, error) {
	if app.Repo != nil {
		return app.Repo, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}
	app.Repo = git.NewRepo(wd)
	return app.Repo, nil
}

func (app *App) worker() claude.Executor {
	if app.Worker != nil {
		return app.Worker
	}
	cfg := app.Config
	return claude.NewExecutor(claude.Options{
		BinaryPath:   cfg.Claude.BinaryPath,
		BaseArgs:     cfg.Claude.BaseArgs,
		OutputFormat: cfg.Claude.OutputFormat,
		GracePeriod:  cfg.Worker.GracePeriod,
		Docker: claude.DockerOptions{
			Enabled: cfg.Worker.Docker,
			Image:   cfg.Worker.Image,
		},
	})
}

// identityEnv resolves the commit identity handed to workers and warns about
// anything that fell back to the built-in identity.
func (s *session) identityEnv(ctx context.Context, repo *git.Repo) []string {
	cfg := s.app.Config
	id, warnings := repo.ResolveIdentity(ctx, cfg.Git.AuthorName, cfg.Git.AuthorEmail)
	for _, w := range warnings {
		s.app.Printer.Warn("%s", w)
	}
	return id.Env()
}

// runner builds a story runner working in repo.
func (s *session) runner(ctx context.Context, repo *git.Repo) (*lifecycle.StoryRunner, error) {
	cfg := s.app.Config

	builder, err := prompt.NewBuilder(cfg.Prompts.Instructions)
	if err != nil {
		return nil, err
	}

	steps := lifecycle.NewStepExecutor(s.app.worker(), repo, s.store, s.sharedDir)
	steps.SetPrinter(s.app.Printer)
	steps.SetLogger(s.logger)
	steps.SetPromptBuilder(builder)
	steps.SetOptions(lifecycle.StepOptions{
		WorkDir:      repo.Dir(),
		MaxTurns:     cfg.Claude.MaxTurns,
		SystemPrompt: cfg.Prompts.SystemPrompt,
		Env:          s.identityEnv(ctx, repo),
		Timeout:      cfg.StepTimeout,
		Verbose:      cfg.Output.Verbose,
	})

	runner := lifecycle.NewStoryRunner(steps)
	runner.SetProgressCallback(func(storyID string, position, total int, step workflow.Step) {
		s.logger.Debug("next step", "story_id", storyID, "step_id", step.ID, "position", position, "total", total)
	})
	return runner, nil
}

// mainBranch returns the configured integration branch or the current one.
func (s *session) mainBranch(ctx context.Context, repo *git.Repo) (string, error) {
	if b := s.app.Config.Git.MainBranch; b != "" {
		return b, nil
	}
	return repo.CurrentBranch(ctx)
}
