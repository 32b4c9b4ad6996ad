package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cybergrind/dynamic-ralph/internal/claude"
	"github.com/cybergrind/dynamic-ralph/internal/retrospective"
)

func newRetrospectiveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retrospective <run-dir>",
		Short: "Have a worker diagnose and fix the failures of a finished run",
		Long: `Launch a worker over a finished run directory. It reads summary.log, the
final workflow state and every step log, fixes what went wrong in the current
checkout, verifies the fix with a new run and writes retrospective.md into the
run directory.

Example:
  ralph retrospective run_ralph/20260301T101500_1a2b3c4d`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runDir := args[0]
			cfg := app.Config

			if err := retrospective.Validate(runDir); err != nil {
				return err
			}

			repo, err := app.repo()
			if err != nil {
				return err
			}
			id, warnings := repo.ResolveIdentity(ctx, cfg.Git.AuthorName, cfg.Git.AuthorEmail)
			for _, w := range warnings {
				app.Printer.Warn("%s", w)
			}

			command := "ralph"
			if exe, err := os.Executable(); err == nil {
				command = exe
			}

			opts := retrospective.Options{
				WorkDir:      repo.Dir(),
				MaxTurns:     cfg.Claude.MaxTurns,
				SystemPrompt: cfg.Prompts.SystemPrompt,
				Env:          id.Env(),
				Checks:       cfg.Prompts.RetrospectiveChecks,
				Command:      command,
			}
			if cfg.Output.Verbose {
				opts.Handler = func(ev claude.Event) {
					switch {
					case ev.IsText():
						app.Printer.WorkerText(ev.Text)
					case ev.IsToolUse():
						app.Printer.WorkerTool(ev.ToolName, ev.ToolDetail())
					}
				}
			}

			app.Printer.Info("Launching retrospective agent for %s", runDir)
			app.Printer.Info("  Log: %s", retrospective.LogPath(runDir))

			result, err := retrospective.Run(ctx, app.worker(), runDir, opts)
			if err != nil {
				return err
			}
			if !result.Succeeded() {
				app.Printer.Error("Retrospective agent failed (exit_code=%d, status=%s)", result.ExitCode, result.Status())
				return NewExitError(ExitFailure)
			}
			app.Printer.Info("Retrospective agent completed successfully (cost=$%.4f)", result.CostUSD)
			app.Printer.Info("Report: %s", filepath.Join(runDir, retrospective.ReportFile))
			return nil
		},
	}
}
