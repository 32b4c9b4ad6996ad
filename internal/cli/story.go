package cli

import (
	"github.com/spf13/cobra"
)

func newStoryCommand(app *App) *cobra.Command {
	var agentID int
	cmd := &cobra.Command{
		Use:   "story <story-id>",
		Short: "Run one claimed story in the current directory",
		Long: `Run every pending step of a single story in the current directory.

This is the worker mode used by parallel runs: the coordinator starts one
"ralph story" per agent inside that agent's worktree, pointing it at the
shared state with --shared-dir and --state-path. It exits non-zero when the
story fails.`,
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			sess, err := app.openSession(false)
			if err != nil {
				return err
			}
			defer sess.Close()

			repo, err := app.repo()
			if err != nil {
				return err
			}
			runner, err := sess.runner(ctx, repo)
			if err != nil {
				return err
			}

			result, err := runner.Run(ctx, args[0], agentID)
			if err != nil {
				return err
			}
			if !result.Succeeded() {
				return NewExitError(ExitFailure)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&agentID, "agent-id", 1, "agent id of the worker slot")
	return cmd
}
