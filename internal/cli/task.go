package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/cybergrind/dynamic-ralph/internal/lifecycle"
)

func newTaskCommand(app *App) *cobra.Command {
	var agentID int
	cmd := &cobra.Command{
		Use:   "task <description>",
		Short: "Run a free-form task through the default workflow",
		Long: `Run a single ad-hoc task as a story named "oneshot" through the default
step workflow, in the current checkout.

Example:
  ralph task "Add a --json flag to the status command"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			task := strings.Join(args, " ")

			sess, err := app.openSession(true)
			if err != nil {
				return err
			}
			defer sess.Close()

			repo, err := app.repo()
			if err != nil {
				return err
			}
			sess.recordRun(ctx, repo, "")

			runner, err := sess.runner(ctx, repo)
			if err != nil {
				return err
			}

			result, err := lifecycle.OneShot(ctx, runner, task, agentID)
			if err != nil {
				return err
			}
			if !result.Succeeded() {
				return NewExitError(ExitFailure)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&agentID, "agent-id", 1, "agent id recorded on the story")
	return cmd
}
