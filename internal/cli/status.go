package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cybergrind/dynamic-ralph/internal/lifecycle"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

func newStatusCommand(app *App) *cobra.Command {
	var showSteps bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show story progress for a run",
		Long: `Print a table of every story in a run's state file with its status,
agent, step progress and cost.

Example:
  ralph status --shared-dir run_ralph/20260101T120000_1a2b3c4d`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := app.openSession(false)
			if err != nil {
				return err
			}
			defer sess.Close()

			st, err := sess.store.Load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			renderStories(out, st)
			if showSteps {
				for _, story := range st.OrderedStories() {
					renderSteps(out, story)
				}
			}
			fmt.Fprintf(out, "%d stories (%s)\n", len(st.Stories), lifecycle.FormatCounts(st.Counts()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSteps, "steps", false, "also list each story's steps")
	return cmd
}

func renderStories(w io.Writer, st *workflow.State) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Agent", "Steps", "Depends On", "Cost"})
	for _, story := range st.OrderedStories() {
		agent := ""
		if story.AgentID > 0 {
			agent = fmt.Sprintf("%d", story.AgentID)
		}
		tw.AppendRow(table.Row{
			story.StoryID,
			story.Title,
			story.Status,
			agent,
			stepProgress(story),
			strings.Join(story.DependsOn, ", "),
			fmt.Sprintf("$%.2f", story.TotalCost()),
		})
	}
	tw.Render()
}

func renderSteps(w io.Writer, story *workflow.Story) {
	if len(story.Steps) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s: %s\n", story.StoryID, story.Title)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Step", "Type", "Status", "Description"})
	for _, step := range story.Steps {
		tw.AppendRow(table.Row{step.ID, step.Type, step.Status, step.Description})
	}
	tw.Render()
}

// stepProgress renders resolved steps over total, e.g. "4/10".
func stepProgress(story *workflow.Story) string {
	if len(story.Steps) == 0 {
		return "-"
	}
	resolved := 0
	for _, step := range story.Steps {
		if step.Status.IsResolved() {
			resolved++
		}
	}
	return fmt.Sprintf("%d/%d", resolved, len(story.Steps))
}
