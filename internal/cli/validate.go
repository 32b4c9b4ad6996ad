package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cybergrind/dynamic-ralph/internal/state"
)

func newValidateCommand(app *App) *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:   "validate --spec <file>",
		Short: "Check a spec file for duplicate ids, unknown dependencies and cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec == "" {
				return errors.New("--spec is required")
			}
			data, err := os.ReadFile(spec)
			if err != nil {
				return fmt.Errorf("failed to read spec: %w", err)
			}
			stories, err := state.ParseSpec(spec, data)
			if err != nil {
				return err
			}
			if _, err := state.BuildState(spec, stories); err != nil {
				app.Printer.Error("%s: %v", spec, err)
				return NewExitError(ExitFailure)
			}
			app.Printer.Info("%s: %d stories, dependency graph OK", spec, len(stories))
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "story spec file (JSON or YAML)")
	return cmd
}
