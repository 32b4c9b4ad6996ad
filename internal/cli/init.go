package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/cybergrind/dynamic-ralph/internal/state"
)

func newInitCommand(app *App) *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:   "init --spec <file>",
		Short: "Create workflow state from a spec file without running it",
		Long: `Parse a spec file, validate its dependency graph and write a fresh
workflow state with every story unclaimed. Run it later with
"ralph run --resume --shared-dir <dir>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec == "" {
				return errors.New("--spec is required")
			}

			sess, err := app.openSession(true)
			if err != nil {
				return err
			}
			defer sess.Close()

			repo, err := app.repo()
			if err != nil {
				return err
			}

			st, err := state.Initialize(spec, sess.store.Path())
			if err != nil {
				return err
			}
			sess.recordRun(cmd.Context(), repo, spec)

			app.Printer.Info("Initialized %d stories in %s", len(st.Stories), sess.store.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "story spec file (JSON or YAML)")
	return cmd
}
