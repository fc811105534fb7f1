package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var doneCmd = &cobra.Command{
	Use:   "done",
	Short: "Publish a completed session",
	Long: `Pushes the branch of a completed session from its Sprite, prints the URL
for opening a pull request, tears the Sprite down and marks the session done.
Every task must pass.`,
	Args: cobra.NoArgs,
	RunE: runDone,
}

func init() {
	addSessionFlag(doneCmd)
	rootCmd.AddCommand(doneCmd)
}

func runDone(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	p, err := openProject()
	if err != nil {
		return err
	}
	s, err := p.session()
	if err != nil {
		return err
	}
	mgr, closeFn, err := p.manager(hooks{})
	if err != nil {
		return err
	}
	defer closeFn()

	fmt.Fprintf(out, "Publishing %s...\n", s.Branch)
	url, err := mgr.Finalize(ctx, s.Branch)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Branch pushed and environment torn down.\n\nOpen a pull request:\n  %s\n", url)
	return nil
}
