package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel a session",
	Long: `Tears down the session's Sprite, breaks its lease and marks it cancelled.
A loop running in another terminal notices the broken lease and stops after
its current iteration. Cancelled sessions cannot be resumed.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	addSessionFlag(stopCmd)
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
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

	fmt.Fprintf(out, "Stopping %s...\n", s.Branch)
	if err := mgr.Stop(ctx, s.Branch); err != nil {
		return err
	}
	fmt.Fprintln(out, "Session cancelled.")
	return nil
}
