package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var respondCmd = &cobra.Command{
	Use:   "respond <message>",
	Short: "Answer the agent's question",
	Long: `Records an answer for the agent. It is delivered on the next iteration,
so follow up with 'warden resume' when the session is paused waiting for input.

Example:
  warden respond "Use the existing Postgres connection pool"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRespond,
}

func init() {
	addSessionFlag(respondCmd)
	rootCmd.AddCommand(respondCmd)
}

func runRespond(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	p, err := openProject()
	if err != nil {
		return err
	}
	s, err := p.session()
	if err != nil {
		return err
	}
	mgr, closeFn, err := p.localManager()
	if err != nil {
		return err
	}
	defer closeFn()

	waiting, err := mgr.Respond(s.Branch, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if waiting {
		fmt.Fprintf(out, "Answer recorded. Use 'warden resume --session %s' to continue.\n", s.Branch)
	} else {
		fmt.Fprintf(out, "Answer recorded; %s is not waiting for input, so the agent will see it on its next iteration.\n", s.Branch)
	}
	return nil
}
