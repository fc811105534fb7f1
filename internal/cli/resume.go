package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/thruflo/warden/internal/loop"
	"github.com/thruflo/warden/internal/session"
)

var resumeMaxIterations int

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused session",
	Long: `Moves a paused session back to running and continues the iteration loop.

A pending answer recorded with 'warden respond' is delivered to the agent on
the next iteration. A session paused at its iteration limit needs
--max-iterations to grant more.

Example:
  warden resume
  warden resume --session warden/auth-rfc --max-iterations 10`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	addSessionFlag(resumeCmd)
	addLoopFlags(resumeCmd)
	resumeCmd.Flags().IntVar(&resumeMaxIterations, "max-iterations", 0, "grant this many iterations beyond those already used")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	policy, err := existingPolicy(flagReuse, flagRecreate)
	if err != nil {
		return err
	}
	return withLoop(cmd, func(ctx context.Context, mgr *session.Manager, branch string) (loop.Result, error) {
		return mgr.Resume(ctx, session.ResumeOptions{
			Branch:        branch,
			Existing:      policy,
			MaxIterations: resumeMaxIterations,
		})
	})
}
