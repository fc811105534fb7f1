// Package cli implements the warden command line.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/thruflo/warden/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	verbose         bool
	sessionSelector string
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Supervised autonomous coding sessions on Sprites",
	Long: `Warden drives an autonomous coding agent through a requirements document
inside an isolated Sprite. It plans a task list, runs the agent one iteration
at a time and pauses when the agent is stuck, blocked or waiting for an answer.
When every task passes, 'warden done' pushes the branch for review.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: configureLogging,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("warden version {{.Version}}\n")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// configureLogging applies WARDEN_LOG_LEVEL, then --verbose.
func configureLogging(cmd *cobra.Command, args []string) error {
	level := logging.LevelWarn
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		parsed, err := logging.ParseLevel(v)
		if err != nil {
			return err
		}
		level = parsed
	}
	if verbose {
		level = logging.LevelDebug
	}
	logging.SetLevel(level)
	return nil
}

// addSessionFlag registers --session on a command that works on one session.
func addSessionFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&sessionSelector, "session", "s", "", "session branch or project id prefix (default: the only session)")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
