package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/thruflo/warden/internal/session"
	"github.com/thruflo/warden/internal/state"
)

var planRefresh bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate the task list",
	Long: `Provisions the session's Sprite if needed and asks the agent to break the
requirements document into a task list, which is saved locally. Review it
with 'warden tasks' (or edit it with 'warden tasks --edit') before running.

An existing task list is only replaced with --refresh.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	addSessionFlag(planCmd)
	planCmd.Flags().BoolVar(&planRefresh, "refresh", false, "replace an existing task list")
	planCmd.Flags().BoolVar(&flagReuse, "reuse", false, "take over a running session and keep its environment")
	planCmd.Flags().BoolVar(&flagRecreate, "recreate", false, "take over a running session and rebuild its environment")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	policy, err := existingPolicy(flagReuse, flagRecreate)
	if err != nil {
		return err
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	s, err := p.session()
	if err != nil {
		return err
	}
	mgr, closeFn, err := p.manager(hooks{confirm: stdinConfirm(out)})
	if err != nil {
		return err
	}
	defer closeFn()

	fmt.Fprintf(out, "Planning %s in %s...\n", s.Branch, s.Environment)
	tasks, err := mgr.Plan(ctx, session.PlanOptions{Branch: s.Branch, Refresh: planRefresh, Existing: policy})
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printTasks(out, tasks)
	return nil
}

func printTasks(w io.Writer, tasks []state.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	for _, t := range tasks {
		mark := " "
		if t.Passes {
			mark = "x"
		}
		category := ""
		if t.Category != "" {
			category = fmt.Sprintf("(%s) ", t.Category)
		}
		fmt.Fprintf(w, "[%s] %2d. %s%s\n", mark, t.ID, category, t.Description)
		for _, step := range t.Steps {
			fmt.Fprintf(w, "         - %s\n", step)
		}
	}
	fmt.Fprintf(w, "\n%d/%d passing\n", state.CompletedCount(tasks), len(tasks))
}
