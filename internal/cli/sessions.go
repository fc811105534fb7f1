package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/state"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	sessions, err := p.store.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	return listSessions(cmd.OutOrStdout(), p.store, sessions)
}

func listSessions(w io.Writer, store *state.Store, sessions []*config.Session) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}

	type row struct{ id, branch, status, iter, tasks, updated string }
	rows := []row{{"ID", "BRANCH", "STATUS", "ITER", "TASKS", "UPDATED"}}
	for _, s := range sessions {
		tasks, err := store.LoadTasks(s.Branch)
		if err != nil {
			return fmt.Errorf("failed to load tasks for %s: %w", s.Branch, err)
		}
		status := string(s.Status)
		if s.Status == config.SessionStatusPaused {
			status += ":" + string(s.PauseReason)
		}
		id := s.ProjectID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, row{
			id:      id,
			branch:  s.Branch,
			status:  status,
			iter:    fmt.Sprintf("%d", s.Iteration),
			tasks:   fmt.Sprintf("%d/%d", state.CompletedCount(tasks), len(tasks)),
			updated: relative(s.UpdatedAt),
		})
	}

	var wID, wBranch, wStatus, wIter, wTasks int
	for _, r := range rows {
		wID = max(wID, len(r.id))
		wBranch = max(wBranch, len(r.branch))
		wStatus = max(wStatus, len(r.status))
		wIter = max(wIter, len(r.iter))
		wTasks = max(wTasks, len(r.tasks))
	}
	for i, r := range rows {
		fmt.Fprintf(w, "%-*s  %-*s  %-*s  %*s  %*s  %s\n",
			wID, r.id, wBranch, r.branch, wStatus, r.status, wIter, r.iter, wTasks, r.tasks, r.updated)
		if i == 0 {
			fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s\n",
				strings.Repeat("-", wID), strings.Repeat("-", wBranch), strings.Repeat("-", wStatus),
				strings.Repeat("-", wIter), strings.Repeat("-", wTasks), strings.Repeat("-", len(r.updated)))
		}
	}
	return nil
}
