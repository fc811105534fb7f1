package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/loop"
	"github.com/thruflo/warden/internal/session"
	"github.com/thruflo/warden/internal/state"
)

// statusHistory is how many recent iterations status prints.
const statusHistory = 5

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Long: `Shows the state of one session: its status and pause reason, task progress,
the agent's last outcome, recent iterations and whether a process currently
holds it.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	addSessionFlag(statusCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	mgr, closeFn, err := p.localManager()
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := mgr.Status(ctx, sessionSelector)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), r, p.cfg.Limits, time.Now())
	return nil
}

func printReport(w io.Writer, r *session.Report, limits config.Limits, now time.Time) {
	s := r.Session

	fmt.Fprintln(w, "Session")
	fmt.Fprintln(w, "=======")
	printField(w, "Branch", s.Branch)
	printField(w, "Project", s.ProjectID)
	printField(w, "Repo", s.Repo)
	printField(w, "Spec", s.Spec)
	printField(w, "Environment", s.Environment)
	status := string(s.Status)
	if s.Status == config.SessionStatusPaused {
		status = fmt.Sprintf("paused (%s)", s.PauseReason)
	}
	printField(w, "Status", status)
	if s.PauseDetail != "" {
		printField(w, "Detail", s.PauseDetail)
	}
	printField(w, "Created", relative(s.CreatedAt))
	if s.StartedAt != nil {
		printField(w, "Started", fmt.Sprintf("%s (%s elapsed)", relative(*s.StartedAt), formatDuration(now.Sub(*s.StartedAt))))
	}
	printField(w, "Updated", relative(s.UpdatedAt))
	if r.Holder != nil {
		printField(w, "Held by", fmt.Sprintf("%s until %s", r.Holder.Owner, humanize.Time(r.Holder.ExpiresAt)))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress")
	fmt.Fprintln(w, "--------")
	if r.Tasks == nil {
		printField(w, "Tasks", "not planned")
	} else {
		printField(w, "Tasks", fmt.Sprintf("%d/%d passing", r.Completed, r.Total))
	}
	printField(w, "Iterations", fmt.Sprintf("%d of %d", s.Iteration, s.IterationLimit(limits.MaxIterations)))
	if len(r.History) >= 2 {
		rate := loop.ProgressRate(r.History, statusHistory+1)
		printField(w, "Rate", fmt.Sprintf("%.1f task(s) per iteration", rate))
	}

	if o := r.Outcome; o != nil {
		printField(w, "Agent status", o.Status)
		if o.Summary != "" {
			printField(w, "Last summary", o.Summary)
		}
		if o.Status == state.StatusNeedsInput && o.Question != "" {
			printField(w, "Question", o.Question)
		}
		if o.Status == state.StatusBlocked && o.Error != "" {
			printField(w, "Blocked on", o.Error)
		}
		if v := o.Verification; v != nil {
			printField(w, "Verified", formatVerification(v))
		}
	}
	if r.Response != nil {
		printField(w, "Pending answer", r.Response.Answer)
	}

	if len(r.History) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Recent iterations")
		fmt.Fprintln(w, "-----------------")
		recent := r.History
		if len(recent) > statusHistory {
			recent = recent[len(recent)-statusHistory:]
		}
		for _, h := range recent {
			printIteration(w, h)
		}
	}
}

func formatVerification(v *state.Verification) string {
	if v.Method == "" || v.Method == state.VerificationNone {
		return "not verified"
	}
	result := "failed"
	if v.Passed {
		result = "passed"
	}
	out := fmt.Sprintf("%s %s", v.Method, result)
	if d := strings.TrimSpace(v.Details); d != "" {
		if i := strings.IndexByte(d, '\n'); i >= 0 {
			d = d[:i]
		}
		out += ": " + d
	}
	return out
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-15s %s\n", label+":", value)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
