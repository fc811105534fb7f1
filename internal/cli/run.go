package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/thruflo/warden/internal/loop"
	"github.com/thruflo/warden/internal/session"
	"github.com/thruflo/warden/internal/state"
)

var (
	runRefresh     bool
	runQuiet       bool
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the iteration loop",
	Long: `Provisions the session's Sprite if needed, generates the task list when
there is none (or with --refresh) and runs the agent until the session
completes or pauses.

If another process is running the session, choose --reuse to take over its
environment or --recreate to start from a fresh one. On a terminal you are
asked instead.

Exit status is 0 on completion and on pauses that need no intervention,
2 when the agent is blocked, failed, or state could not be synced, and 1 on
errors.

Example:
  warden run
  warden run --session warden/auth-rfc --metrics-addr :9090`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	addSessionFlag(runCmd)
	addLoopFlags(runCmd)
	runCmd.Flags().BoolVar(&runRefresh, "refresh", false, "regenerate the task list before running")
	rootCmd.AddCommand(runCmd)
}

// addLoopFlags registers the flags shared by run and resume.
func addLoopFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&flagReuse, "reuse", false, "take over a running session and keep its environment")
	cmd.Flags().BoolVar(&flagRecreate, "recreate", false, "take over a running session and rebuild its environment")
	cmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print the agent's output")
	cmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
}

func runRun(cmd *cobra.Command, args []string) error {
	policy, err := existingPolicy(flagReuse, flagRecreate)
	if err != nil {
		return err
	}
	return withLoop(cmd, func(ctx context.Context, mgr *session.Manager, branch string) (loop.Result, error) {
		return mgr.Run(ctx, session.RunOptions{Branch: branch, Refresh: runRefresh, Existing: policy})
	})
}

type loopFunc func(ctx context.Context, mgr *session.Manager, branch string) (loop.Result, error)

// withLoop wires output, metrics and the confirmation prompt around a
// Manager call that runs the iteration loop, then reports the result.
func withLoop(cmd *cobra.Command, fn loopFunc) error {
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

	h := hooks{
		onIteration: func(entry state.History) { printIteration(out, entry) },
		confirm:     stdinConfirm(out),
	}
	if !runQuiet {
		h.onLine = func(line string) { fmt.Fprintf(out, "  %s\n", line) }
	}

	if runMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		h.metrics = loop.NewMetrics(reg)
		stop, err := serveMetrics(runMetricsAddr, reg)
		if err != nil {
			return err
		}
		defer stop()
		p.log.Info("serving metrics", "addr", runMetricsAddr)
	}

	mgr, closeFn, err := p.manager(h)
	if err != nil {
		return err
	}
	defer closeFn()

	fmt.Fprintf(out, "Running %s in %s\n", s.Branch, s.Environment)
	result, err := fn(ctx, mgr, s.Branch)
	if err != nil {
		return err
	}
	return reportResult(out, s.Branch, result)
}

func printIteration(w io.Writer, entry state.History) {
	summary := entry.Summary
	if summary == "" {
		summary = "(no summary)"
	}
	fmt.Fprintf(w, "[iteration %d] %s, %d task(s) passing: %s\n", entry.Iteration, entry.Status, entry.TasksCompleted, summary)
}

// serveMetrics exposes reg on addr until the returned stop func is called.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("Warning: metrics server stopped: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
