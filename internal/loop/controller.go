package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/logging"
	"github.com/thruflo/warden/internal/state"
)

// Syncer moves session documents to and from the execution environment.
// *state.Syncer implements it.
type Syncer interface {
	Push(ctx context.Context, env, branch string) (*state.Response, error)
	Pull(ctx context.Context, env, branch string) (*state.PullReport, error)
}

// Options configures a Controller.
type Options struct {
	Store       *state.Store
	Syncer      Syncer
	Agent       AgentRunner
	Limits      config.Limits
	Environment string
	RepoPath    string

	// Metrics may be nil.
	Metrics *Metrics
	Logger  *logging.Logger

	// OnIteration, if set, is called after each history entry is recorded.
	OnIteration func(entry state.History)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Result describes how a Run ended.
type Result struct {
	Status      config.SessionStatus
	PauseReason config.PauseReason
	Detail      string
	// Iterations is the number of agent invocations made by this Run.
	Iterations int
	// Outcome is the last normalized outcome, nil if the agent never ran.
	Outcome *state.Outcome
	// Interrupted is set when Run returned because ctx was cancelled. The
	// session is left running.
	Interrupted bool
}

// Controller drives a session through agent iterations until it completes,
// pauses or is interrupted.
type Controller struct {
	store   *state.Store
	syncer  Syncer
	agent   AgentRunner
	limits  config.Limits
	env     string
	repo    string
	metrics *Metrics
	log     *logging.Logger
	onIter  func(state.History)
	now     func() time.Time
}

// NewController creates a Controller.
func NewController(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:   opts.Store,
		syncer:  opts.Syncer,
		agent:   opts.Agent,
		limits:  opts.Limits,
		env:     opts.Environment,
		repo:    opts.RepoPath,
		metrics: opts.Metrics,
		log:     log.With("component", "loop"),
		onIter:  opts.OnIteration,
		now:     now,
	}
}

// Run executes passes for branch. The session must be initialized (it is
// started) or running. Operator cancellation through ctx is only observed
// between passes; an agent invocation in flight always finishes and is
// recorded.
func (c *Controller) Run(ctx context.Context, branch string) (Result, error) {
	session, err := c.store.GetSession(branch)
	if err != nil {
		return Result{}, err
	}

	switch session.Status {
	case config.SessionStatusInitialized:
		session, err = c.store.UpdateSession(branch, func(s *config.Session) error {
			return s.Start(c.now())
		})
		if err != nil {
			return Result{}, fmt.Errorf("failed to start session: %w", err)
		}
	case config.SessionStatusRunning:
		c.log.Info("continuing running session", "branch", branch, "iteration", session.Iteration)
	default:
		return Result{}, fmt.Errorf("cannot run session in state %s", session.Status)
	}

	if err := c.recordLostIterations(branch, session); err != nil {
		return Result{}, err
	}

	log := c.log.With("branch", branch)
	started := c.now()
	syncFailures := 0
	result := Result{Status: config.SessionStatusRunning}

	for {
		if ctx.Err() != nil {
			result.Interrupted = true
			return result, nil
		}

		session, err = c.store.GetSession(branch)
		if err != nil {
			return result, err
		}
		if session.Status != config.SessionStatusRunning {
			log.Info("session left the running state, stopping", "status", session.Status)
			result.Status = session.Status
			return result, nil
		}

		if session.Iteration >= c.limits.MaxIterations {
			detail := fmt.Sprintf("reached %d iterations", c.limits.MaxIterations)
			return c.pause(branch, result, config.PauseMaxIterations, detail)
		}
		if elapsed := c.now().Sub(started); elapsed >= c.limits.MaxDuration() {
			detail := fmt.Sprintf("ran for %s", elapsed.Round(time.Second))
			return c.pause(branch, result, config.PauseMaxDuration, detail)
		}

		sent, err := c.syncer.Push(ctx, c.env, branch)
		if err != nil {
			if ctx.Err() != nil {
				result.Interrupted = true
				return result, nil
			}
			syncFailures++
			c.observeSyncError(err)
			log.Warn("push failed, skipping pass", "failures", syncFailures, "err", err)
			if syncFailures >= c.limits.MaxSyncFailures {
				return c.pause(branch, result, config.PauseSyncFailed, err.Error())
			}
			if !sleep(ctx, c.limits.LoopInterval()) {
				result.Interrupted = true
				return result, nil
			}
			continue
		}
		syncFailures = 0

		// Bookkeeping for the pass must complete even if the operator
		// interrupts while the agent is running.
		passCtx := context.WithoutCancel(ctx)

		session, err = c.store.UpdateSession(branch, func(s *config.Session) error {
			s.Iteration++
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("failed to record iteration: %w", err)
		}
		iteration := session.Iteration
		log := log.With("iteration", iteration)
		log.Info("invoking agent")

		agentErr := c.invoke(passCtx, iteration)
		result.Iterations++

		report, err := c.syncer.Pull(passCtx, c.env, branch)
		if err != nil {
			return result, fmt.Errorf("failed to pull: %w", err)
		}
		if report.TasksErr != nil {
			c.observeSyncError(report.TasksErr)
		}

		outcome, fresh := c.currentOutcome(report, iteration)
		for _, w := range outcome.Normalize() {
			log.Warn("normalized outcome", "warning", w)
		}
		if fresh {
			if err := c.store.SaveOutcome(branch, &outcome); err != nil {
				return result, err
			}
		}
		result.Outcome = &outcome

		tasks := report.Tasks
		if tasks == nil {
			if tasks, err = c.store.LoadTasks(branch); err != nil {
				return result, err
			}
		}

		entry := state.History{
			Iteration:      iteration,
			Summary:        outcome.Summary,
			TasksCompleted: state.CompletedCount(tasks),
			Status:         outcome.Status,
		}
		if agentErr != nil {
			entry.Status = state.StatusFailed
			entry.Summary = agentErr.Error()
		}
		if err := c.store.AppendHistory(branch, entry); err != nil {
			return result, err
		}
		c.metrics.ObserveIteration(entry.Status)
		c.metrics.SetTasksCompleted(entry.TasksCompleted)
		if c.onIter != nil {
			c.onIter(entry)
		}

		// A stop during the invocation must not be overwritten by a pause or
		// completion.
		current, err := c.store.GetSession(branch)
		if err != nil {
			return result, err
		}
		if current.Status != config.SessionStatusRunning {
			log.Info("session left the running state, stopping", "status", current.Status)
			result.Status = current.Status
			return result, nil
		}

		if agentErr != nil {
			log.Error("agent failed", "err", agentErr)
			return c.pause(branch, result, config.PauseClaudeFailed, agentErr.Error())
		}

		if err := c.consumeResponse(branch, sent); err != nil {
			return result, err
		}

		history, err := c.store.LoadHistory(branch)
		if err != nil {
			return result, err
		}
		decision := Decide(outcome, tasks, HistorySince(history, session.StuckBaseline), c.limits.StuckThreshold)
		for _, w := range decision.Warnings {
			log.Warn(w)
		}

		switch decision.Action {
		case ActionComplete:
			if _, err := c.store.UpdateSession(branch, func(s *config.Session) error {
				return s.Complete(c.now())
			}); err != nil {
				return result, err
			}
			log.Info("session complete", "tasks", entry.TasksCompleted)
			result.Status = config.SessionStatusComplete
			return result, nil

		case ActionPause:
			return c.pause(branch, result, decision.Reason, decision.Detail)
		}

		if !sleep(ctx, c.limits.LoopInterval()) {
			result.Interrupted = true
			return result, nil
		}
	}
}

// recordLostIterations appends a FAILED entry for every iteration that was
// committed to the session but never recorded in history. That happens when
// the process dies while the agent runs.
func (c *Controller) recordLostIterations(branch string, session *config.Session) error {
	history, err := c.store.LoadHistory(branch)
	if err != nil {
		return err
	}
	last := 0
	if len(history) > 0 {
		last = history[len(history)-1].Iteration
	}
	if session.Iteration <= last {
		return nil
	}

	tasks, err := c.store.LoadTasks(branch)
	if err != nil {
		return err
	}
	for i := last + 1; i <= session.Iteration; i++ {
		c.log.Warn("recording interrupted iteration", "branch", branch, "iteration", i)
		entry := state.History{
			Iteration:      i,
			Summary:        "interrupted before the iteration was recorded",
			TasksCompleted: state.CompletedCount(tasks),
			Status:         state.StatusFailed,
		}
		if err := c.store.AppendHistory(branch, entry); err != nil {
			return err
		}
	}
	return nil
}

// consumeResponse removes the operator's answer once an invocation has seen
// it. An answer saved after the push is kept for the next pass.
func (c *Controller) consumeResponse(branch string, sent *state.Response) error {
	if sent == nil {
		return nil
	}
	current, err := c.store.LoadResponse(branch)
	if err != nil {
		return err
	}
	if current == nil || *current != *sent {
		return nil
	}
	return c.store.ClearResponse(branch)
}

func (c *Controller) invoke(ctx context.Context, iteration int) error {
	ctx, cancel := context.WithTimeout(ctx, c.limits.IterationTimeout())
	defer cancel()

	started := c.now()
	err := c.agent.Run(ctx, AgentRequest{
		Environment: c.env,
		RepoPath:    c.repo,
		Iteration:   iteration,
		MaxTurns:    c.limits.MaxTurns,
	})
	c.metrics.ObserveAgent(c.now().Sub(started))

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("agent timed out after %s: %w", c.limits.IterationTimeout(), err)
	}
	return err
}

// currentOutcome returns the pulled outcome and true when it belongs to this
// iteration, and a no-new-information CONTINUE otherwise. Outcomes that do
// not carry an iteration number are accepted.
func (c *Controller) currentOutcome(report *state.PullReport, iteration int) (state.Outcome, bool) {
	switch {
	case report.OutcomeErr != nil:
		return state.NoNewInformation("state.json unavailable"), false
	case report.Outcome == nil:
		return state.NoNewInformation("state.json missing"), false
	case report.Outcome.Iteration != 0 && report.Outcome.Iteration < iteration:
		c.log.Warn("ignoring stale outcome", "reported", report.Outcome.Iteration, "iteration", iteration)
		return state.NoNewInformation(fmt.Sprintf("state.json is from iteration %d", report.Outcome.Iteration)), false
	}
	return *report.Outcome, true
}

func (c *Controller) pause(branch string, result Result, reason config.PauseReason, detail string) (Result, error) {
	if _, err := c.store.UpdateSession(branch, func(s *config.Session) error {
		return s.Pause(reason, detail, c.now())
	}); err != nil {
		return result, fmt.Errorf("failed to pause session: %w", err)
	}
	c.metrics.ObservePause(reason)
	c.log.Info("session paused", "branch", branch, "reason", reason, "detail", detail)

	result.Status = config.SessionStatusPaused
	result.PauseReason = reason
	result.Detail = detail
	return result, nil
}

func (c *Controller) observeSyncError(err error) {
	var se *state.SyncError
	if errors.As(err, &se) {
		c.metrics.ObserveSyncFailure(se.Direction, se.Document)
		return
	}
	c.metrics.ObserveSyncFailure("push", "unknown")
}

// sleep waits for d and reports false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
