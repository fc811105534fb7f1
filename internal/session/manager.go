// Package session manages the lifecycle of warden sessions: creating them,
// provisioning their execution environment under a lease, planning, running
// and resuming the iteration loop, and finishing or cancelling them.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/lease"
	"github.com/thruflo/warden/internal/logging"
	"github.com/thruflo/warden/internal/loop"
	"github.com/thruflo/warden/internal/sprite"
	"github.com/thruflo/warden/internal/state"
)

var (
	// ErrSessionActive is returned when another process holds the session and
	// the operator has not chosen to reuse or recreate its environment.
	ErrSessionActive = errors.New("session is already running; choose --reuse or --recreate")

	// ErrTasksExist is returned by Plan when a task list exists and a refresh
	// was not requested.
	ErrTasksExist = errors.New("task list already exists; use --refresh to regenerate it")

	// ErrBudgetExhausted is returned by Resume when the session used up its
	// iteration budget and no more iterations were granted.
	ErrBudgetExhausted = errors.New("iteration budget exhausted; pass --max-iterations to grant more")

	// ErrTasksIncomplete is returned by Finalize when a task is not passing.
	ErrTasksIncomplete = errors.New("not every task passes")
)

// ExistingPolicy says what to do with an environment that another process
// appears to be using.
type ExistingPolicy int

const (
	// PolicyAsk consults the Confirm callback, failing with ErrSessionActive
	// when there is none.
	PolicyAsk ExistingPolicy = iota
	// PolicyReuse takes over the lease and keeps the environment.
	PolicyReuse
	// PolicyRecreate takes over the lease and rebuilds the environment.
	PolicyRecreate
)

func (p ExistingPolicy) String() string {
	switch p {
	case PolicyAsk:
		return "ask"
	case PolicyReuse:
		return "reuse"
	case PolicyRecreate:
		return "recreate"
	}
	return fmt.Sprintf("ExistingPolicy(%d)", int(p))
}

// Options configures a Manager.
type Options struct {
	Store     *state.Store
	Config    *config.Config
	Leases    *lease.Registry
	Provider  Provider
	Planner   Planner
	Publisher Publisher

	// Syncer and Agent drive the iteration loop.
	Syncer loop.Syncer
	Agent  loop.AgentRunner

	// Metrics and OnIteration are passed to the loop; both may be nil.
	Metrics     *loop.Metrics
	OnIteration func(state.History)

	// Confirm resolves PolicyAsk when a live lease is found. It may be nil.
	Confirm func(holder *lease.Lease) (ExistingPolicy, error)

	// WorkDir identifies the local checkout; it defaults to the store base.
	WorkDir string
	// Owner identifies this process in the lease registry.
	Owner  string
	Logger *logging.Logger
	Now    func() time.Time
}

// Manager implements the session operations.
type Manager struct {
	opts    Options
	workdir string
	owner   string
	log     *logging.Logger
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Config == nil {
		cfg := config.DefaultConfig()
		opts.Config = &cfg
	}
	workdir := opts.WorkDir
	if workdir == "" {
		workdir = opts.Store.BasePath()
	}
	owner := opts.Owner
	if owner == "" {
		owner = lease.NewOwner()
	}
	return &Manager{
		opts:    opts,
		workdir: workdir,
		owner:   owner,
		log:     log.With("component", "session"),
		now:     now,
	}
}

// InitOptions are the inputs to Init.
type InitOptions struct {
	Repo string
	// Spec is the requirements document, relative to the project directory
	// or absolute.
	Spec string
	// Branch defaults to warden/<slug of the requirements file name>.
	Branch string
}

// Init creates a new session in the initialized state.
func (m *Manager) Init(opts InitOptions) (*config.Session, error) {
	if _, err := sprite.RepoPath(opts.Repo); err != nil {
		return nil, err
	}
	specPath := opts.Spec
	if !filepath.IsAbs(specPath) {
		specPath = filepath.Join(m.opts.Store.BasePath(), specPath)
	}
	if _, err := os.Stat(specPath); err != nil {
		return nil, fmt.Errorf("requirements document not found: %w", err)
	}

	branch := opts.Branch
	if branch == "" {
		branch = BranchName(opts.Spec)
	}
	if branch == "" {
		return nil, fmt.Errorf("cannot derive a branch name from %q; pass --branch", opts.Spec)
	}

	session := &config.Session{
		ProjectID:   uuid.NewString(),
		Repo:        opts.Repo,
		WorkDir:     m.workdir,
		Branch:      branch,
		Spec:        opts.Spec,
		Environment: sprite.GenerateEnvironmentName(opts.Repo, m.workdir, branch),
		Status:      config.SessionStatusInitialized,
		CreatedAt:   m.now(),
	}
	if err := m.opts.Store.CreateSession(session); err != nil {
		return nil, err
	}
	m.log.Info("session created", "branch", branch, "project_id", session.ProjectID)
	return session, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName derives a branch name from a requirements document path.
func BranchName(specPath string) string {
	base := filepath.Base(specPath)
	name := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	slug := strings.Trim(nonSlug.ReplaceAllString(name, "-"), "-")
	if slug == "" {
		return ""
	}
	return "warden/" + slug
}

// held is an acquired session lease with its keep-alive running.
type held struct {
	done    chan struct{}
	release func()
}

// lost is closed when the keep-alive stops because the lease was taken.
func (h *held) lost() <-chan struct{} { return h.done }

// Close stops the keep-alive and releases the lease.
func (h *held) Close() { h.release() }

func (m *Manager) leaseKey(session *config.Session) string {
	workdir := session.WorkDir
	if workdir == "" {
		workdir = m.workdir
	}
	return lease.Key(session.Repo, workdir, session.Branch)
}

// acquire takes the session lease, consulting policy when another owner
// holds it. The returned policy is PolicyAsk unless the lease was taken over.
func (m *Manager) acquire(ctx context.Context, session *config.Session, policy ExistingPolicy) (*held, ExistingPolicy, error) {
	key := m.leaseKey(session)
	ttl := m.opts.Config.Lease.TTL()

	_, err := m.opts.Leases.Acquire(ctx, key, m.owner, ttl)
	takeover := PolicyAsk
	if err != nil {
		var he *lease.HeldError
		if !errors.As(err, &he) {
			return nil, PolicyAsk, err
		}
		if policy == PolicyAsk && m.opts.Confirm != nil {
			if policy, err = m.opts.Confirm(&he.Lease); err != nil {
				return nil, PolicyAsk, err
			}
		}
		if policy == PolicyAsk {
			return nil, PolicyAsk, fmt.Errorf("%w (held by %s)", ErrSessionActive, he.Lease.Owner)
		}
		m.log.Warn("taking over session lease", "branch", session.Branch, "holder", he.Lease.Owner, "policy", policy)
		if _, err := m.opts.Leases.ForceAcquire(ctx, key, m.owner, ttl); err != nil {
			return nil, PolicyAsk, err
		}
		takeover = policy
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		err := m.opts.Leases.KeepAlive(kaCtx, key, m.owner, ttl)
		if errors.Is(err, lease.ErrNotHeld) {
			m.log.Warn("session lease lost", "branch", session.Branch)
			close(done)
		}
	}()

	var once sync.Once
	h := &held{done: done}
	h.release = func() {
		once.Do(func() {
			cancel()
			if err := m.opts.Leases.Release(context.Background(), key, m.owner); err != nil {
				m.log.Warn("failed to release lease", "err", err)
			}
		})
	}
	return h, takeover, nil
}

// ensureEnvironment takes the lease and makes sure the environment is ready.
func (m *Manager) ensureEnvironment(ctx context.Context, session *config.Session, policy ExistingPolicy) (Environment, *held, error) {
	h, takeover, err := m.acquire(ctx, session, policy)
	if err != nil {
		return Environment{}, nil, err
	}

	env, err := m.prepare(ctx, session, policy, takeover)
	if err != nil {
		h.Close()
		return Environment{}, nil, err
	}
	return env, h, nil
}

func (m *Manager) prepare(ctx context.Context, session *config.Session, policy, takeover ExistingPolicy) (Environment, error) {
	provider := m.opts.Provider

	exists, err := provider.Exists(ctx, session)
	if err != nil {
		return Environment{}, err
	}
	if exists {
		recreate := policy == PolicyRecreate || takeover == PolicyRecreate
		if !recreate && provider.Ready(ctx, session) {
			return provider.Refresh(ctx, session)
		}
		if !recreate {
			m.log.Warn("environment is unhealthy, recreating", "environment", session.Environment)
		}
		if err := provider.Destroy(ctx, session); err != nil {
			return Environment{}, err
		}
	}

	env, err := provider.Provision(ctx, session)
	if err != nil {
		return Environment{}, fmt.Errorf("failed to provision environment: %w", err)
	}
	return env, nil
}

// PlanOptions are the inputs to Plan.
type PlanOptions struct {
	Branch   string
	Refresh  bool
	Existing ExistingPolicy
}

// Plan generates the task list for a session. An existing list is only
// replaced when Refresh is set.
func (m *Manager) Plan(ctx context.Context, opts PlanOptions) ([]state.Task, error) {
	session, err := m.opts.Store.GetSession(opts.Branch)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("session is %s", session.Status)
	}

	tasks, err := m.opts.Store.LoadTasks(opts.Branch)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 && !opts.Refresh {
		return nil, ErrTasksExist
	}

	env, h, err := m.ensureEnvironment(ctx, session, opts.Existing)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	return m.opts.Planner.Plan(ctx, session, env)
}

// RunOptions are the inputs to Run.
type RunOptions struct {
	Branch   string
	Refresh  bool
	Existing ExistingPolicy
}

// Run provisions the environment, plans if there is no task list and runs
// the iteration loop. An initialized session is started; a running session
// (left behind by a crash or an interrupt) is continued.
func (m *Manager) Run(ctx context.Context, opts RunOptions) (loop.Result, error) {
	session, err := m.opts.Store.GetSession(opts.Branch)
	if err != nil {
		return loop.Result{}, err
	}
	switch session.Status {
	case config.SessionStatusInitialized, config.SessionStatusRunning:
	case config.SessionStatusPaused:
		return loop.Result{}, fmt.Errorf("session is paused (%s); use resume", session.PauseReason)
	default:
		return loop.Result{}, fmt.Errorf("session is %s", session.Status)
	}

	env, h, err := m.ensureEnvironment(ctx, session, opts.Existing)
	if err != nil {
		return loop.Result{}, err
	}
	defer h.Close()

	tasks, err := m.opts.Store.LoadTasks(opts.Branch)
	if err != nil {
		return loop.Result{}, err
	}
	if len(tasks) == 0 || opts.Refresh {
		if _, err := m.opts.Planner.Plan(ctx, session, env); err != nil {
			return loop.Result{}, fmt.Errorf("failed to plan: %w", err)
		}
	}

	limits := m.opts.Config.Limits
	limits.MaxIterations = session.IterationLimit(limits.MaxIterations)
	return m.runLoop(ctx, session.Branch, env, h, limits)
}

// ResumeOptions are the inputs to Resume.
type ResumeOptions struct {
	Branch   string
	Existing ExistingPolicy
	// MaxIterations grants this many iterations beyond those already used.
	// Zero keeps the configured budget.
	MaxIterations int
}

// Resume moves a paused session back to running and runs the loop.
func (m *Manager) Resume(ctx context.Context, opts ResumeOptions) (loop.Result, error) {
	session, err := m.opts.Store.GetSession(opts.Branch)
	if err != nil {
		return loop.Result{}, err
	}
	if session.Status != config.SessionStatusPaused {
		return loop.Result{}, config.TransitionError{From: session.Status, To: config.SessionStatusRunning}
	}

	limits := m.opts.Config.Limits
	limits.MaxIterations = session.IterationLimit(limits.MaxIterations)
	if opts.MaxIterations > 0 {
		limits.MaxIterations = session.Iteration + opts.MaxIterations
	}
	if session.Iteration >= limits.MaxIterations {
		return loop.Result{}, ErrBudgetExhausted
	}

	env, h, err := m.ensureEnvironment(ctx, session, opts.Existing)
	if err != nil {
		return loop.Result{}, err
	}
	defer h.Close()

	_, err = m.opts.Store.UpdateSession(opts.Branch, func(s *config.Session) error {
		if m.opts.Config.Limits.ResetStuckOnResume {
			s.StuckBaseline = s.Iteration
		}
		if opts.MaxIterations > 0 {
			s.MaxIterations = limits.MaxIterations
		}
		return s.Resume(m.now())
	})
	if err != nil {
		return loop.Result{}, err
	}

	return m.runLoop(ctx, opts.Branch, env, h, limits)
}

func (m *Manager) runLoop(ctx context.Context, branch string, env Environment, h *held, limits config.Limits) (loop.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.lost():
			cancel()
		case <-ctx.Done():
		}
	}()

	ctrl := loop.NewController(loop.Options{
		Store:       m.opts.Store,
		Syncer:      m.opts.Syncer,
		Agent:       m.opts.Agent,
		Limits:      limits,
		Environment: env.Name,
		RepoPath:    env.RepoPath,
		Metrics:     m.opts.Metrics,
		Logger:      m.log,
		OnIteration: m.opts.OnIteration,
		Now:         m.now,
	})
	return ctrl.Run(ctx, branch)
}

// Respond records the operator's answer. It reports whether the session is
// waiting for one; the answer is stored either way and status is unchanged.
func (m *Manager) Respond(branch, message string) (bool, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return false, errors.New("response is empty")
	}
	session, err := m.opts.Store.GetSession(branch)
	if err != nil {
		return false, err
	}
	if err := m.opts.Store.SaveResponse(branch, &state.Response{Answer: message}); err != nil {
		return false, err
	}
	return session.Status == config.SessionStatusPaused && session.PauseReason == config.PauseNeedsInput, nil
}

// Stop destroys the environment, breaks any lease and cancels the session.
// A loop running in another process notices the broken lease and stops
// after its current iteration.
func (m *Manager) Stop(ctx context.Context, branch string) error {
	session, err := m.opts.Store.GetSession(branch)
	if err != nil {
		return err
	}
	if !config.CanTransition(session.Status, config.SessionStatusCancelled) {
		return config.TransitionError{From: session.Status, To: config.SessionStatusCancelled}
	}

	if err := m.opts.Provider.Destroy(ctx, session); err != nil {
		m.log.Warn("failed to destroy environment", "environment", session.Environment, "err", err)
	}
	if err := m.opts.Leases.Break(ctx, m.leaseKey(session)); err != nil {
		m.log.Warn("failed to break lease", "err", err)
	}

	_, err = m.opts.Store.UpdateSession(branch, func(s *config.Session) error {
		return s.Cancel(m.now())
	})
	return err
}

// Finalize publishes a complete session, destroys its environment and marks
// it done. It returns the URL for opening a pull request.
func (m *Manager) Finalize(ctx context.Context, branch string) (string, error) {
	session, err := m.opts.Store.GetSession(branch)
	if err != nil {
		return "", err
	}
	if session.Status != config.SessionStatusComplete {
		return "", config.TransitionError{From: session.Status, To: config.SessionStatusDone}
	}
	tasks, err := m.opts.Store.LoadTasks(branch)
	if err != nil {
		return "", err
	}
	if !state.AllPassing(tasks) {
		completed, total := loop.CalculateProgress(tasks)
		return "", fmt.Errorf("%w: %d/%d", ErrTasksIncomplete, completed, total)
	}

	h, _, err := m.acquire(ctx, session, PolicyAsk)
	if err != nil {
		return "", err
	}
	defer h.Close()

	exists, err := m.opts.Provider.Exists(ctx, session)
	if err != nil {
		return "", err
	}
	if !exists || !m.opts.Provider.Ready(ctx, session) {
		return "", fmt.Errorf("environment %s is gone; the branch cannot be published", session.Environment)
	}
	env, err := EnvironmentFor(session)
	if err != nil {
		return "", err
	}

	url, err := m.opts.Publisher.Publish(ctx, session, env)
	if err != nil {
		return "", fmt.Errorf("failed to publish: %w", err)
	}

	if err := m.opts.Provider.Destroy(ctx, session); err != nil {
		m.log.Warn("failed to destroy environment", "environment", session.Environment, "err", err)
	}
	if _, err := m.opts.Store.UpdateSession(branch, func(s *config.Session) error {
		return s.Finalize(m.now())
	}); err != nil {
		return "", err
	}
	return url, nil
}

// Report is a snapshot of a session for display.
type Report struct {
	Session   *config.Session
	Tasks     []state.Task
	Completed int
	Total     int
	History   []state.History
	Outcome   *state.Outcome
	// Response is the pending operator answer, if any.
	Response *state.Response
	// Holder is the live lease on the session, if any.
	Holder *lease.Lease
}

// Status returns a Report for the session selected by selector (a branch or
// project id prefix; empty selects the only session).
func (m *Manager) Status(ctx context.Context, selector string) (*Report, error) {
	store := m.opts.Store
	session, err := store.FindSession(selector)
	if err != nil {
		return nil, err
	}
	r := &Report{Session: session}

	if r.Tasks, err = store.LoadTasks(session.Branch); err != nil {
		return nil, err
	}
	r.Completed, r.Total = loop.CalculateProgress(r.Tasks)
	if r.History, err = store.LoadHistory(session.Branch); err != nil {
		return nil, err
	}
	if r.Outcome, err = store.LoadOutcome(session.Branch); err != nil {
		return nil, err
	}
	if r.Response, err = store.LoadResponse(session.Branch); err != nil {
		return nil, err
	}
	if m.opts.Leases != nil {
		if r.Holder, err = m.opts.Leases.Holder(ctx, m.leaseKey(session)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// List returns every session, oldest first.
func (m *Manager) List() ([]*config.Session, error) {
	return m.opts.Store.ListSessions()
}
