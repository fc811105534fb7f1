package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/lease"
	"github.com/thruflo/warden/internal/logging"
	"github.com/thruflo/warden/internal/loop"
	"github.com/thruflo/warden/internal/sprite"
	"github.com/thruflo/warden/internal/state"
)

// fakeProvider records environment operations and plans a fixed task list.
type fakeProvider struct {
	mu    sync.Mutex
	store *state.Store

	exists bool
	ready  bool

	provisioned int
	refreshed   int
	destroyed   int
	planned     int
	published   int

	provisionErr error
	tasks        []state.Task
}

func (f *fakeProvider) Exists(ctx context.Context, s *config.Session) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeProvider) Ready(ctx context.Context, s *config.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeProvider) Provision(ctx context.Context, s *config.Session) (Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return Environment{}, f.provisionErr
	}
	f.provisioned++
	f.exists, f.ready = true, true
	return EnvironmentFor(s)
}

func (f *fakeProvider) Refresh(ctx context.Context, s *config.Session) (Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return EnvironmentFor(s)
}

func (f *fakeProvider) Destroy(ctx context.Context, s *config.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	f.exists, f.ready = false, false
	return nil
}

func (f *fakeProvider) Plan(ctx context.Context, s *config.Session, env Environment) ([]state.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planned++
	if err := f.store.SaveTasks(s.Branch, f.tasks); err != nil {
		return nil, err
	}
	return f.tasks, nil
}

func (f *fakeProvider) Publish(ctx context.Context, s *config.Session, env Environment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return sprite.CompareURL(s.Repo, s.Branch), nil
}

// scriptedAgent plays one function per invocation against the mock Sprite.
type scriptedAgent struct {
	mu     sync.Mutex
	client *sprite.MockClient
	steps  []func(req loop.AgentRequest) error
	calls  int
}

func (a *scriptedAgent) Run(ctx context.Context, req loop.AgentRequest) error {
	a.mu.Lock()
	i := a.calls
	a.calls++
	a.mu.Unlock()
	if i >= len(a.steps) {
		return errors.New("unexpected invocation")
	}
	return a.steps[i](req)
}

func (a *scriptedAgent) then(step func(req loop.AgentRequest) error) {
	a.steps = append(a.steps, step)
}

// outcome writes state.json and optionally marks every remote task passing.
func (a *scriptedAgent) outcome(o state.Outcome, passAll bool) func(req loop.AgentRequest) error {
	return func(req loop.AgentRequest) error {
		if passAll {
			data, _ := a.client.GetFile(sprite.TasksFilePath)
			var tasks []state.Task
			if err := json.Unmarshal(data, &tasks); err != nil {
				return err
			}
			for i := range tasks {
				tasks[i].Passes = true
			}
			data, _ = json.Marshal(tasks)
			a.client.SetFile(sprite.TasksFilePath, data)
		}
		o.Iteration = req.Iteration
		data, _ := json.Marshal(o)
		a.client.SetFile(sprite.StateFilePath, data)
		return nil
	}
}

type fixture struct {
	base     string
	store    *state.Store
	leases   *lease.Registry
	provider *fakeProvider
	agent    *scriptedAgent
	cfg      *config.Config
	mgr      *Manager
	confirm  func(*lease.Lease) (ExistingPolicy, error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "auth-rfc.md"), []byte("# Auth"), 0o644))

	store := state.NewStore(base)
	leases, err := lease.Open(filepath.Join(base, "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { leases.Close() })

	client := sprite.NewMockClient()
	cfg := config.DefaultConfig()
	cfg.Limits.LoopIntervalSeconds = 0

	f := &fixture{
		base:   base,
		store:  store,
		leases: leases,
		provider: &fakeProvider{store: store, tasks: []state.Task{
			{ID: 1, Category: state.CategoryFeature, Description: "login"},
			{ID: 2, Category: state.CategoryTest, Description: "login tests"},
		}},
		agent: &scriptedAgent{client: client},
		cfg:   &cfg,
	}
	f.mgr = NewManager(Options{
		Store:     store,
		Config:    f.cfg,
		Leases:    leases,
		Provider:  f.provider,
		Planner:   f.provider,
		Publisher: f.provider,
		Syncer:    state.NewSyncer(client, store, 1, logging.Discard()).WithBackoff(time.Millisecond),
		Agent:     f.agent,
		Confirm: func(l *lease.Lease) (ExistingPolicy, error) {
			if f.confirm == nil {
				return PolicyAsk, nil
			}
			return f.confirm(l)
		},
		Owner:  "test-owner",
		Logger: logging.Discard(),
	})
	return f
}

func (f *fixture) init(t *testing.T) *config.Session {
	t.Helper()
	s, err := f.mgr.Init(InitOptions{Repo: "org/repo", Spec: "auth-rfc.md"})
	require.NoError(t, err)
	return s
}

func (f *fixture) session(t *testing.T, branch string) *config.Session {
	t.Helper()
	s, err := f.store.GetSession(branch)
	require.NoError(t, err)
	return s
}

func TestBranchName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"docs/Auth RFC.md":       "warden/auth-rfc",
		"specs/add_oauth_v2.txt": "warden/add-oauth-v2",
		"rfc.md":                 "warden/rfc",
		"--.md":                  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, BranchName(in), in)
	}
}

func TestInit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)

	assert.Equal(t, "warden/auth-rfc", s.Branch)
	assert.Equal(t, config.SessionStatusInitialized, s.Status)
	assert.Len(t, s.ProjectID, 36)
	assert.Equal(t, sprite.GenerateEnvironmentName("org/repo", f.base, "warden/auth-rfc"), s.Environment)
	assert.Equal(t, f.base, s.WorkDir)

	stored := f.session(t, s.Branch)
	assert.Equal(t, s.ProjectID, stored.ProjectID)

	_, err := f.mgr.Init(InitOptions{Repo: "org/repo", Spec: "auth-rfc.md"})
	assert.ErrorIs(t, err, state.ErrSessionExists)
}

func TestInit_Invalid(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.mgr.Init(InitOptions{Repo: "repo", Spec: "auth-rfc.md"})
	assert.ErrorContains(t, err, "expected org/repo")

	_, err = f.mgr.Init(InitOptions{Repo: "org/repo", Spec: "missing.md"})
	assert.ErrorContains(t, err, "requirements document not found")
}

func TestRun_ProvisionsPlansAndCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	f.agent.then(f.agent.outcome(state.Outcome{Status: state.StatusDone, Summary: "all done"}, true))

	result, err := f.mgr.Run(context.Background(), RunOptions{Branch: s.Branch})
	require.NoError(t, err)

	assert.Equal(t, config.SessionStatusComplete, result.Status)
	assert.Equal(t, 1, f.provider.provisioned)
	assert.Equal(t, 1, f.provider.planned)
	assert.Equal(t, config.SessionStatusComplete, f.session(t, s.Branch).Status)

	holder, err := f.leases.Holder(context.Background(), lease.Key(s.Repo, s.WorkDir, s.Branch))
	require.NoError(t, err)
	assert.Nil(t, holder, "lease is released when the run ends")
}

func TestRun_ReusesHealthyEnvironment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	require.NoError(t, f.store.SaveTasks(s.Branch, f.provider.tasks))
	f.provider.exists, f.provider.ready = true, true
	f.agent.then(f.agent.outcome(state.Outcome{Status: state.StatusDone}, true))

	_, err := f.mgr.Run(context.Background(), RunOptions{Branch: s.Branch})
	require.NoError(t, err)

	assert.Equal(t, 1, f.provider.refreshed)
	assert.Zero(t, f.provider.provisioned)
	assert.Zero(t, f.provider.planned, "existing tasks are kept")
}

func TestRun_RecreatesUnhealthyEnvironment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	f.provider.exists, f.provider.ready = true, false
	f.agent.then(f.agent.outcome(state.Outcome{Status: state.StatusDone}, true))

	_, err := f.mgr.Run(context.Background(), RunOptions{Branch: s.Branch})
	require.NoError(t, err)

	assert.Equal(t, 1, f.provider.destroyed)
	assert.Equal(t, 1, f.provider.provisioned)
}

func TestRun_ProvisionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	f.provider.provisionErr = errors.New("quota exceeded")

	_, err := f.mgr.Run(context.Background(), RunOptions{Branch: s.Branch})
	assert.ErrorContains(t, err, "quota exceeded")
	assert.Equal(t, config.SessionStatusInitialized, f.session(t, s.Branch).Status)
}

func TestRun_ActiveSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *config.Session) {
		f := newFixture(t)
		s := f.init(t)
		f.provider.exists, f.provider.ready = true, true
		_, err := f.leases.Acquire(ctx, lease.Key(s.Repo, s.WorkDir, s.Branch), "other-host:1:x", time.Hour)
		require.NoError(t, err)
		return f, s
	}

	t.Run("no choice fails", func(t *testing.T) {
		f, s := setup(t)
		_, err := f.mgr.Run(ctx, RunOptions{Branch: s.Branch})
		assert.ErrorIs(t, err, ErrSessionActive)
		assert.Zero(t, f.provider.refreshed+f.provider.provisioned)
	})

	t.Run("reuse", func(t *testing.T) {
		f, s := setup(t)
		f.agent.then(f.agent.outcome(state.Outcome{Status: state.StatusDone}, true))
		_, err := f.mgr.Run(ctx, RunOptions{Branch: s.Branch, Existing: PolicyReuse})
		require.NoError(t, err)
		assert.Equal(t, 1, f.provider.refreshed)
		assert.Zero(t, f.provider.destroyed)
	})

	t.Run("recreate via prompt", func(t *testing.T) {
		f, s := setup(t)
		var asked *lease.Lease
		f.confirm = func(l *lease.Lease) (ExistingPolicy, error) {
			asked = l
			return PolicyRecreate, nil
		}
		f.agent.then(f.agent.outcome(state.Outcome{Status: state.StatusDone}, true))
		_, err := f.mgr.Run(ctx, RunOptions{Branch: s.Branch})
		require.NoError(t, err)
		require.NotNil(t, asked)
		assert.Equal(t, "other-host:1:x", asked.Owner)
		assert.Equal(t, 1, f.provider.destroyed)
		assert.Equal(t, 1, f.provider.provisioned)
	})
}

func TestRun_RejectsPaused(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	_, err := f.store.UpdateSession(s.Branch, func(s *config.Session) error {
		if err := s.Start(time.Now()); err != nil {
			return err
		}
		return s.Pause(config.PauseStuck, "", time.Now())
	})
	require.NoError(t, err)

	_, err = f.mgr.Run(context.Background(), RunOptions{Branch: s.Branch})
	assert.ErrorContains(t, err, "use resume")
}

func TestPlan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	ctx := context.Background()

	tasks, err := f.mgr.Plan(ctx, PlanOptions{Branch: s.Branch})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = f.mgr.Plan(ctx, PlanOptions{Branch: s.Branch})
	assert.ErrorIs(t, err, ErrTasksExist)

	_, err = f.mgr.Plan(ctx, PlanOptions{Branch: s.Branch, Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, 2, f.provider.planned)
}

func TestRespondAndResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	ctx := context.Background()

	f.agent.then(f.agent.outcome(state.Outcome{Status: state.StatusNeedsInput, Question: "Which provider?"}, false))
	var answer string
	f.agent.then(func(req loop.AgentRequest) error {
		data, ok := f.agent.client.GetFile(sprite.ResponseFilePath)
		if ok {
			var r state.Response
			_ = json.Unmarshal(data, &r)
			answer = r.Answer
		}
		return f.agent.outcome(state.Outcome{Status: state.StatusDone}, true)(req)
	})

	result, err := f.mgr.Run(ctx, RunOptions{Branch: s.Branch})
	require.NoError(t, err)
	require.Equal(t, config.PauseNeedsInput, result.PauseReason)

	waiting, err := f.mgr.Respond(s.Branch, "  GitHub  ")
	require.NoError(t, err)
	assert.True(t, waiting)
	assert.Equal(t, config.SessionStatusPaused, f.session(t, s.Branch).Status, "respond does not change status")

	result, err = f.mgr.Resume(ctx, ResumeOptions{Branch: s.Branch})
	require.NoError(t, err)
	assert.Equal(t, config.SessionStatusComplete, result.Status)
	assert.Equal(t, "GitHub", answer)
}

func TestRespond(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)

	_, err := f.mgr.Respond(s.Branch, "   ")
	assert.Error(t, err)

	waiting, err := f.mgr.Respond(s.Branch, "early answer")
	require.NoError(t, err)
	assert.False(t, waiting)

	resp, err := f.store.LoadResponse(s.Branch)
	require.NoError(t, err)
	assert.Equal(t, "early answer", resp.Answer)
}

func TestResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	pauseAt := func(t *testing.T, f *fixture, branch string, iteration int, reason config.PauseReason) {
		_, err := f.store.UpdateSession(branch, func(s *config.Session) error {
			if err := s.Start(time.Now()); err != nil {
				return err
			}
			s.Iteration = iteration
			return s.Pause(reason, "", time.Now())
		})
		require.NoError(t, err)
		require.NoError(t, f.store.SaveTasks(branch, f.provider.tasks))
		for i := 1; i <= iteration; i++ {
			require.NoError(t, f.store.AppendHistory(branch, state.History{Iteration: i, Status: state.StatusContinue}))
		}
	}

	t.Run("not paused", func(t *testing.T) {
		f := newFixture(t)
		s := f.init(t)
		_, err := f.mgr.Resume(ctx, ResumeOptions{Branch: s.Branch})
		assert.True(t, config.IsTransitionError(err))
	})

	t.Run("budget exhausted", func(t *testing.T) {
		f := newFixture(t)
		s := f.init(t)
		pauseAt(t, f, s.Branch, f.cfg.Limits.MaxIterations, config.PauseMaxIterations)

		_, err := f.mgr.Resume(ctx, ResumeOptions{Branch: s.Branch})
		assert.ErrorIs(t, err, ErrBudgetExhausted)
		assert.Equal(t, config.SessionStatusPaused, f.session(t, s.Branch).Status)
	})

	t.Run("granted iterations", func(t *testing.T) {
		f := newFixture(t)
		s := f.init(t)
		pauseAt(t, f, s.Branch, f.cfg.Limits.MaxIterations, config.PauseMaxIterations)
		f.provider.exists, f.provider.ready = true, true
		f.agent.then(f.agent.outcome(state.Outcome{Status: state.StatusContinue}, false))

		result, err := f.mgr.Resume(ctx, ResumeOptions{Branch: s.Branch, MaxIterations: 1})
		require.NoError(t, err)
		assert.Equal(t, config.PauseMaxIterations, result.PauseReason)
		assert.Equal(t, 1, result.Iterations)

		granted := f.cfg.Limits.MaxIterations + 1
		stored := f.session(t, s.Branch)
		assert.Equal(t, granted, stored.MaxIterations)
		assert.Equal(t, granted, stored.IterationLimit(f.cfg.Limits.MaxIterations))

		_, err = f.mgr.Resume(ctx, ResumeOptions{Branch: s.Branch})
		assert.ErrorIs(t, err, ErrBudgetExhausted, "a plain resume keeps the granted budget")
	})

	t.Run("stuck baseline reset", func(t *testing.T) {
		f := newFixture(t)
		s := f.init(t)
		pauseAt(t, f, s.Branch, 4, config.PauseStuck)
		f.provider.exists, f.provider.ready = true, true
		f.agent.then(f.agent.outcome(state.Outcome{Status: state.StatusDone}, true))

		_, err := f.mgr.Resume(ctx, ResumeOptions{Branch: s.Branch})
		require.NoError(t, err)
		assert.Equal(t, 4, f.session(t, s.Branch).StuckBaseline)
	})
}

func TestStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	ctx := context.Background()
	f.provider.exists = true
	key := lease.Key(s.Repo, s.WorkDir, s.Branch)
	_, err := f.leases.Acquire(ctx, key, "other-host:1:x", time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Stop(ctx, s.Branch))

	assert.Equal(t, 1, f.provider.destroyed)
	assert.Equal(t, config.SessionStatusCancelled, f.session(t, s.Branch).Status)
	holder, err := f.leases.Holder(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, holder)

	err = f.mgr.Stop(ctx, s.Branch)
	assert.True(t, config.IsTransitionError(err))
}

func TestFinalize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	complete := func(t *testing.T, f *fixture, branch string, tasks []state.Task) {
		require.NoError(t, f.store.SaveTasks(branch, tasks))
		_, err := f.store.UpdateSession(branch, func(s *config.Session) error {
			if err := s.Start(time.Now()); err != nil {
				return err
			}
			return s.Complete(time.Now())
		})
		require.NoError(t, err)
	}

	t.Run("publishes and finishes", func(t *testing.T) {
		f := newFixture(t)
		s := f.init(t)
		complete(t, f, s.Branch, []state.Task{{ID: 1, Description: "a", Passes: true}})
		f.provider.exists, f.provider.ready = true, true

		url, err := f.mgr.Finalize(ctx, s.Branch)
		require.NoError(t, err)
		assert.Equal(t, "https://github.com/org/repo/compare/warden%2Fauth-rfc?expand=1", url)
		assert.Equal(t, 1, f.provider.published)
		assert.Equal(t, 1, f.provider.destroyed)
		assert.Equal(t, config.SessionStatusDone, f.session(t, s.Branch).Status)
	})

	t.Run("not complete", func(t *testing.T) {
		f := newFixture(t)
		s := f.init(t)
		_, err := f.mgr.Finalize(ctx, s.Branch)
		assert.True(t, config.IsTransitionError(err))
	})

	t.Run("incomplete tasks", func(t *testing.T) {
		f := newFixture(t)
		s := f.init(t)
		complete(t, f, s.Branch, []state.Task{{ID: 1, Description: "a", Passes: true}, {ID: 2, Description: "b"}})
		_, err := f.mgr.Finalize(ctx, s.Branch)
		assert.ErrorIs(t, err, ErrTasksIncomplete)
		assert.Zero(t, f.provider.published)
	})

	t.Run("environment gone", func(t *testing.T) {
		f := newFixture(t)
		s := f.init(t)
		complete(t, f, s.Branch, []state.Task{{ID: 1, Description: "a", Passes: true}})
		_, err := f.mgr.Finalize(ctx, s.Branch)
		assert.ErrorContains(t, err, "is gone")
		assert.Equal(t, config.SessionStatusComplete, f.session(t, s.Branch).Status)
	})
}

func TestStatusAndList(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.init(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveTasks(s.Branch, []state.Task{{ID: 1, Description: "a", Passes: true}, {ID: 2, Description: "b"}}))
	require.NoError(t, f.store.AppendHistory(s.Branch, state.History{Iteration: 1, TasksCompleted: 1, Status: state.StatusContinue}))
	require.NoError(t, f.store.SaveResponse(s.Branch, &state.Response{Answer: "yes"}))
	_, err := f.leases.Acquire(ctx, lease.Key(s.Repo, s.WorkDir, s.Branch), "other-host:1:x", time.Hour)
	require.NoError(t, err)

	r, err := f.mgr.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, s.Branch, r.Session.Branch)
	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 2, r.Total)
	assert.Len(t, r.History, 1)
	assert.Nil(t, r.Outcome)
	assert.Equal(t, "yes", r.Response.Answer)
	require.NotNil(t, r.Holder)
	assert.Equal(t, "other-host:1:x", r.Holder.Owner)

	r, err = f.mgr.Status(ctx, s.ProjectID[:8])
	require.NoError(t, err)
	assert.Equal(t, s.Branch, r.Session.Branch)

	sessions, err := f.mgr.List()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestExistingPolicyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ask", PolicyAsk.String())
	assert.Equal(t, "reuse", PolicyReuse.String())
	assert.Equal(t, "recreate", PolicyRecreate.String())
}
