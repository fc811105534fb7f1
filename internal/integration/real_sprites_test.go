//go:build integration && real_sprites

package integration

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/session"
	"github.com/thruflo/warden/internal/sprite"
	"github.com/thruflo/warden/internal/state"
	"github.com/thruflo/warden/internal/testutil"
)

// testRepo is a small public repository; override with WARDEN_TEST_REPO.
func testRepo() string {
	if repo := os.Getenv("WARDEN_TEST_REPO"); repo != "" {
		return repo
	}
	return "octocat/Hello-World"
}

// realSession initializes a session whose environment uses a fresh, tracked
// Sprite name.
func realSession(t *testing.T, h *harness) *config.Session {
	t.Helper()
	s := h.init(t, testRepo())
	name := testutil.SpriteName(t)
	updated, err := h.store.UpdateSession(s.Branch, func(s *config.Session) error {
		s.Environment = name
		return nil
	})
	require.NoError(t, err)
	testutil.Track(name)
	t.Cleanup(func() { testutil.DeleteSprite(t, h.client, name) })
	return updated
}

func TestRealSprite_ProvisionAndSync(t *testing.T) {
	client, creds := testutil.RealClient(t)
	h := newHarness(t, client, map[string]string{"GITHUB_TOKEN": creds.GitHubToken})
	s := realSession(t, h)

	ctx, cancel := testutil.Context(t, 10*time.Minute)
	defer cancel()

	env, err := h.provider.Provision(ctx, s)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitReady(ctx, client, env.Name))
	assert.True(t, h.provider.Ready(ctx, s), "repository should be checked out")

	spec, err := client.ReadFile(ctx, env.Name, sprite.SpecFilePath)
	require.NoError(t, err)
	assert.Contains(t, string(spec), "Add login.")

	require.NoError(t, h.store.SaveTasks(s.Branch, plannedTasks))
	syncer := state.NewSyncer(client, h.store, 3, nil)
	_, err = syncer.Push(ctx, env.Name, s.Branch)
	require.NoError(t, err)

	report, err := syncer.Pull(ctx, env.Name, s.Branch)
	require.NoError(t, err)
	require.NoError(t, report.TasksErr)
	assert.Len(t, report.Tasks, len(plannedTasks))
	assert.Error(t, report.OutcomeErr, "no state.json has been written yet")

	require.NoError(t, h.provider.Destroy(ctx, s))
	exists, err := h.provider.Exists(ctx, s)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRealSprite_RunAndStop(t *testing.T) {
	client, creds := testutil.RealClient(t)
	h := newHarness(t, client, map[string]string{"GITHUB_TOKEN": creds.GitHubToken})
	s := realSession(t, h)
	require.NoError(t, h.store.SaveTasks(s.Branch, plannedTasks))

	h.agent.steps = append(h.agent.steps,
		h.agent.report(state.StatusContinue, "set up", 1),
		h.agent.report(state.StatusNeedsInput, "which provider?"),
	)

	ctx, cancel := testutil.Context(t, 10*time.Minute)
	defer cancel()

	result, err := h.manager.Run(ctx, session.RunOptions{Branch: s.Branch})
	require.NoError(t, err)
	assert.Equal(t, config.SessionStatusPaused, result.Status)
	assert.Equal(t, config.PauseNeedsInput, result.PauseReason)
	assert.Equal(t, 2, result.Iterations)

	tasks, err := h.store.LoadTasks(s.Branch)
	require.NoError(t, err)
	assert.Equal(t, 1, state.CompletedCount(tasks))

	require.NoError(t, h.manager.Stop(ctx, s.Branch))
	final, err := h.store.GetSession(s.Branch)
	require.NoError(t, err)
	assert.Equal(t, config.SessionStatusCancelled, final.Status)

	exists, err := client.Exists(ctx, s.Environment)
	require.NoError(t, err)
	assert.False(t, exists, "stop destroys the environment")
}
