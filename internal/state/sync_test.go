package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/logging"
	"github.com/thruflo/warden/internal/sprite"
)

const testEnv = "warden-12345678"

func newTestSyncer(t *testing.T) (*Syncer, *Store, *sprite.MockClient) {
	t.Helper()
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(newTestSession("b")))
	client := sprite.NewMockClient()
	syncer := NewSyncer(client, store, 3, logging.Discard()).WithBackoff(time.Millisecond)
	return syncer, store, client
}

func decodeRemote(t *testing.T, client *sprite.MockClient, path string, v interface{}) {
	t.Helper()
	data, ok := client.GetFile(path)
	require.True(t, ok, "expected %s on sprite", path)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestSyncer_Push(t *testing.T) {
	t.Parallel()

	syncer, store, client := newTestSyncer(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTasks("b", []Task{{ID: 1, Description: "a", Passes: true}}))
	require.NoError(t, store.SaveOutcome("b", &Outcome{Status: StatusContinue, Summary: "s", Iteration: 1}))
	require.NoError(t, store.AppendHistory("b", History{Iteration: 1, Summary: "s", TasksCompleted: 1, Status: StatusContinue}))
	require.NoError(t, store.SaveResponse("b", &Response{Answer: "yes"}))
	_, err := store.UpdateSession("b", func(s *config.Session) error {
		s.Iteration = 1
		return s.Start(time.Now())
	})
	require.NoError(t, err)

	sent, err := syncer.Push(ctx, testEnv, "b")
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.Equal(t, "yes", sent.Answer)

	var tasks []Task
	decodeRemote(t, client, sprite.TasksFilePath, &tasks)
	assert.True(t, tasks[0].Passes)

	var outcome Outcome
	decodeRemote(t, client, sprite.StateFilePath, &outcome)
	assert.Equal(t, "s", outcome.Summary)

	var history []History
	decodeRemote(t, client, sprite.HistoryFilePath, &history)
	assert.Len(t, history, 1)

	var remote config.RemoteSession
	decodeRemote(t, client, sprite.SessionFilePath, &remote)
	assert.Equal(t, config.RemoteSession{
		ProjectID: "3f2a9c1e-0000-4000-8000-000000000001",
		Branch:    "b",
		Iteration: 1,
		Status:    config.SessionStatusRunning,
	}, remote)

	var resp Response
	decodeRemote(t, client, sprite.ResponseFilePath, &resp)
	assert.Equal(t, "yes", resp.Answer)

	data, _ := client.GetFile(sprite.SessionFilePath)
	assert.NotContains(t, string(data), "org/repo", "only the agent-visible subset is pushed")
}

func TestSyncer_Push_RemovesStaleResponse(t *testing.T) {
	t.Parallel()

	syncer, _, client := newTestSyncer(t)

	sent, err := syncer.Push(context.Background(), testEnv, "b")
	require.NoError(t, err)
	assert.Nil(t, sent)

	_, ok := client.GetFile(sprite.StateFilePath)
	assert.False(t, ok, "no outcome yet, nothing to push")

	var sawRemove bool
	for _, call := range client.GetExecuteCalls() {
		if len(call.Args) == 3 && call.Args[0] == "rm" && call.Args[2] == sprite.ResponseFilePath {
			sawRemove = true
		}
	}
	assert.True(t, sawRemove)
}

func TestSyncer_Push_RetriesTransientFailure(t *testing.T) {
	t.Parallel()

	syncer, _, client := newTestSyncer(t)
	client.FailWrites(sprite.HistoryFilePath, errors.New("connection reset"), 2)

	_, err := syncer.Push(context.Background(), testEnv, "b")
	require.NoError(t, err)

	attempts := 0
	for _, call := range client.GetWriteCalls() {
		if call.Path == sprite.HistoryFilePath {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
}

func TestSyncer_Push_ExhaustedRetries(t *testing.T) {
	t.Parallel()

	syncer, _, client := newTestSyncer(t)
	client.FailWrites(sprite.TasksFilePath, errors.New("connection reset"), -1)

	_, err := syncer.Push(context.Background(), testEnv, "b")
	require.Error(t, err)

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "push", syncErr.Direction)
	assert.Equal(t, TasksFile, syncErr.Document)

	_, ok := client.GetFile(sprite.HistoryFilePath)
	assert.False(t, ok, "push stops at the first failed document")
}

func TestSyncer_Pull(t *testing.T) {
	t.Parallel()

	syncer, store, client := newTestSyncer(t)
	require.NoError(t, store.SaveTasks("b", []Task{
		{ID: 1, Description: "a", Passes: true},
		{ID: 2, Description: "b"},
	}))

	client.SetFile(sprite.TasksFilePath, []byte(`[
		{"id": 1, "description": "a", "passes": false},
		{"id": 2, "description": "b", "passes": true}
	]`))
	client.SetFile(sprite.StateFilePath, []byte(`{"status":"CONTINUE","summary":"did b","iteration":2}`))

	report, err := syncer.Pull(context.Background(), testEnv, "b")
	require.NoError(t, err)

	require.NoError(t, report.TasksErr)
	require.NoError(t, report.OutcomeErr)
	assert.Len(t, report.Warnings, 1)
	require.NotNil(t, report.Outcome)
	assert.Equal(t, "did b", report.Outcome.Summary)
	assert.Equal(t, 2, report.Outcome.Iteration)

	tasks, err := store.LoadTasks("b")
	require.NoError(t, err)
	assert.True(t, tasks[0].Passes, "pull must not regress a passing task")
	assert.True(t, tasks[1].Passes)

	local, err := store.LoadOutcome("b")
	require.NoError(t, err)
	assert.Nil(t, local, "pull does not persist the outcome")
}

func TestSyncer_Pull_KeepsLocalTaskList(t *testing.T) {
	t.Parallel()

	syncer, store, client := newTestSyncer(t)
	require.NoError(t, store.SaveTasks("b", []Task{
		{ID: 1, Description: "a"},
		{ID: 2, Description: "b"},
	}))

	client.SetFile(sprite.TasksFilePath, []byte(`[
		{"id": 1, "description": "rewritten", "passes": true},
		{"id": 7, "description": "invented", "passes": true}
	]`))

	report, err := syncer.Pull(context.Background(), testEnv, "b")
	require.NoError(t, err)
	assert.Len(t, report.Warnings, 2)

	tasks, err := store.LoadTasks("b")
	require.NoError(t, err)
	assert.Equal(t, []Task{
		{ID: 1, Description: "a", Passes: true},
		{ID: 2, Description: "b"},
	}, tasks)
}

func TestSyncer_Pull_SoftFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*sprite.MockClient)
	}{
		{"missing documents", func(c *sprite.MockClient) {}},
		{"malformed documents", func(c *sprite.MockClient) {
			c.SetFile(sprite.TasksFilePath, []byte(`{not json`))
			c.SetFile(sprite.StateFilePath, []byte(`[1,2`))
		}},
		{"invalid task list", func(c *sprite.MockClient) {
			c.SetFile(sprite.TasksFilePath, []byte(`[{"id":1,"description":"a"},{"id":1,"description":"b"}]`))
			c.FailReads(sprite.StateFilePath, errors.New("timeout"), -1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer, store, client := newTestSyncer(t)
			original := []Task{{ID: 1, Description: "a", Passes: true}}
			require.NoError(t, store.SaveTasks("b", original))
			tt.setup(client)

			report, err := syncer.Pull(context.Background(), testEnv, "b")
			require.NoError(t, err)
			assert.Error(t, report.TasksErr)
			assert.Error(t, report.OutcomeErr)
			assert.Nil(t, report.Tasks)
			assert.Nil(t, report.Outcome)

			tasks, err := store.LoadTasks("b")
			require.NoError(t, err)
			assert.Equal(t, original, tasks)
		})
	}
}

func TestSyncer_Pull_IsIdempotent(t *testing.T) {
	t.Parallel()

	syncer, store, client := newTestSyncer(t)
	require.NoError(t, store.SaveTasks("b", []Task{{ID: 1, Description: "a"}}))
	client.SetFile(sprite.TasksFilePath, []byte(`[{"id":1,"description":"a","passes":true}]`))

	for i := 0; i < 2; i++ {
		_, err := syncer.Pull(context.Background(), testEnv, "b")
		require.NoError(t, err)
	}
	tasks, err := store.LoadTasks("b")
	require.NoError(t, err)
	assert.Equal(t, []Task{{ID: 1, Description: "a", Passes: true}}, tasks)
}

func TestSyncer_PullTasks_NumbersAndReplaces(t *testing.T) {
	t.Parallel()

	syncer, store, client := newTestSyncer(t)
	require.NoError(t, store.SaveTasks("b", []Task{{ID: 1, Description: "old", Passes: true}}))
	client.SetFile(sprite.TasksFilePath, []byte(`[{"category":"setup","description":"first"},{"category":"feature","description":"second"}]`))

	tasks, err := syncer.PullTasks(context.Background(), testEnv, "b")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, 1, tasks[0].ID)
	assert.Equal(t, 2, tasks[1].ID)
	assert.False(t, tasks[0].Passes)

	stored, err := store.LoadTasks("b")
	require.NoError(t, err)
	assert.Equal(t, tasks, stored)
}

func TestSyncer_CopyTemplatesAndSpec(t *testing.T) {
	t.Parallel()

	syncer, store, client := newTestSyncer(t)
	ctx := context.Background()

	templates := fstest.MapFS{
		"iterate.md":  {Data: []byte("iterate")},
		"context.md":  {Data: []byte("context")},
		"sub/skip.md": {Data: []byte("nested")},
	}
	require.NoError(t, syncer.CopyTemplates(ctx, testEnv, templates))

	data, ok := client.GetFile(filepath.Join(sprite.TemplatesDir, "iterate.md"))
	require.True(t, ok)
	assert.Equal(t, "iterate", string(data))
	_, ok = client.GetFile(filepath.Join(sprite.TemplatesDir, "skip.md"))
	assert.False(t, ok)

	require.NoError(t, os.MkdirAll(filepath.Join(store.BasePath(), "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(store.BasePath(), "docs", "rfc.md"), []byte("# RFC"), 0o644))
	require.NoError(t, syncer.CopySpec(ctx, testEnv, "docs/rfc.md"))
	data, ok = client.GetFile(sprite.SpecFilePath)
	require.True(t, ok)
	assert.Equal(t, "# RFC", string(data))

	assert.Error(t, syncer.CopySpec(ctx, testEnv, "docs/missing.md"))
}

func TestSyncer_CopySettings(t *testing.T) {
	t.Parallel()

	syncer, _, client := newTestSyncer(t)
	ctx := context.Background()

	require.NoError(t, syncer.CopySettings(ctx, testEnv, nil))
	assert.Empty(t, client.GetWriteCalls())

	settings := &config.Settings{Permissions: config.Permissions{Deny: []string{"Read(~/.ssh/**)"}}}
	require.NoError(t, syncer.CopySettings(ctx, testEnv, settings))

	var got config.Settings
	decodeRemote(t, client, filepath.Join(sprite.ClaudeDir, "settings.json"), &got)
	assert.Equal(t, *settings, got)
}
