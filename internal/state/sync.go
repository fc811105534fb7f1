package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/logging"
	"github.com/thruflo/warden/internal/sprite"
)

// DefaultSyncBackoff is the first retry delay for a failed document transfer.
const DefaultSyncBackoff = 500 * time.Millisecond

// SyncError reports which document a failed transfer was for.
type SyncError struct {
	Direction string // "push" or "pull"
	Document  string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Direction, e.Document, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// PullReport describes what a Pull accepted and what it had to skip.
type PullReport struct {
	// Tasks is the merged task list saved locally, nil if tasks.json was skipped.
	Tasks    []Task
	TasksErr error

	// Outcome is the agent's raw report, nil if state.json was skipped.
	// It is not saved; the caller decides whether it is current.
	Outcome    *Outcome
	OutcomeErr error

	// Warnings lists suppressed task regressions.
	Warnings []string
}

// Syncer moves session documents between the local Store and the Sprite's
// SessionDir. Each transfer is retried with exponential backoff.
type Syncer struct {
	client   sprite.Client
	store    *Store
	attempts int
	backoff  time.Duration
	log      *logging.Logger
}

// NewSyncer creates a Syncer that tries each transfer up to attempts times.
func NewSyncer(client sprite.Client, store *Store, attempts int, log *logging.Logger) *Syncer {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = logging.Default()
	}
	return &Syncer{
		client:   client,
		store:    store,
		attempts: attempts,
		backoff:  DefaultSyncBackoff,
		log:      log.With("component", "sync"),
	}
}

// WithBackoff sets the first retry delay.
func (s *Syncer) WithBackoff(d time.Duration) *Syncer {
	s.backoff = d
	return s
}

func (s *Syncer) write(ctx context.Context, env, remotePath string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &SyncError{Direction: "push", Document: path.Base(remotePath), Err: err}
	}

	attempt := 0
	op := func() error {
		attempt++
		err := s.client.WriteFile(ctx, env, remotePath, data)
		if err != nil {
			s.log.Debug("write failed", "document", path.Base(remotePath), "attempt", attempt, "err", err)
		}
		return err
	}
	if err := backoff.Retry(op, sprite.NewBackOff(ctx, s.attempts, s.backoff)); err != nil {
		return &SyncError{Direction: "push", Document: path.Base(remotePath), Err: err}
	}
	return nil
}

func (s *Syncer) read(ctx context.Context, env, remotePath string) ([]byte, error) {
	var data []byte
	op := func() error {
		var err error
		data, err = s.client.ReadFile(ctx, env, remotePath)
		return err
	}
	if err := backoff.Retry(op, sprite.NewBackOff(ctx, s.attempts, s.backoff)); err != nil {
		return nil, &SyncError{Direction: "pull", Document: path.Base(remotePath), Err: err}
	}
	return data, nil
}

// Push writes the local task list, last outcome, history, the agent-visible
// part of the session and any pending operator response to the Sprite. A
// stale response.json is removed when there is no pending response. The
// first document that cannot be written fails the push. It returns the
// response that was sent, nil if there was none.
func (s *Syncer) Push(ctx context.Context, env, branch string) (*Response, error) {
	session, err := s.store.GetSession(branch)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.LoadTasks(branch)
	if err != nil {
		return nil, err
	}
	outcome, err := s.store.LoadOutcome(branch)
	if err != nil {
		return nil, err
	}
	history, err := s.store.LoadHistory(branch)
	if err != nil {
		return nil, err
	}
	response, err := s.store.LoadResponse(branch)
	if err != nil {
		return nil, err
	}

	if tasks == nil {
		tasks = []Task{}
	}
	if err := s.write(ctx, env, sprite.TasksFilePath, tasks); err != nil {
		return nil, err
	}
	if outcome != nil {
		if err := s.write(ctx, env, sprite.StateFilePath, outcome); err != nil {
			return nil, err
		}
	}
	if err := s.write(ctx, env, sprite.HistoryFilePath, history); err != nil {
		return nil, err
	}
	if err := s.write(ctx, env, sprite.SessionFilePath, session.Remote()); err != nil {
		return nil, err
	}

	if response != nil {
		if err := s.write(ctx, env, sprite.ResponseFilePath, response); err != nil {
			return nil, err
		}
		return response, nil
	}
	_, _, exitCode, err := s.client.ExecuteOutputWithRetry(ctx, env, "", nil, "rm", "-f", sprite.ResponseFilePath)
	if err == nil && exitCode != 0 {
		err = fmt.Errorf("rm exited with code %d", exitCode)
	}
	if err != nil {
		return nil, &SyncError{Direction: "push", Document: ResponseFile, Err: err}
	}
	return nil, nil
}

// Pull reads tasks.json and state.json from the Sprite. Each document is
// handled independently: a missing, unreadable or malformed copy is recorded
// in the report and the local copy is kept. Accepted tasks are merged with the
// local list so that passing tasks stay passing. The returned error is only
// set when local storage fails.
func (s *Syncer) Pull(ctx context.Context, env, branch string) (*PullReport, error) {
	report := &PullReport{}

	if data, err := s.read(ctx, env, sprite.TasksFilePath); err != nil {
		report.TasksErr = err
	} else if tasks, err := decodeTasks(data); err != nil {
		report.TasksErr = &SyncError{Direction: "pull", Document: TasksFile, Err: err}
	} else {
		local, err := s.store.LoadTasks(branch)
		if err != nil {
			return nil, err
		}
		merged, warnings := MergeTasks(local, tasks)
		if err := s.store.SaveTasks(branch, merged); err != nil {
			return nil, err
		}
		report.Tasks = merged
		report.Warnings = warnings
	}
	if report.TasksErr != nil {
		s.log.Warn("keeping local tasks", "err", report.TasksErr)
	}
	for _, w := range report.Warnings {
		s.log.Warn(w)
	}

	if data, err := s.read(ctx, env, sprite.StateFilePath); err != nil {
		report.OutcomeErr = err
	} else {
		var outcome Outcome
		if err := json.Unmarshal(data, &outcome); err != nil {
			report.OutcomeErr = &SyncError{Direction: "pull", Document: StateFile, Err: err}
		} else {
			report.Outcome = &outcome
		}
	}
	if report.OutcomeErr != nil {
		s.log.Warn("no usable outcome", "err", report.OutcomeErr)
	}

	return report, nil
}

// PullTasks reads a freshly generated task list from the Sprite and replaces
// the local one without merging. Used after planning.
func (s *Syncer) PullTasks(ctx context.Context, env, branch string) ([]Task, error) {
	data, err := s.read(ctx, env, sprite.TasksFilePath)
	if err != nil {
		return nil, err
	}
	tasks, err := decodeTasks(data)
	if err != nil {
		return nil, &SyncError{Direction: "pull", Document: TasksFile, Err: err}
	}
	if err := s.store.SaveTasks(branch, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func decodeTasks(data []byte) ([]Task, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, err
	}
	tasks = NumberTasks(tasks)
	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CopySettings writes settings as Claude Code's settings.json on the Sprite.
func (s *Syncer) CopySettings(ctx context.Context, env string, settings *config.Settings) error {
	if settings == nil {
		return nil
	}
	return s.write(ctx, env, filepath.Join(sprite.ClaudeDir, "settings.json"), settings)
}

// CopyTemplates copies every top-level file of templates to TemplatesDir.
func (s *Syncer) CopyTemplates(ctx context.Context, env string, templates fs.FS) error {
	entries, err := fs.ReadDir(templates, ".")
	if err != nil {
		return fmt.Errorf("failed to read templates: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := fs.ReadFile(templates, entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}
		if err := s.client.WriteFile(ctx, env, filepath.Join(sprite.TemplatesDir, entry.Name()), content); err != nil {
			return fmt.Errorf("failed to write template %s to sprite: %w", entry.Name(), err)
		}
	}
	return nil
}

// CopySpec copies the local requirements document to SpecFilePath.
func (s *Syncer) CopySpec(ctx context.Context, env, specPath string) error {
	if !filepath.IsAbs(specPath) {
		specPath = filepath.Join(s.store.BasePath(), specPath)
	}
	content, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("failed to read requirements document %s: %w", specPath, err)
	}
	if err := s.client.WriteFile(ctx, env, sprite.SpecFilePath, content); err != nil {
		return fmt.Errorf("failed to write requirements document to sprite: %w", err)
	}
	return nil
}
