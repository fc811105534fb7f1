package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/thruflo/warden/internal/config"
)

// Document file names within a session directory.
const (
	SessionFile  = "session.json"
	TasksFile    = "tasks.json"
	StateFile    = "state.json"
	HistoryFile  = "history.json"
	ResponseFile = "response.json"
)

var (
	// ErrSessionNotFound is returned when no session matches a branch or selector.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by CreateSession for a branch that already has one.
	ErrSessionExists = errors.New("session already exists")
)

// HistoryOrderError is returned by AppendHistory when an entry does not
// directly follow the last recorded iteration.
type HistoryOrderError struct {
	Last int
	Got  int
}

func (e HistoryOrderError) Error() string {
	return fmt.Sprintf("history entry for iteration %d does not follow iteration %d", e.Got, e.Last)
}

// AmbiguousSelectorError is returned by FindSession when a selector matches
// more than one session.
type AmbiguousSelectorError struct {
	Selector string
	Branches []string
}

func (e AmbiguousSelectorError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("multiple sessions exist (%s); specify one with --session", strings.Join(e.Branches, ", "))
	}
	return fmt.Sprintf("%q matches multiple sessions: %s", e.Selector, strings.Join(e.Branches, ", "))
}

// Store handles local session storage. Sessions live under
// <basePath>/.warden/sessions/<sanitized-branch>/ and every document write
// replaces the whole file atomically.
type Store struct {
	basePath string
	now      func() time.Time
}

// NewStore creates a new Store rooted at the project directory basePath.
func NewStore(basePath string) *Store {
	return &Store{basePath: basePath, now: time.Now}
}

// BasePath returns the project directory the store is rooted at.
func (s *Store) BasePath() string {
	return s.basePath
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.basePath, config.Dir, "sessions")
}

// SessionDir returns the directory holding a branch's documents.
func (s *Store) SessionDir(branch string) string {
	return filepath.Join(s.sessionsDir(), sanitizeBranch(branch))
}

// sanitizeBranch turns a branch name into a single path element.
func sanitizeBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

func (s *Store) path(branch, file string) string {
	return filepath.Join(s.SessionDir(branch), file)
}

// writeJSON atomically replaces path with the indented JSON encoding of v.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON decodes path into v. It reports false when the file does not exist.
func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// CreateSession writes the first version of a session document.
func (s *Store) CreateSession(session *config.Session) error {
	if err := config.ValidateSession(session); err != nil {
		return err
	}
	if s.SessionExists(session.Branch) {
		return fmt.Errorf("%w: %s", ErrSessionExists, session.Branch)
	}

	now := s.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.Version = 1

	return writeJSON(s.path(session.Branch, SessionFile), session)
}

// GetSession reads the session document for branch.
func (s *Store) GetSession(branch string) (*config.Session, error) {
	var session config.Session
	ok, err := readJSON(s.path(branch, SessionFile), &session)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, branch)
	}
	return &session, nil
}

// SaveSession persists session, bumping its version and updated_at.
func (s *Store) SaveSession(session *config.Session) error {
	if err := config.ValidateSession(session); err != nil {
		return err
	}
	if !s.SessionExists(session.Branch) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, session.Branch)
	}

	next := *session
	next.Version++
	next.UpdatedAt = s.now()
	if err := writeJSON(s.path(session.Branch, SessionFile), &next); err != nil {
		return err
	}
	*session = next
	return nil
}

// UpdateSession loads the session for branch, applies fn and saves the
// result. Nothing is written if fn returns an error.
func (s *Store) UpdateSession(branch string, fn func(*config.Session) error) (*config.Session, error) {
	session, err := s.GetSession(branch)
	if err != nil {
		return nil, err
	}
	if err := fn(session); err != nil {
		return nil, err
	}
	if err := s.SaveSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// SessionExists reports whether branch has a session document.
func (s *Store) SessionExists(branch string) bool {
	_, err := os.Stat(s.path(branch, SessionFile))
	return err == nil
}

// ListSessions returns every readable session, oldest first. Directories
// without a valid session document are skipped.
func (s *Store) ListSessions() ([]*config.Session, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*config.Session{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	sessions := []*config.Session{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var session config.Session
		ok, err := readJSON(filepath.Join(s.sessionsDir(), entry.Name(), SessionFile), &session)
		if err != nil || !ok {
			continue
		}
		sessions = append(sessions, &session)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// FindSession resolves a selector to a session. The selector is matched
// against branch names exactly, then as a project id prefix. An empty
// selector resolves to the only session when exactly one exists.
func (s *Store) FindSession(selector string) (*config.Session, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}

	if selector == "" {
		switch len(sessions) {
		case 0:
			return nil, fmt.Errorf("%w: no sessions; run 'warden init' first", ErrSessionNotFound)
		case 1:
			return sessions[0], nil
		}
		return nil, AmbiguousSelectorError{Branches: branches(sessions)}
	}

	for _, session := range sessions {
		if session.Branch == selector {
			return session, nil
		}
	}

	var matches []*config.Session
	for _, session := range sessions {
		if session.ProjectID != "" && strings.HasPrefix(session.ProjectID, selector) {
			matches = append(matches, session)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, selector)
	case 1:
		return matches[0], nil
	}
	return nil, AmbiguousSelectorError{Selector: selector, Branches: branches(matches)}
}

func branches(sessions []*config.Session) []string {
	out := make([]string, len(sessions))
	for i, session := range sessions {
		out[i] = session.Branch
	}
	return out
}

// DeleteSession removes the session directory and every document in it.
func (s *Store) DeleteSession(branch string) error {
	if err := os.RemoveAll(s.SessionDir(branch)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SaveTasks writes tasks.json.
func (s *Store) SaveTasks(branch string, tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	return writeJSON(s.path(branch, TasksFile), tasks)
}

// LoadTasks reads tasks.json. It returns nil, nil when there is no task list yet.
func (s *Store) LoadTasks(branch string) ([]Task, error) {
	var tasks []Task
	ok, err := readJSON(s.path(branch, TasksFile), &tasks)
	if err != nil || !ok {
		return nil, err
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// SaveOutcome writes state.json.
func (s *Store) SaveOutcome(branch string, outcome *Outcome) error {
	return writeJSON(s.path(branch, StateFile), outcome)
}

// LoadOutcome reads state.json. It returns nil, nil when none has been recorded.
func (s *Store) LoadOutcome(branch string) (*Outcome, error) {
	var outcome Outcome
	ok, err := readJSON(s.path(branch, StateFile), &outcome)
	if err != nil || !ok {
		return nil, err
	}
	return &outcome, nil
}

// LoadHistory reads history.json. A missing file is an empty history.
func (s *Store) LoadHistory(branch string) ([]History, error) {
	var history []History
	if _, err := readJSON(s.path(branch, HistoryFile), &history); err != nil {
		return nil, err
	}
	if history == nil {
		history = []History{}
	}
	return history, nil
}

// AppendHistory adds entry to history.json. The entry must be for the
// iteration directly after the last recorded one (or 1 for an empty history).
func (s *Store) AppendHistory(branch string, entry History) error {
	history, err := s.LoadHistory(branch)
	if err != nil {
		return err
	}

	last := 0
	if len(history) > 0 {
		last = history[len(history)-1].Iteration
	}
	if entry.Iteration != last+1 {
		return HistoryOrderError{Last: last, Got: entry.Iteration}
	}

	return writeJSON(s.path(branch, HistoryFile), append(history, entry))
}

// SaveResponse writes response.json.
func (s *Store) SaveResponse(branch string, response *Response) error {
	return writeJSON(s.path(branch, ResponseFile), response)
}

// LoadResponse reads response.json. It returns nil, nil when there is none.
func (s *Store) LoadResponse(branch string) (*Response, error) {
	var response Response
	ok, err := readJSON(s.path(branch, ResponseFile), &response)
	if err != nil || !ok {
		return nil, err
	}
	return &response, nil
}

// ClearResponse removes response.json if present.
func (s *Store) ClearResponse(branch string) error {
	if err := os.Remove(s.path(branch, ResponseFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove response: %w", err)
	}
	return nil
}
