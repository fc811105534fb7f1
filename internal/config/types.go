package config

import "time"

// Limits defines the resource ceilings and pacing of the iteration loop.
type Limits struct {
	MaxIterations           int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	MaxDurationHours        float64 `yaml:"max_duration_hours" mapstructure:"max_duration_hours"`
	StuckThreshold          int     `yaml:"stuck_threshold" mapstructure:"stuck_threshold"`
	ResetStuckOnResume      bool    `yaml:"reset_stuck_on_resume" mapstructure:"reset_stuck_on_resume"`
	MaxTurns                int     `yaml:"max_turns" mapstructure:"max_turns"`
	IterationTimeoutMinutes int     `yaml:"iteration_timeout_minutes" mapstructure:"iteration_timeout_minutes"`
	LoopIntervalSeconds     float64 `yaml:"loop_interval_seconds" mapstructure:"loop_interval_seconds"`
	SyncAttempts            int     `yaml:"sync_attempts" mapstructure:"sync_attempts"`
	MaxSyncFailures         int     `yaml:"max_sync_failures" mapstructure:"max_sync_failures"`
}

// MaxDuration returns MaxDurationHours as a time.Duration.
func (l Limits) MaxDuration() time.Duration {
	return time.Duration(l.MaxDurationHours * float64(time.Hour))
}

// IterationTimeout returns the per-invocation timeout for the agent.
func (l Limits) IterationTimeout() time.Duration {
	return time.Duration(l.IterationTimeoutMinutes) * time.Minute
}

// LoopInterval returns the pause between two CONTINUE iterations.
func (l Limits) LoopInterval() time.Duration {
	return time.Duration(l.LoopIntervalSeconds * float64(time.Second))
}

// LeaseConfig controls the session lease used for mutual exclusion.
type LeaseConfig struct {
	TTLMinutes int `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// TTL returns the lease time-to-live.
func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Config represents the .warden/config.yaml file.
type Config struct {
	Limits Limits      `yaml:"limits" mapstructure:"limits"`
	Lease  LeaseConfig `yaml:"lease" mapstructure:"lease"`
}

// Permissions defines Claude Code permission rules.
type Permissions struct {
	Deny []string `json:"deny"`
}

// Settings represents the optional .warden/settings.json file, copied to the
// execution environment as Claude Code's settings.
type Settings struct {
	Permissions Permissions `json:"permissions"`
}

// SessionStatus is a state of the session state machine.
type SessionStatus string

const (
	SessionStatusInitialized SessionStatus = "initialized"
	SessionStatusRunning     SessionStatus = "running"
	SessionStatusPaused      SessionStatus = "paused"
	SessionStatusComplete    SessionStatus = "complete"
	SessionStatusCancelled   SessionStatus = "cancelled"
	SessionStatusDone        SessionStatus = "done"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCancelled || s == SessionStatusDone
}

// PauseReason explains why a session is paused.
type PauseReason string

const (
	PauseMaxIterations PauseReason = "max_iterations"
	PauseMaxDuration   PauseReason = "max_duration"
	PauseStuck         PauseReason = "stuck"
	PauseNeedsInput    PauseReason = "needs_input"
	PauseBlocked       PauseReason = "blocked"
	PauseClaudeFailed  PauseReason = "claude_failed"
	PauseSyncFailed    PauseReason = "sync_failed"
)

// Fatal reports whether the pause needs human judgement before anything else
// can happen (as opposed to an expected limit or a question).
func (r PauseReason) Fatal() bool {
	switch r {
	case PauseBlocked, PauseClaudeFailed, PauseSyncFailed:
		return true
	}
	return false
}

// Session is the session-config document (.warden/sessions/<branch>/session.json).
// Version increases by one on every persisted write.
type Session struct {
	Version     int           `json:"version"`
	ProjectID   string        `json:"project_id"`
	Repo        string        `json:"repo"`
	WorkDir     string        `json:"workdir"`
	Branch      string        `json:"branch"`
	Spec        string        `json:"spec"`
	Environment string        `json:"environment"`
	Status      SessionStatus `json:"status"`
	PauseReason PauseReason   `json:"pause_reason,omitempty"`
	PauseDetail string        `json:"pause_detail,omitempty"`
	Iteration   int           `json:"iteration"`
	// StuckBaseline is the iteration after which history counts towards stuck
	// detection. It moves forward when a stuck session is resumed.
	StuckBaseline int `json:"stuck_baseline,omitempty"`
	// MaxIterations is the iteration budget granted on resume. Zero means
	// the configured limit applies.
	MaxIterations int        `json:"max_iterations,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// IterationLimit returns the iteration budget in force: the granted one if
// any, otherwise configured.
func (s *Session) IterationLimit(configured int) int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return configured
}

// RemoteSession is the subset of Session pushed to the execution environment.
type RemoteSession struct {
	ProjectID string        `json:"project_id"`
	Branch    string        `json:"branch"`
	Iteration int           `json:"iteration"`
	Status    SessionStatus `json:"status"`
}

// Remote returns the subset of the session visible to the agent.
func (s *Session) Remote() RemoteSession {
	return RemoteSession{
		ProjectID: s.ProjectID,
		Branch:    s.Branch,
		Iteration: s.Iteration,
		Status:    s.Status,
	}
}
