package config

import (
	"errors"
	"fmt"
	"time"
)

// TransitionError is returned when a session is asked to move to a state that
// is not reachable from its current one.
type TransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}

// IsTransitionError checks if an error is a TransitionError.
func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

var transitions = map[SessionStatus][]SessionStatus{
	SessionStatusInitialized: {SessionStatusRunning, SessionStatusCancelled},
	SessionStatusRunning:     {SessionStatusPaused, SessionStatusComplete, SessionStatusCancelled},
	SessionStatusPaused:      {SessionStatusRunning, SessionStatusCancelled},
	SessionStatusComplete:    {SessionStatusDone},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s *Session) transition(to SessionStatus, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return TransitionError{From: s.Status, To: to}
	}
	s.Status = to
	if to != SessionStatusPaused {
		s.PauseReason = ""
		s.PauseDetail = ""
	}
	if to.Terminal() || to == SessionStatusComplete {
		t := now
		s.FinishedAt = &t
	}
	return nil
}

// Start moves an initialized session to running.
func (s *Session) Start(now time.Time) error {
	if s.Status != SessionStatusInitialized {
		return TransitionError{From: s.Status, To: SessionStatusRunning}
	}
	if err := s.transition(SessionStatusRunning, now); err != nil {
		return err
	}
	t := now
	s.StartedAt = &t
	return nil
}

// Pause moves a running session to paused with a reason and an optional detail
// (the agent's question or error).
func (s *Session) Pause(reason PauseReason, detail string, now time.Time) error {
	if err := s.transition(SessionStatusPaused, now); err != nil {
		return err
	}
	s.PauseReason = reason
	s.PauseDetail = detail
	return nil
}

// Resume moves a paused session back to running.
func (s *Session) Resume(now time.Time) error {
	if s.Status != SessionStatusPaused {
		return TransitionError{From: s.Status, To: SessionStatusRunning}
	}
	return s.transition(SessionStatusRunning, now)
}

// Complete marks a running session as complete.
func (s *Session) Complete(now time.Time) error {
	return s.transition(SessionStatusComplete, now)
}

// Cancel moves any non-terminal, non-complete session to cancelled.
func (s *Session) Cancel(now time.Time) error {
	return s.transition(SessionStatusCancelled, now)
}

// Finalize moves a complete session to done.
func (s *Session) Finalize(now time.Time) error {
	return s.transition(SessionStatusDone, now)
}
