package loop

import (
	"fmt"

	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/state"
)

// Action is what the controller does after a pass.
type Action int

const (
	ActionContinue Action = iota
	ActionComplete
	ActionPause
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionComplete:
		return "complete"
	case ActionPause:
		return "pause"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Decision is the result of Decide.
type Decision struct {
	Action   Action
	Reason   config.PauseReason
	Detail   string
	Warnings []string
}

// Decide maps a normalized outcome, the current task list and the history
// window used for stuck detection onto the next action.
//
// DONE only completes the session when the list is non-empty and every task
// passes; otherwise it is treated as CONTINUE. NEEDS_INPUT and BLOCKED pause
// with the question or error as detail. A CONTINUE pass pauses as stuck when
// the last stuckThreshold entries show no change in completed tasks.
func Decide(outcome state.Outcome, tasks []state.Task, history []state.History, stuckThreshold int) Decision {
	var d Decision

	switch outcome.Status {
	case state.StatusDone:
		if state.AllPassing(tasks) {
			return Decision{Action: ActionComplete}
		}
		completed, total := CalculateProgress(tasks)
		d.Warnings = append(d.Warnings,
			fmt.Sprintf("agent reported DONE with %d/%d tasks passing; continuing", completed, total))

	case state.StatusNeedsInput:
		return Decision{Action: ActionPause, Reason: config.PauseNeedsInput, Detail: outcome.Question}

	case state.StatusBlocked:
		return Decision{Action: ActionPause, Reason: config.PauseBlocked, Detail: outcome.Error}
	}

	if IsStuck(history, stuckThreshold) {
		d.Action = ActionPause
		d.Reason = config.PauseStuck
		d.Detail = fmt.Sprintf("no task completed in the last %d iterations", stuckThreshold)
		return d
	}

	d.Action = ActionContinue
	return d
}
