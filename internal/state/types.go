package state

import (
	"fmt"
	"strings"
)

// Task represents a single unit of work from tasks.json.
type Task struct {
	ID                 int      `json:"id"`
	Category           string   `json:"category"`
	Description        string   `json:"description"`
	Steps              []string `json:"steps"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Passes             bool     `json:"passes"`
}

// Task category values.
const (
	CategorySetup    = "setup"
	CategoryFeature  = "feature"
	CategoryBugfix   = "bugfix"
	CategoryRefactor = "refactor"
	CategoryTest     = "test"
	CategoryDocs     = "docs"
)

var categories = map[string]bool{
	CategorySetup:    true,
	CategoryFeature:  true,
	CategoryBugfix:   true,
	CategoryRefactor: true,
	CategoryTest:     true,
	CategoryDocs:     true,
}

// Verification describes how the agent verified its work.
type Verification struct {
	Method  string `json:"method"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// Verification method values.
const (
	VerificationTests     = "tests"
	VerificationTypecheck = "typecheck"
	VerificationBuild     = "build"
	VerificationManual    = "manual"
	VerificationNone      = "none"
)

// Outcome is the agent's self-report for one iteration (state.json). It is
// untrusted input; call Normalize before acting on it.
type Outcome struct {
	Status       string        `json:"status"`
	Summary      string        `json:"summary"`
	Iteration    int           `json:"iteration,omitempty"`
	Question     string        `json:"question,omitempty"`
	Error        string        `json:"error,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// Status values for Outcome.Status.
const (
	StatusContinue   = "CONTINUE"
	StatusDone       = "DONE"
	StatusNeedsInput = "NEEDS_INPUT"
	StatusBlocked    = "BLOCKED"
)

// StatusFailed is recorded in history for passes where the agent itself failed.
const StatusFailed = "FAILED"

// Placeholders used when the agent omits a required detail.
const (
	PlaceholderQuestion = "(the agent asked for input but did not say what it needs)"
	PlaceholderError    = "(the agent reported it is blocked but gave no reason)"
)

// Normalize coerces the outcome into a valid shape and returns one warning per
// correction made.
func (o *Outcome) Normalize() []string {
	var warnings []string

	o.Status = strings.ToUpper(strings.TrimSpace(o.Status))
	switch o.Status {
	case StatusContinue, StatusDone, StatusNeedsInput, StatusBlocked:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown outcome status %q, treating as %s", o.Status, StatusContinue))
		o.Status = StatusContinue
	}

	if o.Status == StatusNeedsInput && strings.TrimSpace(o.Question) == "" {
		warnings = append(warnings, "NEEDS_INPUT without a question")
		o.Question = PlaceholderQuestion
	}
	if o.Status == StatusBlocked && strings.TrimSpace(o.Error) == "" {
		warnings = append(warnings, "BLOCKED without an error")
		o.Error = PlaceholderError
	}
	if o.Status != StatusNeedsInput && o.Question != "" {
		warnings = append(warnings, fmt.Sprintf("dropping question on %s outcome", o.Status))
		o.Question = ""
	}
	if o.Status != StatusBlocked && o.Error != "" {
		warnings = append(warnings, fmt.Sprintf("dropping error on %s outcome", o.Status))
		o.Error = ""
	}
	if v := o.Verification; v != nil {
		v.Method = strings.ToLower(strings.TrimSpace(v.Method))
		switch v.Method {
		case VerificationTests, VerificationTypecheck, VerificationBuild, VerificationManual, VerificationNone:
		default:
			warnings = append(warnings, fmt.Sprintf("unknown verification method %q, treating as %s", v.Method, VerificationNone))
			v.Method = VerificationNone
		}
	}

	return warnings
}

// NoNewInformation is the outcome assumed when the agent's report is missing,
// unreadable or stale.
func NoNewInformation(reason string) Outcome {
	return Outcome{Status: StatusContinue, Summary: "no new information: " + reason}
}

// History is one entry of history.json, appended once per iteration.
type History struct {
	Iteration      int    `json:"iteration"`
	Summary        string `json:"summary"`
	TasksCompleted int    `json:"tasks_completed"`
	Status         string `json:"status"`
}

// Response is the operator's answer to a NEEDS_INPUT question (response.json).
type Response struct {
	Answer string `json:"answer"`
}

// ValidateTasks checks that ids are positive and unique, descriptions are
// present and categories are known.
func ValidateTasks(tasks []Task) error {
	seen := make(map[int]bool, len(tasks))
	for i, t := range tasks {
		if t.ID <= 0 {
			return fmt.Errorf("task %d: id must be positive, got %d", i, t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("task %d: duplicate id %d", i, t.ID)
		}
		seen[t.ID] = true
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("task %d: description is empty", t.ID)
		}
		if t.Category != "" && !categories[t.Category] {
			return fmt.Errorf("task %d: unknown category %q", t.ID, t.Category)
		}
	}
	return nil
}

// NumberTasks assigns positional ids (1-based) when no task carries an id.
// Lists that already have ids are returned unchanged.
func NumberTasks(tasks []Task) []Task {
	for _, t := range tasks {
		if t.ID != 0 {
			return tasks
		}
	}
	numbered := make([]Task, len(tasks))
	for i, t := range tasks {
		t.ID = i + 1
		numbered[i] = t
	}
	return numbered
}

// MergeTasks applies the passes flags of a pulled task list to the local
// one, which stays the list of record: tasks missing from pulled are kept,
// tasks only in pulled are ignored and edits to other fields are dropped. A
// task passing locally never goes back to failing. It returns one warning
// per refused change.
func MergeTasks(local, pulled []Task) ([]Task, []string) {
	byID := make(map[int]Task, len(pulled))
	for _, t := range pulled {
		byID[t.ID] = t
	}

	var warnings []string
	known := make(map[int]bool, len(local))
	merged := make([]Task, len(local))
	for i, t := range local {
		known[t.ID] = true
		p, ok := byID[t.ID]
		switch {
		case !ok:
			warnings = append(warnings, fmt.Sprintf("task %d is missing from the pulled list; keeping it", t.ID))
		case p.Passes:
			t.Passes = true
		case t.Passes:
			warnings = append(warnings, fmt.Sprintf("task %d regressed to failing; keeping it as passing", t.ID))
		}
		merged[i] = t
	}
	for _, p := range pulled {
		if !known[p.ID] {
			warnings = append(warnings, fmt.Sprintf("ignoring task %d, which is not in the local list", p.ID))
		}
	}
	return merged, warnings
}

// CompletedCount returns the number of passing tasks.
func CompletedCount(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		if t.Passes {
			n++
		}
	}
	return n
}

// AllPassing reports whether the list is non-empty and every task passes.
func AllPassing(tasks []Task) bool {
	return len(tasks) > 0 && CompletedCount(tasks) == len(tasks)
}
