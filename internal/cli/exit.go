package cli

import (
	"fmt"
	"io"

	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/loop"
)

// Process exit codes.
const (
	CodeError       = 1
	CodeFatalPause  = 2
	CodeInterrupted = 130
)

// ExitError carries a process exit code. Err is nil when the command
// already printed everything the operator needs.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// reportResult prints how a loop run ended and maps it to an exit status.
func reportResult(w io.Writer, branch string, r loop.Result) error {
	switch {
	case r.Interrupted:
		fmt.Fprintf(w, "\nInterrupted after %d iteration(s). The session is still running; use 'warden run --session %s' to continue.\n", r.Iterations, branch)
		return &ExitError{Code: CodeInterrupted}

	case r.Status == config.SessionStatusComplete:
		fmt.Fprintf(w, "\nSession complete after %d iteration(s).\n", r.Iterations)
		fmt.Fprintf(w, "Use 'warden done --session %s' to publish the branch.\n", branch)
		return nil

	case r.Status == config.SessionStatusPaused:
		fmt.Fprintf(w, "\nSession paused: %s\n", r.PauseReason)
		if r.Detail != "" {
			fmt.Fprintf(w, "  %s\n", r.Detail)
		}
		switch r.PauseReason {
		case config.PauseNeedsInput:
			fmt.Fprintf(w, "Answer with 'warden respond --session %s <message>', then 'warden resume'.\n", branch)
		case config.PauseMaxIterations:
			fmt.Fprintf(w, "Grant more with 'warden resume --session %s --max-iterations N'.\n", branch)
		default:
			fmt.Fprintf(w, "Use 'warden resume --session %s' to continue.\n", branch)
		}
		if r.PauseReason.Fatal() {
			return &ExitError{Code: CodeFatalPause}
		}
		return nil
	}

	fmt.Fprintf(w, "\nSession is %s.\n", r.Status)
	return nil
}
