package loop

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/thruflo/warden/internal/logging"
	"github.com/thruflo/warden/internal/sprite"
	"github.com/tidwall/gjson"
)

// AgentRequest describes one agent invocation.
type AgentRequest struct {
	Environment string
	RepoPath    string
	Iteration   int
	MaxTurns    int
}

// AgentRunner invokes the coding agent once. It returns nil only when the
// agent ran to completion.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest) error
}

// ErrEmptyOutput is returned when the agent exited without producing output.
var ErrEmptyOutput = errors.New("agent produced no output")

// AgentExitError is returned when the agent exits with a non-zero code.
type AgentExitError struct {
	Code   int
	Stderr string
}

func (e *AgentExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
}

// maxStderrTail bounds how much stderr is kept for error messages.
const maxStderrTail = 2048

// SpriteAgent runs Claude Code on a Sprite.
type SpriteAgent struct {
	client sprite.Client
	log    *logging.Logger

	// OnLine receives a display summary of each stream-json line.
	OnLine func(line string)
}

// NewSpriteAgent creates a SpriteAgent. onLine may be nil.
func NewSpriteAgent(client sprite.Client, log *logging.Logger, onLine func(string)) *SpriteAgent {
	if log == nil {
		log = logging.Default()
	}
	return &SpriteAgent{client: client, log: log.With("component", "agent"), OnLine: onLine}
}

// Run executes one iteration of claude in the repository and waits for it.
func (a *SpriteAgent) Run(ctx context.Context, req AgentRequest) error {
	args := sprite.IterateCommand(req.MaxTurns)

	cmd, err := a.client.Execute(ctx, req.Environment, req.RepoPath, nil, args...)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	var (
		wg     sync.WaitGroup
		lines  int
		stderr tail
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		lines = a.stream(cmd.Stdout)
	}()
	go func() {
		defer wg.Done()
		if cmd.Stderr != nil {
			_, _ = io.Copy(&stderr, cmd.Stderr)
			cmd.Stderr.Close()
		}
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("agent did not finish: %w", ctxErr)
	}
	if code := cmd.ExitCode(); code != 0 {
		return &AgentExitError{Code: code, Stderr: strings.TrimSpace(stderr.String())}
	}
	if waitErr != nil {
		return fmt.Errorf("agent failed: %w", waitErr)
	}
	if lines == 0 {
		return ErrEmptyOutput
	}

	a.log.Debug("agent finished", "iteration", req.Iteration, "lines", lines)
	return nil
}

// stream forwards formatted stdout lines and returns how many non-empty raw
// lines were read.
func (a *SpriteAgent) stream(r io.ReadCloser) int {
	if r == nil {
		return 0
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	n := 0
	for scanner.Scan() {
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		n++
		if a.OnLine == nil {
			continue
		}
		if display := FormatStreamLine(raw); display != "" {
			a.OnLine(display)
		}
	}
	if err := scanner.Err(); err != nil {
		a.log.Warn("agent output truncated", "err", err)
		// Keep reading so the remote process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
	return n
}

// tail keeps the last maxStderrTail bytes written to it.
type tail struct {
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > maxStderrTail {
		t.buf = t.buf[len(t.buf)-maxStderrTail:]
	}
	return len(p), nil
}

func (t *tail) String() string { return string(t.buf) }

// FormatStreamLine turns one line of claude's stream-json output into a short
// human-readable summary. Lines that are not JSON are returned trimmed; events
// with nothing to show return "".
func FormatStreamLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if !gjson.Valid(line) {
		return line
	}

	event := gjson.Parse(line)
	switch event.Get("type").String() {
	case "assistant", "user":
		var parts []string
		event.Get("message.content").ForEach(func(_, item gjson.Result) bool {
			if part := formatContentItem(item); part != "" {
				parts = append(parts, part)
			}
			return true
		})
		return strings.Join(parts, "\n")

	case "result":
		if subtype := event.Get("subtype").String(); subtype != "success" {
			return fmt.Sprintf("[Result: %s]", subtype)
		}
		return "[Session completed]"

	case "system":
		if event.Get("subtype").String() == "init" {
			return "[Session started]"
		}
	}
	return ""
}

func formatContentItem(item gjson.Result) string {
	switch item.Get("type").String() {
	case "text":
		return item.Get("text").String()
	case "tool_use":
		name := item.Get("name").String()
		if desc := toolDescription(name, item.Get("input")); desc != "" {
			return fmt.Sprintf("[%s] %s", name, desc)
		}
		return fmt.Sprintf("[%s]", name)
	case "tool_result":
		content := item.Get("content")
		if content.IsArray() {
			var texts []string
			for _, t := range content.Get("#.text").Array() {
				texts = append(texts, t.String())
			}
			return normalizeToolResult(strings.Join(texts, "\n"))
		}
		return normalizeToolResult(content.String())
	}
	return ""
}

func toolDescription(name string, input gjson.Result) string {
	switch name {
	case "Bash":
		return truncate(input.Get("command").String(), 60)
	case "Read", "Write", "Edit":
		return input.Get("file_path").String()
	case "Grep", "Glob":
		return input.Get("pattern").String()
	}
	return ""
}

// normalizeToolResult strips cat -n style line numbers, collapses whitespace
// and truncates for display.
func normalizeToolResult(content string) string {
	var clean []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if idx := strings.Index(line, "→"); idx > 0 && idx < 10 && isLineNumber(line[:idx]) {
			line = strings.TrimSpace(line[idx+len("→"):])
		}
		if line != "" {
			clean = append(clean, line)
		}
	}
	return truncate(strings.Join(strings.Fields(strings.Join(clean, " ")), " "), 200)
}

func isLineNumber(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
