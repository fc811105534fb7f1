package sprite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// WardenHome is the base directory for warden data on the Sprite.
// /home/sprite is not writable inside the Firecracker VM, so HOME points here.
const WardenHome = "/var/local/warden"

// Directory structure under WardenHome.
var (
	// SessionDir holds the synced session documents and the requirements doc.
	SessionDir = filepath.Join(WardenHome, "session")

	// TemplatesDir holds the prompt templates (iterate.md, context.md, create-tasks.md).
	TemplatesDir = filepath.Join(WardenHome, "templates")

	// ReposDir holds cloned repositories.
	ReposDir = filepath.Join(WardenHome, "repos")

	// ClaudeDir holds Claude Code credentials and settings.
	ClaudeDir = filepath.Join(WardenHome, ".claude")
)

// Well-known files on the Sprite.
var (
	TasksFilePath    = filepath.Join(SessionDir, "tasks.json")
	StateFilePath    = filepath.Join(SessionDir, "state.json")
	HistoryFilePath  = filepath.Join(SessionDir, "history.json")
	SessionFilePath  = filepath.Join(SessionDir, "session.json")
	ResponseFilePath = filepath.Join(SessionDir, "response.json")
	SpecFilePath     = filepath.Join(SessionDir, "spec.md")
	GitConfigPath    = filepath.Join(WardenHome, ".gitconfig")
	BashrcPath       = filepath.Join(WardenHome, ".bashrc")
)

// RepoPath returns where an org/repo is cloned on the Sprite.
func RepoPath(repo string) (string, error) {
	org, name, ok := strings.Cut(repo, "/")
	if !ok || org == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid repo format %q, expected org/repo", repo)
	}
	return filepath.Join(ReposDir, org, name), nil
}

// ClaudeCommand wraps claude arguments in a bash invocation that sets HOME to
// WardenHome and sources the injected environment first.
func ClaudeCommand(claudeArgs []string) []string {
	claudeCmd := strings.Join(claudeArgs, " ")
	bashCmd := fmt.Sprintf("export HOME=%s && source ~/.bashrc && %s", WardenHome, claudeCmd)
	return []string{"bash", "-c", bashCmd}
}

// ClaudePromptCommand builds a non-interactive claude run that reads its
// prompt from promptPath, appends appendText, and uses systemPromptPath as
// the appended system prompt. Output is stream-json.
func ClaudePromptCommand(promptPath, appendText, systemPromptPath string, maxTurns int) []string {
	prompt := fmt.Sprintf("\"$(cat %s)\"", promptPath)
	if appendText != "" {
		prompt = fmt.Sprintf("\"$(cat %s)\\n\\n%s\"", promptPath, appendText)
	}
	claudeArgs := []string{
		"claude",
		"-p", prompt,
		"--append-system-prompt-file", systemPromptPath,
		"--dangerously-skip-permissions",
		"--verbose",
		"--output-format", "stream-json",
		"--max-turns", fmt.Sprintf("%d", maxTurns),
	}
	return ClaudeCommand(claudeArgs)
}

// IterateCommand is the command for one iteration of the work loop.
func IterateCommand(maxTurns int) []string {
	return ClaudePromptCommand(
		filepath.Join(TemplatesDir, "iterate.md"),
		"",
		filepath.Join(TemplatesDir, "context.md"),
		maxTurns,
	)
}

// RunTasksPrompt runs a claude prompt that is expected to produce tasks.json
// and verifies the result by reading the file back. Claude sometimes exits
// non-zero after writing its output, so the file is what decides success.
func RunTasksPrompt(ctx context.Context, client Client, name, repoPath, promptPath, appendText, contextPath string, maxTurns int) error {
	args := ClaudePromptCommand(promptPath, appendText, contextPath, maxTurns)

	stdout, stderr, exitCode, err := client.ExecuteOutput(ctx, name, repoPath, nil, args...)
	if err != nil {
		return fmt.Errorf("failed to run claude: %w", err)
	}

	content, readErr := client.ReadFile(ctx, name, TasksFilePath)
	if readErr != nil {
		return fmt.Errorf("claude prompt failed (exit %d) - tasks.json not found: %w\nstdout: %s\nstderr: %s",
			exitCode, readErr, string(stdout), string(stderr))
	}

	if len(content) == 0 {
		return fmt.Errorf("claude prompt failed (exit %d) - tasks.json is empty\nstdout: %s\nstderr: %s",
			exitCode, string(stdout), string(stderr))
	}

	var tasks []json.RawMessage
	if err := json.Unmarshal(content, &tasks); err != nil {
		return fmt.Errorf("claude prompt failed (exit %d) - tasks.json contains invalid JSON: %w\nstdout: %s\nstderr: %s",
			exitCode, err, string(stdout), string(stderr))
	}

	return nil
}
