package sprite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// SetupGitConfig copies git user.name and user.email from the local machine to
// the Sprite's gitconfig under WardenHome.
func SetupGitConfig(ctx context.Context, client Client, name string) error {
	for _, key := range []string{"user.name", "user.email"} {
		value, err := getLocalGitConfig(key)
		if err != nil {
			return fmt.Errorf("failed to get local git %s: %w", key, err)
		}
		if value == "" {
			continue
		}

		_, _, exitCode, err := client.ExecuteOutput(ctx, name, "", nil, "git", "config", "--file", GitConfigPath, key, value)
		if err != nil {
			return fmt.Errorf("failed to set git %s: %w", key, err)
		}
		if exitCode != 0 {
			return fmt.Errorf("git config %s failed with exit code %d", key, exitCode)
		}
	}
	return nil
}

// getLocalGitConfig retrieves a git config value from the local machine.
func getLocalGitConfig(key string) (string, error) {
	output, err := exec.Command("git", "config", "--get", key).Output()
	if err != nil {
		// exit 1 means the key is unset
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", err
	}
	return string(bytes.TrimSpace(output)), nil
}

// InjectEnvVars writes env as export lines to the Sprite's .bashrc, which
// ClaudeCommand sources before every run. Keys are written in sorted order.
func InjectEnvVars(ctx context.Context, client Client, name string, env map[string]string) error {
	if len(env) == 0 {
		return nil
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		escaped := strings.ReplaceAll(env[key], "'", "'\\''")
		fmt.Fprintf(&b, "export %s='%s'\n", key, escaped)
	}

	if err := client.WriteFile(ctx, name, BashrcPath, []byte(b.String())); err != nil {
		return fmt.Errorf("failed to write .bashrc: %w", err)
	}
	return nil
}

// CopyClaudeCredentials copies local Claude credentials to the Sprite.
func CopyClaudeCredentials(ctx context.Context, client Client, name string) error {
	credentials, err := GetLocalClaudeCredentials()
	if err != nil {
		return err
	}

	if err := client.WriteFile(ctx, name, filepath.Join(ClaudeDir, ".credentials.json"), credentials); err != nil {
		return fmt.Errorf("failed to write credentials to sprite: %w", err)
	}
	return nil
}

// GetLocalClaudeCredentials retrieves Claude credentials from the local machine.
// On macOS they live in the Keychain; elsewhere in ~/.claude/.credentials.json.
func GetLocalClaudeCredentials() ([]byte, error) {
	if runtime.GOOS == "darwin" {
		output, err := exec.Command("security", "find-generic-password", "-s", "Claude Code-credentials", "-w").Output()
		if err == nil && len(output) > 0 {
			return bytes.TrimSpace(output), nil
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	for _, p := range []string{
		filepath.Join(homeDir, ".claude", ".credentials.json"),
		filepath.Join(homeDir, ".config", "claude", ".credentials.json"),
	} {
		if data, err := os.ReadFile(p); err == nil {
			return data, nil
		}
	}

	return nil, fmt.Errorf("Claude credentials not found; run 'claude login' first")
}
