package sprite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// CloneRepo clones a GitHub repository to destPath on the Sprite, replacing
// anything left there by a previous run. A non-empty githubToken is embedded
// in the clone URL.
func CloneRepo(ctx context.Context, client Client, name, repo, destPath, githubToken string) error {
	_, _, _, _ = client.ExecuteOutput(ctx, name, "", nil, "rm", "-rf", destPath)

	_, _, exitCode, err := client.ExecuteOutputWithRetry(ctx, name, "", nil, "mkdir", "-p", filepath.Dir(destPath))
	if err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("mkdir failed with exit code %d", exitCode)
	}

	cloneURL := fmt.Sprintf("https://github.com/%s.git", repo)
	if githubToken != "" {
		cloneURL = fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", githubToken, repo)
	}
	_, stderr, exitCode, err := client.ExecuteOutput(ctx, name, "", nil, "git", "clone", cloneURL, destPath)
	if err != nil {
		return fmt.Errorf("failed to run git clone: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("git clone failed with exit code %d: %s", exitCode, redact(string(stderr), githubToken))
	}
	return nil
}

// CheckoutBranch checks out branch, tracking origin/branch when it already
// exists on the remote and creating it from the current HEAD otherwise.
func CheckoutBranch(ctx context.Context, client Client, name, repoPath, branch string) error {
	_, _, fetchExit, err := client.ExecuteOutput(ctx, name, repoPath, nil, "git", "fetch", "origin", branch)
	if err != nil {
		return fmt.Errorf("failed to fetch branch %s: %w", branch, err)
	}

	args := []string{"git", "checkout", "-B", branch}
	if fetchExit == 0 {
		args = append(args, "origin/"+branch)
	}
	_, stderr, exitCode, err := client.ExecuteOutput(ctx, name, repoPath, nil, args...)
	if err != nil {
		return fmt.Errorf("failed to run git checkout: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("git checkout failed with exit code %d: %s", exitCode, string(stderr))
	}
	return nil
}

// PushBranch pushes branch to origin from the Sprite.
func PushBranch(ctx context.Context, client Client, name, repoPath, branch string) error {
	_, stderr, exitCode, err := client.ExecuteOutput(ctx, name, repoPath, nil, "git", "push", "-u", "origin", branch)
	if err != nil {
		return fmt.Errorf("failed to execute push: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("push failed with exit code %d: %s", exitCode, string(stderr))
	}
	return nil
}

// DirExists reports whether path is a directory on the Sprite.
func DirExists(ctx context.Context, client Client, name, path string) bool {
	_, _, exitCode, err := client.ExecuteOutput(ctx, name, "", nil, "test", "-d", path)
	return err == nil && exitCode == 0
}

// EnsureDirectories creates the warden directory layout on the Sprite.
func EnsureDirectories(ctx context.Context, client Client, name string) error {
	for _, dir := range []string{SessionDir, TemplatesDir, ReposDir, ClaudeDir} {
		_, _, exitCode, err := client.ExecuteOutputWithRetry(ctx, name, "", nil, "mkdir", "-p", dir)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if exitCode != 0 {
			return fmt.Errorf("mkdir %s failed with exit code %d", dir, exitCode)
		}
	}
	return nil
}

// CompareURL returns the GitHub page for opening a pull request from branch.
func CompareURL(repo, branch string) string {
	return fmt.Sprintf("https://github.com/%s/compare/%s?expand=1", repo, strings.ReplaceAll(branch, "/", "%2F"))
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}
