package sprite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	sprites "github.com/superfly/sprites-go"
	"golang.org/x/sync/errgroup"
)

// Client defines the interface for Sprite operations.
type Client interface {
	// Create creates a new Sprite with the given name.
	// If checkpoint is non-empty, restores from that checkpoint after creation.
	Create(ctx context.Context, name string, checkpoint string) error

	// Execute runs a command on the Sprite and returns pipes for streaming.
	// The caller is responsible for calling Wait() on the returned Cmd after processing output.
	Execute(ctx context.Context, name string, dir string, env []string, args ...string) (*Cmd, error)

	// ExecuteOutput runs a command to completion and returns its output and exit code.
	// err is only set when the command could not be run at all.
	ExecuteOutput(ctx context.Context, name string, dir string, env []string, args ...string) (stdout, stderr []byte, exitCode int, err error)

	// ExecuteOutputWithRetry is ExecuteOutput retried on transport errors.
	ExecuteOutputWithRetry(ctx context.Context, name string, dir string, env []string, args ...string) (stdout, stderr []byte, exitCode int, err error)

	// WriteFile writes content to a file path on the Sprite.
	WriteFile(ctx context.Context, name string, path string, content []byte) error

	// ReadFile reads content from a file path on the Sprite.
	ReadFile(ctx context.Context, name string, path string) ([]byte, error)

	// Delete deletes the Sprite.
	Delete(ctx context.Context, name string) error

	// Exists checks if a Sprite exists.
	Exists(ctx context.Context, name string) (bool, error)
}

// Cmd wraps a command execution with streaming capabilities.
type Cmd struct {
	cmd     *sprites.Cmd
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
	waitErr error

	// MockExitCode is returned by ExitCode for commands built by MockClient.
	MockExitCode int
}

// Wait waits for the command to complete.
func (c *Cmd) Wait() error {
	if c.cmd == nil {
		return nil
	}
	c.waitErr = c.cmd.Wait()
	return c.waitErr
}

// ExitCode returns the exit code of the command after Wait() returns.
// Returns -1 if the command hasn't completed or the exit code is unknown.
func (c *Cmd) ExitCode() int {
	if c.cmd == nil {
		return c.MockExitCode
	}
	if c.waitErr == nil {
		return 0
	}
	var exitErr *sprites.ExitError
	if errors.As(c.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Retry policy for ExecuteOutputWithRetry.
const (
	executeAttempts = 3
	executeBackoff  = time.Second
)

// NewBackOff returns an exponential backoff starting at initial that gives up
// after attempts tries in total or when ctx is done.
func NewBackOff(ctx context.Context, attempts int, initial time.Duration) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	retries := 0
	if attempts > 1 {
		retries = attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// SDKClient implements Client using the sprites-go SDK.
type SDKClient struct {
	client *sprites.Client
}

// NewSDKClient creates a new SDKClient with the given API token.
func NewSDKClient(token string) *SDKClient {
	return &SDKClient{
		client: sprites.New(token),
	}
}

// Create creates a new Sprite with the given name.
func (c *SDKClient) Create(ctx context.Context, name string, checkpoint string) error {
	if _, err := c.client.CreateSprite(ctx, name, nil); err != nil {
		return fmt.Errorf("failed to create sprite %s: %w", name, err)
	}

	if checkpoint != "" {
		sprite := c.client.Sprite(name)
		stream, err := sprite.RestoreCheckpoint(ctx, checkpoint)
		if err != nil {
			return fmt.Errorf("failed to restore checkpoint %s: %w", checkpoint, err)
		}
		defer stream.Close()

		if err := stream.ProcessAll(func(msg *sprites.StreamMessage) error {
			return nil
		}); err != nil {
			return fmt.Errorf("failed to restore checkpoint %s: %w", checkpoint, err)
		}
	}

	return nil
}

// Execute runs a command on the Sprite and returns pipes for streaming.
func (c *SDKClient) Execute(ctx context.Context, name string, dir string, env []string, args ...string) (*Cmd, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no command specified")
	}

	sprite := c.client.Sprite(name)
	cmd := sprite.CommandContext(ctx, args[0], args[1:]...)

	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	return &Cmd{
		cmd:    cmd,
		Stdout: stdout,
		Stderr: stderr,
	}, nil
}

// ExecuteOutput runs a command to completion, collecting stdout and stderr.
func (c *SDKClient) ExecuteOutput(ctx context.Context, name string, dir string, env []string, args ...string) ([]byte, []byte, int, error) {
	return collectOutput(c.Execute(ctx, name, dir, env, args...))
}

// ExecuteOutputWithRetry retries ExecuteOutput when the command could not be
// run. A non-zero exit code is a result, not a transport failure, and is
// returned without retrying.
func (c *SDKClient) ExecuteOutputWithRetry(ctx context.Context, name string, dir string, env []string, args ...string) ([]byte, []byte, int, error) {
	var stdout, stderr []byte
	var exitCode int
	op := func() error {
		var err error
		stdout, stderr, exitCode, err = c.ExecuteOutput(ctx, name, dir, env, args...)
		return err
	}
	if err := backoff.Retry(op, NewBackOff(ctx, executeAttempts, executeBackoff)); err != nil {
		return nil, nil, -1, fmt.Errorf("after %d attempts: %w", executeAttempts, err)
	}
	return stdout, stderr, exitCode, nil
}

// collectOutput drains both pipes of a started command and waits for it.
func collectOutput(cmd *Cmd, err error) ([]byte, []byte, int, error) {
	if err != nil {
		return nil, nil, -1, err
	}

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&stdout, cmd.Stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, cmd.Stderr)
		return err
	})
	copyErr := g.Wait()

	waitErr := cmd.Wait()
	exitCode := cmd.ExitCode()
	if waitErr != nil && exitCode < 0 {
		return stdout.Bytes(), stderr.Bytes(), exitCode, fmt.Errorf("command failed: %w", waitErr)
	}
	if copyErr != nil && exitCode == 0 {
		return stdout.Bytes(), stderr.Bytes(), exitCode, fmt.Errorf("failed to read command output: %w", copyErr)
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, nil
}

// WriteFile writes content to a file path on the Sprite.
func (c *SDKClient) WriteFile(ctx context.Context, name string, path string, content []byte) error {
	sprite := c.client.Sprite(name)
	fs := sprite.Filesystem()

	if err := fs.WriteFileContext(ctx, path, content, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

// ReadFile reads content from a file path on the Sprite.
func (c *SDKClient) ReadFile(ctx context.Context, name string, path string) ([]byte, error) {
	sprite := c.client.Sprite(name)
	fs := sprite.Filesystem()

	// The SDK filesystem has no ReadFileContext; the HTTP client still
	// honours the deadline.
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return data, nil
}

// Delete deletes the Sprite.
func (c *SDKClient) Delete(ctx context.Context, name string) error {
	if err := c.client.DeleteSprite(ctx, name); err != nil {
		return fmt.Errorf("failed to delete sprite %s: %w", name, err)
	}
	return nil
}

// Info describes a Sprite returned by List.
type Info struct {
	Name      string
	CreatedAt time.Time
}

// List returns every Sprite whose name starts with prefix. It is not part of
// Client; only maintenance tooling needs it.
func (c *SDKClient) List(ctx context.Context, prefix string) ([]Info, error) {
	all, err := c.client.ListAllSprites(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprites: %w", err)
	}
	infos := make([]Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, Info{Name: s.Name(), CreatedAt: s.CreatedAt})
	}
	return infos, nil
}

// Exists checks if a Sprite exists.
func (c *SDKClient) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.client.GetSprite(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check sprite existence: %w", err)
	}
	return true, nil
}

// isNotFound matches the SDK's various not-found error formats.
func isNotFound(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "404") ||
		strings.Contains(errStr, "failed to retrieve sprite")
}

// GenerateEnvironmentName derives a deterministic Sprite name from the session
// identity. Format: warden-<8-char-hash>
func GenerateEnvironmentName(repo, workdir, branch string) string {
	hash := sha256.Sum256([]byte(repo + "\x00" + workdir + "\x00" + branch))
	return "warden-" + hex.EncodeToString(hash[:])[:8]
}

var _ Client = (*SDKClient)(nil)
