package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/sprite"
	"github.com/thruflo/warden/internal/state"
	"github.com/thruflo/warden/internal/templates"
)

// Credentials for tests against real Sprites.
type Credentials struct {
	SpriteToken string
	GitHubToken string
}

// TryLoadCredentials reads SPRITE_TOKEN and GITHUB_TOKEN from the nearest
// .warden/.sprite.env above the working directory, then the environment. It
// returns nil when there is no Sprite token.
func TryLoadCredentials() *Credentials {
	env := map[string]string{}
	if root := projectRoot(); root != "" {
		if loaded, err := config.LoadEnvFile(root); err == nil {
			env = loaded
		}
	}
	creds := &Credentials{
		SpriteToken: config.Credential(env, "SPRITE_TOKEN"),
		GitHubToken: config.Credential(env, "GITHUB_TOKEN"),
	}
	if creds.SpriteToken == "" {
		return nil
	}
	return creds
}

// RealClient returns an SDK client, skipping t in short mode or when there
// is no Sprite token.
func RealClient(t *testing.T) (sprite.Client, *Credentials) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping real Sprite test in short mode")
	}
	creds := TryLoadCredentials()
	if creds == nil {
		t.Skip("SPRITE_TOKEN not available, skipping real Sprite test")
	}
	return sprite.NewSDKClient(creds.SpriteToken), creds
}

func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, config.Dir)); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// NewProject creates a project directory with a .warden layout, default
// prompts, a config tuned for tests and the given requirements document.
func NewProject(t *testing.T, specName, spec string) (string, *state.Store) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Limits.MaxIterations = 5
	cfg.Limits.LoopIntervalSeconds = 0
	cfg.Limits.IterationTimeoutMinutes = 10
	require.NoError(t, config.SaveConfig(dir, &cfg))
	require.NoError(t, templates.WriteDefaults(dir))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(specName)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, specName), []byte(spec), 0o644))
	return dir, state.NewStore(dir)
}

// Context returns a context that ends ten seconds before the test deadline,
// or after fallback when the test has none.
func Context(t *testing.T, fallback time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	const buffer = 10 * time.Second
	if deadline, ok := t.Deadline(); ok {
		if adjusted := deadline.Add(-buffer); time.Until(adjusted) > 0 {
			return context.WithDeadline(context.Background(), adjusted)
		}
	}
	return context.WithTimeout(context.Background(), fallback)
}
