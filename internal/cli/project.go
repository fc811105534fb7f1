package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/lease"
	"github.com/thruflo/warden/internal/logging"
	"github.com/thruflo/warden/internal/loop"
	"github.com/thruflo/warden/internal/session"
	"github.com/thruflo/warden/internal/sprite"
	"github.com/thruflo/warden/internal/state"
	"github.com/thruflo/warden/internal/templates"
)

// Seams replaced in tests.
var (
	newSpriteClient = func(token string) sprite.Client { return sprite.NewSDKClient(token) }
	leasePath       = lease.DefaultPath
)

// project is the local checkout a command operates on.
type project struct {
	dir   string
	cfg   *config.Config
	store *state.Store
	log   *logging.Logger
}

func openProject() (*project, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, config.Dir)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no %s directory here; run 'warden init' first", config.Dir)
		}
		return nil, err
	}
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &project{
		dir:   dir,
		cfg:   cfg,
		store: state.NewStore(dir),
		log:   logging.Default(),
	}, nil
}

// session resolves --session to a session.
func (p *project) session() (*config.Session, error) {
	return p.store.FindSession(sessionSelector)
}

// hooks are the optional callbacks and collectors a command wires into the
// Manager.
type hooks struct {
	metrics     *loop.Metrics
	onIteration func(state.History)
	onLine      func(string)
	confirm     func(*lease.Lease) (session.ExistingPolicy, error)
}

// localManager returns a Manager that can only touch local state: Init,
// Respond, Status and List.
func (p *project) localManager() (*session.Manager, func(), error) {
	leases, err := p.openLeases()
	if err != nil {
		return nil, nil, err
	}
	mgr := session.NewManager(session.Options{
		Store:   p.store,
		Config:  p.cfg,
		Leases:  leases,
		WorkDir: p.dir,
		Logger:  p.log,
	})
	return mgr, func() { leases.Close() }, nil
}

// manager returns a Manager backed by Sprites. It needs SPRITE_TOKEN.
func (p *project) manager(h hooks) (*session.Manager, func(), error) {
	env, err := config.LoadEnvFile(p.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load env file: %w", err)
	}
	token := config.Credential(env, "SPRITE_TOKEN")
	if token == "" {
		return nil, nil, errors.New("SPRITE_TOKEN not found in .warden/.sprite.env or environment")
	}
	settings, err := config.LoadSettings(p.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load settings: %w", err)
	}

	leases, err := p.openLeases()
	if err != nil {
		return nil, nil, err
	}

	client := newSpriteClient(token)
	syncer := state.NewSyncer(client, p.store, p.cfg.Limits.SyncAttempts, p.log)
	provider := session.NewSpriteProvider(session.SpriteProviderOptions{
		Client:    client,
		Syncer:    syncer,
		Templates: templates.FS(p.dir),
		Env:       remoteEnv(env),
		Settings:  settings,
		MaxTurns:  p.cfg.Limits.MaxTurns,
		Logger:    p.log,
	})

	mgr := session.NewManager(session.Options{
		Store:       p.store,
		Config:      p.cfg,
		Leases:      leases,
		Provider:    provider,
		Planner:     provider,
		Publisher:   provider,
		Syncer:      syncer,
		Agent:       loop.NewSpriteAgent(client, p.log, h.onLine),
		Metrics:     h.metrics,
		OnIteration: h.onIteration,
		Confirm:     h.confirm,
		WorkDir:     p.dir,
		Logger:      p.log,
	})
	return mgr, func() { leases.Close() }, nil
}

func (p *project) openLeases() (*lease.Registry, error) {
	path, err := leasePath()
	if err != nil {
		return nil, err
	}
	leases, err := lease.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease registry: %w", err)
	}
	return leases, nil
}

// remoteEnv is the env file minus the Sprites API token, which the
// environment itself never needs.
func remoteEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if k == "SPRITE_TOKEN" {
			continue
		}
		out[k] = v
	}
	if _, ok := out["GITHUB_TOKEN"]; !ok {
		if token := os.Getenv("GITHUB_TOKEN"); token != "" {
			out["GITHUB_TOKEN"] = token
		}
	}
	return out
}
