package session

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/logging"
	"github.com/thruflo/warden/internal/sprite"
	"github.com/thruflo/warden/internal/state"
	"github.com/thruflo/warden/internal/templates"
)

// Environment identifies a provisioned execution environment.
type Environment struct {
	Name     string
	RepoPath string
}

// EnvironmentFor returns where a session's environment lives and where its
// repository is checked out.
func EnvironmentFor(session *config.Session) (Environment, error) {
	repoPath, err := sprite.RepoPath(session.Repo)
	if err != nil {
		return Environment{}, err
	}
	return Environment{Name: session.Environment, RepoPath: repoPath}, nil
}

// Provider creates and destroys execution environments.
type Provider interface {
	// Exists reports whether the session's environment exists.
	Exists(ctx context.Context, session *config.Session) (bool, error)
	// Ready reports whether an existing environment is usable as is.
	Ready(ctx context.Context, session *config.Session) bool
	// Provision creates the environment from scratch.
	Provision(ctx context.Context, session *config.Session) (Environment, error)
	// Refresh re-copies local inputs (requirements, prompts, credentials)
	// into an environment being reused.
	Refresh(ctx context.Context, session *config.Session) (Environment, error)
	// Destroy removes the environment. Destroying a missing environment is
	// not an error.
	Destroy(ctx context.Context, session *config.Session) error
}

// Planner produces the task list for a session.
type Planner interface {
	Plan(ctx context.Context, session *config.Session, env Environment) ([]state.Task, error)
}

// Publisher delivers finished work and returns where it can be reviewed.
type Publisher interface {
	Publish(ctx context.Context, session *config.Session, env Environment) (string, error)
}

// SpriteProvider implements Provider, Planner and Publisher on Sprites.
type SpriteProvider struct {
	client    sprite.Client
	syncer    *state.Syncer
	templates fs.FS
	env       map[string]string
	settings  *config.Settings
	maxTurns  int
	log       *logging.Logger
}

// SpriteProviderOptions configures a SpriteProvider.
type SpriteProviderOptions struct {
	Client sprite.Client
	Syncer *state.Syncer
	// Templates holds the prompt files; see templates.FS.
	Templates fs.FS
	// Env is exported into the environment's shell (GITHUB_TOKEN etc.).
	Env      map[string]string
	Settings *config.Settings
	MaxTurns int
	Logger   *logging.Logger
}

// NewSpriteProvider creates a SpriteProvider.
func NewSpriteProvider(opts SpriteProviderOptions) *SpriteProvider {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	tmpl := opts.Templates
	if tmpl == nil {
		tmpl = templates.Defaults()
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = config.DefaultMaxTurns
	}
	return &SpriteProvider{
		client:    opts.Client,
		syncer:    opts.Syncer,
		templates: tmpl,
		env:       opts.Env,
		settings:  opts.Settings,
		maxTurns:  maxTurns,
		log:       log.With("component", "environment"),
	}
}

// Exists implements Provider.
func (p *SpriteProvider) Exists(ctx context.Context, session *config.Session) (bool, error) {
	exists, err := p.client.Exists(ctx, session.Environment)
	if err != nil {
		return false, fmt.Errorf("failed to check sprite existence: %w", err)
	}
	return exists, nil
}

// Ready reports whether the repository is checked out on the Sprite.
func (p *SpriteProvider) Ready(ctx context.Context, session *config.Session) bool {
	env, err := EnvironmentFor(session)
	if err != nil {
		return false
	}
	return sprite.DirExists(ctx, p.client, env.Name, env.RepoPath)
}

// Provision implements Provider.
func (p *SpriteProvider) Provision(ctx context.Context, session *config.Session) (Environment, error) {
	env, err := EnvironmentFor(session)
	if err != nil {
		return Environment{}, err
	}
	log := p.log.With("sprite", env.Name)

	log.Info("creating sprite")
	if err := p.client.Create(ctx, env.Name, ""); err != nil {
		return Environment{}, fmt.Errorf("failed to create sprite: %w", err)
	}
	if err := sprite.EnsureDirectories(ctx, p.client, env.Name); err != nil {
		return Environment{}, fmt.Errorf("failed to create directories: %w", err)
	}
	if err := sprite.SetupGitConfig(ctx, p.client, env.Name); err != nil {
		log.Warn("git identity not copied", "err", err)
	}

	log.Info("cloning repository", "repo", session.Repo)
	token := config.Credential(p.env, "GITHUB_TOKEN")
	if err := sprite.CloneRepo(ctx, p.client, env.Name, session.Repo, env.RepoPath, token); err != nil {
		return Environment{}, fmt.Errorf("failed to clone repo: %w", err)
	}
	if err := sprite.CheckoutBranch(ctx, p.client, env.Name, env.RepoPath, session.Branch); err != nil {
		return Environment{}, fmt.Errorf("failed to check out branch: %w", err)
	}

	if err := p.syncer.CopySettings(ctx, env.Name, p.settings); err != nil {
		return Environment{}, fmt.Errorf("failed to copy settings: %w", err)
	}
	if err := p.copyInputs(ctx, session); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// Refresh implements Provider.
func (p *SpriteProvider) Refresh(ctx context.Context, session *config.Session) (Environment, error) {
	env, err := EnvironmentFor(session)
	if err != nil {
		return Environment{}, err
	}
	p.log.Info("reusing sprite", "sprite", env.Name)
	if err := p.copyInputs(ctx, session); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// copyInputs copies everything that may have changed locally since the
// environment was created.
func (p *SpriteProvider) copyInputs(ctx context.Context, session *config.Session) error {
	name := session.Environment
	if err := p.syncer.CopySpec(ctx, name, session.Spec); err != nil {
		return err
	}
	if err := p.syncer.CopyTemplates(ctx, name, p.templates); err != nil {
		return err
	}
	if err := sprite.InjectEnvVars(ctx, p.client, name, p.env); err != nil {
		return err
	}
	if err := sprite.CopyClaudeCredentials(ctx, p.client, name); err != nil {
		p.log.Warn("claude credentials not copied", "sprite", name, "err", err)
	}
	return nil
}

// Destroy implements Provider.
func (p *SpriteProvider) Destroy(ctx context.Context, session *config.Session) error {
	exists, err := p.Exists(ctx, session)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := p.client.Delete(ctx, session.Environment); err != nil {
		return fmt.Errorf("failed to delete sprite: %w", err)
	}
	return nil
}

// Plan runs the task generation prompt on the Sprite and stores the result.
func (p *SpriteProvider) Plan(ctx context.Context, session *config.Session, env Environment) ([]state.Task, error) {
	// A task list left from a previous plan must not pass verification.
	if _, _, _, err := p.client.ExecuteOutputWithRetry(ctx, env.Name, "", nil, "rm", "-f", sprite.TasksFilePath); err != nil {
		return nil, fmt.Errorf("failed to clear previous tasks: %w", err)
	}

	p.log.Info("generating tasks", "sprite", env.Name)
	err := sprite.RunTasksPrompt(ctx, p.client, env.Name, env.RepoPath,
		filepath.Join(sprite.TemplatesDir, templates.CreateTasks),
		"",
		filepath.Join(sprite.TemplatesDir, templates.Context),
		p.maxTurns)
	if err != nil {
		return nil, err
	}

	tasks, err := p.syncer.PullTasks(ctx, env.Name, session.Branch)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task generation produced an empty task list")
	}
	return tasks, nil
}

// Publish pushes the session branch and returns the pull request URL.
func (p *SpriteProvider) Publish(ctx context.Context, session *config.Session, env Environment) (string, error) {
	if err := sprite.PushBranch(ctx, p.client, env.Name, env.RepoPath, session.Branch); err != nil {
		return "", err
	}
	return sprite.CompareURL(session.Repo, session.Branch), nil
}

var (
	_ Provider  = (*SpriteProvider)(nil)
	_ Planner   = (*SpriteProvider)(nil)
	_ Publisher = (*SpriteProvider)(nil)
)
