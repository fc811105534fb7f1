package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/session"
	"github.com/thruflo/warden/internal/templates"
)

var (
	initRepo   string
	initBranch string
)

var initCmd = &cobra.Command{
	Use:   "init <requirements-doc>",
	Short: "Create a session for a requirements document",
	Long: `Creates the .warden/ directory (configuration, prompt templates and a
credentials placeholder) if needed, then records a new session for the
requirements document. Nothing is provisioned until 'warden plan' or
'warden run'.

Example:
  warden init docs/auth-rfc.md --repo org/repo
  warden init docs/auth-rfc.md --repo org/repo --branch feature/auth`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initRepo, "repo", "r", "", "GitHub repository (org/repo format, required)")
	initCmd.Flags().StringVarP(&initBranch, "branch", "b", "", "branch name (default: warden/<slug-from-doc>)")
	initCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	created, err := scaffold(cwd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Initialized %s/ in %s\n", config.Dir, cwd)
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	mgr, closeFn, err := p.localManager()
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := mgr.Init(session.InitOptions{Repo: initRepo, Spec: args[0], Branch: initBranch})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Created session %s\n", s.Branch)
	printField(out, "Project", s.ProjectID)
	printField(out, "Repo", s.Repo)
	printField(out, "Spec", s.Spec)
	printField(out, "Environment", s.Environment)
	fmt.Fprintf(out, "\nNext: 'warden plan --session %s' to review the task list, or 'warden run --session %s'.\n", s.Branch, s.Branch)
	return nil
}

// scaffold writes whichever .warden files are missing and reports whether
// the directory was created. Existing files are left alone.
func scaffold(dir string) (bool, error) {
	wardenDir := filepath.Join(dir, config.Dir)
	_, statErr := os.Stat(wardenDir)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Join(wardenDir, "sessions"), 0o755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", config.Dir, err)
	}

	if !fileExists(config.ConfigPath(dir)) {
		cfg := config.DefaultConfig()
		if err := config.SaveConfig(dir, &cfg); err != nil {
			return false, err
		}
	}
	if err := writeIfMissing(filepath.Join(wardenDir, "settings.json"), defaultSettings(), 0o644); err != nil {
		return false, err
	}
	if err := writeIfMissing(filepath.Join(wardenDir, ".sprite.env"), []byte(spriteEnvPlaceholder), 0o600); err != nil {
		return false, err
	}
	if err := writeIfMissing(filepath.Join(wardenDir, ".gitignore"), []byte(".sprite.env\n"), 0o644); err != nil {
		return false, err
	}
	if err := templates.WriteDefaults(dir); err != nil {
		return false, err
	}
	return created, nil
}

const spriteEnvPlaceholder = `# Credentials for warden (gitignored).
# GITHUB_TOKEN is exported into the Sprite for cloning and pushing.
# Claude authentication uses your local 'claude login' credentials.

GITHUB_TOKEN=""
SPRITE_TOKEN=""
`

func defaultSettings() []byte {
	settings := config.Settings{
		Permissions: config.Permissions{
			Deny: []string{
				"Read(~/.ssh/**)", "Edit(~/.ssh/**)",
				"Read(~/.aws/**)", "Edit(~/.aws/**)",
				"Read(~/.config/gh/**)", "Edit(~/.config/gh/**)",
				"Read(**/.env)", "Edit(**/.env)",
				"Read(**/.env.*)", "Edit(**/.env.*)",
			},
		},
	}
	data, _ := json.MarshalIndent(settings, "", "  ")
	return append(data, '\n')
}

func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if fileExists(path) {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
