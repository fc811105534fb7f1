// Package templates provides the prompt files copied to the execution
// environment: context.md, iterate.md and create-tasks.md.
//
// The defaults are embedded at build time. A project can override them by
// placing files of the same name in .warden/templates/.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/thruflo/warden/internal/config"
)

// Prompt file names.
const (
	Context     = "context.md"
	Iterate     = "iterate.md"
	CreateTasks = "create-tasks.md"
)

//go:embed prompts/*.md
var prompts embed.FS

// Defaults returns the embedded prompt files.
func Defaults() fs.FS {
	sub, err := fs.Sub(prompts, "prompts")
	if err != nil {
		panic("failed to access embedded prompts: " + err.Error())
	}
	return sub
}

// Dir returns the project override directory under basePath.
func Dir(basePath string) string {
	return filepath.Join(basePath, config.Dir, "templates")
}

// FS returns the project's prompt files. Files present in .warden/templates/
// replace the embedded defaults of the same name.
func FS(basePath string) fs.FS {
	dir := Dir(basePath)
	if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
		return overlay{top: os.DirFS(dir), base: Defaults()}
	}
	return Defaults()
}

// WriteDefaults copies the embedded prompts into .warden/templates/ without
// overwriting files that already exist.
func WriteDefaults(basePath string) error {
	dir := Dir(basePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create templates directory: %w", err)
	}

	for _, name := range []string{Context, Iterate, CreateTasks} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := fs.ReadFile(Defaults(), name)
		if err != nil {
			return fmt.Errorf("failed to read default %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write template %s: %w", name, err)
		}
	}
	return nil
}

// overlay serves files from top, falling back to base. Directory listings
// are the union of both.
type overlay struct {
	top  fs.FS
	base fs.FS
}

func (o overlay) Open(name string) (fs.File, error) {
	if name != "." {
		if f, err := o.top.Open(name); err == nil {
			return f, nil
		}
	}
	return o.base.Open(name)
}

func (o overlay) ReadDir(name string) ([]fs.DirEntry, error) {
	baseEntries, err := fs.ReadDir(o.base, name)
	if err != nil {
		return nil, err
	}
	topEntries, _ := fs.ReadDir(o.top, name)

	seen := make(map[string]bool, len(topEntries))
	entries := make([]fs.DirEntry, 0, len(baseEntries)+len(topEntries))
	for _, e := range topEntries {
		seen[e.Name()] = true
		entries = append(entries, e)
	}
	for _, e := range baseEntries {
		if !seen[e.Name()] {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
