// Command cleanup-test-sprites deletes Sprites left behind by the
// integration tests.
//
// Test Sprites are named "warden-test-*". By default the command only lists
// those older than --max-age; pass --force to delete them.
//
// Usage:
//
//	cleanup-test-sprites [--force] [--max-age 30m]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/thruflo/warden/internal/config"
	"github.com/thruflo/warden/internal/sprite"
)

const (
	testSpritePrefix = "warden-test-"
	defaultMaxAge    = time.Hour
)

// fleet is the part of the Sprite API the command needs.
type fleet interface {
	List(ctx context.Context, prefix string) ([]sprite.Info, error)
	Delete(ctx context.Context, name string) error
}

func main() {
	var (
		force  bool
		maxAge time.Duration
	)
	flag.BoolVar(&force, "force", false, "Actually delete sprites (default is dry run)")
	flag.DurationVar(&maxAge, "max-age", defaultMaxAge, "Only consider sprites older than this")
	flag.Parse()

	token := spriteToken()
	if token == "" {
		fmt.Fprintln(os.Stderr, "error: SPRITE_TOKEN not found in environment or .warden/.sprite.env")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, os.Stdout, sprite.NewSDKClient(token), force, maxAge, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, f fleet, force bool, maxAge time.Duration, now time.Time) error {
	all, err := f.List(ctx, testSpritePrefix)
	if err != nil {
		return err
	}

	cutoff := now.Add(-maxAge)
	var stale []sprite.Info
	for _, s := range all {
		if s.CreatedAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}

	if len(stale) == 0 {
		fmt.Fprintf(out, "No sprites matching %q older than %v\n", testSpritePrefix, maxAge)
		return nil
	}

	fmt.Fprintf(out, "Found %d sprite(s) matching %q older than %v:\n", len(stale), testSpritePrefix, maxAge)
	for _, s := range stale {
		fmt.Fprintf(out, "  %s (created %s)\n", s.Name, humanize.RelTime(s.CreatedAt, now, "ago", "from now"))
	}

	if !force {
		fmt.Fprintln(out, "Dry run; use --force to delete.")
		return nil
	}

	var errs []error
	deleted := 0
	for _, s := range stale {
		deleteCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := f.Delete(deleteCtx, s.Name)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		fmt.Fprintf(out, "  deleted %s\n", s.Name)
		deleted++
	}
	fmt.Fprintf(out, "Deleted %d/%d sprites\n", deleted, len(stale))
	return errors.Join(errs...)
}

// spriteToken reads SPRITE_TOKEN from the nearest .warden/.sprite.env, then
// the environment.
func spriteToken() string {
	env := map[string]string{}
	dir, err := os.Getwd()
	for err == nil {
		if info, statErr := os.Stat(filepath.Join(dir, config.Dir)); statErr == nil && info.IsDir() {
			if loaded, loadErr := config.LoadEnvFile(dir); loadErr == nil {
				env = loaded
			}
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return config.Credential(env, "SPRITE_TOKEN")
}
