package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/thruflo/warden/internal/sprite"
)

var (
	trackedMu sync.Mutex
	tracked   = make(map[string]bool)
)

// Track records a Sprite created by a test for later cleanup.
func Track(name string) {
	trackedMu.Lock()
	defer trackedMu.Unlock()
	tracked[name] = true
}

// Untrack forgets a Sprite that was already deleted.
func Untrack(name string) {
	trackedMu.Lock()
	defer trackedMu.Unlock()
	delete(tracked, name)
}

// Tracked returns the tracked Sprite names in sorted order.
func Tracked() []string {
	trackedMu.Lock()
	defer trackedMu.Unlock()
	names := make([]string, 0, len(tracked))
	for name := range tracked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetTracked forgets every tracked Sprite without deleting anything.
func ResetTracked() {
	trackedMu.Lock()
	defer trackedMu.Unlock()
	tracked = make(map[string]bool)
}

// DeleteTracked deletes every tracked Sprite. Names are untracked only when
// their deletion succeeds; the errors of the others are joined.
func DeleteTracked(client sprite.Client) error {
	var errs []error
	for _, name := range Tracked() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := client.Delete(ctx, name)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		Untrack(name)
	}
	return errors.Join(errs...)
}

// SpriteName returns a unique, short Sprite name for t:
// warden-test-<hash of test name>-<8 digits of the clock>.
func SpriteName(t *testing.T) string {
	t.Helper()
	h := sha256.Sum256([]byte(t.Name()))
	return fmt.Sprintf("warden-test-%s-%d", hex.EncodeToString(h[:4]), time.Now().UnixNano()%100000000)
}

// DeleteSprite deletes name, logging rather than failing. Use it with t.Cleanup.
func DeleteSprite(t *testing.T, client sprite.Client, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Delete(ctx, name); err != nil {
		t.Logf("cleanup: failed to delete Sprite %s: %v", name, err)
		return
	}
	Untrack(name)
	t.Logf("cleanup: deleted Sprite %s", name)
}

// WaitReady polls until the Sprite runs commands or ctx is done.
func WaitReady(ctx context.Context, client sprite.Client, name string) error {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         5 * time.Second,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	b := backoff.WithContext(eb, ctx)
	return backoff.Retry(func() error {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, _, code, err := client.ExecuteOutput(checkCtx, name, "", nil, "true")
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("readiness check exited with code %d", code)
		}
		return nil
	}, b)
}
