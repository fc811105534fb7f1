// Package lease provides a SQLite-backed registry of expiring session leases.
//
// A lease marks a session as being driven by one process. Leases expire unless
// renewed, so a crashed holder only blocks others for one TTL.
package lease

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrHeld is returned when a live lease belongs to another owner.
	ErrHeld = errors.New("lease is held by another owner")

	// ErrNotHeld is returned when renewing or releasing a lease the caller
	// does not hold.
	ErrNotHeld = errors.New("lease not held")
)

// HeldError carries the lease that blocked an Acquire.
type HeldError struct {
	Lease Lease
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lease held by %s until %s", e.Lease.Owner, e.Lease.ExpiresAt.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Lease is one row of the registry.
type Lease struct {
	Key        string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Live reports whether the lease has not expired at now.
func (l Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	key         TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
)`

// Registry stores leases in a SQLite database shared by every warden process
// on the machine.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultPath returns the registry location under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "warden", "leases.db"), nil
}

// Open opens (creating if needed) the registry at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lease directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open lease registry: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping lease registry: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize lease schema: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Registry{db: db, now: time.Now}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Key derives the lease key for a session from its repository, working
// directory and branch.
func Key(repo, workdir, branch string) string {
	sum := sha256.Sum256([]byte(repo + "\x00" + workdir + "\x00" + branch))
	return hex.EncodeToString(sum[:])
}

// NewOwner returns an owner id unique to this process invocation.
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Acquire takes the lease for key, or extends it if owner already holds it.
// It fails with a *HeldError when another owner holds a live lease.
func (r *Registry) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO leases (key, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			acquired_at = CASE WHEN leases.owner = excluded.owner THEN leases.acquired_at ELSE excluded.acquired_at END,
			owner       = excluded.owner,
			expires_at  = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`,
		key, owner, now.UnixNano(), now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	current, err := r.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if n == 0 || current == nil || current.Owner != owner {
		if current == nil {
			return nil, ErrHeld
		}
		return nil, &HeldError{Lease: *current}
	}
	return current, nil
}

// ForceAcquire takes the lease for key regardless of its current holder.
func (r *Registry) ForceAcquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leases (key, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		key, owner, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to force lease: %w", err)
	}
	return &Lease{Key: key, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}, nil
}

// Renew extends a lease held by owner. It returns ErrNotHeld if the lease was
// broken or taken over.
func (r *Registry) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE key = ? AND owner = ?`,
		r.now().Add(ttl).UnixNano(), key, owner)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// KeepAlive renews the lease every ttl/3 until ctx is done. It returns nil
// when ctx ends and ErrNotHeld as soon as the lease is lost. Transient
// renewal errors are retried on the next tick.
func (r *Registry) KeepAlive(ctx context.Context, key, owner string, ttl time.Duration) error {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := r.Renew(ctx, key, owner, ttl)
			if errors.Is(err, ErrNotHeld) {
				return err
			}
		}
	}
}

// Release drops the lease if owner holds it. Releasing a lease held by
// someone else is a no-op.
func (r *Registry) Release(ctx context.Context, key, owner string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND owner = ?`, key, owner); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Break drops the lease whoever holds it.
func (r *Registry) Break(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to break lease: %w", err)
	}
	return nil
}

// Holder returns the live lease for key, or nil if there is none.
func (r *Registry) Holder(ctx context.Context, key string) (*Lease, error) {
	l, err := r.get(ctx, key)
	if err != nil || l == nil {
		return nil, err
	}
	if !l.Live(r.now()) {
		return nil, nil
	}
	return l, nil
}

func (r *Registry) get(ctx context.Context, key string) (*Lease, error) {
	var (
		l                   Lease
		acquired, expiresAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT key, owner, acquired_at, expires_at FROM leases WHERE key = ?`, key,
	).Scan(&l.Key, &l.Owner, &acquired, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	l.AcquiredAt = time.Unix(0, acquired)
	l.ExpiresAt = time.Unix(0, expiresAt)
	return &l, nil
}
