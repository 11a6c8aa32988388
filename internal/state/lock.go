// Package state serializes mutation of deployment state and persists
// its version history. Exactly one run may hold a target's lock at a
// time; leases expire so a crashed holder never wedges the target.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

// ErrLockHeld is returned when a live (non-expired) lease already
// guards the target.
var ErrLockHeld = errors.New("state is locked by another run")

// ErrNotHolder is returned when renewing or releasing with a lease the
// lock no longer recognizes.
var ErrNotHolder = errors.New("lock is not held by this lease")

// DefaultLease is the lock lease applied when the config does not set
// one.
const DefaultLease = 10 * time.Minute

// Handle identifies one acquired lease.
type Handle struct {
	Target  string
	LeaseID string
	RunID   int64
}

// Locker is the mutual-exclusion contract shared by the file and
// DynamoDB implementations.
type Locker interface {
	// Acquire takes the target's lock for runID, failing with
	// ErrLockHeld while a live lease exists. An expired lease is
	// reclaimed.
	Acquire(ctx context.Context, target string, runID int64, lease time.Duration) (*Handle, error)

	// Renew extends the lease of a held lock.
	Renew(ctx context.Context, h *Handle, lease time.Duration) error

	// Release frees the lock.
	Release(ctx context.Context, h *Handle) error
}

// FileLocker implements Locker with one lock file per target.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

func (l *FileLocker) Acquire(ctx context.Context, target string, runID int64, lease time.Duration) (*Handle, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	path := l.lockPath(target)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	if entry, err := l.read(path); err == nil {
		if !entry.Expired(time.Now()) {
			return nil, fmt.Errorf("%w (target %s, run %d, lease expires %s)",
				ErrLockHeld, target, entry.RunID, entry.ExpiresAt.Format(time.RFC3339))
		}
		// Stale lease from a crashed holder: reclaim it. Reclaims are
		// serialized through a guard file so two acquirers observing
		// the same expired lease cannot remove each other's fresh lock.
		releaseGuard, err := l.acquireReclaimGuard(path)
		if err != nil {
			return nil, fmt.Errorf("%w (target %s, reclaim in progress)", ErrLockHeld, target)
		}
		defer releaseGuard()

		// Re-read under the guard: the lease may have been reclaimed
		// and refreshed while the guard was contended.
		if entry, err := l.read(path); err == nil {
			if !entry.Expired(time.Now()) {
				return nil, fmt.Errorf("%w (target %s, run %d, lease expires %s)",
					ErrLockHeld, target, entry.RunID, entry.ExpiresAt.Format(time.RFC3339))
			}
			os.Remove(path)
		}
	}

	entry := model.LockEntry{
		Target:     target,
		LeaseID:    uuid.NewString(),
		RunID:      runID,
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(lease),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w (target %s)", ErrLockHeld, target)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	return &Handle{Target: target, LeaseID: entry.LeaseID, RunID: runID}, nil
}

// reclaimGuardTTL bounds how long a crashed reclaimer can block other
// acquirers; a guard older than this is discarded.
const reclaimGuardTTL = 5 * time.Second

func (l *FileLocker) acquireReclaimGuard(path string) (func(), error) {
	guard := path + ".reclaim"
	if info, err := os.Stat(guard); err == nil && time.Since(info.ModTime()) > reclaimGuardTTL {
		os.Remove(guard)
	}
	f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	f.Close()
	return func() { os.Remove(guard) }, nil
}

func (l *FileLocker) Renew(ctx context.Context, h *Handle, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultLease
	}
	path := l.lockPath(h.Target)
	entry, err := l.read(path)
	if err != nil {
		return ErrNotHolder
	}
	if entry.LeaseID != h.LeaseID {
		return ErrNotHolder
	}

	entry.ExpiresAt = time.Now().UTC().Add(lease)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal lock entry: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	return nil
}

func (l *FileLocker) Release(ctx context.Context, h *Handle) error {
	path := l.lockPath(h.Target)
	entry, err := l.read(path)
	if err != nil {
		// Already gone, e.g. reclaimed after expiry.
		return nil
	}
	if entry.LeaseID != h.LeaseID {
		return ErrNotHolder
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *FileLocker) read(path string) (model.LockEntry, error) {
	var entry model.LockEntry
	data, err := os.ReadFile(path)
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("failed to parse lock file %s: %w", path, err)
	}
	return entry, nil
}

func (l *FileLocker) lockPath(target string) string {
	return filepath.Join(l.dir, target+".lock")
}
