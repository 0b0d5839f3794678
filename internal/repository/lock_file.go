package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
)

// FileLockStore keeps one lock file per (tenant, source) on the shared
// filesystem. Creation is a hard link of a fully written temp file, so
// the lock appears atomically and only if absent. Replace and Release
// serialize through a short-lived guard file.
type FileLockStore struct {
	fs         *SnapshotFS
	guardStale time.Duration
	guardPoll  time.Duration
}

// NewFileLockStore creates a FileLockStore on top of fsys.
// Parameters:
//   - fsys: snapshot filesystem accessor that owns the lock paths.
// Returns:
//   - *FileLockStore: lock store instance.
func NewFileLockStore(fsys *SnapshotFS) *FileLockStore {
	return &FileLockStore{fs: fsys, guardStale: time.Minute, guardPoll: 10 * time.Millisecond}
}

// Acquire creates the lock only if none exists.
// Parameters:
//   - ctx: context for cancellation.
//   - lock: lock to create.
// Returns:
//   - error: domain.ErrLockContention if a lock file already exists.
func (s *FileLockStore) Acquire(ctx context.Context, lock domain.Lock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.fs.LockPath(lock.TenantID, lock.Source)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return domain.ErrLockContention
		}
		return fmt.Errorf("create lock: %w", err)
	}
	return nil
}

// Get reads the current lock.
// Parameters:
//   - ctx: context for cancellation.
//   - tenantID: tenant identifier.
//   - source: source tag.
// Returns:
//   - *domain.Lock: current lock, or nil when none exists. An unreadable
//     lock file is reported with its modification time as AcquiredAt so
//     it ages into reclaimability.
//   - error: non-nil on IO failure.
func (s *FileLockStore) Get(ctx context.Context, tenantID, source string) (*domain.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(tenantID, source)
}

func (s *FileLockStore) read(tenantID, source string) (*domain.Lock, error) {
	path := s.fs.LockPath(tenantID, source)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	var lock domain.Lock
	if err := json.Unmarshal(data, &lock); err != nil || lock.AcquiredAt.IsZero() {
		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("stat lock: %w", statErr)
		}
		return &domain.Lock{TenantID: tenantID, Source: source, AcquiredAt: info.ModTime()}, nil
	}
	return &lock, nil
}

// Replace swaps the observed stale lock for next.
// Parameters:
//   - ctx: context for cancellation.
//   - stale: the lock the caller judged stale.
//   - next: the replacement lock.
// Returns:
//   - error: domain.ErrLockContention if the current lock is no longer
//     the one observed (someone else reclaimed or released it first).
func (s *FileLockStore) Replace(ctx context.Context, stale, next domain.Lock) error {
	path := s.fs.LockPath(next.TenantID, next.Source)
	return s.withGuard(ctx, path, func() error {
		cur, err := s.read(next.TenantID, next.Source)
		if err != nil {
			return err
		}
		if cur == nil || cur.RunID != stale.RunID {
			return domain.ErrLockContention
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode lock: %w", err)
		}
		return writeFileAtomic(path, data)
	})
}

// Release removes the lock if it still belongs to lock.RunID.
// Parameters:
//   - ctx: context for cancellation.
//   - lock: the lock the caller believes it holds.
// Returns:
//   - bool: true if a lock was removed.
//   - error: non-nil on IO failure.
func (s *FileLockStore) Release(ctx context.Context, lock domain.Lock) (bool, error) {
	path := s.fs.LockPath(lock.TenantID, lock.Source)
	released := false
	err := s.withGuard(ctx, path, func() error {
		cur, err := s.read(lock.TenantID, lock.Source)
		if err != nil || cur == nil || cur.RunID != lock.RunID {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove lock: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

func (s *FileLockStore) withGuard(ctx context.Context, lockPath string, fn func() error) error {
	guard := lockPath + ".guard"
	if err := os.MkdirAll(filepath.Dir(guard), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	for {
		f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			defer os.Remove(guard)
			return fn()
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock guard: %w", err)
		}
		// A guard left by a crashed process is broken after guardStale.
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > s.guardStale {
			os.Remove(guard)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.guardPoll):
		}
	}
}
