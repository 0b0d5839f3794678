package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockContention means another refresh legitimately holds the lock.
	ErrLockContention = errors.New("refresh already in progress")
	// ErrLockStale marks a lock past the stale window. It triggers
	// reclamation and is never returned to callers of BeginRefresh.
	ErrLockStale = errors.New("lock is stale")
	// ErrLockLost means a running refresh no longer owns its lock.
	ErrLockLost = errors.New("lock ownership lost")

	ErrTransientFetch = errors.New("transient fetch error")
	ErrFatalFetch     = errors.New("fatal fetch error")
	ErrFetchTimeout   = errors.New("refresh exceeded its time budget")

	ErrIntegrityMismatch   = errors.New("indexed and full artifacts disagree")
	ErrSnapshotUnavailable = errors.New("no complete snapshot available")
	ErrSnapshotNotComplete = errors.New("snapshot is not complete")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrRecordNotFound      = errors.New("record not found")

	ErrInvalidStatus     = errors.New("invalid snapshot status")
	ErrInvalidSnapshot   = errors.New("invalid snapshot record")
	ErrUnknownEntity     = errors.New("unknown entity type")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnknownTenant     = errors.New("no credentials configured for tenant")
)

// AlreadyInProgressError is returned by BeginRefresh when a valid lock
// exists. It is informational: callers show who holds the lock and for
// how long.
type AlreadyInProgressError struct {
	SessionID string
	RunID     string
	StartedAt time.Time
	Elapsed   time.Duration
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("refresh already in progress (session %s, started %s ago)",
		e.SessionID, e.Elapsed.Round(time.Second))
}

// Is matches ErrLockContention.
func (e *AlreadyInProgressError) Is(target error) bool {
	return target == ErrLockContention
}

// FetchError describes a failed page request.
type FetchError struct {
	Entity     EntityType
	Offset     int
	Attempts   int
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	msg := fmt.Sprintf("%s fetch error for %s at offset %d", kind, e.Entity, e.Offset)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches ErrTransientFetch or ErrFatalFetch depending on the kind.
func (e *FetchError) Is(target error) bool {
	if e.Transient {
		return target == ErrTransientFetch
	}
	return target == ErrFatalFetch
}

// IntegrityError reports a row count divergence for one entity type.
type IntegrityError struct {
	Entity       EntityType
	IndexedRows  int
	FullRows     int
	ManifestRows int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: indexed=%d full=%d manifest=%d",
		e.Entity, e.IndexedRows, e.FullRows, e.ManifestRows)
}

// Is matches ErrIntegrityMismatch.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityMismatch
}
