package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/google/uuid"
)

// Store is the narrow accessor for persisted snapshot state. Callers
// never touch paths; swapping the on-disk format only touches the
// implementation.
type Store interface {
	ArtifactStore
	ArtifactReader

	CreateSnapshot(snap *domain.Snapshot) error
	WriteStatus(snap *domain.Snapshot) error
	ReadStatus(ref domain.SnapshotRef) (*domain.Snapshot, error)
	WriteProgress(ref domain.SnapshotRef, p domain.Progress) error
	ReadProgress(ref domain.SnapshotRef) (*domain.Progress, error)
	SetCurrent(ref domain.SnapshotRef) error
	Current(tenantID, source string) (*domain.SnapshotRef, error)
	ClearCurrent(ref domain.SnapshotRef) error
	List(tenantID, source string) ([]*domain.Snapshot, error)
	ListRefs(tenantID, source string) ([]domain.SnapshotRef, error)
	Tenants() ([]string, error)
	ArtifactSizes(ref domain.SnapshotRef, entity domain.EntityType) (int64, int64, error)
	RemoveArtifacts(ref domain.SnapshotRef) error
	RemoveSnapshot(ref domain.SnapshotRef) error
}

// LockStore arbitrates refreshes per (tenant, source).
type LockStore interface {
	// Acquire creates the lock if absent, else returns domain.ErrLockContention.
	Acquire(ctx context.Context, lock domain.Lock) error
	Get(ctx context.Context, tenantID, source string) (*domain.Lock, error)
	// Replace swaps stale for next, or returns domain.ErrLockContention
	// if the current lock is no longer stale.
	Replace(ctx context.Context, stale, next domain.Lock) error
	Release(ctx context.Context, lock domain.Lock) (bool, error)
}

// History mirrors snapshot transitions into a queryable table.
type History interface {
	Upsert(ctx context.Context, job *domain.RefreshJob) error
	MarkDeleted(ctx context.Context, runIDs []string) error
}

// ManagerOptions holds the lifecycle thresholds.
type ManagerOptions struct {
	StaleLockAfter time.Duration
	FreshWithin    time.Duration
	StaleAfter     time.Duration
	RetentionDays  int
	History        History
	Now            func() time.Time
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.StaleLockAfter <= 0 {
		o.StaleLockAfter = domain.DefaultStaleLockAfter
	}
	if o.FreshWithin <= 0 {
		o.FreshWithin = domain.DefaultFreshWithin
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = domain.DefaultStaleAfter
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = domain.DefaultRetentionDays
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Handle identifies one refresh run. It is what the orchestrator passes
// back to the manager for every update.
type Handle struct {
	Lock domain.Lock
	Ref  domain.SnapshotRef
}

// SessionID returns the session that started the run.
func (h *Handle) SessionID() string { return h.Lock.SessionID }

// Manager owns snapshot discovery, lock arbitration, staleness and
// retention.
type Manager struct {
	store Store
	locks LockStore
	opts  ManagerOptions
	host  string
}

// NewManager creates a Manager.
func NewManager(store Store, locks LockStore, opts ManagerOptions) *Manager {
	host, _ := os.Hostname()
	return &Manager{store: store, locks: locks, opts: opts.withDefaults(), host: host}
}

func (m *Manager) now() time.Time { return m.opts.Now().UTC() }

// GetStatus reports the most recent snapshot for a pair together with
// the newest usable one and its staleness. It has no side effects.
func (m *Manager) GetStatus(ctx context.Context, tenantID, source string) (*domain.StatusReport, error) {
	if err := validateTarget(tenantID, source); err != nil {
		return nil, err
	}
	now := m.now()
	report := &domain.StatusReport{TenantID: tenantID, Source: source, Staleness: domain.StalenessNone}

	snaps, err := m.store.List(tenantID, source)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(snaps) > 0 {
		report.Snapshot = snaps[0]
	}
	for _, s := range snaps {
		if s.Status == domain.StatusComplete {
			report.Latest = s
			report.Age = s.Age(now)
			report.Staleness = domain.ClassifyStaleness(report.Age, m.opts.FreshWithin, m.opts.StaleAfter)
			break
		}
	}

	lock, err := m.locks.Get(ctx, tenantID, source)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if lock != nil && !lock.Stale(now, m.opts.StaleLockAfter) {
		report.InProgress = lock
		if lock.RunID != "" {
			if p, err := m.store.ReadProgress(lock.SnapshotRef()); err == nil {
				report.Progress = p
			}
		}
	}
	return report, nil
}

// BeginRefresh takes the lock for (tenant, source) and creates a new
// snapshot in fetching state. A live lock yields an
// *domain.AlreadyInProgressError; a stale one is reclaimed.
func (m *Manager) BeginRefresh(ctx context.Context, tenantID, source, sessionID string) (*Handle, error) {
	if err := validateTarget(tenantID, source); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", domain.ErrInvalidIdentifier)
	}
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	now := m.now()
	lock := domain.Lock{
		TenantID:   tenantID,
		Source:     source,
		SessionID:  sessionID,
		RunID:      runID.String(),
		Date:       now.Format(domain.SnapshotDateLayout),
		AcquiredAt: now,
		Host:       m.host,
		PID:        os.Getpid(),
	}
	ctx = logger.SetRun(logger.SetTarget(ctx, tenantID, source), lock.RunID, sessionID)

	if err := m.acquire(ctx, lock); err != nil {
		return nil, err
	}

	snap := &domain.Snapshot{
		TenantID:  tenantID,
		Date:      lock.Date,
		Source:    source,
		RunID:     lock.RunID,
		Status:    domain.StatusFetching,
		StartedAt: now,
		SessionID: sessionID,
		Files:     map[domain.EntityType]domain.ManifestEntry{},
	}
	if err := m.store.CreateSnapshot(snap); err != nil {
		if _, relErr := m.locks.Release(ctx, lock); relErr != nil {
			logger.CtxError(ctx, "Failed to release lock after snapshot creation error: %v", relErr)
		}
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	m.record(ctx, snap)
	logger.CtxInfo(ctx, "Refresh started for %s/%s", tenantID, source)
	return &Handle{Lock: lock, Ref: snap.Ref()}, nil
}

func (m *Manager) acquire(ctx context.Context, lock domain.Lock) error {
	// Each pass either wins, reports a live holder, or loses a race that
	// changed the lock; three passes cover acquire/release/reclaim races.
	for attempt := 0; attempt < 3; attempt++ {
		err := m.locks.Acquire(ctx, lock)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrLockContention) {
			return fmt.Errorf("acquire lock: %w", err)
		}

		cur, err := m.locks.Get(ctx, lock.TenantID, lock.Source)
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		if cur == nil {
			continue
		}
		if !cur.Stale(lock.AcquiredAt, m.opts.StaleLockAfter) {
			return &domain.AlreadyInProgressError{
				SessionID: cur.SessionID,
				RunID:     cur.RunID,
				StartedAt: cur.AcquiredAt,
				Elapsed:   cur.Age(lock.AcquiredAt),
			}
		}

		err = m.locks.Replace(ctx, *cur, lock)
		if errors.Is(err, domain.ErrLockContention) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reclaim stale lock: %w", err)
		}
		logger.With(logger.Fields{
			"previous_session": cur.SessionID,
			"previous_run":     cur.RunID,
		}).WithDuration(cur.Age(lock.AcquiredAt)).Warn(ctx, "Reclaimed stale lock: %v", domain.ErrLockStale)
		m.supersede(ctx, *cur)
		return nil
	}
	return domain.ErrLockContention
}

// supersede fails the snapshot of a run whose lock was reclaimed.
func (m *Manager) supersede(ctx context.Context, old domain.Lock) {
	if old.RunID == "" || old.Date == "" {
		return
	}
	ref := old.SnapshotRef()
	snap, err := m.store.ReadStatus(ref)
	if err != nil {
		logger.CtxWarn(ctx, "Superseded snapshot %s unreadable: %v", ref, err)
		return
	}
	if snap.Status != domain.StatusFetching {
		return
	}
	if err := m.store.RemoveArtifacts(ref); err != nil {
		logger.CtxError(ctx, "Failed to remove artifacts of superseded snapshot %s: %v", ref, err)
	}
	snap.Status = domain.StatusFailed
	snap.Error = fmt.Sprintf("superseded: lock reclaimed after %s", old.Age(m.now()).Round(time.Second))
	snap.Stats.AddError(m.now(), snap.Error)
	if err := m.store.WriteStatus(snap); err != nil {
		logger.CtxError(ctx, "Failed to mark superseded snapshot %s failed: %v", ref, err)
		return
	}
	m.record(ctx, snap)
}

// OwnsLock reports whether h still holds the lock for its pair.
func (m *Manager) OwnsLock(ctx context.Context, h *Handle) (bool, error) {
	cur, err := m.locks.Get(ctx, h.Lock.TenantID, h.Lock.Source)
	if err != nil {
		return false, err
	}
	return cur != nil && cur.OwnedBy(h.Lock.SessionID, h.Lock.RunID), nil
}

// UpdateProgress records the live counter without touching status.json.
func (m *Manager) UpdateProgress(h *Handle, p domain.Progress) error {
	p.RunID = h.Ref.RunID
	p.UpdatedAt = m.now()
	return m.store.WriteProgress(h.Ref, p)
}

// CompleteRefresh verifies the artifacts, marks the snapshot complete,
// moves the current pointer and releases the lock. A second call for a
// complete snapshot is a no-op.
func (m *Manager) CompleteRefresh(ctx context.Context, h *Handle, manifest map[domain.EntityType]domain.ManifestEntry, stats domain.FetchStats) error {
	ctx = logger.SetRun(logger.SetTarget(ctx, h.Ref.TenantID, h.Ref.Source), h.Ref.RunID, h.SessionID())
	snap, err := m.store.ReadStatus(h.Ref)
	if err != nil {
		return err
	}
	switch snap.Status {
	case domain.StatusComplete:
		return nil
	case domain.StatusFailed:
		return fmt.Errorf("snapshot %s already failed: %s", h.Ref, snap.Error)
	}

	owns, err := m.OwnsLock(ctx, h)
	if err != nil {
		return fmt.Errorf("check lock ownership: %w", err)
	}
	if !owns {
		m.Abandon(ctx, h, domain.ErrLockLost)
		return domain.ErrLockLost
	}

	for entity, entry := range manifest {
		if err := m.verifyEntry(h.Ref, entity, entry); err != nil {
			return err
		}
	}

	now := m.now()
	snap.Status = domain.StatusComplete
	snap.CompletedAt = &now
	snap.Files = manifest
	snap.Stats = stats
	if err := m.store.WriteStatus(snap); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if err := m.store.SetCurrent(h.Ref); err != nil {
		logger.CtxError(ctx, "Failed to move current pointer: %v", err)
	}
	m.release(ctx, h)
	m.record(ctx, snap)

	logger.With(logger.Fields{"api_calls": stats.APICalls}).
		WithCount(snap.RecordCount()).
		WithStatus(string(snap.Status)).
		Info(ctx, "Snapshot complete")
	return nil
}

func (m *Manager) verifyEntry(ref domain.SnapshotRef, entity domain.EntityType, entry domain.ManifestEntry) error {
	if entry.Rows != entry.FullRows {
		return &domain.IntegrityError{Entity: entity, IndexedRows: entry.Rows, FullRows: entry.FullRows, ManifestRows: entry.Rows}
	}
	indexed, full, err := m.store.ArtifactSizes(ref, entity)
	if err != nil {
		return fmt.Errorf("verify %s artifacts: %w", entity, err)
	}
	if indexed != entry.IndexedBytes || full != entry.FullBytes {
		return fmt.Errorf("verify %s artifacts: size on disk %d/%d, recorded %d/%d",
			entity, indexed, full, entry.IndexedBytes, entry.FullBytes)
	}
	return nil
}

// FailRefresh removes every entity file of the run, marks the snapshot
// failed with cause and releases the lock if the run still holds it.
// Calling it again leaves the same state.
func (m *Manager) FailRefresh(ctx context.Context, h *Handle, stats domain.FetchStats, cause error) error {
	ctx = logger.SetRun(logger.SetTarget(ctx, h.Ref.TenantID, h.Ref.Source), h.Ref.RunID, h.SessionID())
	snap, err := m.store.ReadStatus(h.Ref)
	if err != nil {
		return err
	}
	if snap.Status == domain.StatusComplete {
		logger.CtxWarn(ctx, "Ignoring failure for complete snapshot: %v", cause)
		return nil
	}

	if err := m.store.RemoveArtifacts(h.Ref); err != nil {
		return fmt.Errorf("remove partial artifacts: %w", err)
	}
	if snap.Status == domain.StatusFetching {
		msg := "refresh failed"
		if cause != nil {
			msg = cause.Error()
		}
		snap.Status = domain.StatusFailed
		snap.Error = msg
		snap.Files = map[domain.EntityType]domain.ManifestEntry{}
		errs := append(snap.Stats.Errors, stats.Errors...)
		snap.Stats = stats
		snap.Stats.Errors = errs
		snap.Stats.AddError(m.now(), msg)
		if err := m.store.WriteStatus(snap); err != nil {
			return fmt.Errorf("write status: %w", err)
		}
		m.record(ctx, snap)
		logger.CtxError(ctx, "Snapshot failed: %s", msg)
	}
	m.release(ctx, h)
	return nil
}

// Abandon is used by a run that lost its lock: it discards the run's
// artifacts and marks its snapshot failed, leaving the lock alone.
func (m *Manager) Abandon(ctx context.Context, h *Handle, cause error) {
	if err := m.store.RemoveArtifacts(h.Ref); err != nil {
		logger.CtxError(ctx, "Failed to remove artifacts of abandoned run: %v", err)
	}
	snap, err := m.store.ReadStatus(h.Ref)
	if err != nil || snap.Status != domain.StatusFetching {
		return
	}
	snap.Status = domain.StatusFailed
	snap.Error = fmt.Sprintf("abandoned: %v", cause)
	snap.Files = map[domain.EntityType]domain.ManifestEntry{}
	snap.Stats.AddError(m.now(), snap.Error)
	if err := m.store.WriteStatus(snap); err != nil {
		logger.CtxError(ctx, "Failed to mark abandoned snapshot failed: %v", err)
		return
	}
	m.record(ctx, snap)
	logger.CtxWarn(ctx, "Run abandoned: %v", cause)
}

func (m *Manager) release(ctx context.Context, h *Handle) {
	released, err := m.locks.Release(ctx, h.Lock)
	if err != nil {
		logger.CtxError(ctx, "Failed to release lock: %v", err)
		return
	}
	if !released {
		logger.CtxWarn(ctx, "Lock was no longer held by this run")
	}
}

// LatestComplete returns the newest complete snapshot for a pair, or
// domain.ErrSnapshotUnavailable.
func (m *Manager) LatestComplete(ctx context.Context, tenantID, source string) (*domain.Snapshot, error) {
	if err := validateTarget(tenantID, source); err != nil {
		return nil, err
	}
	ref, err := m.store.Current(tenantID, source)
	if err != nil {
		logger.CtxWarn(ctx, "Current pointer unreadable, scanning: %v", err)
	}
	if ref != nil {
		if snap, err := m.store.ReadStatus(*ref); err == nil && snap.Status == domain.StatusComplete {
			return snap, nil
		}
	}
	snaps, err := m.store.List(tenantID, source)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		if s.Status == domain.StatusComplete {
			return s, nil
		}
	}
	return nil, domain.ErrSnapshotUnavailable
}

// Snapshot loads one snapshot by ref.
func (m *Manager) Snapshot(ref domain.SnapshotRef) (*domain.Snapshot, error) {
	return m.store.ReadStatus(ref)
}

// List returns every readable snapshot of a pair, newest first.
func (m *Manager) List(tenantID, source string) ([]*domain.Snapshot, error) {
	if err := validateTarget(tenantID, source); err != nil {
		return nil, err
	}
	return m.store.List(tenantID, source)
}

// SweepResult lists what a retention sweep removed.
type SweepResult struct {
	Cutoff  string
	Removed []*domain.Snapshot
	Failed  []domain.SnapshotRef
}

// RunRetentionSweep deletes every snapshot dated before today minus the
// retention window, across all tenants. A snapshot dated exactly on the
// boundary is kept.
func (m *Manager) RunRetentionSweep(ctx context.Context) (*SweepResult, error) {
	today := m.now().Truncate(24 * time.Hour)
	cutoff := today.AddDate(0, 0, -m.opts.RetentionDays).Format(domain.SnapshotDateLayout)
	result := &SweepResult{Cutoff: cutoff}

	tenants, err := m.store.Tenants()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var removedRuns []string
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		refs, err := m.store.ListRefs(tenant, "")
		if err != nil {
			logger.CtxError(ctx, "Retention: cannot list %s: %v", tenant, err)
			continue
		}
		for _, ref := range refs {
			if ref.Date >= cutoff {
				continue
			}
			snap, err := m.store.ReadStatus(ref)
			if err != nil {
				snap = &domain.Snapshot{TenantID: ref.TenantID, Date: ref.Date, Source: ref.Source, RunID: ref.RunID}
			}
			if err := m.store.ClearCurrent(ref); err != nil {
				logger.CtxWarn(ctx, "Retention: cannot clear pointer for %s: %v", ref, err)
			}
			if err := m.store.RemoveSnapshot(ref); err != nil {
				logger.CtxError(ctx, "Retention: cannot remove %s: %v", ref, err)
				result.Failed = append(result.Failed, ref)
				continue
			}
			result.Removed = append(result.Removed, snap)
			removedRuns = append(removedRuns, ref.RunID)
		}
	}

	if m.opts.History != nil && len(removedRuns) > 0 {
		if err := m.opts.History.MarkDeleted(ctx, removedRuns); err != nil {
			logger.CtxWarn(ctx, "Retention: history update failed: %v", err)
		}
	}
	logger.With(logger.Fields{"cutoff": cutoff}).WithCount(len(result.Removed)).Info(ctx, "Retention sweep finished")
	return result, nil
}

// record mirrors a snapshot into history; failures only log.
func (m *Manager) record(ctx context.Context, snap *domain.Snapshot) {
	if m.opts.History == nil {
		return
	}
	if err := m.opts.History.Upsert(ctx, domain.NewRefreshJob(snap)); err != nil {
		logger.CtxWarn(ctx, "History update failed: %v", err)
	}
}

func validateTarget(tenantID, source string) error {
	if err := domain.ValidateIdentifier("tenant", tenantID); err != nil {
		return err
	}
	return domain.ValidateIdentifier("source", source)
}
