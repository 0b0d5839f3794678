package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/snapshot"
)

// HistoryReader lists recorded runs.
type HistoryReader interface {
	ListByTarget(ctx context.Context, tenantID, source string, limit int) ([]domain.RefreshJob, error)
}

// ErrShuttingDown rejects refreshes once Shutdown has begun.
var ErrShuttingDown = errors.New("service is shutting down")

// SnapshotServiceConfig wires a SnapshotService.
type SnapshotServiceConfig struct {
	Manager   *snapshot.Manager
	Engine    *snapshot.Engine
	Artifacts snapshot.ArtifactStore
	Pagers    PagerFactory
	// Archiver and History are optional.
	Archiver    *Archiver
	History     HistoryReader
	Fetch       snapshot.FetchOptions
	Entities    []domain.EntityType
	SearchLimit int
}

// SnapshotService is the entry point used by the HTTP layer and the
// command line. It starts refreshes in the background and answers
// queries from the newest complete snapshot.
type SnapshotService struct {
	cfg SnapshotServiceConfig

	// runCtx parents every background refresh; cancelRuns aborts them.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]*snapshot.Handle
	closed  bool
}

// NewSnapshotService creates a SnapshotService.
func NewSnapshotService(cfg SnapshotServiceConfig) *SnapshotService {
	if len(cfg.Entities) == 0 {
		cfg.Entities = domain.AllEntityTypes()
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = snapshot.DefaultSearchLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SnapshotService{
		cfg:        cfg,
		runCtx:     ctx,
		cancelRuns: cancel,
		running:    make(map[string]*snapshot.Handle),
	}
}

// RefreshTicket describes a refresh that was started.
type RefreshTicket struct {
	TenantID  string              `json:"tenant_id"`
	Source    string              `json:"source"`
	RunID     string              `json:"run_id"`
	Date      string              `json:"snapshot_date"`
	SessionID string              `json:"session_id"`
	StartedAt time.Time           `json:"started_at"`
	Entities  []domain.EntityType `json:"entities"`
}

// Status reports the state of a (tenant, source) pair.
func (s *SnapshotService) Status(ctx context.Context, tenantID, source string) (*domain.StatusReport, error) {
	return s.cfg.Manager.GetStatus(ctx, tenantID, source)
}

// Refresh starts a refresh in the background and returns once the lock
// is held. Concurrent requests for the same pair get an
// *domain.AlreadyInProgressError.
func (s *SnapshotService) Refresh(ctx context.Context, tenantID, source, sessionID string, entities []domain.EntityType) (*RefreshTicket, error) {
	handle, run, err := s.begin(ctx, tenantID, source, sessionID, entities)
	if err != nil {
		return nil, err
	}
	ticket := s.ticket(handle, run.entities)

	runCtx := s.detach(ctx)
	go func() {
		defer s.wg.Done()
		defer s.forget(handle)
		if err := s.execute(runCtx, handle, run); err != nil {
			logger.CtxWarn(runCtx, "Background refresh ended without a snapshot: %v", err)
		}
	}()
	return ticket, nil
}

// RefreshAndWait runs a refresh in the caller's goroutine. Shutdown
// waits for it and cancels it past its deadline.
func (s *SnapshotService) RefreshAndWait(ctx context.Context, tenantID, source, sessionID string, entities []domain.EntityType) (*domain.Snapshot, error) {
	handle, run, err := s.begin(ctx, tenantID, source, sessionID, entities)
	if err != nil {
		return nil, err
	}
	defer s.wg.Done()
	defer s.forget(handle)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()

	if err := s.execute(ctx, handle, run); err != nil {
		return nil, err
	}
	return s.cfg.Manager.Snapshot(handle.Ref)
}

type pendingRun struct {
	orchestrator *snapshot.Orchestrator
	entities     []domain.EntityType
}

// begin takes the lock for a run and registers it with the shutdown
// wait group. On success the caller owes one s.wg.Done.
func (s *SnapshotService) begin(ctx context.Context, tenantID, source, sessionID string, entities []domain.EntityType) (*snapshot.Handle, *pendingRun, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	handle, run, err := s.prepare(ctx, tenantID, source, sessionID, entities)
	if err != nil {
		s.wg.Done()
		return nil, nil, err
	}
	return handle, run, nil
}

func (s *SnapshotService) prepare(ctx context.Context, tenantID, source, sessionID string, entities []domain.EntityType) (*snapshot.Handle, *pendingRun, error) {
	if len(entities) == 0 {
		entities = s.cfg.Entities
	}
	pager, err := s.cfg.Pagers.NewPager(ctx, tenantID, source)
	if err != nil {
		return nil, nil, err
	}
	handle, err := s.cfg.Manager.BeginRefresh(ctx, tenantID, source, sessionID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.running[handle.Ref.RunID] = handle
	s.mu.Unlock()

	return handle, &pendingRun{
		orchestrator: snapshot.NewOrchestrator(s.cfg.Manager, pager, s.cfg.Artifacts, s.cfg.Fetch),
		entities:     entities,
	}, nil
}

func (s *SnapshotService) execute(ctx context.Context, handle *snapshot.Handle, run *pendingRun) error {
	if err := run.orchestrator.Run(ctx, handle, run.entities); err != nil {
		return err
	}
	if s.cfg.Archiver == nil {
		return nil
	}
	snap, err := s.cfg.Manager.Snapshot(handle.Ref)
	if err != nil {
		logger.CtxError(ctx, "Archive skipped, snapshot unreadable: %v", err)
		return nil
	}
	if err := s.cfg.Archiver.Archive(context.WithoutCancel(ctx), snap); err != nil {
		logger.CtxError(ctx, "Archive failed for %s: %v", handle.Ref, err)
	}
	return nil
}

// detach carries the request's log fields onto the service's run
// context, so the run survives the request but not Shutdown.
func (s *SnapshotService) detach(ctx context.Context) context.Context {
	return logger.FromContext(ctx).WithContext(s.runCtx)
}

func (s *SnapshotService) forget(handle *snapshot.Handle) {
	s.mu.Lock()
	delete(s.running, handle.Ref.RunID)
	s.mu.Unlock()
}

func (s *SnapshotService) ticket(h *snapshot.Handle, entities []domain.EntityType) *RefreshTicket {
	return &RefreshTicket{
		TenantID:  h.Ref.TenantID,
		Source:    h.Ref.Source,
		RunID:     h.Ref.RunID,
		Date:      h.Ref.Date,
		SessionID: h.SessionID(),
		StartedAt: h.Lock.AcquiredAt,
		Entities:  entities,
	}
}

// Running returns the number of refreshes this process is executing.
func (s *SnapshotService) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// SearchQuery selects rows of one entity. Field and Exact together ask
// for an exact match on one column; otherwise Term is matched as a
// substring against Fields or the entity's default columns.
type SearchQuery struct {
	Term   string
	Fields []string
	Field  string
	Exact  string
	Limit  int
}

// SearchResult carries the matched rows and the snapshot they came from.
type SearchResult struct {
	Snapshot  *domain.Snapshot  `json:"snapshot"`
	Staleness domain.Staleness  `json:"staleness"`
	Entity    domain.EntityType `json:"entity_type"`
	Records   []snapshot.Record `json:"records"`
	Total     int               `json:"total"`
}

// Search queries the newest complete snapshot. A refresh in progress or
// a failed one never hides the previous complete snapshot.
func (s *SnapshotService) Search(ctx context.Context, tenantID, source string, entity domain.EntityType, q SearchQuery) (*SearchResult, error) {
	for _, f := range append(append([]string(nil), q.Fields...), q.Field) {
		if f != "" && !entity.HasColumn(f) {
			return nil, fmt.Errorf("%w: %s has no column %q", domain.ErrInvalidIdentifier, entity, f)
		}
	}
	snap, staleness, err := s.latest(ctx, tenantID, source)
	if err != nil {
		return nil, err
	}

	var pred snapshot.Predicate
	if q.Field != "" {
		pred = snapshot.MatchExact(q.Field, q.Exact)
	} else {
		pred = snapshot.MatchTerm(entity, q.Term, q.Fields...)
	}
	limit := q.Limit
	if limit <= 0 || limit > s.cfg.SearchLimit {
		limit = s.cfg.SearchLimit
	}
	records, err := s.cfg.Engine.Search(ctx, snap, entity, pred, limit)
	if err != nil {
		return nil, err
	}
	return &SearchResult{
		Snapshot:  snap,
		Staleness: staleness,
		Entity:    entity,
		Records:   records,
		Total:     len(records),
	}, nil
}

// FullRecord returns the full payload of one record.
func (s *SnapshotService) FullRecord(ctx context.Context, tenantID, source string, entity domain.EntityType, id string) (json.RawMessage, *domain.Snapshot, error) {
	snap, _, err := s.latest(ctx, tenantID, source)
	if err != nil {
		return nil, nil, err
	}
	raw, err := s.cfg.Engine.GetFullRecord(ctx, snap, entity, id)
	if err != nil {
		return nil, nil, err
	}
	return raw, snap, nil
}

// Relationships resolves the linked records of one record.
func (s *SnapshotService) Relationships(ctx context.Context, tenantID, source string, entity domain.EntityType, id string) (*snapshot.Relationships, *domain.Snapshot, error) {
	snap, _, err := s.latest(ctx, tenantID, source)
	if err != nil {
		return nil, nil, err
	}
	rel, err := s.cfg.Engine.ResolveRelationships(ctx, snap, entity, id)
	if err != nil {
		var integrity *domain.IntegrityError
		if errors.As(err, &integrity) {
			logger.With(logger.Fields{
				logger.FieldTenantID:   tenantID,
				logger.FieldSource:     source,
				logger.FieldEntityType: string(integrity.Entity),
			}).Warn(ctx, "Relationship lookup refused: %v", err)
		}
		return nil, snap, err
	}
	return rel, snap, nil
}

func (s *SnapshotService) latest(ctx context.Context, tenantID, source string) (*domain.Snapshot, domain.Staleness, error) {
	report, err := s.cfg.Manager.GetStatus(ctx, tenantID, source)
	if err != nil {
		return nil, "", err
	}
	if report.Latest == nil {
		return nil, domain.StalenessNone, domain.ErrSnapshotUnavailable
	}
	return report.Latest, report.Staleness, nil
}

// History lists recent runs, from the history table when configured and
// from the snapshot directory otherwise.
func (s *SnapshotService) History(ctx context.Context, tenantID, source string, limit int) ([]domain.RefreshJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if s.cfg.History != nil {
		if err := domain.ValidateIdentifier("tenant", tenantID); err != nil {
			return nil, err
		}
		return s.cfg.History.ListByTarget(ctx, tenantID, source, limit)
	}
	snaps, err := s.cfg.Manager.List(tenantID, source)
	if err != nil {
		return nil, err
	}
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	jobs := make([]domain.RefreshJob, 0, len(snaps))
	for _, snap := range snaps {
		jobs = append(jobs, *domain.NewRefreshJob(snap))
	}
	return jobs, nil
}

// SweepReport summarizes one retention sweep.
type SweepReport struct {
	Cutoff          string               `json:"cutoff"`
	Removed         []domain.SnapshotRef `json:"removed"`
	Failed          []domain.SnapshotRef `json:"failed,omitempty"`
	ArchiveFailures int                  `json:"archive_failures,omitempty"`
}

// Sweep applies the retention policy locally and to the archive.
func (s *SnapshotService) Sweep(ctx context.Context) (*SweepReport, error) {
	result, err := s.cfg.Manager.RunRetentionSweep(ctx)
	if result == nil {
		return nil, err
	}
	report := &SweepReport{Cutoff: result.Cutoff, Removed: []domain.SnapshotRef{}, Failed: result.Failed}
	for _, snap := range result.Removed {
		ref := snap.Ref()
		report.Removed = append(report.Removed, ref)
		if s.cfg.Archiver == nil {
			continue
		}
		if err := s.cfg.Archiver.Delete(ctx, ref); err != nil {
			report.ArchiveFailures++
			logger.CtxError(ctx, "Retention: archived copy of %s not deleted: %v", ref, err)
		}
	}
	return report, err
}

// Shutdown stops accepting refreshes and waits for running ones. When
// ctx expires first the runs are cancelled, which fails their snapshots
// and releases their locks, and Shutdown waits for that cleanup.
func (s *SnapshotService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRuns()
		return nil
	case <-ctx.Done():
		logger.Warn("Shutdown deadline reached with %d refreshes running, cancelling", s.Running())
		s.cancelRuns()
		<-done
		return ctx.Err()
	}
}
