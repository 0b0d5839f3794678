package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/source"
)

// Lifecycle is the part of the Manager a fetch run reports to.
type Lifecycle interface {
	OwnsLock(ctx context.Context, h *Handle) (bool, error)
	UpdateProgress(h *Handle, p domain.Progress) error
	CompleteRefresh(ctx context.Context, h *Handle, manifest map[domain.EntityType]domain.ManifestEntry, stats domain.FetchStats) error
	FailRefresh(ctx context.Context, h *Handle, stats domain.FetchStats, cause error) error
	Abandon(ctx context.Context, h *Handle, cause error)
}

// FetchOptions tunes pagination, retry and budgets.
type FetchOptions struct {
	PageSize            int
	MaxAttempts         int
	RequestTimeout      time.Duration
	RunBudget           time.Duration
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	PageDelay           time.Duration
	OwnershipCheckEvery int
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.PageSize <= 0 {
		o.PageSize = 500
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.RunBudget <= 0 {
		o.RunBudget = 30 * time.Minute
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	if o.OwnershipCheckEvery <= 0 {
		o.OwnershipCheckEvery = 5
	}
	return o
}

// Orchestrator pulls entity listings page by page into the writers. One
// Orchestrator serves one run; pages are fetched and written strictly in
// sequence.
type Orchestrator struct {
	lifecycle Lifecycle
	pager     source.Pager
	artifacts ArtifactStore
	opts      FetchOptions
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(lifecycle Lifecycle, pager source.Pager, artifacts ArtifactStore, opts FetchOptions) *Orchestrator {
	return &Orchestrator{
		lifecycle: lifecycle,
		pager:     pager,
		artifacts: artifacts,
		opts:      opts.withDefaults(),
		sleep:     sleepCtx,
	}
}

// runState accumulates counters across entities.
type runState struct {
	handle   *Handle
	stats    domain.FetchStats
	progress domain.Progress
	pages    int
}

// Run fetches every entity for h and completes or fails the snapshot.
// The returned error is the reason the run did not complete.
func (o *Orchestrator) Run(ctx context.Context, h *Handle, entities []domain.EntityType) error {
	ctx = logger.SetRun(logger.SetTarget(ctx, h.Ref.TenantID, h.Ref.Source), h.Ref.RunID, h.SessionID())
	ctx = logger.SetComponent(ctx, "orchestrator")
	// Cleanup must run even if the caller's context is gone.
	cleanupCtx := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithTimeout(ctx, o.opts.RunBudget)
	defer cancel()

	start := time.Now()
	st := &runState{handle: h, progress: domain.Progress{RunID: h.Ref.RunID}}
	manifest := make(map[domain.EntityType]domain.ManifestEntry, len(entities))

	if owns, err := o.lifecycle.OwnsLock(runCtx, h); err != nil || !owns {
		if err == nil {
			err = domain.ErrLockLost
		}
		return o.fail(cleanupCtx, h, st, err)
	}

	for _, entity := range entities {
		entry, err := o.fetchEntity(runCtx, h, entity, st)
		if err != nil {
			st.stats.DurationSeconds = time.Since(start).Seconds()
			return o.fail(cleanupCtx, h, st, err)
		}
		manifest[entity] = entry
	}

	st.stats.DurationSeconds = time.Since(start).Seconds()
	if err := o.lifecycle.CompleteRefresh(cleanupCtx, h, manifest, st.stats); err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			return err
		}
		return o.fail(cleanupCtx, h, st, err)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, h *Handle, st *runState, err error) error {
	if errors.Is(err, domain.ErrLockLost) {
		o.lifecycle.Abandon(ctx, h, err)
		return err
	}
	if failErr := o.lifecycle.FailRefresh(ctx, h, st.stats, err); failErr != nil {
		logger.CtxError(ctx, "Failed to record refresh failure: %v", failErr)
	}
	return err
}

func (o *Orchestrator) fetchEntity(ctx context.Context, h *Handle, entity domain.EntityType, st *runState) (domain.ManifestEntry, error) {
	ctx = logger.SetEntity(ctx, string(entity))
	start := time.Now()

	w, err := NewEntityWriter(o.artifacts, h.Ref, entity)
	if err != nil {
		return domain.ManifestEntry{}, fmt.Errorf("open %s artifacts: %w", entity, err)
	}
	defer w.Close()

	st.progress.Entity = entity
	st.progress.EntityRecords = 0
	st.progress.EstimatedTotal = 0

	offset, entityPages := 0, 0
	for {
		if err := o.budgetErr(ctx); err != nil {
			return domain.ManifestEntry{}, err
		}
		if st.pages > 0 && st.pages%o.opts.OwnershipCheckEvery == 0 {
			owns, err := o.lifecycle.OwnsLock(ctx, h)
			if err != nil {
				return domain.ManifestEntry{}, fmt.Errorf("check lock ownership: %w", err)
			}
			if !owns {
				return domain.ManifestEntry{}, domain.ErrLockLost
			}
		}

		page, err := o.fetchWithRetry(ctx, entity, offset, st)
		if err != nil {
			return domain.ManifestEntry{}, err
		}
		if page == nil {
			return domain.ManifestEntry{}, &domain.FetchError{Entity: entity, Offset: offset, Attempts: 1,
				Err: errors.New("pager returned no page")}
		}
		if err := w.AppendPage(page.Records); err != nil {
			return domain.ManifestEntry{}, fmt.Errorf("persist %s page at offset %d: %w", entity, offset, err)
		}

		n := len(page.Records)
		offset += n
		entityPages++
		st.pages++
		st.stats.TotalRecords += n
		st.progress.EntityRecords += n
		st.progress.TotalRecords += n
		st.progress.Pages = st.pages
		st.progress.APICalls = st.stats.APICalls
		if page.Total >= 0 {
			st.progress.EstimatedTotal = page.Total
		}
		if err := o.lifecycle.UpdateProgress(h, st.progress); err != nil {
			logger.CtxWarn(ctx, "Progress update failed: %v", err)
		}
		logger.With(logger.Fields{logger.FieldOffset: offset, "page": entityPages}).
			WithCount(n).Debug(ctx, "Page persisted")

		if !page.HasMore || n < o.opts.PageSize {
			break
		}
		if o.opts.PageDelay > 0 {
			if err := o.sleep(ctx, o.opts.PageDelay); err != nil {
				return domain.ManifestEntry{}, o.stopErr(ctx, err)
			}
		}
	}

	entry, err := w.Finalize()
	if err != nil {
		return domain.ManifestEntry{}, err
	}
	logger.With(logger.Fields{"pages": entityPages}).
		WithCount(entry.Rows).
		WithSize(entry.IndexedBytes + entry.FullBytes).
		WithDuration(time.Since(start)).
		Info(ctx, "Entity fetched")
	return entry, nil
}

// fetchWithRetry requests one page, retrying transient failures with
// capped exponential backoff.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, entity domain.EntityType, offset int, st *runState) (*source.Page, error) {
	var last *domain.FetchError
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
		page, err := o.pager.FetchPage(reqCtx, entity, offset, o.opts.PageSize)
		reqErr := reqCtx.Err()
		cancel()
		st.stats.APICalls++

		if err == nil {
			return page, nil
		}
		if budget := o.budgetErr(ctx); budget != nil {
			return nil, budget
		}

		last = classify(err, entity, offset, reqErr)
		last.Attempts = attempt
		st.stats.AddError(time.Now(), last.Error())

		if !last.Transient {
			return nil, last
		}
		logger.With(logger.Fields{logger.FieldOffset: offset, logger.FieldAttempt: attempt}).
			Warn(ctx, "Transient fetch failure: %v", err)

		if attempt == o.opts.MaxAttempts {
			break
		}
		if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
			return nil, o.stopErr(ctx, err)
		}
	}

	return nil, &domain.FetchError{
		Entity:     entity,
		Offset:     offset,
		Attempts:   o.opts.MaxAttempts,
		StatusCode: last.StatusCode,
		Transient:  false,
		Err:        fmt.Errorf("retries exhausted: %w", last.Err),
	}
}

// classify turns any pager error into a FetchError. A per-request
// deadline counts as a transient timeout.
func classify(err error, entity domain.EntityType, offset int, reqErr error) *domain.FetchError {
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		out := *fe
		out.Entity, out.Offset = entity, offset
		if errors.Is(reqErr, context.DeadlineExceeded) {
			out.Transient = true
		}
		return &out
	}
	transient := errors.Is(err, context.DeadlineExceeded) || errors.Is(reqErr, context.DeadlineExceeded)
	return &domain.FetchError{Entity: entity, Offset: offset, Transient: transient, Err: err}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.opts.RetryBaseDelay << (attempt - 1)
	if d > o.opts.RetryMaxDelay || d <= 0 {
		d = o.opts.RetryMaxDelay
	}
	return d
}

// budgetErr reports the run budget or caller cancellation, if either hit.
func (o *Orchestrator) budgetErr(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w (%s)", domain.ErrFetchTimeout, o.opts.RunBudget)
	default:
		return fmt.Errorf("refresh cancelled: %w", err)
	}
}

func (o *Orchestrator) stopErr(ctx context.Context, err error) error {
	if budget := o.budgetErr(ctx); budget != nil {
		return budget
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
