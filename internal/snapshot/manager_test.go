package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginRefreshContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-a")
	require.NoError(t, err)

	h.clock.Advance(8 * time.Minute)
	_, err = h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-b")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockContention)

	var busy *domain.AlreadyInProgressError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "sess-a", busy.SessionID)
	assert.Equal(t, 8*time.Minute, busy.Elapsed)

	snaps, err := h.manager.List(testTenant, testSource)
	require.NoError(t, err)
	assert.Len(t, snaps, 1, "contention must not create a second snapshot")
	assert.Equal(t, first.Ref.RunID, snaps[0].RunID)

	report, err := h.manager.GetStatus(ctx, testTenant, testSource)
	require.NoError(t, err)
	require.NotNil(t, report.InProgress)
	assert.Equal(t, "sess-a", report.InProgress.SessionID)
	assert.Equal(t, domain.StatusFetching, report.Snapshot.Status)
	assert.Equal(t, domain.StalenessNone, report.Staleness)
}

func TestBeginRefreshValidatesIdentifiers(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.BeginRefresh(context.Background(), "../etc", testSource, "s")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)
	_, err = h.manager.BeginRefresh(context.Background(), testTenant, testSource, "")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)
}

func TestStaleLockIsReclaimedAndOldRunAborts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old, err := h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-old")
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	_, err = h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-new")
	assert.ErrorIs(t, err, domain.ErrLockContention, "exactly 30 minutes is not yet stale")

	h.clock.Advance(time.Minute)
	fresh, err := h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-new")
	require.NoError(t, err)

	lock, err := h.locks.Get(ctx, testTenant, testSource)
	require.NoError(t, err)
	assert.Equal(t, fresh.Lock.RunID, lock.RunID)

	owns, err := h.manager.OwnsLock(ctx, old)
	require.NoError(t, err)
	assert.False(t, owns)

	superseded, err := h.fs.ReadStatus(old.Ref)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, superseded.Status)
	assert.Contains(t, superseded.Error, "superseded")

	pager := &fakePager{counts: map[domain.EntityType]int{domain.EntityStudents: 10}}
	err = h.orchestrator(pager, FetchOptions{PageSize: 5}).Run(ctx, old, []domain.EntityType{domain.EntityStudents})
	assert.ErrorIs(t, err, domain.ErrLockLost)
	assert.Empty(t, pager.calls, "superseded run must not fetch or write")

	files, err := h.fs.ArtifactFiles(old.Ref)
	require.NoError(t, err)
	assert.Empty(t, files)

	lock, err = h.locks.Get(ctx, testTenant, testSource)
	require.NoError(t, err)
	assert.Equal(t, fresh.Lock.RunID, lock.RunID, "abandoning must not touch the new lock")
}

func TestRunDetectsReclaimMidway(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old, err := h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-old")
	require.NoError(t, err)

	pager := &reclaimingPager{
		fakePager: fakePager{counts: map[domain.EntityType]int{domain.EntityStudents: 20}},
		onOffset:  10,
		reclaim: func() {
			h.clock.Advance(31 * time.Minute)
			_, err := h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-new")
			require.NoError(t, err)
		},
	}
	err = h.orchestrator(pager, FetchOptions{PageSize: 5, OwnershipCheckEvery: 1}).
		Run(ctx, old, []domain.EntityType{domain.EntityStudents})
	assert.ErrorIs(t, err, domain.ErrLockLost)
	assert.NotContains(t, pager.calls, 15, "no page is requested after ownership is lost")

	files, err := h.fs.ArtifactFiles(old.Ref)
	require.NoError(t, err)
	assert.Empty(t, files)
}

type reclaimingPager struct {
	fakePager
	onOffset int
	reclaim  func()
	done     bool
}

func (p *reclaimingPager) FetchPage(ctx context.Context, entity domain.EntityType, offset, limit int) (*source.Page, error) {
	page, err := p.fakePager.FetchPage(ctx, entity, offset, limit)
	if offset == p.onOffset && !p.done {
		p.done = true
		p.reclaim()
	}
	return page, err
}

func TestFailRefreshIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-1")
	require.NoError(t, err)
	w, err := NewEntityWriter(h.fs, handle.Ref, domain.EntityStudents)
	require.NoError(t, err)
	require.NoError(t, w.AppendPage(studentPage(0, 3)))
	require.NoError(t, w.Close())

	cause := errors.New("boom")
	for i := 0; i < 2; i++ {
		require.NoError(t, h.manager.FailRefresh(ctx, handle, domain.FetchStats{APICalls: 2}, cause))

		files, err := h.fs.ArtifactFiles(handle.Ref)
		require.NoError(t, err)
		assert.Empty(t, files)

		snap, err := h.fs.ReadStatus(handle.Ref)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, snap.Status)
		assert.Equal(t, "boom", snap.Error)
		assert.Len(t, snap.Stats.Errors, 1)
	}

	lock, err := h.locks.Get(ctx, testTenant, testSource)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestCompleteRefreshIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-1")
	require.NoError(t, err)
	w, err := NewEntityWriter(h.fs, handle.Ref, domain.EntityStudents)
	require.NoError(t, err)
	require.NoError(t, w.AppendPage(studentPage(0, 4)))
	entry, err := w.Finalize()
	require.NoError(t, err)

	manifest := map[domain.EntityType]domain.ManifestEntry{domain.EntityStudents: entry}
	stats := domain.FetchStats{APICalls: 1, TotalRecords: 4}
	require.NoError(t, h.manager.CompleteRefresh(ctx, handle, manifest, stats))
	require.NoError(t, h.manager.CompleteRefresh(ctx, handle, manifest, stats))

	snap, err := h.manager.LatestComplete(ctx, testTenant, testSource)
	require.NoError(t, err)
	assert.Equal(t, handle.Ref, snap.Ref())
	assert.Equal(t, 4, snap.Files[domain.EntityStudents].Rows)

	require.NoError(t, h.manager.FailRefresh(ctx, handle, domain.FetchStats{}, errors.New("late")))
	snap, err = h.fs.ReadStatus(handle.Ref)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, snap.Status, "a complete snapshot is immutable")
}

func TestCompleteRefreshRejectsMissingArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.BeginRefresh(ctx, testTenant, testSource, "sess-1")
	require.NoError(t, err)
	manifest := map[domain.EntityType]domain.ManifestEntry{domain.EntityClasses: {Rows: 2, FullRows: 2}}
	err = h.manager.CompleteRefresh(ctx, handle, manifest, domain.FetchStats{})
	require.Error(t, err)

	snap, err := h.fs.ReadStatus(handle.Ref)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFetching, snap.Status)
}

func TestGetStatusStaleness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pager := &fakePager{counts: map[domain.EntityType]int{domain.EntityStudents: 3}}

	_, err := h.refresh(t, pager, domain.EntityStudents)
	require.NoError(t, err)

	tests := []struct {
		advance time.Duration
		want    domain.Staleness
	}{
		{time.Hour, domain.StalenessFresh},
		{23 * time.Hour, domain.StalenessAging},
		{6 * 24 * time.Hour, domain.StalenessAging},
		{time.Second, domain.StalenessStale},
	}
	for _, tt := range tests {
		h.clock.Advance(tt.advance)
		report, err := h.manager.GetStatus(ctx, testTenant, testSource)
		require.NoError(t, err)
		assert.Equal(t, tt.want, report.Staleness, "age %s", report.Age)
		assert.Equal(t, 3, report.Latest.RecordCount())
		assert.Nil(t, report.InProgress)
	}
}

func TestRetentionSweepBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pager := &fakePager{counts: map[domain.EntityType]int{domain.EntityStudents: 2}}

	base := h.clock.Now()
	var handles []*Handle
	for _, daysAgo := range []int{31, 30, 0} {
		h.clock.now = base.AddDate(0, 0, -daysAgo)
		handle, err := h.refresh(t, pager, domain.EntityStudents)
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	h.clock.now = base

	result, err := h.manager.RunRetentionSweep(ctx)
	require.NoError(t, err)
	require.Len(t, result.Removed, 1)
	assert.Equal(t, handles[0].Ref, result.Removed[0].Ref())

	_, err = h.fs.ReadStatus(handles[0].Ref)
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	for _, kept := range handles[1:] {
		snap, err := h.fs.ReadStatus(kept.Ref)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusComplete, snap.Status)
	}

	result, err = h.manager.RunRetentionSweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Removed)
}

func TestLatestCompleteSurvivesDanglingPointer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pager := &fakePager{counts: map[domain.EntityType]int{domain.EntityStudents: 3}}

	handle, err := h.refresh(t, pager, domain.EntityStudents)
	require.NoError(t, err)

	dangling := handle.Ref
	dangling.RunID = "0190f000-0000-7000-8000-000000000000"
	require.NoError(t, h.fs.SetCurrent(dangling))

	snap, err := h.manager.LatestComplete(ctx, testTenant, testSource)
	require.NoError(t, err)
	assert.Equal(t, handle.Ref, snap.Ref())
}
