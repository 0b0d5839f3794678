package repository

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockStore interface {
	Acquire(ctx context.Context, lock domain.Lock) error
	Get(ctx context.Context, tenantID, source string) (*domain.Lock, error)
	Replace(ctx context.Context, stale, next domain.Lock) error
	Release(ctx context.Context, lock domain.Lock) (bool, error)
}

func lockStores(t *testing.T) map[string]lockStore {
	fsys, err := NewSnapshotFS(t.TempDir())
	require.NoError(t, err)
	return map[string]lockStore{
		"file": NewFileLockStore(fsys),
		"db":   NewDBLockStore(openTestDB(t)),
	}
}

func TestLockStores(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	for name, store := range lockStores(t) {
		t.Run(name+"/acquire is exclusive", func(t *testing.T) {
			first := testLock("run-1", now)
			require.NoError(t, store.Acquire(ctx, first))
			err := store.Acquire(ctx, testLock("run-2", now))
			assert.ErrorIs(t, err, domain.ErrLockContention)

			got, err := store.Get(ctx, "district-9", "roster-api")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "run-1", got.RunID)
			assert.True(t, got.AcquiredAt.Equal(now))

			released, err := store.Release(ctx, testLock("run-2", now))
			require.NoError(t, err)
			assert.False(t, released, "a run cannot release a lock it does not hold")

			released, err = store.Release(ctx, first)
			require.NoError(t, err)
			assert.True(t, released)

			got, err = store.Get(ctx, "district-9", "roster-api")
			require.NoError(t, err)
			assert.Nil(t, got)
		})

		t.Run(name+"/replace only the observed lock", func(t *testing.T) {
			stale := testLock("run-old", now.Add(-time.Hour))
			require.NoError(t, store.Acquire(ctx, stale))

			next := testLock("run-new", now)
			require.NoError(t, store.Replace(ctx, stale, next))

			err := store.Replace(ctx, stale, testLock("run-other", now))
			assert.ErrorIs(t, err, domain.ErrLockContention)

			got, err := store.Get(ctx, "district-9", "roster-api")
			require.NoError(t, err)
			assert.Equal(t, "run-new", got.RunID)

			released, err := store.Release(ctx, stale)
			require.NoError(t, err)
			assert.False(t, released, "superseded run must not release the new lock")

			_, err = store.Release(ctx, next)
			require.NoError(t, err)
		})

		t.Run(name+"/concurrent acquire has one winner", func(t *testing.T) {
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					l := testLock("race-"+string(rune('a'+i)), now)
					if err := store.Acquire(ctx, l); err == nil {
						atomic.AddInt32(&wins, 1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)

			got, err := store.Get(ctx, "district-9", "roster-api")
			require.NoError(t, err)
			_, err = store.Release(ctx, *got)
			require.NoError(t, err)
		})
	}
}

func TestFileLockStoreCorruptLockAges(t *testing.T) {
	fsys, err := NewSnapshotFS(t.TempDir())
	require.NoError(t, err)
	store := NewFileLockStore(fsys)

	path := fsys.LockPath("district-9", "roster-api")
	require.NoError(t, os.MkdirAll(fsys.Root()+"/district-9/.locks", 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	got, err := store.Get(context.Background(), "district-9", "roster-api")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.WithinDuration(t, old, got.AcquiredAt, time.Second)

	require.NoError(t, store.Replace(context.Background(), *got, testLock("run-new", time.Now())))
}

func TestFileLockStoreBreaksAbandonedGuard(t *testing.T) {
	fsys, err := NewSnapshotFS(t.TempDir())
	require.NoError(t, err)
	store := NewFileLockStore(fsys)

	lock := testLock("run-1", time.Now())
	require.NoError(t, store.Acquire(context.Background(), lock))

	guard := fsys.LockPath("district-9", "roster-api") + ".guard"
	require.NoError(t, os.WriteFile(guard, nil, 0o644))
	old := time.Now().Add(-5 * time.Minute)
	require.NoError(t, os.Chtimes(guard, old, old))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	released, err := store.Release(ctx, lock)
	require.NoError(t, err)
	assert.True(t, released)
}
