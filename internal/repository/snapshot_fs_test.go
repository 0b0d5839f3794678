package repository

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotFSStatusRoundTrip(t *testing.T) {
	fsys, err := NewSnapshotFS(t.TempDir())
	require.NoError(t, err)

	started := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	snap := testSnapshot("run-a", started)
	require.NoError(t, fsys.CreateSnapshot(snap))

	got, err := fsys.ReadStatus(snap.Ref())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFetching, got.Status)
	assert.True(t, got.StartedAt.Equal(started))

	done := started.Add(time.Minute)
	snap.Status = domain.StatusComplete
	snap.CompletedAt = &done
	snap.Files = map[domain.EntityType]domain.ManifestEntry{domain.EntityStudents: {Rows: 3, FullRows: 3}}
	require.NoError(t, fsys.WriteStatus(snap))

	got, err = fsys.ReadStatus(snap.Ref())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, got.Status)
	assert.Equal(t, 3, got.Files[domain.EntityStudents].Rows)
}

func TestSnapshotFSRejectsUnknownStatus(t *testing.T) {
	root := t.TempDir()
	fsys, err := NewSnapshotFS(root)
	require.NoError(t, err)

	snap := testSnapshot("run-a", time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, fsys.CreateSnapshot(snap))

	raw := `{"tenant_id":"district-9","snapshot_date":"2024-05-02","source":"roster-api","run_id":"run-a",
"status":"half-done","started_at":"2024-05-02T09:00:00Z","completed_at":null,"fetched_by_session":"s",
"files":{},"fetch_stats":{"total_api_calls":0,"total_records":0,"duration_seconds":0,"errors":null}}`
	path := filepath.Join(root, "district-9", "2024-05-02", "roster-api", "run-a", statusFileName)
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	_, err = fsys.ReadStatus(snap.Ref())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestDecodeSnapshotRejectsUnknownEntity(t *testing.T) {
	raw := `{"tenant_id":"t","snapshot_date":"2024-05-02","source":"s","run_id":"r","status":"fetching",
"started_at":"2024-05-02T09:00:00Z","completed_at":null,"fetched_by_session":"x",
"files":{"teachers":{"rows":1}},"fetch_stats":{}}`
	_, err := DecodeSnapshot([]byte(raw))
	assert.ErrorIs(t, err, domain.ErrInvalidSnapshot)
}

func TestSnapshotFSRemoveArtifactsIsIdempotent(t *testing.T) {
	fsys, err := NewSnapshotFS(t.TempDir())
	require.NoError(t, err)
	snap := testSnapshot("run-a", time.Now().UTC())
	require.NoError(t, fsys.CreateSnapshot(snap))

	idx, full, err := fsys.CreateArtifacts(snap.Ref(), domain.EntityStudents)
	require.NoError(t, err)
	idx.Close()
	full.Close()

	files, err := fsys.ArtifactFiles(snap.Ref())
	require.NoError(t, err)
	assert.Len(t, files, 2)

	for i := 0; i < 2; i++ {
		require.NoError(t, fsys.RemoveArtifacts(snap.Ref()))
		files, err = fsys.ArtifactFiles(snap.Ref())
		require.NoError(t, err)
		assert.Empty(t, files)
	}

	_, err = fsys.ReadStatus(snap.Ref())
	assert.NoError(t, err, "status record survives artifact removal")
}

func TestSnapshotFSListAndCurrent(t *testing.T) {
	fsys, err := NewSnapshotFS(t.TempDir())
	require.NoError(t, err)

	older := testSnapshot("run-a", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	newer := testSnapshot("run-b", time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC))
	require.NoError(t, fsys.CreateSnapshot(older))
	require.NoError(t, fsys.CreateSnapshot(newer))

	list, err := fsys.List("district-9", "roster-api")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-b", list[0].RunID)

	tenants, err := fsys.Tenants()
	require.NoError(t, err)
	assert.Equal(t, []string{"district-9"}, tenants)

	cur, err := fsys.Current("district-9", "roster-api")
	require.NoError(t, err)
	assert.Nil(t, cur)

	require.NoError(t, fsys.SetCurrent(older.Ref()))
	cur, err = fsys.Current("district-9", "roster-api")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, older.Ref(), *cur)

	require.NoError(t, fsys.ClearCurrent(newer.Ref()))
	cur, _ = fsys.Current("district-9", "roster-api")
	assert.NotNil(t, cur, "clearing a different ref keeps the pointer")

	require.NoError(t, fsys.RemoveSnapshot(older.Ref()))
	require.NoError(t, fsys.ClearCurrent(older.Ref()))
	cur, _ = fsys.Current("district-9", "roster-api")
	assert.Nil(t, cur)

	refs, err := fsys.ListRefs("district-9", "")
	require.NoError(t, err)
	assert.Equal(t, []domain.SnapshotRef{newer.Ref()}, refs)
}
