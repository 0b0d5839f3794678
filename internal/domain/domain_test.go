package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotStatusText(t *testing.T) {
	for _, s := range []SnapshotStatus{StatusFetching, StatusComplete, StatusFailed} {
		got, err := ParseSnapshotStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	var s SnapshotStatus
	err := json.Unmarshal([]byte(`"done"`), &s)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = json.Marshal(SnapshotStatus("pending"))
	assert.Error(t, err)

	assert.False(t, StatusFetching.Terminal())
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestEntityTypeParsing(t *testing.T) {
	tests := []struct {
		in      string
		want    EntityType
		wantErr bool
	}{
		{"students", EntityStudents, false},
		{" Parents ", EntityParents, false},
		{"guardians", EntityParents, false},
		{"schools", EntitySchools, false},
		{"teachers", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEntityType(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownEntity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	list, err := ParseEntityTypes([]string{"parents", "guardians", "classes"})
	require.NoError(t, err)
	assert.Equal(t, []EntityType{EntityParents, EntityClasses}, list)
}

func TestEntityTypeMapKeysAreStrict(t *testing.T) {
	var files map[EntityType]ManifestEntry
	require.NoError(t, json.Unmarshal([]byte(`{"students":{"rows":1}}`), &files))
	assert.Equal(t, 1, files[EntityStudents].Rows)

	err := json.Unmarshal([]byte(`{"guardians":{"rows":1}}`), &files)
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestEntityColumns(t *testing.T) {
	cols := EntityStudents.Columns()
	cols[0] = "mutated"
	assert.Equal(t, "sourcedId", EntityStudents.Columns()[0])
	assert.True(t, EntityParents.HasColumn("role"))
	assert.False(t, EntityClasses.HasColumn("email"))

	rel, ok := RelationFor(EntityParents)
	require.True(t, ok)
	assert.Equal(t, EntityStudents, rel.To)
	_, ok = RelationFor(EntitySchools)
	assert.False(t, ok)
}

func TestClassifyStaleness(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want Staleness
	}{
		{0, StalenessFresh},
		{23*time.Hour + 59*time.Minute, StalenessFresh},
		{24 * time.Hour, StalenessAging},
		{168 * time.Hour, StalenessAging},
		{168*time.Hour + time.Second, StalenessStale},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStaleness(tt.age, DefaultFreshWithin, DefaultStaleAfter), tt.age.String())
	}
}

func TestLockStaleness(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	lock := Lock{SessionID: "s", RunID: "r", AcquiredAt: now.Add(-30 * time.Minute)}
	assert.False(t, lock.Stale(now, DefaultStaleLockAfter))
	assert.True(t, lock.Stale(now.Add(time.Second), DefaultStaleLockAfter))
	assert.True(t, lock.OwnedBy("s", "r"))
	assert.False(t, lock.OwnedBy("s", "other"))

	rec := NewLockRecord(lock)
	assert.Equal(t, lock, *rec.ToLock())
}

func TestSnapshotValidate(t *testing.T) {
	now := time.Now().UTC()
	valid := Snapshot{TenantID: "t", Date: "2024-06-15", Source: "s", RunID: "r", Status: StatusFetching, StartedAt: now}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Date = "15/06/2024"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSnapshot)

	bad = valid
	bad.Status = StatusComplete
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSnapshot)

	bad = valid
	bad.Status = "archived"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidStatus)
}

func TestSnapshotAge(t *testing.T) {
	start := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	done := start.Add(20 * time.Minute)
	s := Snapshot{StartedAt: start}
	assert.Equal(t, time.Hour, s.Age(start.Add(time.Hour)))
	s.CompletedAt = &done
	assert.Equal(t, 40*time.Minute, s.Age(start.Add(time.Hour)))
	assert.Zero(t, s.Age(start))
}

func TestErrorKinds(t *testing.T) {
	busy := error(&AlreadyInProgressError{SessionID: "sess", Elapsed: 90 * time.Second})
	assert.ErrorIs(t, busy, ErrLockContention)
	assert.Contains(t, busy.Error(), "sess")

	cause := errors.New("503")
	transient := &FetchError{Entity: EntityStudents, Offset: 500, Transient: true, Err: cause}
	assert.ErrorIs(t, transient, ErrTransientFetch)
	assert.NotErrorIs(t, transient, ErrFatalFetch)
	assert.ErrorIs(t, transient, cause)

	fatal := fmt.Errorf("wrapped: %w", &FetchError{Entity: EntityStudents, Offset: 500, Attempts: 3, StatusCode: 503})
	assert.ErrorIs(t, fatal, ErrFatalFetch)
	assert.Contains(t, fatal.Error(), "students at offset 500 after 3 attempts (HTTP 503)")

	integrity := &IntegrityError{Entity: EntityParents, IndexedRows: 3, FullRows: 2, ManifestRows: 3}
	assert.ErrorIs(t, integrity, ErrIntegrityMismatch)
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("tenant", "district-9"))
	assert.NoError(t, ValidateIdentifier("source", DefaultSource))
	for _, bad := range []string{"", "../x", "a/b", "-lead", "has space"} {
		assert.ErrorIs(t, ValidateIdentifier("tenant", bad), ErrInvalidIdentifier, bad)
	}
}

func TestNewRefreshJob(t *testing.T) {
	s := &Snapshot{TenantID: "t", Date: "2024-06-15", Source: "s", RunID: "r", Status: StatusFailed}
	s.Stats.AddError(time.Now(), "first")
	s.Stats.AddError(time.Now(), "second")
	job := NewRefreshJob(s)
	assert.Equal(t, "r", job.RunID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "first\nsecond", job.ErrorLog)
}
