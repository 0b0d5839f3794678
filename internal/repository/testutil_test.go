package repository

import (
	"testing"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every pooled connection to :memory: would get its own database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func testSnapshot(runID string, started time.Time) *domain.Snapshot {
	return &domain.Snapshot{
		TenantID:  "district-9",
		Date:      started.Format(domain.SnapshotDateLayout),
		Source:    "roster-api",
		RunID:     runID,
		Status:    domain.StatusFetching,
		StartedAt: started,
		SessionID: "sess-1",
	}
}

func testLock(runID string, at time.Time) domain.Lock {
	return domain.Lock{
		TenantID:   "district-9",
		Source:     "roster-api",
		SessionID:  "sess-" + runID,
		RunID:      runID,
		Date:       at.Format(domain.SnapshotDateLayout),
		AcquiredAt: at,
	}
}
