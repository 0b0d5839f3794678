package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookmarked/rostercache/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBLockStore keeps locks in the snapshot_locks table. The primary key
// on (tenant_id, source) gives create-if-absent semantics.
type DBLockStore struct {
	db *gorm.DB
}

// NewDBLockStore creates a DBLockStore.
// Parameters:
//   - db: GORM database handle with the snapshot_locks table migrated.
// Returns:
//   - *DBLockStore: lock store instance.
func NewDBLockStore(db *gorm.DB) *DBLockStore {
	return &DBLockStore{db: db}
}

// Acquire inserts the lock row unless one exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - lock: lock to create.
// Returns:
//   - error: domain.ErrLockContention if a row already exists.
func (s *DBLockStore) Acquire(ctx context.Context, lock domain.Lock) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(domain.NewLockRecord(lock))
	if res.Error != nil {
		return fmt.Errorf("insert lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrLockContention
	}
	return nil
}

// Get returns the current lock or nil.
func (s *DBLockStore) Get(ctx context.Context, tenantID, source string) (*domain.Lock, error) {
	var rec domain.LockRecord
	err := s.db.WithContext(ctx).First(&rec, "tenant_id = ? AND source = ?", tenantID, source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	return rec.ToLock(), nil
}

// Replace deletes the observed stale row and inserts next in one
// transaction.
// Returns:
//   - error: domain.ErrLockContention if the stale row is already gone.
func (s *DBLockStore) Replace(ctx context.Context, stale, next domain.Lock) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("tenant_id = ? AND source = ? AND run_id = ?", stale.TenantID, stale.Source, stale.RunID).
			Delete(&domain.LockRecord{})
		if res.Error != nil {
			return fmt.Errorf("delete stale lock: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrLockContention
		}
		if err := tx.Create(domain.NewLockRecord(next)).Error; err != nil {
			return fmt.Errorf("insert lock: %w", err)
		}
		return nil
	})
}

// Release deletes the row if it belongs to lock.RunID.
func (s *DBLockStore) Release(ctx context.Context, lock domain.Lock) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source = ? AND run_id = ?", lock.TenantID, lock.Source, lock.RunID).
		Delete(&domain.LockRecord{})
	if res.Error != nil {
		return false, fmt.Errorf("release lock: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
