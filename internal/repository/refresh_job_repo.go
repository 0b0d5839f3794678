package repository

import (
	"context"
	"errors"

	"github.com/bookmarked/rostercache/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshJobRepository stores the history of snapshot runs.
type RefreshJobRepository struct {
	db *gorm.DB
}

// NewRefreshJobRepository creates a new RefreshJobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *RefreshJobRepository: repository instance bound to db.
func NewRefreshJobRepository(db *gorm.DB) *RefreshJobRepository {
	return &RefreshJobRepository{db: db}
}

// Upsert creates or updates the row for a run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: history row keyed by run id.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *RefreshJobRepository) Upsert(ctx context.Context, job *domain.RefreshJob) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "total_records", "api_calls", "duration_sec",
			"completed_at", "error_log", "updated_at",
		}),
	}).Create(job).Error
}

// GetByRunID retrieves one run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run identifier.
// Returns:
//   - *domain.RefreshJob: the row, or nil if none exists.
//   - error: non-nil if lookup fails.
func (r *RefreshJobRepository) GetByRunID(ctx context.Context, runID string) (*domain.RefreshJob, error) {
	var job domain.RefreshJob
	err := r.db.WithContext(ctx).First(&job, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByTarget returns the newest runs for a (tenant, source) pair.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant identifier.
//   - source: source tag.
//   - limit: maximum rows; non-positive means 20.
// Returns:
//   - []domain.RefreshJob: rows ordered newest first.
//   - error: non-nil if the query fails.
func (r *RefreshJobRepository) ListByTarget(ctx context.Context, tenantID, source string, limit int) ([]domain.RefreshJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []domain.RefreshJob
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND source = ?", tenantID, source).
		Order("started_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// MarkArchived flags a run as copied to object storage.
func (r *RefreshJobRepository) MarkArchived(ctx context.Context, runID string) error {
	return r.db.WithContext(ctx).Model(&domain.RefreshJob{}).
		Where("run_id = ?", runID).
		Update("archived", true).Error
}

// MarkDeleted flags runs removed by the retention sweep.
func (r *RefreshJobRepository) MarkDeleted(ctx context.Context, runIDs []string) error {
	if len(runIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.RefreshJob{}).
		Where("run_id IN ?", runIDs).
		Update("deleted", true).Error
}
