package domain

import (
	"strings"
	"time"
)

// RefreshJob is the history row kept for every snapshot run. The
// filesystem remains authoritative; this table backs history queries.
type RefreshJob struct {
	RunID        string         `gorm:"type:text;primaryKey" json:"run_id"`
	TenantID     string         `gorm:"type:text;not null;index:idx_refresh_jobs_pair" json:"tenant_id"`
	Source       string         `gorm:"type:text;not null;index:idx_refresh_jobs_pair" json:"source"`
	SnapshotDate string         `gorm:"type:text;not null;index" json:"snapshot_date"`
	Status       SnapshotStatus `gorm:"type:text;not null" json:"status"`
	SessionID    string         `gorm:"type:text" json:"session_id"`
	TotalRecords int            `gorm:"default:0" json:"total_records"`
	APICalls     int            `gorm:"default:0" json:"api_calls"`
	DurationSec  float64        `gorm:"default:0" json:"duration_seconds"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorLog     string         `json:"error_log,omitempty"`
	Archived     bool           `gorm:"default:false" json:"archived"`
	Deleted      bool           `gorm:"default:false" json:"deleted"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TableName returns the database table name for RefreshJob.
func (RefreshJob) TableName() string {
	return "refresh_jobs"
}

// NewRefreshJob builds a history row from a snapshot.
func NewRefreshJob(s *Snapshot) *RefreshJob {
	job := &RefreshJob{
		RunID:        s.RunID,
		TenantID:     s.TenantID,
		Source:       s.Source,
		SnapshotDate: s.Date,
		Status:       s.Status,
		SessionID:    s.SessionID,
		TotalRecords: s.Stats.TotalRecords,
		APICalls:     s.Stats.APICalls,
		DurationSec:  s.Stats.DurationSeconds,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
		ErrorLog:     s.Error,
	}
	if job.ErrorLog == "" && len(s.Stats.Errors) > 0 {
		msgs := make([]string, 0, len(s.Stats.Errors))
		for _, e := range s.Stats.Errors {
			msgs = append(msgs, e.Message)
		}
		job.ErrorLog = strings.Join(msgs, "\n")
	}
	return job
}
