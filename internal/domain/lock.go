package domain

import "time"

// Lock is the mutual exclusion marker for one (tenant, source) pair.
type Lock struct {
	TenantID   string    `json:"tenant_id"`
	Source     string    `json:"source"`
	SessionID  string    `json:"session_id"`
	RunID      string    `json:"run_id"`
	Date       string    `json:"snapshot_date"`
	AcquiredAt time.Time `json:"acquired_at"`
	Host       string    `json:"host,omitempty"`
	PID        int       `json:"pid,omitempty"`
}

// Age returns how long ago the lock was taken.
func (l *Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// Stale reports whether the lock is older than window.
func (l *Lock) Stale(now time.Time, window time.Duration) bool {
	return l.Age(now) > window
}

// OwnedBy reports whether the lock belongs to the given run.
func (l *Lock) OwnedBy(sessionID, runID string) bool {
	return l.SessionID == sessionID && l.RunID == runID
}

// SnapshotRef returns the snapshot the lock holder is writing.
func (l *Lock) SnapshotRef() SnapshotRef {
	return SnapshotRef{TenantID: l.TenantID, Date: l.Date, Source: l.Source, RunID: l.RunID}
}

// LockRecord is the database row backing a Lock when locks live in SQL.
type LockRecord struct {
	TenantID   string    `gorm:"type:text;primaryKey" json:"tenant_id"`
	Source     string    `gorm:"type:text;primaryKey" json:"source"`
	SessionID  string    `gorm:"type:text;not null" json:"session_id"`
	RunID      string    `gorm:"type:text;not null;uniqueIndex" json:"run_id"`
	Date       string    `gorm:"type:text" json:"snapshot_date"`
	AcquiredAt time.Time `gorm:"not null" json:"acquired_at"`
	Host       string    `gorm:"type:text" json:"host,omitempty"`
	PID        int       `json:"pid,omitempty"`
}

// TableName returns the database table name for LockRecord.
func (LockRecord) TableName() string {
	return "snapshot_locks"
}

// ToLock converts the row into a Lock.
func (r *LockRecord) ToLock() *Lock {
	return &Lock{
		TenantID:   r.TenantID,
		Source:     r.Source,
		SessionID:  r.SessionID,
		RunID:      r.RunID,
		Date:       r.Date,
		AcquiredAt: r.AcquiredAt,
		Host:       r.Host,
		PID:        r.PID,
	}
}

// NewLockRecord converts a Lock into its database row.
func NewLockRecord(l Lock) *LockRecord {
	return &LockRecord{
		TenantID:   l.TenantID,
		Source:     l.Source,
		SessionID:  l.SessionID,
		RunID:      l.RunID,
		Date:       l.Date,
		AcquiredAt: l.AcquiredAt,
		Host:       l.Host,
		PID:        l.PID,
	}
}
