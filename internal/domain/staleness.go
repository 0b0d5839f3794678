package domain

import "time"

// Staleness is the age classification surfaced to callers.
type Staleness string

const (
	StalenessNone  Staleness = "none"
	StalenessFresh Staleness = "fresh"
	StalenessAging Staleness = "aging"
	StalenessStale Staleness = "stale"
)

// Default thresholds.
const (
	DefaultFreshWithin    = 24 * time.Hour
	DefaultStaleAfter     = 7 * 24 * time.Hour
	DefaultStaleLockAfter = 30 * time.Minute
	DefaultRetentionDays  = 30
)

// ClassifyStaleness buckets an age: fresh below freshWithin, stale above
// staleAfter, aging in between (both bounds inclusive).
func ClassifyStaleness(age, freshWithin, staleAfter time.Duration) Staleness {
	switch {
	case age < freshWithin:
		return StalenessFresh
	case age > staleAfter:
		return StalenessStale
	default:
		return StalenessAging
	}
}

// StatusReport answers get_status for one (tenant, source).
type StatusReport struct {
	TenantID  string        `json:"tenant_id"`
	Source    string        `json:"source"`
	Snapshot  *Snapshot     `json:"snapshot,omitempty"`
	Staleness Staleness     `json:"staleness"`
	Age       time.Duration `json:"-"`
	// Latest is the newest complete snapshot, which may differ from
	// Snapshot while a refresh is running or after one failed.
	Latest     *Snapshot `json:"latest_complete,omitempty"`
	InProgress *Lock     `json:"in_progress,omitempty"`
	Progress   *Progress `json:"progress,omitempty"`
}
