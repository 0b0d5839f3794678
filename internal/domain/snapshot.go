package domain

import (
	"fmt"
	"sort"
	"time"
)

// SnapshotStatus is the lifecycle state of a snapshot.
// A snapshot starts in StatusFetching and moves exactly once to
// StatusComplete or StatusFailed.
type SnapshotStatus string

const (
	StatusFetching SnapshotStatus = "fetching"
	StatusComplete SnapshotStatus = "complete"
	StatusFailed   SnapshotStatus = "failed"
)

// ParseSnapshotStatus converts a raw value into a SnapshotStatus.
// Unknown values are rejected with ErrInvalidStatus.
func ParseSnapshotStatus(raw string) (SnapshotStatus, error) {
	s := SnapshotStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// Valid reports whether s is one of the known states.
func (s SnapshotStatus) Valid() bool {
	switch s {
	case StatusFetching, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s SnapshotStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// MarshalText implements encoding.TextMarshaler.
func (s SnapshotStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SnapshotStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSnapshotStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SnapshotRef addresses one snapshot on disk.
type SnapshotRef struct {
	TenantID string `json:"tenant_id"`
	Date     string `json:"snapshot_date"`
	Source   string `json:"source"`
	RunID    string `json:"run_id"`
}

// String renders the ref as a slash separated key.
func (r SnapshotRef) String() string {
	return r.TenantID + "/" + r.Date + "/" + r.Source + "/" + r.RunID
}

// ManifestEntry describes the two artifacts written for one entity type.
type ManifestEntry struct {
	Rows         int      `json:"rows"`
	FullRows     int      `json:"full_rows"`
	IndexedBytes int64    `json:"size_bytes"`
	FullBytes    int64    `json:"jsonl_size_bytes"`
	Columns      []string `json:"columns"`
}

// FetchErrorEntry is one timestamped error recorded during a run.
type FetchErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// FetchStats aggregates counters for a refresh run.
type FetchStats struct {
	APICalls        int               `json:"total_api_calls"`
	TotalRecords    int               `json:"total_records"`
	DurationSeconds float64           `json:"duration_seconds"`
	Errors          []FetchErrorEntry `json:"errors"`
}

// AddError appends a timestamped message to the stats.
func (s *FetchStats) AddError(at time.Time, msg string) {
	s.Errors = append(s.Errors, FetchErrorEntry{Timestamp: at.UTC(), Message: msg})
}

// Snapshot is one extraction attempt for a (tenant, date, source) triple.
type Snapshot struct {
	TenantID    string                       `json:"tenant_id"`
	Date        string                       `json:"snapshot_date"`
	Source      string                       `json:"source"`
	RunID       string                       `json:"run_id"`
	Status      SnapshotStatus               `json:"status"`
	StartedAt   time.Time                    `json:"started_at"`
	CompletedAt *time.Time                   `json:"completed_at"`
	SessionID   string                       `json:"fetched_by_session"`
	Files       map[EntityType]ManifestEntry `json:"files"`
	Stats       FetchStats                   `json:"fetch_stats"`
	Error       string                       `json:"error,omitempty"`
}

// SnapshotDateLayout is the calendar-date format used in snapshot paths.
const SnapshotDateLayout = "2006-01-02"

// Ref returns the on-disk address of the snapshot.
func (s *Snapshot) Ref() SnapshotRef {
	return SnapshotRef{TenantID: s.TenantID, Date: s.Date, Source: s.Source, RunID: s.RunID}
}

// Validate checks the fixed fields of a decoded snapshot record.
func (s *Snapshot) Validate() error {
	switch {
	case s.TenantID == "":
		return fmt.Errorf("%w: missing tenant_id", ErrInvalidSnapshot)
	case s.Source == "":
		return fmt.Errorf("%w: missing source", ErrInvalidSnapshot)
	case s.RunID == "":
		return fmt.Errorf("%w: missing run_id", ErrInvalidSnapshot)
	case s.StartedAt.IsZero():
		return fmt.Errorf("%w: missing started_at", ErrInvalidSnapshot)
	}
	if _, err := time.Parse(SnapshotDateLayout, s.Date); err != nil {
		return fmt.Errorf("%w: bad snapshot_date %q", ErrInvalidSnapshot, s.Date)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(s.Status))
	}
	if s.Status == StatusComplete && s.CompletedAt == nil {
		return fmt.Errorf("%w: complete snapshot without completed_at", ErrInvalidSnapshot)
	}
	return nil
}

// Age measures how old the data is. Completed snapshots age from
// completion, everything else from the start of the run.
func (s *Snapshot) Age(now time.Time) time.Duration {
	ref := s.StartedAt
	if s.CompletedAt != nil {
		ref = *s.CompletedAt
	}
	if age := now.Sub(ref); age > 0 {
		return age
	}
	return 0
}

// RecordCount sums indexed rows across every entity in the manifest.
func (s *Snapshot) RecordCount() int {
	total := 0
	for _, entry := range s.Files {
		total += entry.Rows
	}
	return total
}

// Entities returns the manifest entity types in a stable order.
func (s *Snapshot) Entities() []EntityType {
	out := make([]EntityType, 0, len(s.Files))
	for e := range s.Files {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Progress is the live counter of a running refresh.
type Progress struct {
	RunID          string     `json:"run_id"`
	Entity         EntityType `json:"entity_type,omitempty"`
	EntityRecords  int        `json:"entity_records"`
	TotalRecords   int        `json:"total_records"`
	APICalls       int        `json:"api_calls"`
	Pages          int        `json:"pages"`
	EstimatedTotal int        `json:"estimated_total,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
