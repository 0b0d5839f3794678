package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
	applog "github.com/bookmarked/rostercache/internal/logger"
)

const (
	statusFileName   = "status.json"
	progressFileName = "progress.json"
	locksDirName     = ".locks"
	currentDirName   = ".current"
	indexedExt       = ".csv"
	fullExt          = ".jsonl"
)

// SnapshotFS is the only code that knows the on-disk snapshot layout:
//
//	<root>/<tenant>/<date>/<source>/<run>/status.json
//	<root>/<tenant>/<date>/<source>/<run>/progress.json
//	<root>/<tenant>/<date>/<source>/<run>/<entity>.csv
//	<root>/<tenant>/<date>/<source>/<run>/<entity>.jsonl
//	<root>/<tenant>/.current/<source>.json
//	<root>/<tenant>/.locks/<source>.lock
type SnapshotFS struct {
	root string
}

// NewSnapshotFS creates the root directory if needed.
// Parameters:
//   - root: base directory shared by every application instance.
// Returns:
//   - *SnapshotFS: accessor rooted at root.
//   - error: non-nil if the directory cannot be created.
func NewSnapshotFS(root string) (*SnapshotFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &SnapshotFS{root: root}, nil
}

// Root returns the base directory.
func (f *SnapshotFS) Root() string { return f.root }

func (f *SnapshotFS) runDir(ref domain.SnapshotRef) string {
	return filepath.Join(f.root, ref.TenantID, ref.Date, ref.Source, ref.RunID)
}

// IndexedPath returns the CSV artifact path for an entity.
func (f *SnapshotFS) IndexedPath(ref domain.SnapshotRef, entity domain.EntityType) string {
	return filepath.Join(f.runDir(ref), string(entity)+indexedExt)
}

// FullPath returns the JSONL artifact path for an entity.
func (f *SnapshotFS) FullPath(ref domain.SnapshotRef, entity domain.EntityType) string {
	return filepath.Join(f.runDir(ref), string(entity)+fullExt)
}

// LockPath returns the lock marker path for a (tenant, source) pair.
func (f *SnapshotFS) LockPath(tenantID, source string) string {
	return filepath.Join(f.root, tenantID, locksDirName, source+".lock")
}

func (f *SnapshotFS) currentPath(tenantID, source string) string {
	return filepath.Join(f.root, tenantID, currentDirName, source+".json")
}

// CreateSnapshot creates the run directory and its first status record.
// Parameters:
//   - snap: snapshot in fetching state.
// Returns:
//   - error: non-nil if the directory already exists or cannot be written.
func (f *SnapshotFS) CreateSnapshot(snap *domain.Snapshot) error {
	dir := f.runDir(snap.Ref())
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create snapshot parent: %w", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	return f.WriteStatus(snap)
}

// WriteStatus replaces status.json atomically.
// Parameters:
//   - snap: snapshot record to persist.
// Returns:
//   - error: non-nil if the record is invalid or cannot be written.
func (f *SnapshotFS) WriteStatus(snap *domain.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return writeFileAtomic(filepath.Join(f.runDir(snap.Ref()), statusFileName), data)
}

// ReadStatus loads and validates status.json.
// Parameters:
//   - ref: snapshot address.
// Returns:
//   - *domain.Snapshot: decoded record.
//   - error: domain.ErrSnapshotNotFound if absent, a validation error if
//     the record carries unknown fields or states.
func (f *SnapshotFS) ReadStatus(ref domain.SnapshotRef) (*domain.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(f.runDir(ref), statusFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	if snap.Ref() != ref {
		return nil, fmt.Errorf("%w: status at %s describes %s", domain.ErrInvalidSnapshot, ref, snap.Ref())
	}
	return snap, nil
}

// DecodeSnapshot strictly decodes a status record.
func DecodeSnapshot(data []byte) (*domain.Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var snap domain.Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidSnapshot, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WriteProgress replaces progress.json atomically.
func (f *SnapshotFS) WriteProgress(ref domain.SnapshotRef, p domain.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return writeFileAtomic(filepath.Join(f.runDir(ref), progressFileName), data)
}

// ReadProgress returns nil when no progress has been recorded.
func (f *SnapshotFS) ReadProgress(ref domain.SnapshotRef) (*domain.Progress, error) {
	data, err := os.ReadFile(filepath.Join(f.runDir(ref), progressFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	var p domain.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &p, nil
}

// SetCurrent points the (tenant, source) pair at a complete snapshot.
func (f *SnapshotFS) SetCurrent(ref domain.SnapshotRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode current pointer: %w", err)
	}
	path := f.currentPath(ref.TenantID, ref.Source)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create current dir: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Current returns the pointer for a pair, or nil when none is set.
func (f *SnapshotFS) Current(tenantID, source string) (*domain.SnapshotRef, error) {
	data, err := os.ReadFile(f.currentPath(tenantID, source))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current pointer: %w", err)
	}
	var ref domain.SnapshotRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("decode current pointer: %w", err)
	}
	return &ref, nil
}

// ClearCurrent removes the pointer if it still designates ref.
func (f *SnapshotFS) ClearCurrent(ref domain.SnapshotRef) error {
	cur, err := f.Current(ref.TenantID, ref.Source)
	if err != nil || cur == nil || *cur != ref {
		return err
	}
	err = os.Remove(f.currentPath(ref.TenantID, ref.Source))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Tenants lists tenant directories under the root.
func (f *SnapshotFS) Tenants() ([]string, error) {
	return listDirs(f.root)
}

// ListRefs walks every run directory for a tenant. An empty source
// matches all sources. Refs come back sorted by date then run id.
func (f *SnapshotFS) ListRefs(tenantID, source string) ([]domain.SnapshotRef, error) {
	tenantDir := filepath.Join(f.root, tenantID)
	dates, err := listDirs(tenantDir)
	if err != nil {
		return nil, err
	}
	var refs []domain.SnapshotRef
	for _, date := range dates {
		sources := []string{source}
		if source == "" {
			if sources, err = listDirs(filepath.Join(tenantDir, date)); err != nil {
				return nil, err
			}
		}
		for _, src := range sources {
			runs, err := listDirs(filepath.Join(tenantDir, date, src))
			if err != nil {
				return nil, err
			}
			for _, run := range runs {
				refs = append(refs, domain.SnapshotRef{TenantID: tenantID, Date: date, Source: src, RunID: run})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Date != refs[j].Date {
			return refs[i].Date < refs[j].Date
		}
		return refs[i].RunID < refs[j].RunID
	})
	return refs, nil
}

// List reads every readable snapshot for a pair, newest first.
// Unreadable records are logged and skipped.
func (f *SnapshotFS) List(tenantID, source string) ([]*domain.Snapshot, error) {
	refs, err := f.ListRefs(tenantID, source)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Snapshot, 0, len(refs))
	for _, ref := range refs {
		snap, err := f.ReadStatus(ref)
		if err != nil {
			applog.Warn("skipping unreadable snapshot %s: %v", ref, err)
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	return out, nil
}

// CreateArtifacts opens fresh indexed and full files for an entity.
func (f *SnapshotFS) CreateArtifacts(ref domain.SnapshotRef, entity domain.EntityType) (*os.File, *os.File, error) {
	indexed, err := os.OpenFile(f.IndexedPath(ref, entity), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("create indexed artifact: %w", err)
	}
	full, err := os.OpenFile(f.FullPath(ref, entity), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		indexed.Close()
		return nil, nil, fmt.Errorf("create full artifact: %w", err)
	}
	return indexed, full, nil
}

// OpenIndexed opens the CSV artifact for reading.
func (f *SnapshotFS) OpenIndexed(ref domain.SnapshotRef, entity domain.EntityType) (*os.File, error) {
	return os.Open(f.IndexedPath(ref, entity))
}

// OpenFull opens the JSONL artifact for reading.
func (f *SnapshotFS) OpenFull(ref domain.SnapshotRef, entity domain.EntityType) (*os.File, error) {
	return os.Open(f.FullPath(ref, entity))
}

// ArtifactSizes stats both artifacts of an entity.
func (f *SnapshotFS) ArtifactSizes(ref domain.SnapshotRef, entity domain.EntityType) (int64, int64, error) {
	ii, err := os.Stat(f.IndexedPath(ref, entity))
	if err != nil {
		return 0, 0, err
	}
	fi, err := os.Stat(f.FullPath(ref, entity))
	if err != nil {
		return 0, 0, err
	}
	return ii.Size(), fi.Size(), nil
}

// RemoveArtifacts deletes every entity file of a run and keeps
// status.json. Missing files are not an error, so repeated calls settle
// on the same state.
func (f *SnapshotFS) RemoveArtifacts(ref domain.SnapshotRef) error {
	entries, err := os.ReadDir(f.runDir(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if name == statusFileName || e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, indexedExt) || strings.HasSuffix(name, fullExt) ||
			name == progressFileName || strings.HasPrefix(name, ".tmp-") {
			if err := os.Remove(filepath.Join(f.runDir(ref), name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ArtifactFiles lists the entity files currently present for a run.
func (f *SnapshotFS) ArtifactFiles(ref domain.SnapshotRef) ([]string, error) {
	entries, err := os.ReadDir(f.runDir(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if n := e.Name(); strings.HasSuffix(n, indexedExt) || strings.HasSuffix(n, fullExt) {
			out = append(out, filepath.Join(f.runDir(ref), n))
		}
	}
	return out, nil
}

// RemoveSnapshot deletes a run directory and prunes empty parents.
func (f *SnapshotFS) RemoveSnapshot(ref domain.SnapshotRef) error {
	dir := f.runDir(ref)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	// Non-empty parents fail to remove, which is what we want.
	sourceDir := filepath.Dir(dir)
	_ = os.Remove(sourceDir)
	_ = os.Remove(filepath.Dir(sourceDir))
	return nil
}

// listDirs returns visible subdirectory names; a missing dir is empty.
func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// writeTemp writes data to a synced temp file in dir and returns its path.
func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// writeFileAtomic replaces path with data via temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
