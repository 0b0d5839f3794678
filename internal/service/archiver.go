package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/storage"
)

// ArtifactSource opens local artifacts for upload.
type ArtifactSource interface {
	OpenIndexed(ref domain.SnapshotRef, entity domain.EntityType) (*os.File, error)
	OpenFull(ref domain.SnapshotRef, entity domain.EntityType) (*os.File, error)
}

// ArchiveMarker records that a run was archived.
type ArchiveMarker interface {
	MarkArchived(ctx context.Context, runID string) error
}

// Archiver copies completed snapshots to object storage and removes the
// copies when retention deletes the local snapshot.
type Archiver struct {
	store     storage.ObjectStorage
	artifacts ArtifactSource
	prefix    string
	marker    ArchiveMarker
}

// NewArchiver creates an Archiver. marker may be nil.
func NewArchiver(store storage.ObjectStorage, artifacts ArtifactSource, prefix string, marker ArchiveMarker) *Archiver {
	return &Archiver{
		store:     store,
		artifacts: artifacts,
		prefix:    strings.Trim(prefix, "/"),
		marker:    marker,
	}
}

// KeyPrefix returns the object key prefix for a snapshot.
func (a *Archiver) KeyPrefix(ref domain.SnapshotRef) string {
	return path.Join(a.prefix, ref.TenantID, ref.Date, ref.Source, ref.RunID) + "/"
}

// Archive uploads every artifact of a complete snapshot followed by its
// status record. The status record goes last, so a copy without one is
// incomplete.
func (a *Archiver) Archive(ctx context.Context, snap *domain.Snapshot) error {
	if snap.Status != domain.StatusComplete {
		return fmt.Errorf("%w: %s is %s", domain.ErrSnapshotNotComplete, snap.Ref(), snap.Status)
	}
	ref := snap.Ref()
	prefix := a.KeyPrefix(ref)
	var total int64

	for _, entity := range snap.Entities() {
		indexed, err := a.artifacts.OpenIndexed(ref, entity)
		if err != nil {
			return fmt.Errorf("open %s indexed artifact: %w", entity, err)
		}
		n, err := a.upload(ctx, indexed, prefix+string(entity)+".csv", "text/csv")
		if err != nil {
			return err
		}
		total += n

		full, err := a.artifacts.OpenFull(ref, entity)
		if err != nil {
			return fmt.Errorf("open %s full artifact: %w", entity, err)
		}
		n, err = a.upload(ctx, full, prefix+string(entity)+".jsonl", "application/x-ndjson")
		if err != nil {
			return err
		}
		total += n
	}

	status, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := a.store.Upload(ctx, prefix+"status.json", bytes.NewReader(status), int64(len(status)), "application/json"); err != nil {
		return err
	}

	if a.marker != nil {
		if err := a.marker.MarkArchived(ctx, ref.RunID); err != nil {
			logger.CtxWarn(ctx, "Failed to mark %s archived: %v", ref, err)
		}
	}
	logger.With(logger.Fields{"prefix": prefix}).WithSize(total).Info(ctx, "Snapshot archived")
	return nil
}

func (a *Archiver) upload(ctx context.Context, f *os.File, key, contentType string) (int64, error) {
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if err := a.store.Upload(ctx, key, f, info.Size(), contentType); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes the archived copy of a snapshot.
func (a *Archiver) Delete(ctx context.Context, ref domain.SnapshotRef) error {
	keys, err := a.store.List(ctx, a.KeyPrefix(ref))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := a.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
