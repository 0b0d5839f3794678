package snapshot

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bookmarked/rostercache/internal/domain"
)

// ArtifactStore creates the two artifact files of an entity.
type ArtifactStore interface {
	CreateArtifacts(ref domain.SnapshotRef, entity domain.EntityType) (*os.File, *os.File, error)
}

// countingWriter tracks bytes handed to the underlying file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// EntityWriter appends pages of one entity to the indexed CSV and the
// full JSONL artifacts. Each AppendPage is flushed and fsynced before it
// returns, so the files are consistent up to the last completed page.
type EntityWriter struct {
	entity  domain.EntityType
	columns []string

	indexedFile *os.File
	fullFile    *os.File
	indexedCnt  *countingWriter
	fullCnt     *countingWriter
	indexedBuf  *bufio.Writer
	fullBuf     *bufio.Writer
	csv         *csv.Writer

	rows     int
	fullRows int
	closed   bool
}

// NewEntityWriter creates the artifacts and writes the CSV header.
func NewEntityWriter(store ArtifactStore, ref domain.SnapshotRef, entity domain.EntityType) (*EntityWriter, error) {
	indexed, full, err := store.CreateArtifacts(ref, entity)
	if err != nil {
		return nil, err
	}
	w := &EntityWriter{
		entity:      entity,
		columns:     entity.Columns(),
		indexedFile: indexed,
		fullFile:    full,
		indexedCnt:  &countingWriter{w: indexed},
		fullCnt:     &countingWriter{w: full},
	}
	w.indexedBuf = bufio.NewWriter(w.indexedCnt)
	w.fullBuf = bufio.NewWriter(w.fullCnt)
	w.csv = csv.NewWriter(w.indexedBuf)

	if err := w.csv.Write(w.columns); err != nil {
		w.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := w.flush(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Rows returns the number of records durably written so far.
func (w *EntityWriter) Rows() int { return w.rows }

// AppendPage writes records to both artifacts. The page is rejected as a
// whole if any record is not a JSON object.
func (w *EntityWriter) AppendPage(records []json.RawMessage) error {
	if w.closed {
		return fmt.Errorf("writer for %s is closed", w.entity)
	}
	rows := make([][]string, 0, len(records))
	lines := make([][]byte, 0, len(records))
	for i, raw := range records {
		rec, err := decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("%s record %d: %w", w.entity, w.rows+i, err)
		}
		var line bytes.Buffer
		if err := json.Compact(&line, raw); err != nil {
			return fmt.Errorf("%s record %d: %w", w.entity, w.rows+i, err)
		}
		rows = append(rows, project(w.entity, rec))
		lines = append(lines, line.Bytes())
	}

	for _, row := range rows {
		if err := w.csv.Write(row); err != nil {
			return fmt.Errorf("write indexed row: %w", err)
		}
	}
	for _, line := range lines {
		if _, err := w.fullBuf.Write(line); err != nil {
			return fmt.Errorf("write full record: %w", err)
		}
		if err := w.fullBuf.WriteByte('\n'); err != nil {
			return fmt.Errorf("write full record: %w", err)
		}
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.rows += len(rows)
	w.fullRows += len(lines)
	return nil
}

func (w *EntityWriter) flush() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush indexed artifact: %w", err)
	}
	if err := w.indexedBuf.Flush(); err != nil {
		return fmt.Errorf("flush indexed artifact: %w", err)
	}
	if err := w.fullBuf.Flush(); err != nil {
		return fmt.Errorf("flush full artifact: %w", err)
	}
	if err := w.indexedFile.Sync(); err != nil {
		return fmt.Errorf("sync indexed artifact: %w", err)
	}
	if err := w.fullFile.Sync(); err != nil {
		return fmt.Errorf("sync full artifact: %w", err)
	}
	return nil
}

// Finalize closes the artifacts and returns the manifest entry. Diverging
// row counts are a writer bug and fail loudly.
func (w *EntityWriter) Finalize() (domain.ManifestEntry, error) {
	if w.rows != w.fullRows {
		w.Close()
		return domain.ManifestEntry{}, &domain.IntegrityError{
			Entity: w.entity, IndexedRows: w.rows, FullRows: w.fullRows, ManifestRows: w.rows,
		}
	}
	if err := w.Close(); err != nil {
		return domain.ManifestEntry{}, err
	}
	return domain.ManifestEntry{
		Rows:         w.rows,
		FullRows:     w.fullRows,
		IndexedBytes: w.indexedCnt.n,
		FullBytes:    w.fullCnt.n,
		Columns:      w.columns,
	}, nil
}

// Close releases the files. It is safe to call more than once.
func (w *EntityWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err1 := w.indexedFile.Close()
	err2 := w.fullFile.Close()
	if err1 != nil {
		return fmt.Errorf("close indexed artifact: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("close full artifact: %w", err2)
	}
	return nil
}
