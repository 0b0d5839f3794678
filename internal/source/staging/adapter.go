package staging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/source"
)

// maxLine bounds a single exported record.
const maxLine = 16 << 20

// Adapter serves pages from a directory of <entity>.jsonl exports, for
// replaying an offline roster dump through the normal refresh path.
type Adapter struct {
	basePath string

	mu      sync.Mutex
	records map[domain.EntityType][]json.RawMessage
}

// NewAdapter creates an adapter reading from basePath.
// Parameters:
//   - basePath: directory holding students.jsonl, parents.jsonl, etc.
// Returns:
//   - *Adapter: initialized staging adapter.
func NewAdapter(basePath string) *Adapter {
	return &Adapter{basePath: basePath, records: make(map[domain.EntityType][]json.RawMessage)}
}

// FetchPage implements source.Pager. A missing export file is an empty
// listing; a malformed one is a fatal error.
func (a *Adapter) FetchPage(ctx context.Context, entity domain.EntityType, offset, limit int) (*source.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.FetchError{Entity: entity, Offset: offset, Transient: true, Err: err}
	}
	items, err := a.load(entity)
	if err != nil {
		return nil, &domain.FetchError{Entity: entity, Offset: offset, Err: err}
	}
	if offset >= len(items) {
		return &source.Page{Total: len(items)}, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return &source.Page{
		Records: items[offset:end],
		HasMore: end < len(items),
		Total:   len(items),
	}, nil
}

func (a *Adapter) load(entity domain.EntityType) ([]json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if items, ok := a.records[entity]; ok {
		return items, nil
	}

	path := filepath.Join(a.basePath, string(entity)+".jsonl")
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		a.records[entity] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer file.Close()

	var items []json.RawMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("%s line %d: invalid JSON", filepath.Base(path), lineNum)
		}
		items = append(items, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	a.records[entity] = items
	return items, nil
}
