package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/repository"
	"github.com/bookmarked/rostercache/internal/source"
	"github.com/stretchr/testify/require"
)

const (
	testTenant = "district-9"
	testSource = "roster-api"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	fs      *repository.SnapshotFS
	locks   *repository.FileLockStore
	manager *Manager
	engine  *Engine
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fsys, err := repository.NewSnapshotFS(t.TempDir())
	require.NoError(t, err)
	c := &clock{now: time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)}
	locks := repository.NewFileLockStore(fsys)
	return &harness{
		fs:      fsys,
		locks:   locks,
		manager: NewManager(fsys, locks, ManagerOptions{Now: c.Now}),
		engine:  NewEngine(fsys),
		clock:   c,
	}
}

func (h *harness) orchestrator(p source.Pager, opts FetchOptions) *Orchestrator {
	o := NewOrchestrator(h.manager, p, h.fs, opts)
	o.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return o
}

// refresh runs a full begin/run cycle and returns the handle.
func (h *harness) refresh(t *testing.T, p source.Pager, entities ...domain.EntityType) (*Handle, error) {
	t.Helper()
	handle, err := h.manager.BeginRefresh(context.Background(), testTenant, testSource, "sess-1")
	require.NoError(t, err)
	return handle, h.orchestrator(p, FetchOptions{PageSize: 500}).Run(context.Background(), handle, entities)
}

// fakePager serves generated records per entity.
type fakePager struct {
	mu      sync.Mutex
	counts  map[domain.EntityType]int
	records map[domain.EntityType][]json.RawMessage
	// failures maps an offset to how many times it fails before succeeding.
	failures map[int]int
	// block makes failing requests wait for their deadline.
	block bool
	fatal bool
	calls []int
}

func (p *fakePager) FetchPage(ctx context.Context, entity domain.EntityType, offset, limit int) (*source.Page, error) {
	p.mu.Lock()
	p.calls = append(p.calls, offset)
	remaining := p.failures[offset]
	if remaining > 0 {
		p.failures[offset] = remaining - 1
	}
	p.mu.Unlock()

	if remaining > 0 {
		if p.block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, &domain.FetchError{Entity: entity, Offset: offset, StatusCode: 503, Transient: !p.fatal,
			Err: fmt.Errorf("unavailable")}
	}

	all := p.records[entity]
	if all == nil {
		for i := 0; i < p.counts[entity]; i++ {
			all = append(all, json.RawMessage(fmt.Sprintf(
				`{"sourcedId":"%s-%d","givenName":"Given%d","familyName":"Family%d","grades":["%d"],"status":"active"}`,
				entity, i, i, i, i%12+1)))
		}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	var recs []json.RawMessage
	if offset < len(all) {
		recs = all[offset:end]
	}
	return &source.Page{Records: recs, HasMore: end < len(all), Total: len(all)}, nil
}

// studentPage builds n student payloads starting at id from.
func studentPage(from, n int) []json.RawMessage {
	out := make([]json.RawMessage, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, json.RawMessage(fmt.Sprintf(
			`{"sourcedId":"students-%d","givenName":"Given%d","familyName":"Family%d","grades":["%d"]}`, i, i, i, i%12+1)))
	}
	return out
}
