package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bookmarked/rostercache/internal/config"
	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/repository"
	"github.com/bookmarked/rostercache/internal/service"
	"github.com/bookmarked/rostercache/internal/snapshot"
	"github.com/bookmarked/rostercache/internal/source"
	"github.com/bookmarked/rostercache/internal/source/staging"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "/api/v1/tenants/district-9/sources/roster-api"

// holdPager blocks fetches until release is closed.
type holdPager struct {
	inner   source.Pager
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (p *holdPager) FetchPage(ctx context.Context, entity domain.EntityType, offset, limit int) (*source.Page, error) {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.inner.FetchPage(ctx, entity, offset, limit)
}

func writeExports(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"students.jsonl": `{"sourcedId":"s-1","givenName":"Ada","familyName":"Lovelace","grades":["05"],"agents":[{"sourcedId":"p-1","type":"user"}]}
{"sourcedId":"s-2","givenName":"Alan","familyName":"Turing","grades":["06"]}
`,
		"parents.jsonl": `{"sourcedId":"p-1","givenName":"Anne","familyName":"Lovelace","role":"parent","agents":[{"sourcedId":"s-1","type":"user"}]}
`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func setup(t *testing.T, pager source.Pager) (*gin.Engine, *service.SnapshotService) {
	t.Helper()
	fsys, err := repository.NewSnapshotFS(t.TempDir())
	require.NoError(t, err)
	if pager == nil {
		pager = staging.NewAdapter(writeExports(t))
	}
	svc := service.NewSnapshotService(service.SnapshotServiceConfig{
		Manager:   snapshot.NewManager(fsys, repository.NewFileLockStore(fsys), snapshot.ManagerOptions{}),
		Engine:    snapshot.NewEngine(fsys),
		Artifacts: fsys,
		Pagers:    service.StaticPagerFactory{Pager: pager},
		Fetch:     snapshot.FetchOptions{PageSize: 10, RetryBaseDelay: time.Millisecond},
		Entities:  []domain.EntityType{domain.EntityStudents, domain.EntityParents},
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	r := SetupRouter(svc, config.ServerConfig{Mode: "test"}, logger.New(nil))
	return r, svc
}

func do(r *gin.Engine, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func refreshAndWait(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := do(r, http.MethodPost, base+"/refresh", "", "X-Session-ID", "sess-1")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	runID := decode(t, w)["run_id"].(string)

	require.Eventually(t, func() bool {
		w := do(r, http.MethodGet, base+"/status", "")
		if w.Code != http.StatusOK {
			return false
		}
		return decode(t, w)["staleness"] == "fresh"
	}, 5*time.Second, 10*time.Millisecond)
	return runID
}

func TestHealth(t *testing.T) {
	r, _ := setup(t, nil)
	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["refreshes_running"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	r, _ := setup(t, nil)
	w := do(r, http.MethodGet, "/health", "", "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestStatusBeforeAnyRefresh(t *testing.T) {
	r, _ := setup(t, nil)
	w := do(r, http.MethodGet, base+"/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "none", body["staleness"])
	assert.NotContains(t, body, "age_seconds")
	assert.NotContains(t, body, "record_count")

	w = do(r, http.MethodGet, base+"/entities/students/search?q=ada", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefreshRequiresSession(t *testing.T) {
	r, _ := setup(t, nil)
	w := do(r, http.MethodPost, base+"/refresh", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, base+"/refresh", `{"session_id":"s","entities":["teachers"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/v1/tenants/bad%20tenant/sources/roster-api/refresh", "", "X-Session-ID", "s")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshThenQuery(t *testing.T) {
	r, _ := setup(t, nil)
	runID := refreshAndWait(t, r)

	w := do(r, http.MethodGet, base+"/status", "")
	body := decode(t, w)
	assert.Contains(t, body, "age_seconds")
	assert.EqualValues(t, 3, body["record_count"])
	latest := body["latest_complete"].(map[string]interface{})
	assert.Equal(t, runID, latest["run_id"])

	w = do(r, http.MethodGet, base+"/entities/students/search?q=ada", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	assert.EqualValues(t, 1, body["total"])

	w = do(r, http.MethodGet, base+"/entities/students/search?field=grade&value=06", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = do(r, http.MethodGet, base+"/entities/students/search?field=password&value=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, base+"/entities/students/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, base+"/entities/students/search?q=a&limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, base+"/entities/widgets/search?q=a", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, base+"/entities/students/records/s-2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, runID, w.Header().Get("X-Snapshot-Run"))
	assert.Equal(t, "Turing", decode(t, w)["familyName"])

	w = do(r, http.MethodGet, base+"/entities/students/records/s-404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, base+"/entities/parents/records/p-1/related", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rel := decode(t, w)["relationships"].(map[string]interface{})
	assert.Len(t, rel["related"], 1)

	w = do(r, http.MethodGet, base+"/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestConcurrentRefreshConflicts(t *testing.T) {
	hold := &holdPager{
		inner:   staging.NewAdapter(writeExports(t)),
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	r, svc := setup(t, hold)

	w := do(r, http.MethodPost, base+"/refresh", `{"session_id":"sess-a"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	<-hold.started

	w = do(r, http.MethodPost, base+"/refresh", "", "X-Session-ID", "sess-b")
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "sess-a", body["session_id"])
	assert.Contains(t, body, "elapsed_seconds")

	w = do(r, http.MethodGet, base+"/status", "")
	assert.Contains(t, decode(t, w), "in_progress")

	close(hold.release)
	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestSweepEndpoint(t *testing.T) {
	r, _ := setup(t, nil)
	w := do(r, http.MethodPost, "/api/v1/admin/retention/sweep", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w), "cutoff")

	w = do(r, http.MethodGet, "/api/v1/admin/retention/sweep", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["is_running"])
	assert.Equal(t, "success", body["last_run_status"])
}
