package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/service"
	"github.com/gin-gonic/gin"
)

// SessionHeader carries the caller's session id on refresh requests.
const SessionHeader = "X-Session-ID"

// SnapshotHandler exposes snapshot status, refresh and lookups.
type SnapshotHandler struct {
	svc *service.SnapshotService
}

// NewSnapshotHandler creates a new snapshot handler.
// Parameters:
//   - svc: snapshot service instance.
// Returns:
//   - *SnapshotHandler: initialized handler.
func NewSnapshotHandler(svc *service.SnapshotService) *SnapshotHandler {
	return &SnapshotHandler{svc: svc}
}

// RefreshRequest is the optional body of a refresh request.
type RefreshRequest struct {
	SessionID string   `json:"session_id"`
	Entities  []string `json:"entities"`
}

// StatusResponse wraps the status report with a readable age and the
// record total of the latest complete snapshot.
type StatusResponse struct {
	*domain.StatusReport
	AgeSeconds  *int64 `json:"age_seconds,omitempty"`
	RecordCount *int   `json:"record_count,omitempty"`
}

func target(c *gin.Context) (string, string) {
	return c.Param("tenant"), c.Param("source")
}

func entityParam(c *gin.Context) (domain.EntityType, bool) {
	entity, err := domain.ParseEntityType(c.Param("entity"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return entity, true
}

// Status handles GET /api/v1/tenants/:tenant/sources/:source/status.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SnapshotHandler) Status(c *gin.Context) {
	tenantID, src := target(c)
	report, err := h.svc.Status(c.Request.Context(), tenantID, src)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := StatusResponse{StatusReport: report}
	if report.Latest != nil {
		age := int64(report.Age.Seconds())
		resp.AgeSeconds = &age
		count := report.Latest.RecordCount()
		resp.RecordCount = &count
	}
	c.JSON(http.StatusOK, resp)
}

// Refresh handles POST /api/v1/tenants/:tenant/sources/:source/refresh.
// The refresh runs in the background; the response only confirms that
// the lock was taken.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SnapshotHandler) Refresh(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID, src := target(c)

	var req RefreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}
	if session := c.GetHeader(SessionHeader); session != "" {
		req.SessionID = session
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id is required (" + SessionHeader + " header or session_id)"})
		return
	}
	entities, err := domain.ParseEntityTypes(req.Entities)
	if err != nil {
		writeError(c, err)
		return
	}

	ticket, err := h.svc.Refresh(ctx, tenantID, src, req.SessionID, entities)
	if err != nil {
		logger.CtxWarn(ctx, "Refresh rejected: tenant=%s, source=%s, error=%v", tenantID, src, err)
		writeError(c, err)
		return
	}
	logger.CtxInfo(ctx, "Refresh accepted: tenant=%s, source=%s, run_id=%s", tenantID, src, ticket.RunID)
	c.JSON(http.StatusAccepted, ticket)
}

// Search handles GET .../entities/:entity/search?q=&fields=&field=&value=&limit=.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SnapshotHandler) Search(c *gin.Context) {
	tenantID, src := target(c)
	entity, ok := entityParam(c)
	if !ok {
		return
	}

	q := service.SearchQuery{
		Term:  c.Query("q"),
		Field: c.Query("field"),
		Exact: c.Query("value"),
	}
	if fields := c.Query("fields"); fields != "" {
		q.Fields = strings.Split(fields, ",")
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	if q.Term == "" && q.Field == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter 'q' or 'field' is required"})
		return
	}

	result, err := h.svc.Search(c.Request.Context(), tenantID, src, entity, q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Record handles GET .../entities/:entity/records/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SnapshotHandler) Record(c *gin.Context) {
	tenantID, src := target(c)
	entity, ok := entityParam(c)
	if !ok {
		return
	}
	raw, snap, err := h.svc.FullRecord(c.Request.Context(), tenantID, src, entity, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("X-Snapshot-Run", snap.RunID)
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// Related handles GET .../entities/:entity/records/:id/related.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SnapshotHandler) Related(c *gin.Context) {
	tenantID, src := target(c)
	entity, ok := entityParam(c)
	if !ok {
		return
	}
	rel, snap, err := h.svc.Relationships(c.Request.Context(), tenantID, src, entity, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot":      snap.Ref(),
		"relationships": rel,
	})
}

// History handles GET /api/v1/tenants/:tenant/sources/:source/history.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SnapshotHandler) History(c *gin.Context) {
	tenantID, src := target(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	jobs, err := h.svc.History(c.Request.Context(), tenantID, src, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  jobs,
		"total": len(jobs),
	})
}
