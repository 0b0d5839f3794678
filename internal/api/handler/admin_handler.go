package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/service"
	"github.com/gin-gonic/gin"
)

// AdminHandler handles admin operations.
type AdminHandler struct {
	svc *service.SnapshotService

	// Sweep job state
	mu            sync.RWMutex
	isRunning     bool
	lastReport    *service.SweepReport
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - svc: snapshot service instance.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(svc *service.SnapshotService) *AdminHandler {
	return &AdminHandler{svc: svc}
}

// SweepStatusResponse represents the retention sweep status.
type SweepStatusResponse struct {
	IsRunning     bool                 `json:"is_running"`
	LastRunTime   string               `json:"last_run_time,omitempty"`
	LastRunStatus string               `json:"last_run_status,omitempty"`
	LastReport    *service.SweepReport `json:"last_report,omitempty"`
}

// TriggerSweep handles POST /api/v1/admin/retention/sweep.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) TriggerSweep(c *gin.Context) {
	ctx := c.Request.Context()

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		logger.CtxWarn(ctx, "Sweep request rejected: already running, client_ip=%s", c.ClientIP())
		c.JSON(http.StatusConflict, gin.H{"error": "Retention sweep is already running"})
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	// Detach so a dropped connection does not abort a half-done sweep.
	sweepCtx := logger.Detach(ctx)
	startTime := time.Now()
	report, err := h.svc.Sweep(sweepCtx)
	duration := time.Since(startTime)

	h.mu.Lock()
	h.isRunning = false
	h.lastReport = report
	h.lastRunTime = time.Now()
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
	} else {
		h.lastRunStatus = "success"
	}
	h.mu.Unlock()

	if err != nil {
		logger.With(logger.Fields{
			logger.FieldDurationMs: duration.Milliseconds(),
		}).Error(ctx, "Retention sweep failed: %v", err)
		writeError(c, err)
		return
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: duration.Milliseconds(),
		logger.FieldCount:      len(report.Removed),
	}).Info(ctx, "Retention sweep completed: cutoff=%s, removed=%d, failed=%d",
		report.Cutoff, len(report.Removed), len(report.Failed))

	c.JSON(http.StatusOK, report)
}

// GetSweepStatus returns the state of the last manual sweep.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) GetSweepStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := SweepStatusResponse{
		IsRunning:     h.isRunning,
		LastRunStatus: h.lastRunStatus,
		LastReport:    h.lastReport,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}
