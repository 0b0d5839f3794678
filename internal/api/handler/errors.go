package handler

import (
	"errors"
	"net/http"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/service"
	"github.com/gin-gonic/gin"
)

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	var busy *domain.AlreadyInProgressError
	var integrity *domain.IntegrityError
	switch {
	case errors.As(err, &busy):
		status = http.StatusConflict
		body["session_id"] = busy.SessionID
		body["run_id"] = busy.RunID
		body["started_at"] = busy.StartedAt
		body["elapsed_seconds"] = int(busy.Elapsed.Seconds())
	case errors.As(err, &integrity):
		status = http.StatusConflict
		body["entity_type"] = integrity.Entity
		body["indexed_rows"] = integrity.IndexedRows
		body["full_rows"] = integrity.FullRows
		body["manifest_rows"] = integrity.ManifestRows
	case errors.Is(err, domain.ErrLockContention):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrSnapshotUnavailable),
		errors.Is(err, domain.ErrSnapshotNotFound),
		errors.Is(err, domain.ErrRecordNotFound),
		errors.Is(err, domain.ErrUnknownTenant):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSnapshotNotComplete):
		status = http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidIdentifier),
		errors.Is(err, domain.ErrUnknownEntity):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		logger.CtxError(c.Request.Context(), "Request failed: path=%s, error=%v", c.FullPath(), err)
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}
