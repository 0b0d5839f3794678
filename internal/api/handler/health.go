package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	running func() int
}

// NewHealthHandler creates a new health handler. running reports the
// number of refreshes in flight and may be nil.
func NewHealthHandler(running func() int) *HealthHandler {
	return &HealthHandler{running: running}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.running != nil {
		resp["refreshes_running"] = h.running()
	}
	c.JSON(http.StatusOK, resp)
}
