package api

import (
	"github.com/bookmarked/rostercache/internal/api/handler"
	"github.com/bookmarked/rostercache/internal/api/middleware"
	"github.com/bookmarked/rostercache/internal/config"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/service"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	snapshotService *service.SnapshotService,
	cfg config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler(snapshotService.Running)
	snapshotHandler := handler.NewSnapshotHandler(snapshotService)
	adminHandler := handler.NewAdminHandler(snapshotService)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		src := v1.Group("/tenants/:tenant/sources/:source")
		src.GET("/status", snapshotHandler.Status)
		src.POST("/refresh", snapshotHandler.Refresh)
		src.GET("/history", snapshotHandler.History)

		entities := src.Group("/entities/:entity")
		entities.GET("/search", snapshotHandler.Search)
		entities.GET("/records/:id", snapshotHandler.Record)
		entities.GET("/records/:id/related", snapshotHandler.Related)

		admin := v1.Group("/admin")
		admin.POST("/retention/sweep", adminHandler.TriggerSweep)
		admin.GET("/retention/sweep", adminHandler.GetSweepStatus)
	}

	return r
}
