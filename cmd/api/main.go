package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookmarked/rostercache/internal/api"
	"github.com/bookmarked/rostercache/internal/app"
	"github.com/bookmarked/rostercache/internal/config"
	"github.com/bookmarked/rostercache/internal/logger"
)

func main() {
	// Initialize logger from LOG_* variables
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := logger.SetComponent(appLogger.WithContext(context.Background()), "main")
	application, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize snapshot cache")
	}
	defer application.Close()

	if application.Scheduler != nil {
		if err := application.Scheduler.Start(); err != nil {
			appLogger.WithError(err).Fatal("Failed to start retention scheduler")
		}
	}

	router := api.SetupRouter(application.Service, cfg.Server, appLogger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if application.Scheduler != nil {
		application.Scheduler.Stop(shutdownCtx)
	}
	// Runs still going at the deadline are cancelled and marked failed.
	if err := application.Service.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Refreshes cancelled at shutdown")
	}

	appLogger.Info("Server exited")
}
