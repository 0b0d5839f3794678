package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bookmarked/rostercache/internal/app"
	"github.com/bookmarked/rostercache/internal/config"
	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/service"
	"github.com/bookmarked/rostercache/internal/source/staging"
	"github.com/google/uuid"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "rostercache-snapshot",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	tenantID := flag.String("tenant", "", "Tenant to refresh or inspect")
	sourceTag := flag.String("source", domain.DefaultSource, "Source tag")
	sessionID := flag.String("session", "", "Session id recorded in the lock (random when empty)")
	entityList := flag.String("entities", "", "Comma separated entity types (config default when empty)")
	fromDir := flag.String("from-dir", "", "Replay JSONL exports from this directory instead of calling the API")
	sweep := flag.Bool("sweep", false, "Run the retention sweep and exit")
	status := flag.Bool("status", false, "Print status and exit")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(appLogger.WithContext(context.Background()))
	defer cancel()
	ctx = logger.SetComponent(ctx, "cli")

	opts := app.Options{}
	if *fromDir != "" {
		opts.Pagers = service.StaticPagerFactory{Pager: staging.NewAdapter(*fromDir)}
	}
	application, err := app.New(ctx, cfg, opts)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize snapshot cache")
	}
	defer application.Close()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch {
	case *sweep:
		report, err := application.Service.Sweep(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Retention sweep failed")
		}
		_ = enc.Encode(report)
		return
	case *tenantID == "":
		appLogger.Fatal("-tenant is required")
	case *status:
		report, err := application.Service.Status(ctx, *tenantID, *sourceTag)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to read status")
		}
		_ = enc.Encode(report)
		return
	}

	var entities []domain.EntityType
	if *entityList != "" {
		entities, err = domain.ParseEntityTypes(strings.Split(*entityList, ","))
		if err != nil {
			appLogger.WithError(err).Fatal("Invalid -entities")
		}
	}
	if *sessionID == "" {
		*sessionID = "cli-" + uuid.NewString()
	}

	appLogger.WithFields(logger.Fields{
		logger.FieldTenantID:  *tenantID,
		logger.FieldSource:    *sourceTag,
		logger.FieldSessionID: *sessionID,
		"from_dir":            *fromDir,
	}).Info("Starting refresh")

	snap, err := application.Service.RefreshAndWait(ctx, *tenantID, *sourceTag, *sessionID, entities)
	if err != nil {
		appLogger.WithError(err).Fatal("Refresh failed")
	}
	appLogger.WithFields(logger.Fields{
		logger.FieldRunID: snap.RunID,
		logger.FieldCount: snap.RecordCount(),
	}).Info("Refresh completed")
	_ = enc.Encode(snap)
}
