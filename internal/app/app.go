// Package app wires configuration into a running snapshot cache. It is
// shared by the API server and the command line tool.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bookmarked/rostercache/internal/config"
	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/repository"
	"github.com/bookmarked/rostercache/internal/service"
	"github.com/bookmarked/rostercache/internal/snapshot"
	"github.com/bookmarked/rostercache/internal/storage"
)

// App holds the assembled components.
type App struct {
	Config    *config.Config
	Service   *service.SnapshotService
	Scheduler *service.RetentionScheduler
	Manager   *snapshot.Manager

	sqlDB *sql.DB
}

// Options adjusts assembly for a particular entry point.
type Options struct {
	// Pagers replaces the config driven pager factory when set.
	Pagers service.PagerFactory
}

// New builds every component named by cfg. Close must be called to
// release the database handle.
// Parameters:
//   - ctx: context for startup calls such as bucket creation.
//   - cfg: loaded configuration.
//   - opts: entry point overrides.
// Returns:
//   - *App: assembled application.
//   - error: non-nil if a component cannot be created.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	fsys, err := repository.NewSnapshotFS(cfg.Snapshot.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot root: %w", err)
	}

	var jobs *repository.RefreshJobRepository
	var locks snapshot.LockStore = repository.NewFileLockStore(fsys)
	if cfg.Database.Enabled {
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if a.sqlDB, err = db.DB(); err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		jobs = repository.NewRefreshJobRepository(db)
		if cfg.Snapshot.LockBackend == "db" {
			locks = repository.NewDBLockStore(db)
		}
	}

	mopts := snapshot.ManagerOptions{
		StaleLockAfter: cfg.Snapshot.StaleLockAfter,
		FreshWithin:    cfg.Snapshot.FreshWithin,
		StaleAfter:     cfg.Snapshot.StaleAfter,
		RetentionDays:  cfg.Snapshot.RetentionDays,
	}
	if jobs != nil {
		mopts.History = jobs
	}
	a.Manager = snapshot.NewManager(fsys, locks, mopts)

	var archiver *service.Archiver
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		if s3s, ok := store.(*storage.S3Storage); ok {
			if err := s3s.EnsureBucket(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
			}
		}
		var marker service.ArchiveMarker
		if jobs != nil {
			marker = jobs
		}
		archiver = service.NewArchiver(store, fsys, cfg.Storage.Prefix, marker)
	}

	entities, err := domain.ParseEntityTypes(cfg.Snapshot.Entities)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("snapshot.entities: %w", err)
	}

	pagers := opts.Pagers
	if pagers == nil {
		pagers = service.NewConfigPagerFactory(cfg.Roster, cfg.Snapshot)
	}

	svcCfg := service.SnapshotServiceConfig{
		Manager:   a.Manager,
		Engine:    snapshot.NewEngine(fsys),
		Artifacts: fsys,
		Pagers:    pagers,
		Archiver:  archiver,
		Fetch: snapshot.FetchOptions{
			PageSize:            cfg.Snapshot.PageSize,
			MaxAttempts:         cfg.Snapshot.MaxAttempts,
			RequestTimeout:      cfg.Snapshot.RequestTimeout,
			RunBudget:           cfg.Snapshot.RunBudget,
			RetryBaseDelay:      cfg.Snapshot.RetryBaseDelay,
			RetryMaxDelay:       cfg.Snapshot.RetryMaxDelay,
			PageDelay:           cfg.Snapshot.PageDelay,
			OwnershipCheckEvery: cfg.Snapshot.OwnershipCheckEvery,
		},
		Entities:    entities,
		SearchLimit: cfg.Snapshot.SearchLimit,
	}
	if jobs != nil {
		svcCfg.History = jobs
	}
	a.Service = service.NewSnapshotService(svcCfg)

	if cfg.Snapshot.RetentionSchedule != "" {
		a.Scheduler = service.NewRetentionScheduler(a.Service, cfg.Snapshot.RetentionSchedule)
	}

	logger.With(logger.Fields{
		"lock_backend": cfg.Snapshot.LockBackend,
		"database":     cfg.Database.Enabled,
		"archive":      archiver != nil,
	}).Info(ctx, "Snapshot cache assembled: root=%s, entities=%v", fsys.Root(), entities)
	return a, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	if a.sqlDB == nil {
		return nil
	}
	return a.sqlDB.Close()
}
