// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policyplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedmesh/fedmesh/pkg/config"
	"github.com/fedmesh/fedmesh/services/policyplane/audit"
	"github.com/fedmesh/fedmesh/services/policyplane/bundle"
	"github.com/fedmesh/fedmesh/services/policyplane/constraint"
	"github.com/fedmesh/fedmesh/services/policyplane/hierarchy"
	"github.com/fedmesh/fedmesh/services/policyplane/spokesync"
	"github.com/fedmesh/fedmesh/services/policyplane/storage/badger"
)

// Service owns the policy plane stores and their shared database.
//
// Description:
//
//	NewService opens the database and wires the hierarchy store,
//	constraint store, bundle manager, spoke tracker, and audit sink
//	on top of it, plus a filesystem watcher on the policy source dir.
//	Close releases everything in reverse order.
//
// Thread Safety: safe for concurrent use once constructed.
type Service struct {
	cfg    config.HubConfig
	logger *slog.Logger

	db          *badger.DB
	hierarchy   *hierarchy.Store
	constraints *constraint.Store
	bundles     *bundle.Manager
	spokes      *spokesync.Tracker
	sink        *audit.Sink
	watcher     *bundle.Watcher

	handlers *Handlers
}

// NewService wires the policy plane from configuration. The caller
// must Close the returned service.
func NewService(cfg config.HubConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *badger.DB
	var err error
	if cfg.Storage.DataDir == "" {
		logger.Warn("no data dir configured, using in-memory storage")
		db, err = badger.OpenInMemory()
	} else {
		dbCfg := badger.DefaultConfig()
		dbCfg.Path = cfg.Storage.DataDir
		dbCfg.Logger = logger
		db, err = badger.Open(dbCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open policy database: %w", err)
	}

	hierStore, err := hierarchy.NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	constraintStore, err := constraint.NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	bundles, err := bundle.NewManager(db, bundle.Config{
		SourceDir:        cfg.Bundle.SourceDir,
		OutputDir:        cfg.Bundle.OutputDir,
		TenantScopes:     cfg.Bundle.TenantScopes,
		SigningKeyPath:   cfg.Bundle.SigningKeyPath,
		CompressionLevel: cfg.Bundle.CompressionLevel,
		Logger:           logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	thresholds := spokesync.Thresholds{
		BehindMax:     cfg.Sync.BehindMax,
		StaleAfter:    cfg.Sync.StaleAfter.Std(),
		CriticalAfter: cfg.Sync.CriticalAfter.Std(),
		OfflineAfter:  cfg.Sync.OfflineAfter.Std(),
	}
	spokes, err := spokesync.NewTracker(db, bundles, thresholds, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	sink, err := audit.NewSink(db, cfg.Audit.Retention.Std(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	svc := &Service{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		hierarchy:   hierStore,
		constraints: constraintStore,
		bundles:     bundles,
		spokes:      spokes,
		sink:        sink,
	}
	svc.handlers = NewHandlers(hierStore, constraintStore, bundles, spokes, sink, logger)

	// Source watching is best-effort: a hub without inotify capacity
	// still serves and builds bundles on demand.
	watcher, err := bundle.NewWatcher(cfg.Bundle.SourceDir, logger)
	if err != nil {
		logger.Warn("policy source watcher unavailable",
			slog.String("dir", cfg.Bundle.SourceDir),
			slog.String("error", err.Error()))
	} else if err := watcher.Start(); err != nil {
		logger.Warn("policy source watcher failed to start",
			slog.String("error", err.Error()))
	} else {
		svc.watcher = watcher
	}

	return svc, nil
}

// Handlers returns the HTTP handler set for route registration.
func (s *Service) Handlers() *Handlers {
	return s.handlers
}

// Bundles returns the bundle manager, for CLI and test access.
func (s *Service) Bundles() *bundle.Manager {
	return s.bundles
}

// Hierarchy returns the hierarchy store.
func (s *Service) Hierarchy() *hierarchy.Store {
	return s.hierarchy
}

// Constraints returns the constraint store.
func (s *Service) Constraints() *constraint.Store {
	return s.constraints
}

// Spokes returns the spoke sync tracker.
func (s *Service) Spokes() *spokesync.Tracker {
	return s.spokes
}

// Audit returns the audit sink.
func (s *Service) Audit() *audit.Sink {
	return s.sink
}

// SourceDirty reports whether the policy source tree changed since the
// last build, when the watcher is running.
func (s *Service) SourceDirty() bool {
	return s.watcher != nil && s.watcher.Dirty()
}

// Router builds the gin engine with all federation routes under /v1
// and a prometheus scrape endpoint at /metrics.
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	RegisterRoutes(v1, s.handlers)

	// Operators poll this to see whether the policy source tree has
	// drifted from the last built bundle.
	v1.GET("/federation/source", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"source_dir": s.cfg.Bundle.SourceDir,
			"dirty":      s.SourceDirty(),
			"watching":   s.watcher != nil,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("policy plane listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down policy plane")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}

// Close stops the watcher, waits for in-flight store work, and closes
// the database.
func (s *Service) Close() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.constraints.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close policy database: %w", err)
	}
	return nil
}
