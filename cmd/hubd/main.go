// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command hubd starts the fedmesh policy plane hub.
//
// The hub is the authoritative side of a hub-and-spoke policy
// distribution mesh: it holds the COI hierarchy, the bilateral
// federation constraints, builds versioned policy bundles, tracks
// spoke sync state, and collects the coalition audit trail.
//
// Usage:
//
//	go run ./cmd/hubd
//	go run ./cmd/hubd -config /etc/fedmesh/hub.yaml -port 9090
//
// Environment overrides:
//
//	FEDMESH_CONFIG      path to the YAML config file
//	FEDMESH_PORT        HTTP listen port
//	FEDMESH_DATA_DIR    badger database directory
//	FEDMESH_SOURCE_DIR  policy source tree
//	FEDMESH_LOG_LEVEL   debug, info, warn, error
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/federation/health
//
//	# Trigger a bundle build for every tenant scope
//	curl -X POST http://localhost:8080/v1/federation/bundles \
//	  -H "Content-Type: application/json" \
//	  -d '{"scopes": ["all"], "compress": true}'
//
//	# Spoke heartbeat
//	curl -X POST http://localhost:8080/v1/federation/spokes/esp/heartbeat \
//	  -H "Content-Type: application/json" \
//	  -d '{"currentVersion": "20260115-000001"}'
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/fedmesh/fedmesh/pkg/config"
	"github.com/fedmesh/fedmesh/pkg/logging"
	"github.com/fedmesh/fedmesh/services/policyplane"
)

func main() {
	configPath := flag.String("config", "", "Path to the hub YAML config (default ~/.fedmesh/hub.yaml)")
	port := flag.Int("port", 0, "Override the configured HTTP port")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	path := *configPath
	if env := os.Getenv("FEDMESH_CONFIG"); path == "" && env != "" {
		path = env
	}

	cfg, err := config.Load(path)
	if err != nil {
		logging.Default().Error("failed to load config", "error", err)
		os.Exit(1)
	}
	applyEnvOverrides(&cfg)
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.LogDir,
		Service: "hubd",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()

	svc, err := policyplane.NewService(cfg, logger.Slog())
	if err != nil {
		logger.Error("failed to start policy plane", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fedmesh hub starting",
		"port", cfg.Server.Port,
		"data_dir", cfg.Storage.DataDir,
		"source_dir", cfg.Bundle.SourceDir,
		"tenant_scopes", cfg.Bundle.TenantScopes,
	)
	if err := svc.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("fedmesh hub stopped")
}

// applyEnvOverrides layers environment variables over the file config,
// for container deployments that can't mount a YAML file.
func applyEnvOverrides(cfg *config.HubConfig) {
	if v := os.Getenv("FEDMESH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("FEDMESH_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FEDMESH_SOURCE_DIR"); v != "" {
		cfg.Bundle.SourceDir = v
	}
	if v := os.Getenv("FEDMESH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
