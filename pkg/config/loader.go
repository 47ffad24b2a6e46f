// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.fedmesh/hub.yaml"

// Load reads the hub configuration from path. If path is empty,
// DefaultPath is used and a default config file is written on first
// run. Fields absent from the file keep their Default() values.
func Load(path string) (HubConfig, error) {
	cfg := Default()

	firstRun := path == ""
	if firstRun {
		path = DefaultPath
	}
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !firstRun {
			return cfg, fmt.Errorf("config file %s does not exist", path)
		}
		if err := writeDefault(path); err != nil {
			return cfg, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Bundle.SourceDir = expandPath(cfg.Bundle.SourceDir)
	cfg.Bundle.OutputDir = expandPath(cfg.Bundle.OutputDir)
	cfg.Bundle.SigningKeyPath = expandPath(cfg.Bundle.SigningKeyPath)
	cfg.Logging.LogDir = expandPath(cfg.Logging.LogDir)
	return cfg, nil
}

// Validate checks field ranges that would otherwise surface as
// confusing runtime failures.
func (c HubConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Bundle.CompressionLevel < 1 || c.Bundle.CompressionLevel > 9 {
		return fmt.Errorf("bundle.compression_level %d out of range (1-9)", c.Bundle.CompressionLevel)
	}
	if c.Sync.BehindMax < 0 {
		return fmt.Errorf("sync.behind_max must be non-negative")
	}
	if c.Sync.StaleAfter.Std() <= 0 || c.Sync.CriticalAfter.Std() <= 0 || c.Sync.OfflineAfter.Std() <= 0 {
		return fmt.Errorf("sync thresholds must be positive durations")
	}
	if c.Sync.StaleAfter > c.Sync.CriticalAfter || c.Sync.CriticalAfter > c.Sync.OfflineAfter {
		return fmt.Errorf("sync thresholds must be ordered stale <= critical <= offline")
	}
	if c.Audit.Retention.Std() <= 0 {
		return fmt.Errorf("audit.retention must be a positive duration")
	}
	return nil
}

func writeDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "first run detected, writing default config to %s\n", path)
	return os.WriteFile(path, data, 0644)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
