// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads hub configuration from a YAML file with
// sensible defaults for every field.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML fields accept values like
// "30m" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// HubConfig is the top-level configuration for the fedmesh hub.
type HubConfig struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Storage configures the embedded database.
	Storage StorageConfig `yaml:"storage"`

	// Bundle configures policy bundle building and distribution.
	Bundle BundleConfig `yaml:"bundle"`

	// Sync configures spoke drift thresholds.
	Sync SyncConfig `yaml:"sync"`

	// Audit configures the decision audit sink.
	Audit AuditConfig `yaml:"audit"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"` // e.g. 0.0.0.0
	Port int    `yaml:"port"` // e.g. 8080
}

type StorageConfig struct {
	// DataDir is the badger database directory. Empty means in-memory,
	// which is only useful for tests and local experiments.
	DataDir string `yaml:"data_dir"`
}

type BundleConfig struct {
	// SourceDir holds the policy source tree, one subdirectory per
	// scope plus "base".
	SourceDir string `yaml:"source_dir"`

	// OutputDir is where built bundle artifacts land.
	OutputDir string `yaml:"output_dir"`

	// TenantScopes lists the tenant scope directories under SourceDir.
	TenantScopes []string `yaml:"tenant_scopes"`

	// SigningKeyPath points to an ed25519 private key in PKCS#8 PEM.
	// Empty or unreadable means bundles publish unsigned.
	SigningKeyPath string `yaml:"signing_key_path"`

	// CompressionLevel is the gzip level for compressed bundles, 1-9.
	CompressionLevel int `yaml:"compression_level"`
}

type SyncConfig struct {
	// BehindMax is how many versions behind a spoke may run before it
	// counts as stale.
	BehindMax int `yaml:"behind_max"`

	StaleAfter    Duration `yaml:"stale_after"`
	CriticalAfter Duration `yaml:"critical_after"`
	OfflineAfter  Duration `yaml:"offline_after"`
}

type AuditConfig struct {
	// Retention is how long decision and config-change records live
	// before the store expires them.
	Retention Duration `yaml:"retention"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	LogDir string `yaml:"log_dir"`
	JSON   bool   `yaml:"json"`
	Quiet  bool   `yaml:"quiet"`
}

// Default returns the configuration used when no file or field is
// provided.
func Default() HubConfig {
	return HubConfig{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir: "~/.fedmesh/data",
		},
		Bundle: BundleConfig{
			SourceDir:        "~/.fedmesh/policy",
			OutputDir:        "~/.fedmesh/bundles",
			TenantScopes:     []string{},
			CompressionLevel: 6,
		},
		Sync: SyncConfig{
			BehindMax:     3,
			StaleAfter:    Duration(time.Hour),
			CriticalAfter: Duration(6 * time.Hour),
			OfflineAfter:  Duration(24 * time.Hour),
		},
		Audit: AuditConfig{
			Retention: Duration(90 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
	}
}
