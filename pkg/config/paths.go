// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config loads foreman configuration from file, environment, and
// bound CLI flags, and builds the process logger from it.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DataDir returns the foreman data directory.
//
// Priority:
// 1. FOREMAN_DATA_DIR environment variable (if set and non-empty)
// 2. ~/.foreman (default)
//
// The returned path is always absolute; tilde and relative paths are
// expanded. Reads os.Getenv directly, not viper: this is called during
// bootstrap to locate the config file itself.
func DataDir() string {
	if dataDir := os.Getenv("FOREMAN_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(homeDir, ".foreman")
}

// DefaultDatabasePath returns the default sqlite database location inside
// the data directory.
func DefaultDatabasePath() string {
	return filepath.Join(DataDir(), "foreman.db")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
		}
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return path
}
