// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultConfigFileName is the config file name searched for (foreman.yaml).
const DefaultConfigFileName = "foreman"

// Config holds all configuration for the foreman daemon.
// Priority: CLI flags > config file > env vars > defaults.
type Config struct {
	// DataDir is computed from FOREMAN_DATA_DIR or ~/.foreman, never from
	// the config file.
	DataDir string `mapstructure:"-"`

	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds sqlite configuration.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RuntimeConfig holds the Anthropic runtime configuration.
type RuntimeConfig struct {
	// APIKey is taken from CLI flag, config file, or ANTHROPIC_API_KEY.
	APIKey         string `mapstructure:"anthropic_api_key"`
	Model          string `mapstructure:"model"`
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxTokens      int    `mapstructure:"max_tokens"`
}

// Timeout returns the per-call runtime timeout.
func (c RuntimeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollerConfig holds the idle-ticket poller configuration.
type PollerConfig struct {
	// Schedule is a cron expression, e.g. "@every 5s".
	Schedule string `mapstructure:"schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
	File   string `mapstructure:"file"`   // optional, defaults to stderr
}

// Load reads configuration with the following priority:
// 1. CLI flags (bound to viper by the command)
// 2. Config file
// 3. Environment variables (FOREMAN_ prefix, dots as underscores)
// 4. Defaults
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(DataDir())
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/foreman/")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// No config file; defaults + env vars + flags.
	}

	viper.SetEnvPrefix("FOREMAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.DataDir = DataDir()

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8420)

	viper.SetDefault("database.path", DefaultDatabasePath())
	viper.SetDefault("database.max_conns", 10)

	viper.SetDefault("runtime.model", "")
	viper.SetDefault("runtime.timeout_seconds", 120)
	viper.SetDefault("runtime.max_tokens", 4096)

	viper.SetDefault("poller.schedule", "@every 5s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Runtime.TimeoutSeconds <= 0 {
		return fmt.Errorf("runtime.timeout_seconds must be positive, got %d", c.Runtime.TimeoutSeconds)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// BuildLogger constructs the process logger from the logging configuration.
// Stack traces are attached at ERROR level only.
func (c LoggingConfig) BuildLogger() (*zap.Logger, error) {
	var zapConfig zap.Config
	if c.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level := zap.InfoLevel
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if c.File != "" {
		zapConfig.OutputPaths = []string{c.File}
		zapConfig.ErrorOutputPaths = []string{c.File}
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
