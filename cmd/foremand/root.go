// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/foreman/internal/version"
	"github.com/teradata-labs/foreman/pkg/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "foremand",
	Short:   "Foreman server - orchestrator, agent fleet, and event stream",
	Long:    `Foreman server (foremand) runs the orchestrator loop, the agent supervisor, the ticket pipeline, and the HTTP/websocket event stream.`,
	Version: version.Get(),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $FOREMAN_DATA_DIR/foreman.yaml)")

	// Server flags
	rootCmd.PersistentFlags().String("host", "0.0.0.0", "HTTP server host")
	rootCmd.PersistentFlags().Int("port", 8420, "HTTP server port")

	// Database flags
	rootCmd.PersistentFlags().String("db", config.DefaultDatabasePath(), "SQLite database path")

	// Runtime flags
	rootCmd.PersistentFlags().String("anthropic-key", "", "Anthropic API key (or use ANTHROPIC_API_KEY)")
	rootCmd.PersistentFlags().String("model", "", "Model for orchestrator and agents (empty = runtime default)")
	rootCmd.PersistentFlags().Int("runtime-timeout", 120, "Per-call runtime timeout in seconds")

	// Ticket poller flags
	rootCmd.PersistentFlags().String("poll-schedule", "@every 5s", "Cron schedule for the idle-ticket poller")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("server.host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))

	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))

	_ = viper.BindPFlag("runtime.anthropic_api_key", rootCmd.PersistentFlags().Lookup("anthropic-key"))
	_ = viper.BindPFlag("runtime.model", rootCmd.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("runtime.timeout_seconds", rootCmd.PersistentFlags().Lookup("runtime-timeout"))

	_ = viper.BindPFlag("poller.schedule", rootCmd.PersistentFlags().Lookup("poll-schedule"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
