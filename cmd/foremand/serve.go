// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/hub"
	"github.com/teradata-labs/foreman/pkg/orchestrator"
	"github.com/teradata-labs/foreman/pkg/runtime"
	"github.com/teradata-labs/foreman/pkg/server"
	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/supervisor"
	"github.com/teradata-labs/foreman/pkg/tickets"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the foreman server",
	Long:  `Start the HTTP/websocket server, the orchestrator message loop, and the ticket poller. Runs until SIGINT or SIGTERM.`,
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting foreman server", zap.String("version", rootCmd.Version))
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("Config file loaded", zap.String("path", used))
	} else {
		logger.Info("No config file found, using defaults + environment variables")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}
	st, err := store.Open(store.Config{
		Path:     cfg.Database.Path,
		MaxConns: cfg.Database.MaxConns,
		Logger:   logger.Named("store"),
	})
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	logger.Info("Database opened", zap.String("path", cfg.Database.Path))

	h, err := hub.New(hub.Config{
		Store:  st,
		Logger: logger.Named("hub"),
	})
	if err != nil {
		logger.Fatal("Failed to create hub", zap.Error(err))
	}

	rt := runtime.NewAnthropic(runtime.AnthropicConfig{
		APIKey:    cfg.Runtime.APIKey,
		Model:     cfg.Runtime.Model,
		Endpoint:  cfg.Runtime.Endpoint,
		Timeout:   cfg.Runtime.Timeout(),
		MaxTokens: cfg.Runtime.MaxTokens,
		Logger:    logger.Named("runtime"),
	})

	sup, err := supervisor.New(supervisor.Config{
		Store:          st,
		Runtime:        rt,
		Hub:            h,
		DefaultModel:   cfg.Runtime.Model,
		CommandTimeout: cfg.Runtime.Timeout(),
		Logger:         logger.Named("supervisor"),
	})
	if err != nil {
		logger.Fatal("Failed to create supervisor", zap.Error(err))
	}

	coord, err := orchestrator.New(orchestrator.Config{
		Store:        st,
		Runtime:      rt,
		Supervisor:   sup,
		Hub:          h,
		QueryTimeout: cfg.Runtime.Timeout(),
		Logger:       logger.Named("orchestrator"),
	})
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	ctx := context.Background()
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	orch, err := st.GetOrchestrator(ctx)
	if err != nil {
		logger.Fatal("Failed to load orchestrator row", zap.Error(err))
	}

	tix, err := tickets.New(tickets.Config{
		Store:          st,
		Supervisor:     sup,
		Hub:            h,
		OrchestratorID: orch.ID,
		Schedule:       cfg.Poller.Schedule,
		Model:          cfg.Runtime.Model,
		Logger:         logger.Named("tickets"),
	})
	if err != nil {
		logger.Fatal("Failed to create ticket service", zap.Error(err))
	}
	if err := tix.Start(ctx); err != nil {
		logger.Fatal("Failed to start ticket poller", zap.Error(err))
	}

	srv, err := server.New(server.Config{
		Addr:        cfg.Server.Addr(),
		Store:       st,
		Coordinator: coord,
		Agents:      sup,
		Tickets:     tix,
		Hub:         h,
		Logger:      logger.Named("server"),
	})
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	tix.Stop()
	coord.Stop()
	h.Close()
	if err := st.Close(); err != nil {
		logger.Warn("Database close error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
