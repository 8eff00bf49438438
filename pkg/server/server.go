// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package server exposes the command ingress (REST), the websocket event
// egress, and the SSE mirror over one HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/hub"
	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/types"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns a permissive CORS configuration
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           86400, // 24 hours
	}
}

// Coordinator accepts user messages for serialized processing.
type Coordinator interface {
	HandleUserMessage(ctx context.Context, text string) error
	Orchestrator(ctx context.Context) (*types.Orchestrator, error)
}

// AgentService is the subset of supervisor operations the ingress exposes.
type AgentService interface {
	DispatchCommand(ctx context.Context, agentID, command string) error
	DeleteAgent(ctx context.Context, agentID string) error
}

// TicketService is the ticket-board surface the ingress exposes.
type TicketService interface {
	Create(ctx context.Context, title, body string) (*types.Ticket, error)
	Get(ctx context.Context, id string) (*types.Ticket, error)
	List(ctx context.Context, includeArchived bool) ([]*types.Ticket, error)
	Move(ctx context.Context, id string, to types.TicketStage) (*types.Ticket, error)
}

// Config holds configuration for the HTTP server.
type Config struct {
	Addr string // Default: :8420

	Store       *store.Store
	Coordinator Coordinator
	Agents      AgentService
	Tickets     TicketService
	Hub         *hub.Hub

	CORS   CORSConfig
	Logger *zap.Logger
}

// Server serves the foreman HTTP API.
type Server struct {
	store       *store.Store
	coordinator Coordinator
	agents      AgentService
	tickets     TicketService
	hub         *hub.Hub
	corsConfig  CORSConfig
	logger      *zap.Logger
	httpServer  *http.Server
}

// New creates a Server.
func New(config Config) (*Server, error) {
	if config.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if config.Coordinator == nil {
		return nil, errors.New("server: coordinator is required")
	}
	if config.Agents == nil {
		return nil, errors.New("server: agent service is required")
	}
	if config.Tickets == nil {
		return nil, errors.New("server: ticket service is required")
	}
	if config.Hub == nil {
		return nil, errors.New("server: hub is required")
	}
	if config.Addr == "" {
		config.Addr = ":8420"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if len(config.CORS.AllowedOrigins) == 0 {
		config.CORS = DefaultCORSConfig()
	}

	s := &Server{
		store:       config.Store,
		coordinator: config.Coordinator,
		agents:      config.Agents,
		tickets:     config.Tickets,
		hub:         config.Hub,
		corsConfig:  config.CORS,
		logger:      config.Logger,
		httpServer: &http.Server{
			Addr:         config.Addr,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // No timeout for SSE/websocket
			IdleTimeout:  120 * time.Second,
		},
	}
	s.httpServer.Handler = s.buildHandler()
	return s, nil
}

// Handler returns the fully-wired HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = s.logMiddleware(mux)
	if s.corsConfig.Enabled {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// logMiddleware logs one line per request.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// corsMiddleware adds CORS headers to HTTP responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowedOrigin := s.getAllowedOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		}

		if s.corsConfig.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if len(s.corsConfig.AllowedMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(s.corsConfig.AllowedMethods, ", "))
		}
		if len(s.corsConfig.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(s.corsConfig.AllowedHeaders, ", "))
		}
		if len(s.corsConfig.ExposedHeaders) > 0 {
			w.Header().Set("Access-Control-Expose-Headers", strings.Join(s.corsConfig.ExposedHeaders, ", "))
		}
		if s.corsConfig.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", s.corsConfig.MaxAge))
		}

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getAllowedOrigin checks if the origin is allowed and returns it, or empty string if not
func (s *Server) getAllowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, allowed := range s.corsConfig.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
	}
	return ""
}
