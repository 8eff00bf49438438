// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tickets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/runtime"
	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/types"
)

const (
	// DefaultSchedule is the poller cadence for claiming idle tickets.
	DefaultSchedule = "@every 5s"
)

// Supervisor is the subset of agent operations the workflow driver uses.
type Supervisor interface {
	CreateAgent(ctx context.Context, orchestratorID, name, model, instruction string) (*types.Agent, error)
	CommandAgent(ctx context.Context, agentID, command string) (*runtime.Result, error)
}

// Broadcaster fans an event frame out to every connected client.
type Broadcaster interface {
	Publish(ctx context.Context, t types.FrameType, payload any) (*types.Frame, error)
}

// Config holds configuration for the ticket Service.
type Config struct {
	Store      *store.Store
	Supervisor Supervisor
	Hub        Broadcaster

	// OrchestratorID owns the agents the workflow spawns.
	OrchestratorID string

	// Schedule is a cron expression for the idle-ticket poller.
	Schedule string // Default: @every 5s

	// Model overrides the default model for workflow agents.
	Model string

	Logger *zap.Logger
}

// Service owns the ticket pipeline: manual moves, the workflow driver, and
// the polling claimer.
type Service struct {
	store          *store.Store
	supervisor     Supervisor
	hub            Broadcaster
	orchestratorID string
	schedule       string
	model          string
	logger         *zap.Logger

	cron *cron.Cron
}

// New creates a ticket Service.
func New(config Config) (*Service, error) {
	if config.Store == nil {
		return nil, errors.New("tickets: store is required")
	}
	if config.Supervisor == nil {
		return nil, errors.New("tickets: supervisor is required")
	}
	if config.Hub == nil {
		return nil, errors.New("tickets: hub is required")
	}
	if config.OrchestratorID == "" {
		return nil, errors.New("tickets: orchestrator id is required")
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Service{
		store:          config.Store,
		supervisor:     config.Supervisor,
		hub:            config.Hub,
		orchestratorID: config.OrchestratorID,
		schedule:       config.Schedule,
		model:          config.Model,
		logger:         config.Logger,
	}, nil
}

// Start launches the polling claimer.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()
	bg := context.WithoutCancel(ctx)
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Scan(bg) }); err != nil {
		return fmt.Errorf("tickets: bad poll schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Ticket poller started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the poller and waits for any tick in progress.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Create adds a ticket to the backlog in idle.
func (s *Service) Create(ctx context.Context, title, body string) (*types.Ticket, error) {
	if title == "" {
		return nil, &types.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	ticket := &types.Ticket{
		ID:    uuid.NewString(),
		Title: title,
		Body:  body,
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return nil, err
	}
	s.publishTicket(ctx, ticket.ID)
	return ticket, nil
}

// Get returns one ticket.
func (s *Service) Get(ctx context.Context, id string) (*types.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

// List returns tickets on the board.
func (s *Service) List(ctx context.Context, includeArchived bool) ([]*types.Ticket, error) {
	return s.store.ListTickets(ctx, includeArchived)
}

// Move performs a human-initiated relocation. Supervisor-owned stages are
// rejected here regardless of what the client showed. A move into planning
// claims the ticket and starts its workflow.
func (s *Service) Move(ctx context.Context, id string, to types.TicketStage) (*types.Ticket, error) {
	ticket, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanManualMove(ticket.Stage, to) {
		return nil, &ManualMoveError{TicketID: id, From: ticket.Stage, To: to}
	}

	if to == types.StagePlanning {
		claimed, err := s.store.ClaimTicket(ctx, id, ticket.Stage, types.StagePlanning)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Lost the race to the poller or another mover.
			return nil, &ManualMoveError{TicketID: id, From: ticket.Stage, To: to}
		}
		s.publishTicket(ctx, id)
		go s.runWorkflow(context.WithoutCancel(ctx), id)
	} else {
		if err := s.store.UpdateTicketStage(ctx, id, to, ""); err != nil {
			return nil, err
		}
		s.publishTicket(ctx, id)
	}

	return s.store.GetTicket(ctx, id)
}

// Scan claims every idle ticket and starts its workflow. The claim is an
// atomic conditional stage transition, so concurrent scans (or a scan racing
// a manual move) never double-process a ticket. Safe to call on any cadence.
func (s *Service) Scan(ctx context.Context) {
	for {
		ticket, err := s.store.NextIdleTicket(ctx)
		if errors.Is(err, types.ErrNotFound) {
			return
		}
		if err != nil {
			s.logger.Error("Ticket scan failed", zap.Error(err))
			return
		}

		claimed, err := s.store.ClaimTicket(ctx, ticket.ID, types.StageIdle, types.StagePlanning)
		if err != nil {
			s.logger.Error("Ticket claim failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			return
		}
		if !claimed {
			continue
		}
		s.logger.Info("Ticket claimed", zap.String("ticket_id", ticket.ID))
		s.publishTicket(ctx, ticket.ID)
		go s.runWorkflow(ctx, ticket.ID)
	}
}

// publishTicket broadcasts the ticket's current row.
func (s *Service) publishTicket(ctx context.Context, id string) {
	ticket, err := s.store.GetTicket(ctx, id)
	if err != nil {
		s.logger.Error("Failed to load ticket", zap.String("ticket_id", id), zap.Error(err))
		return
	}
	if _, err := s.hub.Publish(ctx, types.FrameTicketUpdated, ticket); err != nil {
		s.logger.Error("Failed to publish ticket", zap.String("ticket_id", id), zap.Error(err))
	}
}

// fail moves a ticket to errored and halts its automatic progression.
func (s *Service) fail(ctx context.Context, id string, cause error) {
	s.logger.Warn("Ticket workflow failed", zap.String("ticket_id", id), zap.Error(cause))
	if err := s.store.UpdateTicketStage(ctx, id, types.StageErrored, cause.Error()); err != nil {
		s.logger.Error("Failed to mark ticket errored", zap.String("ticket_id", id), zap.Error(err))
		return
	}
	s.publishTicket(ctx, id)
}

// advance moves a ticket to the next automatic stage.
func (s *Service) advance(ctx context.Context, id string, from types.TicketStage) (types.TicketStage, error) {
	next, ok := NextStage(from)
	if !ok {
		return "", fmt.Errorf("stage %s has no automatic successor", from)
	}
	if err := s.store.UpdateTicketStage(ctx, id, next, ""); err != nil {
		return "", err
	}
	s.publishTicket(ctx, id)
	return next, nil
}
