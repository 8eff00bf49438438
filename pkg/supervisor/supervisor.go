// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package supervisor creates, commands, and retires worker agents. Commands
// to different agents run in parallel; a second command to an agent with one
// in flight is rejected, not queued. Every state change the supervisor makes
// is observable through emitted events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/runtime"
	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/types"
)

const (
	// DefaultCommandTimeout bounds one agent command end to end.
	DefaultCommandTimeout = 2 * time.Minute
	// DefaultCreateTimeout bounds the initial instruction sent at creation.
	DefaultCreateTimeout = 2 * time.Minute
)

// Broadcaster fans an event frame out to every connected client. The hub
// implements this; tests substitute a recorder.
type Broadcaster interface {
	Publish(ctx context.Context, t types.FrameType, payload any) (*types.Frame, error)
}

// Config holds configuration for the Supervisor.
type Config struct {
	Store   *store.Store
	Runtime runtime.Runtime
	Hub     Broadcaster

	// DefaultModel is used when a create request names no model.
	DefaultModel string

	CommandTimeout time.Duration // Default: 2m
	CreateTimeout  time.Duration // Default: 2m

	Logger *zap.Logger
}

// Supervisor owns the worker-agent lifecycle on behalf of one orchestrator.
type Supervisor struct {
	store          *store.Store
	runtime        runtime.Runtime
	hub            Broadcaster
	defaultModel   string
	commandTimeout time.Duration
	createTimeout  time.Duration
	logger         *zap.Logger

	// mu guards entries and the lock/defer-archive handshake in
	// DeleteAgent and finishCommand.
	mu      sync.Mutex
	entries map[string]*agentEntry
}

// agentEntry carries the per-agent command mutex. deferArchive is set when a
// delete arrives mid-execution; the in-flight command archives on completion.
type agentEntry struct {
	cmd          sync.Mutex
	deferArchive bool
}

// New creates a Supervisor.
func New(config Config) (*Supervisor, error) {
	if config.Store == nil {
		return nil, errors.New("supervisor: store is required")
	}
	if config.Runtime == nil {
		return nil, errors.New("supervisor: runtime is required")
	}
	if config.Hub == nil {
		return nil, errors.New("supervisor: hub is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = runtime.DefaultModel
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}
	if config.CreateTimeout == 0 {
		config.CreateTimeout = DefaultCreateTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Supervisor{
		store:          config.Store,
		runtime:        config.Runtime,
		hub:            config.Hub,
		defaultModel:   config.DefaultModel,
		commandTimeout: config.CommandTimeout,
		createTimeout:  config.CreateTimeout,
		logger:         config.Logger,
		entries:        make(map[string]*agentEntry),
	}, nil
}

func (s *Supervisor) entry(agentID string) *agentEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[agentID]
	if !ok {
		e = &agentEntry{}
		s.entries[agentID] = e
	}
	return e
}

// CreateAgent allocates an agent, opens a runtime session with the initial
// instruction, and returns once the first response is durably logged. A
// runtime failure leaves the agent in errored and returns AgentCreationError.
func (s *Supervisor) CreateAgent(ctx context.Context, orchestratorID, name, model, instruction string) (*types.Agent, error) {
	if name == "" {
		return nil, &types.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if orchestratorID == "" {
		return nil, &types.ValidationError{Field: "orchestrator_id", Reason: "must not be empty"}
	}
	if model == "" {
		model = s.defaultModel
	}

	agent := &types.Agent{
		ID:             uuid.NewString(),
		OrchestratorID: orchestratorID,
		Name:           name,
		Model:          model,
		Status:         types.AgentIdle,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	// Hold the command mutex across the initial instruction, acquired before
	// the created frame goes out: a command racing creation is rejected busy,
	// and a delete mid-creation defers to finishCommand.
	if instruction != "" {
		entry := s.entry(agent.ID)
		entry.cmd.Lock()
		defer s.finishCommand(ctx, agent.ID, entry)
	}

	s.publish(ctx, types.FrameAgentCreated, agent)
	s.logger.Info("Agent created",
		zap.String("agent_id", agent.ID),
		zap.String("name", name),
		zap.String("model", model))

	if instruction == "" {
		return agent, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.createTimeout)
	defer cancel()

	if _, err := s.store.AppendPrompt(ctx, types.Owner{Kind: types.OwnerAgent, ID: agent.ID}, instruction, model); err != nil {
		return nil, err
	}
	result, err := s.runtime.Query(queryCtx, runtime.Session{Model: model}, instruction, s.blockSink(ctx, agent.ID))
	if err != nil {
		s.setStatus(ctx, agent.ID, types.AgentIdle, types.AgentErrored)
		return nil, &types.AgentCreationError{Name: name, Err: err}
	}

	if err := s.store.UpdateAgentSession(ctx, agent.ID, result.SessionID); err != nil {
		return nil, err
	}
	agent.SessionID = result.SessionID
	s.recordUsage(ctx, agent.ID, result.Usage)

	updated, err := s.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, types.FrameAgentUpdated, updated)
	return updated, nil
}

// CommandAgent runs one command against an agent, synchronously. It rejects
// with AgentBusyError when a command is already in flight. On acceptance the
// agent transitions idle→executing, every response block is persisted and
// broadcast as it arrives, and completion restores idle (or errored) and
// accrues usage.
func (s *Supervisor) CommandAgent(ctx context.Context, agentID, command string) (*runtime.Result, error) {
	if command == "" {
		return nil, &types.ValidationError{Field: "command", Reason: "must not be empty"}
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Archived {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}

	entry := s.entry(agentID)
	if !entry.cmd.TryLock() {
		return nil, &types.AgentBusyError{AgentID: agentID}
	}
	defer s.finishCommand(ctx, agentID, entry)

	return s.execute(ctx, agent, command)
}

// DispatchCommand accepts or rejects a command synchronously, then executes
// it in the background. Busy and validation failures surface to the caller;
// execution failures surface only as events.
func (s *Supervisor) DispatchCommand(ctx context.Context, agentID, command string) error {
	if command == "" {
		return &types.ValidationError{Field: "command", Reason: "must not be empty"}
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Archived {
		return fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}

	entry := s.entry(agentID)
	if !entry.cmd.TryLock() {
		return &types.AgentBusyError{AgentID: agentID}
	}

	go func() {
		// Detached from the request context: the command outlives the
		// HTTP exchange that accepted it.
		bg := context.WithoutCancel(ctx)
		defer s.finishCommand(bg, agentID, entry)
		if _, err := s.execute(bg, agent, command); err != nil {
			s.logger.Warn("Background command failed",
				zap.String("agent_id", agentID), zap.Error(err))
			// No caller is waiting on this result; the failure must reach
			// clients as an event.
			s.publishError(bg, agentID, err)
		}
	}()
	return nil
}

// execute runs one accepted command. The caller holds the agent's command
// mutex.
func (s *Supervisor) execute(ctx context.Context, agent *types.Agent, command string) (*runtime.Result, error) {
	agentID := agent.ID
	s.setStatus(ctx, agentID, agent.Status, types.AgentExecuting)

	if _, err := s.store.AppendPrompt(ctx, types.Owner{Kind: types.OwnerAgent, ID: agentID}, command, agent.Model); err != nil {
		s.setStatus(ctx, agentID, types.AgentExecuting, types.AgentErrored)
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	session := runtime.Session{ID: agent.SessionID, Model: agent.Model}
	result, err := s.runtime.Query(queryCtx, session, command, s.blockSink(ctx, agentID))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &types.RuntimeTimeoutError{AgentID: agentID, Timeout: s.commandTimeout}
		}
		s.logFailure(ctx, agentID, err)
		s.setStatus(ctx, agentID, types.AgentExecuting, types.AgentErrored)
		return nil, err
	}

	if result.SessionID != agent.SessionID {
		if err := s.store.UpdateAgentSession(ctx, agentID, result.SessionID); err != nil {
			s.logger.Error("Failed to persist agent session", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	s.recordUsage(ctx, agentID, result.Usage)
	s.setStatus(ctx, agentID, types.AgentExecuting, types.AgentIdle)

	if updated, err := s.store.GetAgent(ctx, agentID); err == nil {
		s.publish(ctx, types.FrameAgentUpdated, updated)
	}
	return result, nil
}

// DeleteAgent archives an agent. If a command is in flight the archive is
// deferred until that command completes; history is never purged either way.
func (s *Supervisor) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[agentID]
	if !ok {
		e = &agentEntry{}
		s.entries[agentID] = e
	}
	if !e.cmd.TryLock() {
		e.deferArchive = true
		s.mu.Unlock()
		s.logger.Info("Agent archive deferred until command completes",
			zap.String("agent_id", agentID))
		return nil
	}
	s.mu.Unlock()
	defer e.cmd.Unlock()

	return s.archive(ctx, agentID)
}

// finishCommand releases the command mutex and performs any archive that was
// deferred while the command was in flight.
func (s *Supervisor) finishCommand(ctx context.Context, agentID string, entry *agentEntry) {
	s.mu.Lock()
	deferred := entry.deferArchive
	entry.deferArchive = false
	entry.cmd.Unlock()
	s.mu.Unlock()

	if deferred {
		if err := s.archive(ctx, agentID); err != nil {
			s.logger.Error("Deferred archive failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

func (s *Supervisor) archive(ctx context.Context, agentID string) error {
	if err := s.store.ArchiveAgent(ctx, agentID); err != nil {
		return err
	}
	s.publish(ctx, types.FrameAgentDeleted, map[string]string{"agent_id": agentID})
	s.logger.Info("Agent archived", zap.String("agent_id", agentID))
	return nil
}

// Agents lists the live (non-archived) agents.
func (s *Supervisor) Agents(ctx context.Context) ([]*types.Agent, error) {
	return s.store.ListAgents(ctx, false)
}

// blockSink returns a BlockFunc that persists each streamed block to the
// agent's log and broadcasts it. The result block is skipped here; completion
// is reported through the cost-update entry instead.
func (s *Supervisor) blockSink(ctx context.Context, agentID string) runtime.BlockFunc {
	return func(b runtime.Block) {
		var payload types.Payload
		switch b.Kind {
		case runtime.BlockText:
			payload = types.TextPayload{Text: b.Text}
		case runtime.BlockThinking:
			payload = types.ThinkingPayload{Text: b.Text}
		case runtime.BlockToolUse:
			payload = types.ToolUsePayload{Tool: b.Tool, Input: b.Input}
		default:
			return
		}
		s.logAndBroadcast(ctx, agentID, payload)
	}
}

// logAndBroadcast appends one entry to the agent's durable log, then fans it
// out. The append allocates the per-agent sequence number.
func (s *Supervisor) logAndBroadcast(ctx context.Context, agentID string, payload types.Payload) {
	seq, err := s.store.AppendAgentLog(ctx, agentID, payload)
	if err != nil {
		s.logger.Error("Failed to append agent log",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	raw, err := types.EncodePayload(payload)
	if err != nil {
		s.logger.Error("Failed to encode agent log payload",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	s.publish(ctx, types.FrameAgentLog, types.AgentLogFrame{
		AgentID:  agentID,
		Seq:      seq,
		Category: payload.Category(),
		Payload:  raw,
	})
}

// setStatus persists a status transition, logs it, and broadcasts it.
func (s *Supervisor) setStatus(ctx context.Context, agentID string, from, to types.AgentStatus) {
	if err := s.store.UpdateAgentStatus(ctx, agentID, to); err != nil {
		s.logger.Error("Failed to update agent status",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	s.logAndBroadcast(ctx, agentID, types.StatusChangePayload{From: string(from), To: string(to)})
	s.publish(ctx, types.FrameAgentStatusChanged, types.StatusChangedFrame{
		AgentID: agentID,
		From:    from,
		To:      to,
	})
}

// recordUsage accrues a completed command's usage and logs the cost update.
func (s *Supervisor) recordUsage(ctx context.Context, agentID string, delta types.Usage) {
	if delta == (types.Usage{}) {
		return
	}
	total, err := s.store.AddAgentUsage(ctx, agentID, delta)
	if err != nil {
		s.logger.Error("Failed to accrue agent usage",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	s.logAndBroadcast(ctx, agentID, types.CostUpdatePayload{Delta: delta, Total: total})
}

// logFailure records a runtime failure in the agent's durable log so it is
// never silently dropped.
func (s *Supervisor) logFailure(ctx context.Context, agentID string, cause error) {
	s.logAndBroadcast(ctx, agentID, types.HookPayload{
		Operation: "command_agent",
		Error:     cause.Error(),
		Post:      true,
	})
	if err := s.store.AppendSystemLog(ctx, "error", "supervisor", cause.Error()); err != nil {
		s.logger.Error("Failed to append system log", zap.Error(err))
	}
}

// publishError broadcasts a user-visible failure with enough context (agent
// id, last known sequence) for a client to drive a manual resync.
func (s *Supervisor) publishError(ctx context.Context, agentID string, cause error) {
	var lastSeq uint64
	if seq, err := s.store.LastEventSeq(ctx); err == nil {
		lastSeq = seq
	}
	s.publish(ctx, types.FrameError, types.ErrorFrame{
		Message: cause.Error(),
		AgentID: agentID,
		LastSeq: lastSeq,
	})
}

func (s *Supervisor) publish(ctx context.Context, t types.FrameType, payload any) {
	if _, err := s.hub.Publish(ctx, t, payload); err != nil {
		s.logger.Error("Failed to publish frame",
			zap.String("type", string(t)), zap.Error(err))
	}
}
