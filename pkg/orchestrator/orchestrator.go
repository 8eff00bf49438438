// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package orchestrator is the singleton coordinator: it interprets incoming
// user messages, decides which supervisor operations to invoke, and emits
// its own events. Messages are processed one at a time so the causal log
// stays single-threaded and auditable.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/runtime"
	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/types"
)

const (
	// DefaultQueueSize bounds the pending user-message queue.
	DefaultQueueSize = 64
	// DefaultQueryTimeout bounds one coordinator runtime call.
	DefaultQueryTimeout = 2 * time.Minute
	// MaxMessageLen rejects runaway inputs before they reach the runtime.
	MaxMessageLen = 32 * 1024
)

// Tool names the coordinator recognizes in the runtime's response stream.
const (
	ToolCreateAgent  = "create_agent"
	ToolCommandAgent = "command_agent"
	ToolDeleteAgent  = "delete_agent"
)

// Supervisor is the subset of agent-lifecycle operations the coordinator
// drives. The supervisor package implements it.
type Supervisor interface {
	CreateAgent(ctx context.Context, orchestratorID, name, model, instruction string) (*types.Agent, error)
	CommandAgent(ctx context.Context, agentID, command string) (*runtime.Result, error)
	DeleteAgent(ctx context.Context, agentID string) error
}

// Broadcaster fans an event frame out to every connected client.
type Broadcaster interface {
	Publish(ctx context.Context, t types.FrameType, payload any) (*types.Frame, error)
}

// Config holds configuration for the Coordinator.
type Config struct {
	Store      *store.Store
	Runtime    runtime.Runtime
	Supervisor Supervisor
	Hub        Broadcaster

	QueueSize    int           // Default: 64
	QueryTimeout time.Duration // Default: 2m

	Logger *zap.Logger
}

// Coordinator is the serialized entry point for user messages.
type Coordinator struct {
	store        *store.Store
	runtime      runtime.Runtime
	supervisor   Supervisor
	hub          Broadcaster
	queryTimeout time.Duration
	logger       *zap.Logger

	queue chan string

	mu   sync.Mutex
	orch *types.Orchestrator

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Coordinator.
func New(config Config) (*Coordinator, error) {
	if config.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if config.Runtime == nil {
		return nil, errors.New("orchestrator: runtime is required")
	}
	if config.Supervisor == nil {
		return nil, errors.New("orchestrator: supervisor is required")
	}
	if config.Hub == nil {
		return nil, errors.New("orchestrator: hub is required")
	}
	if config.QueueSize == 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Coordinator{
		store:        config.Store,
		runtime:      config.Runtime,
		supervisor:   config.Supervisor,
		hub:          config.Hub,
		queryTimeout: config.QueryTimeout,
		logger:       config.Logger,
		queue:        make(chan string, config.QueueSize),
		done:         make(chan struct{}),
	}, nil
}

// Start loads (creating if necessary) the orchestrator row and launches the
// single worker goroutine that drains the message queue.
func (c *Coordinator) Start(ctx context.Context) error {
	orch, err := c.store.InitOrchestrator(ctx, nil)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	c.mu.Lock()
	c.orch = orch
	c.mu.Unlock()

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	go func() {
		defer close(c.done)
		for {
			select {
			case <-workerCtx.Done():
				return
			case text := <-c.queue:
				c.process(workerCtx, text)
			}
		}
	}()

	c.logger.Info("Coordinator started", zap.String("orchestrator_id", orch.ID))
	return nil
}

// Stop halts the worker. Queued but unprocessed messages remain persisted in
// the chat log.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Orchestrator returns the current orchestrator row.
func (c *Coordinator) Orchestrator(ctx context.Context) (*types.Orchestrator, error) {
	return c.store.GetOrchestrator(ctx)
}

// HandleUserMessage validates and durably records a user message, then
// queues it for serialized processing. It returns once the message is
// persisted; processing is asynchronous.
func (c *Coordinator) HandleUserMessage(ctx context.Context, text string) error {
	if text == "" {
		return &types.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if len(text) > MaxMessageLen {
		return &types.ValidationError{Field: "text", Reason: fmt.Sprintf("exceeds %d bytes", MaxMessageLen)}
	}

	orch := c.current()
	if orch == nil {
		return errors.New("coordinator not started")
	}

	// Log, then act: the inbound message is durable before any processing,
	// so a crash mid-processing still shows the user's request.
	seq, err := c.store.AppendOrchestratorChat(ctx, orch.ID, "user", text)
	if err != nil {
		return err
	}
	c.publish(ctx, types.FrameOrchestratorChat, types.ChatFrame{Seq: seq, Role: "user", Content: text})

	select {
	case c.queue <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) current() *types.Orchestrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orch
}

// toolCall is one structured supervisor operation extracted from the
// runtime's response stream.
type toolCall struct {
	Name  string
	Input json.RawMessage
}

// process runs one user message end to end on the worker goroutine.
func (c *Coordinator) process(ctx context.Context, text string) {
	orch := c.current()
	c.setStatus(ctx, types.OrchestratorExecuting)

	if _, err := c.store.AppendPrompt(ctx, types.Owner{Kind: types.OwnerOrchestrator, ID: orch.ID}, text, ""); err != nil {
		c.logger.Error("Failed to persist prompt", zap.Error(err))
	}

	var calls []toolCall
	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	result, err := c.runtime.Query(queryCtx, runtime.Session{ID: orch.SessionID}, text, func(b runtime.Block) {
		switch b.Kind {
		case runtime.BlockToolUse:
			// Executed after the stream completes so a slow supervisor
			// operation never stalls stream consumption.
			calls = append(calls, toolCall{Name: b.Tool, Input: b.Input})
		case runtime.BlockThinking:
			c.logger.Debug("Coordinator thinking", zap.String("text", b.Text))
		}
	})
	if err != nil {
		c.logger.Error("Coordinator runtime call failed", zap.Error(err))
		if serr := c.store.AppendSystemLog(ctx, "error", "orchestrator", err.Error()); serr != nil {
			c.logger.Error("Failed to append system log", zap.Error(serr))
		}
		c.setStatus(ctx, types.OrchestratorIdle)
		return
	}

	if result.SessionID != orch.SessionID {
		if err := c.store.UpdateOrchestratorSession(ctx, orch.ID, result.SessionID); err != nil {
			c.logger.Error("Failed to persist orchestrator session", zap.Error(err))
		} else {
			c.mu.Lock()
			c.orch.SessionID = result.SessionID
			c.mu.Unlock()
		}
	}
	if result.Usage != (types.Usage{}) {
		if _, err := c.store.AddOrchestratorUsage(ctx, orch.ID, result.Usage); err != nil {
			c.logger.Error("Failed to accrue orchestrator usage", zap.Error(err))
		}
	}
	c.publishOrchestrator(ctx)

	if result.Content != "" {
		seq, err := c.store.AppendOrchestratorChat(ctx, orch.ID, "assistant", result.Content)
		if err != nil {
			c.logger.Error("Failed to persist assistant reply", zap.Error(err))
		} else {
			c.publish(ctx, types.FrameOrchestratorChat, types.ChatFrame{Seq: seq, Role: "assistant", Content: result.Content})
		}
	}

	if len(calls) > 0 {
		// Supervisor operations can block for a full agent command; the row
		// shows waiting so clients can tell delegated work from the
		// coordinator's own.
		c.setStatus(ctx, types.OrchestratorWaiting)
	}
	for _, call := range calls {
		// A failure against one agent must not abort the remaining calls.
		c.runToolCall(ctx, orch.ID, call)
	}

	c.setStatus(ctx, types.OrchestratorIdle)
}

// runToolCall executes one supervisor operation, logging it before and after
// so the causal chain is reconstructable from the log alone.
func (c *Coordinator) runToolCall(ctx context.Context, orchID string, call toolCall) {
	c.logHook(ctx, orchID, types.HookPayload{Operation: call.Name, Args: call.Input})

	result, err := c.dispatch(ctx, orchID, call)

	post := types.HookPayload{Operation: call.Name, Args: call.Input, Result: result, Post: true}
	if err != nil {
		post.Error = err.Error()
		c.logger.Warn("Supervisor operation failed",
			zap.String("operation", call.Name), zap.Error(err))
	}
	c.logHook(ctx, orchID, post)
}

func (c *Coordinator) dispatch(ctx context.Context, orchID string, call toolCall) (string, error) {
	switch call.Name {
	case ToolCreateAgent:
		var args struct {
			Name        string `json:"name"`
			Model       string `json:"model"`
			Instruction string `json:"instruction"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return "", fmt.Errorf("bad %s arguments: %w", call.Name, err)
		}
		agent, err := c.supervisor.CreateAgent(ctx, orchID, args.Name, args.Model, args.Instruction)
		if err != nil {
			return "", err
		}
		return agent.ID, nil

	case ToolCommandAgent:
		var args struct {
			AgentID string `json:"agent_id"`
			Command string `json:"command"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return "", fmt.Errorf("bad %s arguments: %w", call.Name, err)
		}
		res, err := c.supervisor.CommandAgent(ctx, args.AgentID, args.Command)
		if err != nil {
			return "", err
		}
		return res.Content, nil

	case ToolDeleteAgent:
		var args struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return "", fmt.Errorf("bad %s arguments: %w", call.Name, err)
		}
		return "", c.supervisor.DeleteAgent(ctx, args.AgentID)

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

// logHook appends a hook entry to the orchestrator's owner log and fans it
// out. The owner-keyed log table holds orchestrator entries under the
// orchestrator's own id.
func (c *Coordinator) logHook(ctx context.Context, orchID string, payload types.HookPayload) {
	seq, err := c.store.AppendAgentLog(ctx, orchID, payload)
	if err != nil {
		c.logger.Error("Failed to append hook log", zap.Error(err))
		return
	}
	raw, err := types.EncodePayload(payload)
	if err != nil {
		c.logger.Error("Failed to encode hook payload", zap.Error(err))
		return
	}
	c.publish(ctx, types.FrameAgentLog, types.AgentLogFrame{
		AgentID:  orchID,
		Seq:      seq,
		Category: payload.Category(),
		Payload:  raw,
	})
}

func (c *Coordinator) setStatus(ctx context.Context, status types.OrchestratorStatus) {
	orch := c.current()
	if err := c.store.UpdateOrchestratorStatus(ctx, orch.ID, status); err != nil {
		c.logger.Error("Failed to update orchestrator status", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.orch.Status = status
	c.mu.Unlock()
	c.publishOrchestrator(ctx)
}

// publishOrchestrator broadcasts the current orchestrator row.
func (c *Coordinator) publishOrchestrator(ctx context.Context) {
	orch, err := c.store.GetOrchestrator(ctx)
	if err != nil {
		c.logger.Error("Failed to load orchestrator", zap.Error(err))
		return
	}
	c.publish(ctx, types.FrameOrchestratorUpdated, orch)
}

func (c *Coordinator) publish(ctx context.Context, t types.FrameType, payload any) {
	if _, err := c.hub.Publish(ctx, t, payload); err != nil {
		c.logger.Error("Failed to publish frame",
			zap.String("type", string(t)), zap.Error(err))
	}
}
