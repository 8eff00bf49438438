// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared types used across the foreman service.
// This package breaks import cycles by providing common types that the
// store, supervisor, orchestrator, and client packages all depend on.
package types

import (
	"time"
)

// OrchestratorStatus is the lifecycle state of the orchestrator singleton.
type OrchestratorStatus string

const (
	OrchestratorIdle      OrchestratorStatus = "idle"
	OrchestratorExecuting OrchestratorStatus = "executing"
	OrchestratorWaiting   OrchestratorStatus = "waiting"
)

// AgentStatus is the lifecycle state of a worker agent.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentExecuting AgentStatus = "executing"
	AgentErrored   AgentStatus = "errored"
)

// Usage tracks cumulative token usage and cost.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another usage sample into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.InputTokens + other.OutputTokens
	u.CostUSD += other.CostUSD
}

// Orchestrator is the singleton coordinating process. It is created once at
// server start, mutated by the coordinator, and archived rather than deleted.
type Orchestrator struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Status    OrchestratorStatus `json:"status"`
	Usage     Usage              `json:"usage"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Archived  bool               `json:"archived"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Agent is a supervised worker bound to one runtime session. The owning
// orchestrator exclusively controls its lifecycle. Agents are archived
// (soft-deleted) so their event history remains queryable.
type Agent struct {
	ID             string      `json:"id"`
	OrchestratorID string      `json:"orchestrator_id"`
	Name           string      `json:"name"`
	Model          string      `json:"model"`
	Status         AgentStatus `json:"status"`
	SessionID      string      `json:"session_id"`
	Usage          Usage       `json:"usage"`
	Archived       bool        `json:"archived"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TicketStage is a station in the fixed ticket pipeline.
type TicketStage string

const (
	StageIdle      TicketStage = "idle"
	StagePlanning  TicketStage = "planning"
	StageBuilding  TicketStage = "building"
	StageReviewing TicketStage = "reviewing"
	StageShipped   TicketStage = "shipped"
	StageErrored   TicketStage = "errored"
	StageArchived  TicketStage = "archived"
)

// StageStats counts activity accrued while a ticket sat in one stage.
type StageStats struct {
	Messages  int `json:"messages"`
	ToolCalls int `json:"tool_calls"`
}

// Ticket is a unit of work tracked through the pipeline. The workflow layer
// spawns one or more agents per stage; StageAgents records which.
type Ticket struct {
	ID          string                     `json:"id"`
	Title       string                     `json:"title"`
	Body        string                     `json:"body"`
	Stage       TicketStage                `json:"stage"`
	StageStats  map[TicketStage]StageStats `json:"stage_stats,omitempty"`
	StageAgents map[TicketStage]string     `json:"stage_agents,omitempty"`
	Error       string                     `json:"error,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// OwnerKind identifies which entity an append-only log entry belongs to.
type OwnerKind string

const (
	OwnerOrchestrator OwnerKind = "orchestrator"
	OwnerAgent        OwnerKind = "agent"
	OwnerSystem       OwnerKind = "system"
)

// Owner references the entity that owns a log entry. ID is empty for
// global/system entries.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// LogEntry is one immutable record in an append-only log. Entries for a
// given owner are strictly ordered by Seq with no gaps; entries are never
// mutated or removed once written.
type LogEntry struct {
	Owner     Owner       `json:"owner"`
	Seq       uint64      `json:"seq"`
	Category  LogCategory `json:"category"`
	Payload   Payload     `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// ChatMessage is one entry in the orchestrator's conversation log.
type ChatMessage struct {
	Seq       uint64    `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the full canonical server state, served to clients on the
// full-resynchronization path.
type Snapshot struct {
	Orchestrator *Orchestrator `json:"orchestrator"`
	Agents       []*Agent      `json:"agents"`
	Tickets      []*Ticket     `json:"tickets"`
	Chat         []ChatMessage `json:"chat"`
	LastSeq      uint64        `json:"last_seq"`
}
