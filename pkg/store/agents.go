// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/teradata-labs/foreman/pkg/types"
)

const agentColumns = `id, orchestrator_id, name, model, status, session_id,
	input_tokens, output_tokens, total_tokens, cost_usd, archived, created_at, updated_at`

// CreateAgent inserts a new agent row. The caller assigns the id.
func (s *Store) CreateAgent(ctx context.Context, a *types.Agent) error {
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = types.AgentIdle
	}

	_, err := s.execContext(ctx, "create agent",
		`INSERT INTO agents (id, orchestrator_id, name, model, status, session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrchestratorID, a.Name, a.Model, string(a.Status), a.SessionID,
		now.UnixMilli(), now.UnixMilli())
	return err
}

// GetAgent returns one agent by id, archived or not.
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, types.ErrNotFound)
	}
	return a, err
}

// ListAgents returns all agents, oldest first. Archived agents are excluded
// unless includeArchived is set.
func (s *Store) ListAgents(ctx context.Context, includeArchived bool) ([]*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(scan func(...any) error) (*types.Agent, error) {
	var (
		a                    types.Agent
		status               string
		archived             int
		createdAt, updatedAt int64
	)
	err := scan(&a.ID, &a.OrchestratorID, &a.Name, &a.Model, &status, &a.SessionID,
		&a.Usage.InputTokens, &a.Usage.OutputTokens, &a.Usage.TotalTokens,
		&a.Usage.CostUSD, &archived, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.Status = types.AgentStatus(status)
	a.Archived = archived != 0
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return &a, nil
}

// UpdateAgentStatus transitions an agent's status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status types.AgentStatus) error {
	res, err := s.execContext(ctx, "update agent status",
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "agent", id)
}

// UpdateAgentSession stores the agent's resumable runtime session handle.
func (s *Store) UpdateAgentSession(ctx context.Context, id, sessionID string) error {
	res, err := s.execContext(ctx, "update agent session",
		`UPDATE agents SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "agent", id)
}

// AddAgentUsage accumulates a usage delta and returns the new cumulative
// total for the agent.
func (s *Store) AddAgentUsage(ctx context.Context, id string, delta types.Usage) (types.Usage, error) {
	_, err := s.execContext(ctx, "add agent usage",
		`UPDATE agents SET
		   input_tokens = input_tokens + ?,
		   output_tokens = output_tokens + ?,
		   total_tokens = total_tokens + ?,
		   cost_usd = cost_usd + ?,
		   updated_at = ?
		 WHERE id = ?`,
		delta.InputTokens, delta.OutputTokens, delta.InputTokens+delta.OutputTokens,
		delta.CostUSD, time.Now().UnixMilli(), id)
	if err != nil {
		return types.Usage{}, err
	}

	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return types.Usage{}, err
	}
	return a.Usage, nil
}

// ArchiveAgent soft-deletes an agent. Its event history is never purged.
func (s *Store) ArchiveAgent(ctx context.Context, id string) error {
	res, err := s.execContext(ctx, "archive agent",
		`UPDATE agents SET archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "agent", id)
}
