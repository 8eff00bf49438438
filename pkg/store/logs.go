// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/teradata-labs/foreman/pkg/types"
)

// AppendAgentLog appends one entry to an agent's log and returns the
// allocated per-agent sequence number. Allocation is serialized per agent;
// appends for different agents run concurrently.
func (s *Store) AppendAgentLog(ctx context.Context, agentID string, payload types.Payload) (uint64, error) {
	data, err := types.EncodePayload(payload)
	if err != nil {
		return 0, err
	}

	mu := s.ownerLock("agent_logs", agentID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append agent log: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_logs WHERE agent_id = ?`,
		agentID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate agent log seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_logs (agent_id, seq, category, payload_json, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		agentID, seq, string(payload.Category()), string(data), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append agent log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append agent log: %w", err)
	}
	return seq, nil
}

// AgentLogs returns an agent's log entries with seq > since, ordered by seq,
// up to limit entries (0 means no limit).
func (s *Store) AgentLogs(ctx context.Context, agentID string, since uint64, limit int) ([]types.LogEntry, error) {
	query := `SELECT seq, category, payload_json, timestamp FROM agent_logs
	          WHERE agent_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{agentID, since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("agent logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []types.LogEntry
	for rows.Next() {
		var (
			seq      uint64
			category string
			payload  string
			ts       int64
		)
		if err := rows.Scan(&seq, &category, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan agent log: %w", err)
		}
		p, err := types.DecodePayload(types.LogCategory(category), []byte(payload))
		if err != nil {
			return nil, err
		}
		entries = append(entries, types.LogEntry{
			Owner:     types.Owner{Kind: types.OwnerAgent, ID: agentID},
			Seq:       seq,
			Category:  types.LogCategory(category),
			Payload:   p,
			Timestamp: time.UnixMilli(ts),
		})
	}
	return entries, rows.Err()
}

// AppendOrchestratorChat appends a chat message to the orchestrator's
// conversation log and returns its per-orchestrator sequence number.
func (s *Store) AppendOrchestratorChat(ctx context.Context, orchestratorID, role, content string) (uint64, error) {
	mu := s.ownerLock("orchestrator_chat", orchestratorID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM orchestrator_chat WHERE orchestrator_id = ?`,
		orchestratorID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate chat seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orchestrator_chat (orchestrator_id, seq, role, content, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		orchestratorID, seq, role, content, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append chat: %w", err)
	}
	return seq, nil
}

// OrchestratorChat returns chat messages with seq > since, ordered by seq.
func (s *Store) OrchestratorChat(ctx context.Context, orchestratorID string, since uint64, limit int) ([]types.ChatMessage, error) {
	query := `SELECT seq, role, content, timestamp FROM orchestrator_chat
	          WHERE orchestrator_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{orchestratorID, since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orchestrator chat: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []types.ChatMessage
	for rows.Next() {
		var (
			m  types.ChatMessage
			ts int64
		)
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendPrompt records a prompt sent to the runtime on behalf of an owner.
func (s *Store) AppendPrompt(ctx context.Context, owner types.Owner, prompt, model string) (uint64, error) {
	mu := s.ownerLock("prompts", string(owner.Kind)+"/"+owner.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append prompt: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM prompts WHERE owner_kind = ? AND owner_id = ?`,
		string(owner.Kind), owner.ID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate prompt seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO prompts (owner_kind, owner_id, seq, prompt, model, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(owner.Kind), owner.ID, seq, prompt, model, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append prompt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append prompt: %w", err)
	}
	return seq, nil
}

// AppendSystemLog records a service-level log line in the durable log.
func (s *Store) AppendSystemLog(ctx context.Context, level, component, message string) error {
	_, err := s.execContext(ctx, "append system log",
		`INSERT INTO system_logs (level, component, message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		level, component, message, time.Now().UnixMilli())
	return err
}
