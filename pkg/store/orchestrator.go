// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/types"
)

// InitOrchestrator returns the live orchestrator row, creating it when the
// database is fresh. The orchestrator is a single row behind this repository
// rather than a process-level global, so tests can run several instances
// side by side.
func (s *Store) InitOrchestrator(ctx context.Context, metadata map[string]string) (*types.Orchestrator, error) {
	if existing, err := s.GetOrchestrator(ctx); err == nil {
		return existing, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	now := time.Now()
	o := &types.Orchestrator{
		ID:        uuid.NewString(),
		Status:    types.OrchestratorIdle,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.execContext(ctx, "init orchestrator",
		`INSERT INTO orchestrator (id, status, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.ID, string(o.Status), string(metaJSON), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Initialized orchestrator", zap.String("id", o.ID))
	return o, nil
}

// GetOrchestrator returns the live (non-archived) orchestrator row.
func (s *Store) GetOrchestrator(ctx context.Context) (*types.Orchestrator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, status, input_tokens, output_tokens, total_tokens,
		        cost_usd, metadata_json, archived, created_at, updated_at
		 FROM orchestrator WHERE archived = 0 LIMIT 1`)
	return scanOrchestrator(row)
}

func scanOrchestrator(row *sql.Row) (*types.Orchestrator, error) {
	var (
		o                    types.Orchestrator
		status, metaJSON     string
		archived             int
		createdAt, updatedAt int64
	)
	err := row.Scan(&o.ID, &o.SessionID, &status,
		&o.Usage.InputTokens, &o.Usage.OutputTokens, &o.Usage.TotalTokens,
		&o.Usage.CostUSD, &metaJSON, &archived, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("orchestrator: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan orchestrator: %w", err)
	}
	o.Status = types.OrchestratorStatus(status)
	o.Archived = archived != 0
	o.CreatedAt = time.UnixMilli(createdAt)
	o.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(metaJSON), &o.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode orchestrator metadata: %w", err)
	}
	return &o, nil
}

// UpdateOrchestratorStatus transitions the orchestrator's status.
func (s *Store) UpdateOrchestratorStatus(ctx context.Context, id string, status types.OrchestratorStatus) error {
	res, err := s.execContext(ctx, "update orchestrator status",
		`UPDATE orchestrator SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "orchestrator", id)
}

// UpdateOrchestratorSession stores the resumable runtime session handle.
func (s *Store) UpdateOrchestratorSession(ctx context.Context, id, sessionID string) error {
	res, err := s.execContext(ctx, "update orchestrator session",
		`UPDATE orchestrator SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "orchestrator", id)
}

// AddOrchestratorUsage accumulates a usage delta and returns the new total.
func (s *Store) AddOrchestratorUsage(ctx context.Context, id string, delta types.Usage) (types.Usage, error) {
	_, err := s.execContext(ctx, "add orchestrator usage",
		`UPDATE orchestrator SET
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

	o, err := s.GetOrchestrator(ctx)
	if err != nil {
		return types.Usage{}, err
	}
	return o.Usage, nil
}

// ArchiveOrchestrator soft-deletes the orchestrator row. History stays.
func (s *Store) ArchiveOrchestrator(ctx context.Context, id string) error {
	res, err := s.execContext(ctx, "archive orchestrator",
		`UPDATE orchestrator SET archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "orchestrator", id)
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, types.ErrNotFound)
	}
	return nil
}
