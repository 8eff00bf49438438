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

	"github.com/teradata-labs/foreman/pkg/types"
)

const ticketColumns = `id, title, body, stage, stage_stats_json, stage_agents_json,
	error, created_at, updated_at, completed_at`

// CreateTicket inserts a new ticket in the idle stage.
func (s *Store) CreateTicket(ctx context.Context, t *types.Ticket) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Stage == "" {
		t.Stage = types.StageIdle
	}

	_, err := s.execContext(ctx, "create ticket",
		`INSERT INTO tickets (id, title, body, stage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Body, string(t.Stage), now.UnixMilli(), now.UnixMilli())
	return err
}

// GetTicket returns one ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
	}
	return t, err
}

// ListTickets returns tickets oldest first. Archived tickets are excluded
// unless includeArchived is set.
func (s *Store) ListTickets(ctx context.Context, includeArchived bool) ([]*types.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if !includeArchived {
		query += ` WHERE stage != '` + string(types.StageArchived) + `'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []*types.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func scanTicket(scan func(...any) error) (*types.Ticket, error) {
	var (
		t                    types.Ticket
		stage                string
		statsJSON, agentJSON string
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := scan(&t.ID, &t.Title, &t.Body, &stage, &statsJSON, &agentJSON,
		&t.Error, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	t.Stage = types.TicketStage(stage)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		done := time.UnixMilli(completedAt.Int64)
		t.CompletedAt = &done
	}
	if err := json.Unmarshal([]byte(statsJSON), &t.StageStats); err != nil {
		return nil, fmt.Errorf("failed to decode stage stats: %w", err)
	}
	if err := json.Unmarshal([]byte(agentJSON), &t.StageAgents); err != nil {
		return nil, fmt.Errorf("failed to decode stage agents: %w", err)
	}
	return &t, nil
}

// UpdateTicketStage transitions a ticket's stage unconditionally. Callers
// are responsible for having validated the transition; HTTP manual moves go
// through tickets.CanManualMove first, and the workflow driver only requests
// transitions out of the stage it owns.
func (s *Store) UpdateTicketStage(ctx context.Context, id string, stage types.TicketStage, errMsg string) error {
	now := time.Now().UnixMilli()
	var completedAt any
	if stage == types.StageShipped {
		completedAt = now
	}

	res, err := s.execContext(ctx, "update ticket stage",
		`UPDATE tickets SET stage = ?, error = ?, updated_at = ?,
		        completed_at = COALESCE(?, completed_at)
		 WHERE id = ?`,
		string(stage), errMsg, now, completedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res, "ticket", id)
}

// ClaimTicket atomically transitions a ticket from one stage to another,
// returning false when the ticket was not in the expected stage. Two
// pollers racing on the same ticket see exactly one winner.
func (s *Store) ClaimTicket(ctx context.Context, id string, from, to types.TicketStage) (bool, error) {
	res, err := s.execContext(ctx, "claim ticket",
		`UPDATE tickets SET stage = ?, updated_at = ? WHERE id = ? AND stage = ?`,
		string(to), time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// NextIdleTicket returns the oldest ticket sitting in the idle stage, or
// ErrNotFound when the board has no idle work.
func (s *Store) NextIdleTicket(ctx context.Context) (*types.Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE stage = ?
		 ORDER BY created_at ASC LIMIT 1`, string(types.StageIdle))
	t, err := scanTicket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idle ticket: %w", types.ErrNotFound)
	}
	return t, err
}

// AddTicketStageStats accumulates message/tool-call counters for one stage.
func (s *Store) AddTicketStageStats(ctx context.Context, id string, stage types.TicketStage, messages, toolCalls int) error {
	t, err := s.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	if t.StageStats == nil {
		t.StageStats = map[types.TicketStage]types.StageStats{}
	}
	stats := t.StageStats[stage]
	stats.Messages += messages
	stats.ToolCalls += toolCalls
	t.StageStats[stage] = stats

	data, err := json.Marshal(t.StageStats)
	if err != nil {
		return fmt.Errorf("failed to encode stage stats: %w", err)
	}
	res, err := s.execContext(ctx, "update ticket stats",
		`UPDATE tickets SET stage_stats_json = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "ticket", id)
}

// SetTicketStageAgent records which agent worked a ticket's stage.
func (s *Store) SetTicketStageAgent(ctx context.Context, id string, stage types.TicketStage, agentID string) error {
	t, err := s.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	if t.StageAgents == nil {
		t.StageAgents = map[types.TicketStage]string{}
	}
	t.StageAgents[stage] = agentID

	data, err := json.Marshal(t.StageAgents)
	if err != nil {
		return fmt.Errorf("failed to encode stage agents: %w", err)
	}
	res, err := s.execContext(ctx, "update ticket agents",
		`UPDATE tickets SET stage_agents_json = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "ticket", id)
}
