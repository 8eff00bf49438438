// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teradata-labs/foreman/pkg/types"
)

// AppendEvent journals a broadcast frame and returns its global sequence
// number and timestamp. The broadcast hub writes every frame through here
// before fan-out, so the global event stream survives restarts and clients
// can page through it with EventsSince.
func (s *Store) AppendEvent(ctx context.Context, frameType types.FrameType, payload json.RawMessage) (uint64, time.Time, error) {
	now := time.Now()
	if payload == nil {
		payload = json.RawMessage("null")
	}

	res, err := s.execContext(ctx, "append event",
		`INSERT INTO events (type, payload_json, timestamp) VALUES (?, ?, ?)`,
		string(frameType), string(payload), now.UnixMilli())
	if err != nil {
		return 0, time.Time{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("append event: %w", err)
	}
	return uint64(id), now, nil
}

// EventsSince returns journaled frames with seq > since, ordered by seq,
// up to limit (0 means no limit).
func (s *Store) EventsSince(ctx context.Context, since uint64, limit int) ([]*types.Frame, error) {
	query := `SELECT seq, type, payload_json, timestamp FROM events
	          WHERE seq > ? ORDER BY seq ASC`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var frames []*types.Frame
	for rows.Next() {
		var (
			f         types.Frame
			frameType string
			payload   string
			ts        int64
		)
		if err := rows.Scan(&f.SequenceNumber, &frameType, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		f.Type = types.FrameType(frameType)
		f.Payload = json.RawMessage(payload)
		f.Timestamp = time.UnixMilli(ts)
		frames = append(frames, &f)
	}
	return frames, rows.Err()
}

// LastEventSeq returns the highest global sequence number journaled so far.
func (s *Store) LastEventSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return seq, nil
}

// Snapshot assembles the full canonical server state for the client
// full-resynchronization path. LastSeq is read before the entity tables so
// a client applying events with seq > LastSeq can only re-apply changes the
// snapshot already contains, which the idempotent mirror tolerates.
func (s *Store) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	lastSeq, err := s.LastEventSeq(ctx)
	if err != nil {
		return nil, err
	}

	orch, err := s.GetOrchestrator(ctx)
	if err != nil {
		return nil, err
	}

	agents, err := s.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}

	tickets, err := s.ListTickets(ctx, false)
	if err != nil {
		return nil, err
	}

	chat, err := s.OrchestratorChat(ctx, orch.ID, 0, 0)
	if err != nil {
		return nil, err
	}

	return &types.Snapshot{
		Orchestrator: orch,
		Agents:       agents,
		Tickets:      tickets,
		Chat:         chat,
		LastSeq:      lastSeq,
	}, nil
}
