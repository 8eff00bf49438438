// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"encoding/json"
	"time"
)

// FrameType identifies a server→client event frame.
type FrameType string

const (
	FrameConnectionEstablished FrameType = "connection_established"
	FrameAgentCreated          FrameType = "agent_created"
	FrameAgentUpdated          FrameType = "agent_updated"
	FrameAgentDeleted          FrameType = "agent_deleted"
	FrameAgentStatusChanged    FrameType = "agent_status_changed"
	FrameAgentLog              FrameType = "agent_log"
	FrameOrchestratorChat      FrameType = "orchestrator_chat"
	FrameOrchestratorUpdated   FrameType = "orchestrator_updated"
	FrameTicketUpdated         FrameType = "ticket_updated"
	FrameError                 FrameType = "error"

	// Liveness frames. Ping is the only client→server frame.
	FramePing FrameType = "ping"
	FramePong FrameType = "pong"
)

// Frame is the wire unit fanned out to every connected client. Every
// broadcast frame carries a monotonically increasing global sequence number
// and a wall-clock timestamp so clients can detect gaps.
type Frame struct {
	Type           FrameType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	SequenceNumber uint64          `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds an unsequenced frame; the broadcast hub assigns the
// sequence number and timestamp at send time.
func NewFrame(t FrameType, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: t, Payload: raw}, nil
}

// AgentLogFrame is the payload of an agent_log frame.
type AgentLogFrame struct {
	AgentID  string          `json:"agent_id"`
	Seq      uint64          `json:"seq"`
	Category LogCategory     `json:"category"`
	Payload  json.RawMessage `json:"payload"`
}

// StatusChangedFrame is the payload of an agent_status_changed frame.
type StatusChangedFrame struct {
	AgentID string      `json:"agent_id"`
	From    AgentStatus `json:"from"`
	To      AgentStatus `json:"to"`
}

// ChatFrame is the payload of an orchestrator_chat frame.
type ChatFrame struct {
	Seq     uint64 `json:"seq"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorFrame is the payload of an error frame. It carries enough context
// (agent id, last known sequence) for a client to drive a manual resync.
type ErrorFrame struct {
	Message string `json:"message"`
	AgentID string `json:"agent_id,omitempty"`
	LastSeq uint64 `json:"last_seq,omitempty"`
}
