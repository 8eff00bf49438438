// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package client keeps a local reactive mirror of server state. Incoming
// event frames are applied idempotently; any detected drift (sequence gap,
// reconnect) is recovered by refetching the full snapshot and replacing the
// mirror wholesale — correctness over efficiency on the recovery path.
package client

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/teradata-labs/foreman/pkg/types"
)

// Mirror is the client-side replica of server state, keyed by entity id.
// Containers are replaced wholesale on every change so observers holding a
// previously returned reference never see it mutate underneath them.
type Mirror struct {
	mu           sync.RWMutex
	orchestrator *types.Orchestrator
	agents       map[string]*types.Agent
	tickets      map[string]*types.Ticket
	chat         []types.ChatMessage
	logs         map[string][]types.AgentLogFrame
	lastSeq      uint64

	// pending tags optimistic local mutations awaiting their
	// authoritative event.
	pending map[string]bool

	// lastHash dedups observer notifications: a heuristic only, never a
	// reason to skip applying an event.
	lastHash  uint64
	observers []func()
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{
		agents:  make(map[string]*types.Agent),
		tickets: make(map[string]*types.Ticket),
		logs:    make(map[string][]types.AgentLogFrame),
		pending: make(map[string]bool),
	}
}

// Subscribe registers an observer called after every effective state change.
func (m *Mirror) Subscribe(fn func()) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// LastSeq returns the highest applied global sequence number.
func (m *Mirror) LastSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq
}

// Orchestrator returns the mirrored orchestrator row.
func (m *Mirror) Orchestrator() *types.Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orchestrator
}

// Agents returns the mirrored agents, oldest first.
func (m *Mirror) Agents() []*types.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Agent returns one mirrored agent by id.
func (m *Mirror) Agent(id string) (*types.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// Tickets returns the mirrored tickets, oldest first.
func (m *Mirror) Tickets() []*types.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Chat returns the mirrored conversation log.
func (m *Mirror) Chat() []types.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.ChatMessage{}, m.chat...)
}

// Logs returns the mirrored log entries for one owner.
func (m *Mirror) Logs(ownerID string) []types.AgentLogFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.AgentLogFrame{}, m.logs[ownerID]...)
}

// Pending reports whether an entity has an optimistic local mutation not yet
// confirmed by an authoritative event.
func (m *Mirror) Pending(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending[id]
}

// ApplyLocalAgent applies an optimistic local mutation, tagged pending until
// the authoritative event replaces it wholesale.
func (m *Mirror) ApplyLocalAgent(a *types.Agent) {
	m.mu.Lock()
	m.setAgent(a)
	m.pending[a.ID] = true
	m.mu.Unlock()
	m.notify()
}

// Reset replaces the whole mirror from an authoritative snapshot.
func (m *Mirror) Reset(s *types.Snapshot) {
	m.mu.Lock()
	m.orchestrator = s.Orchestrator
	m.agents = make(map[string]*types.Agent, len(s.Agents))
	for _, a := range s.Agents {
		m.agents[a.ID] = a
	}
	m.tickets = make(map[string]*types.Ticket, len(s.Tickets))
	for _, tk := range s.Tickets {
		m.tickets[tk.ID] = tk
	}
	m.chat = append([]types.ChatMessage{}, s.Chat...)
	m.logs = make(map[string][]types.AgentLogFrame)
	m.pending = make(map[string]bool)
	m.lastSeq = s.LastSeq
	m.mu.Unlock()
	m.notify()
}

// Apply folds one event frame into the mirror. Re-applying an already-seen
// sequence number is a no-op. A gap returns StateInconsistencyError; the
// caller recovers with a full resync.
func (m *Mirror) Apply(frame *types.Frame) error {
	m.mu.Lock()

	if frame.SequenceNumber != 0 {
		if frame.SequenceNumber <= m.lastSeq {
			m.mu.Unlock()
			return nil
		}
		if frame.SequenceNumber > m.lastSeq+1 {
			err := &types.StateInconsistencyError{
				ExpectedSeq: m.lastSeq + 1,
				GotSeq:      frame.SequenceNumber,
			}
			m.mu.Unlock()
			return err
		}
	}

	if err := m.fold(frame); err != nil {
		m.mu.Unlock()
		return err
	}
	if frame.SequenceNumber != 0 {
		m.lastSeq = frame.SequenceNumber
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// fold mutates the mirror under m.mu.
func (m *Mirror) fold(frame *types.Frame) error {
	switch frame.Type {
	case types.FrameAgentCreated, types.FrameAgentUpdated:
		var a types.Agent
		if err := json.Unmarshal(frame.Payload, &a); err != nil {
			return err
		}
		m.setAgent(&a)
		delete(m.pending, a.ID)

	case types.FrameAgentDeleted:
		var p struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		next := make(map[string]*types.Agent, len(m.agents))
		for id, a := range m.agents {
			if id != p.AgentID {
				next[id] = a
			}
		}
		m.agents = next
		delete(m.pending, p.AgentID)

	case types.FrameAgentStatusChanged:
		var p types.StatusChangedFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		if prev, ok := m.agents[p.AgentID]; ok {
			a := *prev
			a.Status = p.To
			m.setAgent(&a)
			delete(m.pending, p.AgentID)
		}

	case types.FrameAgentLog:
		var p types.AgentLogFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		entries := m.logs[p.AgentID]
		if n := len(entries); n > 0 && entries[n-1].Seq >= p.Seq {
			return nil
		}
		m.logs[p.AgentID] = append(append([]types.AgentLogFrame{}, entries...), p)

	case types.FrameOrchestratorChat:
		var p types.ChatFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		if n := len(m.chat); n > 0 && m.chat[n-1].Seq >= p.Seq {
			return nil
		}
		m.chat = append(append([]types.ChatMessage{}, m.chat...), types.ChatMessage{
			Seq:       p.Seq,
			Role:      p.Role,
			Content:   p.Content,
			Timestamp: frame.Timestamp,
		})

	case types.FrameOrchestratorUpdated:
		var o types.Orchestrator
		if err := json.Unmarshal(frame.Payload, &o); err != nil {
			return err
		}
		m.orchestrator = &o

	case types.FrameTicketUpdated:
		var tk types.Ticket
		if err := json.Unmarshal(frame.Payload, &tk); err != nil {
			return err
		}
		next := make(map[string]*types.Ticket, len(m.tickets)+1)
		for id, t := range m.tickets {
			next[id] = t
		}
		next[tk.ID] = &tk
		m.tickets = next
	}
	return nil
}

// setAgent replaces the agents container wholesale with the new row.
func (m *Mirror) setAgent(a *types.Agent) {
	next := make(map[string]*types.Agent, len(m.agents)+1)
	for id, prev := range m.agents {
		next[id] = prev
	}
	next[a.ID] = a
	m.agents = next
}

// notify calls the observers if the serialized state actually changed. The
// hash comparison only suppresses redundant notifications; state was already
// applied above regardless.
func (m *Mirror) notify() {
	m.mu.Lock()
	h := m.hash()
	changed := h != m.lastHash
	m.lastHash = h
	observers := m.observers
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range observers {
		fn()
	}
}

func (m *Mirror) hash() uint64 {
	h := fnv.New64a()
	enc := json.NewEncoder(h)
	_ = enc.Encode(m.orchestrator)
	_ = enc.Encode(m.agents)
	_ = enc.Encode(m.tickets)
	_ = enc.Encode(m.chat)
	_ = enc.Encode(m.logs)
	return h.Sum64()
}
