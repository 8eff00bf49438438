// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/foreman/pkg/hub"
	"github.com/teradata-labs/foreman/pkg/orchestrator"
	"github.com/teradata-labs/foreman/pkg/runtime"
	"github.com/teradata-labs/foreman/pkg/server"
	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/supervisor"
	"github.com/teradata-labs/foreman/pkg/tickets"
	"github.com/teradata-labs/foreman/pkg/types"
)

func frame(t *testing.T, seq uint64, ft types.FrameType, payload any) *types.Frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &types.Frame{Type: ft, Timestamp: time.Now(), SequenceNumber: seq, Payload: raw}
}

func testAgent(id, name string, status types.AgentStatus) *types.Agent {
	return &types.Agent{
		ID:        id,
		Name:      name,
		Status:    status,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// TestApply_Idempotent applies the same frame twice; the second apply is a
// no-op and final state equals applying it once.
func TestApply_Idempotent(t *testing.T) {
	m := NewMirror()
	f := frame(t, 1, types.FrameAgentCreated, testAgent("a1", "X", types.AgentIdle))

	require.NoError(t, m.Apply(f))
	require.NoError(t, m.Apply(f))

	assert.Len(t, m.Agents(), 1)
	assert.Equal(t, uint64(1), m.LastSeq())

	chat := frame(t, 2, types.FrameOrchestratorChat, types.ChatFrame{Seq: 1, Role: "user", Content: "hi"})
	require.NoError(t, m.Apply(chat))
	require.NoError(t, m.Apply(chat))
	assert.Len(t, m.Chat(), 1)
}

func TestApply_GapDetected(t *testing.T) {
	m := NewMirror()
	require.NoError(t, m.Apply(frame(t, 1, types.FrameAgentCreated, testAgent("a1", "X", types.AgentIdle))))

	err := m.Apply(frame(t, 3, types.FrameAgentUpdated, testAgent("a1", "X", types.AgentExecuting)))
	var gap *types.StateInconsistencyError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, uint64(2), gap.ExpectedSeq)
	assert.Equal(t, uint64(3), gap.GotSeq)

	// The failed apply changed nothing.
	assert.Equal(t, uint64(1), m.LastSeq())
	a, ok := m.Agent("a1")
	require.True(t, ok)
	assert.Equal(t, types.AgentIdle, a.Status)
}

// TestApply_WholesaleReplacement never mutates a previously returned
// reference in place.
func TestApply_WholesaleReplacement(t *testing.T) {
	m := NewMirror()
	require.NoError(t, m.Apply(frame(t, 1, types.FrameAgentCreated, testAgent("a1", "X", types.AgentIdle))))

	before, ok := m.Agent("a1")
	require.True(t, ok)

	require.NoError(t, m.Apply(frame(t, 2, types.FrameAgentStatusChanged, types.StatusChangedFrame{
		AgentID: "a1", From: types.AgentIdle, To: types.AgentExecuting,
	})))

	assert.Equal(t, types.AgentIdle, before.Status, "observed reference must not mutate")
	after, _ := m.Agent("a1")
	assert.Equal(t, types.AgentExecuting, after.Status)
}

func TestApply_DeleteAndTickets(t *testing.T) {
	m := NewMirror()
	require.NoError(t, m.Apply(frame(t, 1, types.FrameAgentCreated, testAgent("a1", "X", types.AgentIdle))))
	require.NoError(t, m.Apply(frame(t, 2, types.FrameAgentDeleted, map[string]string{"agent_id": "a1"})))
	assert.Empty(t, m.Agents())

	tk := &types.Ticket{ID: "t1", Title: "Fix it", Stage: types.StagePlanning, CreatedAt: time.Now()}
	require.NoError(t, m.Apply(frame(t, 3, types.FrameTicketUpdated, tk)))
	require.Len(t, m.Tickets(), 1)
	assert.Equal(t, types.StagePlanning, m.Tickets()[0].Stage)
}

// TestNotify_HashDedup suppresses observer calls when nothing effectively
// changed, without ever skipping the apply itself.
func TestNotify_HashDedup(t *testing.T) {
	m := NewMirror()
	var calls atomic.Int32
	m.Subscribe(func() { calls.Add(1) })

	orch := &types.Orchestrator{ID: "o1", Status: types.OrchestratorIdle}
	require.NoError(t, m.Apply(frame(t, 1, types.FrameOrchestratorUpdated, orch)))
	assert.Equal(t, int32(1), calls.Load())

	// Same payload again under a new sequence number: applied, not notified.
	require.NoError(t, m.Apply(frame(t, 2, types.FrameOrchestratorUpdated, orch)))
	assert.Equal(t, uint64(2), m.LastSeq())
	assert.Equal(t, int32(1), calls.Load())

	orch.Status = types.OrchestratorExecuting
	require.NoError(t, m.Apply(frame(t, 3, types.FrameOrchestratorUpdated, orch)))
	assert.Equal(t, int32(2), calls.Load())
}

func TestPendingClearedByAuthoritativeEvent(t *testing.T) {
	m := NewMirror()

	local := testAgent("a1", "X", types.AgentExecuting)
	m.ApplyLocalAgent(local)
	assert.True(t, m.Pending("a1"))

	require.NoError(t, m.Apply(frame(t, 1, types.FrameAgentUpdated, testAgent("a1", "X", types.AgentIdle))))
	assert.False(t, m.Pending("a1"))
	a, _ := m.Agent("a1")
	assert.Equal(t, types.AgentIdle, a.Status)
}

func TestReset_ReplacesWholesale(t *testing.T) {
	m := NewMirror()
	require.NoError(t, m.Apply(frame(t, 1, types.FrameAgentCreated, testAgent("stale", "Old", types.AgentIdle))))

	m.Reset(&types.Snapshot{
		Orchestrator: &types.Orchestrator{ID: "o1"},
		Agents:       []*types.Agent{testAgent("fresh", "New", types.AgentIdle)},
		LastSeq:      42,
	})

	assert.Equal(t, uint64(42), m.LastSeq())
	_, stale := m.Agent("stale")
	assert.False(t, stale)
	_, fresh := m.Agent("fresh")
	assert.True(t, fresh)
}

type liveStack struct {
	srv  *httptest.Server
	st   *store.Store
	h    *hub.Hub
	sup  *supervisor.Supervisor
	orch *types.Orchestrator
}

func setupLive(t *testing.T) *liveStack {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h, err := hub.New(hub.Config{Store: st, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	sup, err := supervisor.New(supervisor.Config{
		Store: st, Runtime: runtime.NewScripted(), Hub: h, Logger: logger,
	})
	require.NoError(t, err)

	coord, err := orchestrator.New(orchestrator.Config{
		Store: st, Runtime: runtime.NewScripted(), Supervisor: sup, Hub: h, Logger: logger,
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(coord.Stop)

	orch, err := st.GetOrchestrator(ctx)
	require.NoError(t, err)

	tix, err := tickets.New(tickets.Config{
		Store: st, Supervisor: sup, Hub: h, OrchestratorID: orch.ID, Logger: logger,
	})
	require.NoError(t, err)

	s, err := server.New(server.Config{
		Store: st, Coordinator: coord, Agents: sup, Tickets: tix, Hub: h, Logger: logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &liveStack{srv: srv, st: st, h: h, sup: sup, orch: orch}
}

// TestWatcher_LiveStream follows server events end to end: the mirror picks
// up the initial snapshot, then new agents as their events arrive.
func TestWatcher_LiveStream(t *testing.T) {
	ctx := context.Background()
	ls := setupLive(t)

	m := NewMirror()
	w, err := NewWatcher(WatcherConfig{
		BaseURL: ls.srv.URL,
		Mirror:  m,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	w.Start(ctx)
	t.Cleanup(w.Stop)

	require.Eventually(t, func() bool {
		return m.Orchestrator() != nil
	}, 3*time.Second, 20*time.Millisecond)

	agent, err := ls.sup.CreateAgent(ctx, ls.orch.ID, "X", "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := m.Agent(agent.ID)
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

// TestWatcher_ReconnectRecovery replays the recovery path: the mirror misses
// N broadcast events, the next frame exposes the gap, and a full resync
// brings the mirror back to the server's canonical state.
func TestWatcher_ReconnectRecovery(t *testing.T) {
	ctx := context.Background()
	ls := setupLive(t)

	m := NewMirror()
	w, err := NewWatcher(WatcherConfig{
		BaseURL: ls.srv.URL,
		Mirror:  m,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	// Mirror observed some state, then went dark.
	require.NoError(t, w.Resync(ctx))
	seen := m.LastSeq()

	// N events broadcast while disconnected.
	var agent *types.Agent
	for i := 0; i < 5; i++ {
		agent, err = ls.sup.CreateAgent(ctx, ls.orch.ID, "missed", "", "")
		require.NoError(t, err)
	}
	latest, err := ls.st.LastEventSeq(ctx)
	require.NoError(t, err)
	require.Greater(t, latest, seen)

	// The next live frame exposes the gap.
	next := frame(t, latest, types.FrameAgentUpdated, agent)
	err = m.Apply(next)
	var gap *types.StateInconsistencyError
	require.ErrorAs(t, err, &gap)

	// Full resync, not incremental catch-up.
	require.NoError(t, w.Resync(ctx))

	snapshot, err := ls.st.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot.LastSeq, m.LastSeq())
	assert.Len(t, m.Agents(), len(snapshot.Agents))
	for _, a := range snapshot.Agents {
		_, ok := m.Agent(a.ID)
		assert.True(t, ok)
	}
}
