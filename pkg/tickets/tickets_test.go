// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/foreman/pkg/runtime"
	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/supervisor"
	"github.com/teradata-labs/foreman/pkg/types"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []*types.Frame
	seq    uint64
}

func (r *frameRecorder) Publish(_ context.Context, t types.FrameType, payload any) (*types.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	f := &types.Frame{Type: t, Timestamp: time.Now(), SequenceNumber: r.seq, Payload: raw}
	r.frames = append(r.frames, f)
	return f, nil
}

func (r *frameRecorder) count(t types.FrameType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Type == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	svc   *Service
	store *store.Store
	rec   *frameRecorder
	rt    *runtime.Scripted
}

func setupTest(t *testing.T, turns ...runtime.Turn) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	orch, err := st.InitOrchestrator(ctx, nil)
	require.NoError(t, err)

	rec := &frameRecorder{}
	rt := runtime.NewScripted(turns...)

	sup, err := supervisor.New(supervisor.Config{
		Store:   st,
		Runtime: rt,
		Hub:     rec,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	svc, err := New(Config{
		Store:          st,
		Supervisor:     sup,
		Hub:            rec,
		OrchestratorID: orch.ID,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	return &testEnv{svc: svc, store: st, rec: rec, rt: rt}
}

func TestCanManualMove(t *testing.T) {
	cases := []struct {
		from, to types.TicketStage
		want     bool
	}{
		{types.StageIdle, types.StagePlanning, true},
		{types.StageIdle, types.StageArchived, true},
		{types.StageErrored, types.StageIdle, true},
		{types.StageErrored, types.StagePlanning, true},
		{types.StageShipped, types.StageArchived, true},
		{types.StageArchived, types.StageIdle, true},

		// Supervisor-owned stages are never human-movable.
		{types.StagePlanning, types.StageIdle, false},
		{types.StageBuilding, types.StageShipped, false},
		{types.StageReviewing, types.StageShipped, false},

		// Mid-pipeline stages are never valid manual targets.
		{types.StageIdle, types.StageBuilding, false},
		{types.StageErrored, types.StageReviewing, false},
		{types.StageIdle, types.StageShipped, false},

		{types.StageIdle, types.StageIdle, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanManualMove(tc.from, tc.to),
			"%s → %s", tc.from, tc.to)
	}
}

func TestCreate_Validation(t *testing.T) {
	env := setupTest(t)

	_, err := env.svc.Create(context.Background(), "", "body")
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// TestMove_GuardsSupervisorOwnedStages rejects the manual building→shipped
// move at the server boundary.
func TestMove_GuardsSupervisorOwnedStages(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t)

	ticket, err := env.svc.Create(ctx, "Ship the feature", "details")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateTicketStage(ctx, ticket.ID, types.StageBuilding, ""))

	_, err = env.svc.Move(ctx, ticket.ID, types.StageShipped)
	var merr *ManualMoveError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, types.StageBuilding, merr.From)

	got, err := env.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageBuilding, got.Stage)
}

func TestMove_Archive(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t)

	ticket, err := env.svc.Create(ctx, "Old request", "")
	require.NoError(t, err)

	moved, err := env.svc.Move(ctx, ticket.ID, types.StageArchived)
	require.NoError(t, err)
	assert.Equal(t, types.StageArchived, moved.Stage)
	assert.GreaterOrEqual(t, env.rec.count(types.FrameTicketUpdated), 2)
}

func TestMove_UnknownTicket(t *testing.T) {
	env := setupTest(t)

	_, err := env.svc.Move(context.Background(), "nope", types.StageArchived)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestMove_IntoPlanningRunsWorkflow drives a ticket through the whole
// automatic pipeline: the same ticket a manual move could not ship transitions
// to shipped once its workflow completes.
func TestMove_IntoPlanningRunsWorkflow(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t)

	ticket, err := env.svc.Create(ctx, "Add dark mode", "toggle in settings")
	require.NoError(t, err)

	_, err = env.svc.Move(ctx, ticket.ID, types.StagePlanning)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.store.GetTicket(ctx, ticket.ID)
		return err == nil && got.Stage == types.StageShipped
	}, 5*time.Second, 25*time.Millisecond)

	got, err := env.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	// One dedicated agent per stage, with activity counted.
	for _, stage := range []types.TicketStage{types.StagePlanning, types.StageBuilding, types.StageReviewing} {
		assert.NotEmpty(t, got.StageAgents[stage], "stage %s agent", stage)
		assert.GreaterOrEqual(t, got.StageStats[stage].Messages, 1, "stage %s messages", stage)
	}

	agents, err := env.store.ListAgents(ctx, false)
	require.NoError(t, err)
	assert.Len(t, agents, 3)
}

// TestWorkflow_FailureHaltsProgression errors the ticket when a stage fails
// and never advances it further.
func TestWorkflow_FailureHaltsProgression(t *testing.T) {
	ctx := context.Background()
	// Turns: planner create, planner command, builder create, then the
	// builder's command fails.
	env := setupTest(t,
		runtime.Turn{Blocks: []runtime.Block{{Kind: runtime.BlockText, Text: "ok"}}},
		runtime.Turn{Blocks: []runtime.Block{{Kind: runtime.BlockText, Text: "the plan"}}},
		runtime.Turn{Blocks: []runtime.Block{{Kind: runtime.BlockText, Text: "ok"}}},
		runtime.Turn{Err: errors.New("runtime exploded")},
	)

	ticket, err := env.svc.Create(ctx, "Doomed work", "")
	require.NoError(t, err)
	_, err = env.svc.Move(ctx, ticket.ID, types.StagePlanning)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.store.GetTicket(ctx, ticket.ID)
		return err == nil && got.Stage == types.StageErrored
	}, 5*time.Second, 25*time.Millisecond)

	got, err := env.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "runtime exploded")
	assert.Nil(t, got.CompletedAt)
}

// TestScan_ClaimsWithoutDoubleProcessing runs two concurrent scans over the
// same backlog; the atomic claim ensures each ticket is processed exactly
// once (three stage agents per ticket, no more).
func TestScan_ClaimsWithoutDoubleProcessing(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t)

	t1, err := env.svc.Create(ctx, "First", "")
	require.NoError(t, err)
	t2, err := env.svc.Create(ctx, "Second", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.svc.Scan(ctx)
		}()
	}
	wg.Wait()

	for _, id := range []string{t1.ID, t2.ID} {
		require.Eventually(t, func() bool {
			got, err := env.store.GetTicket(ctx, id)
			return err == nil && got.Stage == types.StageShipped
		}, 5*time.Second, 25*time.Millisecond)
	}

	agents, err := env.store.ListAgents(ctx, false)
	require.NoError(t, err)
	assert.Len(t, agents, 6)
}

func TestPoller_StartStop(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t)
	env.svc.schedule = "@every 50ms"

	ticket, err := env.svc.Create(ctx, "Polled work", "")
	require.NoError(t, err)

	require.NoError(t, env.svc.Start(ctx))
	defer env.svc.Stop()

	require.Eventually(t, func() bool {
		got, err := env.store.GetTicket(ctx, ticket.ID)
		return err == nil && got.Stage == types.StageShipped
	}, 5*time.Second, 25*time.Millisecond)
}
