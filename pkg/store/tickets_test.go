// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/foreman/pkg/types"
)

func setupTestTicket(t *testing.T, s *Store) *types.Ticket {
	t.Helper()
	ticket := &types.Ticket{
		ID:    uuid.NewString(),
		Title: "Implement user authentication",
		Body:  "Add token-based authentication to the API",
	}
	require.NoError(t, s.CreateTicket(context.Background(), ticket))
	return ticket
}

func TestTickets_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ticket := setupTestTicket(t, s)

	got, err := s.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageIdle, got.Stage)
	assert.Equal(t, ticket.Title, got.Title)
	assert.Nil(t, got.CompletedAt)
}

func TestTickets_StageUpdateSetsCompletedAt(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ticket := setupTestTicket(t, s)

	require.NoError(t, s.UpdateTicketStage(ctx, ticket.ID, types.StageShipped, ""))
	got, err := s.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageShipped, got.Stage)
	require.NotNil(t, got.CompletedAt)
}

func TestTickets_ErroredKeepsMessage(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ticket := setupTestTicket(t, s)

	require.NoError(t, s.UpdateTicketStage(ctx, ticket.ID, types.StageErrored, "builder failed"))
	got, err := s.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "builder failed", got.Error)
}

func TestClaimTicket_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ticket := setupTestTicket(t, s)

	const claimers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimTicket(ctx, ticket.ID, types.StageIdle, types.StagePlanning)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := s.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StagePlanning, got.Stage)
}

func TestNextIdleTicket_OldestFirst(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	first := setupTestTicket(t, s)
	setupTestTicket(t, s)

	got, err := s.NextIdleTicket(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestNextIdleTicket_EmptyBoard(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.NextIdleTicket(ctx)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestTickets_StageStatsAndAgents(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ticket := setupTestTicket(t, s)

	require.NoError(t, s.AddTicketStageStats(ctx, ticket.ID, types.StagePlanning, 3, 1))
	require.NoError(t, s.AddTicketStageStats(ctx, ticket.ID, types.StagePlanning, 2, 0))
	require.NoError(t, s.SetTicketStageAgent(ctx, ticket.ID, types.StagePlanning, "agent-1"))

	got, err := s.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.StageStats[types.StagePlanning].Messages)
	assert.Equal(t, 1, got.StageStats[types.StagePlanning].ToolCalls)
	assert.Equal(t, "agent-1", got.StageAgents[types.StagePlanning])
}

func TestListTickets_ExcludesArchived(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	ticket := setupTestTicket(t, s)
	require.NoError(t, s.UpdateTicketStage(ctx, ticket.ID, types.StageArchived, ""))

	visible, err := s.ListTickets(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := s.ListTickets(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
