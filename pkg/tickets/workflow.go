// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tickets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/types"
)

// stageRole names the worker persona spawned for each pipeline stage.
var stageRole = map[types.TicketStage]string{
	types.StagePlanning:  "planner",
	types.StageBuilding:  "builder",
	types.StageReviewing: "reviewer",
}

func stagePrompt(stage types.TicketStage, ticket *types.Ticket, prior string) string {
	switch stage {
	case types.StagePlanning:
		return fmt.Sprintf(
			"Plan the implementation of the following request.\n\nTitle: %s\n\n%s",
			ticket.Title, ticket.Body)
	case types.StageBuilding:
		return fmt.Sprintf(
			"Implement the request %q following this plan:\n\n%s",
			ticket.Title, prior)
	case types.StageReviewing:
		return fmt.Sprintf(
			"Review the implementation of %q below. Reply APPROVED if it is correct, "+
				"otherwise describe what is wrong.\n\n%s",
			ticket.Title, prior)
	default:
		return ticket.Body
	}
}

func stageInstruction(stage types.TicketStage, ticket *types.Ticket) string {
	role := stageRole[stage]
	return fmt.Sprintf("You are the %s for ticket %q. Work only on this ticket.", role, ticket.Title)
}

// runWorkflow drives one claimed ticket through planning→building→reviewing→
// shipped. Each stage spawns a dedicated agent, commands it once, accrues the
// stage's message/tool-call counters, and advances on success. Any failure
// moves the ticket to errored and halts.
func (s *Service) runWorkflow(ctx context.Context, ticketID string) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		s.logger.Error("Workflow cannot load ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		return
	}

	stage := ticket.Stage
	prior := ""
	for {
		role, ok := stageRole[stage]
		if !ok {
			return
		}

		output, err := s.runStage(ctx, ticket, stage, role, prior)
		if err != nil {
			s.fail(ctx, ticketID, err)
			return
		}
		prior = output

		next, err := s.advance(ctx, ticketID, stage)
		if err != nil {
			s.fail(ctx, ticketID, err)
			return
		}
		if next == types.StageShipped {
			s.logger.Info("Ticket shipped", zap.String("ticket_id", ticketID))
			return
		}
		stage = next
	}
}

// runStage spawns the stage's agent and runs its single command, returning
// the agent's final output for the next stage to consume.
func (s *Service) runStage(ctx context.Context, ticket *types.Ticket, stage types.TicketStage, role, prior string) (string, error) {
	name := fmt.Sprintf("%s: %s", role, ticket.Title)
	agent, err := s.supervisor.CreateAgent(ctx, s.orchestratorID, name, s.model, stageInstruction(stage, ticket))
	if err != nil {
		return "", fmt.Errorf("%s stage: %w", stage, err)
	}
	if err := s.store.SetTicketStageAgent(ctx, ticket.ID, stage, agent.ID); err != nil {
		return "", err
	}

	logsBefore, err := s.store.AgentLogs(ctx, agent.ID, 0, 0)
	if err != nil {
		return "", err
	}

	result, err := s.supervisor.CommandAgent(ctx, agent.ID, stagePrompt(stage, ticket, prior))
	if err != nil {
		return "", fmt.Errorf("%s stage: %w", stage, err)
	}

	logsAfter, err := s.store.AgentLogs(ctx, agent.ID, 0, 0)
	if err != nil {
		return "", err
	}
	messages, toolCalls := countActivity(logsAfter[len(logsBefore):])
	if err := s.store.AddTicketStageStats(ctx, ticket.ID, stage, messages, toolCalls); err != nil {
		return "", err
	}

	return result.Content, nil
}

// countActivity tallies the stage counters from an agent-log slice.
func countActivity(entries []types.LogEntry) (messages, toolCalls int) {
	for _, e := range entries {
		switch e.Category {
		case types.CategoryText, types.CategoryThinking:
			messages++
		case types.CategoryToolUse:
			toolCalls++
		}
	}
	return messages, toolCalls
}
