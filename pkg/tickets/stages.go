// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package tickets tracks units of work through a fixed pipeline of stages,
// partially automated and partially human-gated. The workflow driver moves
// tickets planning→building→reviewing→shipped; humans may only relocate
// tickets that are not actively supervisor-owned.
package tickets

import (
	"fmt"

	"github.com/teradata-labs/foreman/pkg/types"
)

// autoNext is the automatic progression graph. Any workflow failure
// transitions to errored instead and halts progression.
var autoNext = map[types.TicketStage]types.TicketStage{
	types.StagePlanning:  types.StageBuilding,
	types.StageBuilding:  types.StageReviewing,
	types.StageReviewing: types.StageShipped,
}

// manualSources are the stages a human may move a ticket out of. Tickets in
// planning/building/reviewing are supervisor-owned; moves out of them are
// rejected at the server boundary, never just hidden client-side.
var manualSources = map[types.TicketStage]bool{
	types.StageIdle:     true,
	types.StageShipped:  true,
	types.StageErrored:  true,
	types.StageArchived: true,
}

// manualTargets are the stages a human may move a ticket into: back to the
// backlog, into the pipeline entry point, or out of the way.
var manualTargets = map[types.TicketStage]bool{
	types.StageIdle:     true,
	types.StagePlanning: true,
	types.StageArchived: true,
}

// CanManualMove reports whether a human-initiated relocation is allowed.
func CanManualMove(from, to types.TicketStage) bool {
	return from != to && manualSources[from] && manualTargets[to]
}

// NextStage returns the automatic successor of a stage.
func NextStage(stage types.TicketStage) (types.TicketStage, bool) {
	next, ok := autoNext[stage]
	return next, ok
}

// ManualMoveError reports a rejected human relocation of a supervisor-owned
// or otherwise immovable ticket.
type ManualMoveError struct {
	TicketID string
	From     types.TicketStage
	To       types.TicketStage
}

func (e *ManualMoveError) Error() string {
	return fmt.Sprintf("ticket %s cannot be manually moved %s → %s", e.TicketID, e.From, e.To)
}
