// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports bad input. It is user-visible and implies no
// server state changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AgentBusyError reports a rejected command because the agent already has
// one in flight. The caller may retry once the agent returns to idle.
type AgentBusyError struct {
	AgentID string
}

func (e *AgentBusyError) Error() string {
	return fmt.Sprintf("agent %s is already executing a command", e.AgentID)
}

// AgentCreationError reports that the underlying runtime could not be
// reached while creating an agent. The caller decides whether to retry.
type AgentCreationError struct {
	Name string
	Err  error
}

func (e *AgentCreationError) Error() string {
	return fmt.Sprintf("failed to create agent %q: %v", e.Name, e.Err)
}

func (e *AgentCreationError) Unwrap() error { return e.Err }

// RuntimeTimeoutError reports that a runtime call exceeded its deadline.
// The owning agent transitions to errored and the failure is logged as an
// event, never silently dropped.
type RuntimeTimeoutError struct {
	AgentID string
	Timeout time.Duration
}

func (e *RuntimeTimeoutError) Error() string {
	return fmt.Sprintf("runtime call for agent %s timed out after %s", e.AgentID, e.Timeout)
}

// StateInconsistencyError reports a detected sequence gap between a client
// mirror and the server stream. Recovery is a full resync; the error is
// logged but not surfaced to users.
type StateInconsistencyError struct {
	ExpectedSeq uint64
	GotSeq      uint64
}

func (e *StateInconsistencyError) Error() string {
	return fmt.Sprintf("sequence gap detected: expected %d, got %d", e.ExpectedSeq, e.GotSeq)
}
