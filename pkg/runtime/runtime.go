// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package runtime is the boundary to the underlying language-model runtime.
// The rest of the service treats it as an opaque, resumable, streaming
// query call; nothing outside this package knows which provider backs it.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/teradata-labs/foreman/pkg/types"
)

// BlockKind identifies one block in the runtime's heterogeneous response
// stream.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
	BlockResult   BlockKind = "result"
)

// Block is one streamed response unit.
type Block struct {
	Kind BlockKind

	// Text carries content for text and thinking blocks.
	Text string

	// Tool and Input are set for tool_use blocks.
	Tool  string
	Input json.RawMessage
}

// Result is the terminal summary of one query: the session handle to resume
// with, the usage accrued, and the final text.
type Result struct {
	SessionID string
	Content   string
	Usage     types.Usage
	IsError   bool
	Error     string
}

// Session is a resumable runtime session handle. An empty ID opens a fresh
// session; the Result carries the ID to resume with.
type Session struct {
	ID    string
	Model string
}

// BlockFunc receives each block as it arrives. Implementations must be
// lightweight; the runtime calls them synchronously on the stream goroutine.
type BlockFunc func(Block)

// Runtime executes prompts against the underlying language-model runtime.
// Calls are bounded by the context deadline; implementations never block
// indefinitely.
type Runtime interface {
	Query(ctx context.Context, session Session, prompt string, onBlock BlockFunc) (*Result, error)
}
