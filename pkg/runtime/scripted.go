// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teradata-labs/foreman/pkg/types"
)

// Turn is one scripted runtime exchange: the blocks to stream and the
// result to return. Err, when set, is returned instead. Delay, when set,
// is waited before answering so tests can exercise timeouts and in-flight
// concurrency.
type Turn struct {
	Blocks []Block
	Usage  types.Usage
	Err    error
	Delay  time.Duration
}

// Scripted is a Runtime fake that replays canned turns in order. When the
// script is exhausted it answers with a single empty text block, so tests
// only script the turns they care about.
type Scripted struct {
	mu      sync.Mutex
	turns   []Turn
	next    int
	Prompts []string
}

// NewScripted creates a scripted runtime from a fixed turn list.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// Append adds turns to the end of the script.
func (s *Scripted) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// PromptLog returns a copy of the prompts received so far.
func (s *Scripted) PromptLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.Prompts...)
}

// Query replays the next scripted turn.
func (s *Scripted) Query(ctx context.Context, session Session, prompt string, onBlock BlockFunc) (*Result, error) {
	s.mu.Lock()
	s.Prompts = append(s.Prompts, prompt)
	var turn Turn
	if s.next < len(s.turns) {
		turn = s.turns[s.next]
		s.next++
	} else {
		turn = Turn{Blocks: []Block{{Kind: BlockText, Text: ""}}}
	}
	s.mu.Unlock()

	if turn.Delay > 0 {
		select {
		case <-time.After(turn.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}

	var content string
	for _, b := range turn.Blocks {
		if onBlock != nil {
			onBlock(b)
		}
		if b.Kind == BlockText {
			content += b.Text
		}
	}

	sessionID := session.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	res := &Result{
		SessionID: sessionID,
		Content:   content,
		Usage:     turn.Usage,
	}
	if onBlock != nil {
		onBlock(Block{Kind: BlockResult, Text: content})
	}
	return res, nil
}
