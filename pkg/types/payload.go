// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"encoding/json"
	"fmt"
)

// LogCategory identifies the shape of a log entry's payload.
type LogCategory string

const (
	CategoryHookPre      LogCategory = "hook-pre"
	CategoryHookPost     LogCategory = "hook-post"
	CategoryText         LogCategory = "text"
	CategoryThinking     LogCategory = "thinking"
	CategoryToolUse      LogCategory = "tool-use"
	CategoryStatusChange LogCategory = "status-change"
	CategoryCostUpdate   LogCategory = "cost-update"
)

// Payload is the tagged union of per-category log payloads. Consumers
// switch on the concrete type rather than digging through untyped maps.
type Payload interface {
	Category() LogCategory
}

// TextPayload carries a text block emitted by the runtime.
type TextPayload struct {
	Text string `json:"text"`
}

func (TextPayload) Category() LogCategory { return CategoryText }

// ThinkingPayload carries an internal-reasoning block.
type ThinkingPayload struct {
	Text string `json:"text"`
}

func (ThinkingPayload) Category() LogCategory { return CategoryThinking }

// ToolUsePayload carries a tool invocation observed in the runtime stream.
type ToolUsePayload struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (ToolUsePayload) Category() LogCategory { return CategoryToolUse }

// HookPayload records a supervisor operation about to run (hook-pre) or
// just completed (hook-post), so the causal chain is reconstructable from
// the log alone.
type HookPayload struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Post      bool            `json:"-"`
}

func (p HookPayload) Category() LogCategory {
	if p.Post {
		return CategoryHookPost
	}
	return CategoryHookPre
}

// StatusChangePayload records an owner's status transition.
type StatusChangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (StatusChangePayload) Category() LogCategory { return CategoryStatusChange }

// CostUpdatePayload records the usage accrued by one completed command,
// plus the owner's new cumulative totals.
type CostUpdatePayload struct {
	Delta Usage `json:"delta"`
	Total Usage `json:"total"`
}

func (CostUpdatePayload) Category() LogCategory { return CategoryCostUpdate }

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Category(), err)
	}
	return data, nil
}

// DecodePayload reconstructs the concrete payload type for a category.
// Unknown categories are an error: every consumer must be able to match
// exhaustively.
func DecodePayload(category LogCategory, data []byte) (Payload, error) {
	var p Payload
	switch category {
	case CategoryText:
		p = &TextPayload{}
	case CategoryThinking:
		p = &ThinkingPayload{}
	case CategoryToolUse:
		p = &ToolUsePayload{}
	case CategoryHookPre, CategoryHookPost:
		hp := &HookPayload{Post: category == CategoryHookPost}
		if err := json.Unmarshal(data, hp); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", category, err)
		}
		return *hp, nil
	case CategoryStatusChange:
		p = &StatusChangePayload{}
	case CategoryCostUpdate:
		p = &CostUpdatePayload{}
	default:
		return nil, fmt.Errorf("unknown log category %q", category)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", category, err)
	}
	switch v := p.(type) {
	case *TextPayload:
		return *v, nil
	case *ThinkingPayload:
		return *v, nil
	case *ToolUsePayload:
		return *v, nil
	case *StatusChangePayload:
		return *v, nil
	case *CostUpdatePayload:
		return *v, nil
	}
	return p, nil
}
