// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/foreman/pkg/types"
)

const sseResponse = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"weighing options"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"create_agent"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"name\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"X\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":2}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}

`

func newSSEServer(t *testing.T, handler func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler != nil {
			handler(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, sseResponse)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropic_QueryStreamsBlocks(t *testing.T) {
	srv := newSSEServer(t, nil)

	client := NewAnthropic(AnthropicConfig{
		APIKey:   "test-key",
		Endpoint: srv.URL,
		Logger:   zaptest.NewLogger(t),
	})

	var blocks []Block
	res, err := client.Query(context.Background(), Session{}, "hi", func(b Block) {
		blocks = append(blocks, b)
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, "Hello world", res.Content)
	assert.Equal(t, 25, res.Usage.InputTokens)
	assert.Equal(t, 12, res.Usage.OutputTokens)
	assert.Equal(t, 37, res.Usage.TotalTokens)
	assert.Greater(t, res.Usage.CostUSD, 0.0)

	require.Len(t, blocks, 4)
	assert.Equal(t, BlockThinking, blocks[0].Kind)
	assert.Equal(t, "weighing options", blocks[0].Text)
	assert.Equal(t, BlockText, blocks[1].Kind)
	assert.Equal(t, BlockToolUse, blocks[2].Kind)
	assert.Equal(t, "create_agent", blocks[2].Tool)
	assert.JSONEq(t, `{"name":"X"}`, string(blocks[2].Input))
	assert.Equal(t, BlockResult, blocks[3].Kind)
}

func TestAnthropic_SessionResumeCarriesHistory(t *testing.T) {
	var lastBody messagesRequest
	srv := newSSEServer(t, func(r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&lastBody)
	})

	client := NewAnthropic(AnthropicConfig{APIKey: "test-key", Endpoint: srv.URL})

	res, err := client.Query(context.Background(), Session{}, "first", nil)
	require.NoError(t, err)

	_, err = client.Query(context.Background(), Session{ID: res.SessionID}, "second", nil)
	require.NoError(t, err)

	// Resumed query carries user/assistant turns plus the new prompt.
	require.Len(t, lastBody.Messages, 3)
	assert.Equal(t, "first", lastBody.Messages[0].Content)
	assert.Equal(t, "Hello world", lastBody.Messages[1].Content)
	assert.Equal(t, "second", lastBody.Messages[2].Content)
}

func TestAnthropic_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewAnthropic(AnthropicConfig{APIKey: "test-key", Endpoint: srv.URL})
	_, err := client.Query(context.Background(), Session{}, "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestAnthropic_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	client := NewAnthropic(AnthropicConfig{APIKey: "test-key", Endpoint: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Query(ctx, Session{}, "hi", nil)
	assert.Error(t, err)
}

func TestScripted_ReplaysTurns(t *testing.T) {
	rt := NewScripted(
		Turn{
			Blocks: []Block{
				{Kind: BlockText, Text: "ack"},
			},
			Usage: types.Usage{InputTokens: 5, OutputTokens: 3},
		},
	)

	var kinds []BlockKind
	res, err := rt.Query(context.Background(), Session{}, "go", func(b Block) {
		kinds = append(kinds, b.Kind)
	})
	require.NoError(t, err)
	assert.Equal(t, "ack", res.Content)
	assert.Equal(t, []BlockKind{BlockText, BlockResult}, kinds)
	assert.Equal(t, []string{"go"}, rt.Prompts)

	// Exhausted script still answers.
	res, err = rt.Query(context.Background(), Session{}, "again", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Content)
}

func TestScripted_DelayHonorsContext(t *testing.T) {
	rt := NewScripted(Turn{Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := rt.Query(ctx, Session{}, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
