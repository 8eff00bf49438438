// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/types"
)

const (
	// DefaultModel is the default Claude model.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultEndpoint is the default Anthropic Messages API endpoint.
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens is the default maximum tokens per request.
	DefaultMaxTokens = 4096
	// DefaultTimeout bounds every runtime call.
	DefaultTimeout = 120 * time.Second
)

// AnthropicConfig holds configuration for the Anthropic runtime.
type AnthropicConfig struct {
	APIKey    string
	Model     string        // Default: claude-sonnet-4-5-20250929
	Endpoint  string        // Default: https://api.anthropic.com/v1/messages
	Timeout   time.Duration // Default: 120s
	MaxTokens int           // Default: 4096
	Logger    *zap.Logger
}

// Anthropic implements Runtime against the Anthropic Messages API.
// Session resumption is handled here: conversation history is kept per
// session id so a resumed query carries its prior turns.
type Anthropic struct {
	apiKey     string
	model      string
	endpoint   string
	maxTokens  int
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string][]apiMessage
}

// NewAnthropic creates a new Anthropic runtime.
func NewAnthropic(config AnthropicConfig) *Anthropic {
	if config.Model == "" {
		if envModel := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); envModel != "" {
			config.Model = envModel
		} else {
			config.Model = DefaultModel
		}
	}
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("ANTHROPIC_API_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else {
			config.Endpoint = DefaultEndpoint
		}
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Anthropic{
		apiKey:    config.APIKey,
		model:     config.Model,
		endpoint:  config.Endpoint,
		maxTokens: config.MaxTokens,
		logger:    config.Logger,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		sessions: make(map[string][]apiMessage),
	}
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream"`
}

// streamEvent mirrors the subset of Anthropic SSE events we consume.
type streamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage *apiUsage `json:"usage"`
	} `json:"message"`
	Usage *apiUsage `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Query sends a prompt on a session and streams response blocks to onBlock.
// The context deadline bounds the whole exchange; the caller decides the
// timeout policy.
func (a *Anthropic) Query(ctx context.Context, session Session, prompt string, onBlock BlockFunc) (*Result, error) {
	sessionID := session.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	model := session.Model
	if model == "" {
		model = a.model
	}

	a.mu.Lock()
	history := append([]apiMessage{}, a.sessions[sessionID]...)
	a.mu.Unlock()
	history = append(history, apiMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(&messagesRequest{
		Model:     model,
		Messages:  history,
		MaxTokens: a.maxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	result, assistantText, err := a.consumeStream(httpResp.Body, onBlock)
	if err != nil {
		return nil, err
	}
	result.SessionID = sessionID

	a.mu.Lock()
	a.sessions[sessionID] = append(a.sessions[sessionID],
		apiMessage{Role: "user", Content: prompt},
		apiMessage{Role: "assistant", Content: assistantText})
	a.mu.Unlock()

	a.logger.Debug("Runtime query complete",
		zap.String("session_id", sessionID),
		zap.Int("input_tokens", result.Usage.InputTokens),
		zap.Int("output_tokens", result.Usage.OutputTokens))
	return result, nil
}

// consumeStream parses the SSE body, emitting one Block per completed
// content block plus a final result block.
func (a *Anthropic) consumeStream(body io.Reader, onBlock BlockFunc) (*Result, string, error) {
	var (
		usage       apiUsage
		content     strings.Builder
		blockText   strings.Builder
		blockKind   BlockKind
		toolName    string
		toolInput   strings.Builder
		haveBlock   bool
		finalResult Result
	)

	emit := func(b Block) {
		if onBlock != nil {
			onBlock(b)
		}
	}

	flushBlock := func() {
		if !haveBlock {
			return
		}
		switch blockKind {
		case BlockToolUse:
			input := json.RawMessage(toolInput.String())
			if toolInput.Len() == 0 {
				input = json.RawMessage("{}")
			}
			emit(Block{Kind: BlockToolUse, Tool: toolName, Input: input})
		case BlockThinking:
			emit(Block{Kind: BlockThinking, Text: blockText.String()})
		default:
			text := blockText.String()
			content.WriteString(text)
			emit(Block{Kind: BlockText, Text: text})
		}
		blockText.Reset()
		toolInput.Reset()
		haveBlock = false
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonData := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event streamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			// Skip malformed events but continue processing
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			flushBlock()
			haveBlock = true
			blockKind = BlockText
			if event.ContentBlock != nil {
				switch event.ContentBlock.Type {
				case "tool_use":
					blockKind = BlockToolUse
					toolName = event.ContentBlock.Name
				case "thinking":
					blockKind = BlockThinking
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				blockText.WriteString(event.Delta.Text)
			case "thinking_delta":
				blockText.WriteString(event.Delta.Thinking)
			case "input_json_delta":
				toolInput.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			flushBlock()

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			flushBlock()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("stream read failed: %w", err)
	}
	flushBlock()

	finalResult = Result{
		Content: content.String(),
		Usage: types.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.InputTokens + usage.OutputTokens,
			CostUSD:      calculateCost(usage.InputTokens, usage.OutputTokens),
		},
	}
	emit(Block{Kind: BlockResult, Text: finalResult.Content})
	return &finalResult, content.String(), nil
}

// calculateCost estimates the cost in USD based on token usage.
// Claude Sonnet pricing: $3 per million input tokens, $15 per million
// output tokens.
func calculateCost(inputTokens, outputTokens int) float64 {
	inputCost := float64(inputTokens) * 3.0 / 1_000_000
	outputCost := float64(outputTokens) * 15.0 / 1_000_000
	return inputCost + outputCost
}
