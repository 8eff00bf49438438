// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/types"
)

const (
	// DefaultPingInterval is the liveness ping cadence.
	DefaultPingInterval = 30 * time.Second
	// DefaultDialTimeout bounds one websocket connect attempt.
	DefaultDialTimeout = 10 * time.Second
)

// WatcherConfig holds configuration for a Watcher.
type WatcherConfig struct {
	// BaseURL is the server root, e.g. http://localhost:8420.
	BaseURL string

	Mirror *Mirror

	PingInterval time.Duration // Default: 30s
	DialTimeout  time.Duration // Default: 10s

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Watcher keeps a Mirror synchronized with the server: it consumes the
// websocket event stream, sends liveness pings, reconnects with exponential
// backoff, and falls back to a full snapshot refetch on every reconnect or
// detected sequence gap.
type Watcher struct {
	baseURL      string
	mirror       *Mirror
	pingInterval time.Duration
	dialTimeout  time.Duration
	httpClient   *http.Client
	logger       *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a Watcher.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	if config.Mirror == nil {
		return nil, errors.New("client: mirror is required")
	}
	if config.PingInterval == 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Watcher{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		mirror:       config.Mirror,
		pingInterval: config.PingInterval,
		dialTimeout:  config.DialTimeout,
		httpClient:   config.HTTPClient,
		logger:       config.Logger,
		done:         make(chan struct{}),
	}, nil
}

// Start launches the watch loop. It returns immediately; the mirror fills in
// as the first resync completes.
func (w *Watcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go func() {
		defer close(w.done)
		w.run(runCtx)
	}()
}

// Stop halts the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		ws, err := w.dial(ctx)
		if err != nil {
			w.logger.Warn("Connect failed, backing off", zap.Error(err))
			if !sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()

		// Every (re)connect resyncs wholesale: the stream only carries
		// deltas, and we may have missed any number of them.
		if err := w.Resync(ctx); err != nil {
			w.logger.Warn("Resync failed", zap.Error(err))
			_ = ws.Close()
			if !sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		w.consume(ctx, ws)
		_ = ws.Close()
	}
}

func (w *Watcher) dial(ctx context.Context) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(w.baseURL, "http") + "/ws"
	dialCtx, cancel := context.WithTimeout(ctx, w.dialTimeout)
	defer cancel()
	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return ws, nil
}

// Resync refetches the full canonical snapshot and replaces the mirror.
func (w *Watcher) Resync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/state", nil)
	if err != nil {
		return err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch state: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch state: status %d", resp.StatusCode)
	}

	var snapshot types.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	w.mirror.Reset(&snapshot)
	w.logger.Debug("Mirror resynced", zap.Uint64("last_seq", snapshot.LastSeq))
	return nil
}

// consume reads frames until the connection dies or a gap forces a resync
// through reconnection.
func (w *Watcher) consume(ctx context.Context, ws *websocket.Conn) {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go w.pingLoop(ws, pingDone)

	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-pingDone:
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Info("Stream closed, reconnecting", zap.Error(err))
			}
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		if frame.Type == types.FramePong || frame.Type == types.FramePing {
			continue
		}

		if err := w.mirror.Apply(&frame); err != nil {
			var gap *types.StateInconsistencyError
			if errors.As(err, &gap) {
				// Logged, recovered automatically, never user-visible.
				w.logger.Info("Sequence gap detected, resyncing",
					zap.Uint64("expected", gap.ExpectedSeq),
					zap.Uint64("got", gap.GotSeq))
				if rerr := w.Resync(ctx); rerr != nil {
					w.logger.Warn("Resync failed, reconnecting", zap.Error(rerr))
					return
				}
				continue
			}
			w.logger.Warn("Failed to apply frame",
				zap.String("type", string(frame.Type)), zap.Error(err))
		}
	}
}

func (w *Watcher) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(&types.Frame{Type: types.FramePing, Timestamp: time.Now()})

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
