// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package hub fans event frames out to every connected client. Each frame is
// journaled for a global sequence number, serialized once, and delivered to
// all live connections; a failed delivery prunes that one connection and
// never affects the rest.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/types"
)

const (
	// DefaultWriteTimeout bounds one frame write to one connection.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultReadTimeout is how long a connection may stay silent before it
	// is considered dead. Clients refresh it with liveness pings.
	DefaultReadTimeout = 90 * time.Second
	// DefaultSendBuffer is the per-connection outbound queue. A consumer
	// that falls this far behind is pruned rather than slowing the rest.
	DefaultSendBuffer = 256

	// SSEStream is the stream name for the read-only SSE mirror.
	SSEStream = "events"
)

// Config holds configuration for the Hub.
type Config struct {
	Store *store.Store

	WriteTimeout time.Duration // Default: 10s
	ReadTimeout  time.Duration // Default: 90s
	SendBuffer   int           // Default: 256

	Logger *zap.Logger
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type connection struct {
	id          string
	ws          *websocket.Conn
	send        chan []byte
	connectedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *connection) info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{ID: c.id, ConnectedAt: c.connectedAt, LastSeen: c.lastSeen}
}

// enqueue offers data to the write pump. It reports false when the outbound
// buffer is full or the connection is already closed.
func (c *connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub maintains the live connection set and the durable global event stream.
type Hub struct {
	store        *store.Store
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	sse          *sse.Server
	writeTimeout time.Duration
	readTimeout  time.Duration
	sendBuffer   int

	// pubMu serializes journaling and fan-out so frames reach clients in
	// global-sequence order; an out-of-order pair would force every mirror
	// into a spurious full resync.
	pubMu sync.Mutex

	mu    sync.RWMutex
	conns map[string]*connection
}

// New creates a Hub.
func New(config Config) (*Hub, error) {
	if config.Store == nil {
		return nil, errors.New("hub: store is required")
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.SendBuffer == 0 {
		config.SendBuffer = DefaultSendBuffer
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	sseServer := sse.New()
	sseServer.AutoReplay = false
	sseServer.CreateStream(SSEStream)

	return &Hub{
		store:  config.Store,
		logger: config.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sse:          sseServer,
		writeTimeout: config.WriteTimeout,
		readTimeout:  config.ReadTimeout,
		sendBuffer:   config.SendBuffer,
		conns:        make(map[string]*connection),
	}, nil
}

// Publish journals one event frame, assigning its global sequence number and
// timestamp, then fans it out to every live connection and the SSE mirror.
func (h *Hub) Publish(ctx context.Context, t types.FrameType, payload any) (*types.Frame, error) {
	frame, err := types.NewFrame(t, payload)
	if err != nil {
		return nil, err
	}

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	frame.SequenceNumber, frame.Timestamp, err = h.store.AppendEvent(ctx, t, frame.Payload)
	if err != nil {
		return nil, err
	}

	// Serialize once, deliver everywhere.
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	h.fanOut(data)
	h.sse.Publish(SSEStream, &sse.Event{Event: []byte(t), Data: data})
	return frame, nil
}

func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	var stale []*connection
	for _, c := range h.conns {
		if !c.enqueue(data) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Warn("Pruning slow consumer", zap.String("conn_id", c.id))
		h.unregister(c)
	}
}

// HandleWS upgrades an HTTP request to a websocket connection, sends the
// connection_established frame, and runs the read/write pumps until the
// connection dies.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	now := time.Now()
	conn := &connection{
		id:          uuid.NewString(),
		ws:          ws,
		send:        make(chan []byte, h.sendBuffer),
		connectedAt: now,
		lastSeen:    now,
	}

	// Queue the greeting before registration so nothing can race the
	// channel with a prune.
	lastSeq, err := h.store.LastEventSeq(r.Context())
	if err != nil {
		h.logger.Error("Failed to read last event seq", zap.Error(err))
	}
	if data, err := marshalDirect(types.FrameConnectionEstablished, lastSeq, map[string]any{
		"connection_id": conn.id,
		"last_seq":      lastSeq,
	}); err == nil {
		conn.enqueue(data)
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	count := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("Client connected",
		zap.String("conn_id", conn.id), zap.Int("connections", count))

	go h.writePump(conn)
	h.readPump(conn)
}

// marshalDirect builds a connection-scoped frame that bypasses the journal:
// it is addressed to one client, not broadcast, so it carries the current
// global sequence rather than allocating one.
func marshalDirect(t types.FrameType, seq uint64, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&types.Frame{
		Type:           t,
		Timestamp:      time.Now(),
		SequenceNumber: seq,
		Payload:        raw,
	})
}

func (h *Hub) writePump(c *connection) {
	defer func() { _ = c.ws.Close() }()
	for data := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Info("Client write failed, pruning",
				zap.String("conn_id", c.id), zap.Error(err))
			h.unregister(c)
			return
		}
	}
}

// readPump consumes client frames. Pings are the only client→server frame;
// anything else is ignored after refreshing liveness.
func (h *Hub) readPump(c *connection) {
	defer h.unregister(c)
	c.ws.SetReadLimit(4096)

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.readTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Info("Client read failed",
					zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		c.touch()

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == types.FramePing {
			if pong, err := marshalDirect(types.FramePong, 0, nil); err == nil {
				c.enqueue(pong)
			}
		}
	}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	count := len(h.conns)
	h.mu.Unlock()

	if present {
		c.close()
		_ = c.ws.Close()
		h.logger.Info("Client disconnected",
			zap.String("conn_id", c.id), zap.Int("connections", count))
	}
}

// SSEHandler serves the read-only SSE mirror of the event stream.
func (h *Hub) SSEHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The sse library selects streams by query parameter.
		q := r.URL.Query()
		if q.Get("stream") == "" {
			q.Set("stream", SSEStream)
			r.URL.RawQuery = q.Encode()
		}
		h.sse.ServeHTTP(w, r)
	})
}

// Connections lists the live connections.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ConnInfo, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c.info())
	}
	return out
}

// Close tears down every live connection and the SSE mirror.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
		_ = c.ws.Close()
	}
	h.sse.Close()
}
