// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/foreman/pkg/store"
	"github.com/teradata-labs/foreman/pkg/types"
)

func setupHub(t *testing.T) (*Hub, *store.Store, *httptest.Server) {
	t.Helper()

	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h, err := New(Config{Store: st, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, st, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *types.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f types.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return &f
}

func TestPublish_JournalsWithMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	h, st, _ := setupHub(t)

	for i := 0; i < 3; i++ {
		f, err := h.Publish(ctx, types.FrameOrchestratorUpdated, map[string]int{"i": i})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), f.SequenceNumber)
	}

	frames, err := st.EventsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.SequenceNumber)
	}
}

// TestPublish_ConcurrentDeliveryInOrder hammers Publish from many goroutines
// and checks that one client receives the frames in exact global-sequence
// order, with no frame overtaking an earlier one.
func TestPublish_ConcurrentDeliveryInOrder(t *testing.T) {
	ctx := context.Background()
	h, _, srv := setupHub(t)

	ws := dial(t, srv)
	readFrame(t, ws) // connection_established

	require.Eventually(t, func() bool { return len(h.Connections()) == 1 },
		time.Second, 10*time.Millisecond)

	const publishers = 8
	const perPublisher = 5
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := h.Publish(ctx, types.FrameAgentUpdated, nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for want := uint64(1); want <= publishers*perPublisher; want++ {
		f := readFrame(t, ws)
		assert.Equal(t, want, f.SequenceNumber)
	}
}

func TestWS_ConnectionEstablishedCarriesLastSeq(t *testing.T) {
	ctx := context.Background()
	h, _, srv := setupHub(t)

	_, err := h.Publish(ctx, types.FrameOrchestratorUpdated, nil)
	require.NoError(t, err)
	_, err = h.Publish(ctx, types.FrameOrchestratorUpdated, nil)
	require.NoError(t, err)

	ws := dial(t, srv)
	f := readFrame(t, ws)
	assert.Equal(t, types.FrameConnectionEstablished, f.Type)
	assert.Equal(t, uint64(2), f.SequenceNumber)

	var payload struct {
		ConnectionID string `json:"connection_id"`
		LastSeq      uint64 `json:"last_seq"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.NotEmpty(t, payload.ConnectionID)
	assert.Equal(t, uint64(2), payload.LastSeq)
}

func TestWS_BroadcastReachesAllClients(t *testing.T) {
	ctx := context.Background()
	h, _, srv := setupHub(t)

	a := dial(t, srv)
	b := dial(t, srv)
	readFrame(t, a) // connection_established
	readFrame(t, b)

	require.Eventually(t, func() bool { return len(h.Connections()) == 2 },
		time.Second, 10*time.Millisecond)

	_, err := h.Publish(ctx, types.FrameAgentCreated, map[string]string{"name": "X"})
	require.NoError(t, err)

	for _, ws := range []*websocket.Conn{a, b} {
		f := readFrame(t, ws)
		assert.Equal(t, types.FrameAgentCreated, f.Type)
		assert.Equal(t, uint64(1), f.SequenceNumber)
	}
}

func TestWS_PingPong(t *testing.T) {
	_, _, srv := setupHub(t)

	ws := dial(t, srv)
	readFrame(t, ws)

	ping, err := json.Marshal(&types.Frame{Type: types.FramePing})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, ping))

	f := readFrame(t, ws)
	assert.Equal(t, types.FramePong, f.Type)
}

// TestWS_DeadConnectionPruned drops one client and checks that broadcasting
// keeps working for the survivor while the dead connection is removed.
func TestWS_DeadConnectionPruned(t *testing.T) {
	ctx := context.Background()
	h, _, srv := setupHub(t)

	dead := dial(t, srv)
	alive := dial(t, srv)
	readFrame(t, dead)
	readFrame(t, alive)

	require.Eventually(t, func() bool { return len(h.Connections()) == 2 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, dead.Close())

	require.Eventually(t, func() bool { return len(h.Connections()) == 1 },
		2*time.Second, 20*time.Millisecond)

	_, err := h.Publish(ctx, types.FrameAgentUpdated, nil)
	require.NoError(t, err)
	f := readFrame(t, alive)
	assert.Equal(t, types.FrameAgentUpdated, f.Type)
}

func TestConnections_Metadata(t *testing.T) {
	h, _, srv := setupHub(t)

	ws := dial(t, srv)
	readFrame(t, ws)

	require.Eventually(t, func() bool { return len(h.Connections()) == 1 },
		time.Second, 10*time.Millisecond)

	info := h.Connections()[0]
	assert.NotEmpty(t, info.ID)
	assert.False(t, info.ConnectedAt.IsZero())
	assert.False(t, info.LastSeen.IsZero())
}
