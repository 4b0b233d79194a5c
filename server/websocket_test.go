package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmoss/conductor/orchestrator"
)

func dialTestHandler(t *testing.T, core Core, source chan orchestrator.Event) *websocket.Conn {
	t.Helper()
	broadcaster := orchestrator.NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go broadcaster.Run(ctx, source)

	handler := NewWSHandler(NewDispatcher(core, nil), broadcaster, nil)
	srv := httptest.NewServer(handler)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Close()
		cancel()
	})
	return conn
}

func TestWSHandler_CommandRoundTrip(t *testing.T) {
	core := &fakeCore{}
	conn := dialTestHandler(t, core, make(chan orchestrator.Event))

	cmd := `{"type":"stop-session","requestId":"r1","payload":{"sessionId":"s1"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, responseOK, resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestWSHandler_RelaysEvents(t *testing.T) {
	source := make(chan orchestrator.Event, 4)
	conn := dialTestHandler(t, &fakeCore{}, source)

	source <- orchestrator.StatusEvent{SessionID: "s1", State: orchestrator.StateStreaming}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Type    string `json:"type"`
		Event   string `json:"event"`
		Session string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, frameEvent, frame.Type)
	assert.Equal(t, "status", frame.Event)
	assert.Equal(t, "s1", frame.Session)
}

func TestWSHandler_MalformedCommandAnswered(t *testing.T) {
	conn := dialTestHandler(t, &fakeCore{}, make(chan orchestrator.Event))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, responseError, resp.Type)
	assert.Equal(t, codeBadRequest, resp.Code)
}
