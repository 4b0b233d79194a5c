package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmoss/conductor/orchestrator"
)

func runLoop(t *testing.T, core Core, input string, source chan orchestrator.Event) []Response {
	t.Helper()
	broadcaster := orchestrator.NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broadcaster.Run(ctx, source)

	loop := NewStdioLoop(NewDispatcher(core, nil), broadcaster, nil)

	var out bytes.Buffer
	err := loop.Run(ctx, strings.NewReader(input), &out)
	require.NoError(t, err)

	var responses []Response
	dec := json.NewDecoder(&out)
	for {
		var resp Response
		if err := dec.Decode(&resp); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("invalid frame: %v", err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestStdioLoop_DispatchesCommands(t *testing.T) {
	core := &fakeCore{}
	input := `{"type":"stop-session","requestId":"r1","payload":{"sessionId":"s1"}}` + "\n" +
		`{"type":"wake-session","requestId":"r2","payload":{"sessionId":"s1"}}` + "\n"

	responses := runLoop(t, core, input, make(chan orchestrator.Event))

	require.Len(t, responses, 2)
	assert.Equal(t, "r1", responses[0].RequestID)
	assert.Equal(t, responseOK, responses[0].Type)
	assert.Equal(t, "r2", responses[1].RequestID)
	assert.Equal(t, []string{"stop-session", "wake-session"}, core.calls)
}

func TestStdioLoop_MalformedFrameAnsweredNotFatal(t *testing.T) {
	core := &fakeCore{}
	input := "this is not json\n" +
		`{"type":"stop-session","requestId":"r1","payload":{"sessionId":"s1"}}` + "\n"

	responses := runLoop(t, core, input, make(chan orchestrator.Event))

	require.Len(t, responses, 2)
	assert.Equal(t, responseError, responses[0].Type)
	assert.Equal(t, codeBadRequest, responses[0].Code)
	assert.Equal(t, responseOK, responses[1].Type)
}

func TestStdioLoop_RelaysEvents(t *testing.T) {
	broadcaster := orchestrator.NewBroadcaster(nil)
	source := make(chan orchestrator.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broadcaster.Run(ctx, source)

	loop := NewStdioLoop(NewDispatcher(&fakeCore{}, nil), broadcaster, nil)

	in, inWriter := io.Pipe()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx, in, &out) }()

	source <- orchestrator.StatusEvent{SessionID: "s1", State: orchestrator.StateIdle}

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"event":"status"`)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, inWriter.Close())
	require.NoError(t, <-done)

	var frame EventFrame
	line := strings.SplitN(strings.TrimSpace(out.String()), "\n", 2)[0]
	require.NoError(t, json.Unmarshal([]byte(line), &frame))
	assert.Equal(t, frameEvent, frame.Type)
	assert.Equal(t, "s1", frame.SessionID)
}

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
