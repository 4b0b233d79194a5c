package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_SystemInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc-123","model":"sonnet","cwd":"/tmp/proj","permissionMode":"default","tools":["Bash","Edit"]}`)

	msg, err := ParseMessage(line)
	require.NoError(t, err)

	sys, ok := msg.(SystemMessage)
	require.True(t, ok)
	assert.Equal(t, SystemSubtypeInit, sys.Subtype)
	assert.Equal(t, "abc-123", sys.SessionID)
	assert.Equal(t, "sonnet", sys.Model)
	assert.Equal(t, []string{"Bash", "Edit"}, sys.Tools)
}

func TestParseMessage_Assistant(t *testing.T) {
	line := []byte(`{"type":"assistant","session_id":"abc","uuid":"u1","parent_tool_use_id":null,"message":{"role":"assistant","content":[{"type":"text","text":"hello"}],"stop_reason":null,"stop_sequence":null}}`)

	msg, err := ParseMessage(line)
	require.NoError(t, err)

	am, ok := msg.(AssistantMessage)
	require.True(t, ok)

	blocks, ok := am.Message.Content.AsBlocks()
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.Equal(t, "hello", blocks[0].(TextBlock).Text)
}

func TestParseMessage_Result(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","session_id":"abc","is_error":false,"duration_ms":1200,"num_turns":3,"total_cost_usd":0.04,"usage":{"input_tokens":500,"output_tokens":120},"modelUsage":{"sonnet":{"inputTokens":500,"outputTokens":120,"costUSD":0.04,"contextWindow":200000}}}`)

	msg, err := ParseMessage(line)
	require.NoError(t, err)

	rm, ok := msg.(ResultMessage)
	require.True(t, ok)
	assert.False(t, rm.IsError)
	assert.Equal(t, int64(1200), rm.DurationMs)
	assert.Equal(t, 3, rm.NumTurns)
	assert.Equal(t, 500, rm.Usage.InputTokens)
	require.Contains(t, rm.ModelUsage, "sonnet")
	assert.Equal(t, 200000, rm.ModelUsage["sonnet"].ContextWindow)
}

func TestParseMessage_UnknownTypeSkipped(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"telemetry","payload":{}}`))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestParseMessage_Malformed(t *testing.T) {
	_, err := ParseMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestFlexibleContent_String(t *testing.T) {
	var mc MessageContent
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"plain text","stop_reason":null,"stop_sequence":null}`), &mc))

	s, ok := mc.Content.AsString()
	require.True(t, ok)
	assert.Equal(t, "plain text", s)

	_, ok = mc.Content.AsBlocks()
	assert.False(t, ok)
}

func TestParseControlRequest_CanUseTool(t *testing.T) {
	raw := json.RawMessage(`{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"permission_suggestions":[{"type":"rule"}]}`)

	data, err := ParseControlRequest(raw)
	require.NoError(t, err)

	req, ok := data.(CanUseToolRequest)
	require.True(t, ok)
	assert.Equal(t, "Bash", req.ToolName)
	assert.Equal(t, "ls", req.Input["command"])
	assert.Len(t, req.PermissionSuggestions, 1)
}

func TestParseControlRequest_UnknownSubtype(t *testing.T) {
	data, err := ParseControlRequest(json.RawMessage(`{"subtype":"hook_callback"}`))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestParseToolUseRequest_FallsBackToRequestID(t *testing.T) {
	msg := ControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: "req_1",
		Request:   json.RawMessage(`{"subtype":"can_use_tool","tool_name":"Edit","input":{}}`),
	}

	req := ParseToolUseRequest(msg)
	require.NotNil(t, req)
	assert.Equal(t, "req_1", req.ToolUseID)
}

func TestNewPermissionAllow_NeverNullInput(t *testing.T) {
	resp := NewPermissionAllow("req_9", nil)
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"updatedInput":{}`)
}

func TestNewPermissionDeny(t *testing.T) {
	resp := NewPermissionDeny("req_9", "user said no", true)
	payload, ok := resp.Response.Response.(PermissionResultDeny)
	require.True(t, ok)
	assert.Equal(t, PermissionBehaviorDeny, payload.Behavior)
	assert.Equal(t, "user said no", payload.Message)
	assert.True(t, payload.Interrupt)
}

func TestParseStreamEvent_Deltas(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, d DeltaData)
	}{
		{
			name: "text",
			raw:  `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
			check: func(t *testing.T, d DeltaData) {
				assert.Equal(t, "hi", d.(TextDelta).Text)
			},
		},
		{
			name: "thinking",
			raw:  `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
			check: func(t *testing.T, d DeltaData) {
				assert.Equal(t, "hmm", d.(ThinkingDelta).Thinking)
			},
		},
		{
			name: "input_json",
			raw:  `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"cmd"}}`,
			check: func(t *testing.T, d DeltaData) {
				assert.Equal(t, `{"cmd`, d.(InputJSONDelta).PartialJSON)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := ParseStreamEvent(json.RawMessage(tc.raw))
			require.NoError(t, err)

			evt, ok := data.(ContentBlockDeltaEvent)
			require.True(t, ok)

			delta, err := evt.ParsedDelta()
			require.NoError(t, err)
			tc.check(t, delta)
		})
	}
}

func TestParseStreamEvent_UnknownKindSkipped(t *testing.T) {
	data, err := ParseStreamEvent(json.RawMessage(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Nil(t, data)
}
