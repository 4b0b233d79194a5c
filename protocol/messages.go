// Package protocol defines the NDJSON wire vocabulary spoken by the agent
// CLI over stdin/stdout: a tagged union of message envelopes, streaming
// deltas, and the control channel used for permissions and interrupts.
package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// MessageType discriminates between message kinds.
type MessageType string

const (
	MessageTypeSystem          MessageType = "system"
	MessageTypeAssistant       MessageType = "assistant"
	MessageTypeUser            MessageType = "user"
	MessageTypeResult          MessageType = "result"
	MessageTypeStreamEvent     MessageType = "stream_event"
	MessageTypeControlRequest  MessageType = "control_request"
	MessageTypeControlResponse MessageType = "control_response"
)

// Message is the interface for all protocol messages.
type Message interface {
	MsgType() MessageType
}

// System message subtypes.
const (
	SystemSubtypeInit            = "init"
	SystemSubtypeCompactBoundary = "compact_boundary"
)

// SystemMessage represents session initialization and system notices.
type SystemMessage struct {
	Type           MessageType `json:"type"`
	Subtype        string      `json:"subtype"`
	UUID           string      `json:"uuid"`
	SessionID      string      `json:"session_id"`
	Model          string      `json:"model,omitempty"`
	CWD            string      `json:"cwd,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	APIKeySource   string      `json:"apiKeySource,omitempty"`
	AgentVersion   string      `json:"agent_version,omitempty"`
	Content        string      `json:"content,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	SlashCommands  []string    `json:"slash_commands,omitempty"`
}

// MsgType returns the message type.
func (m SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// Usage tracks token usage on a single message.
type Usage struct {
	ServiceTier              string `json:"service_tier,omitempty"`
	InputTokens              int    `json:"input_tokens"`
	CacheCreationInputTokens int    `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int    `json:"cache_read_input_tokens"`
	OutputTokens             int    `json:"output_tokens"`
}

// FlexibleContent can be either a string or an array of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// NewStringContent wraps a plain string as FlexibleContent.
func NewStringContent(s string) FlexibleContent {
	b, _ := json.Marshal(s)
	return FlexibleContent{raw: b}
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = data
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// IsString returns true if the content is a string.
func (fc FlexibleContent) IsString() bool {
	if len(fc.raw) == 0 {
		return false
	}
	return fc.raw[0] == '"'
}

// AsString returns the content as a string (if it is one).
func (fc FlexibleContent) AsString() (string, bool) {
	if !fc.IsString() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content as content blocks (if it is an array).
func (fc FlexibleContent) AsBlocks() (ContentBlocks, bool) {
	if fc.IsString() || len(fc.raw) == 0 {
		return nil, false
	}
	var blocks ContentBlocks
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// MessageContent is the inner content of assistant/user messages.
type MessageContent struct {
	Model        string          `json:"model,omitempty"`
	ID           string          `json:"id,omitempty"`
	Type         string          `json:"type,omitempty"`
	Role         string          `json:"role"`
	Content      FlexibleContent `json:"content"`
	StopReason   *string         `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage,omitempty"`
}

// AssistantMessage is a complete message from the agent.
type AssistantMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (m AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }

// UserMessage represents tool results echoed back by the CLI harness.
type UserMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (m UserMessage) MsgType() MessageType { return MessageTypeUser }

// UsageDetails is the extended usage in ResultMessage. The CLI reports these
// as session-cumulative totals, not per-turn increments.
type UsageDetails struct {
	ServiceTier              string `json:"service_tier,omitempty"`
	InputTokens              int    `json:"input_tokens"`
	CacheCreationInputTokens int    `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int    `json:"cache_read_input_tokens"`
	OutputTokens             int    `json:"output_tokens"`
}

// ModelUsage tracks usage per model. Field names are camelCase on the wire,
// unlike the snake_case envelope fields.
type ModelUsage struct {
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
	ContextWindow            int     `json:"contextWindow,omitempty"`
}

// ResultMessage contains turn completion metrics. When ModelUsage is present
// it is authoritative over Usage.
type ResultMessage struct {
	ModelUsage    map[string]ModelUsage `json:"modelUsage,omitempty"`
	SessionID     string                `json:"session_id"`
	Subtype       string                `json:"subtype"`
	UUID          string                `json:"uuid"`
	Type          MessageType           `json:"type"`
	Result        string                `json:"result"`
	Usage         UsageDetails          `json:"usage"`
	TotalCostUSD  float64               `json:"total_cost_usd"`
	NumTurns      int                   `json:"num_turns"`
	DurationAPIMs int64                 `json:"duration_api_ms"`
	DurationMs    int64                 `json:"duration_ms"`
	IsError       bool                  `json:"is_error"`
}

// MsgType returns the message type.
func (m ResultMessage) MsgType() MessageType { return MessageTypeResult }

// UserMessageToSend is what we write to the CLI's stdin.
type UserMessageToSend struct {
	Message UserMessageToSendInner `json:"message"`
	Type    string                 `json:"type"`
}

// UserMessageToSendInner is the inner part of messages we send.
type UserMessageToSendInner struct {
	Content interface{} `json:"content"`
	Role    string      `json:"role"`
}

// Marshal serializes the message to a JSON line ready to write to the CLI.
func (m UserMessageToSend) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal UserMessageToSend: %w", err)
	}
	return b, nil
}

// ParseMessage parses one NDJSON line into a typed message. Lines with an
// unknown type tag return (nil, nil) so callers can skip them; the external
// tag space is open and grows without notice.
func ParseMessage(line []byte) (Message, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, err
	}

	switch base.Type {
	case MessageTypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MessageTypeAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MessageTypeUser:
		var m UserMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MessageTypeResult:
		var m ResultMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MessageTypeStreamEvent:
		var m StreamEvent
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MessageTypeControlRequest:
		var m ControlRequest
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MessageTypeControlResponse:
		var m ControlResponse
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		slog.Warn("skipping unknown message type", "type", base.Type)
		return nil, nil
	}
}
