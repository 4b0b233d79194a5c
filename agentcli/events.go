package agentcli

import (
	"time"

	"github.com/oakmoss/conductor/protocol"
)

// EventType discriminates between event kinds.
type EventType int

const (
	// EventTypeReady fires when the CLI reports session initialization.
	EventTypeReady EventType = iota
	// EventTypeText fires for streaming text chunks.
	EventTypeText
	// EventTypeThinking fires for reasoning chunks.
	EventTypeThinking
	// EventTypeToolStart fires when a tool invocation begins.
	EventTypeToolStart
	// EventTypeToolInput fires when a tool's input is fully known.
	EventTypeToolInput
	// EventTypeToolResult fires when the CLI sends back an executed tool's result.
	EventTypeToolResult
	// EventTypeCompaction fires when the CLI compacts conversation context.
	EventTypeCompaction
	// EventTypeTurnComplete fires when a turn finishes.
	EventTypeTurnComplete
	// EventTypeError fires on session errors.
	EventTypeError
)

// Event is the interface for all events.
type Event interface {
	Type() EventType
}

// SessionInfo contains conversation metadata from the init message.
type SessionInfo struct {
	ConversationID string
	Model          string
	WorkDir        string
	PermissionMode PermissionMode
	Tools          []string
}

// ReadyEvent fires when the session is initialized. It must arrive before
// any other event of the turn is trusted.
type ReadyEvent struct {
	Info SessionInfo
}

// Type returns the event type.
func (e ReadyEvent) Type() EventType { return EventTypeReady }

// TextEvent contains a streaming text chunk. ParentToolUseID is non-empty
// when the text belongs to a sub-agent's nested turn.
type TextEvent struct {
	Text            string
	FullText        string
	MessageID       string
	ParentToolUseID string
}

// Type returns the event type.
func (e TextEvent) Type() EventType { return EventTypeText }

// ThinkingEvent contains a reasoning chunk.
type ThinkingEvent struct {
	Thinking        string
	MessageID       string
	ParentToolUseID string
}

// Type returns the event type.
func (e ThinkingEvent) Type() EventType { return EventTypeThinking }

// ToolStartEvent fires when a tool invocation begins.
type ToolStartEvent struct {
	Timestamp time.Time
	ID        string
	Name      string
}

// Type returns the event type.
func (e ToolStartEvent) Type() EventType { return EventTypeToolStart }

// ToolInputEvent fires when a tool's input is fully parsed.
type ToolInputEvent struct {
	Timestamp time.Time
	Input     map[string]interface{}
	ID        string
	Name      string
}

// Type returns the event type.
func (e ToolInputEvent) Type() EventType { return EventTypeToolInput }

// ToolResultEvent fires when the CLI reports a finished tool execution.
type ToolResultEvent struct {
	ToolUseID string
	ToolName  string
	Content   string
	IsError   bool
}

// Type returns the event type.
func (e ToolResultEvent) Type() EventType { return EventTypeToolResult }

// CompactionEvent fires when the CLI compacts the conversation context.
type CompactionEvent struct {
	Notice string
}

// Type returns the event type.
func (e CompactionEvent) Type() EventType { return EventTypeCompaction }

// TurnCompleteEvent is the terminal event of a turn.
type TurnCompleteEvent struct {
	Result protocol.ResultMessage
}

// Type returns the event type.
func (e TurnCompleteEvent) Type() EventType { return EventTypeTurnComplete }

// ErrorEvent contains session errors.
type ErrorEvent struct {
	Err     error
	Context string
}

// Type returns the event type.
func (e ErrorEvent) Type() EventType { return EventTypeError }
