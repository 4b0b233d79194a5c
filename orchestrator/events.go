package orchestrator

import (
	"github.com/oakmoss/conductor/agentcli"
	"github.com/oakmoss/conductor/conversation"
	"github.com/oakmoss/conductor/transcript"
)

// Event is the closed set of notifications produced toward observers.
// Delivery is fire-and-forget fan-out; every event is tied to the session
// that produced it.
type Event interface {
	EventName() string
	EventSessionID() string
}

// MessageEvent announces a new conversation message appended to the ledger.
type MessageEvent struct {
	SessionID string               `json:"sessionId"`
	Message   conversation.Message `json:"message"`
}

func (e MessageEvent) EventName() string      { return "message" }
func (e MessageEvent) EventSessionID() string { return e.SessionID }

// ToolUseEvent announces a tool invocation starting.
type ToolUseEvent struct {
	SessionID string                `json:"sessionId"`
	Tool      conversation.ToolCall `json:"tool"`
}

func (e ToolUseEvent) EventName() string      { return "tool-use" }
func (e ToolUseEvent) EventSessionID() string { return e.SessionID }

// ToolResultEvent announces a tool invocation finishing.
type ToolResultEvent struct {
	SessionID    string                  `json:"sessionId"`
	ToolUseID    string                  `json:"toolUseId"`
	Status       conversation.ToolStatus `json:"status"`
	Result       string                  `json:"result,omitempty"`
	DenialReason string                  `json:"denialReason,omitempty"`
}

func (e ToolResultEvent) EventName() string      { return "tool-result" }
func (e ToolResultEvent) EventSessionID() string { return e.SessionID }

// StreamEvent carries an incremental text or reasoning fragment.
// ParentToolUseID tags fragments produced by a sub-agent.
type StreamEvent struct {
	SessionID       string `json:"sessionId"`
	Text            string `json:"text,omitempty"`
	Reasoning       string `json:"reasoning,omitempty"`
	ParentToolUseID string `json:"parentToolUseId,omitempty"`
}

func (e StreamEvent) EventName() string      { return "stream" }
func (e StreamEvent) EventSessionID() string { return e.SessionID }

// StatusEvent carries a metadata snapshot after a state transition.
type StatusEvent struct {
	SessionID      string          `json:"sessionId"`
	State          State           `json:"state"`
	ConversationID string          `json:"conversationId,omitempty"`
	Metadata       SessionMetadata `json:"metadata"`
}

func (e StatusEvent) EventName() string      { return "status" }
func (e StatusEvent) EventSessionID() string { return e.SessionID }

// ResultEvent summarizes a completed turn.
type ResultEvent struct {
	SessionID  string  `json:"sessionId"`
	Success    bool    `json:"success"`
	DurationMs int64   `json:"durationMs"`
	NumTurns   int     `json:"numTurns"`
	CostUSD    float64 `json:"costUsd"`
	Text       string  `json:"text,omitempty"`
}

func (e ResultEvent) EventName() string      { return "result" }
func (e ResultEvent) EventSessionID() string { return e.SessionID }

// ErrorEvent reports a non-fatal failure in the session's event stream.
type ErrorEvent struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (e ErrorEvent) EventName() string      { return "error" }
func (e ErrorEvent) EventSessionID() string { return e.SessionID }

// PermissionRequestEvent asks observers to approve or deny a tool use.
type PermissionRequestEvent struct {
	Input       map[string]interface{} `json:"input"`
	SessionID   string                 `json:"sessionId"`
	ToolUseID   string                 `json:"toolUseId"`
	ToolName    string                 `json:"toolName"`
	Suggestions []interface{}          `json:"suggestions,omitempty"`
}

func (e PermissionRequestEvent) EventName() string      { return "permission-request" }
func (e PermissionRequestEvent) EventSessionID() string { return e.SessionID }

// AskUserEvent asks observers to answer the agent's question.
type AskUserEvent struct {
	Input     map[string]interface{} `json:"input"`
	SessionID string                 `json:"sessionId"`
	ToolUseID string                 `json:"toolUseId"`
}

func (e AskUserEvent) EventName() string      { return "ask-user" }
func (e AskUserEvent) EventSessionID() string { return e.SessionID }

// ModeChangeEvent announces a permission mode change, including the plan
// mode toggles driven by the agent's reserved tools.
type ModeChangeEvent struct {
	SessionID string                 `json:"sessionId"`
	Mode      agentcli.PermissionMode `json:"mode"`
}

func (e ModeChangeEvent) EventName() string      { return "mode-change" }
func (e ModeChangeEvent) EventSessionID() string { return e.SessionID }

// HistoryEvent delivers a reconstructed conversation as one batch.
// Consumers must replace their entire view with it.
type HistoryEvent struct {
	SessionID string              `json:"sessionId"`
	Items     []conversation.Item `json:"items"`
}

func (e HistoryEvent) EventName() string      { return "history" }
func (e HistoryEvent) EventSessionID() string { return e.SessionID }

// SessionListEvent carries transcript directory summaries. Emitted only as
// a command response payload, never spontaneously.
type SessionListEvent struct {
	SessionID string                      `json:"sessionId,omitempty"`
	Sessions  []transcript.SessionSummary `json:"sessions"`
}

func (e SessionListEvent) EventName() string      { return "session-list" }
func (e SessionListEvent) EventSessionID() string { return e.SessionID }
