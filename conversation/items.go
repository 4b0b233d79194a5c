// Package conversation defines the ordered item types a session's ledger,
// archive, and reconstructed history all share: a tagged union of plain
// messages and tool invocations, identified by id.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// Kind discriminates between item kinds.
type Kind string

const (
	KindMessage  Kind = "message"
	KindToolCall Kind = "tool_call"
)

// Item is one entry in a conversation. Identity is the id: re-delivery of
// the same id must not duplicate a ledger.
type Item interface {
	ItemID() string
	ItemKind() Kind
}

// Message is a plain conversation message.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Reasoning string    `json:"reasoning,omitempty"`
}

// ItemID returns the item identity.
func (m Message) ItemID() string { return m.ID }

// ItemKind returns KindMessage.
func (m Message) ItemKind() Kind { return KindMessage }

// ToolCall is a tool invocation and, once finished, its outcome.
type ToolCall struct {
	Timestamp    time.Time              `json:"timestamp"`
	Input        map[string]interface{} `json:"input,omitempty"`
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Status       ToolStatus             `json:"status"`
	Result       string                 `json:"result,omitempty"`
	DenialReason string                 `json:"denialReason,omitempty"`
}

// ItemID returns the item identity.
func (t ToolCall) ItemID() string { return t.ID }

// ItemKind returns KindToolCall.
func (t ToolCall) ItemKind() Kind { return KindToolCall }

// envelope is the persisted wrapper around an item.
type envelope struct {
	Kind Kind            `json:"kind"`
	Item json.RawMessage `json:"item"`
}

// MarshalItem serializes an item with its kind tag.
func MarshalItem(item Item) ([]byte, error) {
	inner, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: item.ItemKind(), Item: inner})
}

// UnmarshalItem parses a serialized item back into its concrete type.
func UnmarshalItem(data []byte) (Item, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Kind {
	case KindMessage:
		var m Message
		if err := json.Unmarshal(env.Item, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindToolCall:
		var t ToolCall
		if err := json.Unmarshal(env.Item, &t); err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown conversation item kind %q", env.Kind)
	}
}
