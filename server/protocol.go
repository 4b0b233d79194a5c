// Package server exposes the orchestrator over two transports: an NDJSON
// command loop on stdio and a WebSocket endpoint. Both speak the same
// command/response envelopes and relay the orchestrator's event stream.
package server

import (
	"encoding/json"

	"github.com/oakmoss/conductor/conversation"
	"github.com/oakmoss/conductor/orchestrator"
)

// Command is one inbound request frame.
type Command struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response answers a command. Code carries the machine-readable error
// class; "not_found" is the only one callers are expected to branch on.
type Response struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Code      string      `json:"code,omitempty"`
	Error     string      `json:"error,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

const (
	responseOK    = "ok"
	responseError = "error"
	frameEvent    = "event"

	codeNotFound   = "not_found"
	codeBadRequest = "bad_request"
	codeInternal   = "internal"
)

// EventFrame wraps an orchestrator event for the wire.
type EventFrame struct {
	Type      string             `json:"type"`
	Event     string             `json:"event"`
	SessionID string             `json:"sessionId,omitempty"`
	Data      orchestrator.Event `json:"data"`
}

func newEventFrame(evt orchestrator.Event) EventFrame {
	return EventFrame{
		Type:      frameEvent,
		Event:     evt.EventName(),
		SessionID: evt.EventSessionID(),
		Data:      evt,
	}
}

func okResponse(requestID string, data interface{}) Response {
	return Response{Type: responseOK, RequestID: requestID, Data: data}
}

func errorResponse(requestID, code string, err error) Response {
	return Response{Type: responseError, RequestID: requestID, Code: code, Error: err.Error()}
}

// taggedItems serializes conversation items with their kind tags so the
// union round-trips across the wire.
func taggedItems(items []conversation.Item) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := conversation.MarshalItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// parseTaggedItems is the inverse of taggedItems.
func parseTaggedItems(raw []json.RawMessage) ([]conversation.Item, error) {
	items := make([]conversation.Item, 0, len(raw))
	for _, r := range raw {
		item, err := conversation.UnmarshalItem(r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
