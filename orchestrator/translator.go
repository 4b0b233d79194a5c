package orchestrator

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oakmoss/conductor/agentcli"
	"github.com/oakmoss/conductor/conversation"
	"github.com/oakmoss/conductor/protocol"
)

// Reserved tool names the agent uses to toggle plan mode. They change the
// session's permission mode instead of appearing as conversation items.
const (
	toolEnterPlanMode = "EnterPlanMode"
	toolExitPlanMode  = "ExitPlanMode"
)

// maxToolResultChars bounds tool result text kept in the ledger.
const maxToolResultChars = 2000

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripControlSequences removes ANSI escapes and non-printable control
// characters, keeping newlines and tabs.
func stripControlSequences(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// truncateResult caps tool result text at maxToolResultChars characters.
func truncateResult(s string) string {
	runes := []rune(s)
	if len(runes) <= maxToolResultChars {
		return s
	}
	return string(runes[:maxToolResultChars])
}

// turnTranslator folds the CLI's event stream into ledger items and
// observer events for one turn. Assistant text and reasoning stream as
// fragments; the translator buffers them and materializes one message item
// per block, with buffered reasoning attached to the text that follows it
// in the same message.
type turnTranslator struct {
	o         *Orchestrator
	sessionID string

	messageID string
	text      strings.Builder
	reasoning strings.Builder

	// hiddenTools are the reserved plan mode toggles; their results are
	// swallowed instead of being surfaced.
	hiddenTools map[string]bool

	result *protocol.ResultMessage
}

func newTurnTranslator(o *Orchestrator, sessionID string) *turnTranslator {
	return &turnTranslator{
		o:           o,
		sessionID:   sessionID,
		hiddenTools: make(map[string]bool),
	}
}

// handle consumes one event. It returns done=true when the turn finished
// and a non-nil error only for transport failure.
func (t *turnTranslator) handle(evt agentcli.Event) (done bool, err error) {
	switch e := evt.(type) {
	case agentcli.ReadyEvent:
		t.o.bindConversation(t.sessionID, e.Info)

	case agentcli.TextEvent:
		if e.MessageID != "" && t.messageID != "" && e.MessageID != t.messageID {
			t.flushMessage()
		}
		if e.MessageID != "" {
			t.messageID = e.MessageID
		}
		t.text.WriteString(e.Text)
		t.o.emit(StreamEvent{
			SessionID:       t.sessionID,
			Text:            e.Text,
			ParentToolUseID: e.ParentToolUseID,
		})

	case agentcli.ThinkingEvent:
		if e.MessageID != "" && t.messageID != "" && e.MessageID != t.messageID {
			t.flushMessage()
		}
		if e.MessageID != "" {
			t.messageID = e.MessageID
		}
		t.reasoning.WriteString(e.Thinking)
		t.o.emit(StreamEvent{
			SessionID:       t.sessionID,
			Reasoning:       e.Thinking,
			ParentToolUseID: e.ParentToolUseID,
		})

	case agentcli.ToolStartEvent:
		t.flushMessage()
		switch e.Name {
		case toolEnterPlanMode:
			t.hiddenTools[e.ID] = true
			t.o.setMode(t.sessionID, agentcli.PermissionModePlan, false)
		case toolExitPlanMode:
			t.hiddenTools[e.ID] = true
			t.o.setMode(t.sessionID, agentcli.PermissionModeDefault, false)
		default:
			t.o.appendTool(t.sessionID, conversation.ToolCall{
				ID:        e.ID,
				Name:      e.Name,
				Status:    conversation.ToolStatusRunning,
				Timestamp: e.Timestamp,
			})
		}

	case agentcli.ToolInputEvent:
		if t.hiddenTools[e.ID] {
			break
		}
		t.o.updateTool(t.sessionID, e.ID, func(tc conversation.ToolCall) conversation.ToolCall {
			tc.Input = e.Input
			return tc
		}, true)

	case agentcli.ToolResultEvent:
		if t.hiddenTools[e.ToolUseID] {
			break
		}
		status := conversation.ToolStatusCompleted
		if e.IsError {
			status = conversation.ToolStatusError
		}
		content := truncateResult(e.Content)
		t.o.finishTool(t.sessionID, e.ToolUseID, status, content, "")

	case agentcli.CompactionEvent:
		t.flushMessage()
		notice := strings.TrimSpace(stripControlSequences(e.Notice))
		if notice == "" {
			notice = "Conversation context was compacted."
		}
		t.o.appendSystemNotice(t.sessionID, notice)

	case agentcli.TurnCompleteEvent:
		t.flushMessage()
		res := e.Result
		t.result = &res
		t.o.applyResult(t.sessionID, &res)
		return true, nil

	case agentcli.ErrorEvent:
		var procErr *agentcli.ProcessError
		if errors.As(e.Err, &procErr) {
			return false, procErr
		}
		t.o.emit(ErrorEvent{SessionID: t.sessionID, Message: e.Err.Error()})
	}
	return false, nil
}

// flushMessage materializes buffered text and reasoning as one assistant
// message item. No-op when both buffers are empty.
func (t *turnTranslator) flushMessage() {
	if t.text.Len() == 0 && t.reasoning.Len() == 0 {
		return
	}
	id := t.messageID
	if id == "" {
		id = uuid.NewString()
	}
	t.o.appendMessage(t.sessionID, conversation.Message{
		ID:        id,
		Role:      conversation.RoleAssistant,
		Text:      t.text.String(),
		Reasoning: t.reasoning.String(),
		Timestamp: time.Now().UTC(),
	})
	t.text.Reset()
	t.reasoning.Reset()
	t.messageID = ""
}
