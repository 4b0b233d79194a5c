package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/oakmoss/conductor/agentcli"
	"github.com/oakmoss/conductor/conversation"
	"github.com/oakmoss/conductor/orchestrator"
	"github.com/oakmoss/conductor/transcript"
)

// Core is the orchestrator surface the command dispatcher drives.
type Core interface {
	StartSession(p orchestrator.StartSessionParams) error
	SendMessage(id, text string, images []orchestrator.ImageAttachment) error
	StopSession(id string) error
	RestSession(id string) error
	WakeSession(id string) error
	ResetSession(id string) error
	ResumeSession(id, conversationID, cwd string) error
	SetPermissionMode(id string, mode agentcli.PermissionMode) error
	SetModel(id, model string) error
	SetEffort(id, effort string) error
	SetExtendedContext(id string, on bool) error
	ResolvePermission(id, toolUseID string, allow bool, updatedInput map[string]interface{}, message string) error
	ResolveAskUser(id, toolUseID string, answers map[string]string) error
	ListSessions(cwd string) ([]transcript.SessionSummary, error)
	History(id string) ([]conversation.Item, error)
	ArchiveMessages(id string, items []conversation.Item) error
	LoadArchived(id string, offset, limit int) ([]conversation.Item, error)
	ClearArchive(id string) error
}

// Dispatcher executes command frames against the orchestrator.
type Dispatcher struct {
	core   Core
	logger *zap.Logger
}

func NewDispatcher(core Core, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{core: core, logger: logger}
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type startSessionPayload struct {
	SessionID       string `json:"sessionId"`
	CWD             string `json:"cwd"`
	Prompt          string `json:"prompt,omitempty"`
	ResumeID        string `json:"resumeId,omitempty"`
	PermissionMode  string `json:"permissionMode,omitempty"`
	Model           string `json:"model,omitempty"`
	Effort          string `json:"effort,omitempty"`
	ExtendedContext bool   `json:"extendedContext,omitempty"`
}

type sendMessagePayload struct {
	SessionID string                         `json:"sessionId"`
	Text      string                         `json:"text"`
	Images    []orchestrator.ImageAttachment `json:"images,omitempty"`
}

type setModePayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

type setModelPayload struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

type setEffortPayload struct {
	SessionID string `json:"sessionId"`
	Effort    string `json:"effort"`
}

type setExtendedContextPayload struct {
	SessionID string `json:"sessionId"`
	Enabled   bool   `json:"enabled"`
}

type resolvePermissionPayload struct {
	SessionID    string                 `json:"sessionId"`
	ToolUseID    string                 `json:"toolUseId"`
	Allow        bool                   `json:"allow"`
	UpdatedInput map[string]interface{} `json:"updatedInput,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

type resolveAskUserPayload struct {
	SessionID string            `json:"sessionId"`
	ToolUseID string            `json:"toolUseId"`
	Answers   map[string]string `json:"answers"`
}

type listSessionsPayload struct {
	CWD string `json:"cwd"`
}

type resumeSessionPayload struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	CWD            string `json:"cwd,omitempty"`
}

type archiveMessagesPayload struct {
	SessionID string            `json:"sessionId"`
	Items     []json.RawMessage `json:"items"`
}

type loadArchivedPayload struct {
	SessionID string `json:"sessionId"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
}

// Dispatch executes one command and returns its response.
func (d *Dispatcher) Dispatch(cmd Command) Response {
	data, err := d.execute(cmd)
	if err != nil {
		code := codeInternal
		switch {
		case errors.Is(err, orchestrator.ErrSessionNotFound):
			code = codeNotFound
		case errors.Is(err, errBadPayload):
			code = codeBadRequest
		}
		d.logger.Debug("command failed",
			zap.String("command", cmd.Type),
			zap.String("code", code),
			zap.Error(err))
		return errorResponse(cmd.RequestID, code, err)
	}
	return okResponse(cmd.RequestID, data)
}

var errBadPayload = errors.New("malformed command payload")

func decode(payload json.RawMessage, into interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload required", errBadPayload)
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func (d *Dispatcher) execute(cmd Command) (interface{}, error) {
	switch cmd.Type {
	case "start-session":
		var p startSessionPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.StartSession(orchestrator.StartSessionParams{
			ID:              p.SessionID,
			CWD:             p.CWD,
			Prompt:          p.Prompt,
			Resume:          p.ResumeID,
			Model:           p.Model,
			Effort:          p.Effort,
			ExtendedContext: p.ExtendedContext,
			PermissionMode:  agentcli.PermissionMode(p.PermissionMode),
		})

	case "send-message":
		var p sendMessagePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.SendMessage(p.SessionID, p.Text, p.Images)

	case "stop-session":
		var p sessionRef
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.StopSession(p.SessionID)

	case "rest-session":
		var p sessionRef
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.RestSession(p.SessionID)

	case "wake-session":
		var p sessionRef
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.WakeSession(p.SessionID)

	case "reset-session":
		var p sessionRef
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.ResetSession(p.SessionID)

	case "resume-session":
		var p resumeSessionPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.ResumeSession(p.SessionID, p.ConversationID, p.CWD)

	case "set-permission-mode":
		var p setModePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.SetPermissionMode(p.SessionID, agentcli.PermissionMode(p.Mode))

	case "set-model":
		var p setModelPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.SetModel(p.SessionID, p.Model)

	case "set-effort":
		var p setEffortPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.SetEffort(p.SessionID, p.Effort)

	case "set-extended-context":
		var p setExtendedContextPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.SetExtendedContext(p.SessionID, p.Enabled)

	case "resolve-permission":
		var p resolvePermissionPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.ResolvePermission(p.SessionID, p.ToolUseID, p.Allow, p.UpdatedInput, p.Message)

	case "resolve-ask-user":
		var p resolveAskUserPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.ResolveAskUser(p.SessionID, p.ToolUseID, p.Answers)

	case "list-sessions":
		var p listSessionsPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		summaries, err := d.core.ListSessions(p.CWD)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"sessions": summaries}, nil

	case "get-history":
		var p sessionRef
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		items, err := d.core.History(p.SessionID)
		if err != nil {
			return nil, err
		}
		tagged, err := taggedItems(items)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": tagged}, nil

	case "archive-messages":
		var p archiveMessagesPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		items, err := parseTaggedItems(p.Items)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadPayload, err)
		}
		return nil, d.core.ArchiveMessages(p.SessionID, items)

	case "load-archived":
		var p loadArchivedPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		items, err := d.core.LoadArchived(p.SessionID, p.Offset, p.Limit)
		if err != nil {
			return nil, err
		}
		tagged, err := taggedItems(items)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": tagged}, nil

	case "clear-archive":
		var p sessionRef
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.core.ClearArchive(p.SessionID)

	default:
		return nil, fmt.Errorf("%w: unknown command %q", errBadPayload, cmd.Type)
	}
}
