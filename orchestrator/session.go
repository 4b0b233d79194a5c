package orchestrator

import (
	"context"
	"errors"

	"github.com/oakmoss/conductor/agentcli"
)

// State is a session's lifecycle phase.
type State string

const (
	// StateIdle means no turn is in flight; input starts one immediately.
	StateIdle State = "idle"
	// StateStreaming means a turn is in flight; new input queues.
	StateStreaming State = "streaming"
	// StateResting means the CLI process is shut down but the conversation
	// identity is kept; the next message resumes transparently.
	StateResting State = "resting"
	// StateTerminated means the session was removed and cannot be used.
	StateTerminated State = "terminated"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrClosed is returned after the orchestrator has been disposed.
	ErrClosed = errors.New("orchestrator closed")
)

// maxImageBytes is the largest base64-encoded attachment forwarded to the
// agent. Larger images are dropped from the message without failing the send.
const maxImageBytes = 20 << 20

// ImageAttachment is a base64-encoded image sent alongside message text.
type ImageAttachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// queuedInput is one pending user message. The queue holds at most one
// entry; a newer message replaces an older undelivered one.
type queuedInput struct {
	text   string
	images []ImageAttachment
}

// agentSession is the slice of agentcli.Session the orchestrator drives.
// Tests substitute a scripted fake.
type agentSession interface {
	Start(ctx context.Context) error
	Events() <-chan agentcli.Event
	SendMessage(ctx context.Context, text string) error
	SendUserBlocks(ctx context.Context, blocks []interface{}) error
	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode agentcli.PermissionMode) error
	SetModel(ctx context.Context, model string) error
	StderrTail() string
	Stop() error
}

// agentFactory builds a CLI session. Swapped out in tests.
type agentFactory func(opts ...agentcli.SessionOption) agentSession

// Session is the orchestrator's view of one agent conversation. All fields
// are guarded by the orchestrator mutex; the turn goroutine re-acquires it
// and re-validates the session before every mutation.
type Session struct {
	ID              string
	CWD             string
	ConversationID  string
	Model           string
	Effort          string
	ExtendedContext bool
	PermissionMode  agentcli.PermissionMode
	State           State
	Metadata        SessionMetadata

	gate   *Gate
	ledger *Ledger
	agent  agentSession

	turnCancel context.CancelFunc
	queued     *queuedInput

	// spawnedWithResume records whether the live CLI process was started
	// with a resume id; a transport crash then triggers one fresh retry.
	spawnedWithResume bool
	resumeRetried     bool
}

// SessionSnapshot is the externally visible state of a session.
type SessionSnapshot struct {
	ID              string                  `json:"id"`
	CWD             string                  `json:"cwd"`
	ConversationID  string                  `json:"conversationId,omitempty"`
	Model           string                  `json:"model,omitempty"`
	PermissionMode  agentcli.PermissionMode `json:"permissionMode"`
	State           State                   `json:"state"`
	Metadata        SessionMetadata         `json:"metadata"`
	PendingRequests int                     `json:"pendingRequests"`
}

func (s *Session) snapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:              s.ID,
		CWD:             s.CWD,
		ConversationID:  s.ConversationID,
		Model:           s.Model,
		PermissionMode:  s.PermissionMode,
		State:           s.State,
		Metadata:        s.Metadata,
		PendingRequests: s.gate.PendingCount(),
	}
}
