package agentcli

import (
	"context"
	"io"
)

// PermissionMode controls tool execution approval.
type PermissionMode string

const (
	// PermissionModeDefault prompts the user for each dangerous operation.
	PermissionModeDefault PermissionMode = "default"
	// PermissionModeAcceptEdits auto-approves file modifications.
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	// PermissionModePlan restricts the agent to planning-only tools.
	PermissionModePlan PermissionMode = "plan"
	// PermissionModeBypass auto-approves all tools (use with caution).
	PermissionModeBypass PermissionMode = "bypassPermissions"
)

// ToolPermissionRequest is one in-flight request for tool approval.
type ToolPermissionRequest struct {
	Input       map[string]interface{}
	Suggestions []interface{}
	ToolUseID   string
	ToolName    string
}

// PermissionDecision is the outcome of a ToolPermissionRequest.
type PermissionDecision struct {
	UpdatedInput map[string]interface{}
	DenyMessage  string
	Allow        bool
	Interrupt    bool
}

// PermissionHandler decides whether a tool may run. It is called from its own
// goroutine and may block indefinitely waiting on a human. A ctx cancellation
// means the turn was interrupted and the decision is discarded.
type PermissionHandler func(ctx context.Context, req ToolPermissionRequest) (PermissionDecision, error)

// SessionConfig holds session configuration.
type SessionConfig struct {
	// PermissionHandler handles can_use_tool control requests.
	PermissionHandler PermissionHandler

	// StderrHandler is an optional handler for CLI stderr output.
	StderrHandler func([]byte)

	// ProtocolLog, when non-nil, receives every raw line read from the CLI.
	ProtocolLog io.Writer

	// Env is extra environment variables for the CLI process.
	Env map[string]string

	// Model is the model alias passed to the CLI.
	Model string

	// Effort is the model effort level, passed through verbatim.
	Effort string

	// PermissionMode controls tool execution approval.
	PermissionMode PermissionMode

	// WorkDir is the working directory for the conversation.
	WorkDir string

	// CLIPath is the path to the agent CLI binary ("agent" in PATH if empty).
	CLIPath string

	// Resume is the external conversation id to resume. If set, the CLI
	// continues a previous conversation instead of starting a new one.
	Resume string

	// EventBufferSize is the event channel buffer size (default: 256).
	EventBufferSize int

	// ExtendedContext requests the long-context variant of the model.
	ExtendedContext bool
}

// SessionOption is a functional option for configuring a Session.
type SessionOption func(*SessionConfig)

// WithModel sets the model to use.
func WithModel(model string) SessionOption {
	return func(c *SessionConfig) {
		c.Model = model
	}
}

// WithEffort sets the model effort level.
func WithEffort(level string) SessionOption {
	return func(c *SessionConfig) {
		c.Effort = level
	}
}

// WithExtendedContext toggles the long-context model variant.
func WithExtendedContext(on bool) SessionOption {
	return func(c *SessionConfig) {
		c.ExtendedContext = on
	}
}

// WithWorkDir sets the working directory.
func WithWorkDir(dir string) SessionOption {
	return func(c *SessionConfig) {
		c.WorkDir = dir
	}
}

// WithPermissionMode sets the permission mode.
func WithPermissionMode(mode PermissionMode) SessionOption {
	return func(c *SessionConfig) {
		c.PermissionMode = mode
	}
}

// WithCLIPath sets a custom CLI binary path.
func WithCLIPath(path string) SessionOption {
	return func(c *SessionConfig) {
		c.CLIPath = path
	}
}

// WithResume sets an external conversation id to resume.
func WithResume(conversationID string) SessionOption {
	return func(c *SessionConfig) {
		c.Resume = conversationID
	}
}

// WithEnv adds environment variables for the CLI process.
func WithEnv(env map[string]string) SessionOption {
	return func(c *SessionConfig) {
		c.Env = env
	}
}

// WithEventBufferSize sets the event channel buffer size.
func WithEventBufferSize(size int) SessionOption {
	return func(c *SessionConfig) {
		c.EventBufferSize = size
	}
}

// WithPermissionHandler sets the handler for tool approval requests.
func WithPermissionHandler(h PermissionHandler) SessionOption {
	return func(c *SessionConfig) {
		c.PermissionHandler = h
	}
}

// WithStderrHandler sets a handler for CLI stderr output.
func WithStderrHandler(h func([]byte)) SessionOption {
	return func(c *SessionConfig) {
		c.StderrHandler = h
	}
}

// WithProtocolLog mirrors every raw protocol line into w for debugging.
func WithProtocolLog(w io.Writer) SessionOption {
	return func(c *SessionConfig) {
		c.ProtocolLog = w
	}
}

// defaultConfig returns the default configuration.
func defaultConfig() SessionConfig {
	return SessionConfig{
		PermissionMode:  PermissionModeDefault,
		EventBufferSize: 256,
	}
}
