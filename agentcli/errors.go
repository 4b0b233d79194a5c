// Package agentcli drives one streaming subprocess session with the external
// AI coding agent CLI: process lifecycle, the NDJSON read loop, control
// request correlation, and typed event emission.
package agentcli

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrStopping       = errors.New("session is stopping")
	ErrSessionClosed  = errors.New("session is closed")
	ErrProcessExited  = errors.New("CLI process exited unexpectedly")
	// ErrInterrupted marks a turn that was cancelled on purpose. It is the
	// sentinel that distinguishes an abort from a transport failure and is
	// never surfaced to observers as an error.
	ErrInterrupted = errors.New("turn interrupted")
)

// ProtocolError represents a protocol-level error.
type ProtocolError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// ProcessError represents a process-level error. Stderr carries the tail of
// the CLI's diagnostic output when the process died abnormally.
type ProcessError struct {
	Cause    error
	Message  string
	Stderr   string
	ExitCode int
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("process error: %s (exit code %d)", e.Message, e.ExitCode)
	}
	return fmt.Sprintf("process error: %s", e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// CLINotFoundError indicates the agent CLI binary was not found.
type CLINotFoundError struct {
	Path  string
	Cause error
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("CLI binary not found at %q: %v", e.Path, e.Cause)
}

func (e *CLINotFoundError) Unwrap() error {
	return e.Cause
}

// IsInterrupt reports whether err is the deliberate-cancellation sentinel.
func IsInterrupt(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
