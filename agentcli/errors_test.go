package agentcli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessError_Unwrap(t *testing.T) {
	cause := errors.New("pipe broke")
	err := &ProcessError{Message: "write failed", Cause: cause, ExitCode: 1}

	assert.Contains(t, err.Error(), "exit code 1")
	assert.ErrorIs(t, err, cause)
}

func TestProtocolError_WithoutCause(t *testing.T) {
	err := &ProtocolError{Message: "bad line", Line: "{"}
	assert.Equal(t, "protocol error: bad line", err.Error())
	assert.NoError(t, err.Unwrap())
}

func TestCLINotFoundError(t *testing.T) {
	err := &CLINotFoundError{Path: "/usr/bin/agent", Cause: errors.New("no such file")}
	assert.Contains(t, err.Error(), "/usr/bin/agent")
}

func TestIsInterrupt(t *testing.T) {
	assert.True(t, IsInterrupt(ErrInterrupted))
	assert.True(t, IsInterrupt(fmt.Errorf("turn aborted: %w", ErrInterrupted)))
	assert.False(t, IsInterrupt(ErrProcessExited))
	assert.False(t, IsInterrupt(nil))
}
