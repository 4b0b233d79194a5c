package agentcli

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oakmoss/conductor/internal/ndjson"
	"github.com/oakmoss/conductor/internal/procattr"
)

// stderrTailSize bounds the diagnostic output kept for error reporting.
const stderrTailSize = 4096

// processManager manages the agent CLI process. The CLI runs long-lived:
// user messages and control requests are written to stdin, the NDJSON event
// stream is read from stdout.
type processManager struct {
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	cmd      *exec.Cmd
	reader   *ndjson.Reader
	writer   *ndjson.Writer
	config   SessionConfig
	tail     stderrTail
	mu       sync.Mutex
	started  bool
	stopping bool
}

// newProcessManager creates a new process manager.
func newProcessManager(config SessionConfig) *processManager {
	return &processManager{config: config}
}

// BuildCLIArgs builds the CLI arguments from the config.
//
// The agent CLI uses: agent --input-format stream-json --output-format
// stream-json --verbose --permission-prompt-tool stdio [options]
func (pm *processManager) BuildCLIArgs() []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}

	if pm.config.Model != "" {
		model := pm.config.Model
		if pm.config.ExtendedContext {
			model += "[1m]"
		}
		args = append(args, "--model", model)
	}

	if pm.config.Effort != "" {
		args = append(args, "--effort", pm.config.Effort)
	}

	if pm.config.PermissionMode != "" && pm.config.PermissionMode != PermissionModeDefault {
		args = append(args, "--permission-mode", string(pm.config.PermissionMode))
	}

	if pm.config.Resume != "" {
		args = append(args, "--resume", pm.config.Resume)
	}

	return args
}

// Start spawns the agent CLI process.
func (pm *processManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.started {
		return ErrAlreadyStarted
	}

	args := pm.BuildCLIArgs()

	cliPath := pm.config.CLIPath
	if cliPath == "" {
		cliPath = "agent"
	}

	pm.cmd = exec.CommandContext(ctx, cliPath, args...)

	pm.cmd.Env = os.Environ()
	for k, v := range pm.config.Env {
		pm.cmd.Env = append(pm.cmd.Env, k+"="+v)
	}

	// Configure process group for orphan prevention
	procattr.Set(pm.cmd)

	if pm.config.WorkDir != "" {
		pm.cmd.Dir = pm.config.WorkDir
	}

	var err error
	pm.stdin, err = pm.cmd.StdinPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stdin pipe", Cause: err}
	}

	pm.stdout, err = pm.cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stdout pipe", Cause: err}
	}

	pm.stderr, err = pm.cmd.StderrPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stderr pipe", Cause: err}
	}

	pm.reader = ndjson.NewReader(pm.stdout)
	pm.writer = ndjson.NewWriter(pm.stdin)

	if err := pm.cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &CLINotFoundError{Path: cliPath, Cause: err}
		}
		return &ProcessError{Message: "failed to start CLI process", Cause: err}
	}

	pm.started = true
	return nil
}

// ReadLine reads the next JSON line from stdout.
func (pm *processManager) ReadLine() ([]byte, error) {
	pm.mu.Lock()
	reader := pm.reader
	pm.mu.Unlock()

	if reader == nil {
		return nil, ErrNotStarted
	}

	return reader.ReadLine()
}

// WriteMessage writes a JSON message to the CLI's stdin.
func (pm *processManager) WriteMessage(v interface{}) error {
	pm.mu.Lock()
	writer := pm.writer
	stopping := pm.stopping
	pm.mu.Unlock()

	if writer == nil {
		return ErrNotStarted
	}
	if stopping {
		return ErrStopping
	}

	return writer.WriteMessage(v)
}

// Stderr returns the stderr reader.
func (pm *processManager) Stderr() io.Reader {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stderr
}

// StderrTail returns the last captured stderr bytes, for attaching to
// transport failure diagnostics.
func (pm *processManager) StderrTail() string {
	return pm.tail.String()
}

// recordStderr appends to the bounded stderr tail.
func (pm *processManager) recordStderr(b []byte) {
	pm.tail.Write(b)
}

// Stop gracefully shuts down the CLI process.
func (pm *processManager) Stop() error {
	pm.mu.Lock()
	if !pm.started || pm.stopping {
		pm.mu.Unlock()
		return nil
	}
	pm.stopping = true
	stdin := pm.stdin
	pm.mu.Unlock()

	// Closing stdin lets a healthy CLI exit on its own.
	if stdin != nil {
		_ = stdin.Close()
	}

	done := make(chan error, 1)
	go func() {
		done <- pm.cmd.Wait()
	}()

	// Graceful shutdown: SIGTERM, 500ms grace, then SIGKILL.
	if pm.cmd.Process != nil {
		_ = procattr.SignalGroup(pm.cmd.Process, syscall.SIGTERM)
	}

	select {
	case <-done:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	if pm.cmd.Process != nil {
		_ = procattr.KillGroup(pm.cmd.Process)
	}

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
	}

	return nil
}

// stderrTail is a bounded buffer keeping the most recent stderr output.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *stderrTail) Write(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > stderrTailSize {
		t.buf = t.buf[len(t.buf)-stderrTailSize:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
