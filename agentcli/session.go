package agentcli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oakmoss/conductor/protocol"
)

// trackedTool is a tool invocation observed during the current turn.
type trackedTool struct {
	Input map[string]interface{}
	Name  string
}

// Session manages one long-lived interaction with the agent CLI. Events are
// delivered on a buffered channel; writes to the CLI go through stdin.
type Session struct {
	ctx                     context.Context
	cancel                  context.CancelFunc
	events                  chan Event
	done                    chan struct{}
	accumulator             *streamAccumulator
	process                 *processManager
	info                    *SessionInfo
	pendingControlResponses map[string]chan protocol.ControlResponsePayload
	tools                   map[string]*trackedTool
	fullText                string
	config                  SessionConfig
	mu                      sync.RWMutex
	pendingMu               sync.Mutex
	started                 bool
	stopping                bool
}

// NewSession creates a new agent session with options.
func NewSession(opts ...SessionOption) *Session {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	s := &Session{
		config:                  config,
		events:                  make(chan Event, config.EventBufferSize),
		done:                    make(chan struct{}),
		pendingControlResponses: make(map[string]chan protocol.ControlResponsePayload),
		tools:                   make(map[string]*trackedTool),
	}
	s.accumulator = newStreamAccumulator(s)
	return s
}

// Start spawns the CLI process and begins the read loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	// Context for permission handler goroutines, cancelled on Stop().
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.process = newProcessManager(s.config)
	if err := s.process.Start(ctx); err != nil {
		s.cancel()
		s.mu.Unlock()
		return err
	}

	go s.readLoop()
	go s.stderrLoop()

	s.started = true
	s.mu.Unlock()

	// The CLI expects an initialize handshake on the control channel before
	// any user messages. Must run after readLoop starts so the response can
	// be received, and without s.mu held.
	if err := s.sendInitialize(ctx); err != nil {
		s.Stop()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	return nil
}

// sendInitialize sends the initialize control request and waits for the response.
func (s *Session) sendInitialize(ctx context.Context) error {
	_, err := s.sendControlRequest(ctx, map[string]interface{}{"subtype": "initialize"}, 60*time.Second)
	return err
}

// sendControlRequest sends a control request and waits for the matching
// control_response, correlated by request id.
func (s *Session) sendControlRequest(ctx context.Context, request interface{}, timeout time.Duration) (protocol.ControlResponsePayload, error) {
	requestID := generateRequestID()

	ch := make(chan protocol.ControlResponsePayload, 1)
	s.pendingMu.Lock()
	s.pendingControlResponses[requestID] = ch
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pendingControlResponses, requestID)
		s.pendingMu.Unlock()
	}()

	msg := protocol.ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   request,
	}

	if err := s.process.WriteMessage(msg); err != nil {
		return protocol.ControlResponsePayload{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Subtype == "error" {
			return resp, fmt.Errorf("control request error: %s", resp.Error)
		}
		return resp, nil
	case <-timeoutCtx.Done():
		return protocol.ControlResponsePayload{}, fmt.Errorf("control request timed out")
	case <-s.done:
		return protocol.ControlResponsePayload{}, ErrSessionClosed
	}
}

// Events returns a read-only channel for receiving events. The channel is
// closed when the session stops or the CLI process exits.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendMessage sends a plain text user message, starting a new turn.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	return s.send(protocol.NewUserTextMessage(text))
}

// SendUserBlocks sends a user message with structured content blocks
// (text plus inline images), starting a new turn.
func (s *Session) SendUserBlocks(ctx context.Context, blocks []interface{}) error {
	return s.send(protocol.NewUserBlocksMessage(blocks))
}

func (s *Session) send(msg protocol.UserMessageToSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	if s.stopping {
		return ErrStopping
	}

	// New turn: reset per-turn accumulation.
	s.fullText = ""
	s.tools = make(map[string]*trackedTool)
	s.accumulator.Reset()

	return s.process.WriteMessage(msg)
}

// Interrupt asks the CLI to abort the current turn.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}
	return s.process.WriteMessage(protocol.NewInterrupt(generateRequestID()))
}

// SetPermissionMode changes the permission mode mid-session.
func (s *Session) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.config.PermissionMode = mode
		return nil
	}
	return s.process.WriteMessage(protocol.NewSetPermissionMode(generateRequestID(), string(mode)))
}

// SetModel switches the model mid-session.
func (s *Session) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.config.Model = model
		return nil
	}
	return s.process.WriteMessage(protocol.NewSetModel(generateRequestID(), model))
}

// StderrTail returns the most recent CLI stderr output.
func (s *Session) StderrTail() string {
	if s.process == nil {
		return ""
	}
	return s.process.StderrTail()
}

// Stop gracefully shuts down the session and the CLI process.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	close(s.done)

	if s.process != nil {
		s.process.Stop()
	}

	close(s.events)
	return nil
}

// Info returns conversation metadata (available after the Ready event).
func (s *Session) Info() *SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// readLoop reads and processes messages from the CLI until EOF or stop.
func (s *Session) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		line, err := s.process.ReadLine()
		if err != nil {
			s.mu.RLock()
			stopping := s.stopping
			s.mu.RUnlock()

			if !stopping {
				if err != io.EOF {
					s.emitError(err, "read_line")
				}
				s.emitError(&ProcessError{
					Message: "CLI stream ended",
					Cause:   ErrProcessExited,
					Stderr:  s.process.StderrTail(),
				}, "process_exit")
				s.Stop()
			}
			return
		}

		s.handleLine(line)
	}
}

// stderrLoop captures CLI stderr into the bounded tail buffer and forwards
// it to the configured handler.
func (s *Session) stderrLoop() {
	stderr := s.process.Stderr()
	if stderr == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.process.recordStderr(buf[:n])
			if s.config.StderrHandler != nil {
				s.config.StderrHandler(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

// handleLine processes a single JSON line from the CLI.
func (s *Session) handleLine(line []byte) {
	if s.config.ProtocolLog != nil {
		_, _ = s.config.ProtocolLog.Write(append(line, '\n'))
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		s.emitError(&ProtocolError{
			Message: "failed to parse message",
			Line:    string(line),
			Cause:   err,
		}, "parse_message")
		return
	}
	if msg == nil {
		return // unknown type, skipped
	}

	switch m := msg.(type) {
	case protocol.SystemMessage:
		s.handleSystem(m)
	case protocol.StreamEvent:
		s.accumulator.HandleEvent(m)
	case protocol.AssistantMessage:
		s.handleAssistant(m)
	case protocol.UserMessage:
		s.handleUser(m)
	case protocol.ResultMessage:
		s.emit(TurnCompleteEvent{Result: m})
	case protocol.ControlRequest:
		s.handleControlRequest(m)
	case protocol.ControlResponse:
		s.handleControlResponse(m)
	}
}

func (s *Session) handleSystem(msg protocol.SystemMessage) {
	switch msg.Subtype {
	case protocol.SystemSubtypeInit:
		s.mu.Lock()
		s.info = &SessionInfo{
			ConversationID: msg.SessionID,
			Model:          msg.Model,
			WorkDir:        msg.CWD,
			Tools:          msg.Tools,
			PermissionMode: PermissionMode(msg.PermissionMode),
		}
		info := *s.info
		s.mu.Unlock()

		s.emit(ReadyEvent{Info: info})

	case protocol.SystemSubtypeCompactBoundary:
		s.emit(CompactionEvent{Notice: msg.Content})
	}
}

// handleAssistant processes a complete assistant message. Text already seen
// through streaming deltas is not re-emitted; only the unseen suffix is.
func (s *Session) handleAssistant(msg protocol.AssistantMessage) {
	blocks, ok := msg.Message.Content.AsBlocks()
	if !ok {
		return
	}

	parentID := ""
	if msg.ParentToolUseID != nil {
		parentID = *msg.ParentToolUseID
	}

	for _, block := range blocks {
		switch b := block.(type) {
		case protocol.TextBlock:
			s.mu.Lock()
			seen := s.fullText
			s.mu.Unlock()
			if len(b.Text) > len(seen) {
				s.appendTextWithID(b.Text[len(seen):], parentID, msg.Message.ID)
			}
		case protocol.ThinkingBlock:
			// Thinking rarely streams when deltas are disabled upstream.
			if b.Thinking != "" {
				s.emit(ThinkingEvent{Thinking: b.Thinking, MessageID: msg.Message.ID, ParentToolUseID: parentID})
			}
		case protocol.ToolUseBlock:
			s.mu.Lock()
			tool, known := s.tools[b.ID]
			s.mu.Unlock()

			if !known {
				s.trackTool(b.ID, b.Name)
				s.emit(ToolStartEvent{ID: b.ID, Name: b.Name, Timestamp: time.Now()})
				s.setToolInput(b.ID, b.Input)
				s.emit(ToolInputEvent{ID: b.ID, Name: b.Name, Input: b.Input, Timestamp: time.Now()})
			} else if tool.Input == nil {
				s.setToolInput(b.ID, b.Input)
			}
		}
	}
}

// handleUser processes tool results the CLI echoes back after executing a tool.
func (s *Session) handleUser(msg protocol.UserMessage) {
	blocks, ok := msg.Message.Content.AsBlocks()
	if !ok {
		return
	}

	for _, block := range blocks {
		resultBlock, ok := block.(protocol.ToolResultBlock)
		if !ok {
			continue
		}

		toolName := "unknown"
		s.mu.RLock()
		if tool, ok := s.tools[resultBlock.ToolUseID]; ok {
			toolName = tool.Name
		}
		s.mu.RUnlock()

		isError := false
		if resultBlock.IsError != nil {
			isError = *resultBlock.IsError
		}

		s.emit(ToolResultEvent{
			ToolUseID: resultBlock.ToolUseID,
			ToolName:  toolName,
			Content:   resultBlock.ContentText(),
			IsError:   isError,
		})
	}
}

// handleControlRequest dispatches a can_use_tool request to the permission
// handler. The handler may block on a human for minutes, so it runs in its
// own goroutine; the response is written whenever the decision arrives.
func (s *Session) handleControlRequest(msg protocol.ControlRequest) {
	toolReq := protocol.ParseToolUseRequest(msg)
	if toolReq == nil {
		return
	}

	handler := s.config.PermissionHandler
	if handler == nil {
		// No handler configured: allow with the original input.
		s.writeControlResponse(protocol.NewPermissionAllow(msg.RequestID, toolReq.Input))
		return
	}

	go func() {
		decision, err := handler(s.ctx, ToolPermissionRequest{
			ToolUseID:   toolReq.ToolUseID,
			ToolName:    toolReq.ToolName,
			Input:       toolReq.Input,
			Suggestions: toolReq.Suggestions,
		})
		if err != nil {
			if s.ctx.Err() != nil || IsInterrupt(err) {
				// Session stopped or turn interrupted; the decision is
				// discarded, not answered.
				return
			}
			s.writeControlResponse(protocol.NewPermissionDeny(msg.RequestID, err.Error(), false))
			return
		}

		if decision.Allow {
			input := decision.UpdatedInput
			if input == nil {
				input = toolReq.Input
			}
			s.writeControlResponse(protocol.NewPermissionAllow(msg.RequestID, input))
		} else {
			s.writeControlResponse(protocol.NewPermissionDeny(msg.RequestID, decision.DenyMessage, decision.Interrupt))
		}
	}()
}

func (s *Session) writeControlResponse(resp protocol.ControlResponse) {
	if err := s.process.WriteMessage(resp); err != nil {
		s.emitError(err, "send_control_response")
	}
}

// handleControlResponse routes incoming control_response messages to the
// goroutine that sent the corresponding control_request.
func (s *Session) handleControlResponse(msg protocol.ControlResponse) {
	requestID := msg.Response.RequestID
	s.pendingMu.Lock()
	ch, ok := s.pendingControlResponses[requestID]
	s.pendingMu.Unlock()

	if ok {
		select {
		case ch <- msg.Response:
		default:
		}
	}
}

// appendText accumulates streamed text and emits a TextEvent.
func (s *Session) appendText(text, parentID string) {
	s.appendTextWithID(text, parentID, "")
}

func (s *Session) appendTextWithID(text, parentID, messageID string) {
	s.mu.Lock()
	s.fullText += text
	full := s.fullText
	s.mu.Unlock()

	s.emit(TextEvent{Text: text, FullText: full, MessageID: messageID, ParentToolUseID: parentID})
}

func (s *Session) trackTool(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[id]; !ok {
		s.tools[id] = &trackedTool{Name: name}
	}
}

func (s *Session) setToolInput(id string, input map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tool, ok := s.tools[id]; ok {
		tool.Input = input
	}
}

// emit sends an event to the events channel. Safe to call during/after
// Stop(): events are dropped once the done channel closes, which prevents a
// send on the closed events channel.
func (s *Session) emit(event Event) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- event:
	case <-s.done:
	default:
		// Channel full, drop event.
	}
}

// emitError emits an error event.
func (s *Session) emitError(err error, context string) {
	s.emit(ErrorEvent{Err: err, Context: context})
}

// generateRequestID generates a unique request ID.
func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
