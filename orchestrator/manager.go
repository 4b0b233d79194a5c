// Package orchestrator manages the fleet of agent CLI sessions: lifecycle
// state machines, the approval gate, the live conversation ledger, and the
// event fan-out toward observers.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oakmoss/conductor/agentcli"
	"github.com/oakmoss/conductor/conversation"
	"github.com/oakmoss/conductor/protocol"
	"github.com/oakmoss/conductor/transcript"
)

// toolAskUser is the reserved question tool. Its approval futures always
// resolve as allow with the user's answers merged into the input.
const toolAskUser = "AskUserQuestion"

const controlTimeout = 30 * time.Second

// Config tunes the orchestrator.
type Config struct {
	// CLIPath locates the agent binary; empty means $PATH lookup.
	CLIPath string
	// DefaultModel is used when start-session names no model.
	DefaultModel string
	// LedgerCap and LedgerFloor bound the live conversation window.
	LedgerCap   int
	LedgerFloor int
	// EventBufferSize is the outbound event channel capacity.
	EventBufferSize int
	// Env is extra environment passed to every CLI process.
	Env map[string]string
}

// Orchestrator owns every session and serializes all mutation behind one
// mutex. Turn goroutines re-acquire it and re-validate their session before
// touching anything, so a session killed mid-turn is simply never updated
// again.
type Orchestrator struct {
	cfg      Config
	store    *transcript.Store
	lister   *transcript.Lister
	registry *IDRegistry
	logger   *zap.Logger
	newAgent agentFactory

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	evMu     sync.RWMutex
	evClosed bool
	events   chan Event

	wg sync.WaitGroup
}

// New builds an orchestrator. The lister is optional; without it
// ListSessions scans the transcript directory uncached.
func New(cfg Config, store *transcript.Store, lister *transcript.Lister, registry *IDRegistry, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 1024
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		lister:   lister,
		registry: registry,
		logger:   logger,
		newAgent: func(opts ...agentcli.SessionOption) agentSession { return agentcli.NewSession(opts...) },
		sessions: make(map[string]*Session),
		events:   make(chan Event, cfg.EventBufferSize),
	}
}

// Events is the outbound event stream. It closes when the orchestrator is
// closed.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// emit delivers an event without blocking; a full channel drops the event.
// Approval handlers emit from agentcli goroutines the turn WaitGroup does
// not track, so the closed check must hold until the send completes.
func (o *Orchestrator) emit(evt Event) {
	o.evMu.RLock()
	defer o.evMu.RUnlock()
	if o.evClosed {
		return
	}
	select {
	case o.events <- evt:
	default:
		o.logger.Warn("event channel full, dropping event",
			zap.String("event", evt.EventName()),
			zap.String("session_id", evt.EventSessionID()))
	}
}

// StartSessionParams configures a new session.
type StartSessionParams struct {
	ID              string
	CWD             string
	Prompt          string
	Resume          string
	Model           string
	Effort          string
	ExtendedContext bool
	PermissionMode  agentcli.PermissionMode
}

// StartSession registers a session. Starting an id that already exists is
// a no-op, so concurrent or repeated starts cannot spawn duplicate agents.
// A non-empty prompt begins the first turn; otherwise, a known conversation
// id triggers an asynchronous history replay.
func (o *Orchestrator) StartSession(p StartSessionParams) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if _, exists := o.sessions[p.ID]; exists {
		return nil
	}

	model := p.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	mode := p.PermissionMode
	if mode == "" {
		mode = agentcli.PermissionModeDefault
	}
	conv := p.Resume
	if conv == "" && o.registry != nil {
		conv, _ = o.registry.Get(p.ID)
	}

	sess := &Session{
		ID:              p.ID,
		CWD:             p.CWD,
		ConversationID:  conv,
		Model:           model,
		Effort:          p.Effort,
		ExtendedContext: p.ExtendedContext,
		PermissionMode:  mode,
		State:           StateIdle,
		gate:            NewGate(),
	}
	sess.ledger = NewLedger(p.ID, o.store, o.cfg.LedgerCap, o.cfg.LedgerFloor, o.logger)
	o.sessions[p.ID] = sess
	o.emit(StatusEvent{SessionID: p.ID, State: sess.State, ConversationID: conv, Metadata: sess.Metadata})

	if p.Prompt != "" {
		o.startTurnLocked(sess, queuedInput{text: p.Prompt}, true)
	} else if conv != "" {
		o.wg.Add(1)
		go o.replayHistory(p.ID)
	}
	return nil
}

// SendMessage delivers user input. Idle and resting sessions start a turn
// immediately (resting wakes transparently). A streaming session has its
// current turn cancelled, pending approvals discarded, and the new input
// replaces anything already queued.
func (o *Orchestrator) SendMessage(id, text string, images []ImageAttachment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	input := queuedInput{text: text, images: images}
	switch sess.State {
	case StateStreaming:
		sess.queued = &input
		sess.gate.Clear()
		o.cancelTurnLocked(sess)
	case StateResting:
		sess.State = StateIdle
		o.startTurnLocked(sess, input, true)
	default:
		o.startTurnLocked(sess, input, true)
	}
	return nil
}

// StopSession cancels the in-flight turn, discards queued input, and
// clears pending approvals. The CLI process stays warm for the next turn.
func (o *Orchestrator) StopSession(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.queued = nil
	sess.gate.Clear()
	o.cancelTurnLocked(sess)
	return nil
}

// RestSession stops the turn and shuts down the CLI process while keeping
// the conversation identity, so a later message resumes transparently.
func (o *Orchestrator) RestSession(id string) error {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.queued = nil
	sess.gate.Clear()
	o.cancelTurnLocked(sess)
	agent := sess.agent
	sess.agent = nil
	sess.State = StateResting
	o.emit(StatusEvent{SessionID: id, State: sess.State, ConversationID: sess.ConversationID, Metadata: sess.Metadata})
	o.mu.Unlock()

	if agent != nil {
		if err := agent.Stop(); err != nil {
			o.logger.Warn("failed to stop resting agent", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// WakeSession returns a resting session to idle.
func (o *Orchestrator) WakeSession(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.State == StateResting {
		sess.State = StateIdle
		o.emit(StatusEvent{SessionID: id, State: sess.State, ConversationID: sess.ConversationID, Metadata: sess.Metadata})
	}
	return nil
}

// ResetSession forgets the conversation: the CLI process is shut down, the
// external id binding is removed, and the ledger is emptied. Working
// directory and settings survive.
func (o *Orchestrator) ResetSession(id string) error {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.queued = nil
	sess.gate.Clear()
	o.cancelTurnLocked(sess)
	agent := sess.agent
	sess.agent = nil
	sess.ConversationID = ""
	sess.spawnedWithResume = false
	sess.resumeRetried = false
	sess.Metadata = SessionMetadata{Model: sess.Model}
	sess.ledger.Replace(nil)
	sess.State = StateIdle
	if o.registry != nil {
		if err := o.registry.Delete(id); err != nil {
			o.logger.Warn("failed to remove registry binding", zap.String("session_id", id), zap.Error(err))
		}
	}
	o.emit(HistoryEvent{SessionID: id, Items: []conversation.Item{}})
	o.emit(StatusEvent{SessionID: id, State: sess.State, Metadata: sess.Metadata})
	o.mu.Unlock()

	if agent != nil {
		if err := agent.Stop(); err != nil {
			o.logger.Warn("failed to stop agent on reset", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// ResumeSession rebinds an existing session to a different external
// conversation and replays its reconstructed history as one batch.
func (o *Orchestrator) ResumeSession(id, conversationID, cwd string) error {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.queued = nil
	sess.gate.Clear()
	o.cancelTurnLocked(sess)
	agent := sess.agent
	sess.agent = nil
	if cwd != "" {
		sess.CWD = cwd
	}
	sess.ConversationID = conversationID
	sess.spawnedWithResume = false
	sess.resumeRetried = false
	sess.State = StateIdle
	if o.registry != nil {
		if err := o.registry.Set(id, conversationID); err != nil {
			o.logger.Warn("failed to persist registry binding", zap.String("session_id", id), zap.Error(err))
		}
	}
	o.mu.Unlock()

	if agent != nil {
		if err := agent.Stop(); err != nil {
			o.logger.Warn("failed to stop agent on resume", zap.String("session_id", id), zap.Error(err))
		}
	}

	o.wg.Add(1)
	o.replayHistory(id)
	return nil
}

// replayHistory reconstructs the conversation from the transcript file and
// replaces the ledger and every observer's view with it in one batch.
func (o *Orchestrator) replayHistory(id string) {
	defer o.wg.Done()

	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	cwd, conv := sess.CWD, sess.ConversationID
	o.mu.Unlock()
	if conv == "" {
		return
	}

	items, err := o.store.Reconcile(cwd, conv)
	if err != nil {
		o.logger.Warn("history reconciliation failed",
			zap.String("session_id", id),
			zap.String("conversation_id", conv),
			zap.Error(err))
		o.emit(ErrorEvent{SessionID: id, Message: "failed to load conversation history: " + err.Error()})
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok = o.sessions[id]
	if !ok || sess.ConversationID != conv {
		return
	}
	sess.ledger.Replace(items)
	o.emit(HistoryEvent{SessionID: id, Items: sess.ledger.Items()})
}

// History returns the live ledger window.
func (o *Orchestrator) History(id string) ([]conversation.Item, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.ledger.Items(), nil
}

// Snapshot returns the session's externally visible state.
func (o *Orchestrator) Snapshot(id string) (SessionSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return SessionSnapshot{}, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

// SetPermissionMode changes the session's mode and forwards it to the live
// CLI process.
func (o *Orchestrator) SetPermissionMode(id string, mode agentcli.PermissionMode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	o.setModeLocked(sess, mode, true)
	return nil
}

// SetModel changes the model used for subsequent turns.
func (o *Orchestrator) SetModel(id, model string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Model = model
	sess.Metadata.Model = model
	if agent := sess.agent; agent != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()
			if err := agent.SetModel(ctx, model); err != nil {
				o.logger.Warn("failed to switch model", zap.String("session_id", id), zap.Error(err))
			}
		}()
	}
	o.emit(StatusEvent{SessionID: id, State: sess.State, ConversationID: sess.ConversationID, Metadata: sess.Metadata})
	return nil
}

// SetEffort changes the effort level used when the next CLI process spawns.
func (o *Orchestrator) SetEffort(id, effort string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Effort = effort
	return nil
}

// SetExtendedContext toggles the long-context model variant for the next
// CLI process.
func (o *Orchestrator) SetExtendedContext(id string, on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.ExtendedContext = on
	return nil
}

// ResolvePermission completes a pending approval. Resolving an unknown or
// already-resolved tool use is a no-op. A denial also marks the ledger's
// tool call with the denial reason.
func (o *Orchestrator) ResolvePermission(id, toolUseID string, allow bool, updatedInput map[string]interface{}, message string) error {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	gate := sess.gate
	o.mu.Unlock()

	if resolved := gate.Resolve(toolUseID, allow, updatedInput, message); resolved && !allow {
		o.finishTool(id, toolUseID, conversation.ToolStatusError, "", message)
	}
	return nil
}

// ResolveAskUser completes a pending question. The resolution is always an
// approval carrying the answers, regardless of how the human responded.
func (o *Orchestrator) ResolveAskUser(id, toolUseID string, answers map[string]string) error {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	gate := sess.gate
	o.mu.Unlock()

	gate.ResolveAnswers(toolUseID, answers)
	return nil
}

// ListSessions summarizes the transcript directory for a working directory.
func (o *Orchestrator) ListSessions(cwd string) ([]transcript.SessionSummary, error) {
	if o.lister != nil {
		return o.lister.List(cwd)
	}
	return o.store.ListSessions(cwd)
}

// ArchiveMessages appends caller-provided items to the session archive.
func (o *Orchestrator) ArchiveMessages(id string, items []conversation.Item) error {
	o.mu.Lock()
	_, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return o.store.AppendArchive(id, items)
}

// LoadArchived pages through the archive from the end backward; offset 0
// is the most recent page and each page reads chronologically.
func (o *Orchestrator) LoadArchived(id string, offset, limit int) ([]conversation.Item, error) {
	return o.store.LoadArchive(id, offset, limit)
}

// ClearArchive removes the session's archive file.
func (o *Orchestrator) ClearArchive(id string) error {
	return o.store.ClearArchive(id)
}

// KillAll terminates every session immediately.
func (o *Orchestrator) KillAll() {
	o.mu.Lock()
	var agents []agentSession
	for id, sess := range o.sessions {
		sess.queued = nil
		sess.gate.Clear()
		o.cancelTurnLocked(sess)
		if sess.agent != nil {
			agents = append(agents, sess.agent)
			sess.agent = nil
		}
		sess.State = StateTerminated
		o.emit(StatusEvent{SessionID: id, State: StateTerminated, ConversationID: sess.ConversationID, Metadata: sess.Metadata})
		delete(o.sessions, id)
	}
	o.mu.Unlock()

	for _, agent := range agents {
		if err := agent.Stop(); err != nil {
			o.logger.Warn("failed to stop agent during kill-all", zap.Error(err))
		}
	}
}

// Close kills every session, waits for turn goroutines, and closes the
// event stream. The orchestrator cannot be reused.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.KillAll()
	o.wg.Wait()

	o.evMu.Lock()
	o.evClosed = true
	o.evMu.Unlock()
	close(o.events)
}

// cancelTurnLocked cancels the in-flight turn and asks the CLI to abandon
// the current response. Safe to call when no turn is running.
func (o *Orchestrator) cancelTurnLocked(sess *Session) {
	if sess.turnCancel != nil {
		sess.turnCancel()
		sess.turnCancel = nil
	}
	if agent := sess.agent; agent != nil && sess.State == StateStreaming {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()
			if err := agent.Interrupt(ctx); err != nil && !agentcli.IsInterrupt(err) {
				o.logger.Debug("interrupt request failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
		}()
	}
}

// setModeLocked records a mode change and optionally forwards it to the
// live CLI process.
func (o *Orchestrator) setModeLocked(sess *Session, mode agentcli.PermissionMode, forward bool) {
	if sess.PermissionMode == mode {
		return
	}
	sess.PermissionMode = mode
	o.emit(ModeChangeEvent{SessionID: sess.ID, Mode: mode})
	if !forward {
		return
	}
	if agent := sess.agent; agent != nil {
		id := sess.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()
			if err := agent.SetPermissionMode(ctx, mode); err != nil {
				o.logger.Warn("failed to forward permission mode", zap.String("session_id", id), zap.Error(err))
			}
		}()
	}
}

// setMode is the translator-facing variant of setModeLocked.
func (o *Orchestrator) setMode(id string, mode agentcli.PermissionMode, forward bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[id]; ok {
		o.setModeLocked(sess, mode, forward)
	}
}

// bindConversation records the CLI's init handshake: the external
// conversation id is captured and made durable so later runs can resume.
func (o *Orchestrator) bindConversation(id string, info agentcli.SessionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return
	}
	if info.ConversationID != "" && info.ConversationID != sess.ConversationID {
		sess.ConversationID = info.ConversationID
		if o.registry != nil {
			if err := o.registry.Set(id, info.ConversationID); err != nil {
				o.logger.Warn("failed to persist conversation id", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
	if info.Model != "" {
		sess.Metadata.Model = info.Model
	}
	o.emit(StatusEvent{SessionID: id, State: sess.State, ConversationID: sess.ConversationID, Metadata: sess.Metadata})
}

func (o *Orchestrator) appendMessage(id string, msg conversation.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return
	}
	if sess.ledger.Append(msg) {
		o.emit(MessageEvent{SessionID: id, Message: msg})
	}
}

func (o *Orchestrator) appendSystemNotice(id, text string) {
	o.appendMessage(id, conversation.Message{
		ID:        uuid.NewString(),
		Role:      conversation.RoleSystem,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) appendTool(id string, tool conversation.ToolCall) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return
	}
	if sess.ledger.Append(tool) {
		o.emit(ToolUseEvent{SessionID: id, Tool: tool})
	}
}

func (o *Orchestrator) updateTool(id, toolUseID string, fn func(conversation.ToolCall) conversation.ToolCall, announce bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return
	}
	if !sess.ledger.UpdateToolCall(toolUseID, fn) {
		return
	}
	if announce {
		if item, ok := sess.ledger.Get(toolUseID); ok {
			if tool, ok := item.(conversation.ToolCall); ok {
				o.emit(ToolUseEvent{SessionID: id, Tool: tool})
			}
		}
	}
}

func (o *Orchestrator) finishTool(id, toolUseID string, status conversation.ToolStatus, result, denialReason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return
	}
	updated := sess.ledger.UpdateToolCall(toolUseID, func(tc conversation.ToolCall) conversation.ToolCall {
		tc.Status = status
		if result != "" {
			tc.Result = result
		}
		if denialReason != "" {
			tc.DenialReason = denialReason
		}
		return tc
	})
	if updated {
		o.emit(ToolResultEvent{
			SessionID:    id,
			ToolUseID:    toolUseID,
			Status:       status,
			Result:       result,
			DenialReason: denialReason,
		})
	}
}

func (o *Orchestrator) applyResult(id string, res *protocol.ResultMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return
	}
	sess.Metadata.ApplyResult(res)
	o.emit(ResultEvent{
		SessionID:  id,
		Success:    !res.IsError,
		DurationMs: res.DurationMs,
		NumTurns:   res.NumTurns,
		CostUSD:    res.TotalCostUSD,
		Text:       res.Result,
	})
}

// handleApproval is the permission handler installed on every CLI session.
// It registers a gate future, surfaces the request to observers, and waits
// for resolution. A discarded future returns the interrupt sentinel so the
// CLI request is dropped, not denied.
func (o *Orchestrator) handleApproval(ctx context.Context, id string, req agentcli.ToolPermissionRequest) (agentcli.PermissionDecision, error) {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return agentcli.PermissionDecision{}, agentcli.ErrInterrupted
	}
	ch := sess.gate.Register(req.ToolUseID, req.Input)
	o.mu.Unlock()

	if req.ToolName == toolAskUser {
		o.emit(AskUserEvent{SessionID: id, ToolUseID: req.ToolUseID, Input: req.Input})
	} else {
		o.emit(PermissionRequestEvent{
			SessionID:   id,
			ToolUseID:   req.ToolUseID,
			ToolName:    req.ToolName,
			Input:       req.Input,
			Suggestions: req.Suggestions,
		})
	}

	select {
	case decision, ok := <-ch:
		if !ok {
			return agentcli.PermissionDecision{}, agentcli.ErrInterrupted
		}
		return decision, nil
	case <-ctx.Done():
		return agentcli.PermissionDecision{}, ctx.Err()
	}
}

// startTurnLocked begins a turn. recordUser controls whether the input is
// appended to the ledger as a user message; retries of the same input after
// a transport crash skip it to avoid a duplicate.
func (o *Orchestrator) startTurnLocked(sess *Session, input queuedInput, recordUser bool) {
	sess.State = StateStreaming
	if recordUser {
		msg := conversation.Message{
			ID:        uuid.NewString(),
			Role:      conversation.RoleUser,
			Text:      input.text,
			Timestamp: time.Now().UTC(),
		}
		if sess.ledger.Append(msg) {
			o.emit(MessageEvent{SessionID: sess.ID, Message: msg})
		}
	}
	o.emit(StatusEvent{SessionID: sess.ID, State: sess.State, ConversationID: sess.ConversationID, Metadata: sess.Metadata})

	ctx, cancel := context.WithCancel(context.Background())
	sess.turnCancel = cancel
	o.wg.Add(1)
	go o.runTurn(sess.ID, ctx, cancel, input)
}

func (o *Orchestrator) runTurn(id string, ctx context.Context, cancel context.CancelFunc, input queuedInput) {
	defer o.wg.Done()
	defer cancel()
	err := o.executeTurn(ctx, id, input)
	o.finishTurn(id, input, err)
}

// executeTurn spawns or reuses the CLI process, sends the input, and folds
// the event stream until the turn completes, the turn is cancelled, or the
// transport dies.
func (o *Orchestrator) executeTurn(ctx context.Context, id string, input queuedInput) error {
	agent, reused, err := o.ensureAgent(ctx, id)
	if err != nil {
		return err
	}
	if reused {
		drainStale(agent.Events())
	}

	if len(input.images) == 0 {
		err = agent.SendMessage(ctx, input.text)
	} else {
		err = agent.SendUserBlocks(ctx, buildUserBlocks(input))
	}
	if err != nil {
		return err
	}

	tr := newTurnTranslator(o, id)
	events := agent.Events()
	for {
		select {
		case <-ctx.Done():
			drainUntilResult(events, 500*time.Millisecond)
			return agentcli.ErrInterrupted
		case evt, ok := <-events:
			if !ok {
				return &agentcli.ProcessError{
					Cause:   agentcli.ErrProcessExited,
					Message: "agent event stream closed mid-turn",
					Stderr:  agent.StderrTail(),
				}
			}
			done, err := tr.handle(evt)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// ensureAgent returns the session's live CLI handle, spawning one if
// needed. reused reports whether an existing process was reused, in which
// case stale events from an interrupted turn may still be buffered.
func (o *Orchestrator) ensureAgent(ctx context.Context, id string) (agent agentSession, reused bool, err error) {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return nil, false, ErrSessionNotFound
	}
	if sess.agent != nil {
		agent = sess.agent
		o.mu.Unlock()
		return agent, true, nil
	}

	opts := []agentcli.SessionOption{
		agentcli.WithWorkDir(sess.CWD),
		agentcli.WithPermissionMode(sess.PermissionMode),
		agentcli.WithPermissionHandler(func(ctx context.Context, req agentcli.ToolPermissionRequest) (agentcli.PermissionDecision, error) {
			return o.handleApproval(ctx, id, req)
		}),
	}
	if sess.Model != "" {
		opts = append(opts, agentcli.WithModel(sess.Model))
	}
	if sess.Effort != "" {
		opts = append(opts, agentcli.WithEffort(sess.Effort))
	}
	if sess.ExtendedContext {
		opts = append(opts, agentcli.WithExtendedContext(true))
	}
	if o.cfg.CLIPath != "" {
		opts = append(opts, agentcli.WithCLIPath(o.cfg.CLIPath))
	}
	if len(o.cfg.Env) > 0 {
		opts = append(opts, agentcli.WithEnv(o.cfg.Env))
	}
	resume := sess.ConversationID
	if resume != "" {
		opts = append(opts, agentcli.WithResume(resume))
	}
	sess.spawnedWithResume = resume != ""
	o.mu.Unlock()

	agent = o.newAgent(opts...)
	if err := agent.Start(ctx); err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	sess, ok = o.sessions[id]
	if !ok {
		o.mu.Unlock()
		_ = agent.Stop()
		return nil, false, ErrSessionNotFound
	}
	sess.agent = agent
	o.mu.Unlock()
	return agent, false, nil
}

// finishTurn runs on the turn goroutine after executeTurn returns. It
// re-validates the session, applies the crash-retry policy, and drains the
// single-slot queue so the next input starts exactly one new turn.
func (o *Orchestrator) finishTurn(id string, input queuedInput, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return
	}
	sess.turnCancel = nil

	interrupted := err != nil && (agentcli.IsInterrupt(err) || errors.Is(err, context.Canceled))
	var procErr *agentcli.ProcessError
	if err != nil && !interrupted && errors.As(err, &procErr) {
		// Transport died. Drop the dead handle, then retry exactly once
		// when the crashed process had been asked to resume; a fresh start
		// often succeeds where the stale conversation id does not.
		if agent := sess.agent; agent != nil {
			sess.agent = nil
			go func() { _ = agent.Stop() }()
		}
		if sess.spawnedWithResume && !sess.resumeRetried {
			sess.resumeRetried = true
			sess.spawnedWithResume = false
			sess.ConversationID = ""
			if o.registry != nil {
				if regErr := o.registry.Delete(id); regErr != nil {
					o.logger.Warn("failed to clear registry binding", zap.String("session_id", id), zap.Error(regErr))
				}
			}
			notice := conversation.Message{
				ID:        uuid.NewString(),
				Role:      conversation.RoleSystem,
				Text:      "Could not resume the previous conversation; starting a fresh one.",
				Timestamp: time.Now().UTC(),
			}
			if sess.ledger.Append(notice) {
				o.emit(MessageEvent{SessionID: id, Message: notice})
			}
			o.logger.Warn("resume failed, retrying without conversation id",
				zap.String("session_id", id),
				zap.String("stderr", procErr.Stderr))
			o.startTurnLocked(sess, input, false)
			return
		}
		msg := procErr.Error()
		if tail := strings.TrimSpace(procErr.Stderr); tail != "" {
			msg += "\n" + tail
		}
		o.emit(ErrorEvent{SessionID: id, Message: msg})
	} else if err != nil && !interrupted {
		o.emit(ErrorEvent{SessionID: id, Message: err.Error()})
	}

	if err == nil {
		sess.resumeRetried = false
	}
	if sess.State == StateStreaming {
		sess.State = StateIdle
	}

	queued := sess.queued
	sess.queued = nil
	if queued != nil && sess.State == StateIdle {
		o.startTurnLocked(sess, *queued, true)
		return
	}
	o.emit(StatusEvent{SessionID: id, State: sess.State, ConversationID: sess.ConversationID, Metadata: sess.Metadata})
}

// buildUserBlocks assembles the block-form user message. Oversized images
// are dropped silently; the message still sends.
func buildUserBlocks(input queuedInput) []interface{} {
	var blocks []interface{}
	if input.text != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": input.text})
	}
	for _, img := range input.images {
		// The limit applies to the base64 payload as sent, not the decoded
		// bytes.
		if len(img.Data) > maxImageBytes {
			continue
		}
		blocks = append(blocks, map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": img.MediaType,
				"data":       img.Data,
			},
		})
	}
	return blocks
}

// drainStale discards whatever an interrupted turn left buffered.
func drainStale(events <-chan agentcli.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// drainUntilResult consumes leftover events of a cancelled turn so the
// next turn starts from a clean stream. Stops at the turn's result, a
// closed channel, or the deadline.
func drainUntilResult(events <-chan agentcli.Event, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if _, done := evt.(agentcli.TurnCompleteEvent); done {
				return
			}
		case <-deadline.C:
			return
		}
	}
}
