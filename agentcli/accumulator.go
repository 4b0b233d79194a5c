package agentcli

import (
	"encoding/json"
	"time"

	"github.com/oakmoss/conductor/protocol"
)

// blockKind mirrors the content block type of an open streaming block.
type blockKind int

const (
	blockText blockKind = iota
	blockThinking
	blockToolUse
)

// blockState tracks one in-flight content block, keyed by stream index.
type blockState struct {
	kind     blockKind
	toolID   string
	toolName string
	inputBuf []byte
}

// streamAccumulator reassembles content_block_* stream events into typed
// session events. Blocks arrive interleaved by index; tool input streams in
// as partial JSON and is parsed once the block stops.
type streamAccumulator struct {
	session *Session
	blocks  map[int]*blockState
}

func newStreamAccumulator(s *Session) *streamAccumulator {
	return &streamAccumulator{
		session: s,
		blocks:  make(map[int]*blockState),
	}
}

// Reset drops all open block state. Called at the start of each turn.
func (a *streamAccumulator) Reset() {
	a.blocks = make(map[int]*blockState)
}

// HandleEvent processes one stream_event envelope.
func (a *streamAccumulator) HandleEvent(msg protocol.StreamEvent) {
	parsed, err := protocol.ParseStreamEvent(msg.Event)
	if err != nil {
		a.session.emitError(&ProtocolError{Message: "failed to parse stream event", Cause: err}, "parse_stream_event")
		return
	}
	if parsed == nil {
		return
	}

	parentID := ""
	if msg.ParentToolUseID != nil {
		parentID = *msg.ParentToolUseID
	}

	switch e := parsed.(type) {
	case protocol.MessageStartEvent:
		a.Reset()

	case protocol.ContentBlockStartEvent:
		a.handleBlockStart(e)

	case protocol.ContentBlockDeltaEvent:
		a.handleBlockDelta(e, parentID)

	case protocol.ContentBlockStopEvent:
		a.handleBlockStop(e)
	}
}

func (a *streamAccumulator) handleBlockStart(e protocol.ContentBlockStartEvent) {
	block, err := e.ParsedBlock()
	if err != nil || block == nil {
		return
	}

	switch b := block.(type) {
	case protocol.TextBlock:
		a.blocks[e.Index] = &blockState{kind: blockText}
		if b.Text != "" {
			a.session.appendText(b.Text, "")
		}
	case protocol.ThinkingBlock:
		a.blocks[e.Index] = &blockState{kind: blockThinking}
	case protocol.ToolUseBlock:
		a.blocks[e.Index] = &blockState{
			kind:     blockToolUse,
			toolID:   b.ID,
			toolName: b.Name,
		}
		a.session.trackTool(b.ID, b.Name)
		a.session.emit(ToolStartEvent{
			ID:        b.ID,
			Name:      b.Name,
			Timestamp: time.Now(),
		})
	}
}

func (a *streamAccumulator) handleBlockDelta(e protocol.ContentBlockDeltaEvent, parentID string) {
	delta, err := e.ParsedDelta()
	if err != nil || delta == nil {
		return
	}

	switch d := delta.(type) {
	case protocol.TextDelta:
		a.session.appendText(d.Text, parentID)
	case protocol.ThinkingDelta:
		a.session.emit(ThinkingEvent{Thinking: d.Thinking, ParentToolUseID: parentID})
	case protocol.InputJSONDelta:
		if state, ok := a.blocks[e.Index]; ok && state.kind == blockToolUse {
			state.inputBuf = append(state.inputBuf, d.PartialJSON...)
		}
	}
}

func (a *streamAccumulator) handleBlockStop(e protocol.ContentBlockStopEvent) {
	state, ok := a.blocks[e.Index]
	if !ok {
		return
	}
	delete(a.blocks, e.Index)

	if state.kind != blockToolUse {
		return
	}

	input := map[string]interface{}{}
	if len(state.inputBuf) > 0 {
		// Partial JSON that never completed parses as garbage; surface the
		// tool with an empty input rather than dropping it.
		_ = json.Unmarshal(state.inputBuf, &input)
	}

	a.session.setToolInput(state.toolID, input)
	a.session.emit(ToolInputEvent{
		ID:        state.toolID,
		Name:      state.toolName,
		Input:     input,
		Timestamp: time.Now(),
	})
}
