package transcript

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oakmoss/conductor/conversation"
	"github.com/oakmoss/conductor/protocol"
)

// noResponseSentinel is what the runtime logs when the model produced no
// user-visible output for a turn.
const noResponseSentinel = "No response requested."

// isNoiseUserText reports whether a user entry's text is runtime noise that
// never appeared as a real message: interruption notices, caveat banners,
// the no-response sentinel, and unknown-skill notices.
func isNoiseUserText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if strings.HasPrefix(trimmed, "[Request interrupted by user") {
		return true
	}
	if strings.HasPrefix(trimmed, "Caveat: The messages below were generated by the user") {
		return true
	}
	if trimmed == noResponseSentinel {
		return true
	}
	if strings.HasPrefix(trimmed, "Unknown skill") {
		return true
	}
	return false
}

// Reconcile rebuilds the ordered conversation a live session would have
// produced, purely from the transcript for one conversation id. The result
// is delivered as one batch; consumers replace their entire view with it.
//
// A missing transcript file yields an empty history. Unparsable lines are
// skipped. Running Reconcile twice over an unmodified file yields identical
// results.
func (s *Store) Reconcile(cwd, conversationID string) ([]conversation.Item, error) {
	path := s.TranscriptPath(cwd, conversationID)
	if path == "" {
		return nil, nil
	}
	return s.reconcileFile(path, conversationID)
}

func (s *Store) reconcileFile(path, conversationID string) ([]conversation.Item, error) {
	// Pass 1: dedup by uuid, last write wins, preserving first-seen order.
	// Entries without a uuid are never deduplicated; each gets a synthetic
	// sequence key.
	var order []string
	entries := make(map[string]*Entry)

	lineNo := 0
	err := forEachLine(path, func(line []byte) bool {
		lineNo++
		entry, err := ParseEntry(line)
		if err != nil {
			s.logger.Debug("skipping unparsable transcript line",
				zap.Int("line", lineNo), zap.Error(err))
			return true
		}
		if entry.SessionID != conversationID {
			return true
		}
		if entry.Type != "user" && entry.Type != "assistant" {
			return true
		}
		if entry.IsSidechain {
			return true
		}

		key := entry.UUID
		if key == "" {
			key = fmt.Sprintf("seq-%d", lineNo)
		}
		if _, seen := entries[key]; !seen {
			order = append(order, key)
		}
		entries[key] = entry
		return true
	})
	if err != nil {
		return nil, err
	}

	// Pass 2: materialize items in first-seen order. Tool results found in
	// later user entries are matched back to the earlier ToolCall by id.
	var items []conversation.Item
	toolIndex := make(map[string]int)

	for _, key := range order {
		entry := entries[key]
		if entry.Message == nil {
			continue
		}

		switch entry.Type {
		case "user":
			items = materializeUser(items, toolIndex, key, entry)
		case "assistant":
			items = materializeAssistant(items, toolIndex, key, entry)
		}
	}

	return items, nil
}

// materializeUser turns a user entry into a Message unless it is noise, and
// patches earlier ToolCalls from any tool_result blocks it carries.
func materializeUser(items []conversation.Item, toolIndex map[string]int, key string, entry *Entry) []conversation.Item {
	var text string

	if str, ok := entry.Message.Content.AsString(); ok {
		text = str
	} else if blocks, ok := entry.Message.Content.AsBlocks(); ok {
		var sb strings.Builder
		for _, block := range blocks {
			switch b := block.(type) {
			case protocol.TextBlock:
				sb.WriteString(b.Text)
			case protocol.ToolResultBlock:
				patchToolCall(items, toolIndex, b)
			}
		}
		text = sb.String()
	}

	if isNoiseUserText(text) {
		return items
	}

	return append(items, conversation.Message{
		ID:        key,
		Role:      conversation.RoleUser,
		Text:      text,
		Timestamp: entry.Time(),
	})
}

// materializeAssistant turns an assistant entry into at most one Message
// (reasoning and response text concatenated across its blocks) followed by
// zero or more ToolCalls.
func materializeAssistant(items []conversation.Item, toolIndex map[string]int, key string, entry *Entry) []conversation.Item {
	blocks, ok := entry.Message.Content.AsBlocks()
	if !ok {
		if str, ok := entry.Message.Content.AsString(); ok && strings.TrimSpace(str) != "" && str != noResponseSentinel {
			return append(items, conversation.Message{
				ID:        key,
				Role:      conversation.RoleAssistant,
				Text:      str,
				Timestamp: entry.Time(),
			})
		}
		return items
	}

	var text, reasoning strings.Builder
	var tools []conversation.ToolCall

	for _, block := range blocks {
		switch b := block.(type) {
		case protocol.TextBlock:
			text.WriteString(b.Text)
		case protocol.ThinkingBlock:
			reasoning.WriteString(b.Thinking)
		case protocol.ToolUseBlock:
			tools = append(tools, conversation.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Input:     b.Input,
				Status:    conversation.ToolStatusRunning,
				Timestamp: entry.Time(),
			})
		case protocol.ToolResultBlock:
			patchToolCall(items, toolIndex, b)
		}
	}

	msgText := text.String()
	if (strings.TrimSpace(msgText) != "" || strings.TrimSpace(reasoning.String()) != "") && msgText != noResponseSentinel {
		items = append(items, conversation.Message{
			ID:        key,
			Role:      conversation.RoleAssistant,
			Text:      msgText,
			Reasoning: reasoning.String(),
			Timestamp: entry.Time(),
		})
	}

	for _, tool := range tools {
		if idx, seen := toolIndex[tool.ID]; seen {
			// Later authoritative version of an already-seen invocation.
			existing, isTool := items[idx].(conversation.ToolCall)
			if isTool {
				tool.Status = existing.Status
				tool.Result = existing.Result
				if tool.Status == "" {
					tool.Status = conversation.ToolStatusRunning
				}
			}
			items[idx] = tool
			continue
		}
		toolIndex[tool.ID] = len(items)
		items = append(items, tool)
	}

	return items
}

// patchToolCall fills an earlier ToolCall's status and result from a
// tool_result block. Results with no matching invocation are dropped.
func patchToolCall(items []conversation.Item, toolIndex map[string]int, block protocol.ToolResultBlock) {
	idx, ok := toolIndex[block.ToolUseID]
	if !ok {
		return
	}
	tool, ok := items[idx].(conversation.ToolCall)
	if !ok {
		return
	}

	tool.Status = conversation.ToolStatusCompleted
	if block.IsError != nil && *block.IsError {
		tool.Status = conversation.ToolStatusError
	}
	tool.Result = block.ContentText()
	items[idx] = tool
}
