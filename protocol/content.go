package protocol

import (
	"encoding/json"
	"log/slog"
)

// ContentBlockType discriminates between content block kinds.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeThinking   ContentBlockType = "thinking"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
	ContentBlockTypeImage      ContentBlockType = "image"
)

// ContentBlock is the interface for all content blocks.
type ContentBlock interface {
	BlockType() ContentBlockType
}

// TextBlock is visible response text.
type TextBlock struct {
	Type ContentBlockType `json:"type"`
	Text string           `json:"text"`
}

// BlockType returns the content block type.
func (b TextBlock) BlockType() ContentBlockType { return ContentBlockTypeText }

// ThinkingBlock is extended reasoning text.
type ThinkingBlock struct {
	Type      ContentBlockType `json:"type"`
	Thinking  string           `json:"thinking"`
	Signature string           `json:"signature,omitempty"`
}

// BlockType returns the content block type.
func (b ThinkingBlock) BlockType() ContentBlockType { return ContentBlockTypeThinking }

// ToolUseBlock is a tool invocation.
type ToolUseBlock struct {
	Input map[string]interface{} `json:"input"`
	Type  ContentBlockType       `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
}

// BlockType returns the content block type.
func (b ToolUseBlock) BlockType() ContentBlockType { return ContentBlockTypeToolUse }

// ToolResultBlock carries the outcome of an earlier tool invocation.
// Content is either a plain string or nested content blocks.
type ToolResultBlock struct {
	Content   FlexibleContent  `json:"content"`
	IsError   *bool            `json:"is_error,omitempty"`
	Type      ContentBlockType `json:"type"`
	ToolUseID string           `json:"tool_use_id"`
}

// BlockType returns the content block type.
func (b ToolResultBlock) BlockType() ContentBlockType { return ContentBlockTypeToolResult }

// ContentText flattens the result content into plain text. Nested blocks
// contribute their text fields; non-text blocks are ignored.
func (b ToolResultBlock) ContentText() string {
	if s, ok := b.Content.AsString(); ok {
		return s
	}
	blocks, ok := b.Content.AsBlocks()
	if !ok {
		return ""
	}
	var out string
	for _, blk := range blocks {
		if tb, ok := blk.(TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// ImageSource is the payload of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ImageBlock is an inline base64-encoded image attachment.
type ImageBlock struct {
	Type   ContentBlockType `json:"type"`
	Source ImageSource      `json:"source"`
}

// BlockType returns the content block type.
func (b ImageBlock) BlockType() ContentBlockType { return ContentBlockTypeImage }

// ContentBlocks is a slice of content blocks with unknown types skipped
// during unmarshaling.
type ContentBlocks []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (cb *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	blocks := make(ContentBlocks, 0, len(raws))
	for _, raw := range raws {
		block, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		if block != nil {
			blocks = append(blocks, block)
		}
	}
	*cb = blocks
	return nil
}

// UnmarshalContentBlock parses a single content block. Unknown block types
// return (nil, nil) and are skipped by callers.
func UnmarshalContentBlock(data json.RawMessage) (ContentBlock, error) {
	var base struct {
		Type ContentBlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	switch base.Type {
	case ContentBlockTypeText:
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case ContentBlockTypeThinking:
		var b ThinkingBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case ContentBlockTypeToolUse:
		var b ToolUseBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case ContentBlockTypeToolResult:
		var b ToolResultBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case ContentBlockTypeImage:
		var b ImageBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		slog.Warn("skipping unknown content block type", "type", base.Type)
		return nil, nil
	}
}
