package transcript

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oakmoss/conductor/protocol"
)

// previewLength bounds the preview drawn from the first user message.
const previewLength = 120

// previewScanLines bounds how far into a transcript the preview search looks.
const previewScanLines = 20

// SessionSummary describes one stored conversation for listing.
type SessionSummary struct {
	ModifiedAt     time.Time `json:"modifiedAt"`
	ConversationID string    `json:"conversationId"`
	Preview        string    `json:"preview"`
	MessageCount   int       `json:"messageCount"`
}

// ListSessions scans the transcript directory for a working directory and
// returns summaries sorted most recently modified first. A missing project
// directory yields an empty list.
func (s *Store) ListSessions(cwd string) ([]SessionSummary, error) {
	dir := s.ProjectDir(cwd)
	if dir == "" {
		return nil, nil
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var summaries []SessionSummary
	for _, dirent := range dirents {
		name := dirent.Name()
		if dirent.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		info, err := dirent.Info()
		if err != nil {
			continue
		}

		path := filepath.Join(dir, name)
		preview, count := summarizeTranscript(path)

		summaries = append(summaries, SessionSummary{
			ConversationID: strings.TrimSuffix(name, ".jsonl"),
			ModifiedAt:     info.ModTime(),
			Preview:        preview,
			MessageCount:   count,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ModifiedAt.After(summaries[j].ModifiedAt)
	})
	return summaries, nil
}

// summarizeTranscript computes the preview and message count for one
// transcript file. The preview is the first user message's text found within
// the first previewScanLines lines, truncated to previewLength characters;
// the count covers every parsable user or assistant line.
func summarizeTranscript(path string) (string, int) {
	preview := ""
	count := 0
	lineNo := 0

	_ = forEachLine(path, func(line []byte) bool {
		lineNo++
		entry, err := ParseEntry(line)
		if err != nil || entry.Message == nil {
			return true
		}
		if entry.Type != "user" && entry.Type != "assistant" {
			return true
		}
		count++

		if preview == "" && entry.Type == "user" && lineNo <= previewScanLines {
			if text := userEntryText(entry); !isNoiseUserText(text) {
				preview = truncatePreview(text)
			}
		}
		return true
	})

	return preview, count
}

// userEntryText extracts the message text whether the content is a plain
// string or block form.
func userEntryText(entry *Entry) string {
	if str, ok := entry.Message.Content.AsString(); ok {
		return str
	}
	blocks, ok := entry.Message.Content.AsBlocks()
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, block := range blocks {
		if b, ok := block.(protocol.TextBlock); ok {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func truncatePreview(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength])
}
