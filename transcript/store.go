package transcript

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/oakmoss/conductor/conversation"
)

// scanBufSize sizes the line scanner. Transcript lines with inline images
// can be very large.
const scanBufSize = 32 * 1024 * 1024

// Store locates transcript files written by the agent runtime and owns the
// per-session archive files written by this process.
type Store struct {
	logger      *zap.Logger
	root        string
	archiveRoot string
}

// NewStore creates a Store. root is the agent runtime's projects directory;
// archiveRoot is where this process keeps its archive files.
func NewStore(root, archiveRoot string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, archiveRoot: archiveRoot, logger: logger}, nil
}

// Root returns the projects directory.
func (s *Store) Root() string { return s.root }

// ProjectDir returns the first existing encoded project directory for cwd,
// or "" if none exists.
func (s *Store) ProjectDir(cwd string) string {
	for _, candidate := range ProjectDirCandidates(cwd) {
		dir := filepath.Join(s.root, candidate)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

// TranscriptPath returns the path of the transcript file for a conversation,
// or "" when no matching file exists. A missing transcript is "no history",
// never an error.
func (s *Store) TranscriptPath(cwd, conversationID string) string {
	for _, candidate := range ProjectDirCandidates(cwd) {
		path := filepath.Join(s.root, candidate, conversationID+".jsonl")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// forEachLine streams the file line by line. Unreadable files yield no lines.
func forEachLine(path string, fn func(line []byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	return scanner.Err()
}

// archivePath returns the archive file for a session id.
func (s *Store) archivePath(sessionID string) string {
	return filepath.Join(s.archiveRoot, sanitizeName(sessionID)+".jsonl")
}

// sanitizeName makes a session id safe as a file name.
func sanitizeName(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch c {
		case '/', '\\', ':', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}

// AppendArchive appends items to a session's archive file, oldest first.
func (s *Store) AppendArchive(sessionID string, items []conversation.Item) error {
	if len(items) == 0 {
		return nil
	}

	f, err := os.OpenFile(s.archivePath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, item := range items {
		line, err := conversation.MarshalItem(item)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

// LoadArchive reads a page of archived items. Pagination walks backward from
// the end of the file: offset 0 selects the most recently archived items.
// The returned page itself is in chronological order. Unparsable lines are
// skipped silently.
func (s *Store) LoadArchive(sessionID string, offset, limit int) ([]conversation.Item, error) {
	var items []conversation.Item
	err := forEachLine(s.archivePath(sessionID), func(line []byte) bool {
		item, err := conversation.UnmarshalItem(line)
		if err != nil {
			s.logger.Debug("skipping malformed archive line", zap.Error(err))
			return true
		}
		items = append(items, item)
		return true
	})
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = len(items)
	}

	end := len(items) - offset
	if end <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return items[start:end], nil
}

// ArchiveCount returns the number of readable archived items for a session.
func (s *Store) ArchiveCount(sessionID string) (int, error) {
	count := 0
	err := forEachLine(s.archivePath(sessionID), func(line []byte) bool {
		if _, err := conversation.UnmarshalItem(line); err == nil {
			count++
		}
		return true
	})
	return count, err
}

// ClearArchive deletes a session's archive file wholesale.
func (s *Store) ClearArchive(sessionID string) error {
	err := os.Remove(s.archivePath(sessionID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
