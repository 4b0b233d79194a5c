package orchestrator

import (
	"go.uber.org/zap"

	"github.com/oakmoss/conductor/conversation"
)

const (
	// DefaultLedgerCap is the live item count that triggers an archive flush.
	DefaultLedgerCap = 300
	// DefaultLedgerFloor is the live item count kept after a flush.
	DefaultLedgerFloor = 200
)

// Archiver persists overflow items evicted from the live ledger.
type Archiver interface {
	AppendArchive(sessionID string, items []conversation.Item) error
}

// Ledger holds the live window of a session's conversation. Items are
// unique by id; once the window exceeds its cap the oldest items are
// flushed to the archive down to the floor, oldest first.
type Ledger struct {
	sessionID string
	archiver  Archiver
	logger    *zap.Logger
	capacity  int
	floor     int
	items     []conversation.Item
	index     map[string]int
}

func NewLedger(sessionID string, archiver Archiver, capacity, floor int, logger *zap.Logger) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCap
	}
	if floor <= 0 || floor > capacity {
		floor = DefaultLedgerFloor
		if floor > capacity {
			floor = capacity
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		sessionID: sessionID,
		archiver:  archiver,
		logger:    logger,
		capacity:  capacity,
		floor:     floor,
		index:     make(map[string]int),
	}
}

// Append adds an item to the end of the window. Appending an id that is
// already live is a no-op and returns false.
func (l *Ledger) Append(item conversation.Item) bool {
	if _, exists := l.index[item.ItemID()]; exists {
		return false
	}
	l.items = append(l.items, item)
	l.index[item.ItemID()] = len(l.items) - 1
	l.flushOverflow()
	return true
}

// UpdateToolCall mutates a live tool call in place. Returns false when the
// id is not live or refers to a non-tool item.
func (l *Ledger) UpdateToolCall(id string, fn func(conversation.ToolCall) conversation.ToolCall) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	tool, ok := l.items[i].(conversation.ToolCall)
	if !ok {
		return false
	}
	l.items[i] = fn(tool)
	return true
}

// Get returns the live item with the given id.
func (l *Ledger) Get(id string) (conversation.Item, bool) {
	i, ok := l.index[id]
	if !ok {
		return nil, false
	}
	return l.items[i], true
}

// Replace swaps the entire live window for the given items, deduplicated
// by id (first occurrence wins). The cap is then enforced as usual.
func (l *Ledger) Replace(items []conversation.Item) {
	l.items = l.items[:0]
	l.index = make(map[string]int, len(items))
	for _, item := range items {
		if _, exists := l.index[item.ItemID()]; exists {
			continue
		}
		l.items = append(l.items, item)
		l.index[item.ItemID()] = len(l.items) - 1
	}
	l.flushOverflow()
}

// Items returns a copy of the live window in order.
func (l *Ledger) Items() []conversation.Item {
	out := make([]conversation.Item, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Ledger) Len() int { return len(l.items) }

// flushOverflow evicts the oldest items once the window exceeds its cap.
// Eviction happens even when archiving fails; the window size invariant
// takes precedence over archive durability.
func (l *Ledger) flushOverflow() {
	if len(l.items) <= l.capacity {
		return
	}
	n := len(l.items) - l.floor
	evicted := l.items[:n]
	if l.archiver != nil {
		if err := l.archiver.AppendArchive(l.sessionID, evicted); err != nil {
			l.logger.Warn("failed to archive evicted ledger items",
				zap.String("session_id", l.sessionID),
				zap.Int("count", len(evicted)),
				zap.Error(err))
		}
	}
	remaining := make([]conversation.Item, len(l.items)-n)
	copy(remaining, l.items[n:])
	l.items = remaining
	l.index = make(map[string]int, len(l.items))
	for i, item := range l.items {
		l.index[item.ItemID()] = i
	}
}
