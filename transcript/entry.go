// Package transcript reads the append-only conversation logs the external
// agent runtime writes under its projects directory, reconstructs ledger
// history from them, and manages the per-session archive files this process
// writes itself.
package transcript

import (
	"encoding/json"
	"time"

	"github.com/oakmoss/conductor/protocol"
)

// Entry is one physical transcript line: a typed envelope around a message.
// The log is append-only; a later line for the same uuid is the
// authoritative version.
type Entry struct {
	Message     *protocol.MessageContent `json:"message"`
	ParentUUID  *string                  `json:"parentUuid"`
	Type        string                   `json:"type"`
	UUID        string                   `json:"uuid"`
	SessionID   string                   `json:"sessionId"`
	Timestamp   string                   `json:"timestamp"`
	IsSidechain bool                     `json:"isSidechain"`
}

// ParseEntry parses one transcript line.
func ParseEntry(line []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Time parses the entry timestamp, returning the zero time when absent or
// malformed.
func (e *Entry) Time() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}
