package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmoss/conductor/conversation"
)

type recordingArchiver struct {
	batches [][]conversation.Item
	err     error
}

func (a *recordingArchiver) AppendArchive(sessionID string, items []conversation.Item) error {
	batch := make([]conversation.Item, len(items))
	copy(batch, items)
	a.batches = append(a.batches, batch)
	return a.err
}

func ledgerMsg(id string) conversation.Message {
	return conversation.Message{ID: id, Role: conversation.RoleUser, Text: "m", Timestamp: time.Unix(0, 0).UTC()}
}

func TestLedger_AppendDeduplicatesByID(t *testing.T) {
	l := NewLedger("s1", nil, 10, 5, nil)

	assert.True(t, l.Append(ledgerMsg("a")))
	assert.False(t, l.Append(ledgerMsg("a")))
	assert.Equal(t, 1, l.Len())
}

func TestLedger_OverflowFlushesOldestToArchive(t *testing.T) {
	archiver := &recordingArchiver{}
	l := NewLedger("s1", archiver, 5, 3, nil)

	for i := 0; i < 6; i++ {
		l.Append(ledgerMsg(fmt.Sprintf("m%d", i)))
	}

	// Crossing the cap of 5 trims down to the floor of 3.
	assert.Equal(t, 3, l.Len())
	require.Len(t, archiver.batches, 1)
	require.Len(t, archiver.batches[0], 3)
	assert.Equal(t, "m0", archiver.batches[0][0].ItemID())
	assert.Equal(t, "m1", archiver.batches[0][1].ItemID())
	assert.Equal(t, "m2", archiver.batches[0][2].ItemID())

	// The live window keeps the newest items in order.
	items := l.Items()
	assert.Equal(t, "m3", items[0].ItemID())
	assert.Equal(t, "m5", items[2].ItemID())
}

func TestLedger_EvictedIDsCanReappear(t *testing.T) {
	l := NewLedger("s1", &recordingArchiver{}, 5, 3, nil)
	for i := 0; i < 6; i++ {
		l.Append(ledgerMsg(fmt.Sprintf("m%d", i)))
	}
	// m0 was flushed out of the live window, so its id is free again.
	assert.True(t, l.Append(ledgerMsg("m0")))
}

func TestLedger_ArchiveFailureStillTrims(t *testing.T) {
	archiver := &recordingArchiver{err: assert.AnError}
	l := NewLedger("s1", archiver, 5, 3, nil)
	for i := 0; i < 6; i++ {
		l.Append(ledgerMsg(fmt.Sprintf("m%d", i)))
	}
	assert.Equal(t, 3, l.Len())
}

func TestLedger_UpdateToolCall(t *testing.T) {
	l := NewLedger("s1", nil, 10, 5, nil)
	l.Append(conversation.ToolCall{ID: "t1", Name: "Bash", Status: conversation.ToolStatusRunning})

	ok := l.UpdateToolCall("t1", func(tc conversation.ToolCall) conversation.ToolCall {
		tc.Status = conversation.ToolStatusCompleted
		tc.Result = "done"
		return tc
	})
	require.True(t, ok)

	item, found := l.Get("t1")
	require.True(t, found)
	tool := item.(conversation.ToolCall)
	assert.Equal(t, conversation.ToolStatusCompleted, tool.Status)
	assert.Equal(t, "done", tool.Result)

	assert.False(t, l.UpdateToolCall("missing", func(tc conversation.ToolCall) conversation.ToolCall { return tc }))

	l.Append(ledgerMsg("m1"))
	assert.False(t, l.UpdateToolCall("m1", func(tc conversation.ToolCall) conversation.ToolCall { return tc }),
		"updating a non-tool item must fail")
}

func TestLedger_ReplaceDeduplicatesAndEnforcesCap(t *testing.T) {
	archiver := &recordingArchiver{}
	l := NewLedger("s1", archiver, 5, 3, nil)
	l.Append(ledgerMsg("old"))

	var items []conversation.Item
	for i := 0; i < 7; i++ {
		items = append(items, ledgerMsg(fmt.Sprintf("h%d", i)))
	}
	items = append(items, ledgerMsg("h0"))
	l.Replace(items)

	assert.Equal(t, 3, l.Len())
	_, found := l.Get("old")
	assert.False(t, found)
}
