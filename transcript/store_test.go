package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmoss/conductor/conversation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

func msg(id, text string) conversation.Message {
	return conversation.Message{ID: id, Role: conversation.RoleUser, Text: text, Timestamp: time.Unix(0, 0).UTC()}
}

func TestArchive_AppendAndLoadBackward(t *testing.T) {
	store := newTestStore(t)

	var batch []conversation.Item
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		batch = append(batch, msg(id, "text "+id))
	}
	require.NoError(t, store.AppendArchive("s1", batch))

	// offset 0 selects the most recently archived items.
	page, err := store.LoadArchive("s1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m4", page[0].ItemID())
	assert.Equal(t, "m5", page[1].ItemID())

	// Walking backward.
	page, err = store.LoadArchive("s1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m2", page[0].ItemID())
	assert.Equal(t, "m3", page[1].ItemID())

	// Final partial page.
	page, err = store.LoadArchive("s1", 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m1", page[0].ItemID())

	// Past the beginning.
	page, err = store.LoadArchive("s1", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestArchive_RoundTripPreservesKinds(t *testing.T) {
	store := newTestStore(t)

	items := []conversation.Item{
		msg("m1", "hello"),
		conversation.ToolCall{
			ID:     "toolu_1",
			Name:   "Bash",
			Input:  map[string]interface{}{"command": "ls"},
			Status: conversation.ToolStatusCompleted,
			Result: "ok",
		},
	}
	require.NoError(t, store.AppendArchive("s1", items))

	page, err := store.LoadArchive("s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)

	tool, ok := page[1].(conversation.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "Bash", tool.Name)
	assert.Equal(t, "ls", tool.Input["command"])
}

func TestArchive_MalformedLinesSkipped(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendArchive("s1", []conversation.Item{msg("m1", "a")}))

	// Corrupt the file with a garbage line.
	path := store.archivePath("s1")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{{{\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.AppendArchive("s1", []conversation.Item{msg("m2", "b")}))

	page, err := store.LoadArchive("s1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	count, err := store.ArchiveCount("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestArchive_Clear(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendArchive("s1", []conversation.Item{msg("m1", "a")}))
	require.NoError(t, store.ClearArchive("s1"))

	page, err := store.LoadArchive("s1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)

	// Clearing an absent archive is a no-op.
	require.NoError(t, store.ClearArchive("never-existed"))
}

func TestTranscriptPath_MissingIsEmpty(t *testing.T) {
	store := newTestStore(t)
	assert.Empty(t, store.TranscriptPath("/no/such/dir", "conv-9"))
}

func TestTranscriptPath_Found(t *testing.T) {
	root := t.TempDir()
	cwd := "/work/app"
	dir := filepath.Join(root, EncodeProjectDir(cwd))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv-9.jsonl"), []byte("{}\n"), 0o644))

	store, err := NewStore(root, t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "conv-9.jsonl"), store.TranscriptPath(cwd, "conv-9"))
}
