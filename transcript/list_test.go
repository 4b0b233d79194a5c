package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProjectFile(t *testing.T, root, cwd, name string, lines []string) string {
	t.Helper()
	dir := filepath.Join(root, EncodeProjectDir(cwd))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestListSessions(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/dev/proj"

	writeProjectFile(t, root, cwd, "conv-a.jsonl", []string{
		`{"type":"user","uuid":"u1","sessionId":"conv-a","message":{"role":"user","content":"fix the login flow please","stop_reason":null,"stop_sequence":null}}`,
		`{"type":"assistant","uuid":"a1","sessionId":"conv-a","message":{"role":"assistant","content":[{"type":"text","text":"on it"}],"stop_reason":null,"stop_sequence":null}}`,
	})
	old := writeProjectFile(t, root, cwd, "conv-b.jsonl", []string{
		`{"type":"user","uuid":"u1","sessionId":"conv-b","message":{"role":"user","content":"` + strings.Repeat("long question ", 20) + `","stop_reason":null,"stop_sequence":null}}`,
	})
	require.NoError(t, os.Chtimes(old, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))

	store, err := NewStore(root, t.TempDir(), nil)
	require.NoError(t, err)

	summaries, err := store.ListSessions(cwd)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Most recently modified first.
	assert.Equal(t, "conv-a", summaries[0].ConversationID)
	assert.Equal(t, "fix the login flow please", summaries[0].Preview)
	assert.Equal(t, 2, summaries[0].MessageCount)

	assert.Equal(t, "conv-b", summaries[1].ConversationID)
	assert.Len(t, []rune(summaries[1].Preview), previewLength)
}

func TestListSessions_MissingDirIsEmpty(t *testing.T) {
	store, err := NewStore(t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	summaries, err := store.ListSessions("/never/seen")
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestListSessions_PreviewSkipsNoise(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/dev/proj"
	writeProjectFile(t, root, cwd, "conv-c.jsonl", []string{
		`{"type":"user","uuid":"u1","sessionId":"conv-c","message":{"role":"user","content":"Caveat: The messages below were generated by the user while running local commands.","stop_reason":null,"stop_sequence":null}}`,
		`{"type":"user","uuid":"u2","sessionId":"conv-c","message":{"role":"user","content":"the actual ask","stop_reason":null,"stop_sequence":null}}`,
	})

	store, err := NewStore(root, t.TempDir(), nil)
	require.NoError(t, err)

	summaries, err := store.ListSessions(cwd)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "the actual ask", summaries[0].Preview)
}

func TestListSessions_PreviewFromBlockContent(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/dev/proj"
	writeProjectFile(t, root, cwd, "conv-d.jsonl", []string{
		`{"type":"user","uuid":"u1","sessionId":"conv-d","message":{"role":"user","content":[{"type":"text","text":"review this "},{"type":"text","text":"screenshot"}],"stop_reason":null,"stop_sequence":null}}`,
	})

	store, err := NewStore(root, t.TempDir(), nil)
	require.NoError(t, err)

	summaries, err := store.ListSessions(cwd)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	// Block-form user content yields a preview the same as plain strings.
	assert.Equal(t, "review this screenshot", summaries[0].Preview)
}

func TestLister_CachesUntilChange(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/dev/proj"
	writeProjectFile(t, root, cwd, "conv-a.jsonl", []string{
		`{"type":"user","uuid":"u1","sessionId":"conv-a","message":{"role":"user","content":"hello","stop_reason":null,"stop_sequence":null}}`,
	})

	store, err := NewStore(root, t.TempDir(), nil)
	require.NoError(t, err)

	lister := NewLister(store, nil)
	defer lister.Close()

	first, err := lister.List(cwd)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A new transcript should be visible after the watcher invalidates.
	writeProjectFile(t, root, cwd, "conv-b.jsonl", []string{
		`{"type":"user","uuid":"u1","sessionId":"conv-b","message":{"role":"user","content":"more","stop_reason":null,"stop_sequence":null}}`,
	})

	assert.Eventually(t, func() bool {
		summaries, err := lister.List(cwd)
		return err == nil && len(summaries) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
