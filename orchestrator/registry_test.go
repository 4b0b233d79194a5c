package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDRegistry_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry", "ids.json")

	r, err := NewIDRegistry(path)
	require.NoError(t, err)
	require.NoError(t, r.Set("s1", "conv-abc"))
	require.NoError(t, r.Set("s2", "conv-def"))
	require.NoError(t, r.Delete("s2"))

	reloaded, err := NewIDRegistry(path)
	require.NoError(t, err)

	id, ok := reloaded.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, "conv-abc", id)

	_, ok = reloaded.Get("s2")
	assert.False(t, ok)
}

func TestIDRegistry_MissingFileIsEmpty(t *testing.T) {
	r, err := NewIDRegistry(filepath.Join(t.TempDir(), "ids.json"))
	require.NoError(t, err)
	_, ok := r.Get("anything")
	assert.False(t, ok)
}

func TestIDRegistry_DeleteUnknownIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.json")
	r, err := NewIDRegistry(path)
	require.NoError(t, err)
	require.NoError(t, r.Delete("never-set"))
	// No file should be written for a no-op delete.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestIDRegistry_CorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))
	_, err := NewIDRegistry(path)
	assert.Error(t, err)
}
