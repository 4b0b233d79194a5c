package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// IDRegistry durably maps internal session ids to the external
// conversation ids assigned by the agent CLI. The mapping survives process
// restarts so sessions can be resumed transparently.
type IDRegistry struct {
	mu   sync.Mutex
	path string
	ids  map[string]string
}

// NewIDRegistry loads the registry file at path, creating parent
// directories as needed. A missing file yields an empty registry.
func NewIDRegistry(path string) (*IDRegistry, error) {
	r := &IDRegistry{path: path, ids: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("read id registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.ids); err != nil {
		return nil, fmt.Errorf("parse id registry %s: %w", path, err)
	}
	return r, nil
}

// Get returns the external conversation id bound to a session, if any.
func (r *IDRegistry) Get(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[sessionID]
	return id, ok
}

// Set binds a session to an external conversation id and persists the
// registry.
func (r *IDRegistry) Set(sessionID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[sessionID] = conversationID
	return r.save()
}

// Delete removes a session's binding and persists the registry.
func (r *IDRegistry) Delete(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[sessionID]; !ok {
		return nil
	}
	delete(r.ids, sessionID)
	return r.save()
}

// save writes the registry atomically via a temp file rename.
func (r *IDRegistry) save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(r.ids, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal id registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write id registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace id registry: %w", err)
	}
	return nil
}
