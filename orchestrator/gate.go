package orchestrator

import (
	"sync"

	"github.com/oakmoss/conductor/agentcli"
)

// Gate tracks in-flight approval requests for a session. Each registered
// tool use gets a single-resolution future: the first resolve wins, later
// resolves and resolves for unknown ids are no-ops. Clearing the gate
// discards all futures without resolving them.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

type pendingApproval struct {
	input map[string]interface{}
	ch    chan agentcli.PermissionDecision
}

func NewGate() *Gate {
	return &Gate{pending: make(map[string]*pendingApproval)}
}

// Register creates a future for the given tool use and returns the channel
// the waiter should receive on. A closed channel means the future was
// discarded without resolution. Registering an id twice replaces the old
// future, discarding it.
func (g *Gate) Register(toolUseID string, input map[string]interface{}) <-chan agentcli.PermissionDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.pending[toolUseID]; ok {
		close(old.ch)
	}
	p := &pendingApproval{
		input: input,
		ch:    make(chan agentcli.PermissionDecision, 1),
	}
	g.pending[toolUseID] = p
	return p.ch
}

// Resolve completes the future with an explicit allow or deny decision.
// Returns false when no such future exists (already resolved, discarded,
// or never registered).
func (g *Gate) Resolve(toolUseID string, allow bool, updatedInput map[string]interface{}, denyMessage string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[toolUseID]
	if !ok {
		return false
	}
	delete(g.pending, toolUseID)

	decision := agentcli.PermissionDecision{Allow: allow, DenyMessage: denyMessage}
	if allow {
		if updatedInput != nil {
			decision.UpdatedInput = updatedInput
		} else {
			decision.UpdatedInput = p.input
		}
	}
	p.ch <- decision
	close(p.ch)
	return true
}

// ResolveAnswers completes the future as an approval carrying the user's
// answers merged into the original tool input. Question futures are never
// denied; the only outcomes are answered or discarded.
func (g *Gate) ResolveAnswers(toolUseID string, answers map[string]string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[toolUseID]
	if !ok {
		return false
	}
	delete(g.pending, toolUseID)

	merged := make(map[string]interface{}, len(p.input)+1)
	for k, v := range p.input {
		merged[k] = v
	}
	merged["answers"] = answers
	p.ch <- agentcli.PermissionDecision{Allow: true, UpdatedInput: merged}
	close(p.ch)
	return true
}

// Discard drops a single future without resolving it.
func (g *Gate) Discard(toolUseID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[toolUseID]; ok {
		close(p.ch)
		delete(g.pending, toolUseID)
	}
}

// Clear discards every outstanding future. Waiters observe a closed
// channel, not a decision.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, p := range g.pending {
		close(p.ch)
		delete(g.pending, id)
	}
}

// PendingCount reports how many futures are outstanding.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
