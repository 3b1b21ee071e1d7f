package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// TargetAdapter wraps one CDP flattened session: it enables the domains
// the mapper needs, releases the target from its initial pause, and tracks
// which preload scripts were registered through it. Per spec.md §4.5.
type TargetAdapter struct {
	session SessionId
	conn    CdpConnection

	mu             sync.Mutex
	preloadScripts map[CdpPreloadScriptId]struct{}
	enabledDomains map[string]struct{}
}

func newTargetAdapter(session SessionId, conn CdpConnection) *TargetAdapter {
	return &TargetAdapter{
		session:        session,
		conn:           conn,
		preloadScripts: make(map[CdpPreloadScriptId]struct{}),
		enabledDomains: make(map[string]struct{}),
	}
}

// Attach enables Runtime, Page (with lifecycle events), re-arms
// Target.setAutoAttach for children, and finally releases the target via
// Runtime.runIfWaitingForDebugger — the sequence spec.md §4.6 "Target
// attachment state machine" requires for every newly attached session,
// whether from a fresh target or an OOPIF adoption.
func (a *TargetAdapter) Attach(ctx context.Context) error {
	if _, err := a.conn.SendCommand(ctx, "Runtime.enable", struct{}{}, a.session); err != nil {
		return fmt.Errorf("Runtime.enable: %w", err)
	}
	if _, err := a.conn.SendCommand(ctx, "Page.enable", struct{}{}, a.session); err != nil {
		return fmt.Errorf("Page.enable: %w", err)
	}
	if _, err := a.conn.SendCommand(ctx, "Page.setLifecycleEventsEnabled", map[string]any{"enabled": true}, a.session); err != nil {
		return fmt.Errorf("Page.setLifecycleEventsEnabled: %w", err)
	}
	if _, err := a.conn.SendCommand(ctx, "Target.setAutoAttach", map[string]any{
		"autoAttach":             true,
		"waitForDebuggerOnStart": true,
		"flatten":                true,
	}, a.session); err != nil {
		return fmt.Errorf("Target.setAutoAttach: %w", err)
	}
	if _, err := a.conn.SendCommand(ctx, "Runtime.runIfWaitingForDebugger", struct{}{}, a.session); err != nil {
		return fmt.Errorf("Runtime.runIfWaitingForDebugger: %w", err)
	}
	a.mu.Lock()
	a.enabledDomains["Runtime"] = struct{}{}
	a.enabledDomains["Page"] = struct{}{}
	a.mu.Unlock()
	return nil
}

// EnableDomain lazily enables a CDP domain on this session (e.g. Network,
// Log), used by the event manager's subscribe-time domain enabler
// (spec.md §4.8 step 2).
func (a *TargetAdapter) EnableDomain(ctx context.Context, domain string) error {
	a.mu.Lock()
	if _, ok := a.enabledDomains[domain]; ok {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if _, err := a.conn.SendCommand(ctx, domain+".enable", struct{}{}, a.session); err != nil {
		return err
	}

	a.mu.Lock()
	a.enabledDomains[domain] = struct{}{}
	a.mu.Unlock()
	return nil
}

// AddPreloadScript registers a wrapped preload function via
// Page.addScriptToEvaluateOnNewDocument, optionally in a named sandbox/
// world.
func (a *TargetAdapter) AddPreloadScript(ctx context.Context, source, sandbox string) (CdpPreloadScriptId, error) {
	params := map[string]any{"source": source}
	if sandbox != "" {
		params["worldName"] = sandbox
	}
	raw, err := a.conn.SendCommand(ctx, "Page.addScriptToEvaluateOnNewDocument", params, a.session)
	if err != nil {
		return "", err
	}
	var result struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("malformed addScriptToEvaluateOnNewDocument result: %w", err)
	}
	id := CdpPreloadScriptId(result.Identifier)
	a.mu.Lock()
	a.preloadScripts[id] = struct{}{}
	a.mu.Unlock()
	return id, nil
}

// RemovePreloadScript un-registers a preload script previously added
// through this target.
func (a *TargetAdapter) RemovePreloadScript(ctx context.Context, id CdpPreloadScriptId) error {
	a.mu.Lock()
	delete(a.preloadScripts, id)
	a.mu.Unlock()

	_, err := a.conn.SendCommand(ctx, "Page.removeScriptToEvaluateOnNewDocument", map[string]any{
		"identifier": string(id),
	}, a.session)
	return err
}

// TargetRegistry tracks every attached TargetAdapter by session. Contexts
// sharing a session hold only the SessionId (spec.md §3 Ownership: "jointly
// referenced... by weak back-reference"), so this registry is the sole
// owner of adapters.
type TargetRegistry struct {
	mu       sync.RWMutex
	adapters map[SessionId]*TargetAdapter
}

func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{adapters: make(map[SessionId]*TargetAdapter)}
}

func (r *TargetRegistry) GetOrCreate(session SessionId, conn CdpConnection) *TargetAdapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[session]; ok {
		return a
	}
	a := newTargetAdapter(session, conn)
	r.adapters[session] = a
	return a
}

func (r *TargetRegistry) Get(session SessionId) (*TargetAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[session]
	return a, ok
}

func (r *TargetRegistry) Remove(session SessionId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, session)
}
