package mapper

import (
	"context"
	"fmt"
	"sync"
)

// registration is one (target, cdpId) pair a preload script was applied
// through.
type registration struct {
	target SessionId
	cdpID  CdpPreloadScriptId
}

// PreloadScript is a BiDi preload script and its per-target CDP
// registrations.
type PreloadScript struct {
	ID           BidiPreloadScriptId
	ContextID    *ContextId // nil ⇒ applies to every top-level target
	FunctionBody string
	Sandbox      string

	mu            sync.Mutex
	registrations []registration
}

// PreloadScriptStore tracks BiDi preload scripts and their per-target CDP
// registrations.
type PreloadScriptStore struct {
	mu      sync.RWMutex
	scripts map[BidiPreloadScriptId]*PreloadScript
	targets *TargetRegistry
}

func NewPreloadScriptStore(targets *TargetRegistry) *PreloadScriptStore {
	return &PreloadScriptStore{
		scripts: make(map[BidiPreloadScriptId]*PreloadScript),
		targets: targets,
	}
}

// AddPreloadScript registers the wrapped script on each of targetSessions
// (resolved by the caller: the context's own target if contextID is given,
// else every current top-level target) and records the result as a single
// BiDi preload script. Sessions with no registered adapter are skipped.
func (s *PreloadScriptStore) AddPreloadScript(ctx context.Context, contextID *ContextId, functionDeclaration, sandbox string, targetSessions []SessionId) (BidiPreloadScriptId, *Error) {
	ps := &PreloadScript{
		ID:           NewBidiPreloadScriptId(),
		ContextID:    contextID,
		FunctionBody: functionDeclaration,
		Sandbox:      sandbox,
	}

	wrapped := fmt.Sprintf("(%s)();", functionDeclaration)
	for _, session := range targetSessions {
		adapter, ok := s.targets.Get(session)
		if !ok {
			continue
		}
		cdpID, err := adapter.AddPreloadScript(ctx, wrapped, sandbox)
		if err != nil {
			return "", AsError(err)
		}
		ps.registrations = append(ps.registrations, registration{target: session, cdpID: cdpID})
	}

	s.mu.Lock()
	s.scripts[ps.ID] = ps
	s.mu.Unlock()
	return ps.ID, nil
}

// RemovePreloadScript removes a preload script from every target it was
// registered on. "not found" CDP errors (the target vanished) are
// swallowed.
func (s *PreloadScriptStore) RemovePreloadScript(ctx context.Context, id BidiPreloadScriptId) *Error {
	s.mu.Lock()
	ps, ok := s.scripts[id]
	if ok {
		delete(s.scripts, id)
	}
	s.mu.Unlock()

	if !ok {
		return NewError(ErrNoSuchScript, "no such script: %s", id)
	}

	for _, reg := range ps.registrations {
		adapter, ok := s.targets.Get(reg.target)
		if !ok {
			continue
		}
		_ = adapter.RemovePreloadScript(ctx, reg.cdpID) // vanished target ⇒ ignored
	}
	return nil
}

// ApplyToNewTarget re-applies every context-null preload script (and any
// scoped to the new top-level context itself) to a freshly attached
// target.
func (s *PreloadScriptStore) ApplyToNewTarget(ctx context.Context, session SessionId, contextID ContextId) {
	s.mu.RLock()
	var toApply []*PreloadScript
	for _, ps := range s.scripts {
		if ps.ContextID == nil || *ps.ContextID == contextID {
			toApply = append(toApply, ps)
		}
	}
	s.mu.RUnlock()

	adapter, ok := s.targets.Get(session)
	if !ok {
		return
	}

	for _, ps := range toApply {
		wrapped := fmt.Sprintf("(%s)();", ps.FunctionBody)
		cdpID, err := adapter.AddPreloadScript(ctx, wrapped, ps.Sandbox)
		if err != nil {
			continue
		}
		ps.mu.Lock()
		ps.registrations = append(ps.registrations, registration{target: session, cdpID: cdpID})
		ps.mu.Unlock()
	}
}
