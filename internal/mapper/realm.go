package mapper

import (
	"context"
	"sync"
)

// RealmType enumerates the script-realm kinds.
type RealmType string

const (
	RealmWindow          RealmType = "window"
	RealmDedicatedWorker RealmType = "dedicated-worker"
	RealmSharedWorker    RealmType = "shared-worker"
	RealmServiceWorker   RealmType = "service-worker"
	RealmWorker          RealmType = "worker"
	RealmPaintWorklet    RealmType = "paint-worklet"
	RealmAudioWorklet    RealmType = "audio-worklet"
	RealmWorklet         RealmType = "worklet"
)

// Realm is a JavaScript execution environment inside a browsing context.
type Realm struct {
	ID                 RealmId
	BrowsingContextID  ContextId
	Session            SessionId
	ExecutionContextID int64
	Origin             string
	Type               RealmType
	Sandbox            string
}

type realmKey struct {
	session SessionId
	execCtx int64
}

// sandboxKey identifies an in-flight getOrCreateSandbox wait: the context
// a Page.createIsolatedWorld was issued against, and the sandbox name it
// is waiting to see show up as an executionContextCreated event.
type sandboxKey struct {
	ctxID   ContextId
	sandbox string
}

// RealmRegistry is a Map<RealmId, Realm> plus a reverse index keyed by
// (cdpSession, executionContextId). Mutations are driven exclusively by
// CDP Runtime.executionContext* events on a target's session.
type RealmRegistry struct {
	mu       sync.RWMutex
	byID     map[RealmId]*Realm
	byExec   map[realmKey]RealmId
	handles  *handleRegistry
	waiters  map[sandboxKey]*deferred
	waitRlms map[sandboxKey]*Realm
}

func NewRealmRegistry(handles *handleRegistry) *RealmRegistry {
	return &RealmRegistry{
		byID:     make(map[RealmId]*Realm),
		byExec:   make(map[realmKey]RealmId),
		handles:  handles,
		waiters:  make(map[sandboxKey]*deferred),
		waitRlms: make(map[sandboxKey]*Realm),
	}
}

// Create registers a new realm for an execution context just created. If a
// getOrCreateSandbox caller is waiting on this (context, sandbox) pair, it
// is woken with the new realm.
func (r *RealmRegistry) Create(ctxID ContextId, session SessionId, execCtx int64, origin string, typ RealmType, sandbox string) *Realm {
	r.mu.Lock()

	realm := &Realm{
		ID:                 nextRealmId(),
		BrowsingContextID:  ctxID,
		Session:            session,
		ExecutionContextID: execCtx,
		Origin:             origin,
		Type:               typ,
		Sandbox:            sandbox,
	}
	r.byID[realm.ID] = realm
	r.byExec[realmKey{session, execCtx}] = realm.ID

	var waiter *deferred
	if sandbox != "" {
		key := sandboxKey{ctxID, sandbox}
		if w, ok := r.waiters[key]; ok {
			waiter = w
			r.waitRlms[key] = realm
			delete(r.waiters, key)
		}
	}
	r.mu.Unlock()

	if waiter != nil {
		waiter.resolve()
	}
	return realm
}

// waitForSandbox registers interest in the named sandbox realm attaching
// to ctxID and blocks until Create observes it, ctx is cancelled, or
// Page.createIsolatedWorld's eventual executionContextCreated never
// arrives within ctx's deadline. Grounded on getOrCreateSandbox's need
// (spec.md §4.3) to await a CDP event asynchronous to the command that
// triggered it, the same shape as deferred is used for elsewhere. A
// matching realm that Create registered before this call is returned at
// once.
func (r *RealmRegistry) waitForSandbox(ctx context.Context, ctxID ContextId, sandbox string) (*Realm, error) {
	key := sandboxKey{ctxID, sandbox}

	r.mu.Lock()
	for _, realm := range r.byID {
		if realm.BrowsingContextID == ctxID && realm.Sandbox == sandbox {
			r.mu.Unlock()
			return realm, nil
		}
	}
	w, ok := r.waiters[key]
	if !ok {
		w = newDeferred()
		r.waiters[key] = w
	}
	r.mu.Unlock()

	if err := w.wait(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	realm := r.waitRlms[key]
	delete(r.waitRlms, key)
	r.mu.Unlock()
	return realm, nil
}

// Get looks up a realm by BiDi RealmId.
func (r *RealmRegistry) Get(id RealmId) (*Realm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	realm, ok := r.byID[id]
	return realm, ok
}

// ByExecutionContext resolves the realm backing a given CDP execution
// context on a session.
func (r *RealmRegistry) ByExecutionContext(session SessionId, execCtx int64) (*Realm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byExec[realmKey{session, execCtx}]
	if !ok {
		return nil, false
	}
	realm, ok := r.byID[id]
	return realm, ok
}

// FindSandbox returns the realm of the named sandbox attached to a context,
// if one was already created via getOrCreateSandbox.
func (r *RealmRegistry) FindSandbox(ctxID ContextId, sandbox string) (*Realm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, realm := range r.byID {
		if realm.BrowsingContextID == ctxID && realm.Sandbox == sandbox {
			return realm, true
		}
	}
	return nil, false
}

// DefaultRealm returns the window realm of a context, if one exists.
func (r *RealmRegistry) DefaultRealm(ctxID ContextId) (*Realm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, realm := range r.byID {
		if realm.BrowsingContextID == ctxID && realm.Sandbox == "" && realm.Type == RealmWindow {
			return realm, true
		}
	}
	return nil, false
}

// Destroy removes a realm, invalidating any handles it owns, on
// Runtime.executionContextDestroyed.
func (r *RealmRegistry) Destroy(session SessionId, execCtx int64) {
	r.mu.Lock()
	key := realmKey{session, execCtx}
	id, ok := r.byExec[key]
	if ok {
		delete(r.byExec, key)
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if ok {
		r.handles.invalidateRealm(id)
	}
}

// ClearSession removes every realm tied to a session, on
// Runtime.executionContextsCleared.
func (r *RealmRegistry) ClearSession(session SessionId) {
	r.mu.Lock()
	var removed []RealmId
	for key, id := range r.byExec {
		if key.session == session {
			delete(r.byExec, key)
			delete(r.byID, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.handles.invalidateRealm(id)
	}
}

// GetRealms lists realms, optionally filtered by context and/or type, for
// the script.getRealms command.
func (r *RealmRegistry) GetRealms(ctxID *ContextId, typ *RealmType) []*Realm {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Realm
	for _, realm := range r.byID {
		if ctxID != nil && realm.BrowsingContextID != *ctxID {
			continue
		}
		if typ != nil && realm.Type != *typ {
			continue
		}
		out = append(out, realm)
	}
	return out
}
