package mapper

import (
	"fmt"
	"sync"
)

// BrowsingContext is the unit of navigation: a top-level target or a frame
// nested inside one, per spec.md §3.
type BrowsingContext struct {
	ID         ContextId
	ParentID   ContextId // empty means top-level
	URL        string
	Children   []ContextId
	Session    SessionId // nearest ancestor whose type is "page"
	DocumentID string    // current CDP loaderId

	// Lifecycle deferreds, reinstalled fresh on every document change.
	mu                  sync.Mutex
	documentInitialized *deferred
	domContentLoaded    *deferred
	load                *deferred
	navigatedWithinDoc  *deferred
	targetUnblocked     *deferred
}

func newBrowsingContext(id ContextId, parent ContextId, session SessionId) *BrowsingContext {
	bc := &BrowsingContext{
		ID:       id,
		ParentID: parent,
		URL:      "about:blank",
		Session:  session,
	}
	bc.resetDeferreds()
	bc.targetUnblocked = newDeferred() // resolved explicitly once the target is released
	return bc
}

func (bc *BrowsingContext) resetDeferreds() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.documentInitialized = newDeferred()
	bc.domContentLoaded = newDeferred()
	bc.load = newDeferred()
	bc.navigatedWithinDoc = newDeferred()
}

// documentChanged cancels the in-flight lifecycle deferreds (rejecting any
// waiters with "document changed") and installs fresh ones, per spec.md
// §4.6 navigate's #documentChanged.
func (bc *BrowsingContext) documentChanged(loaderID string) {
	bc.mu.Lock()
	old := []*deferred{bc.documentInitialized, bc.domContentLoaded, bc.load, bc.navigatedWithinDoc}
	bc.DocumentID = loaderID
	bc.mu.Unlock()

	for _, d := range old {
		d.cancel(NewError(ErrUnknown, "document changed"))
	}
	bc.resetDeferreds()
}

// invalidate rejects every outstanding waiter with "context destroyed",
// called when the context is deleted.
func (bc *BrowsingContext) invalidate() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	err := NewError(ErrUnknown, "context destroyed")
	bc.documentInitialized.cancel(err)
	bc.domContentLoaded.cancel(err)
	bc.load.cancel(err)
	bc.navigatedWithinDoc.cancel(err)
	bc.targetUnblocked.cancel(err)
}

// ContextStore is the forest of browsing contexts, exclusively owned per
// spec.md §3 Ownership.
type ContextStore struct {
	mu       sync.RWMutex
	contexts map[ContextId]*BrowsingContext
	events   *EventManager
}

func NewContextStore(events *EventManager) *ContextStore {
	return &ContextStore{
		contexts: make(map[ContextId]*BrowsingContext),
		events:   events,
	}
}

// AddContext links a new context under its parent, if any. Fires
// browsingContext.contextCreated.
func (s *ContextStore) AddContext(bc *BrowsingContext) error {
	s.mu.Lock()
	if _, exists := s.contexts[bc.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("duplicate context %s", bc.ID)
	}
	s.contexts[bc.ID] = bc
	if bc.ParentID != "" {
		if parent, ok := s.contexts[bc.ParentID]; ok {
			parent.Children = append(parent.Children, bc.ID)
		}
	}
	s.mu.Unlock()

	s.events.EmitGlobal("browsingContext.contextCreated", contextCreatedEvent(bc), bc.ID)
	return nil
}

// Delete recursively removes a context's children first, unlinks it from
// its parent, invalidates its deferreds and fires contextDestroyed —
// depth-first, per spec.md §4.4.
func (s *ContextStore) Delete(id ContextId) {
	s.mu.Lock()
	bc, ok := s.contexts[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	children := append([]ContextId(nil), bc.Children...)
	s.mu.Unlock()

	for _, child := range children {
		s.Delete(child)
	}

	s.mu.Lock()
	delete(s.contexts, id)
	if bc.ParentID != "" {
		if parent, ok := s.contexts[bc.ParentID]; ok {
			parent.Children = removeContextID(parent.Children, id)
		}
	}
	s.mu.Unlock()

	bc.invalidate()
	s.events.EmitGlobal("browsingContext.contextDestroyed", contextCreatedEvent(bc), id)
}

func removeContextID(ids []ContextId, target ContextId) []ContextId {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// HasContext reports whether id is currently known.
func (s *ContextStore) HasContext(id ContextId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.contexts[id]
	return ok
}

// GetContext returns a context or "no such frame".
func (s *ContextStore) GetContext(id ContextId) (*BrowsingContext, *Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bc, ok := s.contexts[id]
	if !ok {
		return nil, NewError(ErrNoSuchFrame, "no such frame: %s", id)
	}
	return bc, nil
}

// GetTopLevelContexts returns every context with no parent.
func (s *ContextStore) GetTopLevelContexts() []*BrowsingContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BrowsingContext
	for _, bc := range s.contexts {
		if bc.ParentID == "" {
			out = append(out, bc)
		}
	}
	return out
}

// FindTopLevelContextID walks parents up to the root.
func (s *ContextStore) FindTopLevelContextID(id ContextId) (ContextId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bc, ok := s.contexts[id]
	for ok && bc.ParentID != "" {
		bc, ok = s.contexts[bc.ParentID]
	}
	if !ok {
		return "", false
	}
	return bc.ID, true
}

// AllSharingSession returns every context whose cdpTarget equals session,
// used when an OOPIF promotes a frame to its own session and siblings need
// to be told apart.
func (s *ContextStore) AllSharingSession(session SessionId) []*BrowsingContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BrowsingContext
	for _, bc := range s.contexts {
		if bc.Session == session {
			out = append(out, bc)
		}
	}
	return out
}

type contextTreeNode struct {
	Context  ContextId          `json:"context"`
	URL      string             `json:"url"`
	Children []*contextTreeNode `json:"children"`
	Parent   *ContextId         `json:"parent"`
}

func contextCreatedEvent(bc *BrowsingContext) map[string]any {
	var parent *ContextId
	if bc.ParentID != "" {
		p := bc.ParentID
		parent = &p
	}
	return map[string]any{
		"context": bc.ID,
		"url":     bc.URL,
		"parent":  parent,
	}
}

// Tree serializes the forest, or the subtree rooted at root, up to
// maxDepth levels (0 = unbounded), for browsingContext.getTree.
func (s *ContextStore) Tree(root *ContextId, maxDepth int) ([]*contextTreeNode, *Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec func(bc *BrowsingContext, depth int) *contextTreeNode
	rec = func(bc *BrowsingContext, depth int) *contextTreeNode {
		node := &contextTreeNode{Context: bc.ID, URL: bc.URL}
		if bc.ParentID != "" {
			p := bc.ParentID
			node.Parent = &p
		}
		if maxDepth > 0 && depth >= maxDepth {
			return node
		}
		for _, childID := range bc.Children {
			if child, ok := s.contexts[childID]; ok {
				node.Children = append(node.Children, rec(child, depth+1))
			}
		}
		return node
	}

	if root != nil {
		bc, ok := s.contexts[*root]
		if !ok {
			return nil, NewError(ErrNoSuchFrame, "no such frame: %s", *root)
		}
		return []*contextTreeNode{rec(bc, 0)}, nil
	}

	var out []*contextTreeNode
	for _, bc := range s.contexts {
		if bc.ParentID == "" {
			out = append(out, rec(bc, 0))
		}
	}
	return out, nil
}
