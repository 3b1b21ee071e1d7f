package mapper

import (
	"context"
	"encoding/json"
	"testing"
)

func newTestPreloadStore() (*PreloadScriptStore, *TargetRegistry, func(method string) int) {
	calls := make(map[string]int)
	conn := &fakeCdpConn{
		sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
			calls[method]++
			if method == "Page.addScriptToEvaluateOnNewDocument" {
				return json.RawMessage(`{"identifier":"cdp-script-1"}`), nil
			}
			return json.RawMessage(`{}`), nil
		},
	}
	targets := NewTargetRegistry()
	targets.GetOrCreate("session-1", conn)
	return NewPreloadScriptStore(targets), targets, func(method string) int { return calls[method] }
}

func TestPreloadScriptStore_AddPreloadScriptRegistersOnEachTarget(t *testing.T) {
	t.Parallel()

	store, _, callCount := newTestPreloadStore()
	id, err := store.AddPreloadScript(context.Background(), nil, "() => {}", "", []SessionId{"session-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty preload script id")
	}
	if callCount("Page.addScriptToEvaluateOnNewDocument") != 1 {
		t.Fatalf("expected one registration call, got %d", callCount("Page.addScriptToEvaluateOnNewDocument"))
	}
}

func TestPreloadScriptStore_AddPreloadScript_SkipsVanishedTargets(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestPreloadStore()
	id, err := store.AddPreloadScript(context.Background(), nil, "() => {}", "", []SessionId{"session-1", "ghost-session"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected script to be registered despite one vanished target")
	}
}

func TestPreloadScriptStore_RemovePreloadScript_UnregistersFromAllTargets(t *testing.T) {
	t.Parallel()

	store, _, callCount := newTestPreloadStore()
	id, err := store.AddPreloadScript(context.Background(), nil, "() => {}", "", []SessionId{"session-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.RemovePreloadScript(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if callCount("Page.removeScriptToEvaluateOnNewDocument") != 1 {
		t.Fatalf("expected one removal call, got %d", callCount("Page.removeScriptToEvaluateOnNewDocument"))
	}
}

func TestPreloadScriptStore_RemovePreloadScript_UnknownIdIsNoSuchScript(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestPreloadStore()
	err := store.RemovePreloadScript(context.Background(), "ghost")
	if err == nil || err.Code != ErrNoSuchScript {
		t.Fatalf("expected no such script error, got %v", err)
	}
}

func TestPreloadScriptStore_ApplyToNewTarget_AppliesGlobalScript(t *testing.T) {
	t.Parallel()

	store, targets, callCount := newTestPreloadStore()
	globalID, err := store.AddPreloadScript(context.Background(), nil, "() => {}", "", []SessionId{"session-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := ContextId("ctx-other")
	_, err = store.AddPreloadScript(context.Background(), &ctx, "() => {}", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn := &fakeCdpConn{
		sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
			return json.RawMessage(`{"identifier":"cdp-script-2"}`), nil
		},
	}
	targets.GetOrCreate("session-2", conn)

	store.ApplyToNewTarget(context.Background(), "session-2", "ctx-this-target")

	store.mu.RLock()
	ps := store.scripts[globalID]
	store.mu.RUnlock()

	found := false
	ps.mu.Lock()
	for _, r := range ps.registrations {
		if r.target == "session-2" {
			found = true
		}
	}
	ps.mu.Unlock()
	if !found {
		t.Fatal("expected global (context-nil) script to be applied to new target")
	}
	_ = callCount
}

func TestPreloadScriptStore_ApplyToNewTarget_UnknownSessionIsNoOp(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestPreloadStore()
	store.ApplyToNewTarget(context.Background(), "ghost-session", "ctx-1")
}
