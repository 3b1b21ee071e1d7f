package mapper

import (
	"context"
	"encoding/json"
	"testing"
)

func TestTargetAdapter_Attach_EnablesDomainsAndReleasesPause(t *testing.T) {
	t.Parallel()

	var methods []string
	conn := &fakeCdpConn{
		sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
			methods = append(methods, method)
			return json.RawMessage(`{}`), nil
		},
	}

	a := newTargetAdapter("session-1", conn)
	if err := a.Attach(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"Runtime.enable",
		"Page.enable",
		"Page.setLifecycleEventsEnabled",
		"Target.setAutoAttach",
		"Runtime.runIfWaitingForDebugger",
	}
	if len(methods) != len(want) {
		t.Fatalf("expected %d calls, got %d: %v", len(want), len(methods), methods)
	}
	for i, m := range want {
		if methods[i] != m {
			t.Errorf("call %d: expected %s, got %s", i, m, methods[i])
		}
	}
}

func TestTargetAdapter_EnableDomain_OnlySendsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	conn := &fakeCdpConn{
		sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
			calls++
			return json.RawMessage(`{}`), nil
		},
	}

	a := newTargetAdapter("session-1", conn)
	if err := a.EnableDomain(context.Background(), "Network"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.EnableDomain(context.Background(), "Network"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected domain enable to be idempotent, got %d calls", calls)
	}
}

func TestTargetAdapter_AddAndRemovePreloadScript(t *testing.T) {
	t.Parallel()

	var removedID string
	conn := &fakeCdpConn{
		sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
			switch method {
			case "Page.addScriptToEvaluateOnNewDocument":
				return json.RawMessage(`{"identifier":"script-1"}`), nil
			case "Page.removeScriptToEvaluateOnNewDocument":
				m := params.(map[string]any)
				removedID = m["identifier"].(string)
				return json.RawMessage(`{}`), nil
			}
			return json.RawMessage(`{}`), nil
		},
	}

	a := newTargetAdapter("session-1", conn)
	id, err := a.AddPreloadScript(context.Background(), "()=>{}", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "script-1" {
		t.Fatalf("expected script-1, got %s", id)
	}
	if _, ok := a.preloadScripts[id]; !ok {
		t.Fatal("expected preload script tracked")
	}

	if err := a.RemovePreloadScript(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removedID != "script-1" {
		t.Fatalf("expected removal to pass identifier script-1, got %s", removedID)
	}
	if _, ok := a.preloadScripts[id]; ok {
		t.Fatal("expected preload script untracked after removal")
	}
}

func TestTargetAdapter_AddPreloadScript_WithSandboxSetsWorldName(t *testing.T) {
	t.Parallel()

	var gotParams map[string]any
	conn := &fakeCdpConn{
		sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
			gotParams = params.(map[string]any)
			return json.RawMessage(`{"identifier":"script-1"}`), nil
		},
	}

	a := newTargetAdapter("session-1", conn)
	if _, err := a.AddPreloadScript(context.Background(), "()=>{}", "sandbox-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotParams["worldName"] != "sandbox-a" {
		t.Fatalf("expected worldName sandbox-a, got %v", gotParams["worldName"])
	}
}

func TestTargetRegistry_GetOrCreateReturnsSameAdapterForSameSession(t *testing.T) {
	t.Parallel()

	conn := &fakeCdpConn{sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}

	reg := NewTargetRegistry()
	a1 := reg.GetOrCreate("session-1", conn)
	a2 := reg.GetOrCreate("session-1", conn)
	if a1 != a2 {
		t.Fatal("expected same adapter instance for repeated GetOrCreate")
	}
}

func TestTargetRegistry_RemoveDropsAdapter(t *testing.T) {
	t.Parallel()

	conn := &fakeCdpConn{sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}

	reg := NewTargetRegistry()
	reg.GetOrCreate("session-1", conn)
	reg.Remove("session-1")

	if _, ok := reg.Get("session-1"); ok {
		t.Fatal("expected adapter removed")
	}
}
