package mapper

import "testing"

func TestRealmRegistry_CreateAndGet(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	reg := NewRealmRegistry(handles)

	realm := reg.Create("ctx-1", "session-1", 7, "https://example.com", RealmWindow, "")
	got, ok := reg.Get(realm.ID)
	if !ok || got.ExecutionContextID != 7 {
		t.Fatalf("expected to find created realm, got %v %v", got, ok)
	}
}

func TestRealmRegistry_ByExecutionContext(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	reg := NewRealmRegistry(handles)
	realm := reg.Create("ctx-1", "session-1", 7, "https://example.com", RealmWindow, "")

	got, ok := reg.ByExecutionContext("session-1", 7)
	if !ok || got.ID != realm.ID {
		t.Fatalf("expected to resolve by execution context, got %v %v", got, ok)
	}

	if _, ok := reg.ByExecutionContext("session-1", 99); ok {
		t.Fatal("expected no realm for unknown execution context")
	}
}

func TestRealmRegistry_DefaultRealmIsWindowWithoutSandbox(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	reg := NewRealmRegistry(handles)
	reg.Create("ctx-1", "session-1", 1, "https://example.com", RealmWindow, "sandbox-a")
	window := reg.Create("ctx-1", "session-1", 2, "https://example.com", RealmWindow, "")

	got, ok := reg.DefaultRealm("ctx-1")
	if !ok || got.ID != window.ID {
		t.Fatalf("expected default realm to be unsandboxed window realm, got %v", got)
	}
}

func TestRealmRegistry_FindSandbox(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	reg := NewRealmRegistry(handles)
	sandboxed := reg.Create("ctx-1", "session-1", 1, "https://example.com", RealmWindow, "sandbox-a")

	got, ok := reg.FindSandbox("ctx-1", "sandbox-a")
	if !ok || got.ID != sandboxed.ID {
		t.Fatalf("expected to find sandboxed realm, got %v %v", got, ok)
	}
	if _, ok := reg.FindSandbox("ctx-1", "sandbox-b"); ok {
		t.Fatal("expected no realm for unknown sandbox")
	}
}

func TestRealmRegistry_DestroyInvalidatesHandles(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	reg := NewRealmRegistry(handles)
	realm := reg.Create("ctx-1", "session-1", 1, "https://example.com", RealmWindow, "")
	handles.register("obj-1", realm.ID)

	reg.Destroy("session-1", 1)

	if _, ok := reg.Get(realm.ID); ok {
		t.Error("expected realm to be gone after destroy")
	}
	if _, ok := handles.realmOf("obj-1"); ok {
		t.Error("expected handle to be invalidated after realm destroy")
	}
}

func TestRealmRegistry_ClearSessionRemovesAllItsRealms(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	reg := NewRealmRegistry(handles)
	r1 := reg.Create("ctx-1", "session-1", 1, "https://a", RealmWindow, "")
	r2 := reg.Create("ctx-1", "session-1", 2, "https://a", RealmWindow, "sandbox")
	other := reg.Create("ctx-2", "session-2", 1, "https://b", RealmWindow, "")

	reg.ClearSession("session-1")

	if _, ok := reg.Get(r1.ID); ok {
		t.Error("expected r1 cleared")
	}
	if _, ok := reg.Get(r2.ID); ok {
		t.Error("expected r2 cleared")
	}
	if _, ok := reg.Get(other.ID); !ok {
		t.Error("expected realm from other session to survive")
	}
}

func TestRealmRegistry_GetRealmsFiltersByContextAndType(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	reg := NewRealmRegistry(handles)
	reg.Create("ctx-1", "session-1", 1, "https://a", RealmWindow, "")
	reg.Create("ctx-1", "session-1", 2, "https://a", RealmDedicatedWorker, "")
	reg.Create("ctx-2", "session-2", 1, "https://b", RealmWindow, "")

	ctx1 := ContextId("ctx-1")
	realms := reg.GetRealms(&ctx1, nil)
	if len(realms) != 2 {
		t.Fatalf("expected 2 realms for ctx-1, got %d", len(realms))
	}

	workerType := RealmDedicatedWorker
	realms = reg.GetRealms(&ctx1, &workerType)
	if len(realms) != 1 || realms[0].Type != RealmDedicatedWorker {
		t.Fatalf("expected 1 dedicated-worker realm, got %v", realms)
	}
}
