package mapper

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDispatch_SessionStatus(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	result, err := m.Dispatch(context.Background(), "session.status", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := result.(map[string]any)
	if got["ready"] != true {
		t.Fatalf("expected ready true, got %v", got)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	_, err := m.Dispatch(context.Background(), "bogus.command", json.RawMessage(`{}`))
	if err == nil || err.Code != ErrUnknownCommand {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestDispatch_SessionSubscribe_MalformedParamsIsInvalidArgument(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	_, err := m.Dispatch(context.Background(), "session.subscribe", json.RawMessage(`"not an object"`))
	if err == nil || err.Code != ErrInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestDispatch_SessionSubscribe_RegistersEvents(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	_, err := m.Dispatch(context.Background(), "session.subscribe", json.RawMessage(`{"events":["browsingContext.load"]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDispatch_BrowsingContextGetTree_ReturnsContexts(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	seedContext(t, m, "ctx-1", "session-1")

	result, err := m.Dispatch(context.Background(), "browsingContext.getTree", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := result.(map[string]any)
	tree := got["contexts"].([]*contextTreeNode)
	if len(tree) != 1 {
		t.Fatalf("expected 1 top-level context, got %d", len(tree))
	}
}

func TestDispatch_BrowsingContextClose_ReturnsEmptyObjectOnSuccess(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	seedContext(t, m, "ctx-1", "session-1")
	go m.contexts.Delete("ctx-1")

	result, err := m.Dispatch(context.Background(), "browsingContext.close", json.RawMessage(`{"context":"ctx-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := result.(map[string]any); !ok {
		t.Fatalf("expected empty object result, got %v", result)
	}
}

func TestDispatch_ScriptEvaluate_RequiresAwaitPromise(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	_, err := m.Dispatch(context.Background(), "script.evaluate", json.RawMessage(`{"expression":"1+1","target":{"context":"ctx-1"}}`))
	if err == nil || err.Code != ErrInvalidArgument {
		t.Fatalf("expected invalid argument for missing awaitPromise, got %v", err)
	}
}

func TestDispatch_BrowsingContextFindElement_CallsQuerySelector(t *testing.T) {
	t.Parallel()

	var gotFunctionDecl string
	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		if method == "Runtime.callFunctionOn" {
			p := params.(map[string]any)
			gotFunctionDecl = p["functionDeclaration"].(string)
			return json.RawMessage(`{"result":{"type":"object","subtype":"node","objectId":"obj-1"}}`), nil
		}
		return json.RawMessage(`{}`), nil
	})
	seedContext(t, m, "ctx-1", "session-1")
	m.realms.Create("ctx-1", "session-1", 1, "https://example.com", RealmWindow, "")

	result, err := m.Dispatch(context.Background(), "browsingContext.findElement", json.RawMessage(`{"context":"ctx-1","selector":"#foo"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := result.(*EvaluateResult)
	if res.Realm == "" {
		t.Fatalf("expected realm to be set, got %+v", res)
	}
	if gotFunctionDecl == "" {
		t.Fatal("expected Runtime.callFunctionOn to be invoked with a querySelector wrapper")
	}
}

func TestDispatch_ScriptGetRealms_ShapesRealmList(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	m.realms.Create("ctx-1", "session-1", 1, "https://example.com", RealmWindow, "")

	result, err := m.Dispatch(context.Background(), "script.getRealms", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := result.(map[string]any)
	realms := got["realms"].([]map[string]any)
	if len(realms) != 1 {
		t.Fatalf("expected 1 realm, got %d", len(realms))
	}
}

func TestDispatch_CdpGetSession_ReturnsSession(t *testing.T) {
	t.Parallel()

	m := newTestMapper(func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	seedContext(t, m, "ctx-1", "session-42")

	result, err := m.Dispatch(context.Background(), "cdp.getSession", json.RawMessage(`{"context":"ctx-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := result.(map[string]any)
	if got["session"] != SessionId("session-42") {
		t.Fatalf("expected session-42, got %v", got["session"])
	}
}
