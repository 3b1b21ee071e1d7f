package mapper

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDeserialize_Primitives(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()

	tests := []struct {
		name               string
		v                  LocalValue
		wantUnserializable string
		wantValue          string
	}{
		{name: "undefined", v: LocalValue{Type: "undefined"}, wantUnserializable: "undefined"},
		{name: "null", v: LocalValue{Type: "null"}, wantUnserializable: "null"},
		{name: "nan", v: LocalValue{Type: "number", Value: json.RawMessage(`"NaN"`)}, wantUnserializable: "NaN"},
		{name: "negzero", v: LocalValue{Type: "number", Value: json.RawMessage(`"-0"`)}, wantUnserializable: "-0"},
		{name: "number", v: LocalValue{Type: "number", Value: json.RawMessage(`42`)}, wantValue: "42"},
		{name: "string", v: LocalValue{Type: "string", Value: json.RawMessage(`"hi"`)}, wantValue: `"hi"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			arg, err := deserialize(context.Background(), nil, "", 0, handles, "realm-1", tt.v)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantUnserializable != "" && arg.UnserializableValue != tt.wantUnserializable {
				t.Errorf("expected unserializableValue %q, got %q", tt.wantUnserializable, arg.UnserializableValue)
			}
			if tt.wantValue != "" && string(arg.Value) != tt.wantValue {
				t.Errorf("expected value %q, got %q", tt.wantValue, string(arg.Value))
			}
		})
	}
}

func TestDeserialize_Bigint(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()

	arg, err := deserialize(context.Background(), nil, "", 0, handles, "realm-1", LocalValue{Type: "bigint", Value: json.RawMessage(`"123"`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if arg.UnserializableValue != `BigInt("123")` {
		t.Errorf("unexpected bigint encoding: %s", arg.UnserializableValue)
	}
}

func TestDeserialize_KnownHandleResolvesToObjectId(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	handles.register("obj-1", "realm-1")

	arg, err := deserialize(context.Background(), nil, "", 0, handles, "realm-1", LocalValue{Type: "", Handle: "obj-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if arg.ObjectId != "obj-1" {
		t.Errorf("expected objectId obj-1, got %s", arg.ObjectId)
	}
}

func TestDeserialize_UnknownHandleIsInvalidArgument(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()

	_, err := deserialize(context.Background(), nil, "", 0, handles, "realm-1", LocalValue{Type: "", Handle: "ghost"})
	if err == nil || err.Code != ErrInvalidArgument {
		t.Fatalf("expected invalid argument error, got %v", err)
	}
}

func TestDeserialize_HandleFromWrongRealmIsInvalidArgument(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	handles.register("obj-1", "realm-1")

	_, err := deserialize(context.Background(), nil, "", 0, handles, "realm-2", LocalValue{Type: "", Handle: "obj-1"})
	if err == nil || err.Code != ErrInvalidArgument {
		t.Fatalf("expected invalid argument error for cross-realm handle, got %v", err)
	}
}

func TestSerialize_Primitive(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	rv := serialize(context.Background(), nil, "", cdpRemoteObject{Type: "string", Value: json.RawMessage(`"hello"`)}, nil, "realm-1", OwnershipNone, handles)

	if rv.Type != "string" {
		t.Errorf("expected type string, got %s", rv.Type)
	}
	if string(rv.Value) != `"hello"` {
		t.Errorf("expected value hello, got %s", rv.Value)
	}
	if rv.Handle != "" {
		t.Errorf("expected no handle for OwnershipNone, got %s", rv.Handle)
	}
}

func TestSerialize_ObjectWithRootOwnershipRegistersHandle(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	rv := serialize(context.Background(), nil, "", cdpRemoteObject{Type: "object", Subtype: "array", ObjectId: "obj-1"}, nil, "realm-1", OwnershipRoot, handles)

	if rv.Type != "array" {
		t.Errorf("expected subtype array promoted to type, got %s", rv.Type)
	}
	if rv.Handle != "obj-1" {
		t.Errorf("expected handle obj-1, got %s", rv.Handle)
	}
	realm, ok := handles.realmOf("obj-1")
	if !ok || realm != "realm-1" {
		t.Errorf("expected handle registered to realm-1, got %v %v", realm, ok)
	}
}

func TestSerialize_WebDriverValuePassthrough(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	wdv := json.RawMessage(`{"type":"array","value":[{"type":"number","value":1}]}`)
	rv := serialize(context.Background(), nil, "", cdpRemoteObject{Type: "object", ObjectId: "obj-2"}, wdv, "realm-1", OwnershipNone, handles)

	if rv.Type != "array" {
		t.Errorf("expected type array from webDriverValue, got %s", rv.Type)
	}
}

func TestSerialize_OwnershipNoneReleasesObject(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	var releasedId string
	var releasedMethod string
	conn := &fakeCdpConn{
		sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
			releasedMethod = method
			if p, ok := params.(map[string]any); ok {
				releasedId, _ = p["objectId"].(string)
			}
			return json.RawMessage(`{}`), nil
		},
	}

	rv := serialize(context.Background(), conn, "session-1", cdpRemoteObject{Type: "object", Subtype: "array", ObjectId: "obj-3"}, nil, "realm-1", OwnershipNone, handles)

	if rv.Handle != "" {
		t.Errorf("expected no handle for OwnershipNone, got %s", rv.Handle)
	}
	if releasedMethod != "Runtime.releaseObject" {
		t.Errorf("expected Runtime.releaseObject to be called, got %q", releasedMethod)
	}
	if releasedId != "obj-3" {
		t.Errorf("expected obj-3 released, got %q", releasedId)
	}
	if _, ok := handles.realmOf("obj-3"); ok {
		t.Error("expected no handle registered for released object")
	}
}

func TestHandleRegistry_DisownRequiresMatchingRealm(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	handles.register("obj-1", "realm-1")

	handles.disown("obj-1", "realm-2")
	if _, ok := handles.realmOf("obj-1"); !ok {
		t.Fatal("expected handle to survive disown from wrong realm")
	}

	handles.disown("obj-1", "realm-1")
	if _, ok := handles.realmOf("obj-1"); ok {
		t.Fatal("expected handle to be gone after disown from owning realm")
	}
}

type fakeCdpConn struct {
	sendCommand func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error)
}

func (f *fakeCdpConn) SendCommand(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
	return f.sendCommand(ctx, method, params, session)
}

func (f *fakeCdpConn) Subscribe(method string, handler func(session SessionId, params json.RawMessage)) {
}

func TestDeserialize_ArrayContainerCallsRuntimeCallFunctionOn(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	var calledMethod string
	conn := &fakeCdpConn{
		sendCommand: func(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
			calledMethod = method
			return json.RawMessage(`{"result":{"objectId":"arr-1"}}`), nil
		},
	}

	v := LocalValue{Type: "array", Value: json.RawMessage(`[{"type":"number","value":1},{"type":"string","value":"x"}]`)}
	arg, err := deserialize(context.Background(), conn, "session-1", 0, handles, "realm-1", v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calledMethod != "Runtime.callFunctionOn" {
		t.Errorf("expected Runtime.callFunctionOn, got %s", calledMethod)
	}
	if arg.ObjectId != "arr-1" {
		t.Errorf("expected objectId arr-1, got %s", arg.ObjectId)
	}
}

func TestHandleRegistry_InvalidateRealmDropsAllItsHandles(t *testing.T) {
	t.Parallel()

	handles := newHandleRegistry()
	handles.register("obj-1", "realm-1")
	handles.register("obj-2", "realm-1")
	handles.register("obj-3", "realm-2")

	handles.invalidateRealm("realm-1")

	if _, ok := handles.realmOf("obj-1"); ok {
		t.Error("expected obj-1 to be invalidated")
	}
	if _, ok := handles.realmOf("obj-2"); ok {
		t.Error("expected obj-2 to be invalidated")
	}
	if _, ok := handles.realmOf("obj-3"); !ok {
		t.Error("expected obj-3 from other realm to survive")
	}
}
