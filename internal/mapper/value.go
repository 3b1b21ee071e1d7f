package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// LocalValue is a tagged union mirroring the BiDi LocalValue/RemoteValue
// grammar the wire codec decodes command parameters into. Only the
// Type tag and the field matching it are meaningful; this is the Go
// encoding of a closed variant set.
type LocalValue struct {
	Type string `json:"type"`

	Value    json.RawMessage `json:"value,omitempty"`
	Handle   Handle          `json:"handle,omitempty"`
	SharedId string          `json:"sharedId,omitempty"`

	// number/string/boolean primitives and bigint hold their literal in
	// Value; undefined/null/date/regexp carry no payload beyond what is
	// decoded from Value when Type requires it (date string, regexp
	// pattern/flags object).
}

// RemoteValue is the serialized form returned to the BiDi client.
type RemoteValue struct {
	Type     string          `json:"type"`
	Value    json.RawMessage `json:"value,omitempty"`
	Handle   Handle          `json:"handle,omitempty"`
	SharedId string          `json:"sharedId,omitempty"`
}

// ResultOwnership selects whether a serialized RemoteValue keeps a handle
// alive in the realm's handle registry.
type ResultOwnership string

const (
	OwnershipNone ResultOwnership = "none"
	OwnershipRoot ResultOwnership = "root"
)

// cdpCallArgument mirrors CDP's Runtime.CallArgument.
type cdpCallArgument struct {
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	ObjectId            string          `json:"objectId,omitempty"`
}

// handleRegistry maps CDP objectIds handed out as BiDi handles back to the
// realm that owns them, so handles can be validated and disowned. Owned
// exclusively by the serializer.
type handleRegistry struct {
	mu       sync.RWMutex
	byHandle map[Handle]RealmId
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{byHandle: make(map[Handle]RealmId)}
}

func (r *handleRegistry) register(h Handle, realm RealmId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHandle[h] = realm
}

func (r *handleRegistry) realmOf(h Handle) (RealmId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	realm, ok := r.byHandle[h]
	return realm, ok
}

// disown forgets a handle. Disowning a handle from the wrong realm, or an
// unknown handle, is a no-op.
func (r *handleRegistry) disown(h Handle, realm RealmId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byHandle[h]; ok && owner == realm {
		delete(r.byHandle, h)
	}
}

// invalidateRealm drops every handle owned by a destroyed realm.
func (r *handleRegistry) invalidateRealm(realm RealmId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, owner := range r.byHandle {
		if owner == realm {
			delete(r.byHandle, h)
		}
	}
}

// deserialize converts a BiDi LocalValue into a CDP CallArgument.
// Container types (array/set/map/object) require a round-trip through
// the target realm (Runtime.callFunctionOn), so this takes the realm's
// CDP session and executionContextId.
func deserialize(ctx context.Context, conn CdpConnection, session SessionId, execCtx int64, handles *handleRegistry, realm RealmId, v LocalValue) (*cdpCallArgument, *Error) {
	switch v.Type {
	case "undefined":
		return &cdpCallArgument{UnserializableValue: "undefined"}, nil
	case "null":
		return &cdpCallArgument{UnserializableValue: "null"}, nil
	case "number":
		var lit string
		if err := json.Unmarshal(v.Value, &lit); err == nil {
			switch lit {
			case "+Infinity", "Infinity":
				return &cdpCallArgument{UnserializableValue: "Infinity"}, nil
			case "-Infinity":
				return &cdpCallArgument{UnserializableValue: "-Infinity"}, nil
			case "NaN":
				return &cdpCallArgument{UnserializableValue: "NaN"}, nil
			case "-0":
				return &cdpCallArgument{UnserializableValue: "-0"}, nil
			}
		}
		return &cdpCallArgument{Value: v.Value}, nil
	case "string", "boolean":
		return &cdpCallArgument{Value: v.Value}, nil
	case "bigint":
		var lit string
		_ = json.Unmarshal(v.Value, &lit)
		return &cdpCallArgument{UnserializableValue: fmt.Sprintf("BigInt(%q)", lit)}, nil
	case "date":
		var lit string
		_ = json.Unmarshal(v.Value, &lit)
		return &cdpCallArgument{UnserializableValue: fmt.Sprintf("new Date(Date.parse(%q))", lit)}, nil
	case "regexp":
		var pat struct {
			Pattern string `json:"pattern"`
			Flags   string `json:"flags"`
		}
		_ = json.Unmarshal(v.Value, &pat)
		patJSON, _ := json.Marshal(pat.Pattern)
		flagsJSON, _ := json.Marshal(pat.Flags)
		return &cdpCallArgument{UnserializableValue: fmt.Sprintf("new RegExp(%s, %s)", patJSON, flagsJSON)}, nil
	case "array", "set", "map", "object":
		return deserializeContainer(ctx, conn, session, execCtx, handles, realm, v)
	}
	if v.Handle != "" {
		owner, ok := handles.realmOf(v.Handle)
		if !ok || owner != realm {
			return nil, NewError(ErrInvalidArgument, "Handle was not found.")
		}
		return &cdpCallArgument{ObjectId: string(v.Handle)}, nil
	}
	return nil, NewError(ErrInvalidArgument, "unknown local value type %q", v.Type)
}

// deserializeContainer materializes array/set/map/object LocalValues by a
// one-shot Runtime.callFunctionOn in the target realm reconstructing the
// container from flattened arguments.
func deserializeContainer(ctx context.Context, conn CdpConnection, session SessionId, execCtx int64, handles *handleRegistry, realm RealmId, v LocalValue) (*cdpCallArgument, *Error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(v.Value, &elements); err != nil {
		return nil, NewError(ErrInvalidArgument, "malformed %s value: %v", v.Type, err)
	}

	args := make([]cdpCallArgument, 0, len(elements))
	for _, raw := range elements {
		var nested LocalValue
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, NewError(ErrInvalidArgument, "malformed %s element: %v", v.Type, err)
		}
		arg, aerr := deserialize(ctx, conn, session, execCtx, handles, realm, nested)
		if aerr != nil {
			return nil, aerr
		}
		args = append(args, *arg)
	}

	var ctor string
	switch v.Type {
	case "array":
		ctor = "function(...items){ return items; }"
	case "set":
		ctor = "function(...items){ return new Set(items); }"
	case "map", "object":
		ctor = "function(...items){ const o = {}; for (let i=0;i<items.length;i+=2) o[items[i]] = items[i+1]; return o; }"
	}

	params := map[string]any{
		"functionDeclaration": ctor,
		"executionContextId":  execCtx,
		"arguments":           args,
		"objectGroup":         "bidimapper",
	}
	raw, err := conn.SendCommand(ctx, "Runtime.callFunctionOn", params, session)
	if err != nil {
		return nil, AsError(err)
	}
	var result struct {
		Result struct {
			ObjectId string `json:"objectId"`
		} `json:"result"`
	}
	if jerr := json.Unmarshal(raw, &result); jerr != nil {
		return nil, NewError(ErrUnknown, "malformed callFunctionOn result: %v", jerr)
	}
	return &cdpCallArgument{ObjectId: result.Result.ObjectId}, nil
}

// cdpRemoteObject mirrors the subset of CDP's Runtime.RemoteObject the fast
// serialization path inspects.
type cdpRemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	ClassName   string          `json:"className,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ObjectId    string          `json:"objectId,omitempty"`
}

// serialize converts a CDP RemoteObject into a BiDi RemoteValue. It
// takes the fast, local path for primitives and
// shallow containers; callers needing the "generate WebDriver value"
// primary path (deep containers, exotic subtypes) should have already
// requested it from the browser and pass the resulting RemoteValue JSON in
// webDriverValue, which is copied through verbatim when present.
//
// When ownership isn't root and obj carries a live CDP objectId, the
// underlying remote object is released on session immediately after
// serialization (spec.md §4.2.2, §5) rather than left to leak for the
// lifetime of the execution context.
func serialize(ctx context.Context, conn CdpConnection, session SessionId, obj cdpRemoteObject, webDriverValue json.RawMessage, realm RealmId, ownership ResultOwnership, handles *handleRegistry) RemoteValue {
	if len(webDriverValue) > 0 {
		var rv RemoteValue
		if err := json.Unmarshal(webDriverValue, &rv); err == nil {
			if ownership == OwnershipRoot && obj.ObjectId != "" {
				rv.Handle = Handle(obj.ObjectId)
				handles.register(rv.Handle, realm)
			} else if obj.ObjectId != "" {
				releaseObject(ctx, conn, session, obj.ObjectId)
			}
			return rv
		}
	}

	rv := RemoteValue{Type: obj.Type}
	switch obj.Type {
	case "undefined", "boolean", "string":
		rv.Value = obj.Value
	case "number":
		if len(obj.Value) > 0 {
			rv.Value = obj.Value
		} else {
			rv.Value = json.RawMessage(`"` + obj.Description + `"`)
		}
	case "object":
		if obj.Subtype != "" {
			rv.Type = obj.Subtype
		} else {
			rv.Type = "object"
		}
	case "function":
		rv.Type = "function"
	}

	if ownership == OwnershipRoot && obj.ObjectId != "" {
		rv.Handle = Handle(obj.ObjectId)
		handles.register(rv.Handle, realm)
	} else if obj.ObjectId != "" {
		releaseObject(ctx, conn, session, obj.ObjectId)
	}
	return rv
}

// releaseObject frees a CDP remote object that serialize decided not to
// keep a handle for. Best-effort: a target that has already navigated
// away or detached will fail this harmlessly, so the error is discarded.
func releaseObject(ctx context.Context, conn CdpConnection, session SessionId, objectId string) {
	if conn == nil {
		return
	}
	_, _ = conn.SendCommand(ctx, "Runtime.releaseObject", map[string]any{"objectId": objectId}, session)
}
