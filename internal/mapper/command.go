package mapper

import (
	"context"
	"encoding/json"
)

// CommandResult is the payload of a successful command response; command.go
// callers marshal it into the wire codec's {id, result} shape.
type CommandResult any

// Dispatch routes one parsed BiDi command to its handler and returns either
// a result or a *Error, per spec.md §4.9's dispatch table. Any panic
// recovery or CDP-error classification has already happened inside the
// individual handlers (AsError); Dispatch itself never panics on a
// well-formed RawCommand.
func (m *Mapper) Dispatch(ctx context.Context, method string, params json.RawMessage) (CommandResult, *Error) {
	switch method {
	case "session.status":
		return map[string]any{"ready": true, "message": "ready"}, nil

	case "session.subscribe":
		var p subscribeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		if serr := m.events.Subscribe(p.Events, p.Contexts, p.Channel); serr != nil {
			return nil, serr
		}
		return map[string]any{}, nil

	case "session.unsubscribe":
		var p subscribeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		m.events.Unsubscribe(p.Events, p.Contexts, p.Channel)
		return map[string]any{}, nil

	case "browsingContext.getTree":
		var p struct {
			Root     *ContextId `json:"root"`
			MaxDepth int        `json:"maxDepth"`
		}
		_ = json.Unmarshal(params, &p)
		tree, err := m.GetTree(p.Root, p.MaxDepth)
		if err != nil {
			return nil, err
		}
		return map[string]any{"contexts": tree}, nil

	case "browsingContext.create":
		var p struct {
			Type             CreateType `json:"type"`
			ReferenceContext *ContextId `json:"referenceContext"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		id, err := m.Create(ctx, p.Type, p.ReferenceContext)
		if err != nil {
			return nil, AsError(err)
		}
		return map[string]any{"context": id}, nil

	case "browsingContext.navigate":
		var p struct {
			Context ContextId `json:"context"`
			Url     string    `json:"url"`
			Wait    WaitMode  `json:"wait"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		return m.Navigate(ctx, p.Context, p.Url, p.Wait)

	case "browsingContext.reload":
		var p struct {
			Context     ContextId `json:"context"`
			IgnoreCache bool      `json:"ignoreCache"`
			Wait        WaitMode  `json:"wait"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		return m.Reload(ctx, p.Context, p.IgnoreCache, p.Wait)

	case "browsingContext.close":
		var p struct {
			Context ContextId `json:"context"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		if err := m.Close(ctx, p.Context); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "browsingContext.activate":
		var p struct {
			Context ContextId `json:"context"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		if err := m.Activate(ctx, p.Context); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "browsingContext.captureScreenshot":
		var p struct {
			Context ContextId `json:"context"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		data, err := m.CaptureScreenshot(ctx, p.Context)
		if err != nil {
			return nil, err
		}
		return map[string]any{"data": data}, nil

	case "browsingContext.print":
		var p struct {
			Context ContextId `json:"context"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		data, err := m.Print(ctx, p.Context)
		if err != nil {
			return nil, err
		}
		return map[string]any{"data": data}, nil

	case "browsingContext.findElement":
		var p struct {
			Context  ContextId `json:"context"`
			Selector string    `json:"selector"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		return m.FindElement(ctx, p.Context, p.Selector)

	case "browsingContext.setViewport":
		var p struct {
			Context  ContextId `json:"context"`
			Viewport *struct {
				Width  int `json:"width"`
				Height int `json:"height"`
			} `json:"viewport"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Viewport == nil {
			return nil, NewError(ErrInvalidArgument, "missing viewport")
		}
		if err := m.SetViewport(ctx, p.Context, p.Viewport.Width, p.Viewport.Height); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "browsingContext.handleUserPrompt":
		var p struct {
			Context  ContextId `json:"context"`
			Accept   bool      `json:"accept"`
			UserText string    `json:"userText"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		if err := m.HandleUserPrompt(ctx, p.Context, p.Accept, p.UserText); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "script.evaluate":
		var p struct {
			Expression string `json:"expression"`
			Target     struct {
				Context ContextId `json:"context"`
				Sandbox string    `json:"sandbox"`
			} `json:"target"`
			AwaitPromise    *bool            `json:"awaitPromise"`
			ResultOwnership *ResultOwnership `json:"resultOwnership"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		if p.AwaitPromise == nil {
			return nil, NewError(ErrInvalidArgument, "awaitPromise is required")
		}
		ownership := OwnershipNone
		if p.ResultOwnership != nil {
			ownership = *p.ResultOwnership
		}
		return m.Evaluate(ctx, p.Expression, p.Target.Context, p.Target.Sandbox, *p.AwaitPromise, ownership)

	case "script.callFunction":
		var p struct {
			FunctionDeclaration string `json:"functionDeclaration"`
			Target              struct {
				Context ContextId `json:"context"`
				Sandbox string    `json:"sandbox"`
			} `json:"target"`
			Arguments       []LocalValue     `json:"arguments"`
			AwaitPromise    *bool            `json:"awaitPromise"`
			ResultOwnership *ResultOwnership `json:"resultOwnership"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		if p.AwaitPromise == nil {
			return nil, NewError(ErrInvalidArgument, "awaitPromise is required")
		}
		ownership := OwnershipNone
		if p.ResultOwnership != nil {
			ownership = *p.ResultOwnership
		}
		return m.CallFunction(ctx, p.FunctionDeclaration, p.Target.Context, p.Target.Sandbox, p.Arguments, *p.AwaitPromise, ownership)

	case "script.disown":
		var p struct {
			Handle Handle `json:"handle"`
			Target struct {
				Context ContextId `json:"context"`
			} `json:"target"`
			Realm RealmId `json:"realm"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		realm := p.Realm
		if realm == "" {
			if r, ok := m.realms.DefaultRealm(p.Target.Context); ok {
				realm = r.ID
			}
		}
		if err := m.Disown(p.Target.Context, realm, p.Handle); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "script.getRealms":
		var p struct {
			Context *ContextId `json:"context"`
			Type    *RealmType `json:"type"`
		}
		_ = json.Unmarshal(params, &p)
		realms := m.GetRealms(p.Context, p.Type)
		out := make([]map[string]any, 0, len(realms))
		for _, r := range realms {
			out = append(out, map[string]any{
				"realm":   r.ID,
				"context": r.BrowsingContextID,
				"type":    r.Type,
				"origin":  r.Origin,
			})
		}
		return map[string]any{"realms": out}, nil

	case "script.addPreloadScript":
		var p struct {
			FunctionDeclaration string      `json:"functionDeclaration"`
			Contexts            []ContextId `json:"contexts"`
			Sandbox             string      `json:"sandbox"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		var ctxID *ContextId
		if len(p.Contexts) > 0 {
			ctxID = &p.Contexts[0]
		}
		id, err := m.AddPreloadScript(ctx, ctxID, p.FunctionDeclaration, p.Sandbox)
		if err != nil {
			return nil, err
		}
		return map[string]any{"script": id}, nil

	case "script.removePreloadScript":
		var p struct {
			Script BidiPreloadScriptId `json:"script"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		if err := m.RemovePreloadScript(ctx, p.Script); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "cdp.sendCommand":
		var p struct {
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
			Session SessionId       `json:"session"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		raw, err := m.SendCdpCommand(ctx, p.Method, p.Params, p.Session)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": raw}, nil

	case "cdp.getSession":
		var p struct {
			Context ContextId `json:"context"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrInvalidArgument, "%v", err)
		}
		session, err := m.GetCdpSession(p.Context)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": session}, nil

	default:
		return nil, NewError(ErrUnknownCommand, "unknown command %q", method)
	}
}

type subscribeParams struct {
	Events   []string    `json:"events"`
	Contexts []ContextId `json:"contexts"`
	Channel  string      `json:"channel"`
}
