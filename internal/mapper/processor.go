package mapper

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// WaitMode selects how long browsingContext.navigate/reload wait before
// returning.
type WaitMode string

const (
	WaitNone        WaitMode = "none"
	WaitInteractive WaitMode = "interactive"
	WaitComplete    WaitMode = "complete"
)

// CreateType selects whether browsingContext.create opens a tab or window.
type CreateType string

const (
	CreateTab    CreateType = "tab"
	CreateWindow CreateType = "window"
)

// Create implements browsingContext.create.
func (m *Mapper) Create(ctx context.Context, typ CreateType, referenceContext *ContextId) (ContextId, error) {
	if referenceContext != nil {
		top, ok := m.contexts.FindTopLevelContextID(*referenceContext)
		if !ok || top != *referenceContext {
			return "", NewError(ErrInvalidArgument, "referenceContext is not top-level")
		}
	}

	raw, err := m.conn.SendCommand(ctx, "Target.createTarget", map[string]any{
		"url":       "about:blank",
		"newWindow": typ == CreateWindow,
	}, "")
	if err != nil {
		return "", AsError(err)
	}
	var result struct {
		TargetId string `json:"targetId"`
	}
	if jerr := json.Unmarshal(raw, &result); jerr != nil {
		return "", NewError(ErrUnknown, "malformed createTarget result: %v", jerr)
	}

	newID := ContextId(result.TargetId)
	// Await the context being registered by the attachment state machine,
	// then its initial load, so a client's immediately-following navigate
	// can't race the about:blank lifecycle events.
	bc, werr := m.awaitContext(ctx, newID)
	if werr != nil {
		return "", werr
	}
	if err := bc.load.wait(ctx); err != nil {
		return "", NewError(ErrUnknown, "%v", err)
	}
	return newID, nil
}

// awaitContext polls for a context to appear in the store, bounded by ctx,
// since Target.createTarget returns before the corresponding
// Target.attachedToTarget event necessarily lands.
func (m *Mapper) awaitContext(ctx context.Context, id ContextId) (*BrowsingContext, *Error) {
	if bc, err := m.contexts.GetContext(id); err == nil {
		return bc, nil
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, NewError(ErrUnknown, "timed out waiting for context %s", id)
		case <-ticker.C:
			if bc, err := m.contexts.GetContext(id); err == nil {
				return bc, nil
			}
		}
	}
}

// GetTree implements browsingContext.getTree.
func (m *Mapper) GetTree(root *ContextId, maxDepth int) ([]*contextTreeNode, *Error) {
	return m.contexts.Tree(root, maxDepth)
}

// NavigateResult is the result of navigate/reload.
type NavigateResult struct {
	Navigation *string `json:"navigation"`
	URL        string  `json:"url"`
}

// Navigate implements browsingContext.navigate.
func (m *Mapper) Navigate(ctx context.Context, contextID ContextId, url string, wait WaitMode) (*NavigateResult, *Error) {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return nil, err
	}

	raw, serr := m.conn.SendCommand(ctx, "Page.navigate", map[string]any{"url": url}, bc.Session)
	if serr != nil {
		return nil, AsError(serr)
	}
	var result struct {
		LoaderId  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	if jerr := json.Unmarshal(raw, &result); jerr != nil {
		return nil, NewError(ErrUnknown, "malformed Page.navigate result: %v", jerr)
	}
	if result.ErrorText != "" {
		return nil, NewError(ErrUnknown, "%s", result.ErrorText)
	}

	sameDocument := result.LoaderId == "" || result.LoaderId == bc.DocumentID
	if !sameDocument {
		bc.documentChanged(result.LoaderId)
	}

	if werr := m.awaitNavigation(ctx, bc, sameDocument, wait); werr != nil {
		return nil, werr
	}

	var nav *string
	if result.LoaderId != "" {
		nav = &result.LoaderId
	}
	return &NavigateResult{Navigation: nav, URL: bc.URL}, nil
}

// Reload implements browsingContext.reload: identical waiting semantics,
// Page.reload in place of Page.navigate.
func (m *Mapper) Reload(ctx context.Context, contextID ContextId, ignoreCache bool, wait WaitMode) (*NavigateResult, *Error) {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return nil, err
	}

	if _, serr := m.conn.SendCommand(ctx, "Page.reload", map[string]any{"ignoreCache": ignoreCache}, bc.Session); serr != nil {
		return nil, AsError(serr)
	}

	if werr := m.awaitNavigation(ctx, bc, false, wait); werr != nil {
		return nil, werr
	}
	var nav *string
	if bc.DocumentID != "" {
		id := bc.DocumentID
		nav = &id
	}
	return &NavigateResult{Navigation: nav, URL: bc.URL}, nil
}

func (m *Mapper) awaitNavigation(ctx context.Context, bc *BrowsingContext, sameDocument bool, wait WaitMode) *Error {
	var d *deferred
	switch wait {
	case WaitNone:
		return nil
	case WaitInteractive:
		if sameDocument {
			d = bc.navigatedWithinDoc
		} else {
			d = bc.domContentLoaded
		}
	case WaitComplete:
		if sameDocument {
			d = bc.navigatedWithinDoc
		} else {
			d = bc.load
		}
	default:
		return NewError(ErrInvalidArgument, "invalid wait mode %q", wait)
	}
	if err := d.wait(ctx); err != nil {
		return NewError(ErrUnknown, "%v", err)
	}
	return nil
}

// Close implements browsingContext.close, per spec.md §4.6.
func (m *Mapper) Close(ctx context.Context, contextID ContextId) *Error {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return err
	}
	if bc.ParentID != "" {
		return NewError(ErrInvalidArgument, "context is not top-level")
	}

	// contexts.Delete is invoked by the shared Target.detachedFromTarget
	// handler (see onDetachedFromTarget); poll for the context's
	// disappearance as the stand-in for a "detachedFromTargetPromise".
	detached := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for m.contexts.HasContext(contextID) {
			select {
			case <-ctx.Done():
				close(detached)
				return
			case <-ticker.C:
			}
		}
		close(detached)
	}()

	_, serr := m.conn.SendCommand(ctx, "Target.closeTarget", map[string]any{"targetId": string(contextID)}, "")
	if serr != nil && !isNotAttachedError(serr) {
		return AsError(serr)
	}

	select {
	case <-detached:
	case <-ctx.Done():
		return NewError(ErrUnknown, "%v", ctx.Err())
	}
	return nil
}

func isNotAttachedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Not attached to an active page")
}

// EvaluateResult is the result of script.evaluate/callFunction.
type EvaluateResult struct {
	Result           RemoteValue     `json:"result"`
	Realm            RealmId         `json:"realm"`
	ExceptionDetails json.RawMessage `json:"exceptionDetails,omitempty"`
}

// getOrCreateSandbox resolves the realm script.evaluate/callFunction
// should target, per spec.md §4.3. An empty sandbox name is the context's
// default window realm. A named sandbox reuses the realm from a prior
// call if one exists; otherwise it synthesizes a new isolated world via
// Page.createIsolatedWorld and awaits the matching
// Runtime.executionContextCreated event before returning.
func (m *Mapper) getOrCreateSandbox(ctx context.Context, contextID ContextId, sandbox string) (*Realm, *Error) {
	if sandbox == "" {
		realm, ok := m.realms.DefaultRealm(contextID)
		if !ok {
			return nil, NewError(ErrUnknown, "no default realm for context %s", contextID)
		}
		return realm, nil
	}

	if realm, ok := m.realms.FindSandbox(contextID, sandbox); ok {
		return realm, nil
	}

	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return nil, err
	}

	_, serr := m.conn.SendCommand(ctx, "Page.createIsolatedWorld", map[string]any{
		"frameId":             string(contextID),
		"worldName":           sandbox,
		"grantUniveralAccess": true,
	}, bc.Session)
	if serr != nil {
		return nil, AsError(serr)
	}

	realm, werr := m.realms.waitForSandbox(ctx, contextID, sandbox)
	if werr != nil {
		return nil, NewError(ErrUnknown, "%v", werr)
	}
	return realm, nil
}

// Evaluate implements script.evaluate, gated on targetUnblocked per
// spec.md §5. An empty sandbox targets the context's default (window)
// realm; a non-empty one resolves or synthesizes the named sandbox realm
// per spec.md §4.3's getOrCreateSandbox.
func (m *Mapper) Evaluate(ctx context.Context, expression string, contextID ContextId, sandbox string, awaitPromise bool, ownership ResultOwnership) (*EvaluateResult, *Error) {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return nil, err
	}
	if werr := bc.targetUnblocked.wait(ctx); werr != nil {
		return nil, NewError(ErrUnknown, "%v", werr)
	}

	realm, rerr := m.getOrCreateSandbox(ctx, contextID, sandbox)
	if rerr != nil {
		return nil, rerr
	}

	raw, serr := m.conn.SendCommand(ctx, "Runtime.evaluate", map[string]any{
		"expression":             expression,
		"contextId":              realm.ExecutionContextID,
		"awaitPromise":           awaitPromise,
		"generateWebDriverValue": true,
	}, bc.Session)
	if serr != nil {
		return nil, AsError(serr)
	}
	return m.buildEvaluateResult(ctx, raw, realm, ownership, 0)
}

// CallFunction implements script.callFunction. See Evaluate for sandbox
// resolution.
func (m *Mapper) CallFunction(ctx context.Context, functionDeclaration string, contextID ContextId, sandbox string, args []LocalValue, awaitPromise bool, ownership ResultOwnership) (*EvaluateResult, *Error) {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return nil, err
	}
	if werr := bc.targetUnblocked.wait(ctx); werr != nil {
		return nil, NewError(ErrUnknown, "%v", werr)
	}
	realm, rerr := m.getOrCreateSandbox(ctx, contextID, sandbox)
	if rerr != nil {
		return nil, rerr
	}

	cdpArgs := make([]*cdpCallArgument, 0, len(args))
	for _, a := range args {
		arg, aerr := deserialize(ctx, m.conn, bc.Session, realm.ExecutionContextID, m.handles, realm.ID, a)
		if aerr != nil {
			return nil, aerr
		}
		cdpArgs = append(cdpArgs, arg)
	}

	raw, serr := m.conn.SendCommand(ctx, "Runtime.callFunctionOn", map[string]any{
		"functionDeclaration":    functionDeclaration,
		"executionContextId":     realm.ExecutionContextID,
		"arguments":              cdpArgs,
		"awaitPromise":           awaitPromise,
		"generateWebDriverValue": true,
	}, bc.Session)
	if serr != nil {
		return nil, AsError(serr)
	}
	// callFunction's wrapper adds one line; evaluate subtracts zero (spec.md §4.2.3).
	return m.buildEvaluateResult(ctx, raw, realm, ownership, 1)
}

func (m *Mapper) buildEvaluateResult(ctx context.Context, raw json.RawMessage, realm *Realm, ownership ResultOwnership, lineAdjust int) (*EvaluateResult, *Error) {
	var result struct {
		Result           json.RawMessage `json:"result"`
		ExceptionDetails json.RawMessage `json:"exceptionDetails,omitempty"`
		WebDriverValue   json.RawMessage `json:"webDriverValue,omitempty"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewError(ErrUnknown, "malformed evaluate result: %v", err)
	}

	if len(result.ExceptionDetails) > 0 {
		details := m.buildExceptionDetails(ctx, result.ExceptionDetails, realm, lineAdjust)
		return &EvaluateResult{Realm: realm.ID, ExceptionDetails: details}, nil
	}

	var obj cdpRemoteObject
	_ = json.Unmarshal(result.Result, &obj)
	var wdv json.RawMessage
	var inner struct {
		WebDriverValue json.RawMessage `json:"webDriverValue"`
	}
	if err := json.Unmarshal(result.Result, &inner); err == nil {
		wdv = inner.WebDriverValue
	}
	rv := serialize(ctx, m.conn, realm.Session, obj, wdv, realm.ID, ownership, m.handles)
	return &EvaluateResult{Result: rv, Realm: realm.ID}, nil
}

// bidiExceptionDetails is spec.md §4.2.3's exceptionDetails shape: a BiDi
// RemoteValue exception (run through the C2 serializer, not passed through
// as a raw CDP RemoteObject), a preference-ordered text, and line/column
// numbers adjusted for the calling wrapper.
type bidiExceptionDetails struct {
	Exception    RemoteValue `json:"exception"`
	Text         string      `json:"text"`
	ColumnNumber int         `json:"columnNumber"`
	LineNumber   int         `json:"lineNumber"`
	StackTrace   struct {
		CallFrames json.RawMessage `json:"callFrames"`
	} `json:"stackTrace"`
}

// buildExceptionDetails reshapes a CDP Runtime.ExceptionDetails payload
// into bidiExceptionDetails per spec.md §4.2.3. If raw doesn't parse as
// CDP's shape, it is returned unchanged rather than dropped.
func (m *Mapper) buildExceptionDetails(ctx context.Context, raw json.RawMessage, realm *Realm, lineAdjust int) json.RawMessage {
	var cdpDetails struct {
		LineNumber   int `json:"lineNumber"`
		ColumnNumber int `json:"columnNumber"`
		StackTrace   struct {
			CallFrames json.RawMessage `json:"callFrames"`
		} `json:"stackTrace"`
		Exception json.RawMessage `json:"exception"`
	}
	if err := json.Unmarshal(raw, &cdpDetails); err != nil {
		return raw
	}

	var obj cdpRemoteObject
	_ = json.Unmarshal(cdpDetails.Exception, &obj)

	// exceptionText's String(this) fallback needs the live objectId, so it
	// must run before serialize (which, at OwnershipNone, releases it).
	text := m.exceptionText(ctx, obj, realm.Session, raw)

	d := bidiExceptionDetails{
		Exception:    serialize(ctx, m.conn, realm.Session, obj, nil, realm.ID, OwnershipNone, m.handles),
		Text:         text,
		ColumnNumber: cdpDetails.ColumnNumber,
		LineNumber:   cdpDetails.LineNumber - lineAdjust,
	}
	d.StackTrace.CallFrames = cdpDetails.StackTrace.CallFrames

	out, err := json.Marshal(d)
	if err != nil {
		return raw
	}
	return out
}

// exceptionText picks exceptionDetails.text per spec.md §4.2.3's
// preference order: the thrown object's description, its stringified
// value, a live String(obj) call against the browser, and finally the raw
// CDP exception-details JSON once every BiDi-native option is exhausted.
func (m *Mapper) exceptionText(ctx context.Context, obj cdpRemoteObject, session SessionId, rawDetails json.RawMessage) string {
	if obj.Description != "" {
		return obj.Description
	}
	if len(obj.Value) > 0 {
		var v any
		if err := json.Unmarshal(obj.Value, &v); err == nil {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return string(obj.Value)
	}
	if obj.ObjectId != "" {
		raw, err := m.conn.SendCommand(ctx, "Runtime.callFunctionOn", map[string]any{
			"functionDeclaration": "function(){ return String(this); }",
			"objectId":            obj.ObjectId,
		}, session)
		if err == nil {
			var result struct {
				Result struct {
					Value json.RawMessage `json:"value"`
				} `json:"result"`
			}
			if jerr := json.Unmarshal(raw, &result); jerr == nil && len(result.Result.Value) > 0 {
				var s string
				if jerr := json.Unmarshal(result.Result.Value, &s); jerr == nil {
					return s
				}
			}
		}
	}
	return string(rawDetails)
}

// Disown implements script.disown.
func (m *Mapper) Disown(contextID ContextId, realmID RealmId, handle Handle) *Error {
	m.handles.disown(handle, realmID)
	return nil
}

// GetRealms implements script.getRealms.
func (m *Mapper) GetRealms(contextID *ContextId, realmType *RealmType) []*Realm {
	return m.realms.GetRealms(contextID, realmType)
}

// FindElement implements browsingContext.findElement as a callFunction on
// document.querySelector, per spec.md §4.6.
func (m *Mapper) FindElement(ctx context.Context, contextID ContextId, selector string) (*EvaluateResult, *Error) {
	selJSON, _ := json.Marshal(selector)
	arg := LocalValue{Type: "string", Value: selJSON}
	return m.CallFunction(ctx, "function(sel){ return document.querySelector(sel); }", contextID, "", []LocalValue{arg}, false, OwnershipRoot)
}

// CaptureScreenshot implements browsingContext.captureScreenshot.
func (m *Mapper) CaptureScreenshot(ctx context.Context, contextID ContextId) (string, *Error) {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return "", err
	}
	raw, serr := m.conn.SendCommand(ctx, "Page.captureScreenshot", struct{}{}, bc.Session)
	if serr != nil {
		return "", AsError(serr)
	}
	var result struct {
		Data string `json:"data"`
	}
	_ = json.Unmarshal(raw, &result)
	return result.Data, nil
}

// Print implements browsingContext.print.
func (m *Mapper) Print(ctx context.Context, contextID ContextId) (string, *Error) {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return "", err
	}
	raw, serr := m.conn.SendCommand(ctx, "Page.printToPDF", struct{}{}, bc.Session)
	if serr != nil {
		return "", AsError(serr)
	}
	var result struct {
		Data string `json:"data"`
	}
	_ = json.Unmarshal(raw, &result)
	return result.Data, nil
}

// SetViewport implements browsingContext.setViewport; top-level only.
func (m *Mapper) SetViewport(ctx context.Context, contextID ContextId, width, height int) *Error {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return err
	}
	if bc.ParentID != "" {
		return NewError(ErrInvalidArgument, "setViewport requires a top-level context")
	}
	_, serr := m.conn.SendCommand(ctx, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width": width, "height": height, "deviceScaleFactor": 0, "mobile": false,
	}, bc.Session)
	if serr != nil {
		return AsError(serr)
	}
	return nil
}

// Activate implements browsingContext.activate; top-level only.
func (m *Mapper) Activate(ctx context.Context, contextID ContextId) *Error {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return err
	}
	if bc.ParentID != "" {
		return NewError(ErrInvalidArgument, "activate requires a top-level context")
	}
	_, serr := m.conn.SendCommand(ctx, "Page.bringToFront", struct{}{}, bc.Session)
	if serr != nil {
		return AsError(serr)
	}
	return nil
}

// HandleUserPrompt implements browsingContext.handleUserPrompt.
func (m *Mapper) HandleUserPrompt(ctx context.Context, contextID ContextId, accept bool, promptText string) *Error {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return err
	}
	params := map[string]any{"accept": accept}
	if promptText != "" {
		params["promptText"] = promptText
	}
	_, serr := m.conn.SendCommand(ctx, "Page.handleJavaScriptDialog", params, bc.Session)
	if serr != nil {
		return AsError(serr)
	}
	return nil
}

// AddPreloadScript implements script.addPreloadScript.
func (m *Mapper) AddPreloadScript(ctx context.Context, contextID *ContextId, functionDeclaration, sandbox string) (BidiPreloadScriptId, *Error) {
	var sessions []SessionId
	if contextID != nil {
		bc, err := m.contexts.GetContext(*contextID)
		if err != nil {
			return "", err
		}
		sessions = []SessionId{bc.Session}
	} else {
		for _, bc := range m.contexts.GetTopLevelContexts() {
			sessions = append(sessions, bc.Session)
		}
	}
	return m.preloads.AddPreloadScript(ctx, contextID, functionDeclaration, sandbox, sessions)
}

// RemovePreloadScript implements script.removePreloadScript.
func (m *Mapper) RemovePreloadScript(ctx context.Context, id BidiPreloadScriptId) *Error {
	return m.preloads.RemovePreloadScript(ctx, id)
}

// SendCdpCommand implements the cdp.sendCommand escape hatch of spec.md
// §4.9/§6.
func (m *Mapper) SendCdpCommand(ctx context.Context, method string, params json.RawMessage, session SessionId) (json.RawMessage, *Error) {
	raw, err := m.conn.SendCommand(ctx, method, params, session)
	if err != nil {
		return nil, AsError(err)
	}
	return raw, nil
}

// GetCdpSession implements cdp.getSession.
func (m *Mapper) GetCdpSession(contextID ContextId) (SessionId, *Error) {
	bc, err := m.contexts.GetContext(contextID)
	if err != nil {
		return "", err
	}
	return bc.Session, nil
}
