package mapper

import (
	"context"
	"encoding/json"
)

// Mapper is the top-level instance owning every store: instance-scoped
// state owned by the command processor and passed by reference. One
// Mapper serves exactly one BiDi client over exactly one CDP connection.
type Mapper struct {
	conn         CdpConnection
	selfTargetID TargetId

	contexts *ContextStore
	realms   *RealmRegistry
	handles  *handleRegistry
	targets  *TargetRegistry
	preloads *PreloadScriptStore
	events   *EventManager
}

// New wires a Mapper around a live CdpConnection and the TargetId of the
// tab running the mapper itself (filtered out of attachment as the
// self-target).
func New(conn CdpConnection, selfTargetID TargetId, sink Sink) *Mapper {
	m := &Mapper{
		conn:         conn,
		selfTargetID: selfTargetID,
		handles:      newHandleRegistry(),
		targets:      NewTargetRegistry(),
	}
	m.events = NewEventManager(sink)
	m.contexts = NewContextStore(m.events)
	m.realms = NewRealmRegistry(m.handles)
	m.preloads = NewPreloadScriptStore(m.targets)

	m.events.SetContextValidator(m.contexts.HasContext)
	m.events.SetDomainEnabler(m.enableDomainFor)

	m.wireCdpEvents()
	return m
}

// Start enables browser-level Target auto-attach so existing and future
// targets flow through the attachment state machine.
func (m *Mapper) Start(ctx context.Context) error {
	_, err := m.conn.SendCommand(ctx, "Target.setAutoAttach", map[string]any{
		"autoAttach":             true,
		"waitForDebuggerOnStart": true,
		"flatten":                true,
	}, "")
	return err
}

// domainForEvent maps a BiDi event family to the CDP domain that must be
// enabled on a target's session to produce it.
var domainForEvent = map[string]string{
	"log.entryAdded": "Log",
}

func (m *Mapper) enableDomainFor(event string, ctx *ContextId) error {
	domain, ok := domainForEvent[event]
	if !ok {
		return nil // browsingContext.* / cdp.eventReceived need no extra domain
	}

	var sessions []SessionId
	if ctx != nil {
		bc, err := m.contexts.GetContext(*ctx)
		if err != nil {
			return err
		}
		sessions = []SessionId{bc.Session}
	} else {
		for _, bc := range m.contexts.GetTopLevelContexts() {
			sessions = append(sessions, bc.Session)
		}
	}

	for _, session := range sessions {
		adapter, ok := m.targets.Get(session)
		if !ok {
			continue
		}
		if err := adapter.EnableDomain(context.Background(), domain); err != nil {
			return err
		}
	}
	return nil
}

// wireCdpEvents registers the mapper's handlers for every CDP event the
// attachment/navigation/realm state machines react to.
func (m *Mapper) wireCdpEvents() {
	m.conn.Subscribe("Target.attachedToTarget", func(session SessionId, params json.RawMessage) {
		m.onAttachedToTarget(params)
	})
	m.conn.Subscribe("Target.detachedFromTarget", func(session SessionId, params json.RawMessage) {
		m.onDetachedFromTarget(params)
	})
	m.conn.Subscribe("Page.frameAttached", func(session SessionId, params json.RawMessage) {
		m.onFrameAttached(session, params)
	})
	m.conn.Subscribe("Page.frameDetached", func(session SessionId, params json.RawMessage) {
		m.onFrameDetached(session, params)
	})
	m.conn.Subscribe("Page.navigatedWithinDocument", func(session SessionId, params json.RawMessage) {
		m.onNavigatedWithinDocument(session, params)
	})
	m.conn.Subscribe("Page.lifecycleEvent", func(session SessionId, params json.RawMessage) {
		m.onLifecycleEvent(session, params)
	})
	m.conn.Subscribe("Page.frameNavigated", func(session SessionId, params json.RawMessage) {
		m.onFrameNavigated(session, params)
	})
	m.conn.Subscribe("Runtime.executionContextCreated", func(session SessionId, params json.RawMessage) {
		m.onExecutionContextCreated(session, params)
	})
	m.conn.Subscribe("Runtime.executionContextDestroyed", func(session SessionId, params json.RawMessage) {
		m.onExecutionContextDestroyed(session, params)
	})
	m.conn.Subscribe("Runtime.executionContextsCleared", func(session SessionId, params json.RawMessage) {
		m.realms.ClearSession(session)
	})
	m.conn.Subscribe("Log.entryAdded", func(session SessionId, params json.RawMessage) {
		m.events.RegisterEvent("log.entryAdded", nil, json.RawMessage(params))
	})
}

type targetInfo struct {
	TargetId string `json:"targetId"`
	Type     string `json:"type"`
}

// onAttachedToTarget filters the self-target and non-page targets, adopts
// OOPIF sessions onto
// existing contexts, or creates a brand-new top-level context, then always
// attaches the new session.
func (m *Mapper) onAttachedToTarget(params json.RawMessage) {
	var evt struct {
		SessionID          string     `json:"sessionId"`
		TargetInfo         targetInfo `json:"targetInfo"`
		WaitingForDebugger bool       `json:"waitingForDebugger"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}

	session := SessionId(evt.SessionID)
	targetID := ContextId(evt.TargetInfo.TargetId)

	if evt.TargetInfo.TargetId == string(m.selfTargetID) {
		// Release and drop: the mapper's own tab is never a context.
		_, _ = m.conn.SendCommand(context.Background(), "Runtime.runIfWaitingForDebugger", struct{}{}, session)
		_, _ = m.conn.SendCommand(context.Background(), "Target.detachFromTarget", map[string]any{"sessionId": evt.SessionID}, "")
		return
	}

	adapter := m.targets.GetOrCreate(session, m.conn)

	if m.contexts.HasContext(targetID) {
		// OOPIF: adopt the new session onto the existing context.
		bc, err := m.contexts.GetContext(targetID)
		if err == nil {
			bc.mu.Lock()
			bc.Session = session
			bc.targetUnblocked.cancel(nil)
			bc.targetUnblocked = newDeferred()
			bc.mu.Unlock()
		}
	} else if evt.TargetInfo.Type == "page" {
		bc := newBrowsingContext(targetID, "", session)
		_ = m.contexts.AddContext(bc)
	}

	go func() {
		ctx := context.Background()
		if err := adapter.Attach(ctx); err != nil {
			return
		}
		m.preloads.ApplyToNewTarget(ctx, session, targetID)
		if bc, berr := m.contexts.GetContext(targetID); berr == nil {
			bc.mu.Lock()
			bc.targetUnblocked.resolve()
			bc.mu.Unlock()
		}
	}()
}

func (m *Mapper) onDetachedFromTarget(params json.RawMessage) {
	var evt struct {
		SessionID string `json:"sessionId"`
		TargetId  string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	m.targets.Remove(SessionId(evt.SessionID))
	if evt.TargetId != "" {
		m.contexts.Delete(ContextId(evt.TargetId))
	}
}

// onFrameAttached creates a child context sharing its parent's session.
func (m *Mapper) onFrameAttached(session SessionId, params json.RawMessage) {
	var evt struct {
		FrameId       string `json:"frameId"`
		ParentFrameId string `json:"parentFrameId"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	if evt.ParentFrameId == "" || !m.contexts.HasContext(ContextId(evt.ParentFrameId)) {
		return
	}
	bc := newBrowsingContext(ContextId(evt.FrameId), ContextId(evt.ParentFrameId), session)
	bc.targetUnblocked.resolve() // frames share the parent target's attach sequence
	_ = m.contexts.AddContext(bc)
}

// onFrameDetached deletes the context unless the detach is an OOPIF
// handover, which the target-attached path re-binds instead.
func (m *Mapper) onFrameDetached(session SessionId, params json.RawMessage) {
	var evt struct {
		FrameId string `json:"frameId"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	if evt.Reason == "swap" {
		return
	}
	m.contexts.Delete(ContextId(evt.FrameId))
}

func (m *Mapper) onNavigatedWithinDocument(session SessionId, params json.RawMessage) {
	var evt struct {
		FrameId string `json:"frameId"`
		URL     string `json:"url"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	bc, err := m.contexts.GetContext(ContextId(evt.FrameId))
	if err != nil {
		return
	}
	bc.mu.Lock()
	bc.URL = evt.URL
	bc.navigatedWithinDoc.resolve()
	bc.mu.Unlock()
}

func (m *Mapper) onFrameNavigated(session SessionId, params json.RawMessage) {
	var evt struct {
		Frame struct {
			Id       string `json:"id"`
			LoaderId string `json:"loaderId"`
			Url      string `json:"url"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	bc, err := m.contexts.GetContext(ContextId(evt.Frame.Id))
	if err != nil {
		return
	}
	bc.mu.Lock()
	bc.URL = evt.Frame.Url
	changed := bc.DocumentID != evt.Frame.LoaderId
	bc.mu.Unlock()
	if changed {
		bc.documentChanged(evt.Frame.LoaderId)
	}
}

func (m *Mapper) onLifecycleEvent(session SessionId, params json.RawMessage) {
	var evt struct {
		FrameId  string `json:"frameId"`
		LoaderId string `json:"loaderId"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	bc, err := m.contexts.GetContext(ContextId(evt.FrameId))
	if err != nil {
		return
	}

	switch evt.Name {
	case "init":
		bc.mu.Lock()
		bc.documentInitialized.resolve()
		bc.mu.Unlock()
	case "DOMContentLoaded":
		bc.mu.Lock()
		bc.domContentLoaded.resolve()
		bc.mu.Unlock()
		m.events.EmitGlobal("browsingContext.domContentLoaded", map[string]any{
			"context": bc.ID, "url": bc.URL, "navigation": evt.LoaderId,
		}, bc.ID)
	case "load":
		bc.mu.Lock()
		bc.load.resolve()
		bc.mu.Unlock()
		m.events.EmitGlobal("browsingContext.load", map[string]any{
			"context": bc.ID, "url": bc.URL, "navigation": evt.LoaderId,
		}, bc.ID)
	}
}

func (m *Mapper) onExecutionContextCreated(session SessionId, params json.RawMessage) {
	var evt struct {
		Context struct {
			Id      int64  `json:"id"`
			Origin  string `json:"origin"`
			AuxData struct {
				FrameId   string `json:"frameId"`
				IsDefault bool   `json:"isDefault"`
			} `json:"auxData"`
			Name string `json:"name"`
		} `json:"context"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	if evt.Context.AuxData.FrameId == "" || !m.contexts.HasContext(ContextId(evt.Context.AuxData.FrameId)) {
		return
	}
	if !evt.Context.AuxData.IsDefault && evt.Context.Name == "" {
		return
	}

	sandbox := ""
	typ := RealmWindow
	if !evt.Context.AuxData.IsDefault {
		sandbox = evt.Context.Name
	}
	m.realms.Create(ContextId(evt.Context.AuxData.FrameId), session, evt.Context.Id, evt.Context.Origin, typ, sandbox)
}

func (m *Mapper) onExecutionContextDestroyed(session SessionId, params json.RawMessage) {
	var evt struct {
		ExecutionContextId int64 `json:"executionContextId"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	m.realms.Destroy(session, evt.ExecutionContextId)
}
