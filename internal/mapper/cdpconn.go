package mapper

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/chromectl/bidimapper/internal/cdp"
)

// CdpConnection is the external collaborator interface the mapper core
// depends on: a single SendCommand(method, params, session) -> json, where
// the session argument selects between the browser-level client and a
// per-target session, plus event subscription. CdpClientConnection below
// is the concrete adapter over cdp.Client.
type CdpConnection interface {
	// SendCommand issues a CDP command. A zero-value session sends a
	// browser-level command (no sessionId on the wire); a non-empty
	// session flattens the command into that target's session.
	SendCommand(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error)

	// Subscribe registers a handler for a CDP event name across every
	// session (the handler itself filters by SessionId when it cares).
	Subscribe(method string, handler func(session SessionId, params json.RawMessage))
}

// CdpClientConnection adapts a *cdp.Client, as dialed against a single
// browser endpoint, to the CdpConnection interface the mapper core
// consumes. It keeps the (method, handler) pairs it has registered so
// that Swap can replay them onto a freshly reconnected client without
// the mapper itself ever re-subscribing.
type CdpClientConnection struct {
	mu       sync.RWMutex
	client   *cdp.Client
	handlers []cdpSubscription
}

type cdpSubscription struct {
	method  string
	handler func(session SessionId, params json.RawMessage)
}

// NewCdpClientConnection wraps an already-connected CDP client.
func NewCdpClientConnection(client *cdp.Client) *CdpClientConnection {
	return &CdpClientConnection{client: client}
}

func (c *CdpClientConnection) SendCommand(ctx context.Context, method string, params any, session SessionId) (json.RawMessage, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if session == "" {
		return client.SendContext(ctx, method, params)
	}
	return client.SendToSession(ctx, string(session), method, params)
}

func (c *CdpClientConnection) Subscribe(method string, handler func(session SessionId, params json.RawMessage)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, cdpSubscription{method: method, handler: handler})
	client := c.client
	c.mu.Unlock()
	client.Subscribe(method, func(evt cdp.Event) {
		handler(SessionId(evt.SessionID), evt.Params)
	})
}

// Swap replaces the underlying client after a reconnect, re-registering
// every handler Subscribe has collected so far onto it.
func (c *CdpClientConnection) Swap(client *cdp.Client) {
	c.mu.Lock()
	c.client = client
	handlers := append([]cdpSubscription(nil), c.handlers...)
	c.mu.Unlock()

	for _, s := range handlers {
		h := s.handler
		client.Subscribe(s.method, func(evt cdp.Event) {
			h(SessionId(evt.SessionID), evt.Params)
		})
	}
}
