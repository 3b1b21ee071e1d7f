package mapper

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
)

// bufferCapacity gives the retained-event capacity for event families that
// are buffered; any event name absent from this table is pure fan-out
// (spec.md §4.8, §9 "Event buffering boundary").
var bufferCapacity = map[string]int{
	"log.entryAdded": 100,
}

// bufferedEvent is what a ring buffer stores: enough to replay an event to
// a late subscriber in original (method, params) shape.
type bufferedEvent struct {
	id     uint64
	ctx    *ContextId
	method string
	params json.RawMessage
}

type eventKey struct {
	method string
	ctx    ContextId // "" ⇒ global bucket key for buffers keyed by (method, nil)
}

// subscription is one (eventName, contextId|null, channel|null) tuple.
type subscription struct {
	event   string
	context *ContextId
	channel string
}

// Sink receives rendered BiDi event JSON for delivery to the client over
// the wire transport (C1). The event manager doesn't know about transports
// directly; cmd/bidimapperd wires a Sink that calls into the wire codec.
type Sink interface {
	SendEvent(method string, params any, channel string)
}

// EventManager is C8: the subscription graph, per-event buffers and
// ordered fan-out to channels described in spec.md §4.8.
type EventManager struct {
	mu            sync.Mutex
	nextID        uint64
	subscriptions []subscription
	buffers       map[eventKey]*ringBuffer[bufferedEvent]
	lastSent      map[string]uint64 // key: method|context|channel

	sink Sink
	// domainEnabler is invoked the first time a subscription needs a CDP
	// domain enabled for a target, e.g. network.* -> Network.enable.
	domainEnabler func(event string, ctx *ContextId) error
	hasContext    func(ContextId) bool
}

func NewEventManager(sink Sink) *EventManager {
	return &EventManager{
		buffers:  make(map[eventKey]*ringBuffer[bufferedEvent]),
		lastSent: make(map[string]uint64),
		sink:     sink,
	}
}

// SetDomainEnabler wires the callback used to lazily enable CDP domains
// backing an event family on subscribe (spec.md §4.8 step 2, §5).
func (m *EventManager) SetDomainEnabler(f func(event string, ctx *ContextId) error) {
	m.domainEnabler = f
}

// SetContextValidator wires the context-existence check subscribe uses.
func (m *EventManager) SetContextValidator(f func(ContextId) bool) {
	m.hasContext = f
}

func lastSentKey(event string, ctx *ContextId, channel string) string {
	c := ""
	if ctx != nil {
		c = string(*ctx)
	}
	return event + "\x00" + c + "\x00" + channel
}

// RegisterEvent is the general entry point CDP-driven state changes (and
// BiDi-native events like browsingContext.contextCreated) call to publish
// an event. It assigns a monotonic id, buffers the event if its family is
// buffered, and fans it out to every currently-subscribed channel.
func (m *EventManager) RegisterEvent(method string, ctx *ContextId, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}

	m.mu.Lock()
	id := atomic.AddUint64(&m.nextID, 1)

	if cap, buffered := bufferCapacity[method]; buffered {
		key := bufferKeyFor(method, ctx)
		buf, ok := m.buffers[key]
		if !ok {
			buf = newRingBuffer[bufferedEvent](cap)
			m.buffers[key] = buf
		}
		buf.push(bufferedEvent{id: id, ctx: ctx, method: method, params: raw})
	}

	channels := m.channelsFor(method, ctx)
	for _, ch := range channels {
		m.lastSent[lastSentKey(method, ctx, ch)] = id
	}
	m.mu.Unlock()

	for _, ch := range channels {
		m.sink.SendEvent(method, params, ch)
	}
}

// EmitGlobal is the convenience path for browsingContext.* lifecycle
// events, which always target the "global or matching context" audience.
func (m *EventManager) EmitGlobal(method string, params any, ctx ContextId) {
	m.RegisterEvent(method, &ctx, params)
}

func bufferKeyFor(method string, ctx *ContextId) eventKey {
	if ctx == nil {
		return eventKey{method: method}
	}
	return eventKey{method: method, ctx: *ctx}
}

// channelsFor computes, in priority order, which channels are currently
// subscribed to (event, ctx): exact-context subscriptions before global
// ones, matching the teacher's SessionManager FindByQuery fallback
// ordering style (exact match first, substring fallback).
func (m *EventManager) channelsFor(event string, ctx *ContextId) []string {
	var exact, global []string
	for _, sub := range m.subscriptions {
		if sub.event != event {
			continue
		}
		if sub.context == nil {
			global = append(global, sub.channel)
			continue
		}
		if ctx != nil && *sub.context == *ctx {
			exact = append(exact, sub.channel)
		}
	}
	return append(exact, global...)
}

// Subscribe validates contexts, enables backing CDP domains, records the
// subscription and replays buffered events per spec.md §4.8.
func (m *EventManager) Subscribe(events []string, contexts []ContextId, channel string) *Error {
	var ctxPtrs []*ContextId
	if len(contexts) == 0 {
		ctxPtrs = []*ContextId{nil}
	} else {
		for _, c := range contexts {
			if m.hasContext != nil && !m.hasContext(c) {
				return NewError(ErrNoSuchFrame, "no such frame: %s", c)
			}
			cc := c
			ctxPtrs = append(ctxPtrs, &cc)
		}
	}

	for _, event := range events {
		for _, ctx := range ctxPtrs {
			if m.domainEnabler != nil {
				if err := m.domainEnabler(event, ctx); err != nil {
					return NewError(ErrUnknown, "%v", err)
				}
			}

			m.mu.Lock()
			m.subscriptions = append(m.subscriptions, subscription{event: event, context: ctx, channel: channel})
			m.mu.Unlock()

			m.replay(event, ctx, channel)
		}
	}
	return nil
}

// replay resends buffered events with id greater than lastSent for this
// channel, in ascending id order. A nil context replays across every
// known context bucket for that event, merged by id.
func (m *EventManager) replay(event string, ctx *ContextId, channel string) {
	m.mu.Lock()
	since := m.lastSent[lastSentKey(event, ctx, channel)]

	var merged []bufferedEvent
	if ctx != nil {
		if buf, ok := m.buffers[bufferKeyFor(event, ctx)]; ok {
			merged = buf.all()
		}
	} else {
		for key, buf := range m.buffers {
			if key.method == event {
				merged = append(merged, buf.all()...)
			}
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].id < merged[j].id })
	}

	var toSend []bufferedEvent
	var maxID uint64 = since
	for _, e := range merged {
		if e.id > since {
			toSend = append(toSend, e)
			if e.id > maxID {
				maxID = e.id
			}
		}
	}
	if len(toSend) > 0 {
		m.lastSent[lastSentKey(event, ctx, channel)] = maxID
	}
	m.mu.Unlock()

	for _, e := range toSend {
		m.sink.SendEvent(e.method, e.params, channel)
	}
}

// Unsubscribe removes matching (event, context, channel) tuples. Does not
// disable any CDP domain (spec.md §4.8: other subscribers may still rely
// on it).
func (m *EventManager) Unsubscribe(events []string, contexts []ContextId, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := func(sub subscription) bool {
		eventMatches := false
		for _, e := range events {
			if e == sub.event {
				eventMatches = true
				break
			}
		}
		if !eventMatches || sub.channel != channel {
			return false
		}
		if len(contexts) == 0 {
			return sub.context == nil
		}
		if sub.context == nil {
			return false
		}
		for _, c := range contexts {
			if c == *sub.context {
				return true
			}
		}
		return false
	}

	kept := m.subscriptions[:0]
	for _, sub := range m.subscriptions {
		if !match(sub) {
			kept = append(kept, sub)
		}
	}
	m.subscriptions = kept
}
