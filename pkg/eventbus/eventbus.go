// Package eventbus provides the in-process pub/sub bus that delivers
// typed lifecycle events to subscribed handlers.
//
// Emission is synchronous: handlers run on the emitting goroutine, in
// subscription order. A failing handler is logged and skipped; it never
// aborts the emitting operation. Concurrent emissions from parallel
// executors are each atomic with respect to the handler list but are not
// globally serialised.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a lifecycle event. The set is closed.
type EventType string

const (
	WorkflowStart    EventType = "workflow_start"
	WorkflowStep     EventType = "workflow_step"
	WorkflowComplete EventType = "workflow_complete"
	WorkflowError    EventType = "workflow_error"
	AgentStart       EventType = "agent_start"
	AgentResponse    EventType = "agent_response"
	AgentRunStart    EventType = "agent_run_start"
	AgentRunComplete EventType = "agent_run_complete"
	ToolCallStart    EventType = "tool_call_start"
	ToolCallComplete EventType = "tool_call_complete"
	ToolCallError    EventType = "tool_call_error"

	// Wildcard subscribes a handler to every event type.
	Wildcard EventType = "*"
)

// Event is a single bus emission. Data keys are fixed per event type.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
	Metadata  map[string]any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, data map[string]any) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Handler receives events. A returned error is logged; it does not stop
// delivery to later handlers.
type Handler func(Event) error

// SubscriptionID identifies a subscription for removal.
type SubscriptionID int64

type subscription struct {
	id      SubscriptionID
	types   map[EventType]bool
	all     bool
	handler Handler
}

// Bus delivers events to handlers synchronously and in order.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  SubscriptionID
	enabled bool
}

// New creates an enabled bus with no subscribers.
func New() *Bus {
	return &Bus{enabled: true}
}

// Subscribe registers a handler for the given event types. With no types
// (or an explicit Wildcard) the handler receives every event exactly once
// per emission. Handlers fire in subscription order.
func (b *Bus) Subscribe(handler Handler, types ...EventType) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{
		id:      b.nextID,
		handler: handler,
	}

	if len(types) == 0 {
		sub.all = true
	} else {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			if t == Wildcard {
				sub.all = true
				sub.types = nil
				break
			}
			sub.types[t] = true
		}
	}

	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes a subscription. Returns false when the id is
// unknown.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers the event to every matching handler in subscription
// order. A disabled bus drops events silently.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	if !b.enabled {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range subs {
		if !sub.all && !sub.types[event.Type] {
			continue
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"subscription", sub.id,
				"panic", r)
		}
	}()

	if err := sub.handler(event); err != nil {
		slog.Warn("event handler failed",
			"event_type", event.Type,
			"subscription", sub.id,
			"error", err)
	}
}

// Enable turns event delivery on.
func (b *Bus) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = true
}

// Disable drops all subsequent emissions until Enable is called.
func (b *Bus) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = false
}

// Enabled reports whether the bus delivers events.
func (b *Bus) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// Reset removes every subscription and re-enables the bus. Intended for
// tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.enabled = true
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
