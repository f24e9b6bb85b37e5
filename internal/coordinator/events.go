package coordinator

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Event types raised by the node itself. Green Power and OTA events carry
// the prefixes of their packages (gp_*, ota_*).
const (
	EventAttributeReport = "attribute_report"
	EventDefaultResponse = "default_response"
	EventNodeState       = "node_state"
	EventPolicy          = "policy"
)

// Event is one notification from the ZCL stack or the node.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MatchType reports whether eventType is selected by pattern. A pattern
// selects every type it prefixes, so "gp_" selects all Green Power events
// and the empty pattern selects everything.
func MatchType(pattern, eventType string) bool {
	return strings.HasPrefix(eventType, pattern)
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	pattern string
	fn      EventHandler
}

// EventBus fans node events out to subscribers. Handlers run on the
// emitting goroutine, in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes fn to the events selected by pattern (see MatchType) and
// returns the function that cancels the subscription.
func (eb *EventBus) On(pattern string, fn EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, pattern: pattern, fn: fn})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// OnAll subscribes fn to every event.
func (eb *EventBus) OnAll(fn EventHandler) func() {
	return eb.On("", fn)
}

// Emit delivers event to every matching subscriber. A panicking handler is
// logged and does not stop delivery to the rest.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var targets []EventHandler
	for _, s := range eb.subs {
		if MatchType(s.pattern, event.Type) {
			targets = append(targets, s.fn)
		}
	}
	eb.mu.RUnlock()

	for _, fn := range targets {
		eb.deliver(fn, event)
	}
}

func (eb *EventBus) deliver(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	fn(event)
}

// Emitter adapts the bus to the emit callbacks of the protocol handlers.
func (eb *EventBus) Emitter() func(eventType string, data map[string]any) {
	return func(eventType string, data map[string]any) {
		eb.Emit(Event{Type: eventType, Data: data})
	}
}
