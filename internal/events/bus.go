package events

import (
	"log/slog"
	"sync"
)

// Event types
const (
	MembershipChanged = "membership_changed"
	InventoryLoaded   = "inventory_loaded"
	StateChanged      = "state_changed"
)

// Event is a notification published on the bus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MembershipChange is the payload of a MembershipChanged event.
type MembershipChange struct {
	Panel    string   `json:"panel"`
	Owner    string   `json:"owner"`
	Session  string   `json:"session"`
	Op       string   `json:"op"` // "add" or "remove"
	DeviceID string   `json:"device_id"`
	Members  []string `json:"members"`
}

// StateChange is the payload of a StateChanged event, emitted when a
// script writes a device state variable.
type StateChange struct {
	DeviceID string `json:"device_id"`
	Service  string `json:"service"`
	Variable string `json:"variable"`
	Value    string `json:"value"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
