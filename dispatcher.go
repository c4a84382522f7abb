package ridewatch

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Listener is a registration handle for an event callback. The handle, not
// the function, is the identity: subscribing the same *Listener twice to one
// event type delivers once.
type Listener struct {
	fn func(Event)
}

// NewListener wraps fn in a handle that can be passed to On/Off.
func NewListener(fn func(Event)) *Listener {
	return &Listener{fn: fn}
}

// Dispatcher routes decoded events to the listeners registered for their
// type. It is safe for concurrent use.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]*Listener
	logger    *slog.Logger
}

// NewDispatcher returns an empty dispatcher. A nil logger uses slog.Default().
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		listeners: make(map[string][]*Listener),
		logger:    logger,
	}
}

// Subscribe adds l to the set for eventType. Nil handles are ignored.
func (d *Dispatcher) Subscribe(eventType string, l *Listener) {
	if l == nil || l.fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.listeners[eventType] {
		if existing == l {
			return
		}
	}
	d.listeners[eventType] = append(d.listeners[eventType], l)
}

// Unsubscribe removes l from the set for eventType. Unknown handles are a no-op.
func (d *Dispatcher) Unsubscribe(eventType string, l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.listeners[eventType]
	for i, existing := range set {
		if existing != l {
			continue
		}
		set = append(set[:i:i], set[i+1:]...)
		if len(set) == 0 {
			delete(d.listeners, eventType)
		} else {
			d.listeners[eventType] = set
		}
		return
	}
}

// Len reports how many listeners are registered for eventType.
func (d *Dispatcher) Len(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[eventType])
}

// Clear drops every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.listeners = make(map[string][]*Listener)
	d.mu.Unlock()
}

// Dispatch delivers ev synchronously to the listeners for ev.Type followed by
// the AllEvents listeners. A panicking listener is logged and skipped.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	targets := make([]*Listener, 0, len(d.listeners[ev.Type])+len(d.listeners[AllEvents]))
	targets = append(targets, d.listeners[ev.Type]...)
	if ev.Type != AllEvents {
		targets = append(targets, d.listeners[AllEvents]...)
	}
	d.mu.RUnlock()

	for _, l := range targets {
		d.invoke(l, ev)
	}
}

func (d *Dispatcher) invoke(l *Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("realtime listener panicked",
				slog.String("event_type", ev.Type),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	l.fn(ev)
}
