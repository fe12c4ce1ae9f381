package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener receives a notification payload.
type Listener func(payload interface{})

type listenerEntry struct {
	name string
	fn   Listener
}

// Emitter delivers notifications synchronously, on the emitting goroutine,
// to every listener of a type in registration order.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]listenerEntry
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[EventType][]listenerEntry)}
}

// On appends a listener for t. Several listeners may share a name; Off
// removes all of them.
func (e *Emitter) On(t EventType, name string, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[t] = append(e.listeners[t], listenerEntry{name: name, fn: fn})
}

// Off removes the listeners registered under name for t.
func (e *Emitter) Off(t EventType, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.listeners[t]
	filtered := make([]listenerEntry, 0, len(entries))
	for _, l := range entries {
		if l.name != name {
			filtered = append(filtered, l)
		}
	}
	e.listeners[t] = filtered
}

// Emit calls each listener of t in order. A panicking listener is logged and
// does not stop the others.
func (e *Emitter) Emit(t EventType, payload interface{}) {
	e.mu.RLock()
	entries := make([]listenerEntry, len(e.listeners[t]))
	copy(entries, e.listeners[t])
	e.mu.RUnlock()

	for _, l := range entries {
		e.call(t, l, payload)
	}
}

func (e *Emitter) call(t EventType, l listenerEntry, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(t)).
				Str("listener", l.name).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	l.fn(payload)
}

// Count returns the number of listeners for t.
func (e *Emitter) Count(t EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[t])
}
