package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one bus event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is the process-wide asynchronous publish-subscribe channel.
// Session lifecycle and server status flow through it to the session
// history store, MQTT telemetry and the API, none of which may slow a
// connection down.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[EventType][]subscriber
	stopped bool
	done    chan struct{}
	running sync.WaitGroup
}

type subscriber struct {
	name string
	fn   HandlerFunc
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[EventType][]subscriber),
		done: make(chan struct{}),
	}
}

// Subscribe adds fn under name for events of type t. The name identifies
// the handler in logs and for Unsubscribe.
func (eb *EventBus) Subscribe(t EventType, name string, fn HandlerFunc) {
	eb.mu.Lock()
	eb.subs[t] = append(eb.subs[t], subscriber{name: name, fn: fn})
	eb.mu.Unlock()

	log.Debug().Str("event", string(t)).Str("handler", name).Msg("subscribed to event")
}

// Unsubscribe drops every handler registered under name for t.
func (eb *EventBus) Unsubscribe(t EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	kept := eb.subs[t][:0:0]
	for _, s := range eb.subs[t] {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	eb.subs[t] = kept
}

// Emit hands event to every handler of its type, each on its own
// goroutine, and returns without waiting.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return
	}
	subs := eb.subs[event.Type]
	// Counted under the lock so Stop cannot miss them.
	eb.running.Add(len(subs))
	eb.mu.RUnlock()

	for _, s := range subs {
		go func(s subscriber) {
			defer eb.running.Done()
			_ = eb.run(ctx, event, s)
		}(s)
	}
}

// EmitSync runs every handler of the event's type concurrently and waits
// for all of them. It returns the first handler error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := append([]subscriber(nil), eb.subs[event.Type]...)
	eb.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, s := range subs {
		wg.Add(1)
		go func(s subscriber) {
			defer wg.Done()
			if err := eb.run(ctx, event, s); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return firstErr
}

// run calls one handler, turning a panic into an error.
func (eb *EventBus) run(ctx context.Context, event Event, s subscriber) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
			err = fmt.Errorf("handler %s panicked: %v", s.name, r)
		}
	}()

	if err = s.fn(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("source", event.Source).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

// Publish emits an event built from its parts with a background context.
// A nil bus drops the event, so components can run without one.
func (eb *EventBus) Publish(t EventType, source string, payload interface{}) {
	if eb == nil {
		return
	}
	eb.Emit(context.Background(), Event{Type: t, Source: source, Payload: payload})
}

// Stop refuses further events and waits up to timeout for running
// handlers. Later calls do nothing.
func (eb *EventBus) Stop(timeout time.Duration) {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.done)
	eb.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		eb.running.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		log.Info().Msg("event bus stopped")
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("event bus stopped with handlers still running")
	}
}

// StopCh is closed once Stop was called.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.done
}

// HandlerCount returns how many handlers t has.
func (eb *EventBus) HandlerCount(t EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[t])
}
