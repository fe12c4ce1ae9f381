package network

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/protocol"
)

// Session is anything the registry can track: a value owning one Connection.
type Session interface {
	Conn() *Connection
}

// Registry tracks the live sessions of a server by remote-address key.
// Entries are removed as part of connection teardown, so the registry never
// holds a session whose connection is Disconnected.
type Registry[S Session] struct {
	mu       sync.RWMutex
	sessions map[string]S
}

// NewRegistry creates an empty registry.
func NewRegistry[S Session]() *Registry[S] {
	return &Registry[S]{sessions: make(map[string]S)}
}

// Accept registers s under key and moves its connection to Authenticating.
// A session already registered under key is closed and replaced.
func (r *Registry[S]) Accept(key string, s S) error {
	conn := s.Conn()

	r.mu.Lock()
	existing, replaced := r.sessions[key]
	r.sessions[key] = s
	r.mu.Unlock()

	if replaced && existing.Conn() != conn {
		log.Debug().Str("key", key).Msg("replacing existing session")
		_ = existing.Conn().Close("replaced by a new session")
	}

	if !conn.OnTeardown(func(c *Connection) { r.unlink(key, c) }) {
		r.unlink(key, conn)
		return ErrConnectionClosed
	}
	if err := conn.Transition(StateAuthenticating); err != nil {
		_ = conn.Close(err.Error())
		return err
	}

	log.Debug().Str("key", key).Msg("session registered")
	return nil
}

// unlink drops key if it still maps to c.
func (r *Registry[S]) unlink(key string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok && s.Conn() == c {
		delete(r.sessions, key)
		log.Debug().Str("key", key).Msg("session unregistered")
	}
}

// Remove closes the session under key. Teardown unregisters it.
func (r *Registry[S]) Remove(key string, reason string) bool {
	s, ok := r.Get(key)
	if !ok {
		return false
	}
	_ = s.Conn().Close(reason)
	return true
}

// Route hands an inbound datagram to the session registered under key.
// Datagrams for unknown keys are dropped.
func (r *Registry[S]) Route(key string, data []byte) {
	s, ok := r.Get(key)
	if !ok {
		log.Trace().Str("key", key).Int("size", len(data)).Msg("dropping datagram for unknown session")
		return
	}
	s.Conn().HandleDatagram(data)
}

// Get returns the session registered under key.
func (r *Registry[S]) Get(key string) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// All returns a snapshot of the registered sessions.
func (r *Registry[S]) All() []S {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]S, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry[S]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast queues pk on every session whose connection is not yet torn
// down. The batcher sends it with the next flush of each connection. It
// returns the number of sessions the packet was queued on.
func (r *Registry[S]) Broadcast(ctx context.Context, pk protocol.Packet) int {
	sent := 0
	for _, s := range r.All() {
		if ctx.Err() != nil {
			break
		}
		c := s.Conn()
		if c.Closed() {
			continue
		}
		if err := c.Queue(pk); err != nil {
			log.Warn().Err(err).Str("key", c.Key()).Msg("broadcast failed")
			continue
		}
		sent++
	}
	return sent
}

// CloseAll closes every session with reason and waits until each teardown
// has finished or ctx ends.
func (r *Registry[S]) CloseAll(ctx context.Context, reason string) error {
	sessions := r.All()
	for _, s := range sessions {
		_ = s.Conn().Close(reason)
	}
	for _, s := range sessions {
		select {
		case <-s.Conn().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Info().Int("count", len(sessions)).Msg("all sessions closed")
	return nil
}

// CleanStale closes sessions with no inbound traffic for longer than timeout.
func (r *Registry[S]) CleanStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)
	cleaned := 0
	for _, s := range r.All() {
		c := s.Conn()
		if c.LastActivity().Before(cutoff) {
			log.Warn().
				Str("key", c.Key()).
				Time("last_activity", c.LastActivity()).
				Msg("cleaned stale session")
			_ = c.Close("timed out")
			cleaned++
		}
	}
	return cleaned
}
