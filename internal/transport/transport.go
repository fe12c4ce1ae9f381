// Package transport provides the pluggable datagram backends a Connection
// runs over: a software UDP implementation, a batched-syscall variant of the
// same wire protocol, a WebSocket tunnel and an in-process network for tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnreachable is returned when the remote endpoint cannot be reached.
	ErrUnreachable = errors.New("transport: peer unreachable")

	// ErrTimeout is returned when a dial or ping does not complete in time.
	ErrTimeout = errors.New("transport: timed out")

	// ErrBindFailure is returned when a listener cannot bind its address.
	ErrBindFailure = errors.New("transport: bind failed")

	// ErrPeerLost is reported through OnPeerLost when the peer goes away.
	ErrPeerLost = errors.New("transport: peer lost")

	// ErrClosed is returned by operations on a closed conn or listener.
	ErrClosed = errors.New("transport: closed")
)

// Defaults shared by the backends.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultPingTimeout = 3 * time.Second
	DefaultPeerTimeout = 10 * time.Second
	DefaultInboxSize   = 1024
)

// Options tune a dial or listen.
type Options struct {
	// UseWorker moves inbound datagram parsing to a dedicated goroutine.
	UseWorker bool

	// PeerTimeout is the silence after which a peer is reported lost.
	PeerTimeout time.Duration

	// MaxHandshakesPerSec bounds new-session attempts per source IP on a
	// listener. Zero disables the limit.
	MaxHandshakesPerSec int
}

func (o Options) peerTimeout() time.Duration {
	if o.PeerTimeout > 0 {
		return o.PeerTimeout
	}
	return DefaultPeerTimeout
}

// Conn is one established datagram session.
type Conn interface {
	// Send transmits one datagram. It never blocks on the peer.
	Send(b []byte) error
	// OnReceive registers the inbound handler. Delivery starts on the first
	// registration and is serialized on one goroutine.
	OnReceive(fn func([]byte))
	// OnPeerLost registers the peer-loss handler. It is called at most once,
	// immediately if the peer is already gone.
	OnPeerLost(fn func(error))
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts inbound sessions and answers connectionless pings.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	// SetPongData sets the source of the advertisement returned to pings.
	SetPongData(fn func() []byte)
	Close() error
}

// Backend creates sessions over one datagram implementation.
type Backend interface {
	Name() string
	Dial(ctx context.Context, address string, opts Options) (Conn, error)
	Listen(ctx context.Context, address string, opts Options) (Listener, error)
	// Ping sends a connectionless ping and returns the raw advertisement.
	Ping(ctx context.Context, address string) ([]byte, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{
		"software":    NewUDP(false),
		"accelerated": NewUDP(true),
		"websocket":   NewWebSocket(),
	}
)

// Register makes a backend available by name.
func Register(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b.Name()] = b
}

// Get returns the backend registered under name.
func Get(name string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown transport backend %q", name)
	}
	return b, nil
}

// Names lists the registered backends.
func Names() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// withDefaultTimeout applies d when ctx carries no deadline.
func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ctxErr maps a finished context to the transport error space.
func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
}
