package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// MemoryNetwork is an in-process backend. Datagrams are delivered in order
// without loss, which makes it suitable for end-to-end tests of the roles.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	nextPort  int
}

// NewMemoryNetwork returns an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memListener), nextPort: 40000}
}

func (n *MemoryNetwork) Name() string { return "memory" }

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string  { return string(a) }

// Listen registers address on the network.
func (n *MemoryNetwork) Listen(_ context.Context, address string, _ Options) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.listeners[address]; taken {
		return nil, fmt.Errorf("%w: %s already in use", ErrBindFailure, address)
	}
	l := &memListener{
		net:      n,
		addr:     memAddr(address),
		accepted: make(chan *memConn, acceptBacklog),
		done:     make(chan struct{}),
	}
	l.SetPongData(nil)
	n.listeners[address] = l
	return l, nil
}

// Dial connects to a listener registered at address.
func (n *MemoryNetwork) Dial(ctx context.Context, address string, _ Options) (Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[address]
	n.nextPort++
	local := memAddr(fmt.Sprintf("memory-client:%d", n.nextPort))
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no listener at %s", ErrUnreachable, address)
	}

	client := newMemConn(l.addr)
	server := newMemConn(local)
	client.peer, server.peer = server, client

	select {
	case l.accepted <- server:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: listener at %s closed", ErrUnreachable, address)
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// Ping returns the advertisement of the listener at address.
func (n *MemoryNetwork) Ping(_ context.Context, address string) ([]byte, error) {
	n.mu.Lock()
	l, ok := n.listeners[address]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no listener at %s", ErrUnreachable, address)
	}
	return l.pong.Load().(func() []byte)(), nil
}

type memListener struct {
	net      *MemoryNetwork
	addr     memAddr
	accepted chan *memConn
	pong     atomic.Value
	done     chan struct{}
	once     sync.Once
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *memListener) Addr() net.Addr { return l.addr }

func (l *memListener) SetPongData(fn func() []byte) {
	if fn == nil {
		fn = func() []byte { return nil }
	}
	l.pong.Store(fn)
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, string(l.addr))
		l.net.mu.Unlock()
	})
	return nil
}

// memConn is one end of an in-process session.
type memConn struct {
	remote memAddr
	peer   *memConn
	disp   *dispatcher
	closed atomic.Bool
	sent   atomic.Int64
}

func newMemConn(remote memAddr) *memConn {
	return &memConn{remote: remote, disp: newDispatcher(DefaultInboxSize)}
}

func (c *memConn) Send(b []byte) error {
	if c.closed.Load() || c.peer.closed.Load() {
		return ErrClosed
	}
	data := make([]byte, len(b))
	copy(data, b)
	c.sent.Add(1)
	c.peer.disp.deliver(data)
	return nil
}

func (c *memConn) OnReceive(fn func([]byte)) { c.disp.onReceive(fn) }

func (c *memConn) OnPeerLost(fn func(error)) { c.disp.onPeerLost(fn) }

func (c *memConn) RemoteAddr() net.Addr { return c.remote }

func (c *memConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.disp.markLocalClose()
	c.peer.disp.peerLost(fmt.Errorf("%w: remote closed the session", ErrPeerLost))
	return nil
}

// SentDatagrams reports how many datagrams c has sent, for conns created by
// a MemoryNetwork. Other conns report -1.
func SentDatagrams(c Conn) int64 {
	if mc, ok := c.(*memConn); ok {
		return mc.sent.Load()
	}
	return -1
}
