// Package network implements the per-peer Connection shared by the client,
// server and relay roles, the batcher that flushes outbound queues on a
// timer, and the server-side session registry.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/version"
)

var (
	// ErrConnectionClosed is returned by every operation on a torn-down
	// connection except Close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidTransition is returned for a lifecycle step the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateInitializing
	StateInitialized
)

var stateStrings = map[State]string{
	StateDisconnected:   "disconnected",
	StateAuthenticating: "authenticating",
	StateInitializing:   "initializing",
	StateInitialized:    "initialized",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "initialized").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Role tells which side of the session a Connection plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "server"
	}
	return "client"
}

// PacketHandler runs the role logic for each decoded inbound packet. A
// returned error tears the connection down.
type PacketHandler func(c *Connection, pk protocol.Packet) error

// Options configure a Connection.
type Options struct {
	Role    Role
	Key     string
	Handler PacketHandler
	Codec   *protocol.Codec

	// Batcher flushes the outbound queue. Nil gives the connection a private
	// batcher with DefaultBatchingInterval.
	Batcher *Batcher

	// Protocol is the wire version used until negotiation says otherwise.
	Protocol int

	// Compression holds the settings EnableCompression switches on.
	Compression protocol.Compression
}

// Connection is one peer session: lifecycle state, negotiated version,
// compression and the outbound queue.
type Connection struct {
	tconn   transport.Conn
	codec   *protocol.Codec
	handler PacketHandler
	batcher *Batcher
	private bool
	role    Role
	key     string
	events  *events.Emitter
	logger  zerolog.Logger

	mu           sync.Mutex
	state        State
	closed       bool
	protocol     int
	version      string
	compression  protocol.Compression
	wanted       protocol.Compression
	queue        [][]byte
	reason       string
	hooks        []func(*Connection)
	connectedAt  time.Time
	lastActivity time.Time

	// flushMu is held from taking the queue until the batch is on the wire,
	// so wire order always equals enqueue order.
	flushMu sync.Mutex
	done    chan struct{}
}

// New wraps an established transport conn. Peer loss is wired immediately;
// inbound delivery starts with Start or through a Registry.
func New(tconn transport.Conn, opts Options) *Connection {
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec()
	}
	key := opts.Key
	if key == "" {
		key = tconn.RemoteAddr().String()
	}
	now := time.Now()
	c := &Connection{
		tconn:        tconn,
		codec:        opts.Codec,
		handler:      opts.Handler,
		batcher:      opts.Batcher,
		role:         opts.Role,
		key:          key,
		events:       events.NewEmitter(),
		protocol:     opts.Protocol,
		wanted:       opts.Compression,
		connectedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
		logger: log.With().
			Str("component", "connection").
			Str("remote", key).
			Str("role", opts.Role.String()).
			Logger(),
	}
	if v, ok := version.Lookup(opts.Protocol); ok {
		c.version = v
	}
	if c.batcher == nil {
		c.batcher = NewBatcher(DefaultBatchingInterval)
		c.private = true
	}
	tconn.OnPeerLost(func(err error) {
		c.fail(err)
	})
	return c
}

// Start delivers the transport's inbound datagrams to HandleDatagram.
func (c *Connection) Start() {
	c.tconn.OnReceive(c.HandleDatagram)
}

// SetHandler replaces the role handler. It must be called before inbound
// delivery starts.
func (c *Connection) SetHandler(h PacketHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Connection) Key() string          { return c.key }
func (c *Connection) Role() Role           { return c.role }
func (c *Connection) RemoteAddr() net.Addr { return c.tconn.RemoteAddr() }
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Done is closed once teardown has finished.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *zerolog.Logger { return &c.logger }

// On registers a notification listener. Listeners of one kind run in
// registration order on the goroutine that emits.
func (c *Connection) On(t events.EventType, name string, fn events.Listener) {
	c.events.On(t, name, fn)
}

// Off removes the listeners registered under name.
func (c *Connection) Off(t events.EventType, name string) {
	c.events.Off(t, name)
}

// Notify emits a notification to this connection's listeners.
func (c *Connection) Notify(t events.EventType, payload interface{}) {
	c.events.Emit(t, payload)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Closed reports whether teardown has started.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Reason returns the close reason once the connection is torn down.
func (c *Connection) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// LastActivity returns the arrival time of the last inbound datagram.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Protocol returns the negotiated wire version.
func (c *Connection) Protocol() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Version returns the negotiated semantic version.
func (c *Connection) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// SetProtocol records the negotiated version pair.
func (c *Connection) SetProtocol(protocol int, semantic string) {
	c.mu.Lock()
	c.protocol = protocol
	c.version = semantic
	c.mu.Unlock()
	c.logger.Debug().Int("protocol", protocol).Str("version", semantic).Msg("version negotiated")
}

// VersionLessThan reports whether the negotiated version is older than v.
func (c *Connection) VersionLessThan(v string) bool {
	return version.Compare(c.Version(), v) < 0
}

// VersionGreaterThan reports whether the negotiated version is newer than v.
func (c *Connection) VersionGreaterThan(v string) bool {
	return version.Compare(c.Version(), v) > 0
}

// VersionGreaterThanOrEqualTo reports whether the negotiated version is v or newer.
func (c *Connection) VersionGreaterThanOrEqualTo(v string) bool {
	return version.Compare(c.Version(), v) >= 0
}

// EnableCompression switches batch framing to the negotiated settings.
// Batches flushed afterwards carry the algorithm header.
func (c *Connection) EnableCompression() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compression = c.wanted
	c.compression.Negotiated = true
}

// SetCompression replaces the negotiated settings, e.g. with the values a
// server announced in network_settings.
func (c *Connection) SetCompression(comp protocol.Compression) {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp.Negotiated = true
	c.compression = comp
}

// Compression returns the settings currently applied to batches.
func (c *Connection) Compression() protocol.Compression {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compression
}

// Transition moves the lifecycle forward one step. Moving to Disconnected
// is the same as Close with an empty reason.
func (c *Connection) Transition(to State) error {
	if to == StateDisconnected {
		return c.Close("")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	from := c.state
	if to != from+1 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	return nil
}

// OnTeardown registers fn to run during teardown, before the close
// notification. It reports false when teardown already started.
func (c *Connection) OnTeardown(fn func(*Connection)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.hooks = append(c.hooks, fn)
	return true
}

// Queue encodes pk with the negotiated protocol and appends it to the
// outbound queue. The batcher flushes it after the batching interval.
func (c *Connection) Queue(pk protocol.Packet) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	data := c.codec.Encode(pk, c.protocol)
	c.mu.Unlock()

	c.logger.Trace().Uint32("packet", pk.ID()).Int("size", len(data)).Msg("queued")
	return c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	first := len(c.queue) == 0
	c.queue = append(c.queue, data)
	c.mu.Unlock()

	if first {
		c.batcher.Schedule(c)
	}
	return nil
}

// Write queues pk and flushes the queue at once.
func (c *Connection) Write(pk protocol.Packet) error {
	if err := c.Queue(pk); err != nil {
		return err
	}
	return c.Flush()
}

// SendBuffer queues an already encoded packet. With immediate set the
// queue is flushed at once, so the buffer still leaves after everything
// queued before it.
func (c *Connection) SendBuffer(raw []byte, immediate bool) error {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	if err := c.enqueue(buf); err != nil {
		return err
	}
	if immediate {
		return c.Flush()
	}
	return nil
}

// Flush sends everything queued as one batch. An empty queue sends nothing.
func (c *Connection) Flush() error {
	c.flushMu.Lock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.flushMu.Unlock()
		return ErrConnectionClosed
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		c.flushMu.Unlock()
		return nil
	}
	batch := c.queue
	c.queue = nil
	comp := c.compression
	c.mu.Unlock()

	data, err := protocol.EncodeBatch(batch, comp)
	if err == nil {
		err = c.tconn.Send(data)
	}
	c.flushMu.Unlock()

	if err != nil {
		err = fmt.Errorf("flush %d packets: %w", len(batch), err)
		c.fail(err)
		return err
	}
	c.logger.Trace().Int("packets", len(batch)).Int("bytes", len(data)).Msg("flushed")
	return nil
}

// HandleDatagram decodes one inbound batch and dispatches its packets:
// listeners of the packet notification first, then the role handler.
func (c *Connection) HandleDatagram(b []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastActivity = time.Now()
	comp := c.compression
	c.mu.Unlock()

	packets, err := protocol.DecodeBatch(b, comp)
	if err != nil {
		c.fail(fmt.Errorf("decode batch: %w", err))
		return
	}

	for _, raw := range packets {
		pk, err := c.codec.Decode(raw, c.Protocol())
		if err != nil {
			c.fail(err)
			return
		}
		c.logger.Trace().Uint32("packet", pk.ID()).Msg("received")

		c.events.Emit(events.NotifyPacket, pk)

		c.mu.Lock()
		h := c.handler
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if h != nil {
			if err := h(c, pk); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// fail tears the connection down with err as the reason.
func (c *Connection) fail(err error) {
	if c.Closed() {
		return
	}
	if errors.Is(err, transport.ErrPeerLost) {
		c.logger.Debug().Err(err).Msg("peer lost")
	} else {
		c.logger.Error().Err(err).Msg("connection failed")
	}
	_ = c.Close(err.Error())
}

// Close tears the connection down. Only the first call has any effect and
// only it emits the close notification; later calls, including calls made
// from teardown hooks or close listeners, return nil at once. A batch
// already handed to the transport completes, anything still queued is
// dropped.
func (c *Connection) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	prev := c.state
	c.state = StateDisconnected
	dropped := len(c.queue)
	c.queue = nil
	c.reason = reason
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	// Hooks run first so registries never hold a disconnected entry.
	for _, fn := range hooks {
		fn(c)
	}

	// Wait out an in-flight flush.
	c.flushMu.Lock()
	c.flushMu.Unlock()

	c.batcher.Remove(c)
	if c.private {
		c.batcher.Stop()
	}
	if err := c.tconn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("transport close failed")
	}

	c.logger.Info().
		Str("reason", reason).
		Str("from", prev.String()).
		Int("dropped", dropped).
		Msg("connection closed")

	c.events.Emit(events.NotifyClose, reason)
	close(c.done)
	return nil
}

// Disconnect closes the connection without a reason.
func (c *Connection) Disconnect() error {
	return c.Close("")
}
