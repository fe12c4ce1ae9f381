package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	handshakeRetry   = 500 * time.Millisecond
	acceptBacklog    = 128
	workQueueSize    = 4096
	maxPendingSplits = 32
)

// UDP is the RakNet-style datagram backend. The accelerated variant speaks
// the same wire protocol but moves datagrams with batched socket calls.
type UDP struct {
	accelerated bool
}

// NewUDP returns the software backend, or the accelerated one when
// accelerated is set.
func NewUDP(accelerated bool) *UDP {
	return &UDP{accelerated: accelerated}
}

func (u *UDP) Name() string {
	if u.accelerated {
		return "accelerated"
	}
	return "software"
}

type datagram struct {
	addr *net.UDPAddr
	data []byte
}

// packetIO moves raw datagrams for an endpoint.
type packetIO interface {
	read() ([]datagram, error)
	write(b []byte, addr *net.UDPAddr) error
	localAddr() net.Addr
	close() error
}

type stdIO struct {
	conn *net.UDPConn
	buf  []byte
}

func newStdIO(conn *net.UDPConn) *stdIO {
	return &stdIO{conn: conn, buf: make([]byte, maxDatagramSize)}
}

func (s *stdIO) read() ([]datagram, error) {
	n, addr, err := s.conn.ReadFromUDP(s.buf)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	return []datagram{{addr: addr, data: data}}, nil
}

func (s *stdIO) write(b []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

func (s *stdIO) localAddr() net.Addr { return s.conn.LocalAddr() }

func (s *stdIO) close() error { return s.conn.Close() }

func (u *UDP) open(ctx context.Context, network, address string) (packetIO, error) {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if u.accelerated {
		return newBatchIO(conn), nil
	}
	return newStdIO(conn), nil
}

func udpNetwork(ip net.IP) string {
	if ip == nil || ip.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

// endpoint owns one socket and demultiplexes its datagrams to sessions.
type endpoint struct {
	io     packetIO
	guid   uint64
	opts   Options
	server bool
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*udpConn

	accepted chan *udpConn
	offline  chan []byte
	pong     atomic.Value
	limiter  *rateTracker
	work     chan datagram

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newEndpoint(io packetIO, opts Options, server bool, backend string) *endpoint {
	id := uuid.New()
	ep := &endpoint{
		io:       io,
		guid:     binary.BigEndian.Uint64(id[:8]),
		opts:     opts,
		server:   server,
		conns:    make(map[string]*udpConn),
		accepted: make(chan *udpConn, acceptBacklog),
		offline:  make(chan []byte, 16),
		done:     make(chan struct{}),
		logger: log.With().
			Str("component", "transport").
			Str("backend", backend).
			Str("local", io.localAddr().String()).
			Logger(),
	}
	if opts.MaxHandshakesPerSec > 0 {
		ep.limiter = newRateTracker(opts.MaxHandshakesPerSec)
	}
	ep.pong.Store(func() []byte { return nil })
	return ep
}

func (ep *endpoint) start() {
	if ep.opts.UseWorker {
		ep.work = make(chan datagram, workQueueSize)
		ep.wg.Add(1)
		go ep.workerLoop()
	}
	ep.wg.Add(2)
	go ep.readLoop()
	go ep.keepaliveLoop()
}

func (ep *endpoint) readLoop() {
	defer ep.wg.Done()
	for {
		dgs, err := ep.io.read()
		if err != nil {
			select {
			case <-ep.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			ep.logger.Debug().Err(err).Msg("udp read error")
			continue
		}
		for _, dg := range dgs {
			if ep.work == nil {
				ep.handle(dg)
				continue
			}
			select {
			case ep.work <- dg:
			default:
				ep.logger.Trace().Str("remote", dg.addr.String()).Msg("worker queue full, dropping datagram")
			}
		}
	}
}

func (ep *endpoint) workerLoop() {
	defer ep.wg.Done()
	for {
		select {
		case dg := <-ep.work:
			ep.handle(dg)
		case <-ep.done:
			return
		}
	}
}

func (ep *endpoint) keepaliveLoop() {
	defer ep.wg.Done()
	timeout := ep.opts.peerTimeout()
	interval := timeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ep.done:
			return
		case now := <-ticker.C:
			for _, c := range ep.snapshot() {
				silence := now.Sub(time.Unix(0, c.lastRecv.Load()))
				if silence > timeout {
					c.lost(fmt.Errorf("%w: no datagram for %s", ErrPeerLost, silence.Round(time.Millisecond)))
					continue
				}
				if now.Sub(time.Unix(0, c.lastPing.Load())) >= interval {
					c.lastPing.Store(now.UnixNano())
					ping := binary.BigEndian.AppendUint64([]byte{idConnectedPing}, uint64(now.UnixMilli()))
					_ = c.sendMessage(ping)
				}
			}
		}
	}
}

func (ep *endpoint) snapshot() []*udpConn {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	out := make([]*udpConn, 0, len(ep.conns))
	for _, c := range ep.conns {
		out = append(out, c)
	}
	return out
}

func (ep *endpoint) lookup(key string) *udpConn {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.conns[key]
}

func (ep *endpoint) add(c *udpConn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.conns[c.key] = c
}

func (ep *endpoint) remove(c *udpConn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.conns[c.key] == c {
		delete(ep.conns, c.key)
	}
}

func (ep *endpoint) handle(dg datagram) {
	if len(dg.data) == 0 {
		return
	}
	if c := ep.lookup(dg.addr.String()); c != nil {
		c.handle(dg.data)
		return
	}

	switch dg.data[0] {
	case idUnconnectedPing:
		if ep.server {
			ep.answerPing(dg)
		}
	case idOpenConnectionReq1:
		if ep.server {
			ep.answerRequest1(dg)
		}
	case idOpenConnectionReq2:
		if ep.server {
			ep.answerRequest2(dg)
		}
	case idOpenConnectionReply1, idOpenConnectionReply2, idIncompatibleProtocol, idUnconnectedPong:
		if !ep.server {
			select {
			case ep.offline <- dg.data:
			default:
			}
		}
	}
}

func (ep *endpoint) answerPing(dg datagram) {
	pingTime, err := decodeUnconnectedPing(dg.data)
	if err != nil {
		return
	}
	data := ep.pong.Load().(func() []byte)()
	if err := ep.io.write(encodeUnconnectedPong(pingTime, ep.guid, data), dg.addr); err != nil {
		ep.logger.Warn().Err(err).Str("remote", dg.addr.String()).Msg("failed to send pong")
	}
}

func (ep *endpoint) answerRequest1(dg datagram) {
	if ep.limiter != nil && !ep.limiter.allow(dg.addr.IP.String()) {
		ep.logger.Warn().Str("remote", dg.addr.String()).Msg("handshake rate limit exceeded, dropping")
		return
	}
	proto, mtu, err := decodeOpenConnectionRequest1(len(dg.data), dg.data)
	if err != nil {
		return
	}
	if proto != raknetProtocolVersion {
		ep.logger.Debug().Uint8("raknet_protocol", proto).Str("remote", dg.addr.String()).Msg("incompatible raknet protocol")
		_ = ep.io.write(encodeIncompatibleProtocol(ep.guid), dg.addr)
		return
	}
	if mtu > maxDatagramSize {
		mtu = maxDatagramSize
	}
	_ = ep.io.write(encodeOpenConnectionReply1(ep.guid, mtu), dg.addr)
}

func (ep *endpoint) answerRequest2(dg datagram) {
	mtu, guid, err := decodeOpenConnectionRequest2(dg.data)
	if err != nil {
		return
	}
	if mtu > maxDatagramSize || mtu < mtuSizes[len(mtuSizes)-1] {
		mtu = mtuSizes[len(mtuSizes)-1]
	}

	c := newUDPConn(ep, dg.addr, mtu, guid)
	select {
	case ep.accepted <- c:
	default:
		ep.logger.Warn().Str("remote", dg.addr.String()).Msg("accept backlog full, dropping session")
		return
	}
	ep.add(c)
	_ = ep.io.write(encodeOpenConnectionReply2(ep.guid, dg.addr, mtu), dg.addr)
	ep.logger.Debug().Str("remote", dg.addr.String()).Int("mtu", mtu).Msg("session opened")
}

// awaitOffline waits for one of ids, up to wait. A nil slice with a nil
// error means the wait elapsed and the caller should retry.
func (ep *endpoint) awaitOffline(ctx context.Context, wait time.Duration, ids ...byte) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case b := <-ep.offline:
			for _, id := range ids {
				if b[0] == id {
					return b, nil
				}
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctxErr(ctx)
		case <-ep.done:
			return nil, ErrClosed
		}
	}
}

func (ep *endpoint) close() {
	ep.closeOnce.Do(func() {
		close(ep.done)
		_ = ep.io.close()
	})
	ep.wg.Wait()
}

// udpConn is one connected session on an endpoint.
type udpConn struct {
	ep           *endpoint
	addr         *net.UDPAddr
	key          string
	mtu          int
	peerGUID     uint64
	ownsEndpoint bool
	disp         *dispatcher

	sendMu  sync.Mutex
	seq     uint32
	index   uint32
	splitID uint16

	// Touched only by the endpoint's handling goroutine.
	haveIndex bool
	lastIndex uint32
	splits    map[uint16]*splitBuffer

	lastRecv atomic.Int64
	lastPing atomic.Int64
	closed   atomic.Bool
	peerGone atomic.Bool
}

type splitBuffer struct {
	index uint32
	parts [][]byte
	have  int
}

func newUDPConn(ep *endpoint, addr *net.UDPAddr, mtu int, peerGUID uint64) *udpConn {
	c := &udpConn{
		ep:       ep,
		addr:     addr,
		key:      addr.String(),
		mtu:      mtu,
		peerGUID: peerGUID,
		disp:     newDispatcher(DefaultInboxSize),
		splits:   make(map[uint16]*splitBuffer),
	}
	now := time.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastPing.Store(now)
	return c
}

// Send transmits b as one sequenced message, fragmented to the MTU.
func (c *udpConn) Send(b []byte) error {
	if c.closed.Load() || c.peerGone.Load() {
		return ErrClosed
	}
	if err := c.sendMessage(b); err != nil {
		return fmt.Errorf("udp send to %s: %w", c.key, err)
	}
	return nil
}

func (c *udpConn) sendMessage(body []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	msgs := fragment(body, c.mtu, c.index, c.splitID)
	c.index = (c.index + 1) & 0xffffff
	if len(msgs) > 1 {
		c.splitID++
	}
	for _, m := range msgs {
		frame := encodeFrame(c.seq, m)
		c.seq = (c.seq + 1) & 0xffffff
		if err := c.ep.io.write(frame, c.addr); err != nil {
			return err
		}
	}
	return nil
}

func (c *udpConn) OnReceive(fn func([]byte)) { c.disp.onReceive(fn) }

func (c *udpConn) OnPeerLost(fn func(error)) { c.disp.onPeerLost(fn) }

func (c *udpConn) RemoteAddr() net.Addr { return c.addr }

// Close notifies the peer and releases the session. Closing a dialed
// session also closes its socket.
func (c *udpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !c.peerGone.Load() {
		_ = c.sendMessage([]byte{idDisconnectNotification})
	}
	c.ep.remove(c)
	c.disp.markLocalClose()
	if c.ownsEndpoint {
		c.ep.close()
	}
	return nil
}

func (c *udpConn) lost(err error) {
	if !c.peerGone.CompareAndSwap(false, true) {
		return
	}
	c.ep.remove(c)
	c.ep.logger.Debug().Err(err).Str("remote", c.key).Msg("peer lost")
	c.disp.peerLost(err)
}

// seqNewer reports whether a follows b in 24-bit serial number order.
func seqNewer(a, b uint32) bool {
	d := (a - b) & 0xffffff
	return d != 0 && d < 1<<23
}

func (c *udpConn) handle(data []byte) {
	c.lastRecv.Store(time.Now().UnixNano())

	if data[0] == idOpenConnectionReq2 && c.ep.server {
		// Reply lost in transit; the client is still waiting for it.
		_ = c.ep.io.write(encodeOpenConnectionReply2(c.ep.guid, c.addr, c.mtu), c.addr)
		return
	}

	_, m, err := decodeFrame(data)
	if err != nil {
		return
	}
	if c.haveIndex && !seqNewer(m.index, c.lastIndex) {
		return
	}

	body := m.body
	if m.split {
		body = c.reassemble(m)
		if body == nil {
			return
		}
	}
	c.haveIndex = true
	c.lastIndex = m.index

	if len(body) == 0 {
		return
	}
	switch body[0] {
	case idConnectedPing:
		if len(body) >= 9 {
			pong := []byte{idConnectedPong}
			pong = append(pong, body[1:9]...)
			pong = binary.BigEndian.AppendUint64(pong, uint64(time.Now().UnixMilli()))
			_ = c.sendMessage(pong)
		}
	case idConnectedPong:
	case idDisconnectNotification:
		c.lost(fmt.Errorf("%w: remote closed the session", ErrPeerLost))
	default:
		c.disp.deliver(body)
	}
}

func (c *udpConn) reassemble(m message) []byte {
	sb, ok := c.splits[m.splitID]
	if !ok || sb.index != m.index || len(sb.parts) != int(m.splitCount) {
		if len(c.splits) >= maxPendingSplits {
			for id := range c.splits {
				delete(c.splits, id)
			}
		}
		sb = &splitBuffer{index: m.index, parts: make([][]byte, m.splitCount)}
		c.splits[m.splitID] = sb
	}
	if sb.parts[m.splitIndex] == nil {
		part := make([]byte, len(m.body))
		copy(part, m.body)
		sb.parts[m.splitIndex] = part
		sb.have++
	}
	if sb.have < len(sb.parts) {
		return nil
	}
	delete(c.splits, m.splitID)
	var out []byte
	for _, p := range sb.parts {
		out = append(out, p...)
	}
	return out
}

type udpListener struct {
	ep *endpoint
}

func (l *udpListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.ep.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ep.done:
		return nil, ErrClosed
	}
}

func (l *udpListener) Addr() net.Addr { return l.ep.io.localAddr() }

func (l *udpListener) SetPongData(fn func() []byte) {
	if fn == nil {
		fn = func() []byte { return nil }
	}
	l.ep.pong.Store(fn)
}

func (l *udpListener) Close() error {
	for _, c := range l.ep.snapshot() {
		_ = c.Close()
	}
	l.ep.close()
	return nil
}

// Listen binds address and starts answering handshakes and pings.
func (u *UDP) Listen(ctx context.Context, address string, opts Options) (Listener, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailure, err)
	}
	network := "udp"
	if ip := net.ParseIP(host); ip != nil {
		network = udpNetwork(ip)
	}
	pio, err := u.open(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBindFailure, address, err)
	}
	ep := newEndpoint(pio, opts, true, u.Name())
	ep.start()
	ep.logger.Info().Bool("worker", opts.UseWorker).Msg("udp listener started")
	return &udpListener{ep: ep}, nil
}

// Dial opens a session with the server at address.
func (u *UDP) Dial(ctx context.Context, address string, opts Options) (Conn, error) {
	ctx, cancel := withDefaultTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	pio, err := u.open(ctx, udpNetwork(raddr.IP), ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	ep := newEndpoint(pio, opts, false, u.Name())
	ep.start()

	c, err := u.handshake(ctx, ep, raddr)
	if err != nil {
		ep.close()
		return nil, err
	}
	c.ownsEndpoint = true
	ep.add(c)
	ep.logger.Debug().Str("remote", address).Int("mtu", c.mtu).Msg("session established")
	return c, nil
}

func (u *UDP) handshake(ctx context.Context, ep *endpoint, raddr *net.UDPAddr) (*udpConn, error) {
	var mtu int
	for attempt := 0; mtu == 0; attempt++ {
		size := mtuSizes[min(attempt/2, len(mtuSizes)-1)]
		if err := ep.io.write(encodeOpenConnectionRequest1(size), raddr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		reply, err := ep.awaitOffline(ctx, handshakeRetry, idOpenConnectionReply1, idIncompatibleProtocol)
		if err != nil {
			return nil, err
		}
		if reply == nil {
			continue
		}
		if reply[0] == idIncompatibleProtocol {
			return nil, fmt.Errorf("%w: server rejected raknet protocol %d", ErrUnreachable, raknetProtocolVersion)
		}
		if _, m, err := decodeOpenConnectionReply1(reply); err == nil {
			mtu = m
		}
	}

	for {
		if err := ep.io.write(encodeOpenConnectionRequest2(raddr, mtu, ep.guid), raddr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		reply, err := ep.awaitOffline(ctx, handshakeRetry, idOpenConnectionReply2)
		if err != nil {
			return nil, err
		}
		if reply == nil {
			continue
		}
		guid, agreed, err := decodeOpenConnectionReply2(reply)
		if err != nil {
			continue
		}
		return newUDPConn(ep, raddr, agreed, guid), nil
	}
}

// Ping sends unconnected pings until a pong arrives or ctx ends.
func (u *UDP) Ping(ctx context.Context, address string) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	pio, err := u.open(ctx, udpNetwork(raddr.IP), ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	ep := newEndpoint(pio, Options{}, false, u.Name())
	ep.start()
	defer ep.close()

	for {
		if err := ep.io.write(encodeUnconnectedPing(time.Now().UnixMilli(), ep.guid), raddr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		reply, err := ep.awaitOffline(ctx, handshakeRetry, idUnconnectedPong)
		if err != nil {
			return nil, err
		}
		if reply == nil {
			continue
		}
		return decodeUnconnectedPong(reply)
	}
}
