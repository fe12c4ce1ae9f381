package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebSocket paths served by the listener.
const (
	WebSocketPath = "/bedrock"
	WebSocketPing = "/ping"
)

const wsWriteWait = 5 * time.Second

// WebSocket tunnels datagrams over WebSocket binary messages, one message
// per datagram. Pings are plain HTTP GETs of the advertisement.
type WebSocket struct {
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
}

// NewWebSocket returns the websocket backend.
func NewWebSocket() *WebSocket {
	return &WebSocket{
		dialer: websocket.Dialer{HandshakeTimeout: DefaultDialTimeout},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (w *WebSocket) Name() string { return "websocket" }

type wsConn struct {
	ws     *websocket.Conn
	disp   *dispatcher
	logger zerolog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	gone    atomic.Bool
	onClose func(*wsConn)
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	c := &wsConn{
		ws:   ws,
		disp: newDispatcher(DefaultInboxSize),
		logger: log.With().
			Str("component", "transport").
			Str("backend", "websocket").
			Str("remote", ws.RemoteAddr().String()).
			Logger(),
	}
	timeout := opts.peerTimeout()
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(timeout))
	})
	go c.readLoop(timeout)
	go c.pingLoop(timeout / 4)
	return c
}

func (c *wsConn) readLoop(timeout time.Duration) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.gone.Store(true)
			c.disp.peerLost(fmt.Errorf("%w: %v", ErrPeerLost, err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
		if kind != websocket.BinaryMessage {
			continue
		}
		c.disp.deliver(data)
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() || c.gone.Load() {
			return
		}
		if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}

func (c *wsConn) Send(b []byte) error {
	if c.closed.Load() || c.gone.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

func (c *wsConn) OnReceive(fn func([]byte)) { c.disp.onReceive(fn) }

func (c *wsConn) OnPeerLost(fn func(error)) { c.disp.onPeerLost(fn) }

func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.disp.markLocalClose()
	if c.onClose != nil {
		c.onClose(c)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	c.logger.Debug().Msg("websocket session closed")
	return c.ws.Close()
}

type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	accepted chan *wsConn
	pong     atomic.Value
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func (l *wsListener) track(c *wsConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[c] = struct{}{}
	c.onClose = l.untrack
}

func (l *wsListener) untrack(c *wsConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func (l *wsListener) SetPongData(fn func() []byte) {
	if fn == nil {
		fn = func() []byte { return nil }
	}
	l.pong.Store(fn)
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		conns := make([]*wsConn, 0, len(l.conns))
		for c := range l.conns {
			conns = append(conns, c)
		}
		l.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

// Listen serves the websocket endpoint and the HTTP ping on address.
func (w *WebSocket) Listen(ctx context.Context, address string, opts Options) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBindFailure, address, err)
	}

	l := &wsListener{
		ln:       ln,
		accepted: make(chan *wsConn, acceptBacklog),
		done:     make(chan struct{}),
		conns:    make(map[*wsConn]struct{}),
	}
	l.SetPongData(nil)

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPing, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = rw.Write(l.pong.Load().(func() []byte)())
	})
	mux.HandleFunc(WebSocketPath, func(rw http.ResponseWriter, r *http.Request) {
		ws, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("component", "transport").Msg("websocket upgrade failed")
			return
		}
		c := newWSConn(ws, opts)
		l.track(c)
		select {
		case l.accepted <- c:
		default:
			_ = c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("component", "transport").Msg("websocket server stopped")
		}
	}()

	log.Info().Str("component", "transport").Str("address", ln.Addr().String()).Msg("websocket listener started")
	return l, nil
}

// Dial opens a websocket session to address.
func (w *WebSocket) Dial(ctx context.Context, address string, opts Options) (Conn, error) {
	ctx, cancel := withDefaultTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	ws, _, err := w.dialer.DialContext(ctx, "ws://"+address+WebSocketPath, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxErr(ctx)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return newWSConn(ws, opts), nil
}

// Ping fetches the advertisement over HTTP.
func (w *WebSocket) Ping(ctx context.Context, address string) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+WebSocketPing, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxErr(ctx)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ping status %d", ErrUnreachable, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<16))
}
