package network

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/transport"
)

const testProtocol = 766

// pipe returns both ends of an in-process transport session.
func pipe(t *testing.T) (client, server transport.Conn) {
	t.Helper()
	ctx := context.Background()
	n := transport.NewMemoryNetwork()
	ln, err := n.Listen(ctx, "srv:19132", transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	client, err = n.Dial(ctx, "srv:19132", transport.Options{})
	require.NoError(t, err)
	server, err = ln.Accept(ctx)
	require.NoError(t, err)
	return client, server
}

// datagrams collects raw inbound datagrams on a transport conn.
type datagrams struct {
	mu  sync.Mutex
	got [][]byte
}

func capture(c transport.Conn) *datagrams {
	d := &datagrams{}
	c.OnReceive(func(b []byte) {
		d.mu.Lock()
		d.got = append(d.got, b)
		d.mu.Unlock()
	})
	return d
}

func (d *datagrams) all() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.got...)
}

func textPacket(msg string) *protocol.Text {
	return &protocol.Text{Type: protocol.TextTypeRaw, Message: msg}
}

func decodeTexts(t *testing.T, datagram []byte) []string {
	t.Helper()
	raw, err := protocol.DecodeBatch(datagram, protocol.Compression{})
	require.NoError(t, err)
	codec := protocol.NewCodec()
	var out []string
	for _, b := range raw {
		pk, err := codec.Decode(b, testProtocol)
		require.NoError(t, err)
		out = append(out, pk.(*protocol.Text).Message)
	}
	return out
}

func TestTransitions(t *testing.T) {
	client, _ := pipe(t)
	c := New(client, Options{Protocol: testProtocol})

	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Transition(StateInitializing), ErrInvalidTransition)

	require.NoError(t, c.Transition(StateAuthenticating))
	require.NoError(t, c.Transition(StateInitializing))
	assert.ErrorIs(t, c.Transition(StateAuthenticating), ErrInvalidTransition)
	require.NoError(t, c.Transition(StateInitialized))
	assert.Equal(t, "initialized", c.State().String())

	require.NoError(t, c.Transition(StateDisconnected))
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Transition(StateAuthenticating), ErrConnectionClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, _ := pipe(t)
	c := New(client, Options{Protocol: testProtocol})

	var mu sync.Mutex
	var reasons []interface{}
	c.On(events.NotifyClose, "test", func(p interface{}) {
		mu.Lock()
		reasons = append(reasons, p)
		mu.Unlock()
	})

	require.NoError(t, c.Close("server shutting down"))
	require.NoError(t, c.Close("second"))
	require.NoError(t, c.Disconnect())

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after teardown")
	}
	mu.Lock()
	assert.Equal(t, []interface{}{"server shutting down"}, reasons)
	mu.Unlock()
	assert.Equal(t, "server shutting down", c.Reason())

	assert.ErrorIs(t, c.Queue(textPacket("late")), ErrConnectionClosed)
	assert.ErrorIs(t, c.Write(textPacket("late")), ErrConnectionClosed)
	assert.ErrorIs(t, c.SendBuffer([]byte{0x09}, true), ErrConnectionClosed)
	assert.ErrorIs(t, c.Flush(), ErrConnectionClosed)
}

func TestQueuedPacketsShareOneBatch(t *testing.T) {
	client, server := pipe(t)
	got := capture(server)

	b := NewBatcher(20 * time.Millisecond)
	defer b.Stop()
	c := New(client, Options{Protocol: testProtocol, Batcher: b})
	defer c.Close("")

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, c.Queue(textPacket(m)))
	}
	assert.Equal(t, int64(0), transport.SentDatagrams(client))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(1), transport.SentDatagrams(client))
	assert.Equal(t, []string{"a", "b", "c"}, decodeTexts(t, got.all()[0]))
}

func TestWriteFlushesQueueInOrder(t *testing.T) {
	client, server := pipe(t)
	got := capture(server)

	b := NewBatcher(time.Hour)
	defer b.Stop()
	c := New(client, Options{Protocol: testProtocol, Batcher: b})
	defer c.Close("")

	require.NoError(t, c.Queue(textPacket("first")))
	require.NoError(t, c.Queue(textPacket("second")))
	require.NoError(t, c.Write(textPacket("third")))

	require.NoError(t, c.SendBuffer(protocol.NewCodec().Encode(textPacket("raw"), testProtocol), false))
	require.NoError(t, c.SendBuffer(protocol.NewCodec().Encode(textPacket("now"), testProtocol), true))

	require.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, decodeTexts(t, got.all()[0]))
	assert.Equal(t, []string{"raw", "now"}, decodeTexts(t, got.all()[1]))
}

func TestFlushEmptyQueueSendsNothing(t *testing.T) {
	client, _ := pipe(t)
	c := New(client, Options{Protocol: testProtocol})
	defer c.Close("")

	require.NoError(t, c.Flush())
	assert.Equal(t, int64(0), transport.SentDatagrams(client))
}

func TestInboundPacketsReachHandlerAndListeners(t *testing.T) {
	client, server := pipe(t)

	var mu sync.Mutex
	var seen []string
	sc := New(server, Options{
		Role:     RoleAcceptor,
		Protocol: testProtocol,
		Handler: func(c *Connection, pk protocol.Packet) error {
			mu.Lock()
			seen = append(seen, "handler:"+pk.(*protocol.Text).Message)
			mu.Unlock()
			return nil
		},
	})
	sc.On(events.NotifyPacket, "test", func(p interface{}) {
		mu.Lock()
		seen = append(seen, "listener:"+p.(*protocol.Text).Message)
		mu.Unlock()
	})
	sc.Start()
	defer sc.Close("")

	cc := New(client, Options{Protocol: testProtocol})
	defer cc.Close("")
	require.NoError(t, cc.Queue(textPacket("x")))
	require.NoError(t, cc.Write(textPacket("y")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"listener:x", "handler:x", "listener:y", "handler:y"}, seen)
	mu.Unlock()
	assert.False(t, sc.LastActivity().Before(sc.ConnectedAt()))
}

func TestHandlerErrorTearsDown(t *testing.T) {
	client, server := pipe(t)
	sc := New(server, Options{
		Role:     RoleAcceptor,
		Protocol: testProtocol,
		Handler: func(*Connection, protocol.Packet) error {
			return fmt.Errorf("unexpected packet")
		},
	})
	sc.Start()

	cc := New(client, Options{Protocol: testProtocol})
	cc.Start()
	require.NoError(t, cc.Write(textPacket("hello")))

	select {
	case <-sc.Done():
	case <-time.After(time.Second):
		t.Fatal("handler error did not close the connection")
	}
	assert.Equal(t, "unexpected packet", sc.Reason())

	select {
	case <-cc.Done():
	case <-time.After(time.Second):
		t.Fatal("peer did not observe the close")
	}
}

func TestDecompressionFailureTearsDown(t *testing.T) {
	client, server := pipe(t)
	sc := New(server, Options{
		Role:        RoleAcceptor,
		Protocol:    testProtocol,
		Compression: protocol.Compression{Algorithm: protocol.AlgorithmFlate, Level: 7, Threshold: 0},
	})
	sc.EnableCompression()

	closed := make(chan interface{}, 1)
	sc.On(events.NotifyClose, "test", func(p interface{}) { closed <- p })
	sc.Start()

	require.NoError(t, client.Send([]byte{protocol.GamePacketMarker, byte(protocol.AlgorithmFlate), 0xde, 0xad, 0xbe, 0xef}))

	select {
	case reason := <-closed:
		assert.Contains(t, reason, protocol.ErrDecompression.Error())
	case <-time.After(time.Second):
		t.Fatal("decompression failure did not close the connection")
	}
	assert.Equal(t, StateDisconnected, sc.State())
}

func TestCompressedRoundTrip(t *testing.T) {
	client, server := pipe(t)
	comp := protocol.Compression{Algorithm: protocol.AlgorithmFlate, Level: 7, Threshold: 1}

	received := make(chan string, 1)
	sc := New(server, Options{Role: RoleAcceptor, Protocol: testProtocol, Compression: comp})
	sc.EnableCompression()
	sc.On(events.NotifyPacket, "test", func(p interface{}) { received <- p.(*protocol.Text).Message })
	sc.Start()
	defer sc.Close("")

	cc := New(client, Options{Protocol: testProtocol, Compression: comp})
	cc.EnableCompression()
	defer cc.Close("")
	assert.True(t, cc.Compression().Negotiated)

	require.NoError(t, cc.Write(textPacket("compressed hello")))
	select {
	case msg := <-received:
		assert.Equal(t, "compressed hello", msg)
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
}

func TestPeerLossClosesConnection(t *testing.T) {
	client, server := pipe(t)
	sc := New(server, Options{Role: RoleAcceptor, Protocol: testProtocol})
	sc.Start()

	require.NoError(t, client.Close())
	select {
	case <-sc.Done():
	case <-time.After(time.Second):
		t.Fatal("peer loss did not close the connection")
	}
	assert.Contains(t, sc.Reason(), transport.ErrPeerLost.Error())
}

func TestVersionHelpers(t *testing.T) {
	client, _ := pipe(t)
	c := New(client, Options{Protocol: testProtocol})
	defer c.Close("")

	c.SetProtocol(748, "1.21.40")
	assert.Equal(t, 748, c.Protocol())
	assert.True(t, c.VersionLessThan("1.21.50"))
	assert.True(t, c.VersionGreaterThan("1.20.80"))
	assert.True(t, c.VersionGreaterThanOrEqualTo("1.21.40"))
	assert.False(t, c.VersionGreaterThanOrEqualTo("1.21.41"))
}

func TestTeardownHooksRunBeforeClose(t *testing.T) {
	client, _ := pipe(t)
	c := New(client, Options{Protocol: testProtocol})

	var order []string
	require.True(t, c.OnTeardown(func(*Connection) { order = append(order, "hook") }))
	c.On(events.NotifyClose, "test", func(interface{}) { order = append(order, "close") })
	require.NoError(t, c.Close("bye"))

	assert.Equal(t, []string{"hook", "close"}, order)
	assert.False(t, c.OnTeardown(func(*Connection) {}))
}

type closeRecorder struct {
	transport.Conn
	onClose func()
}

func (c *closeRecorder) Close() error {
	c.onClose()
	return c.Conn.Close()
}

func TestTeardownHooksRunBeforeTransportClose(t *testing.T) {
	client, _ := pipe(t)

	var order []string
	c := New(&closeRecorder{Conn: client, onClose: func() { order = append(order, "transport") }}, Options{Protocol: testProtocol})
	require.True(t, c.OnTeardown(func(*Connection) { order = append(order, "hook") }))
	c.On(events.NotifyClose, "test", func(interface{}) { order = append(order, "close") })

	require.NoError(t, c.Close("bye"))
	assert.Equal(t, []string{"hook", "transport", "close"}, order)
}

func TestCloseFromCloseListenerReturns(t *testing.T) {
	client, _ := pipe(t)
	c := New(client, Options{Protocol: testProtocol})

	closes := 0
	c.On(events.NotifyClose, "again", func(interface{}) {
		closes++
		_ = c.Close("again")
		_ = c.Disconnect()
	})

	done := make(chan struct{})
	go func() {
		_ = c.Close("first")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close called from a close listener did not return")
	}
	assert.Equal(t, 1, closes)
	assert.Equal(t, "first", c.Reason())
}

func TestCloseFromTeardownHookReturns(t *testing.T) {
	client, _ := pipe(t)
	c := New(client, Options{Protocol: testProtocol})

	require.True(t, c.OnTeardown(func(conn *Connection) { _ = conn.Close("nested") }))

	done := make(chan struct{})
	go func() {
		_ = c.Close("first")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close called from a teardown hook did not return")
	}
	assert.Equal(t, "first", c.Reason())
	assert.Equal(t, StateDisconnected, c.State())
}
