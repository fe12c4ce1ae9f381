package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/bedrock/internal/advertisement"
	"github.com/energizer-project/bedrock/internal/auth"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/network"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/version"
)

// fakeServer answers the handshake the way a server of version v does,
// using a bare Connection so the client is tested on its own.
func fakeServer(t *testing.T, mem *transport.MemoryNetwork, address, v string) {
	t.Helper()
	proto, ok := version.ProtocolFor(v)
	require.True(t, ok)

	l, err := mem.Listen(context.Background(), address, transport.Options{})
	require.NoError(t, err)
	l.SetPongData(func() []byte {
		return advertisement.New(advertisement.Listing{MOTD: "fake"}, 19132, v).Bytes()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = l.Close()
	})

	go func() {
		for {
			tconn, err := l.Accept(ctx)
			if err != nil {
				return
			}
			conn := network.New(tconn, network.Options{
				Role:        network.RoleAcceptor,
				Protocol:    proto,
				Compression: protocol.Compression{Algorithm: protocol.AlgorithmFlate, Level: 7, Threshold: 256},
				Handler: func(c *network.Connection, pk protocol.Packet) error {
					switch pk := pk.(type) {
					case *protocol.RequestNetworkSettings:
						if _, err := version.Negotiate(int(pk.ClientProtocol), v); err != nil {
							status := protocol.PlayStatusFailedClient
							if int(pk.ClientProtocol) > proto {
								status = protocol.PlayStatusFailedSpawn
							}
							_ = c.Write(&protocol.PlayStatusPacket{Status: status})
							return c.Close(status.String())
						}
						if err := c.Write(&protocol.NetworkSettings{CompressionThreshold: 256}); err != nil {
							return err
						}
						c.EnableCompression()
					case *protocol.Login:
						if _, err := auth.ParseLoginRequest(pk.ConnectionRequest); err != nil {
							return err
						}
						_ = c.Transition(network.StateAuthenticating)
						_ = c.Transition(network.StateInitializing)
						_ = c.Queue(&protocol.PlayStatusPacket{Status: protocol.PlayStatusLoginSuccess})
						return c.Write(&protocol.ResourcePacksInfo{})
					case *protocol.ResourcePackClientResponse:
						if pk.Response == protocol.PackResponseCompleted {
							return c.Write(&protocol.StartGame{EntityUniqueID: 77, EntityRuntimeID: 77})
						}
						return c.Write(&protocol.ResourcePackStack{})
					case *protocol.RequestChunkRadius:
						_ = c.Queue(&protocol.ChunkRadiusUpdate{Radius: pk.Radius})
						return c.Write(&protocol.PlayStatusPacket{Status: protocol.PlayStatusPlayerSpawn})
					}
					return nil
				},
			})
			conn.Start()
		}
	}()
}

func testConfig(v string) config.ClientConfig {
	cfg := config.DefaultConfig().Client
	cfg.Host = "127.0.0.1"
	cfg.Port = 19132
	cfg.Username = "Steve"
	cfg.Version = v
	cfg.ProtocolVersion = 0
	cfg.ConnectTimeout = 2000
	return cfg
}

func TestConnectSpawns(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	fakeServer(t, mem, "127.0.0.1:19132", "1.21.2")

	c, err := New(testConfig("1.21.2"), WithBackend(mem))
	require.NoError(t, err)
	defer c.Disconnect()

	var order []string
	for _, et := range []events.EventType{events.NotifyLogin, events.NotifyJoin, events.NotifySpawn} {
		et := et
		c.On(et, "test", func(interface{}) { order = append(order, string(et)) })
	}

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, network.StateInitialized, c.State())
	assert.Equal(t, int64(77), c.EntityID())
	assert.Equal(t, []string{"login", "join", "spawn"}, order)
	assert.Equal(t, "Steve", c.Profile().Name)
	assert.Equal(t, auth.OfflineUUID("Steve"), c.Profile().UUID)
	assert.True(t, c.Conn().VersionGreaterThanOrEqualTo("1.21.2"))
	assert.True(t, c.Conn().VersionLessThan("1.21.20"))
}

func TestVersionMismatchRejectedBeforeDial(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	fakeServer(t, mem, "127.0.0.1:19132", "1.21.0")

	cfg := testConfig("1.21.2")
	cfg.ProtocolVersion = 686
	c, err := New(cfg, WithBackend(mem))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, version.ErrVersionMismatch)
	assert.Nil(t, c.Conn(), "no session is dialed")
	assert.Equal(t, network.StateDisconnected, c.State())
}

func TestVersionMismatchRefusedByServer(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	fakeServer(t, mem, "127.0.0.1:19132", "1.21.0")

	cfg := testConfig("1.21.2")
	cfg.ProtocolVersion = 686
	cfg.SkipPing = true
	c, err := New(cfg, WithBackend(mem))
	require.NoError(t, err)

	closes := make(chan interface{}, 4)
	c.On(events.NotifyClose, "test", func(reason interface{}) { closes <- reason })

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, version.ErrVersionMismatch)
	assert.Equal(t, network.StateDisconnected, c.State())
	assert.Equal(t, protocol.PlayStatusFailedSpawn.String(), c.Conn().Reason())

	select {
	case reason := <-closes:
		assert.Equal(t, protocol.PlayStatusFailedSpawn.String(), reason)
	case <-time.After(time.Second):
		t.Fatal("close was not notified")
	}
	// Peer loss after the refusal must not notify again.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, closes)
}

func TestLocalVersionPairingEnforced(t *testing.T) {
	cfg := testConfig("1.21.2")
	cfg.ProtocolVersion = 685
	c, err := New(cfg, WithBackend(transport.NewMemoryNetwork()))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), version.ErrVersionMismatch)
	assert.Nil(t, c.Conn())
}

func TestNewRequiresProviderOnline(t *testing.T) {
	cfg := testConfig("1.21.2")
	cfg.Offline = false
	_, err := New(cfg, WithBackend(transport.NewMemoryNetwork()))
	assert.ErrorIs(t, err, auth.ErrIdentity)

	_, err = New(cfg, WithBackend(transport.NewMemoryNetwork()), WithProvider(auth.OfflineProvider{}))
	assert.NoError(t, err)
}

func TestConnectTimeout(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	l, err := mem.Listen(context.Background(), "127.0.0.1:19132", transport.Options{})
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig("1.21.2")
	cfg.SkipPing = true
	cfg.ConnectTimeout = 100
	c, err := New(cfg, WithBackend(mem))
	require.NoError(t, err)

	start := time.Now()
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, c.Conn().Closed())
}

func TestConnectUnreachable(t *testing.T) {
	cfg := testConfig("1.21.2")
	c, err := New(cfg, WithBackend(transport.NewMemoryNetwork()))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), transport.ErrUnreachable)
}

func TestFollowPort(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	fakeServer(t, mem, "127.0.0.1:19140", "1.21.2")

	front, err := mem.Listen(context.Background(), "127.0.0.1:19132", transport.Options{})
	require.NoError(t, err)
	defer front.Close()
	front.SetPongData(func() []byte {
		return advertisement.New(advertisement.Listing{}, 19140, "1.21.2").Bytes()
	})

	cfg := testConfig("1.21.2")
	cfg.FollowPort = true
	c, err := New(cfg, WithBackend(mem))
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "127.0.0.1:19140", c.Conn().RemoteAddr().String())
}

func TestRealmResolution(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	fakeServer(t, mem, "10.0.0.5:19150", "1.21.2")

	cfg := testConfig("1.21.2")
	cfg.Realms.RealmInvite = "AbCdEf"

	c, err := New(cfg, WithBackend(mem))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrRealmUnresolved)

	var asked string
	resolver := RealmResolverFunc(func(_ context.Context, r config.RealmsConfig) (string, int, error) {
		asked = r.RealmInvite
		return "10.0.0.5", 19150, nil
	})
	c, err = New(cfg, WithBackend(mem), WithRealmResolver(resolver))
	require.NoError(t, err)
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "AbCdEf", asked)

	failing := RealmResolverFunc(func(context.Context, config.RealmsConfig) (string, int, error) {
		return "", 0, errors.New("realm closed")
	})
	c, err = New(cfg, WithBackend(mem), WithRealmResolver(failing))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrRealmUnresolved)
}

func TestWriteBeforeConnect(t *testing.T) {
	c, err := New(testConfig("1.21.2"), WithBackend(transport.NewMemoryNetwork()))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Write(&protocol.Text{}), ErrNotConnected)
	assert.ErrorIs(t, c.Queue(&protocol.Text{}), ErrNotConnected)
	assert.NoError(t, c.Close("nothing to close"))
	assert.Equal(t, network.StateDisconnected, c.State())
}

type countingBackend struct {
	*transport.MemoryNetwork
	pings atomic.Int32
}

func (b *countingBackend) Ping(ctx context.Context, address string) ([]byte, error) {
	b.pings.Add(1)
	time.Sleep(50 * time.Millisecond)
	return b.MemoryNetwork.Ping(ctx, address)
}

func TestPingerCachesAndShares(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	fakeServer(t, mem, "127.0.0.1:19132", "1.21.2")
	backend := &countingBackend{MemoryNetwork: mem}
	p := NewPinger(backend, time.Minute)

	done := make(chan advertisement.Advertisement, 4)
	for i := 0; i < 4; i++ {
		go func() {
			ad, err := p.Ping(context.Background(), "127.0.0.1", 19132)
			assert.NoError(t, err)
			done <- ad
		}()
	}
	for i := 0; i < 4; i++ {
		ad := <-done
		assert.Equal(t, "fake", ad.MOTD)
		assert.Equal(t, 686, ad.Protocol)
	}
	assert.Equal(t, int32(1), backend.pings.Load())

	_, err := p.Ping(context.Background(), "127.0.0.1", 19132)
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.pings.Load())

	p.Invalidate("127.0.0.1", 19132)
	_, err = p.Ping(context.Background(), "127.0.0.1", 19132)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.pings.Load())

	_, err = p.Ping(context.Background(), "127.0.0.1", 1)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestPingMalformed(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	l, err := mem.Listen(context.Background(), "127.0.0.1:19132", transport.Options{})
	require.NoError(t, err)
	defer l.Close()
	l.SetPongData(func() []byte { return []byte("garbage") })

	_, err = Ping(context.Background(), mem, "127.0.0.1", 19132)
	assert.ErrorIs(t, err, advertisement.ErrMalformed)
}
