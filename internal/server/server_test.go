package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/bedrock/internal/advertisement"
	"github.com/energizer-project/bedrock/internal/auth"
	"github.com/energizer-project/bedrock/internal/client"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/network"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/version"
)

const testPort = 19132

func serverConfig(v string) config.ServerConfig {
	cfg := config.DefaultConfig().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = testPort
	cfg.Version = v
	return cfg
}

func clientConfig(username, v string) config.ClientConfig {
	cfg := config.DefaultConfig().Client
	cfg.Host = "127.0.0.1"
	cfg.Port = testPort
	cfg.Username = username
	cfg.Version = v
	cfg.ProtocolVersion = 0
	return cfg
}

func startServer(t *testing.T, mem *transport.MemoryNetwork, cfg config.ServerConfig, opts ...Option) *Server {
	t.Helper()
	srv, err := New(cfg, append([]Option{WithBackend(mem)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))
	t.Cleanup(func() { _ = srv.Close(context.Background(), "") })
	return srv
}

func connect(t *testing.T, mem *transport.MemoryNetwork, cfg config.ClientConfig, opts ...client.Option) (*client.Client, error) {
	t.Helper()
	c, err := client.New(cfg, append([]client.Option{client.WithBackend(mem)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close("test done") })
	return c, c.Connect(context.Background())
}

func TestNewRejectsUnknownVersion(t *testing.T) {
	_, err := New(serverConfig("0.0.1"), WithBackend(transport.NewMemoryNetwork()))
	assert.Error(t, err)
}

func TestHandshakeNotifications(t *testing.T) {
	mem := transport.NewMemoryNetwork()

	var (
		mu   sync.Mutex
		seen []string
	)
	record := func(name string) events.Listener {
		return func(interface{}) {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
		}
	}

	players := make(chan *Player, 1)
	srv := startServer(t, mem, serverConfig("1.21.71"))
	srv.OnConnect(func(p *Player) {
		p.On(events.NotifyLogin, "test", record("login"))
		p.On(events.NotifyJoin, "test", record("join"))
		p.On(events.NotifySpawn, "test", record("spawn"))
		players <- p
	})

	c, err := connect(t, mem, clientConfig("Steve", "1.21.71"), client.WithSkinData(map[string]interface{}{"SkinId": "custom"}))
	require.NoError(t, err)
	assert.Equal(t, network.StateInitialized, c.State())
	assert.NotZero(t, c.EntityID())

	p := <-players
	require.Eventually(t, func() bool { return p.State() == network.StateInitialized }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"login", "join", "spawn"}, seen)
	mu.Unlock()

	assert.Equal(t, "Steve", p.Profile().Name)
	assert.Equal(t, auth.OfflineUUID("Steve"), p.Profile().UUID)
	assert.Equal(t, "1.21.71", p.Version())
	assert.Equal(t, 786, p.Protocol())
	assert.Equal(t, c.EntityID(), p.EntityID())
	assert.Equal(t, "custom", p.UserData()["SkinId"])
	assert.Equal(t, "Steve", p.UserData()["ThirdPartyName"])
	assert.True(t, p.Compression().Negotiated)

	st := srv.Status()
	assert.Equal(t, 1, st.Players)
	assert.Equal(t, int64(1), st.Accepted)
}

func TestVersionMismatchStatus(t *testing.T) {
	tests := []struct {
		name          string
		clientVersion string
	}{
		{"client newer", "1.21.2"},
		{"client older", "1.20.80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := transport.NewMemoryNetwork()
			srv := startServer(t, mem, serverConfig("1.21.0"))

			closed := make(chan string, 1)
			srv.OnConnect(func(p *Player) {
				p.On(events.NotifyClose, "test", func(reason interface{}) { closed <- reason.(string) })
			})

			// Skip the ping so the server side does the rejecting.
			cfg := clientConfig("Steve", tt.clientVersion)
			cfg.SkipPing = true
			_, err := connect(t, mem, cfg)
			assert.ErrorIs(t, err, version.ErrVersionMismatch)

			select {
			case reason := <-closed:
				want := protocol.PlayStatusFailedClient
				if tt.clientVersion == "1.21.2" {
					want = protocol.PlayStatusFailedSpawn
				}
				assert.True(t, strings.HasPrefix(reason, want.String()+": "), reason)
				assert.Contains(t, reason, version.ErrVersionMismatch.Error())
				assert.Contains(t, reason, tt.clientVersion)
			case <-time.After(2 * time.Second):
				t.Fatal("player was not closed")
			}
			assert.Eventually(t, func() bool { return len(srv.Clients()) == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestServerFull(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	cfg := serverConfig("1.21.71")
	cfg.MaxPlayers = 1
	srv := startServer(t, mem, cfg)

	_, err := connect(t, mem, clientConfig("Steve", "1.21.71"))
	require.NoError(t, err)

	_, err = connect(t, mem, clientConfig("Alex", "1.21.71"))
	assert.ErrorIs(t, err, client.ErrServerFull)
	assert.Eventually(t, func() bool { return len(srv.Clients()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAdvertisementAnswersPing(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	cfg := serverConfig("1.21.71")
	cfg.MOTD = "Test Lobby"
	cfg.LevelName = "lobby"
	cfg.MaxPlayers = 5
	srv := startServer(t, mem, cfg)

	ad, err := client.Ping(context.Background(), mem, "127.0.0.1", testPort)
	require.NoError(t, err)
	assert.Equal(t, "Test Lobby", ad.MOTD)
	assert.Equal(t, "lobby", ad.LevelName)
	assert.Equal(t, 786, ad.Protocol)
	assert.Equal(t, 0, ad.PlayersOnline)
	assert.Equal(t, 5, ad.PlayersMax)
	assert.Equal(t, testPort, ad.PortV4)

	_, err = connect(t, mem, clientConfig("Steve", "1.21.71"))
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Advertisement().PlayersOnline)
	assert.Equal(t, srv.Advertisement().ServerID, ad.ServerID)
}

func TestAdvertisementFunc(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	custom := advertisement.New(advertisement.Listing{MOTD: "Custom", PlayersOnline: 42}, testPort, "1.21.71")
	startServer(t, mem, serverConfig("1.21.71"), WithAdvertisementFunc(func() advertisement.Advertisement { return custom }))

	ad, err := client.Ping(context.Background(), mem, "127.0.0.1", testPort)
	require.NoError(t, err)
	assert.Equal(t, "Custom", ad.MOTD)
	assert.Equal(t, 42, ad.PlayersOnline)
}

func TestBroadcastAndKick(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	srv := startServer(t, mem, serverConfig("1.21.71"))

	texts := make(chan string, 4)
	cfg := clientConfig("Steve", "1.21.71")
	c, err := client.New(cfg, client.WithBackend(mem))
	require.NoError(t, err)
	c.On(events.NotifyPacket, "test", func(payload interface{}) {
		if pk, ok := payload.(*protocol.Text); ok {
			texts <- pk.Message
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		ps := srv.Clients()
		return len(ps) == 1 && ps[0].State() == network.StateInitialized
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, srv.BroadcastMessage(context.Background(), "hello"))
	select {
	case msg := <-texts:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}

	key := srv.Clients()[0].Key()
	assert.True(t, srv.Kick(key, "kicked by test"))
	assert.False(t, srv.Kick("nobody", "x"))

	conn := c.Conn()
	select {
	case <-conn.Done():
		assert.Equal(t, "kicked by test", conn.Reason())
	case <-time.After(2 * time.Second):
		t.Fatal("client not disconnected")
	}
	assert.Eventually(t, func() bool { return len(srv.Clients()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	srv, err := New(serverConfig("1.21.71"), WithBackend(mem))
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))

	var clients []*client.Client
	for _, name := range []string{"Steve", "Alex", "Sam"} {
		c, err := connect(t, mem, clientConfig(name, "1.21.71"))
		require.NoError(t, err)
		clients = append(clients, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Close(ctx, "maintenance"))
	assert.Empty(t, srv.Clients())

	for _, c := range clients {
		select {
		case <-c.Conn().Done():
			assert.Equal(t, "maintenance", c.Conn().Reason())
		case <-time.After(2 * time.Second):
			t.Fatal("client not disconnected")
		}
	}

	assert.ErrorIs(t, srv.Close(ctx, ""), ErrNotListening)
	_, err = mem.Ping(ctx, "127.0.0.1:19132")
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestPublishesSessionEvents(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	bus := events.NewEventBus()
	defer bus.Stop(time.Second)

	got := make(chan events.EventType, 8)
	for _, et := range []events.EventType{
		events.EventSessionOpened, events.EventSessionLogin,
		events.EventSessionSpawned, events.EventSessionClosed,
	} {
		bus.Subscribe(et, "test", func(_ context.Context, e events.Event) error {
			got <- e.Type
			return nil
		})
	}

	srv := startServer(t, mem, serverConfig("1.21.71"), WithEventBus(bus))
	c, err := connect(t, mem, clientConfig("Steve", "1.21.71"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ps := srv.Clients()
		return len(ps) == 1 && ps[0].State() == network.StateInitialized
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close("bye"))

	seen := map[events.EventType]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case et := <-got:
			seen[et] = true
		case <-timeout:
			t.Fatalf("missing session events, saw %v", seen)
		}
	}
}

func TestListenPublishesStarted(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	bus := events.NewEventBus()
	defer bus.Stop(time.Second)

	started := make(chan Status, 1)
	bus.Subscribe(events.EventServerStarted, "test", func(_ context.Context, e events.Event) error {
		started <- e.Payload.(Status)
		return nil
	})

	srv, err := New(serverConfig("1.21.71"), WithBackend(mem), WithEventBus(bus))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Listen(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
	t.Cleanup(func() { _ = srv.Close(context.Background(), "") })

	select {
	case st := <-started:
		assert.Equal(t, "127.0.0.1:19132", st.Address)
		assert.Equal(t, 786, st.Protocol)
	case <-time.After(time.Second):
		t.Fatal("server_started not published")
	}

	assert.Error(t, srv.Listen(context.Background()), "second Listen")
}

func TestCompressionLevelZeroDisablesCompression(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	cfg := serverConfig("1.21.71")
	cfg.CompressionLevel = 0
	cfg.CompressionThreshold = 0
	srv := startServer(t, mem, cfg)

	players := make(chan *Player, 1)
	srv.OnConnect(func(p *Player) { players <- p })

	c, err := connect(t, mem, clientConfig("Steve", "1.21.71"))
	require.NoError(t, err)
	p := <-players

	// The client keeps its default level, but adopts the announced algorithm.
	clientComp := c.Conn().Compression()
	assert.True(t, clientComp.Negotiated)
	assert.Equal(t, protocol.AlgorithmNone, clientComp.Algorithm)
	assert.Equal(t, protocol.AlgorithmNone, p.Compression().Algorithm)

	big := protocol.NewCodec().Encode(&protocol.Text{Type: protocol.TextTypeRaw, Message: strings.Repeat("a", 4096)}, 786)
	framed, err := protocol.EncodeBatch([][]byte{big}, clientComp)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.AlgorithmNone), framed[1])

	got := make(chan string, 1)
	p.On(events.NotifyPacket, "test", func(payload interface{}) {
		if pk, ok := payload.(*protocol.Text); ok {
			got <- pk.Message
		}
	})
	require.NoError(t, c.Write(&protocol.Text{Type: protocol.TextTypeRaw, Message: strings.Repeat("b", 4096)}))
	select {
	case msg := <-got:
		assert.Len(t, msg, 4096)
	case <-time.After(2 * time.Second):
		t.Fatal("uncompressed batch not received")
	}
	assert.False(t, p.Closed())
}
