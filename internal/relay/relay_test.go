package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/bedrock/internal/client"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/network"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/server"
	"github.com/energizer-project/bedrock/internal/transport"
)

const (
	relayPort = 19132
	destPort  = 19133
)

func serverConfig(port int) config.ServerConfig {
	cfg := config.DefaultConfig().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	return cfg
}

func clientConfig() config.ClientConfig {
	cfg := config.DefaultConfig().Client
	cfg.Host = "127.0.0.1"
	cfg.Port = relayPort
	cfg.Username = "Steve"
	cfg.ConnectTimeout = 3000
	return cfg
}

func startRelay(t *testing.T, mem *transport.MemoryNetwork) *Relay {
	t.Helper()
	upstream := config.DefaultConfig().Client
	upstream.ConnectTimeout = 1000
	r, err := New(Options{
		Server:        serverConfig(relayPort),
		Upstream:      upstream,
		Destination:   config.Destination{Host: "127.0.0.1", Port: destPort},
		ServerOptions: []server.Option{server.WithBackend(mem)},
		ClientOptions: []client.Option{client.WithBackend(mem)},
	})
	require.NoError(t, err)
	require.NoError(t, r.Listen(context.Background()))
	t.Cleanup(func() { _ = r.Close(context.Background(), "") })
	return r
}

func startDestination(t *testing.T, mem *transport.MemoryNetwork) *server.Server {
	t.Helper()
	srv, err := server.New(serverConfig(destPort), server.WithBackend(mem))
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))
	t.Cleanup(func() { _ = srv.Close(context.Background(), "") })
	return srv
}

func spawnedPlayer(t *testing.T, srv interface{ Clients() []*server.Player }) *server.Player {
	t.Helper()
	var p *server.Player
	require.Eventually(t, func() bool {
		ps := srv.Clients()
		if len(ps) != 1 || ps[0].State() != network.StateInitialized {
			return false
		}
		p = ps[0]
		return true
	}, 3*time.Second, 5*time.Millisecond)
	return p
}

func TestRelayJoinsThroughUpstream(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	dest := startDestination(t, mem)
	r := startRelay(t, mem)

	texts := make(chan string, 4)
	c, err := client.New(clientConfig(), client.WithBackend(mem))
	require.NoError(t, err)
	defer c.Disconnect()
	c.On(events.NotifyPacket, "test", func(payload interface{}) {
		if pk, ok := payload.(*protocol.Text); ok {
			texts <- pk.Message
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	upstreamPlayer := spawnedPlayer(t, dest)
	downstreamPlayer := spawnedPlayer(t, r)

	assert.Equal(t, "Steve", upstreamPlayer.Profile().Name)
	assert.Equal(t, "Steve", downstreamPlayer.Profile().Name)
	// start_game came from the destination.
	assert.Equal(t, upstreamPlayer.EntityID(), c.EntityID())
	assert.Zero(t, downstreamPlayer.EntityID())

	up, ok := r.Upstream(downstreamPlayer.Key())
	require.True(t, ok)
	assert.Equal(t, network.StateInitialized, up.State())

	assert.Equal(t, 1, dest.BroadcastMessage(context.Background(), "from upstream"))
	select {
	case msg := <-texts:
		assert.Equal(t, "from upstream", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream broadcast did not reach the client")
	}
}

func TestRelayForwardsDownstreamPackets(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	dest := startDestination(t, mem)
	startRelay(t, mem)

	c, err := client.New(clientConfig(), client.WithBackend(mem))
	require.NoError(t, err)
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	upstreamPlayer := spawnedPlayer(t, dest)
	got := make(chan string, 1)
	upstreamPlayer.On(events.NotifyPacket, "test", func(payload interface{}) {
		if pk, ok := payload.(*protocol.Text); ok {
			got <- pk.Message
		}
	})

	require.NoError(t, c.Write(&protocol.Text{Type: protocol.TextTypeChat, SourceName: "Steve", Message: "hi"}))
	select {
	case msg := <-got:
		assert.Equal(t, "hi", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not reach the destination")
	}
}

func TestRelayClosesPairTogether(t *testing.T) {
	t.Run("downstream leaves", func(t *testing.T) {
		mem := transport.NewMemoryNetwork()
		dest := startDestination(t, mem)
		r := startRelay(t, mem)

		c, err := client.New(clientConfig(), client.WithBackend(mem))
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))
		spawnedPlayer(t, dest)

		require.NoError(t, c.Close("bye"))
		assert.Eventually(t, func() bool { return len(dest.Clients()) == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return len(r.Clients()) == 0 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("upstream kicks", func(t *testing.T) {
		mem := transport.NewMemoryNetwork()
		dest := startDestination(t, mem)
		startRelay(t, mem)

		c, err := client.New(clientConfig(), client.WithBackend(mem))
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))
		p := spawnedPlayer(t, dest)

		p.Disconnect("banned", false)
		select {
		case <-c.Conn().Done():
			assert.Equal(t, "banned", c.Conn().Reason())
		case <-time.After(2 * time.Second):
			t.Fatal("client was not disconnected")
		}
	})
}

func TestRelayWithoutDestination(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	startRelay(t, mem)

	c, err := client.New(clientConfig(), client.WithBackend(mem))
	require.NoError(t, err)
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, client.ErrDisconnected)
	assert.Contains(t, c.Conn().Reason(), "Could not connect to the destination server")
}

func TestRelayShutdownTearsDownJoinedPairs(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	dest := startDestination(t, mem)
	r := startRelay(t, mem)

	c, err := client.New(clientConfig(), client.WithBackend(mem))
	require.NoError(t, err)
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))
	spawnedPlayer(t, dest)
	downstream := spawnedPlayer(t, r)
	up, ok := r.Upstream(downstream.Key())
	require.True(t, ok)

	closes := make(chan interface{}, 4)
	downstream.On(events.NotifyClose, "test", func(reason interface{}) { closes <- reason })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx, "maintenance"))

	select {
	case reason := <-closes:
		assert.Equal(t, "maintenance", reason)
	case <-time.After(time.Second):
		t.Fatal("downstream close was not notified")
	}
	select {
	case <-up.Conn().Done():
	case <-time.After(time.Second):
		t.Fatal("upstream leg was not torn down")
	}
	assert.Eventually(t, func() bool { return len(dest.Clients()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, closes, "close notified more than once")
}
