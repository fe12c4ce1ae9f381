package cli

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/bedrock/internal/client"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/db"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/network"
	"github.com/energizer-project/bedrock/internal/server"
	"github.com/energizer-project/bedrock/internal/transport"
)

type fixture struct {
	cfg *config.Config
	mem *transport.MemoryNetwork
	srv *server.Server
	bus *events.EventBus
	cli *CLI
	out *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"

	mem := transport.NewMemoryNetwork()
	srv, err := server.New(cfg.Server, server.WithBackend(mem))
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))
	t.Cleanup(func() { _ = srv.Close(context.Background(), "") })

	bus := events.NewEventBus()
	out := &bytes.Buffer{}
	c := NewCLI(cfg, bus, srv)
	c.SetIO(strings.NewReader(""), out)

	return &fixture{cfg: cfg, mem: mem, srv: srv, bus: bus, cli: c, out: out}
}

func (f *fixture) run(t *testing.T, line string) (string, error) {
	t.Helper()
	f.out.Reset()
	err := f.cli.Execute(context.Background(), line)
	return f.out.String(), err
}

func (f *fixture) join(t *testing.T, username string) *server.Player {
	t.Helper()
	cfg := f.cfg.Client
	cfg.Host = "127.0.0.1"
	cfg.Port = f.cfg.Server.Port
	cfg.Username = username
	c, err := client.New(cfg, client.WithBackend(f.mem))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close("test done") })
	require.NoError(t, c.Connect(context.Background()))

	var joined *server.Player
	require.Eventually(t, func() bool {
		for _, p := range f.srv.Clients() {
			if p.Profile().Name == username && p.State() == network.StateInitialized {
				joined = p
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return joined
}

func TestHelpAndUnknown(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "help")
	require.NoError(t, err)
	assert.Contains(t, out, "kick <key> [reason]")

	out, err = f.run(t, "frobnicate now")
	require.NoError(t, err)
	assert.Contains(t, out, "Unknown command: 'frobnicate'")

	out, err = f.run(t, "   ")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	p := f.join(t, "Steve")

	out, err := f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "players 1/")
	assert.Contains(t, out, "Steve")
	assert.Contains(t, out, p.Key())

	out, err = f.run(t, "STATUS "+p.Key())
	require.NoError(t, err)
	assert.Contains(t, out, p.ID().String())
	assert.Contains(t, out, "initialized")

	_, err = f.run(t, "status nobody")
	assert.Error(t, err)
}

func TestKickAndSay(t *testing.T) {
	f := newFixture(t)
	p := f.join(t, "Alex")

	out, err := f.run(t, "say hello   there")
	require.NoError(t, err)
	assert.Contains(t, out, "Message sent to 1 players")

	_, err = f.run(t, "say")
	assert.Error(t, err)

	_, err = f.run(t, "kick")
	assert.Error(t, err)
	_, err = f.run(t, "kick nobody")
	assert.Error(t, err)

	out, err = f.run(t, "kick "+p.Key()+" be nice")
	require.NoError(t, err)
	assert.Contains(t, out, "be nice")
	assert.Eventually(t, func() bool {
		_, ok := f.srv.Client(p.Key())
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "history")
	assert.Error(t, err)

	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "bedrock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	history, err := db.NewSessionStore(database)
	require.NoError(t, err)
	f.cli.SetDependencies(history, nil)

	now := time.Now()
	for _, name := range []string{"Steve", "Alex"} {
		require.NoError(t, history.Record(events.EventSessionOpened, events.SessionPayload{
			Session:  "s-" + name,
			Remote:   "memory-client:1",
			Username: name,
			Version:  "1.21.71",
			Time:     now,
		}))
	}
	require.NoError(t, history.Record(events.EventSessionClosed, events.SessionPayload{
		Session: "s-Alex",
		Reason:  "left",
		Time:    now.Add(time.Minute),
	}))

	out, err := f.run(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "Steve")
	assert.Contains(t, out, "(open)")
	assert.Contains(t, out, "left")

	out, err = f.run(t, "history Alex")
	require.NoError(t, err)
	assert.Contains(t, out, "Alex")
	assert.NotContains(t, out, "Steve")
}

func TestPing(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "ping 127.0.0.1")
	assert.Error(t, err, "no pinger")

	f.cli.SetDependencies(nil, client.NewPinger(f.mem, time.Second))

	_, err = f.run(t, "ping")
	assert.Error(t, err)
	_, err = f.run(t, "ping 127.0.0.1 99999")
	assert.Error(t, err)

	out, err := f.run(t, "ping 127.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, f.srv.Advertisement().MOTD)
	assert.Contains(t, out, f.srv.Version())

	_, err = f.run(t, "ping 127.0.0.1 1")
	assert.Error(t, err)
}

func TestQuitPublishesShutdown(t *testing.T) {
	f := newFixture(t)
	got := make(chan string, 1)
	f.bus.Subscribe(events.EventShutdown, "test", func(_ context.Context, e events.Event) error {
		got <- e.Source
		return nil
	})

	out, err := f.run(t, "quit")
	require.NoError(t, err)
	assert.Contains(t, out, "Shutting down")

	select {
	case src := <-got:
		assert.Equal(t, "cli", src)
	case <-time.After(time.Second):
		t.Fatal("shutdown not published")
	}
}

func TestStartStopsAtEndOfInput(t *testing.T) {
	f := newFixture(t)
	f.cli.SetIO(strings.NewReader("help\nbogus\n"), f.out)

	done := make(chan struct{})
	go func() {
		f.cli.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return at end of input")
	}
	assert.Contains(t, f.out.String(), "Unknown command: 'bogus'")
	assert.Contains(t, f.out.String(), prompt)
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	f.cli.SetIO(r, f.out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.cli.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestSet(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	f.cli.cfg = cfg

	changed := make(chan events.ConfigChangedPayload, 1)
	f.bus.Subscribe(events.EventConfigChanged, "test", func(_ context.Context, e events.Event) error {
		changed <- e.Payload.(events.ConfigChangedPayload)
		return nil
	})

	out, err := f.run(t, "set max_players 42")
	require.NoError(t, err)
	assert.Contains(t, out, "server.max_players = 42")
	assert.Equal(t, 42, cfg.GetServer().MaxPlayers)

	select {
	case p := <-changed:
		assert.Equal(t, "max_players", p.Key)
		assert.Equal(t, 42, p.Value)
	case <-time.After(time.Second):
		t.Fatal("config change not published")
	}

	_, err = f.run(t, "set motd Welcome to the lobby")
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the lobby", cfg.GetServer().MOTD)

	reloaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 42, reloaded.GetServer().MaxPlayers)
	assert.Equal(t, "Welcome to the lobby", reloaded.GetServer().MOTD)

	_, err = f.run(t, "set no_such_key 1")
	assert.Error(t, err)
	_, err = f.run(t, "set max_players")
	assert.Error(t, err)
}
