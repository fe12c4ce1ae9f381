// Package relay implements the proxy role: a server whose players are each
// paired with an upstream client connection to a destination server, with
// game packets forwarded between the two legs.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/client"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/network"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/server"
)

// Options configure a Relay.
type Options struct {
	// Server configures the listening leg.
	Server config.ServerConfig
	// Upstream is the template for every upstream client. Host and port
	// are replaced by Destination; an offline upstream logs in with the
	// downstream player's name.
	Upstream    config.ClientConfig
	Destination config.Destination

	ServerOptions []server.Option
	ClientOptions []client.Option
}

// Relay is a Server forwarding its players to an upstream server.
type Relay struct {
	*server.Server

	upstream   config.ClientConfig
	clientOpts []client.Option
	logger     zerolog.Logger

	mu    sync.RWMutex
	pairs map[string]*pair
}

// New creates a relay. The listening leg does not answer resource packs or
// spawn itself; the upstream server does.
func New(opts Options) (*Relay, error) {
	srvOpts := append(append([]server.Option{}, opts.ServerOptions...), server.WithAutoJoin(false))
	srv, err := server.New(opts.Server, srvOpts...)
	if err != nil {
		return nil, err
	}

	upstream := opts.Upstream
	upstream.Host = opts.Destination.Host
	upstream.Port = opts.Destination.Port

	r := &Relay{
		Server:     srv,
		upstream:   upstream,
		clientOpts: opts.ClientOptions,
		pairs:      make(map[string]*pair),
		logger: log.With().
			Str("component", "relay").
			Str("destination", opts.Destination.Address()).
			Logger(),
	}
	srv.OnConnect(r.attach)
	return r, nil
}

// Upstream returns the upstream client of the player under key.
func (r *Relay) Upstream(key string) (*client.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pr, ok := r.pairs[key]
	if !ok {
		return nil, false
	}
	up := pr.upstream()
	return up, up != nil
}

// pair is one downstream player and its upstream client.
type pair struct {
	relay *Relay
	down  *server.Player

	mu      sync.Mutex
	up      *client.Client
	pending []protocol.Packet
	closed  bool
}

func (r *Relay) attach(p *server.Player) {
	pr := &pair{relay: r, down: p}

	r.mu.Lock()
	r.pairs[p.Key()] = pr
	r.mu.Unlock()

	p.On(events.NotifyJoin, "relay.join", func(interface{}) {
		go pr.connect()
	})
	p.On(events.NotifyPacket, "relay.forward", func(payload interface{}) {
		if pk, ok := payload.(protocol.Packet); ok {
			pr.fromDownstream(pk)
		}
	})
	p.On(events.NotifyClose, "relay.close", func(payload interface{}) {
		reason, _ := payload.(string)
		r.mu.Lock()
		if r.pairs[p.Key()] == pr {
			delete(r.pairs, p.Key())
		}
		r.mu.Unlock()
		pr.closeUpstream(reason)
	})
}

func (pr *pair) upstream() *client.Client {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.up
}

// connect dials the destination for the downstream player. Downstream
// packets are buffered until the upstream login was accepted.
func (pr *pair) connect() {
	r := pr.relay
	cfg := r.upstream
	cfg.Version = pr.down.Version()
	cfg.ProtocolVersion = pr.down.Protocol()
	if cfg.Offline {
		cfg.Username = pr.down.Profile().Name
	}

	opts := append(append([]client.Option{}, r.clientOpts...),
		client.WithAutoJoin(false),
		client.WithSkinData(pr.down.UserData()),
	)
	up, err := client.New(cfg, opts...)
	if err != nil {
		pr.down.Disconnect(fmt.Sprintf("Relay misconfigured: %v", err), false)
		return
	}
	up.On(events.NotifyPacket, "relay.forward", func(payload interface{}) {
		if pk, ok := payload.(protocol.Packet); ok {
			pr.fromUpstream(up, pk)
		}
	})
	up.On(events.NotifyClose, "relay.close", func(payload interface{}) {
		// The downstream leg may be the one tearing the pair down.
		if pr.down.Closed() {
			return
		}
		reason, _ := payload.(string)
		if reason == "" {
			reason = "Upstream server closed the connection"
		}
		pr.down.Disconnect(reason, false)
	})

	logger := r.logger.With().Str("player", pr.down.Profile().Name).Logger()
	if err := up.Connect(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("upstream connect failed")
		_ = up.Close(err.Error())
		pr.down.Disconnect(fmt.Sprintf("Could not connect to the destination server: %v", err), false)
		return
	}

	pr.mu.Lock()
	if pr.closed {
		pr.mu.Unlock()
		_ = up.Close("downstream closed")
		return
	}
	for _, pk := range pr.pending {
		if err := up.Queue(pk); err != nil {
			logger.Debug().Err(err).Msg("failed to forward buffered packet")
		}
	}
	forwarded := len(pr.pending)
	pr.pending = nil
	pr.up = up
	pr.mu.Unlock()

	logger.Info().Int("buffered", forwarded).Msg("upstream joined")
}

// fromDownstream forwards a player's packet upstream, or buffers it while
// the upstream is still logging in. Handshake packets stay on their leg.
func (pr *pair) fromDownstream(pk protocol.Packet) {
	switch pk.(type) {
	case *protocol.RequestNetworkSettings, *protocol.Login,
		*protocol.ClientToServerHandshake, *protocol.Disconnect:
		return
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return
	}
	if pr.up == nil {
		pr.pending = append(pr.pending, pk)
		return
	}
	if err := pr.up.Queue(pk); err != nil {
		pr.down.Logger().Debug().Err(err).Uint32("packet", pk.ID()).Msg("upstream forward failed")
	}
}

// fromUpstream forwards a packet of the destination server to the player
// once the upstream login was accepted.
func (pr *pair) fromUpstream(up *client.Client, pk protocol.Packet) {
	switch pk := pk.(type) {
	case *protocol.NetworkSettings, *protocol.ServerToClientHandshake, *protocol.Disconnect:
		return
	case *protocol.PlayStatusPacket:
		if pk.Status != protocol.PlayStatusPlayerSpawn {
			return
		}
	}
	if up.State() < network.StateInitializing {
		return
	}
	if err := pr.down.Queue(pk); err != nil {
		pr.down.Logger().Debug().Err(err).Uint32("packet", pk.ID()).Msg("downstream forward failed")
	}
}

func (pr *pair) closeUpstream(reason string) {
	pr.mu.Lock()
	pr.closed = true
	up := pr.up
	pr.pending = nil
	pr.mu.Unlock()
	if up != nil && up.State() != network.StateDisconnected {
		_ = up.Close(reason)
	}
}
