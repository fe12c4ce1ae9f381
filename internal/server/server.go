// Package server implements the accepting role: a listener that turns each
// inbound transport session into a Player, drives the login and spawn
// handshake, answers pings with the server advertisement and tracks the
// live players in a session registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/advertisement"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/network"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/version"
)

// DefaultCloseReason is shown to players when the server shuts down.
const DefaultCloseReason = "Server closed"

// MaxViewDistance caps the chunk radius granted to a player.
const MaxViewDistance = 32

// ErrNotListening is returned by operations that need a bound listener.
var ErrNotListening = errors.New("server is not listening")

// Option customizes a Server.
type Option func(*Server)

// WithBackend replaces the transport backend named in the configuration.
func WithBackend(b transport.Backend) Option {
	return func(s *Server) { s.backend = b }
}

// WithEventBus publishes session lifecycle and status events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithAdvertisementFunc makes fn the source of the advertisement answered
// to pings.
func WithAdvertisementFunc(fn func() advertisement.Advertisement) Option {
	return func(s *Server) { s.advertisementFn = fn }
}

// WithAutoJoin controls whether players are walked through resource packs,
// start_game and chunk radius by the server itself. A relay turns it off
// and lets the upstream server answer instead.
func WithAutoJoin(enabled bool) Option {
	return func(s *Server) { s.autoJoin = enabled }
}

// WithCodec replaces the packet codec shared by all players.
func WithCodec(c *protocol.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// Server accepts player sessions.
type Server struct {
	cfg         config.ServerConfig
	backend     transport.Backend
	bus         *events.EventBus
	codec       *protocol.Codec
	batcher     *network.Batcher
	sessions    *network.Registry[*Player]
	compression protocol.Compression
	protocol    int
	version     string
	autoJoin    bool
	logger      zerolog.Logger

	ad              advertisement.Advertisement
	advertisementFn func() advertisement.Advertisement

	mu        sync.RWMutex
	listener  transport.Listener
	cancel    context.CancelFunc
	onConnect []func(*Player)
	startedAt time.Time
	wg        sync.WaitGroup

	nextEntity atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
}

// New creates a server from its configuration. The advertised version is
// also the only protocol version players may join with.
func New(cfg config.ServerConfig, opts ...Option) (*Server, error) {
	proto, ok := version.ProtocolFor(cfg.Version)
	if !ok {
		return nil, fmt.Errorf("%w: %q", version.ErrUnsupportedVersion, cfg.Version)
	}
	comp, err := cfg.Compression()
	if err != nil {
		return nil, err
	}
	// Level 0 disables compression in both directions.
	if comp.Level <= 0 {
		comp.Algorithm = protocol.AlgorithmNone
	}
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = advertisement.DefaultMaxPlayers
	}

	s := &Server{
		cfg:         cfg,
		sessions:    network.NewRegistry[*Player](),
		compression: comp,
		protocol:    proto,
		version:     cfg.Version,
		autoJoin:    true,
		logger: log.With().
			Str("component", "server").
			Str("version", cfg.Version).
			Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.backend == nil {
		if s.backend, err = transport.Get(cfg.Backend); err != nil {
			return nil, err
		}
	}
	if s.codec == nil {
		s.codec = protocol.NewCodec()
	}

	s.ad = advertisement.New(advertisement.Listing{
		MOTD:       cfg.MOTD,
		LevelName:  cfg.LevelName,
		PlayersMax: cfg.MaxPlayers,
	}, cfg.Port, cfg.Version)

	return s, nil
}

// OnConnect registers fn to run for every accepted player before any of
// its packets are handled, so fn can attach listeners for login, join,
// spawn and close.
func (s *Server) OnConnect(fn func(*Player)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// Listen binds the configured address and starts accepting players. ctx
// bounds only the bind; the accept loop runs until Close.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		addr := s.listener.Addr()
		s.mu.Unlock()
		return fmt.Errorf("server already listening on %s", addr)
	}

	l, err := s.backend.Listen(ctx, s.cfg.Address(), transport.Options{
		UseWorker:           s.cfg.UseWorker,
		PeerTimeout:         s.cfg.PeerTimeoutDuration(),
		MaxHandshakesPerSec: s.cfg.MaxHandshakesPerSec,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	l.SetPongData(func() []byte { return s.Advertisement().Bytes() })

	loopCtx, cancel := context.WithCancel(context.Background())
	s.listener = l
	s.cancel = cancel
	s.batcher = network.NewBatcher(s.cfg.BatchingIntervalDuration())
	s.startedAt = time.Now()

	s.wg.Add(1)
	go s.acceptLoop(loopCtx, l)
	s.mu.Unlock()

	// Status takes the read lock, so it is built after unlocking.
	s.logger.Info().
		Str("address", l.Addr().String()).
		Str("backend", s.backend.Name()).
		Int("protocol", s.protocol).
		Int("max_players", s.cfg.MaxPlayers).
		Msg("server listening")
	s.publish(events.EventServerStarted, s.Status())
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l transport.Listener) {
	defer s.wg.Done()
	for {
		tconn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.accept(tconn)
	}
}

// accept registers a new player and only then starts inbound delivery, so
// no datagram is routed before the player is known.
func (s *Server) accept(tconn transport.Conn) {
	key := tconn.RemoteAddr().String()
	p := newPlayer(s, tconn, key)

	if err := s.sessions.Accept(key, p); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("session rejected")
		s.rejected.Add(1)
		return
	}
	s.accepted.Add(1)

	p.On(events.NotifyClose, "server.close", func(payload interface{}) {
		reason, _ := payload.(string)
		s.publishSession(events.EventSessionClosed, p, reason)
	})
	s.publishSession(events.EventSessionOpened, p, "")

	s.mu.RLock()
	callbacks := make([]func(*Player), len(s.onConnect))
	copy(callbacks, s.onConnect)
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(p)
	}
	p.Notify(events.NotifyConnect, p)

	tconn.OnReceive(func(b []byte) { s.sessions.Route(key, b) })
}

// Close stops accepting, disconnects every player with reason and waits
// for their teardown or ctx.
func (s *Server) Close(ctx context.Context, reason string) error {
	s.mu.Lock()
	l := s.listener
	cancel := s.cancel
	s.listener = nil
	s.cancel = nil
	s.mu.Unlock()
	if l == nil {
		return ErrNotListening
	}
	if reason == "" {
		reason = DefaultCloseReason
	}

	cancel()
	if err := l.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("listener close failed")
	}
	s.wg.Wait()

	for _, p := range s.sessions.All() {
		p.Disconnect(reason, false)
	}
	err := s.sessions.CloseAll(ctx, reason)
	s.batcher.Stop()

	s.logger.Info().Str("reason", reason).Msg("server closed")
	s.publish(events.EventServerStopped, s.Status())
	return err
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Clients returns a snapshot of the connected players.
func (s *Server) Clients() []*Player {
	return s.sessions.All()
}

// Client returns the player registered under key.
func (s *Server) Client(key string) (*Player, bool) {
	return s.sessions.Get(key)
}

// Kick disconnects the player under key with reason.
func (s *Server) Kick(key, reason string) bool {
	p, ok := s.sessions.Get(key)
	if !ok {
		return false
	}
	p.Disconnect(reason, false)
	return true
}

// Broadcast queues pk on every live session and returns how many got it.
func (s *Server) Broadcast(ctx context.Context, pk protocol.Packet) int {
	return s.sessions.Broadcast(ctx, pk)
}

// BroadcastMessage queues a system chat line for every live session.
func (s *Server) BroadcastMessage(ctx context.Context, message string) int {
	return s.Broadcast(ctx, &protocol.Text{Type: protocol.TextTypeSystem, Message: message})
}

// CleanStale closes players silent for longer than timeout.
func (s *Server) CleanStale(timeout time.Duration) int {
	return s.sessions.CleanStale(timeout)
}

// Advertisement returns what pings are answered with.
func (s *Server) Advertisement() advertisement.Advertisement {
	if s.advertisementFn != nil {
		return s.advertisementFn()
	}
	return s.ad.WithPlayers(s.playerCount(), s.cfg.MaxPlayers)
}

// Version returns the semantic version players must join with.
func (s *Server) Version() string { return s.version }

// Protocol returns the wire version players must join with.
func (s *Server) Protocol() int { return s.protocol }

// playerCount counts players that finished login.
func (s *Server) playerCount() int {
	n := 0
	for _, p := range s.sessions.All() {
		if p.loggedIn() {
			n++
		}
	}
	return n
}

// Status is a point-in-time summary of the server.
type Status struct {
	Address    string        `json:"address"`
	Version    string        `json:"version"`
	Protocol   int           `json:"protocol"`
	Sessions   int           `json:"sessions"`
	Players    int           `json:"players"`
	MaxPlayers int           `json:"max_players"`
	Accepted   int64         `json:"accepted"`
	Rejected   int64         `json:"rejected"`
	Uptime     time.Duration `json:"uptime"`
}

// Status returns the current summary.
func (s *Server) Status() Status {
	s.mu.RLock()
	started := s.startedAt
	s.mu.RUnlock()

	st := Status{
		Address:    s.Addr(),
		Version:    s.version,
		Protocol:   s.protocol,
		Sessions:   s.sessions.Count(),
		Players:    s.playerCount(),
		MaxPlayers: s.cfg.MaxPlayers,
		Accepted:   s.accepted.Load(),
		Rejected:   s.rejected.Load(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Truncate(time.Second)
	}
	return st
}

func (s *Server) publish(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(t, "server", payload)
}

func (s *Server) publishSession(t events.EventType, p *Player, reason string) {
	if s.bus == nil {
		return
	}
	prof := p.Profile()
	payload := events.SessionPayload{
		Session:  p.ID().String(),
		Key:      p.Key(),
		Remote:   p.RemoteAddr().String(),
		Role:     p.Role().String(),
		Username: prof.Name,
		XUID:     prof.XUID,
		Version:  p.Version(),
		Protocol: p.Protocol(),
		Reason:   reason,
		Time:     time.Now(),
	}
	if p.loggedIn() {
		payload.UUID = prof.UUID.String()
	}
	s.bus.Publish(t, "server", payload)
}
