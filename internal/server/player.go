package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/energizer-project/bedrock/internal/auth"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/network"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/version"
)

// ErrHandshake is returned when a player sends handshake packets out of
// order.
var ErrHandshake = errors.New("handshake out of order")

// Player is the server side of one client session.
type Player struct {
	*network.Connection

	server *Server
	id     uuid.UUID

	mu        sync.RWMutex
	profile   auth.Profile
	userData  map[string]interface{}
	joined    bool
	entityID  int64
	cacheable bool
}

func newPlayer(s *Server, tconn transport.Conn, key string) *Player {
	p := &Player{server: s, id: uuid.New()}
	p.Connection = network.New(tconn, network.Options{
		Role:        network.RoleAcceptor,
		Key:         key,
		Handler:     p.handle,
		Codec:       s.codec,
		Batcher:     s.batcher,
		Protocol:    s.protocol,
		Compression: s.compression,
	})
	return p
}

// ID identifies this session. Unlike Key it is never reused by a
// reconnect from the same address.
func (p *Player) ID() uuid.UUID { return p.id }

// Conn returns the underlying connection.
func (p *Player) Conn() *network.Connection { return p.Connection }

// Profile returns the verified identity, empty before login.
func (p *Player) Profile() auth.Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

// UserData returns a copy of the client data sent at login.
func (p *Player) UserData() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]interface{}, len(p.userData))
	for k, v := range p.userData {
		out[k] = v
	}
	return out
}

// EntityID returns the id assigned by start_game, zero before.
func (p *Player) EntityID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entityID
}

func (p *Player) loggedIn() bool {
	p.mu.RLock()
	joined := p.joined
	p.mu.RUnlock()
	return joined && !p.Closed()
}

// SendDisconnectStatus tells the client why it cannot play and closes the
// session.
func (p *Player) SendDisconnectStatus(status protocol.PlayStatus) {
	p.sendStatus(status)
	_ = p.Close(status.String())
}

func (p *Player) sendStatus(status protocol.PlayStatus) {
	if err := p.Write(&protocol.PlayStatusPacket{Status: status}); err != nil && !errors.Is(err, network.ErrConnectionClosed) {
		p.Logger().Debug().Err(err).Msg("failed to send play status")
	}
}

// Disconnect shows reason on the client's disconnect screen, unless hide
// is set, and closes the session.
func (p *Player) Disconnect(reason string, hide bool) {
	pk := &protocol.Disconnect{HideScreen: hide, Message: reason, FilteredMessage: reason}
	if err := p.Write(pk); err != nil && !errors.Is(err, network.ErrConnectionClosed) {
		p.Logger().Debug().Err(err).Msg("failed to send disconnect")
	}
	_ = p.Close(reason)
}

func (p *Player) handle(_ *network.Connection, pk protocol.Packet) error {
	switch pk := pk.(type) {
	case *protocol.RequestNetworkSettings:
		return p.handleNetworkSettings(pk)
	case *protocol.Login:
		return p.handleLogin(pk)
	case *protocol.ClientCacheStatus:
		p.mu.Lock()
		p.cacheable = pk.Enabled
		p.mu.Unlock()
	case *protocol.ResourcePackClientResponse:
		if p.server.autoJoin {
			return p.handlePackResponse(pk)
		}
	case *protocol.RequestChunkRadius:
		if p.server.autoJoin {
			return p.handleChunkRadius(pk)
		}
	case *protocol.SetLocalPlayerAsInitialized:
		return p.spawn()
	case *protocol.Disconnect:
		reason := pk.Message
		if reason == "" {
			reason = "client disconnect"
		}
		return p.Close(reason)
	}
	return nil
}

// negotiate checks the client's wire version against the server's. On a
// mismatch the client is told whether it is outdated or ahead and the
// session is closed.
func (p *Player) negotiate(offered int) (string, bool) {
	v, err := version.Negotiate(offered, p.server.version)
	if err == nil {
		return v, true
	}
	status := protocol.PlayStatusFailedClient
	if offered > p.server.protocol {
		status = protocol.PlayStatusFailedSpawn
	}
	p.Logger().Warn().
		Err(err).
		Int("offered", offered).
		Int("expected", p.server.protocol).
		Str("status", status.String()).
		Msg("version rejected")
	p.sendStatus(status)
	_ = p.Close(fmt.Sprintf("%s: %v", status, err))
	return "", false
}

func (p *Player) handleNetworkSettings(pk *protocol.RequestNetworkSettings) error {
	if p.Compression().Negotiated {
		return fmt.Errorf("%w: repeated request_network_settings", ErrHandshake)
	}
	offered := int(pk.ClientProtocol)
	v, ok := p.negotiate(offered)
	if !ok {
		return nil
	}
	p.SetProtocol(offered, v)

	threshold := p.server.compression.Threshold
	if threshold > 0xffff {
		threshold = 0xffff
	}
	settings := &protocol.NetworkSettings{
		CompressionThreshold: uint16(threshold),
		CompressionAlgorithm: p.server.compression.Algorithm.Wire(),
	}
	// network_settings itself still travels without the algorithm byte.
	if err := p.Write(settings); err != nil {
		return err
	}
	p.EnableCompression()
	return nil
}

func (p *Player) handleLogin(pk *protocol.Login) error {
	if !p.Compression().Negotiated {
		return fmt.Errorf("%w: login before network settings", ErrHandshake)
	}
	p.mu.RLock()
	joined := p.joined
	p.mu.RUnlock()
	if joined {
		return fmt.Errorf("%w: repeated login", ErrHandshake)
	}

	if int(pk.ClientProtocol) != p.Protocol() {
		p.negotiate(int(pk.ClientProtocol))
		return nil
	}
	if p.server.playerCount() >= p.server.cfg.MaxPlayers {
		p.Logger().Warn().Int("max_players", p.server.cfg.MaxPlayers).Msg("server full")
		p.SendDisconnectStatus(protocol.PlayStatusFailedServerFull)
		return nil
	}

	req, err := auth.ParseLoginRequest(pk.ConnectionRequest)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	p.mu.Lock()
	p.profile = req.Profile
	p.userData = req.ClientData
	p.joined = true
	p.mu.Unlock()

	if err := p.Transition(network.StateInitializing); err != nil {
		return err
	}
	if err := p.Write(&protocol.PlayStatusPacket{Status: protocol.PlayStatusLoginSuccess}); err != nil {
		return err
	}

	p.Logger().Info().
		Str("username", req.Profile.Name).
		Str("xuid", req.Profile.XUID).
		Str("version", p.Version()).
		Msg("player logged in")

	p.Notify(events.NotifyLogin, req.Profile)
	p.Notify(events.NotifyJoin, req.Profile)
	p.server.publishSession(events.EventSessionLogin, p, "")

	if p.server.autoJoin {
		return p.Write(&protocol.ResourcePacksInfo{})
	}
	return nil
}

func (p *Player) handlePackResponse(pk *protocol.ResourcePackClientResponse) error {
	switch pk.Response {
	case protocol.PackResponseRefused:
		p.Disconnect("You must accept resource packs to join this server.", false)
		return nil
	case protocol.PackResponseSendPacks, protocol.PackResponseHaveAllPacks:
		return p.Write(&protocol.ResourcePackStack{GameVersion: p.server.version})
	case protocol.PackResponseCompleted:
		return p.startGame()
	}
	return nil
}

func (p *Player) startGame() error {
	id := p.server.nextEntity.Add(1)
	p.mu.Lock()
	p.entityID = id
	p.mu.Unlock()

	ad := p.server.Advertisement()
	return p.Write(&protocol.StartGame{
		EntityUniqueID:  id,
		EntityRuntimeID: uint64(id),
		PlayerGameMode:  int32(ad.GameModeID),
		Position:        [3]float32{0, 64, 0},
		WorldName:       ad.LevelName,
		GameVersion:     p.server.version,
	})
}

func (p *Player) handleChunkRadius(pk *protocol.RequestChunkRadius) error {
	radius := min(max(pk.Radius, 1), MaxViewDistance)
	if err := p.Queue(&protocol.ChunkRadiusUpdate{Radius: radius}); err != nil {
		return err
	}
	return p.Write(&protocol.PlayStatusPacket{Status: protocol.PlayStatusPlayerSpawn})
}

// spawn completes the handshake once the client reports it is in the world.
func (p *Player) spawn() error {
	if p.State() != network.StateInitializing {
		return fmt.Errorf("%w: spawn in state %s", ErrHandshake, p.State())
	}
	if err := p.Transition(network.StateInitialized); err != nil {
		return err
	}
	p.Logger().Info().Str("username", p.Profile().Name).Msg("player spawned")
	p.Notify(events.NotifySpawn, nil)
	p.server.publishSession(events.EventSessionSpawned, p, "")
	return nil
}
