// Package client implements the initiating role: it pings and dials a
// server, authenticates, and walks the login and spawn handshake on a
// network.Connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/advertisement"
	"github.com/energizer-project/bedrock/internal/auth"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/network"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/version"
)

var (
	// ErrNotConnected is returned before Connect succeeded.
	ErrNotConnected = errors.New("client is not connected")

	// ErrServerFull is returned when the server has no free slot.
	ErrServerFull = errors.New("server is full")

	// ErrRejected is returned when the server refuses the login for a
	// reason other than version or capacity.
	ErrRejected = errors.New("login rejected")

	// ErrDisconnected is returned when the session ends before the
	// handshake completed.
	ErrDisconnected = errors.New("disconnected during handshake")
)

// DefaultConnectTimeout bounds Connect when the configuration sets none.
const DefaultConnectTimeout = 9 * time.Second

// Option customizes a Client.
type Option func(*Client)

// WithBackend replaces the transport backend named in the configuration.
func WithBackend(b transport.Backend) Option {
	return func(c *Client) { c.backend = b }
}

// WithProvider sets the identity provider used for online logins.
func WithProvider(p auth.Provider) Option {
	return func(c *Client) { c.provider = p }
}

// WithDeviceCodeFunc is called when the identity provider needs the user
// to sign in on another device.
func WithDeviceCodeFunc(fn auth.DeviceCodeFunc) Option {
	return func(c *Client) { c.onDeviceCode = fn }
}

// WithSkinData merges fields into the client data sent at login.
func WithSkinData(data map[string]interface{}) Option {
	return func(c *Client) { c.skinData = data }
}

// WithRealmResolver resolves the configured realm into an address.
func WithRealmResolver(r RealmResolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithPinger reuses a shared, caching Pinger for the pre-connect ping.
func WithPinger(p *Pinger) Option {
	return func(c *Client) { c.pinger = p }
}

// WithAutoJoin controls whether the client answers the resource pack and
// spawn steps itself. Without it Connect returns once the login was
// accepted and the caller drives the rest, as a relay does.
func WithAutoJoin(enabled bool) Option {
	return func(c *Client) { c.autoJoin = enabled }
}

// WithCodec replaces the packet codec.
func WithCodec(codec *protocol.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

type pendingListener struct {
	t    events.EventType
	name string
	fn   events.Listener
}

// Client is one outbound session.
type Client struct {
	cfg          config.ClientConfig
	backend      transport.Backend
	provider     auth.Provider
	onDeviceCode auth.DeviceCodeFunc
	skinData     map[string]interface{}
	resolver     RealmResolver
	pinger       *Pinger
	autoJoin     bool
	codec        *protocol.Codec
	logger       zerolog.Logger

	mu        sync.Mutex
	conn      *network.Connection
	creds     *auth.Credentials
	entityID  int64
	runtimeID uint64
	err       error
	listeners []pendingListener

	joined    chan struct{}
	spawned   chan struct{}
	joinOnce  sync.Once
	spawnOnce sync.Once
}

// New creates a client from its configuration. A zero protocol version is
// taken from the configured game version.
func New(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	if cfg.ProtocolVersion == 0 {
		p, ok := version.ProtocolFor(cfg.Version)
		if !ok {
			return nil, fmt.Errorf("%w: %q", version.ErrUnsupportedVersion, cfg.Version)
		}
		cfg.ProtocolVersion = p
	}
	if cfg.ViewDistance <= 0 {
		cfg.ViewDistance = 10
	}

	c := &Client{
		cfg:      cfg,
		autoJoin: true,
		joined:   make(chan struct{}),
		spawned:  make(chan struct{}),
		logger: log.With().
			Str("component", "client").
			Str("username", cfg.Username).
			Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.backend == nil {
		if c.backend, err = transport.Get(cfg.Backend); err != nil {
			return nil, err
		}
	}
	if c.codec == nil {
		c.codec = protocol.NewCodec()
	}
	if c.provider == nil {
		if !cfg.Offline {
			return nil, fmt.Errorf("%w: online login needs an identity provider", auth.ErrIdentity)
		}
		c.provider = auth.OfflineProvider{}
	}
	c.provider = auth.NewCachedProvider(c.provider, cfg.ProfilesFolder)
	return c, nil
}

// Connect resolves, pings, dials and logs in. It returns once the client
// has spawned, or joined when auto join is off, and fails if that takes
// longer than the connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("client already connected to %s", c.conn.RemoteAddr())
	}
	c.mu.Unlock()

	semantic, err := version.Negotiate(c.cfg.ProtocolVersion, c.cfg.Version)
	if err != nil {
		return err
	}

	timeout := c.cfg.ConnectTimeoutDuration()
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host, port, err := c.target(ctx)
	if err != nil {
		return err
	}
	if !c.cfg.SkipPing {
		if port, err = c.ping(ctx, host, port); err != nil {
			return err
		}
	}

	flow, err := auth.ParseFlow(c.cfg.Flow)
	if err != nil {
		return err
	}
	creds, err := c.provider.Authenticate(ctx, auth.Request{
		Username:     c.cfg.Username,
		Flow:         flow,
		AuthTitle:    c.cfg.AuthTitle,
		OnDeviceCode: c.onDeviceCode,
	})
	if err != nil {
		return err
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	tconn, err := c.backend.Dial(ctx, address, transport.Options{UseWorker: c.cfg.UseWorker})
	if err != nil {
		return err
	}

	comp, err := c.cfg.Compression()
	if err != nil {
		_ = tconn.Close()
		return err
	}
	batcher := network.NewBatcher(c.cfg.BatchingIntervalDuration())
	conn := network.New(tconn, network.Options{
		Role:        network.RoleInitiator,
		Handler:     c.handle,
		Codec:       c.codec,
		Batcher:     batcher,
		Protocol:    c.cfg.ProtocolVersion,
		Compression: comp,
	})
	conn.SetProtocol(c.cfg.ProtocolVersion, semantic)
	conn.OnTeardown(func(*network.Connection) { batcher.Stop() })

	c.mu.Lock()
	c.conn = conn
	c.creds = creds
	pending := c.listeners
	c.listeners = nil
	c.mu.Unlock()
	for _, l := range pending {
		conn.On(l.t, l.name, l.fn)
	}

	c.logger = c.logger.With().Str("remote", address).Logger()
	c.logger.Info().Int("protocol", c.cfg.ProtocolVersion).Str("version", semantic).Msg("connecting")

	if err := conn.Transition(network.StateAuthenticating); err != nil {
		return err
	}
	conn.Start()
	if err := conn.Write(&protocol.RequestNetworkSettings{ClientProtocol: int32(c.cfg.ProtocolVersion)}); err != nil {
		return err
	}

	ready := c.spawned
	if !c.autoJoin {
		ready = c.joined
	}
	select {
	case <-ready:
		return nil
	case <-conn.Done():
		return c.closeError(conn)
	case <-ctx.Done():
		_ = conn.Close("connect timeout")
		return fmt.Errorf("%w: handshake with %s not finished after %s", transport.ErrTimeout, address, timeout)
	}
}

// target returns the address to dial, resolving a realm if one is set.
func (c *Client) target(ctx context.Context) (string, int, error) {
	if !realmRequested(c.cfg.Realms) {
		return c.cfg.Host, c.cfg.Port, nil
	}
	if c.resolver == nil {
		return "", 0, fmt.Errorf("%w: no resolver configured", ErrRealmUnresolved)
	}
	host, port, err := c.resolver.Resolve(ctx, c.cfg.Realms)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrRealmUnresolved, err)
	}
	c.logger.Debug().Str("host", host).Int("port", port).Msg("realm resolved")
	return host, port, nil
}

// ping checks the server is up and speaks the configured version, and
// returns the port to dial, which is the advertised one when FollowPort is
// set.
func (c *Client) ping(ctx context.Context, host string, port int) (int, error) {
	var (
		ad  advertisement.Advertisement
		err error
	)
	if c.pinger != nil {
		ad, err = c.pinger.Ping(ctx, host, port)
	} else {
		ad, err = Ping(ctx, c.backend, host, port)
	}
	if err != nil {
		return 0, err
	}
	// A server offering another wire version is refused before dialing.
	if ad.Protocol != 0 {
		want, _ := version.Lookup(c.cfg.ProtocolVersion)
		if _, err := version.Negotiate(ad.Protocol, want); err != nil {
			c.logger.Warn().
				Err(err).
				Str("server_version", ad.Version).
				Str("client_version", c.cfg.Version).
				Msg("server advertises a different version")
			return 0, err
		}
	}
	if c.cfg.FollowPort && ad.PortV4 > 0 && ad.PortV4 != port {
		c.logger.Info().Int("port", ad.PortV4).Msg("following advertised port")
		return ad.PortV4, nil
	}
	return port, nil
}

// On registers a notification listener. Listeners registered before
// Connect are attached when the connection is created.
func (c *Client) On(t events.EventType, name string, fn events.Listener) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.listeners = append(c.listeners, pendingListener{t: t, name: name, fn: fn})
	}
	c.mu.Unlock()
	if conn != nil {
		conn.On(t, name, fn)
	}
}

// Conn returns the connection, nil before Connect.
func (c *Client) Conn() *network.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// State returns the lifecycle state.
func (c *Client) State() network.State {
	if conn := c.Conn(); conn != nil {
		return conn.State()
	}
	return network.StateDisconnected
}

// EntityID returns the entity id assigned by start_game.
func (c *Client) EntityID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entityID
}

// Profile returns the identity the client logged in with.
func (c *Client) Profile() auth.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return auth.Profile{Name: c.cfg.Username}
	}
	return auth.Profile{Name: c.creds.Username, XUID: c.creds.XUID, UUID: c.creds.UUID}
}

// Write queues pk and flushes at once.
func (c *Client) Write(pk protocol.Packet) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(pk)
}

// Queue adds pk to the next batch.
func (c *Client) Queue(pk protocol.Packet) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Queue(pk)
}

// Close ends the session with reason.
func (c *Client) Close(reason string) error {
	conn := c.Conn()
	if conn == nil {
		return nil
	}
	return conn.Close(reason)
}

// Disconnect ends the session without a reason.
func (c *Client) Disconnect() error {
	return c.Close("")
}

// Err returns why the server ended the session, if it said.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) closeError(conn *network.Connection) error {
	if err := c.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrDisconnected, conn.Reason())
}

func (c *Client) handle(conn *network.Connection, pk protocol.Packet) error {
	switch pk := pk.(type) {
	case *protocol.NetworkSettings:
		return c.handleNetworkSettings(conn, pk)
	case *protocol.ServerToClientHandshake:
		return conn.Write(&protocol.ClientToServerHandshake{})
	case *protocol.PlayStatusPacket:
		return c.handlePlayStatus(conn, pk.Status)
	case *protocol.ResourcePacksInfo:
		if c.autoJoin {
			return conn.Write(&protocol.ResourcePackClientResponse{Response: protocol.PackResponseHaveAllPacks})
		}
	case *protocol.ResourcePackStack:
		if c.autoJoin {
			return conn.Write(&protocol.ResourcePackClientResponse{Response: protocol.PackResponseCompleted})
		}
	case *protocol.StartGame:
		c.mu.Lock()
		c.entityID = pk.EntityUniqueID
		c.runtimeID = pk.EntityRuntimeID
		c.mu.Unlock()
		if c.autoJoin {
			return conn.Write(&protocol.RequestChunkRadius{Radius: int32(c.cfg.ViewDistance)})
		}
	case *protocol.ChunkRadiusUpdate:
		c.logger.Debug().Int32("radius", pk.Radius).Msg("chunk radius granted")
	case *protocol.Disconnect:
		reason := pk.Message
		if pk.HideScreen || reason == "" {
			reason = "server disconnect"
		}
		c.setErr(fmt.Errorf("%w: %s", ErrDisconnected, reason))
		return conn.Close(reason)
	}
	return nil
}

func (c *Client) handleNetworkSettings(conn *network.Connection, pk *protocol.NetworkSettings) error {
	comp, _ := c.cfg.Compression()
	comp.Algorithm = protocol.AlgorithmFromWire(pk.CompressionAlgorithm)
	comp.Threshold = int(pk.CompressionThreshold)
	conn.SetCompression(comp)

	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	request, err := auth.EncodeLoginRequest(creds, c.clientData(conn))
	if err != nil {
		return err
	}
	return conn.Write(&protocol.Login{
		ClientProtocol:    int32(conn.Protocol()),
		ConnectionRequest: request,
	})
}

func (c *Client) handlePlayStatus(conn *network.Connection, status protocol.PlayStatus) error {
	switch status {
	case protocol.PlayStatusLoginSuccess:
		if err := conn.Transition(network.StateInitializing); err != nil {
			return err
		}
		c.logger.Info().Msg("login accepted")
		profile := c.Profile()
		conn.Notify(events.NotifyLogin, profile)
		conn.Notify(events.NotifyJoin, profile)
		c.joinOnce.Do(func() { close(c.joined) })
		if c.autoJoin {
			return conn.Queue(&protocol.ClientCacheStatus{Enabled: false})
		}
		return nil

	case protocol.PlayStatusPlayerSpawn:
		if c.autoJoin {
			c.mu.Lock()
			rid := c.runtimeID
			c.mu.Unlock()
			if err := conn.Write(&protocol.SetLocalPlayerAsInitialized{EntityRuntimeID: rid}); err != nil {
				return err
			}
		}
		if err := conn.Transition(network.StateInitialized); err != nil {
			return err
		}
		c.logger.Info().Int64("entity", c.EntityID()).Msg("spawned")
		conn.Notify(events.NotifySpawn, nil)
		c.spawnOnce.Do(func() { close(c.spawned) })
		return nil
	}

	err := statusError(status, conn)
	c.setErr(err)
	c.logger.Warn().Err(err).Msg("login refused")
	return conn.Close(status.String())
}

// statusError maps a failing play status to an error.
func statusError(status protocol.PlayStatus, conn *network.Connection) error {
	switch status {
	case protocol.PlayStatusFailedClient, protocol.PlayStatusFailedSpawn:
		return fmt.Errorf("%w: server refused protocol %d (%s): %s",
			version.ErrVersionMismatch, conn.Protocol(), conn.Version(), status)
	case protocol.PlayStatusFailedServerFull:
		return ErrServerFull
	}
	return fmt.Errorf("%w: %s", ErrRejected, status)
}

// clientData is the signed client data of the login, with the configured
// skin data merged over the defaults.
func (c *Client) clientData(conn *network.Connection) map[string]interface{} {
	deviceID := uuid.New()
	data := map[string]interface{}{
		"ClientRandomId":   int64(deviceID.ID()),
		"CurrentInputMode": 1,
		"DefaultInputMode": 1,
		"DeviceId":         deviceID.String(),
		"DeviceModel":      "bedrock",
		"DeviceOS":         7,
		"GameVersion":      conn.Version(),
		"GuiScale":         -1,
		"LanguageCode":     "en_GB",
		"MaxViewDistance":  c.cfg.ViewDistance,
		"SelfSignedId":     uuid.New().String(),
		"ServerAddress":    conn.RemoteAddr().String(),
		"ThirdPartyName":   c.cfg.Username,
		"UIProfile":        0,
	}
	if c.cfg.Platform == "java" {
		data["DeviceModel"] = "java"
		data["ThirdPartyNameOnly"] = true
	}
	for k, v := range c.skinData {
		data[k] = v
	}
	return data
}
