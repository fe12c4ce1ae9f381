// Package config handles configuration loading, validation, and persistence
// for the bedrock server and relay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/protocol"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultPort       = 19132
	DefaultAPIPort    = 5000
)

// Process modes.
const (
	ModeServer = "server"
	ModeRelay  = "relay"
)

// Config is the root configuration structure.
type Config struct {
	mu       sync.RWMutex
	path     string
	firstRun bool

	Mode            string          `json:"mode"`
	Server          ServerConfig    `json:"server"`
	Client          ClientConfig    `json:"client"`
	Relay           RelayConfig     `json:"relay"`
	ApplicationData ApplicationData `json:"application_data"`
}

// NetworkOptions are shared by every role.
type NetworkOptions struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Version string `json:"version"`
	Offline bool   `json:"offline"`

	// Backend names the transport backend: software, accelerated or websocket.
	Backend   string `json:"raknet_backend"`
	UseWorker bool   `json:"use_raknet_worker"`

	CompressionLevel     int    `json:"compression_level"`
	CompressionThreshold int    `json:"compression_threshold"`
	CompressionAlgorithm string `json:"compression_algorithm"`

	// BatchingInterval is in milliseconds.
	BatchingInterval int `json:"batching_interval"`
}

// ServerConfig configures the listening side.
type ServerConfig struct {
	NetworkOptions

	MaxPlayers          int    `json:"max_players"`
	MOTD                string `json:"motd"`
	LevelName           string `json:"level_name"`
	PeerTimeout         int    `json:"peer_timeout_ms"`
	MaxHandshakesPerSec int    `json:"max_handshakes_per_sec"`
}

// ClientConfig configures outbound connections: the relay's upstream leg
// and the CLI's connect and ping commands.
type ClientConfig struct {
	NetworkOptions

	ProtocolVersion int          `json:"protocol_version"`
	Username        string       `json:"username"`
	ViewDistance    int          `json:"view_distance"`
	Platform        string       `json:"platform"`
	Flow            string       `json:"flow"`
	AuthTitle       string       `json:"auth_title"`
	ConnectTimeout  int          `json:"connect_timeout_ms"`
	SkipPing        bool         `json:"skip_ping"`
	FollowPort      bool         `json:"follow_port"`
	ProfilesFolder  string       `json:"profiles_folder"`
	Realms          RealmsConfig `json:"realms"`
}

// RealmsConfig selects a realm instead of a host and port.
type RealmsConfig struct {
	RealmID     string `json:"realm_id"`
	RealmInvite string `json:"realm_invite"`
}

// RelayConfig configures the relay's upstream server.
type RelayConfig struct {
	Destination Destination `json:"destination"`
}

// Destination is a host and port pair.
type Destination struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address joins host and port.
func (d Destination) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// ApplicationData contains the operations side configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	API      APIConfig      `json:"api"`
	Database DatabaseConfig `json:"database"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	StaleSweepInterval   int `json:"stale_sweep_interval_sec"`
	SessionIdleTimeout   int `json:"session_idle_timeout_sec"`
	HistoryPruneInterval int `json:"history_prune_interval_sec"`
	HistoryRetentionDays int `json:"history_retention_days"`
	StatsInterval        int `json:"stats_interval_sec"`
	HealthCheckInterval  int `json:"health_check_interval_sec"`
	ShutdownTimeout      int `json:"shutdown_timeout_sec"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// DatabaseConfig holds the session history store settings.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	AuthDisabled   bool     `json:"auth_disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

func defaultNetworkOptions(host string) NetworkOptions {
	return NetworkOptions{
		Host:                 host,
		Port:                 DefaultPort,
		Version:              "1.21.71",
		Offline:              true,
		Backend:              "software",
		CompressionLevel:     7,
		CompressionThreshold: 512,
		CompressionAlgorithm: "deflate",
		BatchingInterval:     20,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeServer,
		Server: ServerConfig{
			NetworkOptions:      defaultNetworkOptions("0.0.0.0"),
			MaxPlayers:          10,
			MOTD:                "Bedrock Protocol Server",
			LevelName:           "bedrock-protocol",
			PeerTimeout:         10000,
			MaxHandshakesPerSec: 20,
		},
		Client: ClientConfig{
			NetworkOptions:  defaultNetworkOptions("127.0.0.1"),
			ProtocolVersion: 786,
			Username:        "Player",
			ViewDistance:    10,
			Platform:        "bedrock",
			Flow:            "live",
			ConnectTimeout:  9000,
			ProfilesFolder:  "profiles",
		},
		Relay: RelayConfig{
			Destination: Destination{Host: "127.0.0.1", Port: 19133},
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				StaleSweepInterval:   30,
				SessionIdleTimeout:   60,
				HistoryPruneInterval: 3600,
				HistoryRetentionDays: 30,
				StatsInterval:        60,
				HealthCheckInterval:  30,
				ShutdownTimeout:      10,
			},
			API: APIConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    DefaultAPIPort,
			},
			Database: DatabaseConfig{
				Enabled: true,
				Path:    filepath.Join("data", "bedrock.db"),
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "bedrock",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: true,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.firstRun = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetClient returns a copy of the client configuration.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// GetRelay returns a copy of the relay configuration.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// UpdateServerField updates one server option by its JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.Server)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown server field %s", key)
	}

	m[key] = value

	updated, _ := json.Marshal(m)
	next := c.Server
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Server = next
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true when Load had to create the config file.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firstRun
}

// BatchingIntervalDuration converts BatchingInterval to a duration.
func (o NetworkOptions) BatchingIntervalDuration() time.Duration {
	return time.Duration(o.BatchingInterval) * time.Millisecond
}

// Address joins host and port.
func (o NetworkOptions) Address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Compression returns the batch compression settings the options describe.
func (o NetworkOptions) Compression() (protocol.Compression, error) {
	algo, err := protocol.ParseAlgorithm(o.CompressionAlgorithm)
	if err != nil {
		return protocol.Compression{}, err
	}
	return protocol.Compression{
		Algorithm: algo,
		Level:     o.CompressionLevel,
		Threshold: o.CompressionThreshold,
	}, nil
}

// ConnectTimeoutDuration converts ConnectTimeout to a duration.
func (c ClientConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

// PeerTimeoutDuration converts PeerTimeout to a duration.
func (s ServerConfig) PeerTimeoutDuration() time.Duration {
	return time.Duration(s.PeerTimeout) * time.Millisecond
}
