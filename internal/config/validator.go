package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/energizer-project/bedrock/internal/auth"
	"github.com/energizer-project/bedrock/internal/protocol"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/version"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	switch cfg.Mode {
	case ModeServer, ModeRelay:
	default:
		result.AddError("mode", fmt.Sprintf("unknown mode %q (must be server or relay)", cfg.Mode))
	}

	validateNetwork(&cfg.Server.NetworkOptions, "server", result)
	validateServer(&cfg.Server, result)

	if cfg.Mode == ModeRelay {
		validateNetwork(&cfg.Client.NetworkOptions, "client", result)
		validateClient(&cfg.Client, result)
		if strings.TrimSpace(cfg.Relay.Destination.Host) == "" {
			result.AddError("relay.destination.host", "relay destination host is required")
		}
		validatePort(cfg.Relay.Destination.Port, "relay.destination.port", result)
	}

	validateApplicationData(&cfg.ApplicationData, result)
	return result
}

func validateNetwork(o *NetworkOptions, section string, result *ValidationResult) {
	validatePort(o.Port, section+".port", result)

	if _, ok := version.ProtocolFor(o.Version); !ok {
		result.AddError(section+".version", fmt.Sprintf("unsupported version %q", o.Version))
	}

	if _, err := transport.Get(o.Backend); err != nil {
		result.AddError(section+".raknet_backend",
			fmt.Sprintf("unknown backend %q (available: %s)", o.Backend, strings.Join(transport.Names(), ", ")))
	}

	if o.CompressionLevel < 0 || o.CompressionLevel > 9 {
		result.AddError(section+".compression_level", "compression level must be 0-9")
	}
	if o.CompressionThreshold < 0 {
		result.AddError(section+".compression_threshold", "compression threshold cannot be negative")
	}
	if _, err := protocol.ParseAlgorithm(o.CompressionAlgorithm); err != nil {
		result.AddError(section+".compression_algorithm", err.Error())
	}

	if o.BatchingInterval < 0 {
		result.AddError(section+".batching_interval", "batching interval cannot be negative")
	} else if o.BatchingInterval > 500 {
		result.AddWarning(section+".batching_interval",
			fmt.Sprintf("batching interval of %dms will add noticeable latency", o.BatchingInterval))
	}
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if net.ParseIP(s.Host) == nil && s.Host != "localhost" {
		result.AddWarning("server.host", fmt.Sprintf("%q is not an IP address", s.Host))
	}
	if s.MaxPlayers < 1 {
		result.AddError("server.max_players", "must allow at least 1 player")
	}
	if s.MaxPlayers > 200 {
		result.AddWarning("server.max_players",
			fmt.Sprintf("high player count (%d) may cause performance issues", s.MaxPlayers))
	}
	if strings.Contains(s.MOTD, ";") || strings.Contains(s.LevelName, ";") {
		result.AddError("server.motd", "motd and level name cannot contain ';'")
	}
	if s.PeerTimeout < 1000 {
		result.AddWarning("server.peer_timeout_ms", "peer timeout below 1s will drop slow clients")
	}
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	if strings.TrimSpace(c.Username) == "" {
		result.AddError("client.username", "username is required")
	}

	// Only a warning: the handshake enforces the pairing.
	if v, ok := version.Lookup(c.ProtocolVersion); !ok {
		result.AddError("client.protocol_version", fmt.Sprintf("unsupported protocol %d", c.ProtocolVersion))
	} else if v != c.Version {
		result.AddWarning("client.protocol_version",
			fmt.Sprintf("protocol %d is version %s, not %s", c.ProtocolVersion, v, c.Version))
	}

	switch c.Platform {
	case "bedrock", "java":
	default:
		result.AddError("client.platform", fmt.Sprintf("unknown platform %q (must be bedrock or java)", c.Platform))
	}
	if _, err := auth.ParseFlow(c.Flow); err != nil {
		result.AddError("client.flow", err.Error())
	}
	if !c.Offline && c.Flow != "" {
		result.AddWarning("client.offline", "online authentication needs an external identity provider")
	}
	if c.ViewDistance < 1 || c.ViewDistance > 96 {
		result.AddError("client.view_distance", "view distance must be 1-96 chunks")
	}
	if c.ConnectTimeout < 1000 {
		result.AddWarning("client.connect_timeout_ms", "connect timeout below 1s rarely completes a handshake")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
	}

	if data.Database.Enabled && strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "database path is required when enabled")
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if _, err := zerolog.ParseLevel(data.Logging.Level); err != nil {
		result.AddError("application_data.logging.level", fmt.Sprintf("unknown log level %q", data.Logging.Level))
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.StaleSweepInterval < 1 {
		result.AddError("timers.stale_sweep_interval_sec", "stale sweep interval must be at least 1s")
	}
	if timers.SessionIdleTimeout < timers.StaleSweepInterval {
		result.AddWarning("timers.session_idle_timeout_sec",
			"idle timeout shorter than the sweep interval is only checked once per sweep")
	}
	if timers.HistoryRetentionDays < 1 {
		result.AddError("timers.history_retention_days", "retention days must be at least 1")
	}
	if timers.StatsInterval < 10 {
		result.AddWarning("timers.stats_interval_sec",
			"stats interval less than 10s may cause excessive traffic")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
