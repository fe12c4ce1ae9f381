// Package events carries notifications inside the process: a synchronous
// per-connection Emitter for session milestones and an asynchronous EventBus
// feeding the operations side (telemetry, history, API).
package events

import "time"

// EventType names a notification or bus event.
type EventType string

// Connection notifications, delivered synchronously by an Emitter.
const (
	NotifyLogin   EventType = "login"
	NotifyJoin    EventType = "join"
	NotifySpawn   EventType = "spawn"
	NotifyClose   EventType = "close"
	NotifyPacket  EventType = "packet"
	NotifyConnect EventType = "connect"
)

// Bus events, delivered asynchronously by the EventBus.
const (
	EventSessionOpened  EventType = "session_opened"
	EventSessionLogin   EventType = "session_login"
	EventSessionSpawned EventType = "session_spawned"
	EventSessionClosed  EventType = "session_closed"
	EventServerStarted  EventType = "server_started"
	EventServerStopped  EventType = "server_stopped"
	EventServerStatus   EventType = "server_status"
	EventHealthChanged  EventType = "health_changed"
	EventConfigChanged  EventType = "config_changed"
	EventShutdown       EventType = "shutdown"
)

// Event represents a single event on the bus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes a session at one point of its lifecycle.
type SessionPayload struct {
	Session  string    `json:"session"`
	Key      string    `json:"key"`
	Remote   string    `json:"remote"`
	Role     string    `json:"role"`
	Username string    `json:"username,omitempty"`
	XUID     string    `json:"xuid,omitempty"`
	UUID     string    `json:"uuid,omitempty"`
	Version  string    `json:"version,omitempty"`
	Protocol int       `json:"protocol,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// ServerStatusPayload is a periodic snapshot of a listening server.
type ServerStatusPayload struct {
	Address    string  `json:"address"`
	Version    string  `json:"version"`
	Sessions   int     `json:"sessions"`
	Players    int     `json:"players"`
	MaxPlayers int     `json:"max_players"`
	Uptime     int64   `json:"uptime_seconds"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// HealthPayload reports a health check that changed state.
type HealthPayload struct {
	Check   string    `json:"check"`
	Healthy bool      `json:"healthy"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
