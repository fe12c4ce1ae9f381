// Package telemetry publishes session lifecycle and server status events
// from the event bus to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/util"
)

// Topic suffixes appended to the configured prefix.
const (
	TopicSession = "session"
	TopicServer  = "server"
	TopicHealth  = "health"
)

// ErrDisabled is returned by New when MQTT is turned off.
var ErrDisabled = errors.New("MQTT is disabled")

// MQTTHandler forwards bus events to the broker.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client

	// Included in every message.
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the configured broker. It does not
// connect until Start.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%s", util.AppName, sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, eventBus, mqtt.NewClient(opts), sysInfo), nil
}

func newHandler(cfg config.MQTTConfig, bus *events.EventBus, client mqtt.Client, sysInfo util.SystemInfo) *MQTTHandler {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = util.AppName
	}
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: bus,
		client:   client,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": util.AppVersion,
		},
	}
}

func tlsConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	// mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in MQTT CA file %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Topic returns the full topic for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Subscribe()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// Subscribe registers the bus handlers that publish to the broker.
func (h *MQTTHandler) Subscribe() {
	for _, t := range []events.EventType{
		events.EventSessionOpened,
		events.EventSessionLogin,
		events.EventSessionSpawned,
		events.EventSessionClosed,
	} {
		h.eventBus.Subscribe(t, "mqtt.session", h.onSession)
	}
	for _, t := range []events.EventType{
		events.EventServerStarted,
		events.EventServerStopped,
		events.EventServerStatus,
	} {
		h.eventBus.Subscribe(t, "mqtt.server", h.onServer)
	}
	h.eventBus.Subscribe(events.EventHealthChanged, "mqtt.health", h.onHealth)
}

func (h *MQTTHandler) onSession(_ context.Context, event events.Event) error {
	h.publish(h.Topic(TopicSession), string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) onServer(_ context.Context, event events.Event) error {
	h.publish(h.Topic(TopicServer), string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) onHealth(_ context.Context, event events.Event) error {
	h.publish(h.Topic(TopicHealth), string(event.Type), event.Payload)
	return nil
}

// PublishShutdown announces that the process is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.Topic(TopicServer), string(events.EventShutdown), nil)
}

// publish sends a JSON message with QoS 1. Messages are dropped while the
// client is disconnected.
func (h *MQTTHandler) publish(topic, event string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(event string, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = event
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}
