package telemetry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/events"
	"github.com/energizer-project/bedrock/internal/util"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic string
	body  map[string]interface{}
}

// fakeClient records publishes. Methods it does not override panic.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	sent      []message
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	c.sent = append(c.sent, message{topic: topic, body: body})
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.sent...)
}

func TestNewDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestPublishesBusEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop(time.Second)
	fc := &fakeClient{connected: true}
	h := newHandler(config.MQTTConfig{TopicPrefix: "lobby"}, bus, fc, util.SystemInfo{Hostname: "box"})
	h.Subscribe()

	bus.Publish(events.EventSessionLogin, "server", events.SessionPayload{Key: "k", Username: "Steve"})
	bus.Publish(events.EventServerStatus, "scheduler", events.ServerStatusPayload{Sessions: 3})

	require.Eventually(t, func() bool { return len(fc.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)

	byTopic := map[string]map[string]interface{}{}
	for _, m := range fc.messages() {
		byTopic[m.topic] = m.body
	}

	session := byTopic["lobby/session"]
	require.NotNil(t, session)
	assert.Equal(t, "session_login", session["event"])
	assert.Equal(t, "box", session["hostname"])
	assert.Equal(t, "Steve", session["payload"].(map[string]interface{})["username"])

	server := byTopic["lobby/server"]
	require.NotNil(t, server)
	assert.Equal(t, "server_status", server["event"])
	assert.Equal(t, float64(3), server["payload"].(map[string]interface{})["sessions"])
}

func TestDropsWhileDisconnected(t *testing.T) {
	fc := &fakeClient{}
	h := newHandler(config.MQTTConfig{}, events.NewEventBus(), fc, util.SystemInfo{})
	h.PublishShutdown()
	assert.Empty(t, fc.messages())

	fc.connected = true
	h.PublishShutdown()
	msgs := fc.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, util.AppName+"/server", msgs[0].topic)
	assert.Equal(t, "shutdown", msgs[0].body["event"])
}
