package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/events"
)

type sent struct {
	topic string
	data  []byte
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) send(topic string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{topic: topic, data: data})
}

func newTestHandler(t *testing.T, prefix string) (*MQTTHandler, *recorder) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.BrokerURL = "broker.invalid"
	cfg.MQTT.TopicPrefix = prefix

	h, err := NewMQTTHandler(cfg, events.NewBus())
	require.NoError(t, err)
	rec := &recorder{}
	h.send = rec.send
	return h, rec
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.DefaultConfig(), events.NewBus())
	assert.Error(t, err)
}

func TestTopicMapping(t *testing.T) {
	h, _ := newTestHandler(t, "shardgate/")

	assert.Equal(t, "shardgate/session", h.Topic(events.EventSessionConnected))
	assert.Equal(t, "shardgate/fault", h.Topic(events.EventSessionFault))
	assert.Equal(t, "shardgate/login", h.Topic(events.EventShardSelect))
	assert.Equal(t, "shardgate/health", h.Topic(events.EventHeartbeat))
	assert.Equal(t, "shardgate/stats", h.Topic(events.EventStatsSnapshot))
	assert.Empty(t, h.Topic(events.EventType("unknown")))

	bare, _ := newTestHandler(t, "")
	assert.Equal(t, "admin", bare.Topic(events.EventShutdown))
}

func TestOnEventPublishesMessage(t *testing.T) {
	h, rec := newTestHandler(t, "gw")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.onEvent(context.Background(), events.Event{
		Type:    events.EventAccountLogin,
		Time:    at,
		Payload: events.LoginPayload{SessionID: 3, Account: "Avatar", Accepted: true},
	}))
	require.NoError(t, h.onEvent(context.Background(), events.Event{Type: events.EventType("ignored")}))

	require.Len(t, rec.out, 1)
	assert.Equal(t, "gw/login", rec.out[0].topic)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.out[0].data, &msg))
	assert.Equal(t, "account_login", msg["event"])
	assert.Equal(t, "2026-03-01T12:00:00Z", msg["timestamp"])
	assert.Equal(t, "1.0.0", msg["app_version"])
	payload := msg["payload"].(map[string]interface{})
	assert.Equal(t, "Avatar", payload["account"])
	assert.Equal(t, true, payload["accepted"])
}

func TestPublishShutdown(t *testing.T) {
	h, rec := newTestHandler(t, "gw")
	h.PublishShutdown()
	require.Len(t, rec.out, 1)
	assert.Equal(t, "gw/admin", rec.out[0].topic)
}
