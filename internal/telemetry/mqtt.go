// Package telemetry publishes gateway events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/util"
)

// Topic suffixes, joined to the configured prefix.
const (
	TopicAdmin   = "admin"
	TopicSession = "session"
	TopicFault   = "fault"
	TopicLogin   = "login"
	TopicHealth  = "health"
	TopicStats   = "stats"
)

// topics maps each published event to its topic suffix. Events not listed
// are not forwarded.
var topics = map[events.EventType]string{
	events.EventSessionConnected:    TopicSession,
	events.EventSessionState:        TopicSession,
	events.EventSessionFeatures:     TopicSession,
	events.EventSessionDisconnected: TopicSession,
	events.EventSessionFault:        TopicFault,
	events.EventAccountLogin:        TopicLogin,
	events.EventShardSelect:         TopicLogin,
	events.EventShardHealth:         TopicHealth,
	events.EventDiskAlert:           TopicHealth,
	events.EventHeartbeat:           TopicHealth,
	events.EventStatsSnapshot:       TopicStats,
	events.EventShutdown:            TopicAdmin,
}

// MQTTHandler forwards bus events to the broker as JSON messages.
type MQTTHandler struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	client mqtt.Client
	logger zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}

	send func(topic string, data []byte)
}

// NewMQTTHandler creates a handler. The broker is not contacted until Start.
func NewMQTTHandler(cfg *config.Config, bus *events.Bus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	if mqttCfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is empty")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:    mqttCfg,
		bus:    bus,
		logger: util.ComponentLogger("telemetry"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"app_version": "1.0.0",
		},
	}
	h.send = h.publishRaw

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("shardgate-%s", sysInfo.Hostname))
	}
	if mqttCfg.Username != "" {
		opts.SetUsername(mqttCfg.Username)
		opts.SetPassword(mqttCfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if mqttCfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects to the broker, forwards events until ctx is cancelled and
// then publishes a shutdown notice.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.bus.Subscribe(events.Any, "telemetry.mqtt", h.onEvent)

	<-ctx.Done()

	h.bus.Unsubscribe(events.Any, "telemetry.mqtt")
	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

// Topic returns the full topic for an event, or "" when it is not forwarded.
func (h *MQTTHandler) Topic(t events.EventType) string {
	suffix, ok := topics[t]
	if !ok {
		return ""
	}
	prefix := strings.TrimSuffix(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	topic := h.Topic(event.Type)
	if topic == "" {
		return nil
	}
	h.publish(topic, string(event.Type), event.Time, event.Payload)
	return nil
}

func (h *MQTTHandler) publish(topic, eventName string, at time.Time, payload interface{}) {
	data, err := json.Marshal(h.buildMessage(eventName, at, payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}
	h.send(topic, data)
}

// publishRaw sends a message with QoS 1 without waiting for the ack.
func (h *MQTTHandler) publishRaw(topic string, data []byte) {
	if !h.client.IsConnected() {
		return
	}
	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(eventName string, at time.Time, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = eventName
	msg["payload"] = payload
	msg["timestamp"] = at.UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the admin topic.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.Topic(events.EventShutdown), string(events.EventShutdown), time.Now(), nil)
}
