// Package telemetry publishes lobby events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/royale-project/royale/internal/config"
	"github.com/royale-project/royale/internal/events"
	"github.com/royale-project/royale/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicRound   = "round"
	TopicPlayers = "players"
	TopicScores  = "scores"
	TopicStatus  = "status"
)

// publisher is the subset of mqtt.Client used for publishing.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards EventBus events to MQTT as JSON documents.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for cfg. It does not connect.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"cpu_model":   sysInfo.CPUModel,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": "1.0.0",
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("royale-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

// Start connects to the broker and publishes events until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	h.publish(TopicStatus, "started", nil)

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

var routes = []struct {
	event events.EventType
	topic string
}{
	{events.EventRoundStateChanged, TopicRound},
	{events.EventChartSelected, TopicRound},
	{events.EventPlayerJoined, TopicPlayers},
	{events.EventPlayerLeft, TopicPlayers},
	{events.EventScoreReported, TopicScores},
	{events.EventCatalogueLoaded, TopicStatus},
	{events.EventHeartbeat, TopicStatus},
}

func (h *MQTTHandler) subscribeEvents() {
	for _, r := range routes {
		topic := r.topic
		h.eventBus.Subscribe(r.event, "mqtt."+string(r.event), func(_ context.Context, e events.Event) error {
			h.publish(topic, string(e.Type), e.Payload)
			return nil
		})
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, r := range routes {
		h.eventBus.Unsubscribe(r.event, "mqtt."+string(r.event))
	}
}

// Topic returns the full topic name for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message naming event to an MQTT topic. A nil payload
// is omitted.
func (h *MQTTHandler) publish(suffix, event string, payload interface{}) {
	if !h.pub.IsConnected() {
		return
	}
	topic := h.Topic(suffix)

	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event name and payload.
func (h *MQTTHandler) buildMessage(event string, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = event
	if payload != nil {
		msg["payload"] = payload
	}
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown announces that the server is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicStatus, string(events.EventShutdown), nil)
}
