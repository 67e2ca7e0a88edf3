// Package telemetry publishes field telemetry over MQTT and exposes
// Prometheus metrics.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/field"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

// Topic suffixes, joined to the configured prefix.
const (
	TopicFMSStatus  = "fms/status"
	TopicFMSAdmin   = "fms/admin"
	TopicMatchState = "match/state"
	TopicFieldEstop = "field/estop"
	TopicAlerts     = "alerts"
	topicStation    = "station"
)

// SnapshotSource provides the periodic per-station snapshots.
type SnapshotSource interface {
	Snapshots() []field.SessionSnapshot
}

// publisher is the part of mqtt.Client used for publishing.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	source   SnapshotSource
	interval time.Duration
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, source SnapshotSource) (*MQTTHandler, error) {
	app := cfg.GetApplicationData()
	mqttCfg := app.MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		source:   source,
		interval: time.Duration(app.Timers.StatsPollingInterval) * time.Second,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"event":    cfg.GetFieldData().EventName,
			"hostname": sysInfo.Hostname,
			"platform": sysInfo.Platform,
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("fieldlink-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetWill(handler.topic(TopicFMSStatus), `{"online":false}`, 1, true)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(handler.onConnect)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.pub = handler.client

	return handler, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the MQTT broker, subscribes to events and publishes
// station snapshots until ctx is cancelled.
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
	h.runSnapshots(ctx)

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) runSnapshots(ctx context.Context) {
	if h.source == nil || h.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.PublishSnapshots(h.source.Snapshots())
		}
	}
}

// subscribeEvents registers one bus subscriber for every MQTT-bound event
// so retained topics are written in emit order.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.SubscribeAll("mqtt", h.HandleEvent)
}

// HandleEvent routes a bus event to its topic publisher. Events without a
// topic are ignored.
func (h *MQTTHandler) HandleEvent(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventLinkStatusChanged:
		return h.onLinkStatus(ctx, event)
	case events.EventMatchStateChanged:
		return h.onMatchState(ctx, event)
	case events.EventFieldEstopChanged:
		return h.onFieldEstop(ctx, event)
	case events.EventLinkAlert:
		return h.onLinkAlert(ctx, event)
	case events.EventStationAssigned, events.EventStationReleased:
		return h.onAssignment(ctx, event)
	}
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	prefix := strings.Trim(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

func (h *MQTTHandler) stationTopic(code, leaf string) string {
	return h.topic(topicStation + "/" + code + "/" + leaf)
}

func (h *MQTTHandler) publish(topic string, payload interface{}) {
	h.send(topic, false, payload)
}

func (h *MQTTHandler) publishRetained(topic string, payload interface{}) {
	h.send(topic, true, payload)
}

// send marshals the payload with metadata and publishes it at QoS 1.
func (h *MQTTHandler) send(topic string, retained bool, payload interface{}) {
	if !h.pub.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return msg
}

// Event handlers

func (h *MQTTHandler) onLinkStatus(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.LinkStatusPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	h.publishRetained(h.stationTopic(p.Station.Code(), "link"), map[string]interface{}{
		"team":   p.Team,
		"from":   p.From.String(),
		"to":     p.To.String(),
		"reason": p.Reason,
		"at":     p.At,
	})
	return nil
}

func (h *MQTTHandler) onMatchState(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.MatchStatePayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	h.publishRetained(h.topic(TopicMatchState), map[string]interface{}{
		"level":  p.Level.String(),
		"match":  p.MatchNumber,
		"play":   p.PlayNumber,
		"from":   p.From.String(),
		"to":     p.To.String(),
		"reason": p.Reason,
	})
	return nil
}

func (h *MQTTHandler) onFieldEstop(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.FieldEstopPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	h.publishRetained(h.topic(TopicFieldEstop), map[string]interface{}{
		"asserted": p.Asserted,
		"reason":   p.Reason,
		"source":   event.Source,
	})
	return nil
}

func (h *MQTTHandler) onLinkAlert(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicAlerts), event.Payload)
	return nil
}

func (h *MQTTHandler) onAssignment(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.AssignmentPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	team := interface{}(p.Team)
	if event.Type == events.EventStationReleased {
		team = nil
	}
	h.publishRetained(h.stationTopic(p.Station.Code(), "team"), map[string]interface{}{"team": team})
	return nil
}

// PublishSnapshots publishes one message per assigned station.
func (h *MQTTHandler) PublishSnapshots(snaps []field.SessionSnapshot) {
	for _, snap := range snaps {
		h.publish(h.stationTopic(snap.Station.Code(), "snapshot"), snap)
	}
}

// onConnect marks the FMS online on the same topic as the last will.
func (h *MQTTHandler) onConnect(mqtt.Client) {
	h.logger.Info().Msg("MQTT connected")
	h.publishRetained(h.topic(TopicFMSStatus), map[string]interface{}{"online": true})
}

// PublishShutdown marks the FMS offline.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicFMSAdmin), map[string]interface{}{"event": "shutdown"})
	h.publishRetained(h.topic(TopicFMSStatus), map[string]interface{}{"online": false})
}
