package forwarding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"beaconwatch/internal/config"
	"beaconwatch/internal/monitor"
)

// MQTTSink publishes statistics records as JSON to an MQTT broker.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// NewMQTTSink connects to the configured broker.
func NewMQTTSink(cfg config.MQTTConfig, logger zerolog.Logger) (*MQTTSink, error) {
	log := logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout after %s", cfg.Broker, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}

	return &MQTTSink{
		client:  client,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
	}, nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Deliver implements Sink.
func (s *MQTTSink) Deliver(ctx context.Context, stats monitor.Statistics) error {
	body, err := json.Marshal(NewRecord(stats))
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	token := s.client.Publish(TopicFor(s.topic, stats.SourceAddress), s.qos, false, body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish mqtt: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}

// TopicFor expands the {source} placeholder with the hex source address.
func TopicFor(pattern string, source uint32) string {
	return strings.ReplaceAll(pattern, "{source}", fmt.Sprintf("%08x", source))
}
