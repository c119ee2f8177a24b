package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/poller"
)

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix is the topic root; each slave publishes on <Prefix>/<slave>.
	Prefix  string
	QoS     byte
	Retain  bool
	Timeout time.Duration
}

// mqttPublisher is the part of mqtt.Client the sink needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes one JSON document per slave and poll.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqttPublisher
	logger *logging.Logger
}

// SlaveMessage is the JSON payload of one slave's poll.
type SlaveMessage struct {
	Slave     string             `json:"slave"`
	Timestamp time.Time          `json:"timestamp"`
	Stale     bool               `json:"stale"`
	Values    map[string]float64 `json:"values"`
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig, logger *logging.Logger) (*MQTTSink, error) {
	cfg = cfg.withDefaults()
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out after %v", cfg.Broker, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return newMQTTSink(cfg, client, logger), nil
}

func newMQTTSink(cfg MQTTConfig, client mqttPublisher, logger *logging.Logger) *MQTTSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MQTTSink{cfg: cfg.withDefaults(), client: client, logger: logger}
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.ClientID == "" {
		c.ClientID = "scadasim-poller"
	}
	if c.Prefix == "" {
		c.Prefix = "scadasim"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Publish groups the batch by slave and publishes each group.
func (s *MQTTSink) Publish(ctx context.Context, samples []poller.Sample) error {
	msgs := make(map[string]*SlaveMessage)
	var order []string
	for _, smp := range samples {
		m, ok := msgs[smp.Slave]
		if !ok {
			m = &SlaveMessage{Slave: smp.Slave, Timestamp: smp.Time, Values: make(map[string]float64)}
			msgs[smp.Slave] = m
			order = append(order, smp.Slave)
		}
		m.Values[smp.Point] = smp.Value
		m.Stale = m.Stale || smp.Stale
	}
	for _, slave := range order {
		payload, err := json.Marshal(msgs[slave])
		if err != nil {
			return fmt.Errorf("encode %s: %w", slave, err)
		}
		topic := strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + slave
		token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retain, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Timeout):
			return fmt.Errorf("publish %s: timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		s.logger.Debug("Published %d values on %s", len(msgs[slave].Values), topic)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
