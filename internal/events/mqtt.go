package events

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Broker is host:port; tcp:// is assumed when no scheme is given.
	Broker   string
	ClientID string
	// Topic is the base topic; events go to <Topic>/<type>.
	Topic string
	QoS   byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTEmitter publishes events as JSON to an MQTT broker.
type MQTTEmitter struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter prepares the client; Connect opens the session.
func NewMQTTEmitter(cfg MQTTConfig) (*MQTTEmitter, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("events: mqtt broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "acquisition/events"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	e := &MQTTEmitter{cfg: cfg, published: make(map[string]uint64)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("events: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("events: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	return e, nil
}

// newWithClient wires an existing client (tests).
func newWithClient(cfg MQTTConfig, client mqtt.Client) *MQTTEmitter {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTTEmitter{cfg: cfg, client: client, published: make(map[string]uint64), connected: true}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker session.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	slog.Info("events: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	if !token.WaitTimeout(e.cfg.ConnectTimeout) {
		return fmt.Errorf("events: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("events: mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Emit publishes ev to <Topic>/<ev.Type>.
func (e *MQTTEmitter) Emit(ctx context.Context, ev Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("events: mqtt not connected")
	}

	payload, err := ev.JSON()
	if err != nil {
		e.countError()
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}

	topic := path.Join(e.cfg.Topic, ev.Type)
	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		e.countError()
		return fmt.Errorf("events: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("events: published", "topic", topic, "size", len(payload))
	return nil
}

// Disconnect closes the session with a short grace period.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("events: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns a snapshot.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
