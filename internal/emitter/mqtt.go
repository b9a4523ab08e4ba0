package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/care/dactyl/internal/config"
	"github.com/care/dactyl/internal/types"
)

// MQTTEmitter publishes device events to the MQTT broker
type MQTTEmitter struct {
	cfg      *config.Config
	Client   mqtt.Client // Exported for the control plane
	clientID string

	// OnConnect runs after every (re)connect, e.g. to restore subscriptions
	OnConnect func()

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		clientID:  ClientID(cfg.DeviceID),
		published: make(map[string]uint64),
	}
}

// ClientID returns a broker client id unique to this process, so a second
// daemon for the same device does not kick the first off the broker.
func ClientID(deviceID string) string {
	return fmt.Sprintf("%s-%s", deviceID, uuid.NewString()[:8])
}

// Use attaches an already connected client
func (e *MQTTEmitter) Use(client mqtt.Client) {
	e.Client = client
	e.setConnected(client.IsConnected())
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.clientID)
	if e.cfg.MQTT.Username != "" {
		opts.SetUsername(e.cfg.MQTT.Username)
		opts.SetPassword(e.cfg.MQTT.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	will, _ := json.Marshal(map[string]interface{}{
		"device_id": e.cfg.DeviceID,
		"status":    "offline",
	})
	opts.SetWill(e.cfg.MQTT.Topics.Status, string(will), e.cfg.MQTT.QoS["status"], true)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.clientID,
			"auto_reconnect", "enabled")
		if e.OnConnect != nil {
			go e.OnConnect()
		}
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s",
			"action", "waiting for automatic reconnection")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker, "client_id", e.clientID)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Topic returns the outbound topic for an event kind
func (e *MQTTEmitter) Topic(kind types.EventKind) (topic string, qos byte) {
	t := e.cfg.MQTT.Topics
	switch kind {
	case types.KindEnrollment:
		return t.EnrollResponse, e.cfg.MQTT.QoS["enroll_response"]
	case types.KindMatch:
		return t.Fingerprint, e.cfg.MQTT.QoS["fingerprint"]
	default:
		return t.Status, e.cfg.MQTT.QoS["status"]
	}
}

// Publish publishes one event to the topic of its kind
func (e *MQTTEmitter) Publish(ev types.Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic, qos := e.Topic(ev.Kind())

	payload, err := ev.ToJSON()
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("event published",
		"topic", topic,
		"kind", ev.Kind(),
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Run publishes events from the channel until ctx is done or the channel closes
func (e *MQTTEmitter) Run(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.Publish(ev); err != nil {
				slog.Warn("failed to publish event", "kind", ev.Kind(), "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		ClientID:  e.clientID,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	ClientID  string            `json:"client_id"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// IsConnected returns connection status
func (e *MQTTEmitter) IsConnected() bool {
	return e.isConnected()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
