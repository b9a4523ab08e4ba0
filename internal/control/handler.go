package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/dactyl/internal/config"
	"github.com/care/dactyl/internal/types"
)

// DefaultQueueSize is the inbound command buffer
const DefaultQueueSize = 16

// Stats contains control plane counters
type Stats struct {
	Received uint64
	Ignored  uint64
	Invalid  uint64
	Dropped  uint64
}

// Handler decodes inbound MQTT messages into Commands. Decoded commands are
// queued for the device loop; the handler never touches device state.
type Handler struct {
	cfg    *config.Config
	client mqtt.Client
	pub    types.Publisher
	clock  types.Clock

	commands chan Command
	sources  map[string]Source

	mu    sync.Mutex
	stats Stats
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, pub types.Publisher, clock types.Clock) *Handler {
	t := cfg.MQTT.Topics
	return &Handler{
		cfg:      cfg,
		client:   client,
		pub:      pub,
		clock:    clock,
		commands: make(chan Command, DefaultQueueSize),
		sources: map[string]Source{
			t.EnrollRequest:    SourceEnrollRequest,
			t.EnrollResponse:   SourceEnrollResponse,
			t.EnrollCompletion: SourceEnrollCompletion,
			t.DetectRequest:    SourceDetectRequest,
			t.Command:          SourceCommand,
		},
	}
}

// Commands returns the decoded command stream
func (h *Handler) Commands() <-chan Command {
	return h.commands
}

// Start subscribes to every inbound topic
func (h *Handler) Start(ctx context.Context) error {
	for topic, src := range h.sources {
		qos := h.cfg.MQTT.QoS[src.String()]

		slog.Info("subscribing to control topic", "topic", topic, "source", src.String(), "qos", qos)

		token := h.client.Subscribe(topic, qos, h.messageHandler)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("subscription timeout: %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscription to %s failed: %w", topic, err)
		}
	}

	slog.Info("control plane handler started", "topics", len(h.sources))
	return nil
}

// Resubscribe re-registers subscriptions after a reconnect with a clean session
func (h *Handler) Resubscribe() {
	if err := h.Start(context.Background()); err != nil {
		slog.Error("control plane resubscribe failed", "error", err)
	}
}

// Stop unsubscribes from the inbound topics
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		topics := make([]string, 0, len(h.sources))
		for topic := range h.sources {
			topics = append(topics, topic)
		}
		token := h.client.Unsubscribe(topics...)
		token.WaitTimeout(2 * time.Second)
	}

	slog.Info("control plane handler stopped")
	return nil
}

// Stats returns control plane counters
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// messageHandler is called by the MQTT client for every inbound message
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	src := h.sources[msg.Topic()]

	cmd, err := Decode(src, msg.Payload())
	if errors.Is(err, ErrIgnored) {
		h.count(func(s *Stats) { s.Ignored++ })
		slog.Debug("control message ignored", "topic", msg.Topic(), "size", len(msg.Payload()))
		return
	}
	if err != nil {
		h.count(func(s *Stats) { s.Invalid++ })
		slog.Error("failed to decode control message", "topic", msg.Topic(), "error", err)
		ev := types.NewStatusEvent(h.clock.Now(), src.String(), "error", nil)
		ev.Error = err.Error()
		h.pub.Publish(ev)
		return
	}

	h.count(func(s *Stats) { s.Received++ })
	slog.Info("control command received", "command", cmd.Name(), "topic", msg.Topic(), "retained", msg.Retained())

	// Waiting on a publish token inside a paho callback stalls the router.
	if _, ok := cmd.(StartEnrollment); ok {
		go h.clearRetained(msg.Topic())
	}

	select {
	case h.commands <- cmd:
	default:
		h.count(func(s *Stats) { s.Dropped++ })
		slog.Warn("command queue full, dropping command", "command", cmd.Name())
	}
}

// clearRetained publishes an empty retained message so the broker forgets a
// start request and a reconnect cannot replay it.
func (h *Handler) clearRetained(topic string) {
	token := h.client.Publish(topic, h.cfg.MQTT.QoS[SourceEnrollRequest.String()], true, []byte{})
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("retained clear timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to clear retained start", "topic", topic, "error", err)
		return
	}
	slog.Debug("retained enrollment start cleared", "topic", topic)
}

func (h *Handler) count(f func(*Stats)) {
	h.mu.Lock()
	f(&h.stats)
	h.mu.Unlock()
}
