// Package eventbus fans device events out to the outbound consumers (MQTT
// emitter, live feed) without ever blocking the device loop.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/care/dactyl/internal/types"
)

var (
	// ErrClosed is returned when subscribing to a closed bus.
	ErrClosed = errors.New("event bus closed")
	// ErrDuplicateID is returned when a subscriber id is already registered.
	ErrDuplicateID = errors.New("subscriber id already registered")
)

type subscriber struct {
	ch      chan<- types.Event
	sent    uint64
	dropped uint64
}

// Bus distributes events to subscribers with a drop-new policy: a full
// subscriber channel loses the event, the publisher never waits.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   uint64
	closed      bool
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch under id
func (b *Bus) Subscribe(id string, ch chan<- types.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	b.subscribers[id] = &subscriber{ch: ch}

	slog.Info("subscriber registered to event bus",
		"subscriber_id", id,
		"buffer", cap(ch),
		"total_subscribers", len(b.subscribers),
	)
	return nil
}

// Unsubscribe removes id. The channel is not closed.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
	slog.Info("subscriber unregistered from event bus", "subscriber_id", id, "total_subscribers", len(b.subscribers))
}

// Publish implements types.Publisher
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.published++

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			sub.sent++
		default:
			sub.dropped++
			slog.Debug("event dropped for subscriber",
				"subscriber_id", id,
				"kind", ev.Kind(),
			)
		}
	}
}

// Close stops delivery. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// SubscriberStats contains per-subscriber counters
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats contains bus statistics
type Stats struct {
	Published   uint64                     `json:"published"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

// Stats returns bus statistics
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make(map[string]SubscriberStats, len(b.subscribers))
	for id, s := range b.subscribers {
		subs[id] = SubscriberStats{Sent: s.sent, Dropped: s.dropped}
	}
	return Stats{Published: b.published, Subscribers: subs}
}

// StartStatsLogger logs bus statistics every interval and warns when a
// subscriber dropped most of the events of the last interval.
func (b *Bus) StartStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := b.Stats()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			delta := stats.Published - prev.Published

			ids := make([]string, 0, len(stats.Subscribers))
			for id := range stats.Subscribers {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			fields := []interface{}{"published", stats.Published}
			for _, id := range ids {
				s := stats.Subscribers[id]
				deltaDropped := s.Dropped - prev.Subscribers[id].Dropped
				if delta > 0 && float64(deltaDropped)/float64(delta) > 0.5 {
					slog.Warn("event subscriber high drop rate",
						"subscriber_id", id,
						"dropped_last_interval", deltaDropped,
						"events_last_interval", delta,
						"action", "check broker connectivity")
				}
				if s.Dropped > 0 {
					fields = append(fields, id+"_dropped", s.Dropped)
				}
			}
			slog.Debug("event bus stats", fields...)

			prev = stats
		}
	}
}
