// Package testutil holds test doubles shared by the state machine and
// daemon tests.
package testutil

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/care/dactyl/internal/sensor"
	"github.com/care/dactyl/internal/types"
)

// Epoch is the start time of every fake clock.
var Epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// Clock is a fake clock whose Sleep advances time instead of blocking, so
// state machines that pause between sensor reads run instantly in tests.
type Clock struct {
	fake clockwork.FakeClock
}

// NewClock returns a clock set to Epoch.
func NewClock() *Clock {
	return &Clock{fake: clockwork.NewFakeClockAt(Epoch)}
}

func (c *Clock) Now() time.Time { return c.fake.Now() }

// Sleep advances the clock by d.
func (c *Clock) Sleep(d time.Duration) { c.fake.Advance(d) }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.fake.Advance(d) }

// NewTicker returns a ticker driven by Advance.
func (c *Clock) NewTicker(d time.Duration) clockwork.Ticker { return c.fake.NewTicker(d) }

// BlockUntil waits until n timers or tickers are pending on the clock.
func (c *Clock) BlockUntil(n int) { c.fake.BlockUntil(n) }

// Since returns the elapsed fake time since Epoch.
func (c *Clock) Since() time.Duration { return c.fake.Now().Sub(Epoch) }

// Publisher records every published event.
type Publisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *Publisher) Publish(ev types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Event, len(p.events))
	copy(out, p.events)
	return out
}

// Reset forgets recorded events.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// Enrollment returns the recorded enrollment events in order.
func (p *Publisher) Enrollment() []*types.EnrollmentEvent {
	var out []*types.EnrollmentEvent
	for _, ev := range p.Events() {
		if e, ok := ev.(*types.EnrollmentEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

// Statuses returns the status field of every enrollment event.
func (p *Publisher) Statuses() []string {
	var out []string
	for _, e := range p.Enrollment() {
		out = append(out, e.Status)
	}
	return out
}

// Matches returns the recorded attendance events in order.
func (p *Publisher) Matches() []*types.MatchEvent {
	var out []*types.MatchEvent
	for _, ev := range p.Events() {
		if e, ok := ev.(*types.MatchEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

// DeviceStatus returns the recorded status events in order.
func (p *Publisher) DeviceStatus() []*types.StatusEvent {
	var out []*types.StatusEvent
	for _, ev := range p.Events() {
		if e, ok := ev.(*types.StatusEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

// SpySensor wraps a sensor and counts calls per operation.
type SpySensor struct {
	sensor.Sensor

	mu    sync.Mutex
	calls map[string]int
	slots []int
}

// NewSpySensor wraps s.
func NewSpySensor(s sensor.Sensor) *SpySensor {
	return &SpySensor{Sensor: s, calls: make(map[string]int)}
}

func (s *SpySensor) count(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

// Calls returns how often op was invoked.
func (s *SpySensor) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// StoredSlots returns the slots passed to StoreModel in order.
func (s *SpySensor) StoredSlots() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.slots...)
}

func (s *SpySensor) CaptureImage() error {
	s.count("capture")
	return s.Sensor.CaptureImage()
}

func (s *SpySensor) ImageToTemplate(buffer int) error {
	s.count("convert")
	return s.Sensor.ImageToTemplate(buffer)
}

func (s *SpySensor) BuildModel() error {
	s.count("build")
	return s.Sensor.BuildModel()
}

func (s *SpySensor) StoreModel(slot int) error {
	s.count("store")
	s.mu.Lock()
	s.slots = append(s.slots, slot)
	s.mu.Unlock()
	return s.Sensor.StoreModel(slot)
}

func (s *SpySensor) Search() (sensor.Match, error) {
	s.count("search")
	return s.Sensor.Search()
}

func (s *SpySensor) Reinit() error {
	s.count("reinit")
	return s.Sensor.Reinit()
}
