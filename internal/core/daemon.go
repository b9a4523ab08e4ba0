package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/care/dactyl/internal/config"
	"github.com/care/dactyl/internal/control"
	"github.com/care/dactyl/internal/emitter"
	"github.com/care/dactyl/internal/eventbus"
	"github.com/care/dactyl/internal/feed"
	"github.com/care/dactyl/internal/sensor"
	"github.com/care/dactyl/internal/types"
)

const (
	subscriberBuffer = 64
	busStatsInterval = time.Minute
)

// Daemon is the main service orchestrator
type Daemon struct {
	cfg   *config.Config
	clock types.Clock

	// Core components
	sensor         sensor.Sensor
	simulator      *sensor.Simulator
	bridge         *sensor.Bridge
	bus            *eventbus.Bus
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	feed           *feed.Hub
	device         *Device
	server         *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
}

// Option customises a Daemon
type Option func(*Daemon)

// WithClock replaces the wall clock
func WithClock(c types.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithSensor replaces the configured sensor
func WithSensor(s sensor.Sensor) Option {
	return func(d *Daemon) { d.sensor = s }
}

// WithMQTTClient uses an existing client instead of dialing the broker
func WithMQTTClient(c mqtt.Client) Option {
	return func(d *Daemon) { d.emitter.Use(c) }
}

// NewDaemon wires every component from cfg
func NewDaemon(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		bus:     eventbus.New(),
		emitter: emitter.NewMQTTEmitter(cfg),
		feed:    feed.NewHub(nil),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.sensor == nil {
		if err := d.buildSensor(); err != nil {
			return nil, err
		}
	}

	d.device = NewDevice(DeviceOptions{
		DeviceID:          cfg.DeviceID,
		Enrollment:        cfg.Enrollment.Policy(),
		Attendance:        cfg.Attendance.Policy(),
		StatusInterval:    cfg.StatusInterval(),
		StartInAttendance: cfg.Attendance.Enabled,
	}, d.sensor, d.bus, d.clock)

	d.emitter.OnConnect = d.resubscribe

	slog.Info("daemon configured",
		"device_id", cfg.DeviceID,
		"sensor", cfg.Sensor.Type,
		"broker", cfg.MQTT.Broker,
		"attendance_on_start", cfg.Attendance.Enabled,
	)
	return d, nil
}

// buildSensor creates the sensor named by the configuration
func (d *Daemon) buildSensor() error {
	switch d.cfg.Sensor.Type {
	case config.SensorMock:
		d.simulator = sensor.NewSimulator(d.cfg.Sensor.Capacity, d.cfg.Sensor.MatchConfidence)
		d.sensor = d.simulator
		slog.Info("using simulated sensor", "capacity", d.cfg.Sensor.Capacity)
	case config.SensorBridge:
		b, err := sensor.NewBridge(sensor.BridgeConfig{
			Command:         d.cfg.Sensor.Command,
			Args:            d.cfg.Sensor.Args,
			RequestTimeout:  d.cfg.Sensor.RequestTimeout(),
			DefaultCapacity: d.cfg.Sensor.Capacity,
		})
		if err != nil {
			return fmt.Errorf("failed to create sensor bridge: %w", err)
		}
		d.bridge = b
		d.sensor = b
		slog.Info("using sensor bridge", "command", d.cfg.Sensor.Command)
	default:
		return fmt.Errorf("unknown sensor type %q", d.cfg.Sensor.Type)
	}
	return nil
}

// Device returns the device state owner
func (d *Daemon) Device() *Device {
	return d.device
}

// Simulator returns the simulated sensor, or nil with a hardware bridge
func (d *Daemon) Simulator() *sensor.Simulator {
	return d.simulator
}

// Run starts every component and blocks until ctx is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	d.isRunning = true
	d.started = time.Now()
	d.mu.Unlock()

	slog.Info("dactyl service starting", "device_id", d.cfg.DeviceID)

	// Bring up the sensor driver; it lives as long as ctx
	if d.bridge != nil {
		if err := d.bridge.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sensor bridge: %w", err)
		}
	}

	// Outbound fan-out: one subscription per transport
	mqttEvents := make(chan types.Event, subscriberBuffer)
	if err := d.bus.Subscribe("mqtt", mqttEvents); err != nil {
		return fmt.Errorf("failed to subscribe mqtt emitter: %w", err)
	}
	feedEvents := make(chan types.Event, subscriberBuffer)
	if err := d.bus.Subscribe("feed", feedEvents); err != nil {
		return fmt.Errorf("failed to subscribe feed: %w", err)
	}

	// Connect MQTT emitter
	if d.emitter.Client == nil {
		if err := d.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
	}

	// Setup control plane handler
	handler := control.NewHandler(d.cfg, d.emitter.Client, d.bus, d.clock)
	if err := handler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}
	d.mu.Lock()
	d.controlHandler = handler
	d.mu.Unlock()

	d.consume(ctx, d.emitter, mqttEvents)
	d.consume(ctx, d.feed, feedEvents)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.bus.StartStatsLogger(ctx, busStatsInterval)
	}()

	// Device loop owns the sensor from here on
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.device.Run(ctx, handler.Commands()); err != nil {
			slog.Error("device loop failed", "error", err)
		}
	}()

	if d.cfg.HealthPort > 0 {
		d.StartHealthServer(d.cfg.HealthPort)
	}

	slog.Info("dactyl service running",
		"mode", d.device.Snapshot().Mode,
		"health_port", d.cfg.HealthPort,
	)

	// Wait for context cancellation
	<-ctx.Done()

	slog.Info("dactyl service run loop exiting")
	return nil
}

// consume runs one event sink on its own goroutine
func (d *Daemon) consume(ctx context.Context, sink EventSink, events <-chan types.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sink.Run(ctx, events)
	}()
}

// resubscribe restores control subscriptions after a broker reconnect
func (d *Daemon) resubscribe() {
	d.mu.RLock()
	h := d.controlHandler
	d.mu.RUnlock()
	if h != nil {
		h.Resubscribe()
	}
}

// Shutdown stops components in dependency order. Run's context must already
// be cancelled.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	handler := d.controlHandler
	server := d.server
	d.mu.Unlock()

	slog.Info("shutting down dactyl service")

	// 1. Stop inbound commands
	if handler != nil {
		slog.Info("stopping control handler")
		if err := handler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Stop HTTP (feed clients are closed by the hub)
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	// 3. Wait for loop and sinks
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("shutdown timed out waiting for goroutines")
	}

	// 4. Release the sensor
	if err := d.sensor.Close(); err != nil {
		slog.Error("failed to close sensor", "error", err)
	}

	// 5. Disconnect MQTT (LWT is not sent on a clean disconnect)
	d.bus.Close()
	if err := d.emitter.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}

	d.mu.Lock()
	uptime := time.Since(d.started)
	d.isRunning = false
	d.mu.Unlock()

	slog.Info("dactyl service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (d *Daemon) ShutdownTimeout() time.Duration {
	timeout := d.cfg.ShutdownTimeout()
	if timeout == 0 {
		return 5 * time.Second // Default
	}
	return timeout
}
