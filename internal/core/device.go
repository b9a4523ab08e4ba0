package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/care/dactyl/internal/attendance"
	"github.com/care/dactyl/internal/control"
	"github.com/care/dactyl/internal/enrollment"
	"github.com/care/dactyl/internal/sensor"
	"github.com/care/dactyl/internal/types"
)

// DeviceOptions configures a Device
type DeviceOptions struct {
	DeviceID       string
	Enrollment     enrollment.Policy
	Attendance     attendance.Policy
	StatusInterval time.Duration
	// StartInAttendance enables attendance matching at boot
	StartInAttendance bool
}

// Device owns the sensor and both state machines. Every mutation happens on
// the goroutine running Run, so neither state machine needs locking; other
// goroutines read the published Snapshot.
type Device struct {
	opts   DeviceOptions
	sensor sensor.Sensor
	pub    types.Publisher
	clock  types.Clock

	enroll *enrollment.Controller
	match  *attendance.Matcher

	detection    types.DetectionMode
	diag         *diagnostic
	wasEnrolling bool
	started      time.Time

	mu   sync.RWMutex
	snap Snapshot
}

// NewDevice creates a device in idle mode
func NewDevice(opts DeviceOptions, s sensor.Sensor, pub types.Publisher, clock types.Clock) *Device {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 30 * time.Second
	}
	opts.Enrollment = fillEnrollment(opts.Enrollment)
	opts.Attendance = fillAttendance(opts.Attendance)

	d := &Device{
		opts:    opts,
		sensor:  s,
		pub:     pub,
		clock:   clock,
		enroll:  enrollment.NewController(s, pub, clock, opts.Enrollment),
		match:   attendance.NewMatcher(s, pub, clock, opts.Attendance),
		started: clock.Now(),
	}
	if opts.StartInAttendance {
		d.setDetection(types.DetectionAttendance)
	}
	d.refreshSnapshot()
	return d
}

func fillEnrollment(p enrollment.Policy) enrollment.Policy {
	if p.PollInterval <= 0 {
		return enrollment.DefaultPolicy()
	}
	return p
}

func fillAttendance(p attendance.Policy) attendance.Policy {
	if p.PollInterval <= 0 {
		return attendance.DefaultPolicy()
	}
	return p
}

// Run drives the device until ctx is cancelled or commands closes
func (d *Device) Run(ctx context.Context, commands <-chan control.Command) error {
	enrollTicker := d.clock.NewTicker(d.opts.Enrollment.PollInterval)
	defer enrollTicker.Stop()
	attendTicker := d.clock.NewTicker(d.opts.Attendance.PollInterval)
	defer attendTicker.Stop()
	statusTicker := d.clock.NewTicker(d.opts.StatusInterval)
	defer statusTicker.Stop()

	slog.Info("device loop started",
		"device_id", d.opts.DeviceID,
		"enrollment_poll", d.opts.Enrollment.PollInterval,
		"attendance_poll", d.opts.Attendance.PollInterval,
		"detection_mode", d.detection.String(),
	)
	d.publishStatus("", "online")

	for {
		select {
		case <-ctx.Done():
			slog.Info("device loop stopping", "mode", d.Mode())
			return nil

		case cmd, ok := <-commands:
			if !ok {
				slog.Info("command stream closed, device loop stopping")
				return nil
			}
			d.handle(cmd)

		case <-enrollTicker.Chan():
			d.tickEnrollment()

		case <-attendTicker.Chan():
			d.tickAttendance()

		case <-statusTicker.Chan():
			d.periodicStatus()
		}

		d.refreshSnapshot()
	}
}

// Mode returns which component currently owns the sensor
func (d *Device) Mode() types.Mode {
	switch {
	case d.enroll.Active():
		return types.ModeEnrolling
	case d.diag != nil:
		return types.ModeDiagnostic
	case d.match.Enabled():
		return types.ModeAttendance
	default:
		return types.ModeIdle
	}
}

// tickEnrollment advances enrollment or the sensor self-test
func (d *Device) tickEnrollment() {
	if d.enroll.Active() {
		d.wasEnrolling = true
		d.enroll.Tick()
	}
	if d.wasEnrolling && !d.enroll.Active() {
		d.wasEnrolling = false
		d.resumeAttendance()
	}
	if d.diag != nil && !d.enroll.Active() {
		d.stepDiagnostic()
	}
}

// tickAttendance runs the matcher when it owns the sensor
func (d *Device) tickAttendance() {
	if d.Mode() != types.ModeAttendance {
		return
	}
	d.match.Tick()
}

// resumeAttendance re-arms the matcher after an enrollment. The enrolled
// finger is probably still on the glass, so a removal is required first.
func (d *Device) resumeAttendance() {
	if !d.match.Enabled() {
		return
	}
	d.match.RequireRemoval()
	slog.Info("attendance resumed after enrollment")
}

// setDetection applies a detection mode
func (d *Device) setDetection(mode types.DetectionMode) {
	d.detection = mode
	d.match.SetMode(mode == types.DetectionAttendance)
}

// periodicStatus publishes the heartbeat unless an enrollment is running
func (d *Device) periodicStatus() {
	if d.enroll.Active() {
		return
	}
	d.publishStatus("", "online")
}
