package core

import (
	"log/slog"
	"time"

	"github.com/care/dactyl/internal/attendance"
	"github.com/care/dactyl/internal/types"
)

// EnrollmentSnapshot describes the in-flight session, if any
type EnrollmentSnapshot struct {
	Active     bool   `json:"active"`
	Slot       int    `json:"slot,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	Step       string `json:"step,omitempty"`
	ModelBuilt bool   `json:"model_built,omitempty"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
}

// Snapshot is a point-in-time copy of device state, safe to read from any
// goroutine
type Snapshot struct {
	DeviceID           string             `json:"device_id"`
	Mode               types.Mode         `json:"mode"`
	DetectionMode      string             `json:"detection_mode"`
	Enrollment         EnrollmentSnapshot `json:"enrollment"`
	Attendance         attendance.Stats   `json:"attendance"`
	AwaitingRemoval    bool               `json:"awaiting_removal"`
	SelfTestRunning    bool               `json:"self_test_running"`
	FingerprintsStored int                `json:"fingerprints_stored"`
	Capacity           int                `json:"fingerprint_capacity"`
	UptimeSeconds      int64              `json:"uptime_seconds"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Snapshot returns the latest device snapshot
func (d *Device) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap
}

// refreshSnapshot copies loop-owned state for readers on other goroutines
func (d *Device) refreshSnapshot() {
	now := d.clock.Now()
	s := d.enroll.Session()
	completed, failed := d.enroll.Stats()

	d.mu.Lock()
	defer d.mu.Unlock()

	stored := d.snap.FingerprintsStored
	d.snap = Snapshot{
		DeviceID:      d.opts.DeviceID,
		Mode:          d.Mode(),
		DetectionMode: d.detection.String(),
		Enrollment: EnrollmentSnapshot{
			Active:    s.Active(),
			Completed: completed,
			Failed:    failed,
		},
		Attendance:         d.match.Stats(),
		AwaitingRemoval:    d.match.State().RequireFingerRemoval,
		SelfTestRunning:    d.diag != nil,
		FingerprintsStored: stored,
		Capacity:           d.sensor.Capacity(),
		UptimeSeconds:      int64(now.Sub(d.started) / time.Second),
		UpdatedAt:          now,
	}
	if s.Active() {
		d.snap.Enrollment.Slot = s.Slot
		d.snap.Enrollment.TemplateID = s.TemplateID
		d.snap.Enrollment.Step = s.Step.String()
		d.snap.Enrollment.ModelBuilt = s.ModelBuilt
	}
}

// publishStatus publishes the device status record. command is empty for
// heartbeats and names the request otherwise.
func (d *Device) publishStatus(command, status string) {
	now := d.clock.Now()
	stored, err := d.sensor.TemplateCount()
	if err != nil {
		slog.Warn("template count unavailable", "error", err)
		stored = d.Snapshot().FingerprintsStored
	} else {
		d.mu.Lock()
		d.snap.FingerprintsStored = stored
		d.mu.Unlock()
	}

	d.pub.Publish(types.NewStatusEvent(now, command, status, map[string]interface{}{
		"device_id":              d.opts.DeviceID,
		"enrollment_in_progress": d.enroll.Active(),
		"detection_mode":         int(d.detection),
		"mode":                   string(d.Mode()),
		"fingerprints_stored":    stored,
		"fingerprint_capacity":   d.sensor.Capacity(),
		"uptime_seconds":         int64(now.Sub(d.started) / time.Second),
	}))
}
