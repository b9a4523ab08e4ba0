package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/care/dactyl/internal/control"
	"github.com/care/dactyl/internal/types"
)

// handle applies one inbound command. It runs on the device loop only.
func (d *Device) handle(cmd control.Command) {
	slog.Debug("command received", "command", cmd.Name(), "mode", d.Mode())

	switch c := cmd.(type) {
	case control.StartEnrollment:
		d.startEnrollment(c)

	case control.ConfirmEnrollment:
		d.enroll.Confirm(c.TemplateID)

	case control.CancelEnrollment:
		d.enroll.Cancel(c.TemplateID)

	case control.EnrollmentSaved:
		d.enroll.Saved(c.TemplateID)

	case control.SetDetectionMode:
		d.setDetectionMode(c.Mode)

	case control.DeviceCommand:
		d.deviceCommand(c)

	default:
		panic(fmt.Sprintf("core: unhandled command %T", cmd))
	}
}

// startEnrollment opens a session, pre-empting attendance or a self-test
func (d *Device) startEnrollment(c control.StartEnrollment) {
	wasActive := d.enroll.Active()
	err := d.enroll.Start(c.Slot, c.TemplateID)
	if err != nil {
		if !errors.Is(err, types.ErrEnrollmentBlocked) && !errors.Is(err, types.ErrInvalidSlot) {
			slog.Error("enrollment start failed", "slot", c.Slot, "template_id", c.TemplateID, "error", err)
		}
		return
	}
	if wasActive {
		return
	}

	if d.diag != nil {
		d.abortDiagnostic("enrollment started")
	}
	if d.match.Enabled() {
		d.match.Reset()
		slog.Info("attendance paused for enrollment", "slot", c.Slot)
	}
	d.wasEnrolling = true
}

// setDetectionMode applies the remote detection setting and reports it
func (d *Device) setDetectionMode(mode types.DetectionMode) {
	prev := d.detection
	d.setDetection(mode)
	slog.Info("detection mode set", "from", prev.String(), "to", mode.String())

	if mode == types.DetectionAttendance && d.enroll.Active() {
		// Matcher stays armed but idle until the session ends.
		d.match.RequireRemoval()
	}
	d.publishStatus("", "online")
}
