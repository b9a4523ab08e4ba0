package core

import (
	"log/slog"

	"github.com/care/dactyl/internal/control"
	"github.com/care/dactyl/internal/types"
)

// Device command names accepted on the command topic.
const (
	CmdRestart           = "restart"
	CmdClearAll          = "clear_all"
	CmdSensorInfo        = "sensor_info"
	CmdTestSensor        = "test_sensor"
	CmdDeleteFingerprint = "delete_fingerprint"
	CmdGetStatus         = "get_status"
	CmdSetWiFi           = "set_wifi"
)

// Acknowledgement statuses.
const (
	AckSuccess     = "success"
	AckFailed      = "failed"
	AckError       = "error"
	AckTesting     = "testing"
	AckUnsupported = "unsupported"
)

// deviceCommand executes a device-level command and acknowledges it on the
// status topic
func (d *Device) deviceCommand(c control.DeviceCommand) {
	slog.Info("device command", "command", c.Command, "fingerprint_id", c.FingerprintID)

	switch c.Command {
	case CmdRestart:
		d.restart()
	case CmdClearAll:
		d.clearAll()
	case CmdSensorInfo:
		d.sensorInfo()
	case CmdTestSensor:
		d.startDiagnostic()
	case CmdDeleteFingerprint:
		d.deleteFingerprint(c.FingerprintID)
	case CmdGetStatus:
		d.publishStatus(CmdGetStatus, "online")
	case CmdSetWiFi:
		d.ack(CmdSetWiFi, AckUnsupported, "network is managed by the host", nil)
	default:
		slog.Warn("unknown device command", "command", c.Command)
		d.ack(c.Command, AckError, "unknown command", nil)
	}
}

// restart re-initialises the sensor link and drops all in-flight state
func (d *Device) restart() {
	if d.enroll.Active() {
		s := d.enroll.Session()
		slog.Warn("restart discards active enrollment", "slot", s.Slot, "template_id", s.TemplateID)
	}
	d.enroll.Reset()
	d.wasEnrolling = false
	d.match.Reset()
	if d.match.Enabled() {
		d.match.RequireRemoval()
	}
	if d.diag != nil {
		d.abortDiagnostic("restart")
	}

	if err := d.sensor.Reinit(); err != nil {
		slog.Error("sensor reinit failed", "error", err)
		d.ack(CmdRestart, AckFailed, err.Error(), nil)
		return
	}
	d.ack(CmdRestart, AckSuccess, "", nil)
}

// clearAll erases every stored model. Refused while enrolling.
func (d *Device) clearAll() {
	if d.enroll.Active() {
		d.ack(CmdClearAll, AckError, "enrollment in progress", nil)
		return
	}
	if err := d.sensor.EmptyDatabase(); err != nil {
		slog.Error("empty database failed", "error", err)
		d.ack(CmdClearAll, AckFailed, err.Error(), nil)
		return
	}
	slog.Warn("all stored fingerprints erased")
	d.ack(CmdClearAll, AckSuccess, "", nil)
}

func (d *Device) sensorInfo() {
	data := map[string]interface{}{
		"capacity": d.sensor.Capacity(),
	}
	stored, err := d.sensor.TemplateCount()
	if err != nil {
		d.ack(CmdSensorInfo, AckFailed, err.Error(), data)
		return
	}
	data["stored"] = stored
	d.ack(CmdSensorInfo, AckSuccess, "", data)
}

// deleteFingerprint frees one slot. The slot must be within capacity and
// must not be the one an active enrollment is writing.
func (d *Device) deleteFingerprint(id int) {
	data := map[string]interface{}{"fingerprint_id": id}
	if id < 1 || id > d.sensor.Capacity() {
		d.ack(CmdDeleteFingerprint, AckError, types.ErrInvalidSlot.Error(), data)
		return
	}
	if d.enroll.Active() && d.enroll.Session().Slot == id {
		d.ack(CmdDeleteFingerprint, AckError, "slot is being enrolled", data)
		return
	}
	if err := d.sensor.DeleteModel(id); err != nil {
		slog.Error("delete model failed", "slot", id, "error", err)
		d.ack(CmdDeleteFingerprint, AckFailed, err.Error(), data)
		return
	}
	d.ack(CmdDeleteFingerprint, AckSuccess, "", data)
}

// ack publishes a command acknowledgement on the status topic
func (d *Device) ack(command, status, msg string, data map[string]interface{}) {
	ev := types.NewStatusEvent(d.clock.Now(), command, status, data)
	if status != AckSuccess && status != AckTesting {
		ev.Error = msg
	}
	d.pub.Publish(ev)
}
