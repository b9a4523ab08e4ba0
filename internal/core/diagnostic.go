package core

import (
	"errors"
	"log/slog"
	"time"

	"github.com/care/dactyl/internal/sensor"
	"github.com/care/dactyl/internal/types"
)

// Self-test parameters.
const (
	DiagnosticAttempts = 10
	DiagnosticSpacing  = time.Second
)

// diagnostic is an in-flight sensor self-test. It is stepped from the
// enrollment ticker so the loop never sleeps.
type diagnostic struct {
	attempts   int
	detections int
	errors     int
	next       time.Time
}

// startDiagnostic begins a self-test. Only allowed from idle.
func (d *Device) startDiagnostic() {
	if mode := d.Mode(); mode != types.ModeIdle {
		d.ack(CmdTestSensor, AckError, "device busy: "+string(mode), map[string]interface{}{
			"mode": string(mode),
		})
		return
	}
	d.diag = &diagnostic{next: d.clock.Now()}
	slog.Info("sensor self-test started", "attempts", DiagnosticAttempts)
	d.ack(CmdTestSensor, AckTesting, "", map[string]interface{}{
		"attempts": DiagnosticAttempts,
	})
}

// stepDiagnostic makes at most one capture attempt when one is due
func (d *Device) stepDiagnostic() {
	now := d.clock.Now()
	if now.Before(d.diag.next) {
		return
	}
	d.diag.attempts++
	d.diag.next = now.Add(DiagnosticSpacing)

	err := d.sensor.CaptureImage()
	switch {
	case err == nil:
		d.diag.detections++
		slog.Info("self-test: finger detected", "attempt", d.diag.attempts)
	case errors.Is(err, sensor.ErrNoFinger):
		slog.Debug("self-test: no finger", "attempt", d.diag.attempts)
	default:
		d.diag.errors++
		slog.Warn("self-test: capture error", "attempt", d.diag.attempts, "code", sensor.CodeOf(err))
	}

	if d.diag.attempts < DiagnosticAttempts {
		return
	}
	result := d.diag
	d.diag = nil
	slog.Info("sensor self-test complete", "detections", result.detections, "errors", result.errors)
	d.ack(CmdTestSensor, AckSuccess, "", map[string]interface{}{
		"attempts":      result.attempts,
		"detections":    result.detections,
		"errors":        result.errors,
		"test_complete": true,
	})
}

func (d *Device) abortDiagnostic(reason string) {
	result := d.diag
	d.diag = nil
	slog.Info("sensor self-test aborted", "reason", reason)
	d.ack(CmdTestSensor, AckError, "aborted: "+reason, map[string]interface{}{
		"attempts":      result.attempts,
		"detections":    result.detections,
		"test_complete": false,
	})
}
