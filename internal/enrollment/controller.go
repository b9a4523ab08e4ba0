/*
Package enrollment turns three independent scans into one verified, stored
template.

The Controller owns exactly one Session. Commands (Start, Confirm, Cancel,
Saved) only record intent; all sensor work happens in Tick, which performs at
most one capture per call:

	Idle --start--> Scan1 --ok--> Scan2 --ok--> Scan3 --ok+build--> AwaitingConfirmation
	ScanN --quality low--> ScanN            (capture_failed)
	Scan3 --build fails--> Idle             (error: mismatch)
	AwaitingConfirmation --confirm--> Idle  (success | error: storage_failed)
	any --cancel--> Idle                    (cancelled)
	ScanN --30s without finger--> Idle      (error: timeout)

The model is built eagerly after scan 3 and stored only after an explicit
confirm, so a mismatch surfaces before the user is asked to commit.

Controller is not safe for concurrent use; the device loop serialises calls.
*/
package enrollment

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/care/dactyl/internal/sensor"
	"github.com/care/dactyl/internal/types"
)

// tickSlack tolerates scheduler jitter when rate limiting Tick.
const tickSlack = 20 * time.Millisecond

// Error reasons carried by enrollment error events.
const (
	ReasonInvalidSlot    = "invalid_slot"
	ReasonTimeout        = "timeout"
	ReasonMismatch       = "mismatch"
	ReasonStorageFailed  = "storage_failed"
	ReasonModelNotReady  = "model_not_ready"
	ReasonLowQuality     = "low_quality"
	ReasonSlotOutOfRange = "slot_out_of_range"
)

var scanMessages = [3]string{
	"Scan 1/3 captured - place finger again",
	"Scan 2/3 captured - place finger once more",
	"Scan 3/3 captured - all scans complete!",
}

// Quality maps a template conversion result to a quality score
func Quality(err error) int {
	switch sensor.CodeOf(err) {
	case sensor.CodeOK:
		return 95
	case sensor.CodeFeatureFail:
		return 60
	case sensor.CodeImageMess:
		return 45
	default:
		return 0
	}
}

// Controller drives the enrollment workflow
type Controller struct {
	sensor sensor.Sensor
	pub    types.Publisher
	clock  types.Clock
	policy Policy

	session  Session
	lastTick time.Time

	completed uint64
	failed    uint64
}

// NewController creates an idle controller
func NewController(s sensor.Sensor, pub types.Publisher, clock types.Clock, policy Policy) *Controller {
	return &Controller{
		sensor: s,
		pub:    pub,
		clock:  clock,
		policy: policy.withDefaults(),
	}
}

// Session returns a copy of the current session
func (c *Controller) Session() Session {
	return c.session
}

// Active reports whether a session is in flight
func (c *Controller) Active() bool {
	return c.session.Active()
}

// Stats returns the number of stored and aborted enrollments
func (c *Controller) Stats() (completed, failed uint64) {
	return c.completed, c.failed
}

// Start opens a session for slot. It returns types.ErrEnrollmentBlocked while
// another session is active and types.ErrInvalidSlot when slot is outside the
// sensor capacity; in both cases the current session is left untouched.
func (c *Controller) Start(slot int, templateID string) error {
	now := c.clock.Now()
	active := c.session

	if active.Active() && active.Cancelled {
		c.session = c.teardown(active)
		active = c.session
	}

	if active.Active() {
		if active.Slot == slot && active.TemplateID == templateID {
			slog.Info("duplicate enrollment start ignored",
				"slot", slot,
				"template_id", templateID,
				"step", active.Step.String(),
			)
			return types.ErrEnrollmentBlocked
		}
		slog.Warn("enrollment start blocked",
			"slot", slot,
			"template_id", templateID,
			"active_slot", active.Slot,
			"active_template_id", active.TemplateID,
		)
		ev := types.NewEnrollmentEvent(now, types.EnrollBlocked, active.Slot, active.TemplateID)
		ev.WaitingFor = "enrollment_completion"
		ev.Message = "Another student is currently enrolling. Please wait..."
		c.pub.Publish(ev)
		return types.ErrEnrollmentBlocked
	}

	capacity := c.sensor.Capacity()
	if slot < 1 || slot > capacity {
		slog.Warn("enrollment start rejected", "slot", slot, "template_id", templateID, "capacity", capacity)
		ev := types.NewEnrollmentEvent(now, types.EnrollError, slot, templateID)
		ev.Reason = ReasonInvalidSlot
		ev.Message = fmt.Sprintf("Invalid slot number (1-%d)", capacity)
		c.pub.Publish(ev)
		return fmt.Errorf("slot %d: %w", slot, types.ErrInvalidSlot)
	}

	c.session = Session{
		Slot:         slot,
		TemplateID:   templateID,
		Step:         StepScan1,
		StartedAt:    now,
		WaitingSince: now,
	}
	slog.Info("enrollment started", "slot", slot, "template_id", templateID)

	ev := types.NewEnrollmentEvent(now, types.EnrollStarted, slot, templateID)
	ev.Step = 1
	ev.Message = "Enrollment started - place finger on sensor"
	c.pub.Publish(ev)
	return nil
}

// Cancel marks the active session cancelled. The next Tick tears it down.
func (c *Controller) Cancel(templateID string) {
	s := c.session
	if !s.Active() || s.Cancelled {
		slog.Debug("cancel ignored, no enrollment in progress", "template_id", templateID)
		return
	}
	if !s.matches(templateID) {
		slog.Warn("cancel ignored, template mismatch", "template_id", templateID, "active_template_id", s.TemplateID)
		return
	}
	s.Cancelled = true
	c.session = s

	slog.Info("enrollment cancelled", "slot", s.Slot, "template_id", s.TemplateID, "step", s.Step.String())
	ev := types.NewEnrollmentEvent(c.clock.Now(), types.EnrollCancelled, s.Slot, s.TemplateID)
	ev.Message = "Enrollment cancelled"
	c.pub.Publish(ev)
}

// Confirm records the user's commit. Storage happens on the next Tick.
func (c *Controller) Confirm(templateID string) {
	s := c.session
	if !s.Active() {
		slog.Warn("confirm ignored, no enrollment in progress", "template_id", templateID)
		return
	}
	if !s.matches(templateID) {
		slog.Warn("confirm ignored, template mismatch", "template_id", templateID, "active_template_id", s.TemplateID)
		return
	}
	s.Confirmed = true
	c.session = s
	slog.Info("enrollment confirm received", "slot", s.Slot, "template_id", s.TemplateID, "model_built", s.ModelBuilt)
}

// Saved handles the backend's acknowledgement of its database write
func (c *Controller) Saved(templateID string) {
	s := c.session
	if !s.Active() {
		slog.Debug("enrollment saved acknowledged", "template_id", templateID)
		return
	}
	if templateID == "" || templateID != s.TemplateID {
		slog.Debug("enrollment saved for another template", "template_id", templateID, "active_template_id", s.TemplateID)
		return
	}
	slog.Info("enrollment saved by backend, resetting session", "slot", s.Slot, "template_id", s.TemplateID)
	c.session = Session{}
}

// Reset drops the session without publishing
func (c *Controller) Reset() {
	if c.session.Active() {
		slog.Info("enrollment session reset", "slot", c.session.Slot, "template_id", c.session.TemplateID)
	}
	c.session = Session{}
}

// Tick advances the session by at most one scan
func (c *Controller) Tick() {
	if !c.session.Active() {
		return
	}
	now := c.clock.Now()
	if !c.lastTick.IsZero() && now.Sub(c.lastTick) < c.policy.PollInterval-tickSlack {
		return
	}
	c.lastTick = now
	c.session = c.step(c.session, now)
}

// step computes the next session from s
func (c *Controller) step(s Session, now time.Time) Session {
	switch {
	case s.Cancelled:
		return c.teardown(s)
	case s.Confirmed && !s.ModelBuilt:
		return c.abort(s, now, ReasonModelNotReady, "Enrollment model not ready - please restart enrollment", types.ErrModelMismatch)
	case s.Step == StepAwaitingConfirmation:
		if s.Confirmed {
			return c.store(s, now)
		}
		return s
	case s.Step.Scanning():
		return c.scan(s, now)
	}
	return s
}

// scan evaluates at most one capture for the current scan step
func (c *Controller) scan(s Session, now time.Time) Session {
	n := s.Step.Number()

	if s.RequireFingerRelease {
		err := c.sensor.CaptureImage()
		switch {
		case errors.Is(err, sensor.ErrNoFinger):
			s.RequireFingerRelease = false
			s.WaitingSince = now
			slog.Debug("finger released", "slot", s.Slot, "step", n)
		case err != nil:
			// A dead link must still reach the timeout while a release is pending.
			return c.checkBudget(c.reinit(s, now, err), now)
		}
		return s
	}

	if !s.LastAccepted.IsZero() && now.Sub(s.LastAccepted) < c.policy.Cooldown {
		return s
	}

	err := c.sensor.CaptureImage()
	switch {
	case errors.Is(err, sensor.ErrNoFinger):
		if !s.WaitingAnnounced {
			s.WaitingAnnounced = true
			ev := types.NewEnrollmentEvent(now, types.EnrollWaiting, s.Slot, s.TemplateID)
			ev.Step = n
			ev.WaitingFor = "finger"
			ev.Message = fmt.Sprintf("Waiting for finger (scan %d)...", n)
			c.pub.Publish(ev)
		}
		return c.checkBudget(s, now)

	case err != nil:
		return c.checkBudget(c.reinit(s, now, err), now)
	}

	convErr := c.sensor.ImageToTemplate(c.policy.Buffers[n-1])
	quality := Quality(convErr)

	if quality < c.policy.QualityThreshold {
		slog.Info("scan rejected", "slot", s.Slot, "step", n, "quality", quality, "code", sensor.CodeOf(convErr))
		ev := types.NewEnrollmentEvent(now, types.EnrollCaptureFailed, s.Slot, s.TemplateID)
		ev.Step = n
		ev.Quality = &quality
		ev.Reason = ReasonLowQuality
		ev.ErrorCode = int(sensor.CodeOf(convErr))
		ev.Message = "Image quality too low. Press finger firmly on sensor."
		c.pub.Publish(ev)

		s.RequireFingerRelease = true
		s.WaitingAnnounced = false
		s.WaitingSince = now
		return s
	}

	slog.Info("scan accepted", "slot", s.Slot, "step", n, "quality", quality)
	ev := types.NewEnrollmentEvent(now, types.EnrollProgress, s.Slot, s.TemplateID)
	ev.Step = n
	ev.Quality = &quality
	ev.Message = scanMessages[n-1]
	c.pub.Publish(ev)

	s.LastAccepted = now
	s.RequireFingerRelease = true
	s.WaitingAnnounced = false
	s.WaitingSince = now

	if s.Step != StepScan3 {
		s.Step++
		return s
	}

	if err := c.sensor.BuildModel(); err != nil {
		slog.Warn("model build failed", "slot", s.Slot, "template_id", s.TemplateID, "code", sensor.CodeOf(err))
		return c.abortCode(s, now, ReasonMismatch, "Fingerprint images don't match - please try again", sensor.CodeOf(err), types.ErrModelMismatch)
	}

	s.ModelBuilt = true
	s.Step = StepAwaitingConfirmation
	slog.Info("model built, awaiting confirmation", "slot", s.Slot, "template_id", s.TemplateID)

	ready := types.NewEnrollmentEvent(now, types.EnrollReadyForConfirmation, s.Slot, s.TemplateID)
	ready.Step = 3
	ready.Message = "All scans captured! Click 'Confirm & Save' to finalize enrollment."
	c.pub.Publish(ready)
	return s
}

// reinit re-initialises the sensor link, at most once per ReinitInterval
func (c *Controller) reinit(s Session, now time.Time, err error) Session {
	if now.Sub(s.LastReinit) < c.policy.ReinitInterval {
		return s
	}
	s.LastReinit = now
	slog.Warn("sensor error during enrollment, reinitializing",
		"slot", s.Slot,
		"step", s.Step.Number(),
		"code", sensor.CodeOf(err),
		"error", err,
	)
	if rerr := c.sensor.Reinit(); rerr != nil {
		slog.Error("sensor reinit failed", "error", rerr)
	}
	return s
}

// checkBudget aborts the session once the no-finger budget is spent
func (c *Controller) checkBudget(s Session, now time.Time) Session {
	if now.Sub(s.WaitingSince) < c.policy.NoFingerTimeout {
		return s
	}
	slog.Warn("enrollment timed out", "slot", s.Slot, "template_id", s.TemplateID, "step", s.Step.Number())
	msg := fmt.Sprintf("Timeout: No fingerprint detected within %d seconds", int(c.policy.NoFingerTimeout/time.Second))
	return c.abort(s, now, ReasonTimeout, msg, types.ErrTimeout)
}

// store commits the built model to the sensor
func (c *Controller) store(s Session, now time.Time) Session {
	capacity := c.sensor.Capacity()
	if s.Slot < 1 || s.Slot > capacity {
		return c.abort(s, now, ReasonSlotOutOfRange, fmt.Sprintf("Invalid slot number (1-%d)", capacity), types.ErrInvalidSlot)
	}

	if err := c.sensor.StoreModel(s.Slot); err != nil {
		code := sensor.CodeOf(err)
		slog.Error("model storage failed", "slot", s.Slot, "template_id", s.TemplateID, "code", code)
		return c.abortCode(s, now, ReasonStorageFailed, fmt.Sprintf("Failed to store fingerprint (code: %d)", code), code, types.ErrStorageFailure)
	}

	c.completed++
	slog.Info("fingerprint enrolled", "slot", s.Slot, "template_id", s.TemplateID, "duration", now.Sub(s.StartedAt))

	ev := types.NewEnrollmentEvent(now, types.EnrollSuccess, s.Slot, s.TemplateID)
	ev.Success = true
	ev.Message = "Fingerprint enrolled successfully!"
	c.pub.Publish(ev)
	return Session{}
}

func (c *Controller) abort(s Session, now time.Time, reason, message string, cause error) Session {
	return c.abortCode(s, now, reason, message, 0, cause)
}

// abortCode publishes a session-fatal error and returns the idle session
func (c *Controller) abortCode(s Session, now time.Time, reason, message string, code sensor.Code, cause error) Session {
	c.failed++
	slog.Info("enrollment aborted", "slot", s.Slot, "template_id", s.TemplateID, "reason", reason, "error", cause)

	ev := types.NewEnrollmentEvent(now, types.EnrollError, s.Slot, s.TemplateID)
	ev.Reason = reason
	ev.ErrorCode = int(code)
	ev.Message = message
	c.pub.Publish(ev)
	return Session{}
}

// teardown drops a cancelled session
func (c *Controller) teardown(s Session) Session {
	slog.Debug("cancelled enrollment torn down", "slot", s.Slot, "template_id", s.TemplateID)
	return Session{}
}
