package enrollment

import (
	"fmt"
	"time"
)

// Step is the position of the session in the enrollment workflow
type Step int

const (
	StepIdle Step = iota
	StepScan1
	StepScan2
	StepScan3
	StepAwaitingConfirmation
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepScan1, StepScan2, StepScan3:
		return fmt.Sprintf("awaiting_scan_%d", s.Number())
	case StepAwaitingConfirmation:
		return "awaiting_confirmation"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Number returns the scan number (1..3) of an awaiting-scan step, 0 otherwise.
func (s Step) Number() int {
	if s >= StepScan1 && s <= StepScan3 {
		return int(s - StepScan1 + 1)
	}
	return 0
}

// Scanning reports whether the step waits for a finger.
func (s Step) Scanning() bool {
	return s.Number() > 0
}

// Session is the single in-flight enrollment. The zero value is idle.
type Session struct {
	Slot       int
	TemplateID string
	Step       Step

	ModelBuilt           bool
	Cancelled            bool
	Confirmed            bool
	RequireFingerRelease bool

	StartedAt time.Time

	// WaitingSince anchors the no-finger budget of the current scan.
	WaitingSince time.Time
	// LastAccepted anchors the post-scan cooldown.
	LastAccepted     time.Time
	LastReinit       time.Time
	WaitingAnnounced bool
}

// Active reports whether a session exists.
func (s Session) Active() bool {
	return s.Step != StepIdle
}

// matches reports whether a command carrying templateID refers to this
// session. An empty id refers to whichever session is active.
func (s Session) matches(templateID string) bool {
	return templateID == "" || templateID == s.TemplateID
}

// Policy holds the enrollment tuning values
type Policy struct {
	PollInterval     time.Duration
	Cooldown         time.Duration
	NoFingerTimeout  time.Duration
	ReinitInterval   time.Duration
	QualityThreshold int
	// Buffers maps scan 1..3 to the template buffer the scan converts into.
	Buffers [3]int
}

// DefaultPolicy returns the tuning the device ships with
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:     200 * time.Millisecond,
		Cooldown:         2 * time.Second,
		NoFingerTimeout:  30 * time.Second,
		ReinitInterval:   2 * time.Second,
		QualityThreshold: 50,
		Buffers:          [3]int{1, 1, 2},
	}
}

// withDefaults fills zero fields from DefaultPolicy
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.NoFingerTimeout <= 0 {
		p.NoFingerTimeout = d.NoFingerTimeout
	}
	if p.ReinitInterval <= 0 {
		p.ReinitInterval = d.ReinitInterval
	}
	if p.QualityThreshold <= 0 {
		p.QualityThreshold = d.QualityThreshold
	}
	if p.Buffers == [3]int{} {
		p.Buffers = d.Buffers
	}
	return p
}
