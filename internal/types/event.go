package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind selects the outbound topic an event is routed to.
type EventKind string

const (
	KindEnrollment EventKind = "enrollment"
	KindMatch      EventKind = "match"
	KindStatus     EventKind = "status"
)

// Event is the interface that all outbound device events implement
type Event interface {
	// Kind returns the event family (enrollment, match, status)
	Kind() EventKind
	// Timestamp returns when the event was generated
	Timestamp() time.Time
	// ToJSON converts the event to JSON bytes
	ToJSON() ([]byte, error)
}

// Publisher accepts events for delivery. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// Enrollment statuses published on the enrollment response topic.
const (
	EnrollStarted              = "started"
	EnrollWaiting              = "waiting"
	EnrollProgress             = "progress"
	EnrollCaptureFailed        = "capture_failed"
	EnrollReadyForConfirmation = "ready_for_confirmation"
	EnrollSuccess              = "success"
	EnrollError                = "error"
	EnrollCancelled            = "cancelled"
	EnrollBlocked              = "blocked"
)

// EnrollmentEvent reports progress of the single in-flight enrollment session
type EnrollmentEvent struct {
	EventID    string `json:"event_id"`
	Status     string `json:"status"`
	Slot       int    `json:"slot"`
	TemplateID string `json:"template_id"`
	Step       int    `json:"step,omitempty"`
	Quality    *int   `json:"quality,omitempty"`
	Message    string `json:"message,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ErrorCode  int    `json:"error_code,omitempty"`
	Success    bool   `json:"success,omitempty"`
	WaitingFor string `json:"waiting_for,omitempty"`
	TimestampS string `json:"timestamp"`
	ts         time.Time
}

// NewEnrollmentEvent stamps a new enrollment event
func NewEnrollmentEvent(now time.Time, status string, slot int, templateID string) *EnrollmentEvent {
	return &EnrollmentEvent{
		EventID:    uuid.NewString(),
		Status:     status,
		Slot:       slot,
		TemplateID: templateID,
		TimestampS: now.UTC().Format(time.RFC3339Nano),
		ts:         now,
	}
}

// Kind implements Event interface
func (e *EnrollmentEvent) Kind() EventKind { return KindEnrollment }

// Timestamp implements Event interface
func (e *EnrollmentEvent) Timestamp() time.Time { return e.ts }

// ToJSON implements Event interface
func (e *EnrollmentEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// Sentinel fingerprint ids carried by attendance events.
const (
	UnregisteredID = -1
	HintID         = -2
)

// Match types.
const (
	MatchHardware = "hardware"
	MatchHint     = "hint"
)

// MatchEvent is an attendance identification (or a hint about a failed one)
type MatchEvent struct {
	EventID       string `json:"event_id"`
	FingerprintID int    `json:"fingerprint_id"`
	Confidence    int    `json:"confidence"`
	Mode          string `json:"mode"`
	MatchType     string `json:"match_type"`
	Reason        string `json:"reason,omitempty"`
	TimestampS    string `json:"timestamp"`
	ts            time.Time
}

// NewMatchEvent stamps a new attendance event
func NewMatchEvent(now time.Time, id, confidence int, matchType, reason string) *MatchEvent {
	return &MatchEvent{
		EventID:       uuid.NewString(),
		FingerprintID: id,
		Confidence:    confidence,
		Mode:          "attendance",
		MatchType:     matchType,
		Reason:        reason,
		TimestampS:    now.UTC().Format(time.RFC3339Nano),
		ts:            now,
	}
}

// Kind implements Event interface
func (e *MatchEvent) Kind() EventKind { return KindMatch }

// Timestamp implements Event interface
func (e *MatchEvent) Timestamp() time.Time { return e.ts }

// ToJSON implements Event interface
func (e *MatchEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// IsAuthoritative reports whether the event names an enrolled identity
func (e *MatchEvent) IsAuthoritative() bool {
	return e.FingerprintID > 0 && e.MatchType == MatchHardware
}

// StatusEvent carries periodic device status and command acknowledgements
type StatusEvent struct {
	EventID string                 `json:"event_id"`
	Command string                 `json:"command,omitempty"`
	Status  string                 `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`

	TimestampS string `json:"timestamp"`
	ts         time.Time
}

// NewStatusEvent stamps a new status event
func NewStatusEvent(now time.Time, command, status string, data map[string]interface{}) *StatusEvent {
	return &StatusEvent{
		EventID:    uuid.NewString(),
		Command:    command,
		Status:     status,
		Data:       data,
		TimestampS: now.UTC().Format(time.RFC3339Nano),
		ts:         now,
	}
}

// Kind implements Event interface
func (e *StatusEvent) Kind() EventKind { return KindStatus }

// Timestamp implements Event interface
func (e *StatusEvent) Timestamp() time.Time { return e.ts }

// ToJSON implements Event interface
func (e *StatusEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }
