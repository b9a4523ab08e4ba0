package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/care/dactyl/internal/types"
)

// Source identifies which inbound topic a payload arrived on
type Source int

const (
	SourceUnknown Source = iota
	SourceEnrollRequest
	SourceEnrollResponse
	SourceEnrollCompletion
	SourceDetectRequest
	SourceCommand
)

func (s Source) String() string {
	switch s {
	case SourceEnrollRequest:
		return "enroll_request"
	case SourceEnrollResponse:
		return "enroll_response"
	case SourceEnrollCompletion:
		return "enroll_completion"
	case SourceDetectRequest:
		return "detect_request"
	case SourceCommand:
		return "command"
	default:
		return "unknown"
	}
}

// ErrIgnored marks payloads that are valid but carry nothing for the device,
// such as retained clears and the device's own events echoed back.
var ErrIgnored = errors.New("payload ignored")

// Command is an inbound instruction. The set of implementations is closed.
type Command interface {
	Name() string
	isCommand()
}

// StartEnrollment opens an enrollment session for Slot
type StartEnrollment struct {
	Slot       int
	TemplateID string
}

// ConfirmEnrollment commits the built model
type ConfirmEnrollment struct {
	TemplateID string
}

// CancelEnrollment aborts the session
type CancelEnrollment struct {
	TemplateID string
}

// EnrollmentSaved is the backend's acknowledgement of its database write
type EnrollmentSaved struct {
	TemplateID string
	Message    string
}

// SetDetectionMode switches detection (Disabled, Registration, Attendance)
type SetDetectionMode struct {
	Mode types.DetectionMode
}

// DeviceCommand is a device-level instruction
type DeviceCommand struct {
	Command       string
	FingerprintID int
}

func (StartEnrollment) Name() string   { return "enrollment.start" }
func (ConfirmEnrollment) Name() string { return "enrollment.confirm" }
func (CancelEnrollment) Name() string  { return "enrollment.cancel" }
func (EnrollmentSaved) Name() string   { return "enrollment.saved" }
func (SetDetectionMode) Name() string  { return "detection.set_mode" }
func (DeviceCommand) Name() string     { return "device.command" }

func (StartEnrollment) isCommand()   {}
func (ConfirmEnrollment) isCommand() {}
func (CancelEnrollment) isCommand()  {}
func (EnrollmentSaved) isCommand()   {}
func (SetDetectionMode) isCommand()  {}
func (DeviceCommand) isCommand()     {}

// flexInt accepts a JSON number or a numeric string
type flexInt struct {
	Value int
	Raw   string
	Set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	f.Set = true
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &f.Raw); err != nil {
			return err
		}
		if v, err := strconv.Atoi(strings.TrimSpace(f.Raw)); err == nil {
			f.Value = v
		}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	f.Raw = n.String()
	v, err := n.Int64()
	if err != nil {
		fv, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("not an integer: %s", n)
		}
		v = int64(fv)
	}
	f.Value = int(v)
	return nil
}

type enrollPayload struct {
	Action     string  `json:"action"`
	Slot       flexInt `json:"slot"`
	TemplateID string  `json:"template_id"`
	Status     string  `json:"status"`
	Message    string  `json:"message"`
}

type detectPayload struct {
	Action string  `json:"action"`
	Mode   flexInt `json:"mode"`
}

type commandPayload struct {
	Command       string  `json:"command"`
	FingerprintID flexInt `json:"fingerprint_id"`
}

// Decode turns a payload received on src into a Command
func Decode(src Source, payload []byte) (Command, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrIgnored
	}

	switch src {
	case SourceEnrollRequest:
		var p enrollPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid enrollment request: %w", err)
		}
		action := strings.ToLower(strings.TrimSpace(p.Action))
		switch action {
		case "", "start":
			if !p.Slot.Set {
				return nil, fmt.Errorf("enrollment start without slot")
			}
			return StartEnrollment{Slot: p.Slot.Value, TemplateID: p.TemplateID}, nil
		case "confirm":
			return ConfirmEnrollment{TemplateID: p.TemplateID}, nil
		case "cancel", "cancel_enrollment":
			return CancelEnrollment{TemplateID: p.TemplateID}, nil
		default:
			return nil, fmt.Errorf("unknown enrollment action: %s", p.Action)
		}

	case SourceEnrollResponse, SourceEnrollCompletion:
		var p enrollPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid enrollment response: %w", err)
		}
		if p.Status != "enrollment_saved" {
			return nil, ErrIgnored
		}
		return EnrollmentSaved{TemplateID: p.TemplateID, Message: p.Message}, nil

	case SourceDetectRequest:
		var p detectPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid detection request: %w", err)
		}
		return SetDetectionMode{Mode: detectionMode(p)}, nil

	case SourceCommand:
		var p commandPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid device command: %w", err)
		}
		if p.Command == "" {
			return nil, fmt.Errorf("device command without name")
		}
		return DeviceCommand{Command: p.Command, FingerprintID: p.FingerprintID.Value}, nil
	}

	return nil, fmt.Errorf("no decoder for source %s", src)
}

// detectionMode resolves a detection request. Anything that is not a valid
// enable request disables detection.
func detectionMode(p detectPayload) types.DetectionMode {
	switch strings.ToLower(strings.TrimSpace(p.Action)) {
	case "enable", "start", "start_detection":
	default:
		return types.DetectionDisabled
	}

	if !p.Mode.Set {
		return types.DetectionDisabled
	}
	switch strings.ToLower(p.Mode.Raw) {
	case "1", "registration":
		return types.DetectionRegistration
	case "2", "attendance":
		return types.DetectionAttendance
	}
	return types.DetectionDisabled
}
