package types

// Mode names which component currently owns the sensor
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeEnrolling  Mode = "enrolling"
	ModeAttendance Mode = "attendance"
	ModeDiagnostic Mode = "diagnostic"
)

// DetectionMode is the remote-facing detection setting (0 disabled, 1 registration, 2 attendance)
type DetectionMode int

const (
	DetectionDisabled     DetectionMode = 0
	DetectionRegistration DetectionMode = 1
	DetectionAttendance   DetectionMode = 2
)

// String returns the wire name of the detection mode
func (m DetectionMode) String() string {
	switch m {
	case DetectionRegistration:
		return "registration"
	case DetectionAttendance:
		return "attendance"
	default:
		return "disabled"
	}
}
