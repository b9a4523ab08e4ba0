// Package sensor defines the fingerprint sensor capability consumed by the
// enrollment controller and the attendance matcher, plus the two
// implementations the daemon ships: a driver bridge and a bench simulator.
package sensor

import (
	"errors"
	"fmt"
)

// Code is a sensor confirmation code (R30x family numbering).
type Code uint8

const (
	CodeOK             Code = 0x00
	CodePacketRecvErr  Code = 0x01
	CodeNoFinger       Code = 0x02
	CodeImageFail      Code = 0x03
	CodeImageMess      Code = 0x06
	CodeFeatureFail    Code = 0x07
	CodeNoMatch        Code = 0x08
	CodeNotFound       Code = 0x09
	CodeEnrollMismatch Code = 0x0A
	CodeBadLocation    Code = 0x0B
	CodeDeleteFail     Code = 0x10
	CodeDBClearFail    Code = 0x11
	CodeFlashErr       Code = 0x18
	CodeTimeout        Code = 0xFE
	CodeBadPacket      Code = 0xFF
)

// Error is a non-OK result of a sensor operation
type Error struct {
	Op   string
	Code Code
}

func (e *Error) Error() string {
	return fmt.Sprintf("sensor %s: code 0x%02X", e.Op, uint8(e.Code))
}

// Is matches any *Error carrying the same code, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for the outcomes callers branch on.
var (
	ErrNoFinger = &Error{Op: "capture", Code: CodeNoFinger}
	ErrNotFound = &Error{Op: "search", Code: CodeNotFound}
	ErrMismatch = &Error{Op: "build", Code: CodeEnrollMismatch}
)

// CodeOf classifies err. Transport failures that are not sensor errors map to
// CodePacketRecvErr.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodePacketRecvErr
}

func fail(op string, code Code) error {
	if code == CodeOK {
		return nil
	}
	return &Error{Op: op, Code: code}
}

// Match is a successful search result
type Match struct {
	ID         int
	Confidence int
}

// Sensor is the capability the core drives. Calls are assumed to return
// promptly; callers never run two calls concurrently.
type Sensor interface {
	// CaptureImage reads the finger image into the image buffer.
	// Returns ErrNoFinger when nothing is on the glass.
	CaptureImage() error
	// ImageToTemplate converts the image buffer into template buffer 1 or 2.
	ImageToTemplate(buffer int) error
	// BuildModel combines template buffers 1 and 2 into a model.
	BuildModel() error
	// StoreModel persists the model at slot.
	StoreModel(slot int) error
	// Search looks up template buffer 1 against every stored model.
	// Returns ErrNotFound when nothing matches.
	Search() (Match, error)
	// DeleteModel frees one slot.
	DeleteModel(slot int) error
	// EmptyDatabase erases every stored model.
	EmptyDatabase() error
	// Capacity is the number of model slots.
	Capacity() int
	// TemplateCount is the number of stored models.
	TemplateCount() (int, error)
	// Reinit re-establishes the link to the sensor.
	Reinit() error
	// Close releases the sensor.
	Close() error
}
