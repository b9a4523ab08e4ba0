package types

import "errors"

// Failure taxonomy shared by the enrollment controller and the attendance matcher.
var (
	ErrInvalidSlot       = errors.New("slot outside sensor capacity")
	ErrEnrollmentBlocked = errors.New("another enrollment is in progress")
	ErrQualityTooLow     = errors.New("scan quality below threshold")
	ErrModelMismatch     = errors.New("scans do not form a model")
	ErrStorageFailure    = errors.New("model storage failed")
	ErrTimeout           = errors.New("no finger detected within budget")
	ErrSensorComm        = errors.New("sensor communication error")
	ErrSearch            = errors.New("sensor search error")
)
