package config

import (
	"fmt"
	"regexp"
)

var deviceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Sensor types.
const (
	SensorBridge = "bridge"
	SensorMock   = "mock"
)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	// Validate device_id
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !deviceIDPattern.MatchString(cfg.DeviceID) {
		return fmt.Errorf("device_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.HealthPort < -1 || cfg.HealthPort > 65535 {
		return fmt.Errorf("health_port must be -1 (disabled) or in [0, 65535], got %d", cfg.HealthPort)
	}
	if cfg.HealthPort == 0 {
		cfg.HealthPort = 8080
	}
	if cfg.StatusIntervalS <= 0 {
		cfg.StatusIntervalS = 30
	}

	if err := validateSensor(&cfg.Sensor); err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	if err := validateAttendance(cfg.Attendance); err != nil {
		return fmt.Errorf("attendance: %w", err)
	}
	if q := cfg.Enrollment.QualityThreshold; q < 0 || q > 100 {
		return fmt.Errorf("enrollment: quality_threshold must be in [0, 100], got %d", q)
	}

	// Validate MQTT broker
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	// Set default topics if not provided
	prefix := fmt.Sprintf("biometric/%s", cfg.DeviceID)
	t := &cfg.MQTT.Topics
	setDefault(&t.EnrollRequest, prefix+"/enroll/request")
	setDefault(&t.EnrollResponse, prefix+"/enroll/response")
	setDefault(&t.EnrollCompletion, prefix+"/enroll/completion")
	setDefault(&t.DetectRequest, prefix+"/detect/request")
	setDefault(&t.Command, prefix+"/command")
	setDefault(&t.Status, prefix+"/status")
	setDefault(&t.Fingerprint, prefix+"/fingerprint")

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{}
	}
	defaults := map[string]byte{
		"enroll_request":    1,
		"enroll_response":   1,
		"enroll_completion": 1,
		"detect_request":    1,
		"command":           1,
		"fingerprint":       1,
		"status":            0,
	}
	for k, v := range defaults {
		if _, ok := cfg.MQTT.QoS[k]; !ok {
			cfg.MQTT.QoS[k] = v
		}
	}
	for k, v := range cfg.MQTT.QoS {
		if v > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2, got %d", k, v)
		}
	}

	return nil
}

func validateSensor(s *SensorConfig) error {
	if s.Type == "" {
		s.Type = SensorBridge
	}
	switch s.Type {
	case SensorBridge:
		if s.Command == "" {
			return fmt.Errorf("command is required for the bridge sensor")
		}
	case SensorMock:
	default:
		return fmt.Errorf("unknown type '%s' (must be '%s' or '%s')", s.Type, SensorBridge, SensorMock)
	}
	if s.RequestTimeoutMS <= 0 {
		s.RequestTimeoutMS = 2000
	}
	if s.Capacity <= 0 {
		s.Capacity = 300
	}
	if s.MatchConfidence <= 0 {
		s.MatchConfidence = 120
	}
	return nil
}

func validateAttendance(a AttendanceConfig) error {
	if a.MinConfidence > 0 && a.HighConfidence > 0 && a.HighConfidence < a.MinConfidence {
		return fmt.Errorf("high_confidence (%d) must be >= min_confidence (%d)", a.HighConfidence, a.MinConfidence)
	}
	if a.ConfirmAttempts != nil && *a.ConfirmAttempts < 0 {
		return fmt.Errorf("confirm_attempts must be >= 0")
	}
	if a.LegacyIDBound != nil && *a.LegacyIDBound < 0 {
		return fmt.Errorf("legacy_id_bound must be >= 0")
	}
	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
