package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
device_id: lab-door-1
sensor:
  type: mock
mqtt:
  broker: localhost:1883
`

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, 30*time.Second, cfg.StatusInterval())
	assert.Equal(t, 8080, cfg.HealthPort)
	assert.Equal(t, 300, cfg.Sensor.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Sensor.RequestTimeout())

	assert.Equal(t, "biometric/lab-door-1/enroll/request", cfg.MQTT.Topics.EnrollRequest)
	assert.Equal(t, "biometric/lab-door-1/enroll/completion", cfg.MQTT.Topics.EnrollCompletion)
	assert.Equal(t, "biometric/lab-door-1/fingerprint", cfg.MQTT.Topics.Fingerprint)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["enroll_request"])
	assert.Equal(t, byte(0), cfg.MQTT.QoS["status"])

	ep := cfg.Enrollment.Policy()
	assert.Equal(t, 2*time.Second, ep.Cooldown)
	assert.Equal(t, 50, ep.QualityThreshold)

	ap := cfg.Attendance.Policy()
	assert.Equal(t, 2, ap.ConfirmAttempts)
	assert.Equal(t, 100, ap.LegacyIDBound)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
device_id: lab-door-1
sensor:
  type: bridge
  command: /usr/lib/dactyl/r30x-driver
  args: ["--port", "/dev/serial0"]
enrollment:
  no_finger_timeout_s: 45
attendance:
  enabled: true
  confirm_attempts: 0
  legacy_id_bound: 0
  high_confidence: 80
mqtt:
  broker: broker.local:1883
  topics:
    fingerprint: custom/fp
  qos:
    status: 1
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"--port", "/dev/serial0"}, cfg.Sensor.Args)
	assert.Equal(t, 45*time.Second, cfg.Enrollment.Policy().NoFingerTimeout)
	assert.True(t, cfg.Attendance.Enabled)

	ap := cfg.Attendance.Policy()
	assert.Equal(t, 0, ap.ConfirmAttempts)
	assert.Equal(t, 0, ap.LegacyIDBound)
	assert.Equal(t, 80, ap.HighConfidence)

	assert.Equal(t, "custom/fp", cfg.MQTT.Topics.Fingerprint)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["status"])
	assert.Equal(t, byte(1), cfg.MQTT.QoS["command"])
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing device", "mqtt: {broker: x}\nsensor: {type: mock}", "device_id is required"},
		{"bad device", "device_id: Lab_1\nmqtt: {broker: x}\nsensor: {type: mock}", "device_id must match"},
		{"missing broker", "device_id: a\nsensor: {type: mock}", "mqtt.broker is required"},
		{"bridge without command", "device_id: a\nmqtt: {broker: x}", "command is required"},
		{"unknown sensor", "device_id: a\nmqtt: {broker: x}\nsensor: {type: usb}", "unknown type"},
		{"bad qos", "device_id: a\nmqtt: {broker: x, qos: {status: 3}}\nsensor: {type: mock}", "mqtt.qos.status"},
		{"bad health port", "device_id: a\nhealth_port: -2\nmqtt: {broker: x}\nsensor: {type: mock}", "health_port"},
		{"inverted confidence", "device_id: a\nmqtt: {broker: x}\nsensor: {type: mock}\nattendance: {min_confidence: 70, high_confidence: 60}", "high_confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHealthPortDisabled(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "health_port: -1\n"))
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.HealthPort)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dactyl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lab-door-1", cfg.DeviceID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "dactyl.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "lab-door-1", cfg.DeviceID)
	assert.Equal(t, SensorBridge, cfg.Sensor.Type)
	assert.Equal(t, "biometric/lab-door-1/status", cfg.MQTT.Topics.Status)
	assert.Equal(t, 100, cfg.Attendance.Policy().LegacyIDBound)
	assert.Equal(t, 2, cfg.Attendance.Policy().ConfirmAttempts)
}
