package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/care/dactyl/internal/attendance"
	"github.com/care/dactyl/internal/enrollment"
)

// Config represents the complete dactyl configuration
type Config struct {
	DeviceID         string           `yaml:"device_id"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	HealthPort       int              `yaml:"health_port"`        // HTTP health/status/feed port (default: 8080, -1 disables)
	StatusIntervalS  int              `yaml:"status_interval_s"`  // Periodic status publish (default: 30)
	Sensor           SensorConfig     `yaml:"sensor"`
	Enrollment       EnrollmentConfig `yaml:"enrollment"`
	Attendance       AttendanceConfig `yaml:"attendance"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
}

// SensorConfig selects and tunes the sensor implementation
type SensorConfig struct {
	Type             string   `yaml:"type"`               // bridge, mock
	Command          string   `yaml:"command"`            // driver executable (bridge)
	Args             []string `yaml:"args"`               // driver arguments (bridge)
	RequestTimeoutMS int      `yaml:"request_timeout_ms"` // per-request timeout (bridge)
	Capacity         int      `yaml:"capacity"`           // slot count (mock, bridge fallback)
	MatchConfidence  int      `yaml:"match_confidence"`   // confidence reported by matches (mock)
}

// EnrollmentConfig contains enrollment tuning
type EnrollmentConfig struct {
	PollIntervalMS   int `yaml:"poll_interval_ms"`
	CooldownMS       int `yaml:"cooldown_ms"`
	NoFingerTimeoutS int `yaml:"no_finger_timeout_s"`
	ReinitIntervalMS int `yaml:"reinit_interval_ms"`
	QualityThreshold int `yaml:"quality_threshold"`
}

// AttendanceConfig contains attendance matcher tuning
type AttendanceConfig struct {
	Enabled                     bool `yaml:"enabled"` // start in attendance mode
	PollIntervalMS              int  `yaml:"poll_interval_ms"`
	MinConfidence               int  `yaml:"min_confidence"`
	HighConfidence              int  `yaml:"high_confidence"`
	PublishIntervalMS           int  `yaml:"publish_interval_ms"`
	HintIntervalMS              int  `yaml:"hint_interval_ms"`
	LowConfidenceHintIntervalMS int  `yaml:"low_confidence_hint_interval_ms"`
	ConfirmAttempts             *int `yaml:"confirm_attempts,omitempty"`
	ConfirmPauseMS              int  `yaml:"confirm_pause_ms"`
	SearchRetryPauseMS          int  `yaml:"search_retry_pause_ms"`
	LegacyIDBound               *int `yaml:"legacy_id_bound,omitempty"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	Username string          `yaml:"username"`
	Password string          `yaml:"password"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	EnrollRequest    string `yaml:"enroll_request"`
	EnrollResponse   string `yaml:"enroll_response"`
	EnrollCompletion string `yaml:"enroll_completion"`
	DetectRequest    string `yaml:"detect_request"`
	Command          string `yaml:"command"`
	Status           string `yaml:"status"`
	Fingerprint      string `yaml:"fingerprint"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// StatusInterval returns the periodic status interval
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalS) * time.Second
}

// RequestTimeout returns the bridge request timeout
func (s SensorConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// Policy converts the block into an enrollment policy. Zero fields fall back
// to the controller defaults.
func (e EnrollmentConfig) Policy() enrollment.Policy {
	p := enrollment.DefaultPolicy()
	if e.PollIntervalMS > 0 {
		p.PollInterval = ms(e.PollIntervalMS)
	}
	if e.CooldownMS > 0 {
		p.Cooldown = ms(e.CooldownMS)
	}
	if e.NoFingerTimeoutS > 0 {
		p.NoFingerTimeout = time.Duration(e.NoFingerTimeoutS) * time.Second
	}
	if e.ReinitIntervalMS > 0 {
		p.ReinitInterval = ms(e.ReinitIntervalMS)
	}
	if e.QualityThreshold > 0 {
		p.QualityThreshold = e.QualityThreshold
	}
	return p
}

// Policy converts the block into a matcher policy
func (a AttendanceConfig) Policy() attendance.Policy {
	p := attendance.DefaultPolicy()
	if a.PollIntervalMS > 0 {
		p.PollInterval = ms(a.PollIntervalMS)
	}
	if a.MinConfidence > 0 {
		p.MinConfidence = a.MinConfidence
	}
	if a.HighConfidence > 0 {
		p.HighConfidence = a.HighConfidence
	}
	if a.PublishIntervalMS > 0 {
		p.PublishInterval = ms(a.PublishIntervalMS)
	}
	if a.HintIntervalMS > 0 {
		p.HintInterval = ms(a.HintIntervalMS)
	}
	if a.LowConfidenceHintIntervalMS > 0 {
		p.LowConfidenceHintInterval = ms(a.LowConfidenceHintIntervalMS)
	}
	if a.ConfirmAttempts != nil {
		p.ConfirmAttempts = *a.ConfirmAttempts
	}
	if a.ConfirmPauseMS > 0 {
		p.ConfirmPause = ms(a.ConfirmPauseMS)
	}
	if a.SearchRetryPauseMS > 0 {
		p.SearchRetryPause = ms(a.SearchRetryPauseMS)
	}
	if a.LegacyIDBound != nil {
		p.LegacyIDBound = *a.LegacyIDBound
	}
	return p
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
