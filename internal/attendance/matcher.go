// Package attendance turns noisy sensor search results into debounced,
// high-confidence identity events.
package attendance

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

// Hint reasons.
const (
	ReasonLegacySlot    = "legacy_slot"
	ReasonLowConfidence = "low_confidence"
	ReasonConfirmFailed = "confirm_failed"
)

// Policy holds the matcher heuristics
type Policy struct {
	PollInterval              time.Duration
	MinConfidence             int
	HighConfidence            int
	PublishInterval           time.Duration
	HintInterval              time.Duration
	LowConfidenceHintInterval time.Duration
	ConfirmAttempts           int
	ConfirmPause              time.Duration
	SearchRetryPause          time.Duration
	// Ids in (0, LegacyIDBound) are reserved and only ever reported as hints.
	LegacyIDBound int
}

// DefaultPolicy returns the tuning the device ships with
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:              300 * time.Millisecond,
		MinConfidence:             40,
		HighConfidence:            65,
		PublishInterval:           1500 * time.Millisecond,
		HintInterval:              1500 * time.Millisecond,
		LowConfidenceHintInterval: 700 * time.Millisecond,
		ConfirmAttempts:           2,
		ConfirmPause:              120 * time.Millisecond,
		SearchRetryPause:          60 * time.Millisecond,
		LegacyIDBound:             100,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.MinConfidence <= 0 {
		p.MinConfidence = d.MinConfidence
	}
	if p.HighConfidence <= 0 {
		p.HighConfidence = d.HighConfidence
	}
	if p.PublishInterval <= 0 {
		p.PublishInterval = d.PublishInterval
	}
	if p.HintInterval <= 0 {
		p.HintInterval = d.HintInterval
	}
	if p.LowConfidenceHintInterval <= 0 {
		p.LowConfidenceHintInterval = d.LowConfidenceHintInterval
	}
	if p.ConfirmAttempts < 0 {
		p.ConfirmAttempts = 0
	}
	if p.ConfirmPause <= 0 {
		p.ConfirmPause = d.ConfirmPause
	}
	if p.SearchRetryPause <= 0 {
		p.SearchRetryPause = d.SearchRetryPause
	}
	if p.LegacyIDBound < 0 {
		p.LegacyIDBound = 0
	}
	return p
}

// State is the matcher's debounce memory
type State struct {
	LastCandidateID      int
	StableReads          int
	RequireFingerRemoval bool
	LastPublish          time.Time
	LastHint             time.Time
	LastScan             time.Time
}

// NewState returns a state with no candidate
func NewState() State {
	return State{LastCandidateID: types.UnregisteredID}
}

// clearCandidate forgets the candidate and its stable count
func (s State) clearCandidate() State {
	s.LastCandidateID = types.UnregisteredID
	s.StableReads = 0
	return s
}

// Stats counts matcher outcomes
type Stats struct {
	Matches      uint64 `json:"matches"`
	Unregistered uint64 `json:"unregistered"`
	Hints        uint64 `json:"hints"`
	RateLimited  uint64 `json:"rate_limited"`
}

// Matcher runs the attendance loop. It is not safe for concurrent use.
type Matcher struct {
	sensor sensor.Sensor
	pub    types.Publisher
	clock  types.Clock
	policy Policy

	enabled bool
	state   State
	stats   Stats
}

// NewMatcher creates a disabled matcher
func NewMatcher(s sensor.Sensor, pub types.Publisher, clock types.Clock, policy Policy) *Matcher {
	return &Matcher{
		sensor: s,
		pub:    pub,
		clock:  clock,
		policy: policy.withDefaults(),
		state:  NewState(),
	}
}

// SetMode enables or disables matching. Disabling resets the debounce state.
func (m *Matcher) SetMode(enabled bool) {
	if m.enabled == enabled {
		return
	}
	m.enabled = enabled
	if !enabled {
		m.Reset()
	}
	slog.Info("attendance matching toggled", "enabled", enabled)
}

// Enabled reports whether matching is on
func (m *Matcher) Enabled() bool {
	return m.enabled
}

// Reset clears debounce state. Publish and hint timestamps survive so rate
// limits hold across resets.
func (m *Matcher) Reset() {
	st := NewState()
	st.LastPublish = m.state.LastPublish
	st.LastHint = m.state.LastHint
	m.state = st
}

// RequireRemoval makes the next tick wait for an empty sensor before matching
func (m *Matcher) RequireRemoval() {
	m.state = m.state.clearCandidate()
	m.state.RequireFingerRemoval = true
}

// State returns a copy of the debounce state
func (m *Matcher) State() State {
	return m.state
}

// Stats returns outcome counters
func (m *Matcher) Stats() Stats {
	return m.stats
}

// Tick runs one capture-and-search cycle when enabled and due
func (m *Matcher) Tick() {
	if !m.enabled {
		return
	}
	now := m.clock.Now()
	if !m.state.LastScan.IsZero() && now.Sub(m.state.LastScan) < m.policy.PollInterval-tickSlack {
		return
	}
	m.state.LastScan = now
	m.state = m.step(m.state, now)
}

// step computes the next state from st
func (m *Matcher) step(st State, now time.Time) State {
	err := m.sensor.CaptureImage()

	if st.RequireFingerRemoval {
		if errors.Is(err, sensor.ErrNoFinger) {
			slog.Debug("finger removed, matcher re-armed")
			st = st.clearCandidate()
			st.RequireFingerRemoval = false
		}
		return st
	}

	switch {
	case errors.Is(err, sensor.ErrNoFinger):
		return st.clearCandidate()
	case err != nil:
		code := sensor.CodeOf(err)
		slog.Debug("capture error during attendance", "code", code, "error", err)
		return m.hint(st, now, 0, fmt.Sprintf("get_image_error_%d", code), m.policy.HintInterval)
	}

	if err := m.sensor.ImageToTemplate(1); err != nil {
		code := sensor.CodeOf(err)
		st = m.hint(st, now, 0, fmt.Sprintf("template_error_%d", code), m.policy.HintInterval)
		return st.clearCandidate()
	}

	match, err := m.search()
	switch {
	case errors.Is(err, sensor.ErrNotFound):
		return m.unregistered(st, now)
	case err != nil:
		code := sensor.CodeOf(err)
		slog.Warn("sensor search failed", "code", code, "error", err)
		st = m.hint(st, now, 0, fmt.Sprintf("sensor_search_error_%d", code), m.policy.HintInterval)
		return st.clearCandidate()
	}

	if match.ID > 0 && match.ID < m.policy.LegacyIDBound {
		slog.Debug("legacy slot matched", "fingerprint_id", match.ID, "confidence", match.Confidence)
		st = m.hint(st, now, match.Confidence, ReasonLegacySlot, m.policy.HintInterval)
		return st.clearCandidate()
	}

	if match.Confidence < m.policy.MinConfidence {
		slog.Debug("low confidence match ignored", "fingerprint_id", match.ID, "confidence", match.Confidence)
		st = m.hint(st, now, match.Confidence, ReasonLowConfidence, m.policy.LowConfidenceHintInterval)
		return st.clearCandidate()
	}

	if match.Confidence < m.policy.HighConfidence {
		var stable bool
		st, stable = m.corroborate(st, now, match)
		if !stable {
			return st
		}
	}

	return m.publish(st, now, match)
}

// search runs a search, retrying once after a transient error
func (m *Matcher) search() (sensor.Match, error) {
	match, err := m.sensor.Search()
	if err == nil || errors.Is(err, sensor.ErrNotFound) {
		return match, err
	}
	slog.Debug("transient search error, retrying", "code", sensor.CodeOf(err))
	m.clock.Sleep(m.policy.SearchRetryPause)
	return m.sensor.Search()
}

// corroborate decides whether a mid-confidence match has been seen twice.
// When this is the first read of the id, it re-captures up to ConfirmAttempts
// times looking for a second read of the same id.
func (m *Matcher) corroborate(st State, now time.Time, match sensor.Match) (State, bool) {
	if st.LastCandidateID == match.ID {
		st.StableReads++
		slog.Debug("candidate corroborated by consecutive read", "fingerprint_id", match.ID, "stable_reads", st.StableReads)
		return st, true
	}

	st.LastCandidateID = match.ID
	st.StableReads = 0

	disagreed := false
	for attempt := 0; attempt < m.policy.ConfirmAttempts; attempt++ {
		m.clock.Sleep(m.policy.ConfirmPause)
		if err := m.sensor.CaptureImage(); err != nil {
			continue
		}
		if err := m.sensor.ImageToTemplate(1); err != nil {
			continue
		}
		again, err := m.sensor.Search()
		if err != nil {
			if errors.Is(err, sensor.ErrNotFound) {
				disagreed = true
			}
			continue
		}
		if again.ID == match.ID && again.Confidence >= m.policy.MinConfidence {
			st.StableReads++
			slog.Debug("candidate confirmed by re-scan", "fingerprint_id", match.ID, "attempt", attempt+1)
			return st, true
		}
		disagreed = true
		slog.Debug("confirm re-scan disagreed",
			"fingerprint_id", match.ID,
			"confirm_id", again.ID,
			"confirm_confidence", again.Confidence,
		)
	}

	st = m.hint(st, now, match.Confidence, ReasonConfirmFailed, m.policy.HintInterval)
	// Re-scans that only errored never contradicted the candidate, so it is
	// kept for the next tick to corroborate.
	if disagreed {
		st = st.clearCandidate()
	}
	return st, false
}

// publish emits a stable match unless the publish interval has not elapsed
func (m *Matcher) publish(st State, now time.Time, match sensor.Match) State {
	if !st.LastPublish.IsZero() && now.Sub(st.LastPublish) < m.policy.PublishInterval {
		m.stats.RateLimited++
		slog.Debug("match publish rate limited", "fingerprint_id", match.ID)
		return st
	}

	m.stats.Matches++
	slog.Info("attendance match",
		"fingerprint_id", match.ID,
		"confidence", match.Confidence,
	)
	m.pub.Publish(types.NewMatchEvent(now, match.ID, match.Confidence, types.MatchHardware, ""))

	st.LastPublish = now
	st = st.clearCandidate()
	st.RequireFingerRemoval = true
	return st
}

// unregistered reports a finger that matches no stored template
func (m *Matcher) unregistered(st State, now time.Time) State {
	st = st.clearCandidate()
	if !st.LastPublish.IsZero() && now.Sub(st.LastPublish) < m.policy.PublishInterval {
		m.stats.RateLimited++
		return st
	}

	m.stats.Unregistered++
	slog.Info("unregistered fingerprint")
	m.pub.Publish(types.NewMatchEvent(now, types.UnregisteredID, 0, types.MatchHardware, ""))

	st.LastPublish = now
	st.RequireFingerRemoval = true
	return st
}

// hint publishes a non-authoritative event, at most once per interval
func (m *Matcher) hint(st State, now time.Time, confidence int, reason string, interval time.Duration) State {
	if !st.LastHint.IsZero() && now.Sub(st.LastHint) <= interval {
		return st
	}
	m.stats.Hints++
	m.pub.Publish(types.NewMatchEvent(now, types.HintID, confidence, types.MatchHint, reason))
	st.LastHint = now
	return st
}
