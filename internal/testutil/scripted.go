package testutil

import (
	"sync"

	"github.com/care/dactyl/internal/sensor"
)

// Read is one scripted search outcome.
type Read struct {
	ID         int
	Confidence int
	Err        error
}

// NotFound is a search that matched nothing.
var NotFound = Read{Err: sensor.ErrNotFound}

// ScriptedSensor replays queued capture and search outcomes. Once the search
// queue drains, the last read repeats, which models a finger held still.
type ScriptedSensor struct {
	mu sync.Mutex

	present     bool
	captureErrs []error
	convertErrs []error
	reads       []Read
	last        Read
	capacity    int

	captures int
	searches int
	reinits  int
}

// NewScriptedSensor returns a sensor with no finger on the glass.
func NewScriptedSensor(capacity int) *ScriptedSensor {
	return &ScriptedSensor{capacity: capacity, last: NotFound}
}

// Place puts a finger on the glass and queues the search outcomes it yields.
func (s *ScriptedSensor) Place(reads ...Read) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = true
	s.reads = append(s.reads, reads...)
}

// Lift removes the finger and drops pending reads.
func (s *ScriptedSensor) Lift() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = false
	s.reads = nil
	s.last = NotFound
}

// FailCapture queues errors for the next captures.
func (s *ScriptedSensor) FailCapture(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureErrs = append(s.captureErrs, errs...)
}

// FailConvert queues errors for the next template conversions.
func (s *ScriptedSensor) FailConvert(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convertErrs = append(s.convertErrs, errs...)
}

// Searches returns the number of searches performed.
func (s *ScriptedSensor) Searches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches
}

// Captures returns the number of captures performed.
func (s *ScriptedSensor) Captures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

func (s *ScriptedSensor) CaptureImage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures++
	if len(s.captureErrs) > 0 {
		err := s.captureErrs[0]
		s.captureErrs = s.captureErrs[1:]
		return err
	}
	if !s.present {
		return sensor.ErrNoFinger
	}
	return nil
}

func (s *ScriptedSensor) ImageToTemplate(int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.convertErrs) > 0 {
		err := s.convertErrs[0]
		s.convertErrs = s.convertErrs[1:]
		return err
	}
	return nil
}

func (s *ScriptedSensor) Search() (sensor.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches++
	r := s.last
	if len(s.reads) > 0 {
		r = s.reads[0]
		s.reads = s.reads[1:]
		s.last = r
	}
	if r.Err != nil {
		return sensor.Match{}, r.Err
	}
	return sensor.Match{ID: r.ID, Confidence: r.Confidence}, nil
}

func (s *ScriptedSensor) BuildModel() error          { return nil }
func (s *ScriptedSensor) StoreModel(int) error        { return nil }
func (s *ScriptedSensor) DeleteModel(int) error       { return nil }
func (s *ScriptedSensor) EmptyDatabase() error        { return nil }
func (s *ScriptedSensor) Capacity() int               { return s.capacity }
func (s *ScriptedSensor) TemplateCount() (int, error) { return 0, nil }
func (s *ScriptedSensor) Close() error                { return nil }

func (s *ScriptedSensor) Reinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reinits++
	return nil
}
