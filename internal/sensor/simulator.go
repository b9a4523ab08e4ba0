package sensor

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Simulator is an in-memory sensor for bench runs and tests. A "finger" is an
// opaque label; two captures of the same label produce matching templates.
type Simulator struct {
	mu sync.Mutex

	capacity   int
	confidence int

	// glass state
	finger  string
	quality Code

	image   string
	buffers [3]string
	model   string
	stored  map[int]string

	faults   map[string][]Code
	reinits  int
	captures uint64
}

// NewSimulator creates a simulator with the given slot capacity and the
// confidence it reports for every match.
func NewSimulator(capacity, confidence int) *Simulator {
	if capacity <= 0 {
		capacity = 300
	}
	if confidence <= 0 {
		confidence = 120
	}
	return &Simulator{
		capacity:   capacity,
		confidence: confidence,
		quality:    CodeOK,
		stored:     make(map[int]string),
		faults:     make(map[string][]Code),
	}
}

// Place puts a finger on the glass. quality is the code template conversion
// will return (CodeOK, CodeImageMess, CodeFeatureFail, ...).
func (s *Simulator) Place(finger string, quality Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finger = finger
	s.quality = quality
	slog.Debug("simulated finger placed", "finger", finger, "quality", quality)
}

// Lift removes the finger from the glass.
func (s *Simulator) Lift() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finger = ""
	s.quality = CodeOK
}

// SetConfidence changes the confidence reported by subsequent matches.
func (s *Simulator) SetConfidence(confidence int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confidence = confidence
}

// InjectFault queues codes returned by the next calls of op
// ("capture", "convert", "build", "store", "search").
func (s *Simulator) InjectFault(op string, codes ...Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], codes...)
}

// Enroll stores finger at slot directly, bypassing the scan workflow.
func (s *Simulator) Enroll(slot int, finger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored[slot] = finger
}

// Stored returns the finger label stored at slot.
func (s *Simulator) Stored(slot int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.stored[slot]
	return f, ok
}

// Reinits returns how many times Reinit was called.
func (s *Simulator) Reinits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reinits
}

// fault pops a queued fault for op. Caller holds mu.
func (s *Simulator) fault(op string) (Code, bool) {
	q := s.faults[op]
	if len(q) == 0 {
		return CodeOK, false
	}
	s.faults[op] = q[1:]
	return q[0], true
}

func (s *Simulator) CaptureImage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures++
	if code, ok := s.fault("capture"); ok {
		return fail("capture", code)
	}
	if s.finger == "" {
		return ErrNoFinger
	}
	s.image = s.finger
	return nil
}

func (s *Simulator) ImageToTemplate(buffer int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer != 1 && buffer != 2 {
		return fail("convert", CodeBadPacket)
	}
	if code, ok := s.fault("convert"); ok {
		s.buffers[buffer] = ""
		return fail("convert", code)
	}
	if s.image == "" {
		return fail("convert", CodeImageFail)
	}
	if s.quality != CodeOK {
		s.buffers[buffer] = ""
		return fail("convert", s.quality)
	}
	s.buffers[buffer] = s.image
	return nil
}

func (s *Simulator) BuildModel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.fault("build"); ok {
		return fail("build", code)
	}
	if s.buffers[1] == "" || s.buffers[1] != s.buffers[2] {
		s.model = ""
		return ErrMismatch
	}
	s.model = s.buffers[1]
	return nil
}

func (s *Simulator) StoreModel(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 1 || slot > s.capacity {
		return fail("store", CodeBadLocation)
	}
	if code, ok := s.fault("store"); ok {
		return fail("store", code)
	}
	if s.model == "" {
		return fail("store", CodeFlashErr)
	}
	s.stored[slot] = s.model
	return nil
}

func (s *Simulator) Search() (Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.fault("search"); ok {
		return Match{}, fail("search", code)
	}
	scanned := s.buffers[1]
	if scanned == "" {
		return Match{}, ErrNotFound
	}
	slots := make([]int, 0, len(s.stored))
	for slot, finger := range s.stored {
		if finger == scanned {
			slots = append(slots, slot)
		}
	}
	if len(slots) == 0 {
		return Match{}, ErrNotFound
	}
	sort.Ints(slots)
	return Match{ID: slots[0], Confidence: s.confidence}, nil
}

func (s *Simulator) DeleteModel(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 1 || slot > s.capacity {
		return fail("delete", CodeBadLocation)
	}
	delete(s.stored, slot)
	return nil
}

func (s *Simulator) EmptyDatabase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = make(map[int]string)
	return nil
}

func (s *Simulator) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

func (s *Simulator) TemplateCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored), nil
}

func (s *Simulator) Reinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reinits++
	return nil
}

func (s *Simulator) Close() error { return nil }

// String describes the simulator state for logs.
func (s *Simulator) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("simulator(capacity=%d stored=%d finger=%q)", s.capacity, len(s.stored), s.finger)
}

// ParseQuality maps a quality name used by the bench endpoints to a conversion code.
func ParseQuality(name string) (Code, error) {
	switch name {
	case "", "ok", "clean":
		return CodeOK, nil
	case "feature_fail", "medium":
		return CodeFeatureFail, nil
	case "messy", "low":
		return CodeImageMess, nil
	case "fail":
		return CodeImageFail, nil
	default:
		return 0, fmt.Errorf("unknown quality %q (valid: ok, medium, low, fail)", name)
	}
}
