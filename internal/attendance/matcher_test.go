package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/dactyl/internal/sensor"
	"github.com/care/dactyl/internal/testutil"
	"github.com/care/dactyl/internal/types"
)

var packetErr = &sensor.Error{Op: "search", Code: sensor.CodePacketRecvErr}

type harness struct {
	sensor  *testutil.ScriptedSensor
	pub     *testutil.Publisher
	clock   *testutil.Clock
	matcher *Matcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sensor: testutil.NewScriptedSensor(300),
		pub:    &testutil.Publisher{},
		clock:  testutil.NewClock(),
	}
	h.matcher = NewMatcher(h.sensor, h.pub, h.clock, DefaultPolicy())
	h.matcher.SetMode(true)
	return h
}

func (h *harness) tick() {
	h.clock.Advance(300 * time.Millisecond)
	h.matcher.Tick()
}

func (h *harness) hardware() []*types.MatchEvent {
	var out []*types.MatchEvent
	for _, ev := range h.pub.Matches() {
		if ev.MatchType == types.MatchHardware {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) hints() []*types.MatchEvent {
	var out []*types.MatchEvent
	for _, ev := range h.pub.Matches() {
		if ev.MatchType == types.MatchHint {
			out = append(out, ev)
		}
	}
	return out
}

func TestHighConfidencePublishesOnFirstRead(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 80})
	h.tick()

	matches := h.hardware()
	require.Len(t, matches, 1)
	assert.Equal(t, 150, matches[0].FingerprintID)
	assert.Equal(t, 80, matches[0].Confidence)
	assert.Equal(t, "attendance", matches[0].Mode)
	assert.True(t, matches[0].IsAuthoritative())
	assert.Equal(t, 1, h.sensor.Searches())
	assert.True(t, h.matcher.State().RequireFingerRemoval)
}

func TestSamePlacementPublishesOnce(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 80})
	for i := 0; i < 20; i++ {
		h.tick()
	}
	assert.Len(t, h.hardware(), 1)
	assert.Equal(t, 1, h.sensor.Searches())

	h.sensor.Lift()
	h.tick()
	assert.False(t, h.matcher.State().RequireFingerRemoval)

	h.sensor.Place(testutil.Read{ID: 150, Confidence: 80})
	h.tick()
	assert.Len(t, h.hardware(), 2)
}

func TestMidConfidenceConfirmedByRescan(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 50})
	start := h.clock.Since()
	h.tick()

	matches := h.hardware()
	require.Len(t, matches, 1)
	assert.Equal(t, 150, matches[0].FingerprintID)
	assert.Equal(t, 2, h.sensor.Searches())
	assert.Equal(t, 300*time.Millisecond+120*time.Millisecond, h.clock.Since()-start)
}

func TestMidConfidenceDisagreementIsHint(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(
		testutil.Read{ID: 150, Confidence: 50},
		testutil.Read{ID: 151, Confidence: 50},
		testutil.Read{ID: 152, Confidence: 55},
	)
	h.tick()

	assert.Empty(t, h.hardware())
	hints := h.hints()
	require.Len(t, hints, 1)
	assert.Equal(t, types.HintID, hints[0].FingerprintID)
	assert.Equal(t, ReasonConfirmFailed, hints[0].Reason)
	assert.Equal(t, types.UnregisteredID, h.matcher.State().LastCandidateID)
	assert.Equal(t, 3, h.sensor.Searches())
}

func TestConsecutiveTicksCorroborateAfterFailedRescans(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(
		testutil.Read{ID: 150, Confidence: 45},
		testutil.Read{Err: packetErr},
		testutil.Read{Err: packetErr},
		testutil.Read{ID: 150, Confidence: 48},
	)
	h.tick()
	assert.Empty(t, h.hardware())
	hints := h.hints()
	require.Len(t, hints, 1)
	assert.Equal(t, ReasonConfirmFailed, hints[0].Reason)
	assert.Equal(t, 150, h.matcher.State().LastCandidateID)

	h.tick()
	matches := h.hardware()
	require.Len(t, matches, 1)
	assert.Equal(t, 150, matches[0].FingerprintID)
	assert.Equal(t, 48, matches[0].Confidence)
}

func TestLegacyIDsAreOnlyHints(t *testing.T) {
	for _, id := range []int{1, 42, 99} {
		h := newHarness(t)
		h.sensor.Place(testutil.Read{ID: id, Confidence: 200})
		for i := 0; i < 10; i++ {
			h.tick()
		}
		for _, ev := range h.pub.Matches() {
			assert.False(t, ev.IsAuthoritative(), "id %d", id)
			assert.NotEqual(t, id, ev.FingerprintID)
		}
		hints := h.hints()
		require.NotEmpty(t, hints)
		assert.Equal(t, ReasonLegacySlot, hints[0].Reason)
		assert.Equal(t, 200, hints[0].Confidence)
	}
}

func TestLegacyBoundIsConfigurable(t *testing.T) {
	h := newHarness(t)
	policy := DefaultPolicy()
	policy.LegacyIDBound = 10
	h.matcher = NewMatcher(h.sensor, h.pub, h.clock, policy)
	h.matcher.SetMode(true)

	h.sensor.Place(testutil.Read{ID: 42, Confidence: 90})
	h.tick()
	require.Len(t, h.hardware(), 1)
	assert.Equal(t, 42, h.hardware()[0].FingerprintID)
}

func TestLowConfidenceHint(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 39})
	for i := 0; i < 5; i++ {
		h.tick()
	}

	assert.Empty(t, h.hardware())
	hints := h.hints()
	// 700ms hint interval over 1.5s of 300ms ticks
	require.Len(t, hints, 2)
	assert.Equal(t, ReasonLowConfidence, hints[0].Reason)
	assert.Equal(t, 0, h.matcher.State().StableReads)
}

func TestNotFoundPublishesOnceUntilRemovalAndInterval(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place()
	h.tick()

	matches := h.hardware()
	require.Len(t, matches, 1)
	assert.Equal(t, types.UnregisteredID, matches[0].FingerprintID)
	assert.False(t, matches[0].IsAuthoritative())

	for i := 0; i < 10; i++ {
		h.tick()
	}
	assert.Len(t, h.hardware(), 1)

	h.sensor.Lift()
	h.tick()
	h.sensor.Place()
	h.tick()
	assert.Len(t, h.hardware(), 2)
}

func TestNotFoundRespectsPublishInterval(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place()
	h.tick() // t=0.3 publish
	h.sensor.Lift()
	h.tick() // t=0.6 re-armed
	h.sensor.Place()
	h.tick() // t=0.9 suppressed
	h.tick() // t=1.2 suppressed
	h.tick() // t=1.5 suppressed
	assert.Len(t, h.hardware(), 1)

	h.tick() // t=1.8 publish
	assert.Len(t, h.hardware(), 2)
	assert.Equal(t, uint64(3), h.matcher.Stats().RateLimited)
}

func TestMatchesRateLimited(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 90})
	h.tick()
	h.sensor.Lift()
	h.tick()
	h.sensor.Place(testutil.Read{ID: 151, Confidence: 90})
	h.tick()
	assert.Len(t, h.hardware(), 1)

	for i := 0; i < 3; i++ {
		h.tick()
	}
	matches := h.hardware()
	require.Len(t, matches, 2)
	assert.Equal(t, 151, matches[1].FingerprintID)
	assert.GreaterOrEqual(t, matches[1].Timestamp().Sub(matches[0].Timestamp()), 1500*time.Millisecond)
}

func TestTransientSearchErrorRetried(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{Err: packetErr}, testutil.Read{ID: 150, Confidence: 70})
	h.tick()

	require.Len(t, h.hardware(), 1)
	assert.Equal(t, 2, h.sensor.Searches())
	assert.Empty(t, h.hints())
}

func TestSearchErrorAfterRetryIsHint(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{Err: packetErr})
	h.tick()

	assert.Empty(t, h.hardware())
	hints := h.hints()
	require.Len(t, hints, 1)
	assert.Equal(t, "sensor_search_error_1", hints[0].Reason)
	assert.Equal(t, 2, h.sensor.Searches())
}

func TestCaptureAndTemplateErrorsAreRateLimitedHints(t *testing.T) {
	h := newHarness(t)
	imageFail := &sensor.Error{Op: "capture", Code: sensor.CodeImageFail}
	h.sensor.FailCapture(imageFail, imageFail, imageFail, imageFail, imageFail, imageFail, imageFail)
	for i := 0; i < 7; i++ {
		h.tick()
	}
	hints := h.hints()
	require.Len(t, hints, 2)
	assert.Equal(t, "get_image_error_3", hints[0].Reason)

	h = newHarness(t)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 90})
	h.sensor.FailConvert(&sensor.Error{Op: "convert", Code: sensor.CodeFeatureFail})
	h.tick()
	hints = h.hints()
	require.Len(t, hints, 1)
	assert.Equal(t, "template_error_7", hints[0].Reason)
	assert.Equal(t, 0, h.sensor.Searches())
}

func TestDisabledMatcherIsIdle(t *testing.T) {
	h := newHarness(t)
	h.matcher.SetMode(false)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 90})
	h.tick()

	assert.Equal(t, 0, h.sensor.Captures())
	assert.Empty(t, h.pub.Matches())
}

func TestRequireRemovalBeforeMatching(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 90})
	h.matcher.RequireRemoval()
	h.tick()
	h.tick()
	assert.Empty(t, h.pub.Matches())

	h.sensor.Lift()
	h.tick()
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 90})
	h.tick()
	assert.Len(t, h.hardware(), 1)
}

func TestTickRateLimited(t *testing.T) {
	h := newHarness(t)
	h.sensor.Place(testutil.Read{ID: 150, Confidence: 30})
	h.tick()
	h.matcher.Tick()
	h.clock.Advance(100 * time.Millisecond)
	h.matcher.Tick()
	assert.Equal(t, 1, h.sensor.Captures())
}
