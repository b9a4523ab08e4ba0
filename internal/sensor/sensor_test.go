package sensor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeOK},
		{"sensor error", &Error{Op: "convert", Code: CodeImageMess}, CodeImageMess},
		{"wrapped", fmt.Errorf("scan 2: %w", &Error{Op: "capture", Code: CodeImageFail}), CodeImageFail},
		{"transport", errors.New("broken pipe"), CodePacketRecvErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("poll: %w", &Error{Op: "capture", Code: CodeNoFinger})
	assert.ErrorIs(t, err, ErrNoFinger)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "sensor capture: code 0x02", (&Error{Op: "capture", Code: CodeNoFinger}).Error())
}

func TestSimulatorEnrollAndSearch(t *testing.T) {
	s := NewSimulator(10, 88)

	require.ErrorIs(t, s.CaptureImage(), ErrNoFinger)

	s.Place("alice", CodeOK)
	require.NoError(t, s.CaptureImage())
	require.NoError(t, s.ImageToTemplate(1))
	require.NoError(t, s.CaptureImage())
	require.NoError(t, s.ImageToTemplate(2))
	require.NoError(t, s.BuildModel())
	require.NoError(t, s.StoreModel(4))

	finger, ok := s.Stored(4)
	require.True(t, ok)
	assert.Equal(t, "alice", finger)

	require.NoError(t, s.CaptureImage())
	require.NoError(t, s.ImageToTemplate(1))
	m, err := s.Search()
	require.NoError(t, err)
	assert.Equal(t, Match{ID: 4, Confidence: 88}, m)

	n, err := s.TemplateCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSimulatorBuildMismatch(t *testing.T) {
	s := NewSimulator(10, 0)

	s.Place("alice", CodeOK)
	require.NoError(t, s.CaptureImage())
	require.NoError(t, s.ImageToTemplate(1))
	s.Place("bob", CodeOK)
	require.NoError(t, s.CaptureImage())
	require.NoError(t, s.ImageToTemplate(2))

	assert.ErrorIs(t, s.BuildModel(), ErrMismatch)
	assert.Equal(t, CodeFlashErr, CodeOf(s.StoreModel(1)))
}

func TestSimulatorQualityAndFaults(t *testing.T) {
	s := NewSimulator(5, 0)
	s.Place("alice", CodeImageMess)
	require.NoError(t, s.CaptureImage())
	assert.Equal(t, CodeImageMess, CodeOf(s.ImageToTemplate(1)))

	s.InjectFault("capture", CodeImageFail, CodePacketRecvErr)
	assert.Equal(t, CodeImageFail, CodeOf(s.CaptureImage()))
	assert.Equal(t, CodePacketRecvErr, CodeOf(s.CaptureImage()))
	assert.NoError(t, s.CaptureImage())

	assert.Equal(t, CodeBadLocation, CodeOf(s.StoreModel(6)))
	assert.Equal(t, CodeBadLocation, CodeOf(s.DeleteModel(0)))

	require.NoError(t, s.Reinit())
	assert.Equal(t, 1, s.Reinits())
}

func TestSimulatorSearchLowestSlotFirst(t *testing.T) {
	s := NewSimulator(300, 70)
	s.Enroll(150, "alice")
	s.Enroll(120, "alice")
	s.Enroll(130, "bob")

	s.Place("alice", CodeOK)
	require.NoError(t, s.CaptureImage())
	require.NoError(t, s.ImageToTemplate(1))
	m, err := s.Search()
	require.NoError(t, err)
	assert.Equal(t, 120, m.ID)

	require.NoError(t, s.DeleteModel(120))
	require.NoError(t, s.CaptureImage())
	require.NoError(t, s.ImageToTemplate(1))
	m, err = s.Search()
	require.NoError(t, err)
	assert.Equal(t, 150, m.ID)

	require.NoError(t, s.EmptyDatabase())
	_, err = s.Search()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseQuality(t *testing.T) {
	code, err := ParseQuality("medium")
	require.NoError(t, err)
	assert.Equal(t, CodeFeatureFail, code)

	_, err = ParseQuality("excellent")
	assert.Error(t, err)
}
