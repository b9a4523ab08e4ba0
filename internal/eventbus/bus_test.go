package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/dactyl/internal/types"
)

func event(id int) types.Event {
	return types.NewMatchEvent(time.Now(), id, 90, types.MatchHardware, "")
}

func TestPublishFansOut(t *testing.T) {
	bus := New()
	a := make(chan types.Event, 4)
	b := make(chan types.Event, 4)
	require.NoError(t, bus.Subscribe("mqtt", a))
	require.NoError(t, bus.Subscribe("feed", b))

	bus.Publish(event(150))

	got := (<-a).(*types.MatchEvent)
	assert.Equal(t, 150, got.FingerprintID)
	assert.Same(t, got, (<-b).(*types.MatchEvent))
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New()
	slow := make(chan types.Event, 1)
	require.NoError(t, bus.Subscribe("slow", slow))

	done := make(chan struct{})
	go func() {
		bus.Publish(event(1))
		bus.Publish(event(2))
		bus.Publish(event(3))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked")
	}

	first := (<-slow).(*types.MatchEvent)
	assert.Equal(t, 1, first.FingerprintID)

	stats := bus.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, SubscriberStats{Sent: 1, Dropped: 2}, stats.Subscribers["slow"])
}

func TestSubscribeRules(t *testing.T) {
	bus := New()
	ch := make(chan types.Event, 1)
	require.NoError(t, bus.Subscribe("a", ch))
	assert.ErrorIs(t, bus.Subscribe("a", ch), ErrDuplicateID)

	bus.Unsubscribe("a")
	bus.Publish(event(1))
	assert.Len(t, ch, 0)

	bus.Close()
	assert.ErrorIs(t, bus.Subscribe("b", ch), ErrClosed)
	bus.Publish(event(2))
	assert.Equal(t, uint64(1), bus.Stats().Published)
}
