package types

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the slice of clockwork.Clock the state machines need.
// Now must carry a monotonic reading.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	NewTicker(d time.Duration) clockwork.Ticker
}
