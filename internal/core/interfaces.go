package core

import (
	"context"

	"github.com/care/dactyl/internal/types"
)

// EventSink delivers outbound events to one transport
type EventSink interface {
	// Run consumes events until ctx is done or the channel closes
	Run(ctx context.Context, events <-chan types.Event)
}
