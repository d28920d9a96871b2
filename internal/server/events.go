package server

import (
	"context"

	"github.com/churnshield/churnshield/internal/alerts"
)

// fanout forwards each alert event to every sink in order. Sinks must not
// block; each one queues or drops on its own.
type fanout []alerts.EventEmitter

func (f fanout) Emit(ctx context.Context, ev alerts.Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(ctx, ev)
		}
	}
}

var _ alerts.EventEmitter = fanout(nil)
