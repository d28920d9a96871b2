package webhooks

import (
	"context"
	"log/slog"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/idgen"
)

// Emitter publishes alert events to webhook subscribers.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

type alertData struct {
	Alert   *alerts.Alert        `json:"alert"`
	Action  *alerts.ActionRecord `json:"action,omitempty"`
	Outcome alerts.Outcome       `json:"outcome,omitempty"`
}

// Emit never returns an error; dispatch failures are logged.
func (e *Emitter) Emit(ctx context.Context, ev alerts.Event) {
	if e == nil || e.d == nil {
		return
	}
	p := &Payload{
		ID:        idgen.WithPrefix("evt_"),
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Data:      alertData{Alert: ev.Alert, Action: ev.Action, Outcome: ev.Outcome},
	}
	if err := e.d.Dispatch(ctx, p); err != nil {
		e.logger.Warn("webhook emit failed", "event", ev.Type, "error", err)
	}
}

var _ alerts.EventEmitter = (*Emitter)(nil)
