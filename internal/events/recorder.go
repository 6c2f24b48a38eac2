package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/curvelaunch/graduation-engine/internal/model"
)

// Log is the slice of the store the recorder appends to. The store assigns
// the monotonic sequence number.
type Log interface {
	AppendEvent(ctx context.Context, ev *model.Event) error
}

// Recorder appends event records to the store and broadcasts them to the
// hub. Append failures are logged, never propagated: the state transition
// that produced the event has already committed.
type Recorder struct {
	log Log
	hub *Hub
}

// NewRecorder creates a recorder. hub may be nil when broadcasting is not
// needed.
func NewRecorder(log Log, hub *Hub) *Recorder {
	return &Recorder{log: log, hub: hub}
}

// Record emits one event.
func (r *Recorder) Record(ctx context.Context, typ, subject string, fields map[string]string) {
	ev := model.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Subject:   subject,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	}

	if r.log != nil {
		if err := r.log.AppendEvent(ctx, &ev); err != nil {
			slog.Error("event append failed", "type", typ, "subject", subject, "err", err)
		}
	}

	if r.hub != nil {
		r.hub.Broadcast(ev)
	}

	slog.Info("event", "type", typ, "subject", subject, "seq", ev.Seq)
}
