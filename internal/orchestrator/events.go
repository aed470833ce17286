package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/poll"
)

// EventType identifies a poll lifecycle event.
type EventType string

const (
	EventPollStarted EventType = "poll.started"
	EventPollUpdated EventType = "poll.updated"
	EventPollEnded   EventType = "poll.ended"
)

// Event is a poll lifecycle notification for downstream relays.
type Event struct {
	Type           EventType
	PollID         uuid.UUID
	At             time.Time
	ChannelsOK     int
	ChannelsFailed int
	Aggregate      *poll.Aggregate
}

// Emitter relays lifecycle events to a notification layer.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }

const emitTimeout = 5 * time.Second

// emitAsync delivers the event on a detached goroutine. Emission is
// best-effort and never affects the operation that produced the event.
func emitAsync(e Emitter, log *slog.Logger, ev Event) {
	if e == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()

		if err := e.Emit(ctx, ev); err != nil {
			log.Warn("Event emission failed",
				slog.String("event", string(ev.Type)),
				slog.String("poll_id", ev.PollID.String()),
				slog.Any("error", err),
			)
		}
	}()
}
