package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alekspetrov/pollcast/internal/adapters/twitch"
	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// Terminator ends a poll on every channel's transport and freezes the
// aggregate.
type Terminator struct {
	links   LinkStore
	dir     ChannelDirectory
	api     APITransport
	chat    ChatTransport
	agg     *Aggregator
	emitter Emitter
	log     *slog.Logger
}

// TerminatorOption configures a Terminator.
type TerminatorOption func(*Terminator)

// WithTerminatorEmitter sets the lifecycle event emitter.
func WithTerminatorEmitter(e Emitter) TerminatorOption {
	return func(t *Terminator) {
		t.emitter = e
	}
}

// WithTerminatorLogger sets the logger.
func WithTerminatorLogger(logger *slog.Logger) TerminatorOption {
	return func(t *Terminator) {
		t.log = logger
	}
}

// NewTerminator creates a termination coordinator.
func NewTerminator(links LinkStore, dir ChannelDirectory, api APITransport, chatT ChatTransport, agg *Aggregator, opts ...TerminatorOption) *Terminator {
	t := &Terminator{
		links: links,
		dir:   dir,
		api:   api,
		chat:  chatT,
		agg:   agg,
		log:   logging.WithComponent("terminator"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Terminate ends the poll on every channel, marks the instance with the
// given terminal status, and freezes the aggregate. Per-channel termination
// attempts are independent; a failure on one channel is recorded on its
// link and never blocks the others or the overall instance transition.
func (t *Terminator) Terminate(ctx context.Context, instance *poll.Instance, final poll.Status) (*poll.Aggregate, error) {
	if !final.Terminal() {
		return nil, fmt.Errorf("status %q is not terminal", final)
	}
	if instance.Status.Terminal() {
		return nil, ErrPollFinished
	}

	// Capture last counts from every transport before tearing them down.
	var nonDurable bool
	if agg, err := t.agg.RunPass(ctx, instance); err != nil {
		t.log.Warn("Final aggregation pass failed, freezing last-known counts",
			slog.String("poll_id", instance.ID.String()),
			slog.Any("error", err),
		)
	} else {
		nonDurable = agg.NonDurable
	}

	links, err := t.links.ListLinks(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel links: %w", err)
	}

	platformStatus := endStatusFor(final)

	var wg sync.WaitGroup
	for _, link := range links {
		wg.Add(1)
		go func(link *poll.Link) {
			defer wg.Done()
			t.terminateOne(ctx, link, platformStatus)
		}(link)
	}
	wg.Wait()

	now := time.Now()
	agg := poll.Fold(instance.ID, links)
	agg.NonDurable = nonDurable
	agg.FrozenAt = &now

	if err := t.links.SaveAggregate(ctx, agg); err != nil {
		return nil, fmt.Errorf("failed to freeze aggregate: %w", err)
	}
	if err := t.links.UpdateInstanceStatus(ctx, instance.ID, final); err != nil {
		return nil, fmt.Errorf("failed to finalize poll: %w", err)
	}
	instance.Status = final

	ok, failed := countByOutcome(links)
	t.log.Info("Poll terminated",
		slog.String("poll_id", instance.ID.String()),
		slog.String("status", string(final)),
		slog.Int("channels_ok", ok),
		slog.Int("channels_failed", failed),
		slog.Int("total_votes", agg.Total),
	)

	emitAsync(t.emitter, t.log, Event{
		Type:           EventPollEnded,
		PollID:         instance.ID,
		At:             now,
		ChannelsOK:     ok,
		ChannelsFailed: failed,
		Aggregate:      agg,
	})

	return agg, nil
}

// terminateOne ends the poll on a single link's transport. A failed
// termination keeps the link's counts; only LastError records the outcome,
// so the frozen aggregate still includes the channel's votes.
func (t *Terminator) terminateOne(ctx context.Context, link *poll.Link, platformStatus string) {
	if link.UsesAPI() {
		if link.Status != poll.LinkActive {
			return
		}

		channel, err := t.dir.Channel(ctx, link.ChannelID)
		if err == nil {
			err = t.api.End(ctx, channel, link.ExternalPollID, platformStatus)
		}
		if err != nil {
			link.LastError = err.Error()
			link.UpdatedAt = time.Now()
			t.log.Warn("Failed to end poll on channel",
				slog.String("poll_id", link.PollID.String()),
				slog.String("channel_id", link.ChannelID.String()),
				slog.Any("error", err),
			)
		} else {
			link.Status = poll.LinkEnded
			link.UpdatedAt = time.Now()
		}
	} else {
		wasActive := link.Status == poll.LinkActive
		if err := t.chat.Stop(ctx, link.PollID, link.ChannelID); err != nil {
			link.LastError = err.Error()
			link.UpdatedAt = time.Now()
			t.log.Warn("Failed to close chat connection",
				slog.String("poll_id", link.PollID.String()),
				slog.String("channel_id", link.ChannelID.String()),
				slog.Any("error", err),
			)
		} else if wasActive {
			link.Status = poll.LinkEnded
			link.UpdatedAt = time.Now()
		}
	}

	if err := t.links.UpdateLink(ctx, link); err != nil {
		t.log.Error("Failed to persist channel link",
			slog.String("poll_id", link.PollID.String()),
			slog.String("channel_id", link.ChannelID.String()),
			slog.Any("error", err),
		)
	}
}

// endStatusFor maps the instance's terminal status to the platform's
// end-poll status: cancellation terminates the poll visibly, normal
// completion archives it.
func endStatusFor(final poll.Status) string {
	if final == poll.StatusCancelled {
		return twitch.PollStatusTerminated
	}
	return twitch.PollStatusArchived
}
