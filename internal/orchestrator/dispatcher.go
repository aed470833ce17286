package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
	"github.com/alekspetrov/pollcast/internal/resilience"
)

// DefaultBatchSize bounds how many channels are dispatched concurrently,
// to stay inside the platform's own rate limits on large channel sets.
const DefaultBatchSize = 50

// Dispatcher fans a poll instance out to a set of channels, producing one
// link per channel regardless of outcome.
type Dispatcher struct {
	links     LinkStore
	creds     CredentialSource
	api       APITransport
	chat      ChatTransport
	emitter   Emitter
	batchSize int
	log       *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatchSize overrides the per-batch channel count.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithDispatcherEmitter sets the lifecycle event emitter.
func WithDispatcherEmitter(e Emitter) DispatcherOption {
	return func(d *Dispatcher) {
		d.emitter = e
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = logger
	}
}

// NewDispatcher creates a poll dispatcher.
func NewDispatcher(links LinkStore, creds CredentialSource, api APITransport, chatT ChatTransport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		links:     links,
		creds:     creds,
		api:       api,
		chat:      chatT,
		batchSize: DefaultBatchSize,
		log:       logging.WithComponent("dispatcher"),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch launches the poll on every eligible channel, choosing the
// official polls API for monetizable tiers and chat voting otherwise.
// Every eligible channel produces exactly one link; failures are recorded
// on the link and never abort dispatch to the remaining channels.
func (d *Dispatcher) Dispatch(ctx context.Context, instance *poll.Instance, channels []poll.Channel, overrides map[uuid.UUID]poll.ChannelOverrides) ([]*poll.Link, error) {
	if err := instance.Validate(); err != nil {
		return nil, fmt.Errorf("invalid poll instance: %w", err)
	}

	eligible := make([]poll.Channel, 0, len(channels))
	for _, ch := range channels {
		if Eligible(ch) {
			eligible = append(eligible, ch)
		}
	}

	links := make([]*poll.Link, 0, len(eligible))
	for start := 0; start < len(eligible); start += d.batchSize {
		batch := eligible[start:min(start+d.batchSize, len(eligible))]
		results := make([]*poll.Link, len(batch))

		var wg sync.WaitGroup
		for i, ch := range batch {
			wg.Add(1)
			go func(i int, ch poll.Channel) {
				defer wg.Done()
				results[i] = d.dispatchOne(ctx, instance, ch, overrides[ch.ID])
			}(i, ch)
		}
		wg.Wait()

		links = append(links, results...)
	}

	if err := d.links.UpdateInstanceStatus(ctx, instance.ID, poll.StatusRunning); err != nil {
		d.log.Error("Failed to mark poll running",
			slog.String("poll_id", instance.ID.String()),
			slog.Any("error", err),
		)
	} else {
		instance.Status = poll.StatusRunning
	}

	ok, failed := countByOutcome(links)
	d.log.Info("Poll dispatched",
		slog.String("poll_id", instance.ID.String()),
		slog.Int("channels_ok", ok),
		slog.Int("channels_failed", failed),
	)

	emitAsync(d.emitter, d.log, Event{
		Type:           EventPollStarted,
		PollID:         instance.ID,
		At:             time.Now(),
		ChannelsOK:     ok,
		ChannelsFailed: failed,
	})

	return links, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, instance *poll.Instance, ch poll.Channel, overrides poll.ChannelOverrides) *poll.Link {
	ctx = logging.ContextWithPollID(ctx, instance.ID.String())
	ctx = logging.ContextWithChannelID(ctx, ch.ID.String())

	now := time.Now()
	link := &poll.Link{
		ID:        uuid.New(),
		PollID:    instance.ID,
		ChannelID: ch.ID,
		Status:    poll.LinkCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	token, err := d.creds.EnsureValidToken(ctx, ch.ID)
	if err != nil {
		d.failLink(link, fmt.Errorf("failed to obtain token: %w", err))
	} else {
		ch = d.refreshProfile(ctx, ch)

		if CanUseAPIPolls(ch) {
			externalID, err := d.api.Create(ctx, ch, instance, overrides)
			if err != nil {
				d.recordTransportFailure(ctx, ch, link, err)
			} else {
				link.ExternalPollID = externalID
				link.Status = poll.LinkActive
			}
		} else {
			if err := d.chat.Start(ctx, ch, instance, token); err != nil {
				d.recordTransportFailure(ctx, ch, link, err)
			} else {
				link.Status = poll.LinkActive
			}
		}
	}

	if err := d.links.CreateLink(ctx, link); err != nil {
		logging.WithContext(ctx).Error("Failed to persist channel link", slog.Any("error", err))
	}

	return link
}

// refreshProfile opportunistically re-reads the channel's tier and display
// name so transport selection never runs on stale capability data. On
// failure the stored profile is used as-is.
func (d *Dispatcher) refreshProfile(ctx context.Context, ch poll.Channel) poll.Channel {
	user, err := d.api.RefreshProfile(ctx, ch)
	if err != nil {
		d.log.Debug("Profile refresh failed, using stored tier",
			slog.String("channel_id", ch.ID.String()),
			slog.String("login", ch.Login),
			slog.Any("error", err),
		)
		return ch
	}

	ch.DisplayName = user.DisplayName
	ch.Type = poll.BroadcasterType(user.BroadcasterType)

	if err := d.creds.UpdateProfile(ctx, ch.ID, user.DisplayName, user.BroadcasterType); err != nil {
		d.log.Warn("Failed to persist refreshed profile",
			slog.String("channel_id", ch.ID.String()),
			slog.Any("error", err),
		)
	}

	return ch
}

// recordTransportFailure marks the link failed and, on an authentication
// failure, deactivates the channel so it is skipped until its credentials
// are repaired.
func (d *Dispatcher) recordTransportFailure(ctx context.Context, ch poll.Channel, link *poll.Link, err error) {
	d.failLink(link, err)

	if resilience.Classify(err) != resilience.ClassAuth {
		return
	}

	logging.WithContext(ctx).Warn("Deactivating channel after authentication failure",
		slog.String("login", ch.Login),
	)
	if derr := d.creds.Deactivate(ctx, ch.ID); derr != nil {
		logging.WithContext(ctx).Error("Failed to deactivate channel", slog.Any("error", derr))
	}
}

func (d *Dispatcher) failLink(link *poll.Link, err error) {
	link.Status = poll.LinkFailed
	link.LastError = err.Error()
	link.UpdatedAt = time.Now()

	d.log.Warn("Channel dispatch failed",
		slog.String("poll_id", link.PollID.String()),
		slog.String("channel_id", link.ChannelID.String()),
		slog.Any("error", err),
	)
}

func countByOutcome(links []*poll.Link) (ok, failed int) {
	for _, l := range links {
		if l.Status == poll.LinkFailed {
			failed++
		} else {
			ok++
		}
	}
	return ok, failed
}
