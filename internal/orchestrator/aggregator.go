package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// DefaultFailureThreshold is how many consecutive aggregation failures a
// link tolerates before it is marked failed. A single bad pass keeps the
// link's last-known counts.
const DefaultFailureThreshold = 3

// Aggregator folds per-channel vote counts into the poll-level aggregate.
type Aggregator struct {
	links            LinkStore
	dir              ChannelDirectory
	api              APITransport
	chat             ChatTransport
	emitter          Emitter
	failureThreshold int
	log              *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithFailureThreshold overrides the consecutive-failure limit.
func WithFailureThreshold(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.failureThreshold = n
		}
	}
}

// WithAggregatorEmitter sets the lifecycle event emitter.
func WithAggregatorEmitter(e Emitter) AggregatorOption {
	return func(a *Aggregator) {
		a.emitter = e
	}
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.log = logger
	}
}

// NewAggregator creates a vote aggregator.
func NewAggregator(links LinkStore, dir ChannelDirectory, api APITransport, chatT ChatTransport, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		links:            links,
		dir:              dir,
		api:              api,
		chat:             chatT,
		failureThreshold: DefaultFailureThreshold,
		log:              logging.WithComponent("aggregator"),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// RunPass reads current counts from every active link, writes them back
// onto the links, and folds the non-failed links into a saved aggregate.
// Links that error keep their last-known counts; only after the configured
// number of consecutive failures is a link marked failed.
func (a *Aggregator) RunPass(ctx context.Context, instance *poll.Instance) (*poll.Aggregate, error) {
	if instance.Status.Terminal() {
		return nil, ErrPollFinished
	}

	links, err := a.links.ListLinks(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel links: %w", err)
	}

	var (
		mu         sync.Mutex
		nonDurable bool
		wg         sync.WaitGroup
	)
	for _, link := range links {
		if link.Status != poll.LinkActive {
			continue
		}

		wg.Add(1)
		go func(link *poll.Link) {
			defer wg.Done()
			if a.refreshLink(ctx, link) {
				mu.Lock()
				nonDurable = true
				mu.Unlock()
			}
		}(link)
	}
	wg.Wait()

	agg := poll.Fold(instance.ID, links)
	agg.NonDurable = nonDurable

	if err := a.links.SaveAggregate(ctx, agg); err != nil {
		return nil, fmt.Errorf("failed to save aggregate: %w", err)
	}

	ok, failed := countByOutcome(links)
	emitAsync(a.emitter, a.log, Event{
		Type:           EventPollUpdated,
		PollID:         instance.ID,
		At:             time.Now(),
		ChannelsOK:     ok,
		ChannelsFailed: failed,
		Aggregate:      agg,
	})

	return agg, nil
}

// refreshLink pulls current counts for one link and persists the result.
// The returned flag reports whether chat counts came from the non-durable
// in-process fallback.
func (a *Aggregator) refreshLink(ctx context.Context, link *poll.Link) bool {
	counts, nonDurable, err := a.readCounts(ctx, link)
	if err != nil {
		a.recordPassFailure(link, err)
	} else {
		link.SetCounts(counts)
		link.ConsecutiveFailures = 0
		link.UpdatedAt = time.Now()
	}

	if err := a.links.UpdateLink(ctx, link); err != nil {
		a.log.Error("Failed to persist channel link",
			slog.String("poll_id", link.PollID.String()),
			slog.String("channel_id", link.ChannelID.String()),
			slog.Any("error", err),
		)
	}

	return nonDurable
}

func (a *Aggregator) readCounts(ctx context.Context, link *poll.Link) (map[int]int, bool, error) {
	if !link.UsesAPI() {
		return a.chat.Counts(ctx, link.PollID, link.ChannelID)
	}

	channel, err := a.dir.Channel(ctx, link.ChannelID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve channel: %w", err)
	}

	state, err := a.api.GetState(ctx, channel, link.ExternalPollID)
	if err != nil {
		return nil, false, err
	}
	return state.OptionVotes, false, nil
}

func (a *Aggregator) recordPassFailure(link *poll.Link, err error) {
	link.ConsecutiveFailures++
	link.LastError = err.Error()
	link.UpdatedAt = time.Now()

	if link.ConsecutiveFailures < a.failureThreshold {
		a.log.Warn("Aggregation pass failed for channel, keeping last counts",
			slog.String("poll_id", link.PollID.String()),
			slog.String("channel_id", link.ChannelID.String()),
			slog.Int("consecutive_failures", link.ConsecutiveFailures),
			slog.Any("error", err),
		)
		return
	}

	link.Status = poll.LinkFailed
	a.log.Error("Channel link failed after repeated aggregation errors",
		slog.String("poll_id", link.PollID.String()),
		slog.String("channel_id", link.ChannelID.String()),
		slog.Int("consecutive_failures", link.ConsecutiveFailures),
		slog.Any("error", err),
	)
}
