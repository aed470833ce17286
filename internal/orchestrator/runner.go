package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// DefaultTickInterval is how often the runner advances poll lifecycles.
const DefaultTickInterval = 5 * time.Second

// InstanceSource lists and transitions poll instances by lifecycle status.
// *poll.Store satisfies it.
type InstanceSource interface {
	ListInstancesByStatus(ctx context.Context, status poll.Status) ([]*poll.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status poll.Status) error
}

// ChannelSource lists the channels a poll is dispatched to.
// *credentials.Manager satisfies it.
type ChannelSource interface {
	Channels(ctx context.Context) ([]poll.Channel, error)
}

// Runner drives poll lifecycles inside the long-lived daemon process:
// pending polls are dispatched here so the chat connections live for the
// whole poll, running polls are aggregated and completed at their deadline,
// and requested cancellations are terminated.
type Runner struct {
	instances  InstanceSource
	channels   ChannelSource
	dispatcher *Dispatcher
	aggregator *Aggregator
	terminator *Terminator
	interval   time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTickInterval overrides the lifecycle tick interval.
func WithTickInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRunnerClock replaces the time source, for tests.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.log = logger
	}
}

// NewRunner creates a poll lifecycle runner.
func NewRunner(instances InstanceSource, channels ChannelSource, dispatcher *Dispatcher, aggregator *Aggregator, terminator *Terminator, opts ...RunnerOption) *Runner {
	r := &Runner{
		instances:  instances,
		channels:   channels,
		dispatcher: dispatcher,
		aggregator: aggregator,
		terminator: terminator,
		interval:   DefaultTickInterval,
		now:        time.Now,
		log:        logging.WithComponent("runner"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run ticks the lifecycle until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick advances every poll one lifecycle step.
func (r *Runner) Tick(ctx context.Context) {
	r.dispatchPending(ctx)
	r.terminateCancelling(ctx)
	r.advanceRunning(ctx)
}

func (r *Runner) dispatchPending(ctx context.Context) {
	pending, err := r.instances.ListInstancesByStatus(ctx, poll.StatusPending)
	if err != nil {
		r.log.Error("Failed to list pending polls", slog.Any("error", err))
		return
	}
	if len(pending) == 0 {
		return
	}

	channels, err := r.channels.Channels(ctx)
	if err != nil {
		r.log.Error("Failed to list channels", slog.Any("error", err))
		return
	}

	for _, instance := range pending {
		if ctx.Err() != nil {
			return
		}

		if _, err := r.dispatcher.Dispatch(ctx, instance, channels, nil); err != nil {
			// Dispatch only errors on an invalid instance; cancel it so
			// it is not retried every tick.
			log := logging.WithPoll(instance.ID.String())
			log.Error("Failed to dispatch poll", slog.Any("error", err))
			if uerr := r.instances.UpdateInstanceStatus(ctx, instance.ID, poll.StatusCancelled); uerr != nil {
				log.Error("Failed to cancel undispatchable poll", slog.Any("error", uerr))
			}
		}
	}
}

func (r *Runner) terminateCancelling(ctx context.Context) {
	requested, err := r.instances.ListInstancesByStatus(ctx, poll.StatusCancelling)
	if err != nil {
		r.log.Error("Failed to list cancellation requests", slog.Any("error", err))
		return
	}

	for _, instance := range requested {
		if ctx.Err() != nil {
			return
		}

		if _, err := r.terminator.Terminate(ctx, instance, poll.StatusCancelled); err != nil && !errors.Is(err, ErrPollFinished) {
			logging.WithPoll(instance.ID.String()).Error("Failed to cancel poll", slog.Any("error", err))
		}
	}
}

func (r *Runner) advanceRunning(ctx context.Context) {
	running, err := r.instances.ListInstancesByStatus(ctx, poll.StatusRunning)
	if err != nil {
		r.log.Error("Failed to list running polls", slog.Any("error", err))
		return
	}

	for _, instance := range running {
		if ctx.Err() != nil {
			return
		}

		log := logging.WithPoll(instance.ID.String())

		deadline := instance.CreatedAt.Add(time.Duration(instance.DurationSeconds) * time.Second)
		if r.now().After(deadline) {
			if _, err := r.terminator.Terminate(ctx, instance, poll.StatusCompleted); err != nil && !errors.Is(err, ErrPollFinished) {
				log.Error("Failed to complete elapsed poll", slog.Any("error", err))
			}
			continue
		}

		if _, err := r.aggregator.RunPass(ctx, instance); err != nil && !errors.Is(err, ErrPollFinished) {
			log.Error("Aggregation pass failed", slog.Any("error", err))
		}
	}
}
