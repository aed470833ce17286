package twitch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
	"github.com/alekspetrov/pollcast/internal/resilience"
)

// TokenProvider supplies per-channel bearer tokens. The credentials manager
// satisfies it.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context, channelID uuid.UUID) (string, error)
	ForceRefresh(ctx context.Context, channelID uuid.UUID) (string, error)
}

// PollState is the result of reading a poll's current state.
type PollState struct {
	Status string
	// OptionVotes maps option index to the folded count of native and
	// channel-points votes.
	OptionVotes map[int]int
}

// PollDriver runs polls on monetizable channels through the official polls
// API. Calls go through the resilient executor; a rejected token is
// refreshed once and the call retried.
type PollDriver struct {
	client *Client
	tokens TokenProvider
	exec   *resilience.Executor
	policy resilience.Policy
	log    *slog.Logger
}

// NewPollDriver creates an API poll driver.
func NewPollDriver(client *Client, tokens TokenProvider, exec *resilience.Executor, policy resilience.Policy) *PollDriver {
	return &PollDriver{
		client: client,
		tokens: tokens,
		exec:   exec,
		policy: policy,
		log:    logging.WithComponent("twitch.polls"),
	}
}

// Create launches a poll on the channel and returns the external poll ID.
func (d *PollDriver) Create(ctx context.Context, channel poll.Channel, instance *poll.Instance, overrides poll.ChannelOverrides) (string, error) {
	req := buildCreateRequest(channel, instance, overrides)

	call := resilience.CallContext{
		Service:   "helix",
		Operation: "create-poll",
		Tags:      map[string]string{"channel": channel.Login},
	}

	created, err := callWithAuthRetry(ctx, d, channel.ID, call, func(ctx context.Context, token string) (*Poll, error) {
		return d.client.CreatePoll(ctx, token, req)
	})
	if err != nil {
		return "", err
	}

	d.log.Info("Poll created",
		slog.String("channel", channel.Login),
		slog.String("external_poll_id", created.ID),
	)
	return created.ID, nil
}

// GetState reads the poll's status and per-option vote counts.
func (d *PollDriver) GetState(ctx context.Context, channel poll.Channel, externalPollID string) (*PollState, error) {
	call := resilience.CallContext{
		Service:   "helix",
		Operation: "get-poll",
		Tags:      map[string]string{"channel": channel.Login},
	}

	p, err := callWithAuthRetry(ctx, d, channel.ID, call, func(ctx context.Context, token string) (*Poll, error) {
		return d.client.GetPoll(ctx, token, channel.BroadcasterID, externalPollID)
	})
	if err != nil {
		return nil, err
	}

	votes := make(map[int]int, len(p.Choices))
	for idx, choice := range p.Choices {
		votes[idx] = choice.Votes + choice.ChannelPointsVotes
	}

	return &PollState{Status: p.Status, OptionVotes: votes}, nil
}

// End terminates the poll with the given terminal status.
func (d *PollDriver) End(ctx context.Context, channel poll.Channel, externalPollID, status string) error {
	call := resilience.CallContext{
		Service:   "helix",
		Operation: "end-poll",
		Tags:      map[string]string{"channel": channel.Login},
	}

	_, err := callWithAuthRetry(ctx, d, channel.ID, call, func(ctx context.Context, token string) (*Poll, error) {
		return d.client.EndPoll(ctx, token, channel.BroadcasterID, externalPollID, status)
	})
	if err != nil {
		return err
	}

	d.log.Info("Poll ended",
		slog.String("channel", channel.Login),
		slog.String("external_poll_id", externalPollID),
		slog.String("status", status),
	)
	return nil
}

// RefreshProfile fetches current channel metadata from the platform.
func (d *PollDriver) RefreshProfile(ctx context.Context, channel poll.Channel) (*User, error) {
	call := resilience.CallContext{
		Service:   "helix",
		Operation: "get-user",
		Tags:      map[string]string{"channel": channel.Login},
	}

	return callWithAuthRetry(ctx, d, channel.ID, call, func(ctx context.Context, token string) (*User, error) {
		return d.client.GetUser(ctx, token, channel.BroadcasterID)
	})
}

// callWithAuthRetry executes op under the retry policy. When the platform
// rejects the token, the credential is refreshed and the call retried once;
// a second auth failure is surfaced.
func callWithAuthRetry[T any](ctx context.Context, d *PollDriver, channelID uuid.UUID, call resilience.CallContext, op func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T

	token, err := d.tokens.EnsureValidToken(ctx, channelID)
	if err != nil {
		return zero, fmt.Errorf("failed to obtain token: %w", err)
	}

	res := resilience.Execute(ctx, d.exec, call, d.policy, func(ctx context.Context) (T, error) {
		return op(ctx, token)
	})
	if res.Success() {
		return res.Value, nil
	}
	if res.Class != resilience.ClassAuth {
		return zero, res.Err
	}

	d.log.Info("Token rejected, refreshing and retrying once",
		slog.String("channel_id", channelID.String()),
		slog.String("operation", call.Operation),
	)

	token, err = d.tokens.ForceRefresh(ctx, channelID)
	if err != nil {
		return zero, fmt.Errorf("failed to refresh token: %w", err)
	}

	res = resilience.Execute(ctx, d.exec, call, d.policy, func(ctx context.Context) (T, error) {
		return op(ctx, token)
	})
	if !res.Success() {
		return zero, res.Err
	}
	return res.Value, nil
}

// buildCreateRequest normalizes poll parameters to the platform limits.
func buildCreateRequest(channel poll.Channel, instance *poll.Instance, overrides poll.ChannelOverrides) createPollRequest {
	req := createPollRequest{
		BroadcasterID: channel.BroadcasterID,
		Title:         truncate(instance.Title, poll.MaxTitleLength),
		Duration:      clamp(overrides.EffectiveDuration(instance), poll.MinDuration, poll.MaxDuration),
	}

	for _, opt := range instance.Options {
		req.Choices = append(req.Choices, createPollChoice{Title: truncate(opt, poll.MaxOptionLength)})
	}

	if amount, ok := overrides.EffectivePoints(instance); ok {
		req.ChannelPointsVotingEnabled = true
		req.ChannelPointsPerVote = clamp(amount, poll.MinPointsAmount, poll.MaxPointsAmount)
	}

	return req
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
