// Package orchestrator fans a poll out across channels, folds their votes
// into one aggregate, and ends the poll on every transport.
package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/adapters/twitch"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// ErrPollFinished is returned when an operation targets a poll that has
// already reached a terminal status.
var ErrPollFinished = errors.New("poll already finished")

// Eligible reports whether the channel may be dispatched to at all.
// Currently every channel passes; the predicate is kept separate from the
// transport gate as a hook for exclusion rules such as suspended channels.
func Eligible(ch poll.Channel) bool {
	return true
}

// CanUseAPIPolls reports whether the channel's tier permits the official
// polls API. Channels below the threshold fall back to chat voting.
func CanUseAPIPolls(ch poll.Channel) bool {
	return ch.Type.Monetizable()
}

// LinkStore is the persistence surface shared by the dispatcher, aggregator,
// and terminator. *poll.Store satisfies it.
type LinkStore interface {
	CreateLink(ctx context.Context, link *poll.Link) error
	UpdateLink(ctx context.Context, link *poll.Link) error
	ListLinks(ctx context.Context, pollID uuid.UUID) ([]*poll.Link, error)
	UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status poll.Status) error
	SaveAggregate(ctx context.Context, agg *poll.Aggregate) error
}

// CredentialSource provides per-channel tokens and lifecycle control.
// *credentials.Manager satisfies it.
type CredentialSource interface {
	EnsureValidToken(ctx context.Context, channelID uuid.UUID) (string, error)
	Deactivate(ctx context.Context, channelID uuid.UUID) error
	UpdateProfile(ctx context.Context, channelID uuid.UUID, displayName string, broadcasterType string) error
}

// ChannelDirectory resolves a channel id to its identity and tier.
// *credentials.Manager satisfies it.
type ChannelDirectory interface {
	Channel(ctx context.Context, channelID uuid.UUID) (poll.Channel, error)
}

// APITransport is the official polls transport. *twitch.PollDriver
// satisfies it.
type APITransport interface {
	Create(ctx context.Context, channel poll.Channel, instance *poll.Instance, overrides poll.ChannelOverrides) (string, error)
	GetState(ctx context.Context, channel poll.Channel, externalPollID string) (*twitch.PollState, error)
	End(ctx context.Context, channel poll.Channel, externalPollID, status string) error
	RefreshProfile(ctx context.Context, channel poll.Channel) (*twitch.User, error)
}

// ChatTransport is the chat-vote fallback transport. *ChatFanout
// satisfies it.
type ChatTransport interface {
	Start(ctx context.Context, channel poll.Channel, instance *poll.Instance, token string) error
	Counts(ctx context.Context, pollID, channelID uuid.UUID) (map[int]int, bool, error)
	Stop(ctx context.Context, pollID, channelID uuid.UUID) error
}
