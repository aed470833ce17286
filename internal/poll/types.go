// Package poll defines the core poll domain: instances, per-channel links,
// and the aggregate result.
package poll

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Platform limits for polls.
const (
	MaxTitleLength  = 60
	MaxOptionLength = 25
	MinOptions      = 2
	MaxOptions      = 5
	MinDuration     = 15
	MaxDuration     = 1800
	MinPointsAmount = 1
	MaxPointsAmount = 1000000
)

// Status is the lifecycle state of a poll instance.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusCancelling marks a cancellation request; the daemon picks it
	// up and runs the termination, since it owns the open transports.
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// LinkStatus is the per-channel state of a dispatched poll.
type LinkStatus string

const (
	LinkCreated LinkStatus = "created"
	LinkActive  LinkStatus = "active"
	LinkEnded   LinkStatus = "ended"
	LinkFailed  LinkStatus = "failed"
)

// VoteMode controls how repeat votes from the same user are counted.
type VoteMode string

const (
	// VoteModeStandard counts every valid vote; users may vote repeatedly.
	VoteModeStandard VoteMode = "standard"
	// VoteModeUnique counts one vote per user; a later different vote
	// replaces the earlier one.
	VoteModeUnique VoteMode = "unique"
)

// BroadcasterType is the channel's capability tier on the platform.
type BroadcasterType string

const (
	BroadcasterNone      BroadcasterType = ""
	BroadcasterAffiliate BroadcasterType = "affiliate"
	BroadcasterPartner   BroadcasterType = "partner"
)

// Monetizable reports whether the tier may use the official polls API.
func (b BroadcasterType) Monetizable() bool {
	return b == BroadcasterAffiliate || b == BroadcasterPartner
}

// Channel is one externally-authenticated destination a poll can be
// dispatched to.
type Channel struct {
	ID            uuid.UUID
	BroadcasterID string // platform user ID
	Login         string
	DisplayName   string
	Type          BroadcasterType
	Active        bool
}

// PointsConfig is the optional channel-points reward configuration.
// AmountPerVote is the source of truth: points voting is requested only
// when the amount is positive, regardless of the Enabled flag.
type PointsConfig struct {
	Enabled       bool `yaml:"enabled"`
	AmountPerVote int  `yaml:"amount_per_vote"`
}

// Requested reports whether a positive points amount was asked for.
func (p *PointsConfig) Requested() bool {
	return p != nil && p.AmountPerVote > 0
}

// Instance is one logical poll launched across many channels. Title,
// options, and duration are immutable after creation; only Status changes.
type Instance struct {
	ID              uuid.UUID
	CampaignID      uuid.UUID
	Title           string
	Options         []string
	DurationSeconds int
	Points          *PointsConfig
	Mode            VoteMode
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks instance parameters against the platform limits.
func (i *Instance) Validate() error {
	if i.Title == "" {
		return fmt.Errorf("poll title is required")
	}
	if len(i.Title) > MaxTitleLength {
		return fmt.Errorf("poll title exceeds %d characters", MaxTitleLength)
	}
	if len(i.Options) < MinOptions || len(i.Options) > MaxOptions {
		return fmt.Errorf("poll requires %d-%d options, got %d", MinOptions, MaxOptions, len(i.Options))
	}
	for idx, opt := range i.Options {
		if opt == "" {
			return fmt.Errorf("option %d is empty", idx+1)
		}
		if len(opt) > MaxOptionLength {
			return fmt.Errorf("option %d exceeds %d characters", idx+1, MaxOptionLength)
		}
	}
	if i.DurationSeconds < MinDuration || i.DurationSeconds > MaxDuration {
		return fmt.Errorf("duration must be %d-%d seconds, got %d", MinDuration, MaxDuration, i.DurationSeconds)
	}
	switch i.Mode {
	case VoteModeStandard, VoteModeUnique, "":
	default:
		return fmt.Errorf("unknown vote mode %q", i.Mode)
	}
	return nil
}

// Terminal reports whether the instance has reached a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Link is the per-(poll, channel) record tracking transport, external
// identity, and vote counts. ExternalPollID is empty for chat transport.
type Link struct {
	ID                  uuid.UUID
	PollID              uuid.UUID
	ChannelID           uuid.UUID
	ExternalPollID      string
	Status              LinkStatus
	TotalVotes          int
	OptionVotes         map[int]int // option index (0-based) -> count
	LastError           string
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UsesAPI reports whether the link was dispatched over the official polls API.
func (l *Link) UsesAPI() bool {
	return l.ExternalPollID != ""
}

// SetCounts replaces the per-option counts and recomputes the total,
// preserving the total == sum(per-option) invariant.
func (l *Link) SetCounts(counts map[int]int) {
	total := 0
	copied := make(map[int]int, len(counts))
	for idx, n := range counts {
		copied[idx] = n
		total += n
	}
	l.OptionVotes = copied
	l.TotalVotes = total
}

// Aggregate is the poll-level result folded from all non-failed links.
type Aggregate struct {
	PollID            uuid.UUID
	OptionTotals      map[int]int
	Total             int
	ChannelsReporting int
	ChannelsFailed    int
	// NonDurable is set when any chat tally was served from the
	// in-process fallback rather than the shared store. Those counts are
	// lost on process restart.
	NonDurable bool
	FrozenAt   *time.Time
}

// Fold recomputes the aggregate from the given links. Failed links keep
// their last-known counts but are excluded from the totals.
func Fold(pollID uuid.UUID, links []*Link) *Aggregate {
	agg := &Aggregate{
		PollID:       pollID,
		OptionTotals: make(map[int]int),
	}

	for _, link := range links {
		if link.Status == LinkFailed {
			agg.ChannelsFailed++
			continue
		}
		agg.ChannelsReporting++
		for idx, n := range link.OptionVotes {
			agg.OptionTotals[idx] += n
		}
		agg.Total += link.TotalVotes
	}

	return agg
}
