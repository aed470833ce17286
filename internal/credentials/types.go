// Package credentials owns per-channel OAuth token state: refresh timing,
// failure accounting, and channel deactivation.
package credentials

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/poll"
)

// Refresh policy. A single transient platform hiccup is tolerated; a second
// refresh failure within the reset window deactivates the channel so broken
// credentials do not generate unbounded retry traffic.
const (
	// RefreshLead is how long before expiry a token counts as expiring soon.
	RefreshLead = 1 * time.Hour
	// FailureResetWindow bounds how long a first failure arms the second strike.
	FailureResetWindow = 30 * time.Minute
	// RetryMinDelay is the minimum wait after a failure before retrying.
	RetryMinDelay = 15 * time.Minute
)

// Credential is the per-channel token record. Mutated only by the Manager.
type Credential struct {
	ChannelID            uuid.UUID
	BroadcasterID        string
	Login                string
	DisplayName          string
	Type                 poll.BroadcasterType
	AccessToken          string
	RefreshToken         string
	ExpiresAt            *time.Time
	LastRefreshAt        *time.Time
	LastRefreshFailureAt *time.Time
	Active               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ExpiringSoon reports whether the token needs a refresh. An unknown expiry
// is treated as already expired.
func (c *Credential) ExpiringSoon(now time.Time) bool {
	if c.ExpiresAt == nil {
		return true
	}
	return c.ExpiresAt.Sub(now) < RefreshLead
}

// Channel projects the credential onto the dispatch-facing channel view.
func (c *Credential) Channel() poll.Channel {
	return poll.Channel{
		ID:            c.ChannelID,
		BroadcasterID: c.BroadcasterID,
		Login:         c.Login,
		DisplayName:   c.DisplayName,
		Type:          c.Type,
		Active:        c.Active,
	}
}

// TokenPair is the result of a refresh-token exchange.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // seconds
}

// Refresher exchanges a refresh token for a new token pair. Implemented by
// the platform client.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
}
