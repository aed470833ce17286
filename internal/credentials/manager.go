package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

var (
	// ErrRefreshFailed wraps a failed refresh-token exchange.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrChannelInactive is returned for deactivated channels.
	ErrChannelInactive = errors.New("channel is deactivated")
)

// CredentialStore is the persistence surface the manager needs. *Store
// satisfies it; tests inject a fake.
type CredentialStore interface {
	Get(ctx context.Context, channelID uuid.UUID) (*Credential, error)
	UpdateTokens(ctx context.Context, channelID uuid.UUID, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error
	SetRefreshFailure(ctx context.Context, channelID uuid.UUID, at *time.Time) error
	Deactivate(ctx context.Context, channelID uuid.UUID) error
	UpdateProfile(ctx context.Context, channelID uuid.UUID, displayName string, broadcasterType string) error
	ListActive(ctx context.Context) ([]*Credential, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*Credential, error)
	ListFailedBetween(ctx context.Context, from, to time.Time) ([]*Credential, error)
}

// Manager keeps per-channel tokens valid and deactivates channels that
// repeatedly fail to refresh.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	now       func() time.Time
	log       *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithManagerLogger sets the logger for the manager.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = logger
	}
}

// NewManager creates a credential lifecycle manager.
func NewManager(store CredentialStore, refresher Refresher, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		now:       time.Now,
		log:       logging.WithComponent("credentials"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// EnsureValidToken returns a usable access token for the channel, refreshing
// it first when it is expiring soon or its expiry is unknown.
func (m *Manager) EnsureValidToken(ctx context.Context, channelID uuid.UUID) (string, error) {
	cred, err := m.store.Get(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}

	if !cred.Active {
		return "", ErrChannelInactive
	}

	if !cred.ExpiringSoon(m.now()) {
		return cred.AccessToken, nil
	}

	return m.refresh(ctx, cred)
}

// refresh exchanges the refresh token and persists the outcome.
func (m *Manager) refresh(ctx context.Context, cred *Credential) (string, error) {
	pair, err := m.refresher.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		m.log.Warn("Token refresh failed",
			slog.String("channel_id", cred.ChannelID.String()),
			slog.String("login", cred.Login),
			slog.Any("error", err),
		)
		if recErr := m.RecordRefreshFailure(ctx, cred.ChannelID); recErr != nil {
			m.log.Error("Failed to record refresh failure",
				slog.String("channel_id", cred.ChannelID.String()),
				slog.Any("error", recErr),
			)
		}
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	now := m.now()
	expiresAt := now.Add(time.Duration(pair.ExpiresIn) * time.Second)
	if err := m.store.UpdateTokens(ctx, cred.ChannelID, pair.AccessToken, pair.RefreshToken, expiresAt, now); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	m.log.Info("Token refreshed",
		slog.String("channel_id", cred.ChannelID.String()),
		slog.String("login", cred.Login),
		slog.Time("expires_at", expiresAt),
	)

	return pair.AccessToken, nil
}

// ForceRefresh exchanges the refresh token immediately, regardless of the
// recorded expiry. Used after the platform rejects a token that still looked
// valid locally.
func (m *Manager) ForceRefresh(ctx context.Context, channelID uuid.UUID) (string, error) {
	cred, err := m.store.Get(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}

	if !cred.Active {
		return "", ErrChannelInactive
	}

	return m.refresh(ctx, cred)
}

// RecordRefreshFailure applies the two-strikes policy: a first failure (or
// one whose predecessor is older than the reset window) only stamps the
// failure time; a second failure within the window deactivates the channel
// and clears the timestamp so a manual reactivation starts fresh.
func (m *Manager) RecordRefreshFailure(ctx context.Context, channelID uuid.UUID) error {
	cred, err := m.store.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}

	now := m.now()
	prior := cred.LastRefreshFailureAt

	if prior == nil || now.Sub(*prior) > FailureResetWindow {
		return m.store.SetRefreshFailure(ctx, channelID, &now)
	}

	m.log.Warn("Deactivating channel after repeated refresh failures",
		slog.String("channel_id", channelID.String()),
		slog.String("login", cred.Login),
		slog.Time("prior_failure", *prior),
	)
	return m.store.Deactivate(ctx, channelID)
}

// Channels lists every active channel as a dispatch target.
func (m *Manager) Channels(ctx context.Context) ([]poll.Channel, error) {
	creds, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active channels: %w", err)
	}

	channels := make([]poll.Channel, 0, len(creds))
	for _, cred := range creds {
		channels = append(channels, cred.Channel())
	}
	return channels, nil
}

// Channel returns the channel projection of the stored credential.
func (m *Manager) Channel(ctx context.Context, channelID uuid.UUID) (poll.Channel, error) {
	cred, err := m.store.Get(ctx, channelID)
	if err != nil {
		return poll.Channel{}, fmt.Errorf("failed to load credential: %w", err)
	}
	return cred.Channel(), nil
}

// UpdateProfile persists the channel's latest display name and tier.
func (m *Manager) UpdateProfile(ctx context.Context, channelID uuid.UUID, displayName string, broadcasterType string) error {
	return m.store.UpdateProfile(ctx, channelID, displayName, broadcasterType)
}

// Deactivate removes a channel from dispatch, clearing failure state.
func (m *Manager) Deactivate(ctx context.Context, channelID uuid.UUID) error {
	return m.store.Deactivate(ctx, channelID)
}

// ChannelsNeedingRefresh returns active channels whose tokens expire within
// the refresh lead (or whose expiry is unknown).
func (m *Manager) ChannelsNeedingRefresh(ctx context.Context) ([]*Credential, error) {
	return m.store.ListExpiring(ctx, m.now().Add(RefreshLead))
}

// ChannelsNeedingRetryAfterFailure returns channels whose refresh failed at
// least RetryMinDelay ago but no longer than FailureResetWindow ago. Older
// failures are left to the next scheduled refresh cycle.
func (m *Manager) ChannelsNeedingRetryAfterFailure(ctx context.Context) ([]*Credential, error) {
	now := m.now()
	return m.store.ListFailedBetween(ctx, now.Add(-FailureResetWindow), now.Add(-RetryMinDelay))
}

// ActiveChannels lists all channels eligible for dispatch.
func (m *Manager) ActiveChannels(ctx context.Context) ([]*Credential, error) {
	return m.store.ListActive(ctx)
}
