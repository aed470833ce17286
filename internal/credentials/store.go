package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("credential not found")

// Store persists channel credentials in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new credential store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the credential table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS channel_credentials (
			channel_id UUID PRIMARY KEY,
			broadcaster_id TEXT NOT NULL,
			login TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			broadcaster_type TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TIMESTAMPTZ,
			last_refresh_at TIMESTAMPTZ,
			last_refresh_failure_at TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_credentials_active ON channel_credentials(active)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_credentials_login ON channel_credentials(login)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const credentialColumns = `channel_id, broadcaster_id, login, display_name, broadcaster_type,
	access_token, refresh_token, expires_at, last_refresh_at, last_refresh_failure_at, active, created_at, updated_at`

// Get retrieves a credential by channel ID.
func (s *Store) Get(ctx context.Context, channelID uuid.UUID) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM channel_credentials WHERE channel_id = $1
	`, channelID)

	return scanCredential(row)
}

// Save upserts a credential row.
func (s *Store) Save(ctx context.Context, cred *Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel_credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (channel_id) DO UPDATE SET
			broadcaster_id = EXCLUDED.broadcaster_id,
			login = EXCLUDED.login,
			display_name = EXCLUDED.display_name,
			broadcaster_type = EXCLUDED.broadcaster_type,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			last_refresh_at = EXCLUDED.last_refresh_at,
			last_refresh_failure_at = EXCLUDED.last_refresh_failure_at,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, cred.ChannelID, cred.BroadcasterID, cred.Login, cred.DisplayName, cred.Type,
		cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.LastRefreshAt,
		cred.LastRefreshFailureAt, cred.Active, cred.CreatedAt, cred.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// UpdateTokens persists a successful refresh: new pair, new expiry, cleared
// failure timestamp.
func (s *Store) UpdateTokens(ctx context.Context, channelID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time, refreshedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_credentials
		SET access_token = $2, refresh_token = $3, expires_at = $4, last_refresh_at = $5,
			last_refresh_failure_at = NULL, updated_at = NOW()
		WHERE channel_id = $1
	`, channelID, accessToken, refreshToken, expiresAt, refreshedAt)

	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRefreshFailure records (or clears, with nil) the failure timestamp.
func (s *Store) SetRefreshFailure(ctx context.Context, channelID uuid.UUID, at *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_credentials SET last_refresh_failure_at = $2, updated_at = NOW()
		WHERE channel_id = $1
	`, channelID, at)

	if err != nil {
		return fmt.Errorf("failed to set refresh failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate marks the channel inactive and clears the failure timestamp so
// a manual reactivation starts the failure policy fresh.
func (s *Store) Deactivate(ctx context.Context, channelID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_credentials
		SET active = FALSE, last_refresh_failure_at = NULL, updated_at = NOW()
		WHERE channel_id = $1
	`, channelID)

	if err != nil {
		return fmt.Errorf("failed to deactivate channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProfile refreshes channel metadata fetched from the platform.
func (s *Store) UpdateProfile(ctx context.Context, channelID uuid.UUID, displayName string, broadcasterType string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_credentials SET display_name = $2, broadcaster_type = $3, updated_at = NOW()
		WHERE channel_id = $1
	`, channelID, displayName, broadcasterType)

	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive returns all active channel credentials.
func (s *Store) ListActive(ctx context.Context) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM channel_credentials WHERE active = TRUE
		ORDER BY login
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCredentials(rows)
}

// ListExpiring returns active credentials whose expiry is unknown or before
// the given cutoff.
func (s *Store) ListExpiring(ctx context.Context, before time.Time) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM channel_credentials
		WHERE active = TRUE AND (expires_at IS NULL OR expires_at < $1)
		ORDER BY expires_at NULLS FIRST
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCredentials(rows)
}

// ListFailedBetween returns active credentials whose last refresh failure
// falls inside [from, to].
func (s *Store) ListFailedBetween(ctx context.Context, from, to time.Time) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM channel_credentials
		WHERE active = TRUE AND last_refresh_failure_at BETWEEN $1 AND $2
		ORDER BY last_refresh_failure_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCredentials(rows)
}

func scanCredential(row pgx.Row) (*Credential, error) {
	var c Credential
	err := row.Scan(&c.ChannelID, &c.BroadcasterID, &c.Login, &c.DisplayName, &c.Type,
		&c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.LastRefreshAt,
		&c.LastRefreshFailureAt, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanCredentials(rows pgx.Rows) ([]*Credential, error) {
	var creds []*Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ChannelID, &c.BroadcasterID, &c.Login, &c.DisplayName, &c.Type,
			&c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.LastRefreshAt,
			&c.LastRefreshFailureAt, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}
