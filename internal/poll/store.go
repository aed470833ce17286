package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("poll not found")
)

// Store persists poll instances and channel links.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new poll store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the poll tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS poll_instances (
			id UUID PRIMARY KEY,
			campaign_id UUID,
			title TEXT NOT NULL,
			options JSONB NOT NULL,
			duration_seconds INT NOT NULL,
			points JSONB,
			vote_mode TEXT NOT NULL DEFAULT 'standard',
			status TEXT NOT NULL DEFAULT 'pending',
			aggregate JSONB,
			aggregate_frozen_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channel_links (
			id UUID PRIMARY KEY,
			poll_id UUID NOT NULL REFERENCES poll_instances(id) ON DELETE CASCADE,
			channel_id UUID NOT NULL,
			external_poll_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'created',
			total_votes INT NOT NULL DEFAULT 0,
			option_votes JSONB,
			last_error TEXT NOT NULL DEFAULT '',
			consecutive_failures INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (poll_id, channel_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_poll_instances_status ON poll_instances(status)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_links_poll ON channel_links(poll_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateInstance inserts a new poll instance.
func (s *Store) CreateInstance(ctx context.Context, instance *Instance) error {
	options, _ := json.Marshal(instance.Options)
	var points []byte
	if instance.Points != nil {
		points, _ = json.Marshal(instance.Points)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO poll_instances (id, campaign_id, title, options, duration_seconds, points, vote_mode, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, instance.ID, instance.CampaignID, instance.Title, options, instance.DurationSeconds,
		points, instance.Mode, instance.Status, instance.CreatedAt, instance.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create poll instance: %w", err)
	}
	return nil
}

// GetInstance retrieves a poll instance by ID.
func (s *Store) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, title, options, duration_seconds, points, vote_mode, status, created_at, updated_at
		FROM poll_instances WHERE id = $1
	`, id)

	var i Instance
	var options, points []byte
	err := row.Scan(&i.ID, &i.CampaignID, &i.Title, &options, &i.DurationSeconds,
		&points, &i.Mode, &i.Status, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	_ = json.Unmarshal(options, &i.Options)
	if points != nil {
		_ = json.Unmarshal(points, &i.Points)
	}
	return &i, nil
}

// UpdateInstanceStatus transitions the instance lifecycle status.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE poll_instances SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update poll status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInstancesByStatus returns instances in the given lifecycle status.
func (s *Store) ListInstancesByStatus(ctx context.Context, status Status) ([]*Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, title, options, duration_seconds, points, vote_mode, status, created_at, updated_at
		FROM poll_instances WHERE status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		var i Instance
		var options, points []byte

		if err := rows.Scan(&i.ID, &i.CampaignID, &i.Title, &options, &i.DurationSeconds,
			&points, &i.Mode, &i.Status, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, err
		}

		_ = json.Unmarshal(options, &i.Options)
		if points != nil {
			_ = json.Unmarshal(points, &i.Points)
		}
		instances = append(instances, &i)
	}

	return instances, rows.Err()
}

// SaveAggregate persists the folded aggregate on the instance row. FrozenAt
// is set only by the termination coordinator.
func (s *Store) SaveAggregate(ctx context.Context, agg *Aggregate) error {
	data, _ := json.Marshal(agg)
	_, err := s.pool.Exec(ctx, `
		UPDATE poll_instances SET aggregate = $2, aggregate_frozen_at = $3, updated_at = NOW()
		WHERE id = $1
	`, agg.PollID, data, agg.FrozenAt)
	if err != nil {
		return fmt.Errorf("failed to save aggregate: %w", err)
	}
	return nil
}

// GetAggregate retrieves the last persisted aggregate for a poll.
func (s *Store) GetAggregate(ctx context.Context, pollID uuid.UUID) (*Aggregate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT aggregate FROM poll_instances WHERE id = $1
	`, pollID)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}

	var agg Aggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("failed to parse aggregate: %w", err)
	}
	return &agg, nil
}

// CreateLink inserts a channel link created at dispatch time.
func (s *Store) CreateLink(ctx context.Context, link *Link) error {
	votes, _ := json.Marshal(link.OptionVotes)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel_links (id, poll_id, channel_id, external_poll_id, status, total_votes, option_votes, last_error, consecutive_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, link.ID, link.PollID, link.ChannelID, nullable(link.ExternalPollID), link.Status,
		link.TotalVotes, votes, link.LastError, link.ConsecutiveFailures, link.CreatedAt, link.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create channel link: %w", err)
	}
	return nil
}

// UpdateLink writes back counts, status, and failure bookkeeping.
func (s *Store) UpdateLink(ctx context.Context, link *Link) error {
	votes, _ := json.Marshal(link.OptionVotes)

	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_links
		SET status = $2, total_votes = $3, option_votes = $4, last_error = $5, consecutive_failures = $6, updated_at = NOW()
		WHERE id = $1
	`, link.ID, link.Status, link.TotalVotes, votes, link.LastError, link.ConsecutiveFailures)

	if err != nil {
		return fmt.Errorf("failed to update channel link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLinks returns all channel links for a poll.
func (s *Store) ListLinks(ctx context.Context, pollID uuid.UUID) ([]*Link, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, poll_id, channel_id, external_poll_id, status, total_votes, option_votes, last_error, consecutive_failures, created_at, updated_at
		FROM channel_links WHERE poll_id = $1
		ORDER BY created_at
	`, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		var l Link
		var externalID *string
		var votes []byte

		if err := rows.Scan(&l.ID, &l.PollID, &l.ChannelID, &externalID, &l.Status,
			&l.TotalVotes, &votes, &l.LastError, &l.ConsecutiveFailures, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}

		if externalID != nil {
			l.ExternalPollID = *externalID
		}
		if votes != nil {
			_ = json.Unmarshal(votes, &l.OptionVotes)
		}
		links = append(links, &l)
	}

	return links, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
