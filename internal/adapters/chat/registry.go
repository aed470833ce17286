package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// connKey identifies one live connection.
type connKey struct {
	ChannelID uuid.UUID
	PollID    uuid.UUID
}

// Registry owns every live chat connection, keyed by (channel, poll).
// Lifecycle is unambiguous: Open creates and registers, Close tears down
// and removes.
type Registry struct {
	serverURL string
	votes     VoteRecorder

	mu    sync.Mutex
	conns map[connKey]*Conn
	log   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryServerURL overrides the chat server endpoint for every
// connection the registry opens.
func WithRegistryServerURL(url string) RegistryOption {
	return func(r *Registry) {
		r.serverURL = url
	}
}

// NewRegistry creates an empty connection registry.
func NewRegistry(votes VoteRecorder, opts ...RegistryOption) *Registry {
	r := &Registry{
		serverURL: DefaultServerURL,
		votes:     votes,
		conns:     make(map[connKey]*Conn),
		log:       logging.WithComponent("chat.registry"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Open connects a channel's chat for one poll and registers the connection.
func (r *Registry) Open(ctx context.Context, channel poll.Channel, pollID uuid.UUID, optionCount int, mode poll.VoteMode, token string) (*Conn, error) {
	key := connKey{ChannelID: channel.ID, PollID: pollID}

	r.mu.Lock()
	if _, exists := r.conns[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("chat connection already open for channel %s poll %s", channel.Login, pollID)
	}
	r.mu.Unlock()

	conn := NewConn(channel, pollID, optionCount, mode, r.votes, WithServerURL(r.serverURL))
	if err := conn.Open(ctx, token); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conns[key] = conn
	r.mu.Unlock()

	logging.WithChannel(channel.ID.String()).Info("Chat connection opened",
		slog.String("login", channel.Login),
		slog.String("poll_id", pollID.String()),
	)

	return conn, nil
}

// Get returns the live connection for a (channel, poll) pair, if any.
func (r *Registry) Get(channelID, pollID uuid.UUID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connKey{ChannelID: channelID, PollID: pollID}]
	return conn, ok
}

// Close tears down and removes one connection. Closing an unknown pair is a
// no-op.
func (r *Registry) Close(channelID, pollID uuid.UUID) error {
	key := connKey{ChannelID: channelID, PollID: pollID}

	r.mu.Lock()
	conn, ok := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.Close()
}

// CloseAll tears down every live connection, e.g. on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[connKey]*Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			r.log.Warn("Failed to close chat connection", slog.Any("error", err))
		}
	}
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
