package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alekspetrov/pollcast/internal/adapters/chat"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// ChatFanout implements ChatTransport over a connection registry and the
// shared tally store.
type ChatFanout struct {
	registry *chat.Registry
	tally    *chat.TallyStore
}

// NewChatFanout creates the chat transport.
func NewChatFanout(registry *chat.Registry, tally *chat.TallyStore) *ChatFanout {
	return &ChatFanout{registry: registry, tally: tally}
}

// Start opens a chat connection for the poll and announces it in channel.
func (f *ChatFanout) Start(ctx context.Context, channel poll.Channel, instance *poll.Instance, token string) error {
	mode := instance.Mode
	if mode == "" {
		mode = poll.VoteModeStandard
	}

	conn, err := f.registry.Open(ctx, channel, instance.ID, len(instance.Options), mode, token)
	if err != nil {
		return fmt.Errorf("failed to open chat connection: %w", err)
	}

	if err := conn.Announce(chat.FormatAnnouncement(instance.Title, instance.Options)); err != nil {
		_ = f.registry.Close(channel.ID, instance.ID)
		return fmt.Errorf("failed to announce poll: %w", err)
	}

	return nil
}

// Counts reads the current chat tally for the (poll, channel) pair.
func (f *ChatFanout) Counts(ctx context.Context, pollID, channelID uuid.UUID) (map[int]int, bool, error) {
	return f.tally.Counts(ctx, pollID, channelID)
}

// Stop closes the chat connection and drops the tally counters.
func (f *ChatFanout) Stop(ctx context.Context, pollID, channelID uuid.UUID) error {
	err := f.registry.Close(channelID, pollID)
	f.tally.Clear(ctx, pollID, channelID)
	return err
}
