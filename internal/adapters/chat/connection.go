package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// DefaultServerURL is the Twitch IRC websocket endpoint.
const DefaultServerURL = "wss://irc-ws.chat.twitch.tv:443"

const (
	defaultReconnectDelay = 2 * time.Second
	maxReconnectAttempts  = 5
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateActive
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// VoteRecorder receives parsed votes. The tally store satisfies it.
type VoteRecorder interface {
	RecordVote(ctx context.Context, pollID, channelID uuid.UUID, userID string, option int, mode poll.VoteMode) error
}

// Conn is one per-(channel, poll) chat connection. While active, every
// inbound chat message is tested against the vote pattern and matching
// votes are recorded; everything else is ignored.
type Conn struct {
	serverURL      string
	channel        poll.Channel
	pollID         uuid.UUID
	optionCount    int
	mode           poll.VoteMode
	votes          VoteRecorder
	reconnectDelay time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	state  ConnState
	token  string
	stopCh chan struct{}
	log    *slog.Logger
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithServerURL overrides the chat server endpoint (for testing).
func WithServerURL(url string) ConnOption {
	return func(c *Conn) {
		c.serverURL = url
	}
}

// WithReconnectDelay overrides the initial redial backoff (for testing).
func WithReconnectDelay(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.reconnectDelay = d
	}
}

// NewConn creates a chat connection for one (channel, poll) pair.
func NewConn(channel poll.Channel, pollID uuid.UUID, optionCount int, mode poll.VoteMode, votes VoteRecorder, opts ...ConnOption) *Conn {
	c := &Conn{
		serverURL:      DefaultServerURL,
		channel:        channel,
		pollID:         pollID,
		optionCount:    optionCount,
		mode:           mode,
		votes:          votes,
		reconnectDelay: defaultReconnectDelay,
		stopCh:         make(chan struct{}),
		log: logging.WithComponent("chat").With(
			slog.String("channel", channel.Login),
			slog.String("poll_id", pollID.String()),
		),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open connects to the chat server, authenticates, joins the channel room,
// and starts the read loop.
func (c *Conn) Open(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connection is %s, expected disconnected", c.state)
	}
	c.state = StateConnecting
	c.token = token
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateActive
	c.mu.Unlock()

	c.log.Info("Chat connection opened")

	go c.readLoop(ctx)

	return nil
}

// dial connects to the chat server and performs the PASS/NICK/JOIN
// handshake.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial chat server: %w", err)
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	auth := []string{
		"PASS oauth:" + token,
		"NICK " + c.channel.Login,
		"JOIN #" + c.channel.Login,
	}
	for _, line := range auth {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("chat handshake: %w", err)
		}
	}

	return conn, nil
}

// Announce sends the poll announcement lines to the channel room.
func (c *Conn) Announce(lines []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive || c.conn == nil {
		return fmt.Errorf("connection is %s, expected active", c.state)
	}

	for _, line := range lines {
		msg := fmt.Sprintf("PRIVMSG #%s :%s", c.channel.Login, line)
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return fmt.Errorf("send announcement: %w", err)
		}
	}
	return nil
}

// readLoop consumes inbound frames until the connection closes. A frame may
// carry several IRC lines.
func (c *Conn) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if c.State() != StateActive {
				return
			}
			c.log.Warn("Chat connection dropped", slog.Any("error", err))
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		for _, line := range strings.Split(string(payload), "\r\n") {
			c.handleLine(ctx, line)
		}
	}
}

// reconnect redials after a transport drop with doubling backoff. The poll
// announcement is not reissued; vote parsing resumes on the fresh
// connection.
func (c *Conn) reconnect(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	old := c.conn
	c.conn = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	delay := c.reconnectDelay
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return false
		case <-c.stopCh:
			return false
		case <-time.After(delay):
		}
		delay *= 2

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("Chat reconnect failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}

		c.mu.Lock()
		if c.state != StateConnecting {
			// Closed while redialing.
			c.mu.Unlock()
			_ = conn.Close()
			return false
		}
		c.conn = conn
		c.state = StateActive
		c.mu.Unlock()

		c.log.Info("Chat connection reestablished", slog.Int("attempt", attempt))
		return true
	}

	c.setState(StateDisconnected)
	c.log.Error("Chat connection lost after repeated reconnect attempts")
	return false
}

// handleLine processes one IRC line. Messages arriving while the connection
// is not active (e.g. during a close already in flight) are discarded so
// they cannot be mis-counted.
func (c *Conn) handleLine(ctx context.Context, line string) {
	msg, ok := parseIRCLine(line)
	if !ok {
		return
	}

	switch msg.Command {
	case "PING":
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteMessage(websocket.TextMessage, []byte("PONG :"+msg.Trailing))
		}
		c.mu.Unlock()
	case "RECONNECT":
		// Drop the socket so the read loop redials against the server's
		// replacement endpoint. The poll announcement is not reissued.
		c.log.Info("Chat server requested reconnect")
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	case "PRIVMSG":
		if c.State() != StateActive {
			return
		}
		if msg.Nick == "" {
			return
		}
		option, ok := ParseVote(msg.Trailing, c.optionCount)
		if !ok {
			return
		}
		// Votes are recorded with 0-based option indexes.
		if err := c.votes.RecordVote(ctx, c.pollID, c.channel.ID, msg.Nick, option-1, c.mode); err != nil {
			c.log.Warn("Failed to record vote", slog.Any("error", err))
		}
	}
}

// Close marks the connection inactive before tearing down the transport so
// any message received during the close-in-flight window is discarded.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stopCh)

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.setState(StateDisconnected)
	c.log.Info("Chat connection closed")
	return err
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
