// Package chat runs polls over the per-channel IRC chat transport for
// channels that cannot use the official polls API. Votes arrive as plain
// chat messages matching a numeric pattern.
package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseVote tests a chat message against the vote pattern: an optional
// leading "!" marker followed by a positive integer, with nothing else in
// the message. Returns the 1-based option number. Numbers outside
// [1, optionCount] do not match.
func ParseVote(message string, optionCount int) (int, bool) {
	body := strings.TrimSpace(message)
	body = strings.TrimPrefix(body, "!")
	if body == "" {
		return 0, false
	}

	for _, r := range body {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	n, err := strconv.Atoi(body)
	if err != nil || n < 1 || n > optionCount {
		return 0, false
	}
	return n, true
}

// FormatAnnouncement renders the poll announcement lines sent to chat.
func FormatAnnouncement(title string, options []string) []string {
	lines := []string{fmt.Sprintf("📊 POLL: %s", title)}
	for i, opt := range options {
		lines = append(lines, fmt.Sprintf("%d) %s", i+1, opt))
	}
	lines = append(lines, fmt.Sprintf("Vote by typing a number 1-%d in chat!", len(options)))
	return lines
}

// ircMessage is a minimally parsed IRC line.
type ircMessage struct {
	Nick     string // sending user, empty for server messages
	Command  string
	Target   string
	Trailing string
}

// parseIRCLine parses one IRC protocol line, e.g.
// ":nick!user@host PRIVMSG #channel :message text".
func parseIRCLine(line string) (ircMessage, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return ircMessage{}, false
	}

	var msg ircMessage

	// Tags (IRCv3) are skipped; votes only need nick + command + trailing.
	if strings.HasPrefix(line, "@") {
		idx := strings.Index(line, " ")
		if idx < 0 {
			return ircMessage{}, false
		}
		line = line[idx+1:]
	}

	if strings.HasPrefix(line, ":") {
		idx := strings.Index(line, " ")
		if idx < 0 {
			return ircMessage{}, false
		}
		prefix := line[1:idx]
		if bang := strings.Index(prefix, "!"); bang >= 0 {
			msg.Nick = prefix[:bang]
		}
		line = line[idx+1:]
	}

	if idx := strings.Index(line, " :"); idx >= 0 {
		msg.Trailing = line[idx+2:]
		line = line[:idx]
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ircMessage{}, false
	}
	msg.Command = fields[0]
	if len(fields) > 1 {
		msg.Target = fields[1]
	}

	return msg, true
}
