// Package chat contains the Connex client-side messaging core: the
// conversation/message model, the single-writer message store, and the sync
// engine that reconciles optimistic local edits against server state.
package chat

import (
	"strings"
	"time"

	"connex/cmd/internal/ids"
)

// MessageType is the payload kind of a message.
type MessageType string

// Message payload kinds (wire-stable).
const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
)

// Status is the delivery state of a message.
//
// Sending and Failed are local-only states for messages authored by the local
// user; remote-authored messages never observe them.
type Status string

// Message statuses, in ladder order.
const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// mergeStatus applies the status state machine:
//
//	sending -> sent -> delivered -> read
//	sending -> failed (terminal failure)
//	failed  -> sending (manual retry)
//
// Downgrades are discarded: the current value wins.
func mergeStatus(cur, next Status) Status {
	if cur == next || !ValidStatus(next) {
		return cur
	}
	if next == StatusFailed {
		return StatusFailed
	}
	if cur == StatusFailed {
		if next == StatusSending {
			return StatusSending
		}
		return cur
	}
	if statusRank[next] > statusRank[cur] {
		return next
	}
	return cur
}

// Reaction is one user's active reaction on a message.
// Per message there is at most one active entry per user (last write wins by
// CreatedAt).
type Reaction struct {
	UserID    string
	Symbol    string
	CreatedAt time.Time
}

// Message is a single chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	CreatedAt      time.Time
	Status         Status
	Reactions      []Reaction
	Deleted        bool
}

// Clone returns a deep copy safe to hand to consumers.
func (m Message) Clone() Message {
	out := m
	if len(m.Reactions) > 0 {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return out
}

// Less orders messages for display: CreatedAt ascending, ties broken by ID.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// DisplayContent returns the content to render; deleted messages keep their
// id/sender/timestamp but show a tombstone text.
func (m Message) DisplayContent() string {
	if m.Deleted {
		return "this message was deleted"
	}
	return m.Content
}

// Conversation is a chat between two or more participants.
type Conversation struct {
	ID           string
	Participants []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastMessage  *Message
	UnreadCount  int
}

// Clone returns a deep copy safe to hand to consumers.
func (c Conversation) Clone() Conversation {
	out := c
	if len(c.Participants) > 0 {
		out.Participants = append([]string(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		lm := c.LastMessage.Clone()
		out.LastMessage = &lm
	}
	return out
}

// localIDPrefix is the reserved namespace for ids minted before server
// confirmation. Server ids never carry it.
const localIDPrefix = "local-"

// NewLocalID mints a temporary message id in the reserved local namespace.
func NewLocalID(now time.Time) string {
	return localIDPrefix + ids.MustULID(now)
}

// IsLocalID reports whether id belongs to the reserved local namespace.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
