package chat

import (
	"context"
	"time"

	"connex/cmd/internal/transport"
	v1 "connex/shared/contracts/chat/v1"
)

// SendRequest is the body of an outbound send.
type SendRequest struct {
	Content string
	Type    MessageType
}

// NetworkClient is the REST-style network collaborator the engine consumes.
//
// Implementations classify failures by attaching an ErrKind (see KindOf):
// timeouts/5xx/connectivity are retryable, 4xx validation/auth are terminal,
// stale-precondition rejections are conflicts.
type NetworkClient interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, participantIDs []string) (Conversation, error)

	Messages(ctx context.Context, convID string, before *time.Time, limit int) ([]Message, error)
	SendMessage(ctx context.Context, convID string, in SendRequest) (Message, error)
	DeleteMessage(ctx context.Context, msgID string) error

	MarkRead(ctx context.Context, convID string, watermark time.Time) error
	Typing(ctx context.Context, convID string, isTyping bool) error

	AddReaction(ctx context.Context, msgID, symbol string) error
	RemoveReaction(ctx context.Context, msgID string) error
}

// Identity supplies the local user's stable identifier, used to tell locally
// authored messages from remote ones.
type Identity interface {
	LocalUserID() (string, error)
}

// Transport is the duplex connection surface the engine consumes: an inbound
// frame stream plus connection-state notifications. Reconnects stay invisible
// except through States.
type Transport interface {
	Connect(ctx context.Context) error
	Frames() <-chan v1.Envelope
	States() <-chan transport.State
}

// StaticIdentity is an Identity for sessions whose user id is known up front
// (e.g. from config). A zero value reports ErrNotAuthenticated.
type StaticIdentity string

// LocalUserID implements Identity.
func (s StaticIdentity) LocalUserID() (string, error) {
	if s == "" {
		return "", ErrNotAuthenticated
	}
	return string(s), nil
}
