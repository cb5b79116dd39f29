package chat

import (
	"context"
	"time"
)

// Archive durably keeps confirmed messages so history pages survive network
// loss. It is a cache behind the in-memory store, never a source of truth for
// unconfirmed state: messages in the reserved local id namespace are refused.
type Archive interface {
	// SaveMessages upserts confirmed messages (idempotent per id).
	SaveMessages(ctx context.Context, msgs []Message) error
	// MessagesBefore returns up to limit messages older than before, in
	// display order.
	MessagesBefore(ctx context.Context, convID string, before time.Time, limit int) ([]Message, error)
	Close() error
}
