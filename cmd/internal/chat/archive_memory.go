package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const memArchiveMaxPerConversation = 10_000

// MemoryArchive is the dev/test fallback when no database is configured.
type MemoryArchive struct {
	mu    sync.Mutex
	convs map[string]map[string]Message // conv id -> message id -> message
}

// NewMemoryArchive constructs an in-memory Archive implementation.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{convs: make(map[string]map[string]Message)}
}

// Close closes the archive (noop for in-memory).
func (a *MemoryArchive) Close() error { return nil }

// SaveMessages upserts confirmed messages, idempotent per id.
func (a *MemoryArchive) SaveMessages(ctx context.Context, msgs []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, m := range msgs {
		if m.ID == "" || m.ConversationID == "" {
			return errors.New("chat: invalid archived message")
		}
		if IsLocalID(m.ID) {
			return errors.New("chat: refusing to archive unconfirmed message")
		}
		byID := a.convs[m.ConversationID]
		if byID == nil {
			byID = make(map[string]Message, 64)
			a.convs[m.ConversationID] = byID
		}
		byID[m.ID] = m.Clone()

		// Bound memory: evict oldest entries beyond the cap.
		if len(byID) > memArchiveMaxPerConversation {
			all := sortedMessages(byID)
			for _, old := range all[:len(all)-memArchiveMaxPerConversation] {
				delete(byID, old.ID)
			}
		}
	}
	return nil
}

// MessagesBefore returns up to limit messages older than before, display
// order.
func (a *MemoryArchive) MessagesBefore(ctx context.Context, convID string, before time.Time, limit int) ([]Message, error) {
	if convID == "" {
		return nil, errors.New("chat: missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	a.mu.Lock()
	byID := a.convs[convID]
	all := sortedMessages(byID)
	a.mu.Unlock()

	out := make([]Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].CreatedAt.Before(before) {
			out = append(out, all[i].Clone())
		}
	}

	// Collected newest-first; flip to display order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func sortedMessages(byID map[string]Message) []Message {
	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
