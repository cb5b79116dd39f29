package chat

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Store is the single mutable source of truth for conversations, messages and
// ephemeral typing state.
//
// Concurrency model:
//   - every mutation runs under one mutex (single-writer discipline), so an
//     incoming push and a local optimistic update to the same message can
//     never interleave mid read-modify-write
//   - reads return deep clones; consumers never observe a partially-applied
//     mutation
//   - change notifications are emitted after the mutation is committed and are
//     non-blocking (slow subscribers miss ticks and resync from a snapshot)
type Store struct {
	log         *slog.Logger
	localUserID string

	mu         sync.Mutex
	closed     bool
	convs      map[string]*Conversation
	msgs       map[string][]*Message // per conversation, display order
	msgIndex   map[string]*Message   // message id -> entry
	msgConv    map[string]string     // message id -> conversation id
	watermarks map[string]time.Time  // last mark-read watermark per conversation
	typing     map[string]typingEntry

	subMu     sync.Mutex
	subClosed bool
	subs      map[uint64]chan Change
	nextSub   uint64
}

type typingEntry struct {
	userID    string
	expiresAt time.Time
}

// ReadState captures a conversation's unread accounting for revert after a
// failed mark-read round-trip.
type ReadState struct {
	UnreadCount int
	Watermark   time.Time
}

// NewStore constructs an empty store for one local user session.
func NewStore(log *slog.Logger, localUserID string) *Store {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Store{
		log:         log,
		localUserID: localUserID,
		convs:       make(map[string]*Conversation),
		msgs:        make(map[string][]*Message),
		msgIndex:    make(map[string]*Message),
		msgConv:     make(map[string]string),
		watermarks:  make(map[string]time.Time),
		typing:      make(map[string]typingEntry),
		subs:        make(map[uint64]chan Change),
	}
}

// LocalUserID returns the local user this store accounts unread against.
func (s *Store) LocalUserID() string { return s.localUserID }

// Close marks the store closed and closes all subscriber channels.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subClosed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// ---- conversation mutations ----

// ReplaceConversations swaps the conversation set wholesale (initial load and
// reconnect catch-up). Messages of conversations that survive are kept;
// messages of dropped conversations are pruned. Watermarks survive for kept
// conversations.
func (s *Store) ReplaceConversations(convs []Conversation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	next := make(map[string]*Conversation, len(convs))
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		cl := c.Clone()
		next[c.ID] = &cl
	}

	for id := range s.convs {
		if _, ok := next[id]; ok {
			continue
		}
		for _, m := range s.msgs[id] {
			delete(s.msgIndex, m.ID)
			delete(s.msgConv, m.ID)
		}
		delete(s.msgs, id)
		delete(s.watermarks, id)
		delete(s.typing, id)
	}

	s.convs = next
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations})
	return nil
}

// UpsertConversation inserts or replaces one conversation. Its messages and
// watermark are untouched.
func (s *Store) UpsertConversation(c Conversation) error {
	if c.ID == "" {
		return errors.New("chat: missing conversation id")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	cl := c.Clone()
	s.convs[c.ID] = &cl
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations, ConversationID: c.ID})
	return nil
}

// ---- message mutations ----

// UpsertMessage inserts the message if its id is unseen, otherwise merges:
// last-write-wins on reactions and tombstone, status never regresses backward
// except into failed.
//
// activeForeground is the caller-supplied policy flag: when true the message's
// conversation is on screen and remote messages do not bump its unread count.
func (s *Store) UpsertMessage(in Message, activeForeground bool) error {
	if in.ID == "" || in.ConversationID == "" {
		return errors.New("chat: invalid message")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	if existing, ok := s.msgIndex[in.ID]; ok {
		s.mergeMessageLocked(existing, in)
		s.refreshConversationLocked(in.ConversationID)
	} else {
		s.insertMessageLocked(in, activeForeground)
	}
	s.mu.Unlock()

	s.notify(
		Change{Kind: ChangeMessages, ConversationID: in.ConversationID},
		Change{Kind: ChangeConversations, ConversationID: in.ConversationID},
	)
	return nil
}

// ReplaceTemporary atomically swaps a temporary entry for its confirmed
// counterpart, keeping its display slot. A missing temp id is a no-op, not an
// error: the entry may already have been reconciled by a pushed event.
func (s *Store) ReplaceTemporary(tempID string, confirmed Message) error {
	if confirmed.ID == "" {
		return errors.New("chat: invalid confirmed message")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	temp, ok := s.msgIndex[tempID]
	if !ok {
		// Already reconciled (e.g. the pushed event for the confirmed id won
		// the race). Merge the confirmed fields if the id is known.
		if existing, seen := s.msgIndex[confirmed.ID]; seen {
			s.mergeMessageLocked(existing, confirmed)
			s.refreshConversationLocked(confirmed.ConversationID)
			s.mu.Unlock()
			s.notify(Change{Kind: ChangeMessages, ConversationID: confirmed.ConversationID})
			return nil
		}
		s.mu.Unlock()
		return nil
	}

	convID := s.msgConv[tempID]
	list := s.msgs[convID]

	if existing, seen := s.msgIndex[confirmed.ID]; seen {
		// The confirmed entry arrived first via the transport: drop the temp
		// rather than materialize two entries with the same confirmed id.
		s.removeFromListLocked(convID, temp)
		delete(s.msgIndex, tempID)
		delete(s.msgConv, tempID)
		s.mergeMessageLocked(existing, confirmed)
	} else {
		cl := confirmed.Clone()
		if cl.Status == "" || cl.Status == StatusSending {
			cl.Status = StatusSent
		}
		for i, m := range list {
			if m.ID == tempID {
				list[i] = &cl
				break
			}
		}
		delete(s.msgIndex, tempID)
		delete(s.msgConv, tempID)
		s.msgIndex[cl.ID] = &cl
		s.msgConv[cl.ID] = convID
		// The slot is preserved; re-sorting only moves the entry when the
		// server timestamp disagrees with the optimistic one.
		s.sortMessagesLocked(convID)
	}

	s.refreshConversationLocked(convID)
	s.mu.Unlock()

	s.notify(
		Change{Kind: ChangeMessages, ConversationID: convID},
		Change{Kind: ChangeConversations, ConversationID: convID},
	)
	return nil
}

// MergeOlder merges a page of older history into the conversation without
// disturbing already-loaded newer messages. Duplicate ids from overlapping
// pages are merged, never duplicated. History never touches unread counts.
func (s *Store) MergeOlder(convID string, older []Message) error {
	if convID == "" {
		return errors.New("chat: missing conversation id")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	for _, m := range older {
		if m.ID == "" {
			continue
		}
		if existing, ok := s.msgIndex[m.ID]; ok {
			s.mergeMessageLocked(existing, m)
			continue
		}
		cl := m.Clone()
		cl.ConversationID = convID
		s.ensureConversationLocked(convID, cl.SenderID, cl.CreatedAt)
		s.msgs[convID] = append(s.msgs[convID], &cl)
		s.msgIndex[cl.ID] = &cl
		s.msgConv[cl.ID] = convID
	}
	s.sortMessagesLocked(convID)
	s.refreshConversationLocked(convID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	return nil
}

// SetMessageStatus advances a message's status. Downgrades are discarded per
// the status state machine.
func (s *Store) SetMessageStatus(msgID string, st Status) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	m, ok := s.msgIndex[msgID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	convID := s.msgConv[msgID]
	m.Status = mergeStatus(m.Status, st)
	s.refreshConversationLocked(convID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	return nil
}

// SetReaction sets a user's single active reaction on a message, last write
// wins by CreatedAt. It returns a copy of the previous message state for
// rollback.
func (s *Store) SetReaction(msgID string, r Reaction) (Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrStoreClosed
	}

	m, ok := s.msgIndex[msgID]
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	prev := m.Clone()
	convID := s.msgConv[msgID]
	setReactionOn(m, r)
	s.refreshConversationLocked(convID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	return prev, nil
}

// ClearReaction removes a user's reaction from a message. It returns a copy of
// the previous message state for rollback.
func (s *Store) ClearReaction(msgID, userID string) (Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrStoreClosed
	}

	m, ok := s.msgIndex[msgID]
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	prev := m.Clone()
	convID := s.msgConv[msgID]
	for i, re := range m.Reactions {
		if re.UserID == userID {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			break
		}
	}
	s.refreshConversationLocked(convID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	return prev, nil
}

// TombstoneMessage marks a message deleted: id/sender/timestamp survive,
// content is cleared for display. It returns a copy of the previous message
// state for rollback.
func (s *Store) TombstoneMessage(msgID string) (Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrStoreClosed
	}

	m, ok := s.msgIndex[msgID]
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	prev := m.Clone()
	convID := s.msgConv[msgID]
	m.Deleted = true
	m.Content = ""
	s.refreshConversationLocked(convID)
	s.mu.Unlock()

	s.notify(
		Change{Kind: ChangeMessages, ConversationID: convID},
		Change{Kind: ChangeConversations, ConversationID: convID},
	)
	return prev, nil
}

// RestoreMessage writes back a previously captured message state (rollback of
// an optimistic mutation after a terminal failure).
func (s *Store) RestoreMessage(m Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	cur, ok := s.msgIndex[m.ID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	convID := s.msgConv[m.ID]
	*cur = m.Clone()
	s.refreshConversationLocked(convID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	return nil
}

// ---- read accounting ----

// MarkRead zeroes the unread count against the watermark: only messages
// authored by others and younger than the watermark still count. It returns
// the previous read state for revert.
func (s *Store) MarkRead(convID string, watermark time.Time) (ReadState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ReadState{}, ErrStoreClosed
	}

	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return ReadState{}, ErrUnknownConversation
	}

	prev := ReadState{UnreadCount: conv.UnreadCount, Watermark: s.watermarks[convID]}
	if watermark.After(s.watermarks[convID]) {
		s.watermarks[convID] = watermark
	}
	conv.UnreadCount = s.countUnreadLocked(convID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations, ConversationID: convID})
	return prev, nil
}

// RestoreReadState reverts MarkRead after a terminal mark-read failure.
func (s *Store) RestoreReadState(convID string, st ReadState) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	conv.UnreadCount = st.UnreadCount
	s.watermarks[convID] = st.Watermark
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations, ConversationID: convID})
	return nil
}

// ---- typing (ephemeral, never persisted) ----

// SetTyping records the user currently typing in a conversation with a
// wall-clock expiry. Absence of a fresh signal implies not typing.
func (s *Store) SetTyping(convID, userID string, expiresAt time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.typing[convID] = typingEntry{userID: userID, expiresAt: expiresAt}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeTyping, ConversationID: convID})
}

// ClearTyping drops the typing indicator for a conversation.
func (s *Store) ClearTyping(convID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	_, had := s.typing[convID]
	delete(s.typing, convID)
	s.mu.Unlock()

	if had {
		s.notify(Change{Kind: ChangeTyping, ConversationID: convID})
	}
}

// Typing returns the user currently known to be typing, if the signal is
// still fresh.
func (s *Store) Typing(convID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.typing[convID]
	if !ok {
		return "", false
	}
	if !time.Now().Before(e.expiresAt) {
		delete(s.typing, convID)
		return "", false
	}
	return e.userID, true
}

// ---- snapshot reads ----

// Conversations returns a snapshot of all conversations, newest activity
// first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns a snapshot of one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.Clone(), true
}

// Messages returns a snapshot of a conversation's messages in display order.
func (s *Store) Messages(convID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.msgs[convID]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, m.Clone())
	}
	return out
}

// MessageByID returns a snapshot of one message and its conversation id.
func (s *Store) MessageByID(msgID string) (Message, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgIndex[msgID]
	if !ok {
		return Message{}, "", false
	}
	return m.Clone(), s.msgConv[msgID], true
}

// ---- locked helpers ----

func (s *Store) insertMessageLocked(in Message, activeForeground bool) {
	cl := in.Clone()
	if cl.Type == "" {
		cl.Type = MessageTypeText
	}
	if cl.Status == "" {
		cl.Status = StatusSent
	}

	conv := s.ensureConversationLocked(cl.ConversationID, cl.SenderID, cl.CreatedAt)

	list := s.msgs[cl.ConversationID]
	at := sort.Search(len(list), func(i int) bool { return cl.Less(*list[i]) })
	list = append(list, nil)
	copy(list[at+1:], list[at:])
	list[at] = &cl
	s.msgs[cl.ConversationID] = list
	s.msgIndex[cl.ID] = &cl
	s.msgConv[cl.ID] = cl.ConversationID

	remote := cl.SenderID != "" && cl.SenderID != s.localUserID
	if remote && !activeForeground && !cl.Deleted && cl.CreatedAt.After(s.watermarks[cl.ConversationID]) {
		conv.UnreadCount++
	}

	s.refreshConversationLocked(cl.ConversationID)
}

// mergeMessageLocked applies last-write-wins merge semantics onto an existing
// entry. Tombstones are irreversible.
func (s *Store) mergeMessageLocked(dst *Message, in Message) {
	dst.Status = mergeStatus(dst.Status, in.Status)
	for _, r := range in.Reactions {
		setReactionOn(dst, r)
	}
	if in.Deleted {
		dst.Deleted = true
		dst.Content = ""
	}
	if dst.Content == "" && !dst.Deleted && in.Content != "" {
		dst.Content = in.Content
	}
}

func (s *Store) ensureConversationLocked(convID, senderID string, at time.Time) *Conversation {
	conv, ok := s.convs[convID]
	if ok {
		return conv
	}

	// First message exchange creates the conversation skeleton; the next
	// conversation-list fetch fills in the authoritative participant set.
	parts := make([]string, 0, 2)
	if senderID != "" {
		parts = append(parts, senderID)
	}
	if s.localUserID != "" && s.localUserID != senderID {
		parts = append(parts, s.localUserID)
	}
	conv = &Conversation{ID: convID, Participants: parts, CreatedAt: at, UpdatedAt: at}
	s.convs[convID] = conv
	return conv
}

// refreshConversationLocked recomputes lastMessage (newest non-deleted entry)
// and bumps UpdatedAt.
func (s *Store) refreshConversationLocked(convID string) {
	conv, ok := s.convs[convID]
	if !ok {
		return
	}

	list := s.msgs[convID]
	conv.LastMessage = nil
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Deleted {
			continue
		}
		lm := list[i].Clone()
		conv.LastMessage = &lm
		if lm.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = lm.CreatedAt
		}
		break
	}
}

func (s *Store) removeFromListLocked(convID string, target *Message) {
	list := s.msgs[convID]
	for i, m := range list {
		if m == target {
			s.msgs[convID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (s *Store) sortMessagesLocked(convID string) {
	list := s.msgs[convID]
	sort.SliceStable(list, func(i, j int) bool { return list[i].Less(*list[j]) })
}

func (s *Store) countUnreadLocked(convID string) int {
	watermark := s.watermarks[convID]
	n := 0
	for _, m := range s.msgs[convID] {
		if m.Deleted || m.SenderID == "" || m.SenderID == s.localUserID {
			continue
		}
		if m.CreatedAt.After(watermark) {
			n++
		}
	}
	return n
}

// setReactionOn enforces at most one active reaction per user, last write
// wins by CreatedAt.
func setReactionOn(m *Message, r Reaction) {
	if r.UserID == "" {
		return
	}
	for i, cur := range m.Reactions {
		if cur.UserID != r.UserID {
			continue
		}
		if r.CreatedAt.Before(cur.CreatedAt) {
			return
		}
		m.Reactions[i] = r
		return
	}
	m.Reactions = append(m.Reactions, r)
}
