package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"connex/cmd/internal/transport"
	v1 "connex/shared/contracts/chat/v1"
)

// Engine defaults; all overridable via Config.
const (
	defaultRequestTimeout = 20 * time.Second
	defaultPageSize       = 50
	maxPageSize           = 200

	// typingTTLSlack pads the inbound typing expiry past the sender's
	// debounce window so the indicator does not flicker between renewals.
	typingTTLSlack = 2 * time.Second
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// RequestTimeout bounds every network round-trip; an expired round-trip
	// is a retryable failure, never a hang.
	RequestTimeout time.Duration
	// TypingWindow is the outbound typing debounce window.
	TypingWindow time.Duration
	// TypingTTL is how long an inbound typing signal stays fresh.
	TypingTTL time.Duration
	// PageSize is the history page size for LoadMessages.
	PageSize int

	// Archive, when set, durably keeps confirmed messages and serves history
	// pages while the network is unavailable.
	Archive Archive
	// Metrics, when set, instruments the engine.
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.TypingWindow <= 0 {
		c.TypingWindow = defaultTypingWindow
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = c.TypingWindow + typingTTLSlack
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.PageSize > maxPageSize {
		c.PageSize = maxPageSize
	}
	return c
}

// Engine translates user intents and transport events into store mutations
// and owns the retry/idempotence policy. It is safe for concurrent use by
// multiple callers; effects serialize through the store's single-writer
// discipline, not call-site locking.
type Engine struct {
	log      *slog.Logger
	store    *Store
	net      NetworkClient
	tr       Transport
	identity Identity
	cfg      Config

	typing *typingDebouncer

	// primed flips once a conversation-list load has succeeded; until then a
	// connected transport is treated as a catch-up trigger even without a
	// preceding disconnect, so a failed startup load heals on first connect.
	primed atomic.Bool

	// activeMu guards the caller-supplied foreground policy.
	activeMu         sync.Mutex
	activeConvID     string
	activeForeground bool

	// pageMu guards per-conversation history fetch generations; a superseded
	// fetch's late response is dropped instead of clobbering newer state.
	pageMu  sync.Mutex
	pageGen map[string]uint64

	// inflightMu guards the optimistic-operation dedupe set
	// (key: message id + operation kind + user).
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewEngine wires an engine. store and net are required; tr may be nil for
// callers that pump HandleFrame themselves.
func NewEngine(log *slog.Logger, store *Store, net NetworkClient, tr Transport, identity Identity, cfg Config) (*Engine, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if net == nil {
		return nil, errors.New("chat: nil network client")
	}
	if identity == nil {
		identity = StaticIdentity(store.LocalUserID())
	}

	e := &Engine{
		log:      log,
		store:    store,
		net:      net,
		tr:       tr,
		identity: identity,
		cfg:      cfg.withDefaults(),
		pageGen:  make(map[string]uint64),
		inflight: make(map[string]struct{}),
	}
	e.typing = newTypingDebouncer(e.cfg.TypingWindow, e.sendTypingSignal)
	return e, nil
}

// Close stops the engine's timers. The store is owned by the caller.
func (e *Engine) Close() {
	e.typing.Close()
}

// SetActiveConversation records which conversation is on screen. Remote
// messages for the active foreground conversation do not bump unread counts;
// this is the caller's policy, the engine only applies it.
func (e *Engine) SetActiveConversation(convID string, foreground bool) {
	e.activeMu.Lock()
	e.activeConvID = convID
	e.activeForeground = foreground
	e.activeMu.Unlock()
}

func (e *Engine) isActiveForeground(convID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.activeForeground && e.activeConvID == convID && convID != ""
}

// ---- loading ----

// LoadConversations fetches the conversation list and replaces the store's
// set. On failure the store is left unchanged.
func (e *Engine) LoadConversations(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	convs, err := e.net.Conversations(ctx)
	if err != nil {
		e.log.Info("engine.conversations.load.fail", "err", err)
		return fmt.Errorf("load conversations: %w", err)
	}
	if err := e.store.ReplaceConversations(convs); err != nil {
		return err
	}
	e.primed.Store(true)
	return nil
}

// LoadMessages fetches one history page (older than before, or the newest
// page when before is nil) and merges it without disturbing newer messages.
//
// A newer LoadMessages call for the same conversation supersedes this one:
// the late response is dropped. When the network is down and an archive is
// configured, the page is served from the archive instead.
func (e *Engine) LoadMessages(ctx context.Context, convID string, before *time.Time) error {
	if convID == "" {
		return ErrUnknownConversation
	}

	gen := e.bumpPageGen(convID)

	tctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	msgs, err := e.net.Messages(tctx, convID, before, e.cfg.PageSize)
	cancel()

	if !e.pageGenCurrent(convID, gen) {
		e.log.Debug("engine.messages.load.superseded", "conversation_id", convID)
		return nil
	}

	if err != nil {
		if KindOf(err) == ErrKindRetryable && e.cfg.Archive != nil {
			if cached, aerr := e.archivePage(ctx, convID, before); aerr == nil {
				e.log.Info("engine.messages.load.from_archive", "conversation_id", convID, "count", len(cached))
				return e.store.MergeOlder(convID, cached)
			}
		}
		e.log.Info("engine.messages.load.fail", "conversation_id", convID, "err", err)
		return fmt.Errorf("load messages: %w", err)
	}

	return e.store.MergeOlder(convID, msgs)
}

func (e *Engine) bumpPageGen(convID string) uint64 {
	e.pageMu.Lock()
	defer e.pageMu.Unlock()
	e.pageGen[convID]++
	return e.pageGen[convID]
}

func (e *Engine) pageGenCurrent(convID string, gen uint64) bool {
	e.pageMu.Lock()
	defer e.pageMu.Unlock()
	return e.pageGen[convID] == gen
}

func (e *Engine) archivePage(ctx context.Context, convID string, before *time.Time) ([]Message, error) {
	cut := time.Now().UTC()
	if before != nil {
		cut = *before
	}
	actx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return e.cfg.Archive.MessagesBefore(actx, convID, cut, e.cfg.PageSize)
}

// ---- sending ----

// SendMessage inserts an optimistic echo with status sending, then issues the
// network send and reconciles the temporary entry with the confirmed message.
//
// On failure the temporary message is marked failed and returned with the
// error; it is not auto-retried (RetrySend is the explicit entry point).
func (e *Engine) SendMessage(ctx context.Context, convID, content string, typ MessageType) (Message, error) {
	uid, err := e.localUser()
	if err != nil {
		return Message{}, err
	}
	if convID == "" {
		return Message{}, ErrUnknownConversation
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if typ == "" {
		typ = MessageTypeText
	}

	now := time.Now().UTC()
	temp := Message{
		ID:             NewLocalID(now),
		ConversationID: convID,
		SenderID:       uid,
		Content:        content,
		Type:           typ,
		CreatedAt:      now,
		Status:         StatusSending,
	}
	if err := e.store.UpsertMessage(temp, e.isActiveForeground(convID)); err != nil {
		return Message{}, err
	}

	return e.dispatchSend(ctx, temp)
}

// RetrySend re-runs the send for a previously failed temporary message,
// reusing its temporary id (the one legal failed -> sending transition).
func (e *Engine) RetrySend(ctx context.Context, tempID string) (Message, error) {
	if !IsLocalID(tempID) {
		return Message{}, ErrUnknownMessage
	}
	m, _, ok := e.store.MessageByID(tempID)
	if !ok {
		return Message{}, ErrUnknownMessage
	}
	if m.Status != StatusFailed {
		// Already in flight or already reconciled; nothing to do.
		return m, nil
	}

	inc(e.metric().Retries)
	if err := e.store.SetMessageStatus(tempID, StatusSending); err != nil {
		return Message{}, err
	}
	m.Status = StatusSending
	return e.dispatchSend(ctx, m)
}

func (e *Engine) dispatchSend(ctx context.Context, temp Message) (Message, error) {
	inc(e.metric().Sends)

	tctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	confirmed, err := e.net.SendMessage(tctx, temp.ConversationID, SendRequest{Content: temp.Content, Type: temp.Type})
	cancel()

	if err != nil {
		inc(e.metric().SendFailures)
		e.log.Info("engine.send.fail", "conversation_id", temp.ConversationID, "temp_id", temp.ID, "err", err)
		if serr := e.store.SetMessageStatus(temp.ID, StatusFailed); serr != nil {
			e.log.Info("engine.send.mark_failed.fail", "temp_id", temp.ID, "err", serr)
		}
		temp.Status = StatusFailed
		return temp, fmt.Errorf("send message: %w", err)
	}

	if confirmed.ConversationID == "" {
		confirmed.ConversationID = temp.ConversationID
	}
	if err := e.store.ReplaceTemporary(temp.ID, confirmed); err != nil {
		return Message{}, err
	}
	e.archiveMessages(ctx, confirmed)
	return confirmed, nil
}

// ---- read accounting ----

// MarkAsRead optimistically zeroes the unread count and issues the mark-read
// request. A no-op when the count is already zero. The optimistic zero is
// reverted only on terminal failure; transient blips keep it in place.
func (e *Engine) MarkAsRead(ctx context.Context, convID string) error {
	conv, ok := e.store.Conversation(convID)
	if !ok {
		return ErrUnknownConversation
	}
	if conv.UnreadCount == 0 {
		return nil
	}

	watermark := time.Now().UTC()
	prev, err := e.store.MarkRead(convID, watermark)
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	err = e.net.MarkRead(tctx, convID, watermark)
	cancel()

	if err == nil {
		return nil
	}
	if KindOf(err) == ErrKindTerminal {
		inc(e.metric().Rollbacks)
		if rerr := e.store.RestoreReadState(convID, prev); rerr != nil {
			e.log.Info("engine.mark_read.revert.fail", "conversation_id", convID, "err", rerr)
		}
	}
	e.log.Info("engine.mark_read.fail", "conversation_id", convID, "err", err)
	return fmt.Errorf("mark read: %w", err)
}

// ---- typing ----

// SendTyping registers local keystroke activity (or an explicit stop) for a
// conversation. Outbound signals are debounced; a synthetic stop fires after
// a quiet window.
func (e *Engine) SendTyping(convID string, isTyping bool) {
	if convID == "" {
		return
	}
	e.typing.Typing(convID, isTyping)
}

func (e *Engine) sendTypingSignal(convID string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	if err := e.net.Typing(ctx, convID, isTyping); err != nil {
		// Typing is best-effort; a lost signal only means a stale indicator
		// on the other side until its TTL lapses.
		e.log.Debug("engine.typing.send.fail", "conversation_id", convID, "is_typing", isTyping, "err", err)
	}
}

// ---- reactions and deletion ----

// AddReaction optimistically sets the local user's reaction on a message and
// confirms it with the server. Duplicate calls while the first is in flight
// collapse to one network call.
func (e *Engine) AddReaction(ctx context.Context, msgID, symbol string) error {
	uid, err := e.localUser()
	if err != nil {
		return err
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return ErrEmptyContent
	}

	release, acquired := e.tryAcquire(msgID, "reaction_add", uid)
	if !acquired {
		return nil
	}
	defer release()

	prev, err := e.store.SetReaction(msgID, Reaction{UserID: uid, Symbol: symbol, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	return e.confirmOptimistic(ctx, prev, "reaction.add", func(tctx context.Context) error {
		return e.net.AddReaction(tctx, msgID, symbol)
	})
}

// RemoveReaction optimistically clears the local user's reaction and confirms
// with the server.
func (e *Engine) RemoveReaction(ctx context.Context, msgID string) error {
	uid, err := e.localUser()
	if err != nil {
		return err
	}

	release, acquired := e.tryAcquire(msgID, "reaction_remove", uid)
	if !acquired {
		return nil
	}
	defer release()

	prev, err := e.store.ClearReaction(msgID, uid)
	if err != nil {
		return err
	}

	return e.confirmOptimistic(ctx, prev, "reaction.remove", func(tctx context.Context) error {
		return e.net.RemoveReaction(tctx, msgID)
	})
}

// DeleteMessage optimistically tombstones a message and confirms with the
// server. Deleting an already-deleted message is success via idempotence.
func (e *Engine) DeleteMessage(ctx context.Context, msgID string) error {
	uid, err := e.localUser()
	if err != nil {
		return err
	}

	release, acquired := e.tryAcquire(msgID, "delete", uid)
	if !acquired {
		return nil
	}
	defer release()

	prev, err := e.store.TombstoneMessage(msgID)
	if err != nil {
		return err
	}
	if prev.Deleted {
		// Already a tombstone locally; nothing to confirm.
		return nil
	}

	return e.confirmOptimistic(ctx, prev, "message.delete", func(tctx context.Context) error {
		return e.net.DeleteMessage(tctx, msgID)
	})
}

// confirmOptimistic runs the network confirmation for an optimistic mutation
// whose pre-state is prev. Terminal failures roll back; conflicts count as
// success; retryable failures keep the optimistic state and surface the error.
func (e *Engine) confirmOptimistic(ctx context.Context, prev Message, op string, call func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	err := call(tctx)
	cancel()

	if err == nil {
		return nil
	}

	switch KindOf(err) {
	case ErrKindConflict:
		e.log.Debug("engine.op.conflict_as_success", "op", op, "message_id", prev.ID)
		return nil
	case ErrKindTerminal:
		inc(e.metric().Rollbacks)
		if rerr := e.store.RestoreMessage(prev); rerr != nil {
			e.log.Info("engine.op.rollback.fail", "op", op, "message_id", prev.ID, "err", rerr)
		}
		e.log.Info("engine.op.fail", "op", op, "message_id", prev.ID, "err", err)
		return fmt.Errorf("%s: %w", op, err)
	default:
		e.log.Info("engine.op.fail_retryable", "op", op, "message_id", prev.ID, "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
}

// ---- conversations ----

// CreateConversation creates a conversation explicitly (the other creation
// path is the first message exchange).
func (e *Engine) CreateConversation(ctx context.Context, participantIDs []string) (Conversation, error) {
	if _, err := e.localUser(); err != nil {
		return Conversation{}, err
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	conv, err := e.net.CreateConversation(tctx, participantIDs)
	cancel()
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	if err := e.store.UpsertConversation(conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ---- inbound events ----

// Run consumes the transport's frame and state streams until ctx is done.
// A connected notification that follows a disconnection triggers exactly one
// conversation-list catch-up: the transport does not replay missed events.
// The first connected also catches up when no conversation load has succeeded
// yet, covering a startup load that raced a down server.
func (e *Engine) Run(ctx context.Context) error {
	if e.tr == nil {
		return errors.New("chat: engine has no transport")
	}

	frames := e.tr.Frames()
	states := e.tr.States()
	wasDisconnected := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-frames:
			if !ok {
				return nil
			}
			e.HandleFrame(env)

		case st, ok := <-states:
			if !ok {
				return nil
			}
			switch st {
			case transport.StateDisconnected:
				wasDisconnected = true
			case transport.StateConnected:
				if !wasDisconnected && e.primed.Load() {
					continue
				}
				wasDisconnected = false
				inc(e.metric().CatchUps)
				e.log.Info("engine.catchup.start")
				if err := e.LoadConversations(ctx); err != nil {
					e.log.Info("engine.catchup.fail", "err", err)
				}
			}
		}
	}
}

// HandleFrame applies one inbound envelope to the store. Malformed frames are
// logged and dropped; they never tear the session down.
func (e *Engine) HandleFrame(env v1.Envelope) {
	if err := env.Validate(); err != nil {
		inc(e.metric().DroppedFrames)
		e.log.Info("engine.frame.drop", "type", env.Type, "err", err)
		return
	}

	switch env.Type {
	case v1.TypeMessageNew:
		e.onMessageNew(env)
	case v1.TypeMessageStatus:
		e.onMessageStatus(env)
	case v1.TypeMessageDeleted:
		e.onMessageDeleted(env)
	case v1.TypeReactionSet:
		e.onReactionSet(env)
	case v1.TypeReactionCleared:
		e.onReactionCleared(env)
	case v1.TypeTyping:
		e.onTyping(env)
	case v1.TypeHelloAck:
		// Session bookkeeping happens in the transport.
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		e.log.Info("engine.server.error", "code", p.Code, "message", p.Message)
	default:
		inc(e.metric().DroppedFrames)
		e.log.Info("engine.frame.drop", "type", env.Type, "err", "unhandled type")
	}
}

func (e *Engine) onMessageNew(env v1.Envelope) {
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.dropFrame(env.Type, err)
		return
	}
	if p.MessageID == "" || p.ConversationID == "" {
		e.dropFrame(env.Type, errors.New("missing ids"))
		return
	}

	st := Status(p.Status)
	if !ValidStatus(st) || st == StatusSending || st == StatusFailed {
		// Remote-authored messages never observe local-only states.
		st = StatusSent
	}

	m := Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Type:           MessageType(p.ContentType),
		CreatedAt:      p.CreatedAt,
		Status:         st,
	}

	inc(e.metric().InboundEvents)
	if err := e.store.UpsertMessage(m, e.isActiveForeground(p.ConversationID)); err != nil {
		e.log.Info("engine.message_new.apply.fail", "message_id", p.MessageID, "err", err)
		return
	}
	e.archiveMessages(context.Background(), m)
}

func (e *Engine) onMessageStatus(env v1.Envelope) {
	var p v1.MessageStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.dropFrame(env.Type, err)
		return
	}

	st := Status(p.Status)
	if st != StatusDelivered && st != StatusRead {
		e.dropFrame(env.Type, fmt.Errorf("unexpected status: %q", p.Status))
		return
	}

	inc(e.metric().InboundEvents)
	if err := e.store.SetMessageStatus(p.MessageID, st); err != nil && !errors.Is(err, ErrUnknownMessage) {
		e.log.Info("engine.message_status.apply.fail", "message_id", p.MessageID, "err", err)
	}
}

func (e *Engine) onMessageDeleted(env v1.Envelope) {
	var p v1.MessageDeletedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.dropFrame(env.Type, err)
		return
	}

	inc(e.metric().InboundEvents)
	if _, err := e.store.TombstoneMessage(p.MessageID); err != nil && !errors.Is(err, ErrUnknownMessage) {
		e.log.Info("engine.message_deleted.apply.fail", "message_id", p.MessageID, "err", err)
	}
}

func (e *Engine) onReactionSet(env v1.Envelope) {
	var p v1.ReactionSetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.dropFrame(env.Type, err)
		return
	}

	inc(e.metric().InboundEvents)
	r := Reaction{UserID: p.UserID, Symbol: p.Symbol, CreatedAt: p.CreatedAt}
	if _, err := e.store.SetReaction(p.MessageID, r); err != nil && !errors.Is(err, ErrUnknownMessage) {
		e.log.Info("engine.reaction_set.apply.fail", "message_id", p.MessageID, "err", err)
	}
}

func (e *Engine) onReactionCleared(env v1.Envelope) {
	var p v1.ReactionClearedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.dropFrame(env.Type, err)
		return
	}

	inc(e.metric().InboundEvents)
	if _, err := e.store.ClearReaction(p.MessageID, p.UserID); err != nil && !errors.Is(err, ErrUnknownMessage) {
		e.log.Info("engine.reaction_cleared.apply.fail", "message_id", p.MessageID, "err", err)
	}
}

func (e *Engine) onTyping(env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.dropFrame(env.Type, err)
		return
	}
	if p.UserID == "" || p.UserID == e.store.LocalUserID() {
		return
	}

	inc(e.metric().InboundEvents)
	if p.IsTyping {
		e.store.SetTyping(p.ConversationID, p.UserID, time.Now().Add(e.cfg.TypingTTL))
	} else {
		e.store.ClearTyping(p.ConversationID)
	}
}

func (e *Engine) dropFrame(typ string, err error) {
	inc(e.metric().DroppedFrames)
	e.log.Info("engine.frame.drop", "type", typ, "err", err)
}

// ---- helpers ----

func (e *Engine) localUser() (string, error) {
	uid, err := e.identity.LocalUserID()
	if err != nil {
		return "", ErrNotAuthenticated
	}
	if strings.TrimSpace(uid) == "" {
		return "", ErrNotAuthenticated
	}
	return uid, nil
}

func (e *Engine) metric() *Metrics {
	if e.cfg.Metrics == nil {
		return &Metrics{}
	}
	return e.cfg.Metrics
}

// tryAcquire claims the in-flight slot for one optimistic operation; a second
// identical call while the first is pending collapses into it.
func (e *Engine) tryAcquire(msgID, op, userID string) (func(), bool) {
	key := msgID + "|" + op + "|" + userID

	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()

	if _, busy := e.inflight[key]; busy {
		return nil, false
	}
	e.inflight[key] = struct{}{}

	return func() {
		e.inflightMu.Lock()
		delete(e.inflight, key)
		e.inflightMu.Unlock()
	}, true
}

func (e *Engine) archiveMessages(ctx context.Context, msgs ...Message) {
	if e.cfg.Archive == nil {
		return
	}

	keep := msgs[:0]
	for _, m := range msgs {
		if IsLocalID(m.ID) {
			continue
		}
		keep = append(keep, m)
	}
	if len(keep) == 0 {
		return
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	if err := e.cfg.Archive.SaveMessages(actx, keep); err != nil {
		// Archival is best-effort; the in-memory store stays authoritative.
		e.log.Info("engine.archive.save.fail", "count", len(keep), "err", err)
	}
}
