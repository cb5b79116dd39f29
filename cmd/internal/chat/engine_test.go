package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"connex/cmd/internal/transport"
	v1 "connex/shared/contracts/chat/v1"
)

// kindErr is a classified failure for driving the engine's rollback policy.
type kindErr struct {
	kind ErrKind
	msg  string
}

func (e kindErr) Error() string    { return e.msg }
func (e kindErr) ErrKind() ErrKind { return e.kind }

var (
	errRetryable = kindErr{kind: ErrKindRetryable, msg: "server unreachable"}
	errTerminal  = kindErr{kind: ErrKindTerminal, msg: "forbidden"}
	errConflict  = kindErr{kind: ErrKindConflict, msg: "stale precondition"}
)

// fakeNet is a scriptable NetworkClient. Zero value succeeds everywhere.
type fakeNet struct {
	mu sync.Mutex

	convs     []Conversation
	convCalls int
	convErr   error

	pages    map[string][]Message
	pagesErr error

	sendErr    error
	sendCalls  int
	confirmFor func(in SendRequest) Message

	deleteErr   error
	deleteCalls int

	markReadErr   error
	markReadCalls int

	typingCalls []bool
	typingErr   error

	reactionErr      error
	addReactionCalls int
	rmReactionCalls  int
}

func (f *fakeNet) Conversations(context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	if f.convErr != nil {
		return nil, f.convErr
	}
	return append([]Conversation(nil), f.convs...), nil
}

func (f *fakeNet) CreateConversation(_ context.Context, participantIDs []string) (Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convErr != nil {
		return Conversation{}, f.convErr
	}
	now := time.Now().UTC()
	return Conversation{ID: "conv-created", Participants: participantIDs, CreatedAt: now, UpdatedAt: now}, nil
}

func (f *fakeNet) Messages(_ context.Context, convID string, _ *time.Time, _ int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pagesErr != nil {
		return nil, f.pagesErr
	}
	return append([]Message(nil), f.pages[convID]...), nil
}

func (f *fakeNet) SendMessage(_ context.Context, convID string, in SendRequest) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return Message{}, f.sendErr
	}
	if f.confirmFor != nil {
		return f.confirmFor(in), nil
	}
	return Message{
		ID:             "srv-1",
		ConversationID: convID,
		SenderID:       "alice",
		Content:        in.Content,
		Type:           in.Type,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusSent,
	}, nil
}

func (f *fakeNet) DeleteMessage(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeNet) MarkRead(context.Context, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	return f.markReadErr
}

func (f *fakeNet) Typing(_ context.Context, _ string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingCalls = append(f.typingCalls, isTyping)
	return f.typingErr
}

func (f *fakeNet) AddReaction(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addReactionCalls++
	return f.reactionErr
}

func (f *fakeNet) RemoveReaction(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rmReactionCalls++
	return f.reactionErr
}

func (f *fakeNet) counts() (sends, convs, dels, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.convCalls, f.deleteCalls, f.markReadCalls
}

// fakeTransport feeds scripted frames and states into the engine's Run loop.
type fakeTransport struct {
	frames chan v1.Envelope
	states chan transport.State
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan v1.Envelope, 32),
		states: make(chan transport.State, 32),
	}
}

func (f *fakeTransport) Connect(context.Context) error  { return nil }
func (f *fakeTransport) Frames() <-chan v1.Envelope     { return f.frames }
func (f *fakeTransport) States() <-chan transport.State { return f.states }

func testEngine(t *testing.T, net *fakeNet, cfg Config) (*Engine, *Store) {
	t.Helper()
	s := NewStore(testLogger(), "alice")
	t.Cleanup(s.Close)

	e, err := NewEngine(testLogger(), s, net, newFakeTransport(), StaticIdentity("alice"), cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, s
}

func TestSendMessageReconcilesToSingleEntry(t *testing.T) {
	t.Parallel()

	net := &fakeNet{}
	e, s := testEngine(t, net, Config{})

	got, err := e.SendMessage(context.Background(), "c1", "  hello  ", MessageTypeText)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got.ID != "srv-1" || got.Content != "hello" {
		t.Fatalf("confirmed = %+v", got)
	}

	msgs := s.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want exactly 1", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Status != StatusSent {
		t.Fatalf("message = %+v", msgs[0])
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, &fakeNet{}, Config{})

	if _, err := e.SendMessage(context.Background(), "c1", "   ", MessageTypeText); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("blank content err = %v, want ErrEmptyContent", err)
	}
	if _, err := e.SendMessage(context.Background(), "", "hi", MessageTypeText); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("missing conv err = %v, want ErrUnknownConversation", err)
	}
}

func TestSendMessageWithoutIdentity(t *testing.T) {
	t.Parallel()

	s := NewStore(testLogger(), "")
	t.Cleanup(s.Close)
	e, err := NewEngine(testLogger(), s, &fakeNet{}, nil, StaticIdentity(""), Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)

	if _, err := e.SendMessage(context.Background(), "c1", "hi", MessageTypeText); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestSendMessageFailureMarksFailedAndRetryWorks(t *testing.T) {
	t.Parallel()

	net := &fakeNet{sendErr: errRetryable}
	e, s := testEngine(t, net, Config{})

	temp, err := e.SendMessage(context.Background(), "c1", "hello", MessageTypeText)
	if err == nil {
		t.Fatal("expected send failure")
	}
	if !IsLocalID(temp.ID) || temp.Status != StatusFailed {
		t.Fatalf("temp = %+v", temp)
	}

	stored, _, ok := s.MessageByID(temp.ID)
	if !ok || stored.Status != StatusFailed {
		t.Fatalf("stored = %+v, ok=%v", stored, ok)
	}

	// Heal the network and retry the same temp id.
	net.mu.Lock()
	net.sendErr = nil
	net.mu.Unlock()

	confirmed, err := e.RetrySend(context.Background(), temp.ID)
	if err != nil {
		t.Fatalf("RetrySend: %v", err)
	}
	if confirmed.ID != "srv-1" {
		t.Fatalf("confirmed = %+v", confirmed)
	}

	msgs := s.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("messages = %+v, want single srv-1", msgs)
	}
}

func TestRetrySendRejectsNonFailed(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, &fakeNet{}, Config{})

	if _, err := e.RetrySend(context.Background(), "srv-1"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("server id retry err = %v, want ErrUnknownMessage", err)
	}
	if _, err := e.RetrySend(context.Background(), "local-missing"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("missing temp retry err = %v, want ErrUnknownMessage", err)
	}
}

func TestAddReactionConflictCountsAsSuccess(t *testing.T) {
	t.Parallel()

	net := &fakeNet{reactionErr: errConflict}
	e, s := testEngine(t, net, Config{})
	_ = s.UpsertMessage(msgAt("m1", "c1", "bob", "hi", time.Now().UTC()), true)

	if err := e.AddReaction(context.Background(), "m1", "heart"); err != nil {
		t.Fatalf("AddReaction on conflict = %v, want nil", err)
	}

	got, _, _ := s.MessageByID("m1")
	if len(got.Reactions) != 1 || got.Reactions[0].Symbol != "heart" {
		t.Fatalf("reactions = %+v, want optimistic heart kept", got.Reactions)
	}
}

func TestAddReactionTerminalRollsBack(t *testing.T) {
	t.Parallel()

	net := &fakeNet{reactionErr: errTerminal}
	e, s := testEngine(t, net, Config{})
	_ = s.UpsertMessage(msgAt("m1", "c1", "bob", "hi", time.Now().UTC()), true)

	if err := e.AddReaction(context.Background(), "m1", "heart"); err == nil {
		t.Fatal("expected terminal error")
	}

	got, _, _ := s.MessageByID("m1")
	if len(got.Reactions) != 0 {
		t.Fatalf("reactions = %+v, want rollback", got.Reactions)
	}
}

func TestAddReactionRetryableKeepsOptimisticState(t *testing.T) {
	t.Parallel()

	net := &fakeNet{reactionErr: errRetryable}
	e, s := testEngine(t, net, Config{})
	_ = s.UpsertMessage(msgAt("m1", "c1", "bob", "hi", time.Now().UTC()), true)

	if err := e.AddReaction(context.Background(), "m1", "heart"); err == nil {
		t.Fatal("expected retryable error surfaced")
	}

	got, _, _ := s.MessageByID("m1")
	if len(got.Reactions) != 1 {
		t.Fatalf("reactions = %+v, want optimistic state kept", got.Reactions)
	}
}

func TestDeleteAlreadyDeletedSkipsNetwork(t *testing.T) {
	t.Parallel()

	net := &fakeNet{}
	e, s := testEngine(t, net, Config{})
	_ = s.UpsertMessage(msgAt("m1", "c1", "bob", "hi", time.Now().UTC()), true)
	_, _ = s.TombstoneMessage("m1")

	if err := e.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, _, dels, _ := net.counts(); dels != 0 {
		t.Fatalf("delete calls = %d, want 0 (idempotent)", dels)
	}
}

func TestDeleteTerminalRestoresMessage(t *testing.T) {
	t.Parallel()

	net := &fakeNet{deleteErr: errTerminal}
	e, s := testEngine(t, net, Config{})
	_ = s.UpsertMessage(msgAt("m1", "c1", "bob", "hi", time.Now().UTC()), true)

	if err := e.DeleteMessage(context.Background(), "m1"); err == nil {
		t.Fatal("expected terminal error")
	}

	got, _, _ := s.MessageByID("m1")
	if got.Deleted || got.Content != "hi" {
		t.Fatalf("message = %+v, want restored", got)
	}
}

func TestMarkAsReadRevertsOnlyOnTerminal(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC().Add(-time.Minute)

	cases := []struct {
		name       string
		err        error
		wantUnread int
	}{
		{name: "terminal reverts", err: errTerminal, wantUnread: 1},
		{name: "retryable keeps zero", err: errRetryable, wantUnread: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			net := &fakeNet{markReadErr: tc.err}
			e, s := testEngine(t, net, Config{})
			_ = s.UpsertMessage(msgAt("m1", "c1", "bob", "hi", base), false)

			if err := e.MarkAsRead(context.Background(), "c1"); err == nil {
				t.Fatal("expected error")
			}

			conv, _ := s.Conversation("c1")
			if conv.UnreadCount != tc.wantUnread {
				t.Fatalf("unread = %d, want %d", conv.UnreadCount, tc.wantUnread)
			}
		})
	}
}

func TestMarkAsReadZeroUnreadIsNoop(t *testing.T) {
	t.Parallel()

	net := &fakeNet{}
	e, s := testEngine(t, net, Config{})
	_ = s.UpsertMessage(msgAt("m1", "c1", "alice", "mine", time.Now().UTC()), false)

	if err := e.MarkAsRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if _, _, _, reads := net.counts(); reads != 0 {
		t.Fatalf("mark-read calls = %d, want 0", reads)
	}
}

func TestLoadMessagesFallsBackToArchive(t *testing.T) {
	t.Parallel()

	archive := NewMemoryArchive()
	base := time.Now().UTC().Add(-time.Hour)
	seed := []Message{
		msgAt("a1", "c1", "bob", "archived one", base),
		msgAt("a2", "c1", "bob", "archived two", base.Add(time.Second)),
	}
	if err := archive.SaveMessages(context.Background(), seed); err != nil {
		t.Fatalf("seed archive: %v", err)
	}

	net := &fakeNet{pagesErr: errRetryable}
	e, s := testEngine(t, net, Config{Archive: archive})

	if err := e.LoadMessages(context.Background(), "c1", nil); err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}

	msgs := s.Messages("c1")
	if len(msgs) != 2 || msgs[0].ID != "a1" || msgs[1].ID != "a2" {
		t.Fatalf("messages = %+v, want archived page", msgs)
	}
}

func TestLoadMessagesTerminalSurfacesError(t *testing.T) {
	t.Parallel()

	net := &fakeNet{pagesErr: errTerminal}
	e, s := testEngine(t, net, Config{Archive: NewMemoryArchive()})

	if err := e.LoadMessages(context.Background(), "c1", nil); err == nil {
		t.Fatal("expected error")
	}
	if got := s.Messages("c1"); len(got) != 0 {
		t.Fatalf("messages = %d, want 0", len(got))
	}
}

func TestHandleFrameMessageNewNormalizesStatus(t *testing.T) {
	t.Parallel()

	e, s := testEngine(t, &fakeNet{}, Config{})

	env := envelopeFor(t, v1.TypeMessageNew, v1.MessageNewPayload{
		ConversationID: "c1",
		MessageID:      "m1",
		SenderID:       "bob",
		Content:        "hi",
		ContentType:    "text",
		CreatedAt:      time.Now().UTC(),
		Status:         "sending", // local-only state must not leak in
	})
	e.HandleFrame(env)

	got, _, ok := s.MessageByID("m1")
	if !ok {
		t.Fatal("message not inserted")
	}
	if got.Status != StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestHandleFrameIgnoresOwnTyping(t *testing.T) {
	t.Parallel()

	e, s := testEngine(t, &fakeNet{}, Config{})

	e.HandleFrame(envelopeFor(t, v1.TypeTyping, v1.TypingPayload{
		ConversationID: "c1", UserID: "alice", IsTyping: true,
	}))
	if _, ok := s.Typing("c1"); ok {
		t.Fatal("own typing echo must be ignored")
	}

	e.HandleFrame(envelopeFor(t, v1.TypeTyping, v1.TypingPayload{
		ConversationID: "c1", UserID: "bob", IsTyping: true,
	}))
	if uid, ok := s.Typing("c1"); !ok || uid != "bob" {
		t.Fatalf("Typing = %q,%v, want bob,true", uid, ok)
	}

	e.HandleFrame(envelopeFor(t, v1.TypeTyping, v1.TypingPayload{
		ConversationID: "c1", UserID: "bob", IsTyping: false,
	}))
	if _, ok := s.Typing("c1"); ok {
		t.Fatal("stop signal must clear the indicator")
	}
}

func TestHandleFrameDropsInvalidEnvelope(t *testing.T) {
	t.Parallel()

	e, s := testEngine(t, &fakeNet{}, Config{})

	e.HandleFrame(v1.Envelope{V: "v0", Type: v1.TypeMessageNew})
	e.HandleFrame(v1.Envelope{V: v1.Version, Type: "bogus"})

	if convs := s.Conversations(); len(convs) != 0 {
		t.Fatalf("store mutated by invalid frames: %+v", convs)
	}
}

func TestHandleFrameStatusReceipts(t *testing.T) {
	t.Parallel()

	e, s := testEngine(t, &fakeNet{}, Config{})
	_ = s.UpsertMessage(msgAt("m1", "c1", "alice", "hi", time.Now().UTC()), true)

	e.HandleFrame(envelopeFor(t, v1.TypeMessageStatus, v1.MessageStatusPayload{
		ConversationID: "c1", MessageID: "m1", Status: "delivered",
	}))
	got, _, _ := s.MessageByID("m1")
	if got.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", got.Status)
	}

	// Receipts for unknown messages are ignored quietly.
	e.HandleFrame(envelopeFor(t, v1.TypeMessageStatus, v1.MessageStatusPayload{
		ConversationID: "c1", MessageID: "missing", Status: "read",
	}))
}

func TestRunCatchesUpOncePerReconnect(t *testing.T) {
	t.Parallel()

	net := &fakeNet{convs: []Conversation{{ID: "c1", UpdatedAt: time.Now().UTC()}}}
	s := NewStore(testLogger(), "alice")
	t.Cleanup(s.Close)

	tr := newFakeTransport()
	e, err := NewEngine(testLogger(), s, net, tr, StaticIdentity("alice"), Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)

	// The startup load succeeds before the transport comes up.
	if err := e.LoadConversations(context.Background()); err != nil {
		t.Fatalf("initial LoadConversations: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// First connect: no preceding disconnect and the list is loaded, no catch-up.
	tr.states <- transport.StateConnected
	// A reconnect cycle: exactly one catch-up.
	tr.states <- transport.StateDisconnected
	tr.states <- transport.StateConnecting
	tr.states <- transport.StateConnected
	// A second connected without a disconnect in between: still one.
	tr.states <- transport.StateConnected

	waitFor(t, func() bool {
		_, convCalls, _, _ := net.counts()
		return convCalls >= 2
	})
	time.Sleep(50 * time.Millisecond)

	if _, convCalls, _, _ := net.counts(); convCalls != 2 {
		t.Fatalf("loads = %d, want the startup load plus exactly 1 catch-up", convCalls)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if convs := s.Conversations(); len(convs) != 1 || convs[0].ID != "c1" {
		t.Fatalf("conversations after catch-up = %+v", convs)
	}
}

func TestRunCatchesUpOnFirstConnectAfterFailedStartupLoad(t *testing.T) {
	t.Parallel()

	net := &fakeNet{
		convs:   []Conversation{{ID: "c1", UpdatedAt: time.Now().UTC()}},
		convErr: errRetryable,
	}
	s := NewStore(testLogger(), "alice")
	t.Cleanup(s.Close)

	tr := newFakeTransport()
	e, err := NewEngine(testLogger(), s, net, tr, StaticIdentity("alice"), Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)

	// Startup load races a down server and fails; the client starts empty.
	if err := e.LoadConversations(context.Background()); err == nil {
		t.Fatal("initial LoadConversations succeeded, want failure")
	}
	net.mu.Lock()
	net.convErr = nil
	net.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// No disconnect ever preceded this connect, but nothing is loaded yet:
	// the first connect must fill the client in.
	tr.states <- transport.StateConnected

	waitFor(t, func() bool {
		convs := s.Conversations()
		return len(convs) == 1 && convs[0].ID == "c1"
	})

	// Once primed, a repeat connected without a disconnect stays a no-op.
	tr.states <- transport.StateConnected
	time.Sleep(50 * time.Millisecond)
	if _, convCalls, _, _ := net.counts(); convCalls != 2 {
		t.Fatalf("loads = %d, want failed startup load plus one catch-up", convCalls)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestCreateConversation(t *testing.T) {
	t.Parallel()

	e, s := testEngine(t, &fakeNet{}, Config{})

	conv, err := e.CreateConversation(context.Background(), []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID != "conv-created" {
		t.Fatalf("conv = %+v", conv)
	}
	if _, ok := s.Conversation("conv-created"); !ok {
		t.Fatal("conversation not stored")
	}
}

func TestTryAcquireCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, &fakeNet{}, Config{})

	release, ok := e.tryAcquire("m1", "delete", "alice")
	if !ok {
		t.Fatal("first acquire refused")
	}
	if _, ok := e.tryAcquire("m1", "delete", "alice"); ok {
		t.Fatal("duplicate acquire succeeded while first in flight")
	}
	// A different operation on the same message is independent.
	release2, ok := e.tryAcquire("m1", "reaction_add", "alice")
	if !ok {
		t.Fatal("independent op refused")
	}
	release2()
	release()

	if _, ok := e.tryAcquire("m1", "delete", "alice"); !ok {
		t.Fatal("acquire after release refused")
	}
}

func envelopeFor(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		TS:      time.Now().UTC(),
		Payload: data,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
