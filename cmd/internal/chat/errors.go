package chat

import "errors"

// Sentinel errors surfaced to engine callers.
var (
	// ErrNotAuthenticated is returned when no local user identity is
	// available for an operation that requires one.
	ErrNotAuthenticated = errors.New("chat: not authenticated")

	// ErrUnknownConversation is returned when an operation references a
	// conversation the store has never seen.
	ErrUnknownConversation = errors.New("chat: unknown conversation")

	// ErrUnknownMessage is returned when an operation references a message
	// the store has never seen.
	ErrUnknownMessage = errors.New("chat: unknown message")

	// ErrEmptyContent is returned by SendMessage for blank content.
	ErrEmptyContent = errors.New("chat: empty content")

	// ErrStoreClosed is returned by mutations after Close.
	ErrStoreClosed = errors.New("chat: store closed")
)

// ErrKind classifies network collaborator failures. The engine decides from
// the kind whether optimistic state is kept (retryable) or rolled back
// (terminal), and whether a stale-precondition rejection counts as success
// (conflict).
type ErrKind int

// Failure kinds.
const (
	// ErrKindRetryable covers timeouts, 5xx and connectivity loss.
	ErrKindRetryable ErrKind = iota
	// ErrKindTerminal covers validation and auth failures (4xx).
	ErrKindTerminal
	// ErrKindConflict covers stale-precondition rejections that are treated
	// as success via idempotence (e.g. deleting an already-deleted message).
	ErrKindConflict
)

// kinder is implemented by classified network errors.
type kinder interface {
	ErrKind() ErrKind
}

// KindOf classifies err. Unclassified errors default to retryable so a
// transient blip never rolls back optimistic state.
func KindOf(err error) ErrKind {
	var k kinder
	if errors.As(err, &k) {
		return k.ErrKind()
	}
	return ErrKindRetryable
}
