package rest

import (
	"fmt"
	"net/http"

	"connex/cmd/internal/chat"
)

// Error is a classified request failure. Kind drives the sync engine's
// rollback/retry decision; Status and Code carry the server's verdict when
// one was received.
type Error struct {
	Kind    chat.ErrKind
	Status  int    // 0 when the request never reached the server
	Code    string // server error code, if any
	Message string
	cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Status > 0 && e.Code != "":
		return fmt.Sprintf("rest: %s (status %d, code %s)", e.Message, e.Status, e.Code)
	case e.Status > 0:
		return fmt.Sprintf("rest: %s (status %d)", e.Message, e.Status)
	default:
		return "rest: " + e.Message
	}
}

// ErrKind implements the classification contract consumed by chat.KindOf.
func (e *Error) ErrKind() chat.ErrKind { return e.Kind }

func (e *Error) Unwrap() error { return e.cause }

// classifyStatus maps an HTTP status to an error kind.
//
//	409                      -> conflict (stale precondition; server state wins)
//	408, 429, 5xx            -> retryable
//	remaining 4xx            -> terminal (the request itself is wrong)
func classifyStatus(status int) chat.ErrKind {
	switch {
	case status == http.StatusConflict:
		return chat.ErrKindConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return chat.ErrKindRetryable
	case status >= 500:
		return chat.ErrKindRetryable
	case status >= 400:
		return chat.ErrKindTerminal
	default:
		return chat.ErrKindRetryable
	}
}

// transportError wraps a failure that happened before any HTTP status was
// produced. Connectivity problems are always worth retrying.
func transportError(err error) *Error {
	return &Error{
		Kind:    chat.ErrKindRetryable,
		Message: err.Error(),
		cause:   err,
	}
}
