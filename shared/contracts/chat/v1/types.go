// Package v1 defines the Connex Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the sync engine and tooling to keep the wire protocol
// authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at connect time.
const Subprotocol = "connex.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageNew carries a message accepted by the server
	// (server -> conversation members).
	TypeMessageNew = "message_new"
	// TypeMessageStatus carries a delivery or read receipt (server -> client).
	TypeMessageStatus = "message_status"
	// TypeMessageDeleted tombstones a message (server -> client).
	TypeMessageDeleted = "message_deleted"

	// TypeReactionSet sets a user's active reaction on a message (server -> client).
	TypeReactionSet = "reaction_set"
	// TypeReactionCleared clears a user's reaction from a message (server -> client).
	TypeReactionCleared = "reaction_cleared"

	// TypeTyping signals typing activity in a conversation (both directions).
	TypeTyping = "typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// KnownType reports whether t is a frame type defined by this protocol
// version.
func KnownType(t string) bool {
	switch t {
	case TypeHello,
		TypeHelloAck,
		TypeMessageNew,
		TypeMessageStatus,
		TypeMessageDeleted,
		TypeReactionSet,
		TypeReactionCleared,
		TypeTyping,
		TypeError:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
// The token is the bearer credential issued out-of-band.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload confirms the session and returns its server-side id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// MessageNewPayload is a full message as accepted by the server.
type MessageNewPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ContentType    string    `json:"content_type"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status,omitempty"`
}

// MessageStatusPayload is a delivery/read receipt for one message.
type MessageStatusPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Status         string `json:"status"`
}

// MessageDeletedPayload tombstones a message.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ReactionSetPayload sets a user's single active reaction on a message.
type ReactionSetPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	Symbol         string    `json:"symbol"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReactionClearedPayload clears a user's reaction from a message.
type ReactionClearedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
}

// TypingPayload signals typing state for a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
