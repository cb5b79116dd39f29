// Package rest is the HTTP client for the Connex request/response API. It
// implements chat.NetworkClient and translates HTTP failures into the error
// kinds the sync engine acts on.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"connex/cmd/internal/chat"
)

const (
	defaultTimeout = 15 * time.Second

	// Error bodies larger than this are truncated before decoding.
	maxErrorBody = 8 << 10
)

// Config carries the client knobs.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the Connex REST API. Safe for concurrent use.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *slog.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}

	return &Client{
		base:  base,
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log,
	}, nil
}

// ---- wire DTOs ----

type reactionDTO struct {
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	CreatedAt time.Time `json:"created_at"`
}

type messageDTO struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	ContentType    string        `json:"content_type"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         string        `json:"status"`
	Deleted        bool          `json:"deleted"`
	Reactions      []reactionDTO `json:"reactions,omitempty"`
}

type conversationDTO struct {
	ID           string      `json:"id"`
	Participants []string    `json:"participants"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	LastMessage  *messageDTO `json:"last_message,omitempty"`
	UnreadCount  int         `json:"unread_count"`
}

type errorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (d messageDTO) toModel() chat.Message {
	m := chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Type:           chat.MessageType(d.ContentType),
		CreatedAt:      d.CreatedAt,
		Status:         chat.Status(d.Status),
		Deleted:        d.Deleted,
	}
	for _, r := range d.Reactions {
		m.Reactions = append(m.Reactions, chat.Reaction{
			UserID:    r.UserID,
			Symbol:    r.Symbol,
			CreatedAt: r.CreatedAt,
		})
	}
	return m
}

func (d conversationDTO) toModel() chat.Conversation {
	c := chat.Conversation{
		ID:           d.ID,
		Participants: d.Participants,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		UnreadCount:  d.UnreadCount,
	}
	if d.LastMessage != nil {
		m := d.LastMessage.toModel()
		c.LastMessage = &m
	}
	return c
}

// ---- chat.NetworkClient ----

// Conversations fetches the conversation list.
func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []conversationDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	convs := make([]chat.Conversation, 0, len(out))
	for _, d := range out {
		convs = append(convs, d.toModel())
	}
	return convs, nil
}

// CreateConversation starts a conversation with the given participants.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string) (chat.Conversation, error) {
	body := struct {
		ParticipantIDs []string `json:"participant_ids"`
	}{ParticipantIDs: participantIDs}

	var out conversationDTO
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations", body, &out); err != nil {
		return chat.Conversation{}, err
	}
	return out.toModel(), nil
}

// Messages fetches a page of conversation history, newest page first when
// before is set.
func (c *Client) Messages(ctx context.Context, convID string, before *time.Time, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/conversations/" + url.PathEscape(convID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []messageDTO
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(out))
	for _, d := range out {
		msgs = append(msgs, d.toModel())
	}
	return msgs, nil
}

// SendMessage posts a new message and returns the server's confirmed record.
func (c *Client) SendMessage(ctx context.Context, convID string, in chat.SendRequest) (chat.Message, error) {
	body := struct {
		Content     string `json:"content"`
		ContentType string `json:"content_type"`
	}{Content: in.Content, ContentType: string(in.Type)}

	var out messageDTO
	path := "/api/v1/conversations/" + url.PathEscape(convID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return chat.Message{}, err
	}
	return out.toModel(), nil
}

// DeleteMessage tombstones a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, msgID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/messages/"+url.PathEscape(msgID), nil, nil)
}

// MarkRead advances the conversation's read watermark.
func (c *Client) MarkRead(ctx context.Context, convID string, watermark time.Time) error {
	body := struct {
		Watermark time.Time `json:"watermark"`
	}{Watermark: watermark.UTC()}
	return c.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(convID)+"/read", body, nil)
}

// Typing reports the local user's typing state.
func (c *Client) Typing(ctx context.Context, convID string, isTyping bool) error {
	body := struct {
		IsTyping bool `json:"is_typing"`
	}{IsTyping: isTyping}
	return c.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(convID)+"/typing", body, nil)
}

// AddReaction sets the local user's reaction on a message, replacing any
// previous one.
func (c *Client) AddReaction(ctx context.Context, msgID, symbol string) error {
	body := struct {
		Symbol string `json:"symbol"`
	}{Symbol: symbol}
	return c.do(ctx, http.MethodPut, "/api/v1/messages/"+url.PathEscape(msgID)+"/reactions", body, nil)
}

// RemoveReaction clears the local user's reaction on a message.
func (c *Client) RemoveReaction(ctx context.Context, msgID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/messages/"+url.PathEscape(msgID)+"/reactions", nil, nil)
}

// ---- request plumbing ----

// do executes one request. body and out may be nil; non-2xx responses come
// back as *Error with a Kind assigned by classifyStatus.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: chat.ErrKindTerminal, Message: "encode request: " + err.Error(), cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return &Error{Kind: chat.ErrKindTerminal, Message: "build request: " + err.Error(), cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("rest.request.fail", "method", method, "path", path, "err", err)
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(method, path, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A 2xx with an unreadable body is indistinguishable from a cut
		// connection; let the caller retry.
		return transportError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) decodeError(method, path string, resp *http.Response) error {
	e := &Error{
		Kind:    classifyStatus(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: http.StatusText(resp.StatusCode),
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(data) > 0 {
		var dto errorDTO
		if json.Unmarshal(data, &dto) == nil && dto.Message != "" {
			e.Code = dto.Code
			e.Message = dto.Message
		}
	}

	c.log.Debug("rest.request.rejected",
		"method", method, "path", path,
		"status", resp.StatusCode, "code", e.Code)
	return e
}
