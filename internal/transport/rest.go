// Package transport implements the backend contract over HTTP and
// websocket against the chat server's API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mcamargo/chatsync/internal/backend"
	"github.com/mcamargo/chatsync/internal/config"
	"github.com/mcamargo/chatsync/internal/store"
)

// RestClient implements backend.Client against the server's JSON API.
type RestClient struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
}

// NewRestClient creates a REST client from backend settings.
func NewRestClient(cfg config.Backend) *RestClient {
	return &RestClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		userID:  cfg.UserID,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// wireMessage is the server's JSON representation of a message.
type wireMessage struct {
	MsgID       string `json:"msg_id"`
	ChatID      string `json:"chat_id"`
	ClientNonce string `json:"client_nonce,omitempty"`
	Seq         int64  `json:"seq"`
	SenderID    string `json:"sender_id"`
	Body        string `json:"body"`
	Kind        string `json:"kind"`
	ReplyTo     string `json:"reply_to,omitempty"`
	Status      string `json:"status"`
	Pinned      bool   `json:"pinned"`
	Deleted     bool   `json:"deleted,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	EditedAt    int64  `json:"edited_at,omitempty"`
}

type wireChat struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Name         string            `json:"name"`
	LastMsgID    string            `json:"last_msg_id"`
	Participants []wireParticipant `json:"participants"`
	UpdatedAt    int64             `json:"updated_at"`
}

type wireParticipant struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (m *wireMessage) toStore(localUser string) *store.Message {
	status := m.Status
	if status == "" {
		status = store.StatusSent
	}
	kind := m.Kind
	if kind == "" {
		kind = "text"
	}
	return &store.Message{
		ChatID:      m.ChatID,
		MsgID:       m.MsgID,
		ClientNonce: m.ClientNonce,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		Body:        m.Body,
		Kind:        kind,
		ReplyTo:     m.ReplyTo,
		FromMe:      m.SenderID == localUser,
		Status:      status,
		Pinned:      m.Pinned,
		Deleted:     m.Deleted,
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
	}
}

// ListChats implements backend.Client.
func (c *RestClient) ListChats(ctx context.Context) ([]backend.ChatSummary, error) {
	var chats []wireChat
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &chats); err != nil {
		return nil, err
	}
	out := make([]backend.ChatSummary, 0, len(chats))
	for _, ch := range chats {
		sum := backend.ChatSummary{
			ID:        ch.ID,
			Kind:      ch.Kind,
			Name:      ch.Name,
			LastMsgID: ch.LastMsgID,
			UpdatedAt: ch.UpdatedAt,
		}
		for _, p := range ch.Participants {
			sum.Participants = append(sum.Participants, store.Participant{
				ChatID: ch.ID,
				UserID: p.UserID,
				Role:   p.Role,
			})
		}
		out = append(out, sum)
	}
	return out, nil
}

// FetchPage implements backend.Client.
func (c *RestClient) FetchPage(ctx context.Context, chatID string, q backend.PageQuery) (backend.Page, error) {
	vals := url.Values{}
	if q.Before > 0 {
		vals.Set("before", strconv.FormatInt(q.Before, 10))
	}
	if q.After > 0 {
		vals.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/messages/" + url.PathEscape(chatID)
	if len(vals) > 0 {
		path += "?" + vals.Encode()
	}

	var resp struct {
		Messages []wireMessage `json:"messages"`
		HasMore  bool          `json:"has_more"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return backend.Page{}, err
	}
	page := backend.Page{HasMore: resp.HasMore}
	for i := range resp.Messages {
		page.Messages = append(page.Messages, resp.Messages[i].toStore(c.userID))
	}
	return page, nil
}

// SendMessage implements backend.Client. The nonce makes the call
// idempotent server-side.
func (c *RestClient) SendMessage(ctx context.Context, chatID, body, clientNonce, replyTo string) (*store.Message, error) {
	req := map[string]string{
		"chat_id":      chatID,
		"body":         body,
		"client_nonce": clientNonce,
	}
	if replyTo != "" {
		req["reply_to"] = replyTo
	}
	var resp wireMessage
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &resp); err != nil {
		return nil, err
	}
	msg := resp.toStore(c.userID)
	msg.FromMe = true
	if msg.ClientNonce == "" {
		msg.ClientNonce = clientNonce
	}
	return msg, nil
}

// MarkRead implements backend.Client.
func (c *RestClient) MarkRead(ctx context.Context, chatID string, upToSeq int64) error {
	req := map[string]int64{"up_to_seq": upToSeq}
	return c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/read", req, nil)
}

// EditMessage implements backend.Client.
func (c *RestClient) EditMessage(ctx context.Context, chatID, msgID, body string) error {
	req := map[string]string{"body": body}
	return c.do(ctx, http.MethodPut, c.msgPath(chatID, msgID), req, nil)
}

// DeleteMessage implements backend.Client.
func (c *RestClient) DeleteMessage(ctx context.Context, chatID, msgID string) error {
	return c.do(ctx, http.MethodDelete, c.msgPath(chatID, msgID), nil, nil)
}

// SetPinned implements backend.Client.
func (c *RestClient) SetPinned(ctx context.Context, chatID, msgID string, pinned bool) error {
	method := http.MethodPost
	if !pinned {
		method = http.MethodDelete
	}
	return c.do(ctx, method, c.msgPath(chatID, msgID)+"/pin", nil, nil)
}

// React implements backend.Client.
func (c *RestClient) React(ctx context.Context, chatID, msgID, emoji string, remove bool) error {
	if remove {
		return c.do(ctx, http.MethodDelete, c.msgPath(chatID, msgID)+"/reactions/"+url.PathEscape(emoji), nil, nil)
	}
	req := map[string]string{"emoji": emoji}
	return c.do(ctx, http.MethodPost, c.msgPath(chatID, msgID)+"/reactions", req, nil)
}

func (c *RestClient) msgPath(chatID, msgID string) string {
	return "/api/messages/" + url.PathEscape(chatID) + "/" + url.PathEscape(msgID)
}

// do runs one request and decodes the JSON response into out. Failures
// are classified for the engine's retry logic: transport errors and 5xx
// are transient, 409 is a conflict, other 4xx are rejections and decode
// failures are malformed.
func (c *RestClient) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return backend.Wrap(backend.ClassMalformed, op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return backend.Wrap(backend.ClassRejected, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return backend.Wrap(backend.ClassTransient, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return backend.Wrap(backend.ClassTransient, op, httpError(resp))
	case resp.StatusCode == http.StatusConflict:
		return backend.Wrap(backend.ClassConflict, op, httpError(resp))
	case resp.StatusCode == http.StatusUnauthorized:
		return backend.Wrap(backend.ClassRejected, op, backend.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return backend.Wrap(backend.ClassRejected, op, backend.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return backend.Wrap(backend.ClassTransient, op, backend.ErrRateLimited)
	case resp.StatusCode >= 400:
		return backend.Wrap(backend.ClassRejected, op, httpError(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backend.Wrap(backend.ClassMalformed, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func httpError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(msg) == 0 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
