package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mcamargo/chatsync/internal/backend"
	"github.com/mcamargo/chatsync/internal/config"
	"github.com/mcamargo/chatsync/internal/store"
)

// envelope is the wire format for all push frames.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PushStream implements backend.PushChannel over a websocket. Each
// Connect dials a fresh socket; the returned channel closes when the
// socket dies, and the caller owns reconnecting.
type PushStream struct {
	wsURL  string
	userID string
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewPushStream creates a push stream from backend settings.
func NewPushStream(cfg config.Backend, logger *zap.Logger) *PushStream {
	wsURL := strings.Replace(cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws?token=" + cfg.Token
	return &PushStream{
		wsURL:  wsURL,
		userID: cfg.UserID,
		logger: logger,
	}
}

// Connect implements backend.PushChannel.
func (p *PushStream) Connect(ctx context.Context) (<-chan backend.Event, error) {
	conn, _, err := websocket.Dial(ctx, p.wsURL, nil)
	if err != nil {
		return nil, backend.Wrap(backend.ClassTransient, "push dial", err)
	}
	conn.SetReadLimit(1 << 20)

	p.mu.Lock()
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, "superseded")
	}
	p.conn = conn
	p.mu.Unlock()

	out := make(chan backend.Event, 64)
	go p.readLoop(ctx, conn, out)
	return out, nil
}

// Close implements backend.PushChannel.
func (p *PushStream) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client close")
}

func (p *PushStream) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- backend.Event) {
	defer close(out)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("push read failed", zap.Error(err))
			}
			return
		}
		evt, err := p.decode(data)
		if err != nil {
			// A bad frame never kills the stream.
			p.logger.Warn("dropping malformed push frame", zap.Error(err))
			continue
		}
		if evt == nil {
			continue
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return
		}
	}
}

// decode maps one envelope to a typed event. Unknown types return
// (nil, nil) and are skipped, so the server can add event types without
// breaking older clients.
func (p *PushStream) decode(data []byte) (backend.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "message.new":
		var wm wireMessage
		if err := json.Unmarshal(env.Payload, &wm); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if wm.MsgID == "" || wm.ChatID == "" || wm.Seq <= 0 {
			return nil, fmt.Errorf("%s: missing identity fields", env.Type)
		}
		return backend.NewMessage{Message: wm.toStore(p.userID)}, nil

	case "message.status":
		var body struct {
			ChatID string `json:"chat_id"`
			MsgID  string `json:"msg_id"`
			UserID string `json:"user_id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		rank := store.RankOf(body.Status)
		if rank == 0 {
			return nil, fmt.Errorf("%s: unknown status %q", env.Type, body.Status)
		}
		return backend.StatusReport{
			ChatID: body.ChatID,
			MsgID:  body.MsgID,
			UserID: body.UserID,
			Rank:   rank,
		}, nil

	case "chat.updated":
		var wc wireChat
		if err := json.Unmarshal(env.Payload, &wc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		sum := backend.ChatSummary{
			ID:        wc.ID,
			Kind:      wc.Kind,
			Name:      wc.Name,
			LastMsgID: wc.LastMsgID,
			UpdatedAt: wc.UpdatedAt,
		}
		for _, part := range wc.Participants {
			sum.Participants = append(sum.Participants, store.Participant{
				ChatID: wc.ID,
				UserID: part.UserID,
				Role:   part.Role,
			})
		}
		return backend.ChatUpdated{Chat: sum}, nil

	case "message.edited":
		var body struct {
			ChatID   string `json:"chat_id"`
			MsgID    string `json:"msg_id"`
			Body     string `json:"body"`
			EditedAt int64  `json:"edited_at"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return backend.MessageEdited{
			ChatID:   body.ChatID,
			MsgID:    body.MsgID,
			Body:     body.Body,
			EditedAt: body.EditedAt,
		}, nil

	case "message.deleted":
		var body struct {
			ChatID string `json:"chat_id"`
			MsgID  string `json:"msg_id"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return backend.MessageDeleted{ChatID: body.ChatID, MsgID: body.MsgID}, nil

	case "message.pinned":
		var body struct {
			ChatID string `json:"chat_id"`
			MsgID  string `json:"msg_id"`
			Pinned bool   `json:"pinned"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return backend.MessagePinned{ChatID: body.ChatID, MsgID: body.MsgID, Pinned: body.Pinned}, nil

	case "message.reaction":
		var body struct {
			ChatID  string `json:"chat_id"`
			MsgID   string `json:"msg_id"`
			UserID  string `json:"user_id"`
			Emoji   string `json:"emoji"`
			Removed bool   `json:"removed"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return backend.ReactionChanged{
			Reaction: store.Reaction{
				ChatID: body.ChatID,
				MsgID:  body.MsgID,
				UserID: body.UserID,
				Emoji:  body.Emoji,
			},
			Removed: body.Removed,
		}, nil

	case "typing.indicator":
		var body struct {
			ChatID string `json:"chat_id"`
			UserID string `json:"user_id"`
			Active bool   `json:"is_typing"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return backend.Typing{ChatID: body.ChatID, UserID: body.UserID, Active: body.Active}, nil

	case "presence.changed":
		var body struct {
			UserID string `json:"user_id"`
			Online bool   `json:"online"`
			LastAt int64  `json:"last_at"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return backend.Presence{UserID: body.UserID, Online: body.Online, LastAt: body.LastAt}, nil
	}

	return nil, nil
}
