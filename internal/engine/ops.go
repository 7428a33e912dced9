package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mcamargo/chatsync/internal/store"
)

// Read-side accessors and the smaller user actions. Everything here
// works against local state first; server calls happen after the local
// write where the operation has one, never before.

// Chats returns the chat directory ordered by recent activity.
func (e *Engine) Chats(limit, offset int) ([]store.Chat, error) {
	return e.db.ListChats(limit, offset)
}

// Messages returns a window of a chat's timeline. A zero beforeSeq
// means the newest page, with any pending and failed sends appended.
func (e *Engine) Messages(chatID string, beforeSeq int64, limit int) ([]store.Message, error) {
	return e.db.ListMessages(chatID, beforeSeq, limit)
}

// Search runs a full-text query over message bodies.
func (e *Engine) Search(query, chatID string, limit int) ([]store.SearchResult, error) {
	return e.db.SearchMessages(query, chatID, limit)
}

// Reactions returns the reactions on a message.
func (e *Engine) Reactions(msgID string) ([]store.Reaction, error) {
	return e.db.ListReactions(msgID)
}

// DeliverySummary returns the aggregate delivery rank of an own message
// across the chat's other participants.
func (e *Engine) DeliverySummary(chatID, msgID string) (store.DeliveryRank, error) {
	members, err := e.db.ListParticipants(chatID)
	if err != nil {
		return 0, err
	}
	var others []string
	for _, p := range members {
		if p.UserID != e.userID {
			others = append(others, p.UserID)
		}
	}
	return e.db.AggregateDelivery(msgID, others)
}

// EditMessage replaces the body of an own confirmed message, locally
// and on the server.
func (e *Engine) EditMessage(ctx context.Context, chatID, msgID, body string) error {
	m, err := e.db.GetMessage(chatID, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("edit: message %s not found in chat %s", msgID, chatID)
	}
	if !m.FromMe {
		return fmt.Errorf("edit: message %s is not ours", msgID)
	}
	if err := e.client.EditMessage(ctx, chatID, msgID, body); err != nil {
		return err
	}
	if err := e.db.SetEdited(chatID, msgID, body, time.Now().UnixMilli()); err != nil {
		return err
	}
	e.publish("message.edited", map[string]string{"chat_id": chatID, "msg_id": msgID})
	return nil
}

// DeleteMessage removes an own message on the server and tombstones it
// locally. The row keeps its timeline position.
func (e *Engine) DeleteMessage(ctx context.Context, chatID, msgID string) error {
	m, err := e.db.GetMessage(chatID, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("delete: message %s not found in chat %s", msgID, chatID)
	}
	if !m.FromMe {
		return fmt.Errorf("delete: message %s is not ours", msgID)
	}
	if err := e.client.DeleteMessage(ctx, chatID, msgID); err != nil {
		return err
	}
	if err := e.db.MarkDeleted(chatID, msgID); err != nil {
		return err
	}
	e.publish("message.deleted", map[string]string{"chat_id": chatID, "msg_id": msgID})
	return nil
}

// PinMessage pins or unpins a message.
func (e *Engine) PinMessage(ctx context.Context, chatID, msgID string, pinned bool) error {
	if err := e.client.SetPinned(ctx, chatID, msgID, pinned); err != nil {
		return err
	}
	if err := e.db.SetMessagePinned(chatID, msgID, pinned); err != nil {
		return err
	}
	e.publish("message.pinned", map[string]string{"chat_id": chatID, "msg_id": msgID})
	return nil
}

// PinChat pins or unpins a chat in the directory. Purely local.
func (e *Engine) PinChat(chatID string, pinned bool) error {
	if err := e.db.SetChatPinned(chatID, pinned); err != nil {
		return err
	}
	e.publish("chat.upserted", map[string]string{"chat_id": chatID})
	return nil
}

// React adds or removes the local user's reaction on a message.
func (e *Engine) React(ctx context.Context, chatID, msgID, emoji string, remove bool) error {
	if err := e.client.React(ctx, chatID, msgID, emoji, remove); err != nil {
		return err
	}
	r := &store.Reaction{ChatID: chatID, MsgID: msgID, UserID: e.userID, Emoji: emoji}
	var err error
	if remove {
		err = e.db.DeleteReaction(r)
	} else {
		err = e.db.UpsertReaction(r)
	}
	if err != nil {
		return err
	}
	e.publish("message.reaction", map[string]string{"chat_id": chatID, "msg_id": msgID})
	return nil
}
