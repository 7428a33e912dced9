package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertSummary merges incoming chat metadata. Stale overwrites are
// discarded: only a newer updated_at replaces the summary fields. Unread
// count and last message are owned locally and never come from summaries.
func (db *DB) UpsertSummary(c *Chat) error {
	_, err := db.Exec(`
		INSERT INTO chats (id, kind, name, pinned, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			pinned = excluded.pinned,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at > chats.updated_at`,
		c.ID, c.Kind, c.Name, c.Pinned, c.UpdatedAt)
	return err
}

// EnsureChat creates a minimal chat row if none exists, so message ingest
// can always attach to a chat.
func (db *DB) EnsureChat(chatID, kind string) error {
	if kind == "" {
		kind = ChatPrivate
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO chats (id, kind, updated_at) VALUES (?, ?, ?)`,
		chatID, kind, time.Now().UnixMilli())
	return err
}

// BumpLastMessage updates the chat's last message back-reference and
// activity timestamp, incrementing the unread counter when asked. The
// back-reference only moves forward: a message older than the current
// last (by seq) leaves it untouched, so out-of-order arrivals cannot
// regress the directory row.
func (db *DB) BumpLastMessage(chatID, msgID string, seq, at int64, incrUnread bool) error {
	incr := 0
	if incrUnread {
		incr = 1
	}
	_, err := db.Exec(`
		UPDATE chats SET
			last_msg_id = CASE WHEN ? >= COALESCE(
					(SELECT seq FROM messages WHERE chat_id = chats.id AND msg_id = chats.last_msg_id), 0)
				THEN ? ELSE last_msg_id END,
			unread_count = unread_count + ?,
			updated_at = MAX(updated_at, ?)
		WHERE id = ?`,
		seq, msgID, incr, at, chatID)
	return err
}

// ZeroUnread resets the unread counter for a chat.
func (db *DB) ZeroUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0 WHERE id = ?`, chatID)
	return err
}

// ListChats returns chat summaries ordered by activity, newest first.
// Ties are broken by id so listings are deterministic.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, name, last_msg_id, unread_count, pinned, oldest_complete, updated_at
		FROM chats
		ORDER BY updated_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.LastMsgID, &c.UnreadCount, &c.Pinned, &c.OldestComplete, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil if unknown.
func (db *DB) GetChat(chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, kind, name, last_msg_id, unread_count, pinned, oldest_complete, updated_at
		FROM chats WHERE id = ?`, chatID).
		Scan(&c.ID, &c.Kind, &c.Name, &c.LastMsgID, &c.UnreadCount, &c.Pinned, &c.OldestComplete, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetChatPinned flips the pinned flag on a chat.
func (db *DB) SetChatPinned(chatID string, pinned bool) error {
	_, err := db.Exec(`UPDATE chats SET pinned = ? WHERE id = ?`, pinned, chatID)
	return err
}

// ReplaceParticipants swaps the member set of a chat in one transaction.
func (db *DB) ReplaceParticipants(chatID string, members []Participant) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM participants WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	for _, p := range members {
		role := p.Role
		if role == "" {
			role = "member"
		}
		if _, err := tx.Exec(`INSERT INTO participants (chat_id, user_id, role) VALUES (?, ?, ?)`,
			chatID, p.UserID, role); err != nil {
			return fmt.Errorf("insert participant %q: %w", p.UserID, err)
		}
	}
	return tx.Commit()
}

// ListParticipants returns the members of a chat.
func (db *DB) ListParticipants(chatID string) ([]Participant, error) {
	rows, err := db.Query(`SELECT chat_id, user_id, role FROM participants WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.Role); err != nil {
			return nil, err
		}
		members = append(members, p)
	}
	return members, rows.Err()
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
