package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Checkpoint retrieves a sync checkpoint value. Missing keys return "".
func (db *DB) Checkpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetCheckpoint stores a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Cursor returns the persisted resync cursor for a chat: the last known
// contiguous confirmed sequence.
func (db *DB) Cursor(chatID string) (int64, error) {
	v, err := db.Checkpoint("cursor:" + chatID)
	if err != nil || v == "" {
		return 0, err
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor for chat %s: %w", chatID, err)
	}
	return seq, nil
}

// SetCursor persists the resync cursor for a chat.
func (db *DB) SetCursor(chatID string, seq int64) error {
	return db.SetCheckpoint("cursor:"+chatID, strconv.FormatInt(seq, 10))
}
