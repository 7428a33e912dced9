package store

import (
	"fmt"
	"time"
)

// RecordDelivery applies a per-participant delivery status. Only strictly
// forward transitions are written (sent < delivered < read); downgrades and
// replays are silently ignored.
func (db *DB) RecordDelivery(msgID, userID string, rank DeliveryRank) error {
	if rank <= 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO delivery (msg_id, user_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(msg_id, user_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
		WHERE excluded.status > delivery.status`,
		msgID, userID, int(rank), now)
	return err
}

// DeliveryFor returns the recorded per-participant statuses for a message.
func (db *DB) DeliveryFor(msgID string) (map[string]DeliveryRank, error) {
	rows, err := db.Query(`SELECT user_id, status FROM delivery WHERE msg_id = ?`, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]DeliveryRank)
	for rows.Next() {
		var user string
		var rank int
		if err := rows.Scan(&user, &rank); err != nil {
			return nil, err
		}
		out[user] = DeliveryRank(rank)
	}
	return out, rows.Err()
}

// MarkReadLocally upgrades every confirmed message in the chat with
// sequence <= upToSeq to read for the given user, in one transaction.
// The single batched backend call is the engine's responsibility.
func (db *DB) MarkReadLocally(chatID, userID string, upToSeq int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO delivery (msg_id, user_id, status, updated_at)
		SELECT msg_id, ?, ?, ? FROM messages
		WHERE chat_id = ? AND seq IS NOT NULL AND seq <= ?
		ON CONFLICT(msg_id, user_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
		WHERE excluded.status > delivery.status`,
		userID, int(RankRead), now, chatID, upToSeq); err != nil {
		return err
	}

	// Incoming messages are displayed as read from here on.
	if _, err := tx.Exec(`
		UPDATE messages SET status = 'read'
		WHERE chat_id = ? AND seq IS NOT NULL AND seq <= ? AND from_me = 0 AND status IN ('sent', 'delivered')`,
		chatID, upToSeq); err != nil {
		return err
	}

	return tx.Commit()
}

// AggregateDelivery derives the chat-level indicator for a message: the
// minimum delivery status across the given participants. Participants with
// no recorded status count as sent. Never stored, always recomputed.
func (db *DB) AggregateDelivery(msgID string, participants []string) (DeliveryRank, error) {
	if len(participants) == 0 {
		return RankSent, nil
	}
	recorded, err := db.DeliveryFor(msgID)
	if err != nil {
		return 0, err
	}
	min := RankRead
	for _, user := range participants {
		rank, ok := recorded[user]
		if !ok || rank < RankSent {
			rank = RankSent
		}
		if rank < min {
			min = rank
		}
	}
	return min, nil
}
