package store

// UpsertReaction records an emoji reaction on a message (idempotent).
func (db *DB) UpsertReaction(r *Reaction) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO reactions (chat_id, msg_id, user_id, emoji)
		VALUES (?, ?, ?, ?)`,
		r.ChatID, r.MsgID, r.UserID, r.Emoji)
	return err
}

// DeleteReaction removes a reaction.
func (db *DB) DeleteReaction(r *Reaction) error {
	_, err := db.Exec(`
		DELETE FROM reactions WHERE msg_id = ? AND user_id = ? AND emoji = ?`,
		r.MsgID, r.UserID, r.Emoji)
	return err
}

// ListReactions returns the reactions on a message.
func (db *DB) ListReactions(msgID string) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT chat_id, msg_id, user_id, emoji FROM reactions
		WHERE msg_id = ? ORDER BY user_id, emoji`, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ChatID, &r.MsgID, &r.UserID, &r.Emoji); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
