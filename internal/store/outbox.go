package store

import "time"

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(nonce, chatID, body, replyTo string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_nonce, chat_id, body, reply_to, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		nonce, chatID, body, replyTo, now, now)
	return err
}

// MarkOutboxSending moves an entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(nonce string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE client_nonce = ?`, now, nonce)
	return err
}

// MarkOutboxSent records the server message id for a delivered entry.
func (db *DB) MarkOutboxSent(nonce, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ?
		WHERE client_nonce = ?`, serverMsgID, now, nonce)
	return err
}

// MarkOutboxFailed records a terminal send failure.
func (db *DB) MarkOutboxFailed(nonce, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE client_nonce = ?`, errMsg, now, nonce)
	return err
}

// ReturnOutboxToQueue puts a sending entry back in the queue after a
// transient failure. The attempt count is kept so retries stay bounded.
func (db *DB) ReturnOutboxToQueue(nonce, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', error_message = ?, updated_at = ?
		WHERE client_nonce = ? AND status = 'sending'`, errMsg, now, nonce)
	return err
}

// RequeueOutbox puts a failed entry back in the queue: the retry affordance
// for a failed send. Attempt count restarts.
func (db *DB) RequeueOutbox(nonce string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = 0, error_message = '', updated_at = ?
		WHERE client_nonce = ? AND status = 'failed'`, now, nonce)
	return err
}

// PendingOutbox returns queued entries in submission order, which keeps
// retries fair across chats.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_nonce, chat_id, body, reply_to, status, attempts, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientNonce, &e.ChatID, &e.Body, &e.ReplyTo, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
