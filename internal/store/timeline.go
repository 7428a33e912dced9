package store

import (
	"database/sql"
	"fmt"
	"time"
)

// strongerStatus keeps message status upgrades forward-only. A confirmed
// arrival always replaces pending/failed.
func strongerStatus(cur, incoming string) string {
	if statusRank[incoming] > statusRank[cur] {
		return incoming
	}
	if statusRank[cur] == 0 && statusRank[incoming] > 0 {
		return incoming
	}
	return cur
}

// AppendPending inserts an optimistic outgoing message at the tail of the
// chat's pending set. It never contacts the backend. replyTo may name an
// earlier message the send answers, or be empty.
func (db *DB) AppendPending(chatID, pendingID, nonce, senderID, body, replyTo string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, client_nonce, seq, sender_id, body, kind, reply_to, from_me, status, created_at)
		VALUES (?, ?, ?, NULL, ?, ?, 'text', ?, 1, 'pending', ?)`,
		chatID, pendingID, nonce, senderID, body, replyTo, now)
	return err
}

// MarkSendFailed transitions the pending entry matching the nonce to failed.
// The row stays visible so the UI can offer retry or dismissal.
func (db *DB) MarkSendFailed(nonce string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = 'failed'
		WHERE client_nonce = ? AND seq IS NULL`, nonce)
	return err
}

// MarkSendRetrying moves a failed entry back to pending ahead of a
// resend attempt.
func (db *DB) MarkSendRetrying(nonce string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = 'pending'
		WHERE client_nonce = ? AND seq IS NULL AND status = 'failed'`, nonce)
	return err
}

// Confirm merges a server-confirmed message into the timeline.
//
// Identity rule: the same entity iff the server msg_id matches an existing
// row, or a pending row carries the same client nonce. Either way the result
// is exactly one row holding the server identity, so calling Confirm twice
// with the same message is a no-op.
//
// If the sequence is not contiguous with the known confirmed boundary, the
// missing range is recorded as an explicit gap and returned so the caller
// can schedule a gap fill.
//
// The inserted flag reports whether a new confirmed row actually appeared.
// Replays report false, so callers can keep per-message side effects like
// unread accounting exactly-once under at-least-once push delivery.
func (db *DB) Confirm(m *Message) (gap *Gap, inserted bool, err error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prevMax, err := confirmedMax(tx, m.ChatID)
	if err != nil {
		return nil, false, err
	}

	inserted, err = upsertConfirmed(tx, m)
	if err != nil {
		return nil, false, err
	}

	if inserted && prevMax > 0 && m.Seq > prevMax+1 {
		g := Gap{ChatID: m.ChatID, Lo: prevMax + 1, Hi: m.Seq - 1}
		if err := insertGap(tx, g); err != nil {
			return nil, false, err
		}
		gap = &g
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return gap, inserted, nil
}

// IngestPage merges a fetched page of confirmed messages into the timeline,
// filling any gap the page's sequence range overlaps and recording a new
// explicit gap when the page is not adjacent to the known range.
// hasMoreBefore=false is recorded so repeated scroll-to-top does not
// re-fetch past the beginning of history.
func (db *DB) IngestPage(chatID string, msgs []*Message, hasMoreBefore bool) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prevMin, prevMax, err := confirmedRange(tx, chatID)
	if err != nil {
		return err
	}

	var lo, hi int64
	for _, m := range msgs {
		if m.Seq <= 0 {
			continue
		}
		if lo == 0 || m.Seq < lo {
			lo = m.Seq
		}
		if m.Seq > hi {
			hi = m.Seq
		}
		if _, err := upsertConfirmed(tx, m); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.MsgID, err)
		}
	}

	if lo > 0 {
		if err := subtractGaps(tx, chatID, lo, hi); err != nil {
			return err
		}
		if prevMax > 0 {
			if lo > prevMax+1 {
				if err := insertGap(tx, Gap{ChatID: chatID, Lo: prevMax + 1, Hi: lo - 1}); err != nil {
					return err
				}
			}
			if hi < prevMin-1 {
				if err := insertGap(tx, Gap{ChatID: chatID, Lo: hi + 1, Hi: prevMin - 1}); err != nil {
					return err
				}
			}
		}
	}

	if !hasMoreBefore {
		if _, err := tx.Exec(`UPDATE chats SET oldest_complete = 1 WHERE id = ?`, chatID); err != nil {
			return err
		}
		// Nothing exists before this page; drop any gap below it.
		if lo > 0 {
			if _, err := tx.Exec(`DELETE FROM gaps WHERE chat_id = ? AND hi_seq < ?`, chatID, lo); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListMessages returns the chat timeline ordered for display: confirmed
// messages by sequence ascending, then (only for the latest window) the
// pending and failed set ordered by local submission time. beforeSeq > 0
// requests the page of confirmed messages strictly before that sequence.
func (db *DB) ListMessages(chatID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if beforeSeq > 0 {
		rows, err = db.Query(msgColumns+`
			FROM messages WHERE chat_id = ? AND seq IS NOT NULL AND seq < ?
			ORDER BY seq DESC LIMIT ?`, chatID, beforeSeq, limit)
	} else {
		rows, err = db.Query(msgColumns+`
			FROM messages WHERE chat_id = ? AND seq IS NOT NULL
			ORDER BY seq DESC LIMIT ?`, chatID, limit)
	}
	if err != nil {
		return nil, err
	}
	confirmed, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into ascending order.
	for i, j := 0, len(confirmed)-1; i < j; i, j = i+1, j-1 {
		confirmed[i], confirmed[j] = confirmed[j], confirmed[i]
	}

	if beforeSeq > 0 {
		return confirmed, nil
	}

	rows, err = db.Query(msgColumns+`
		FROM messages WHERE chat_id = ? AND seq IS NULL
		ORDER BY created_at ASC, id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	pending, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return append(confirmed, pending...), nil
}

// Gaps returns the known-missing sequence ranges for a chat, lowest first.
func (db *DB) Gaps(chatID string) ([]Gap, error) {
	rows, err := db.Query(`SELECT chat_id, lo_seq, hi_seq FROM gaps WHERE chat_id = ? ORDER BY lo_seq ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		if err := rows.Scan(&g.ChatID, &g.Lo, &g.Hi); err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// ContiguousSeq returns the highest confirmed sequence with no gap at or
// below it: the resync cursor. Zero means no confirmed history yet.
func (db *DB) ContiguousSeq(chatID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM messages WHERE chat_id = ? AND seq IS NOT NULL`, chatID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	var minGap sql.NullInt64
	if err := db.QueryRow(`SELECT MIN(lo_seq) FROM gaps WHERE chat_id = ?`, chatID).Scan(&minGap); err != nil {
		return 0, err
	}
	if minGap.Valid && minGap.Int64-1 < maxSeq.Int64 {
		return minGap.Int64 - 1, nil
	}
	return maxSeq.Int64, nil
}

// OldestConfirmed returns the lowest confirmed sequence held locally.
func (db *DB) OldestConfirmed(chatID string) (int64, error) {
	var minSeq sql.NullInt64
	if err := db.QueryRow(`SELECT MIN(seq) FROM messages WHERE chat_id = ? AND seq IS NOT NULL`, chatID).Scan(&minSeq); err != nil {
		return 0, err
	}
	if !minSeq.Valid {
		return 0, nil
	}
	return minSeq.Int64, nil
}

// GetMessage returns a message by its server (or pending) id.
func (db *DB) GetMessage(chatID, msgID string) (*Message, error) {
	row := db.QueryRow(msgColumns+` FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	var m Message
	if err := scanMessage(row, &m); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessageByNonce returns the message carrying the given client nonce.
func (db *DB) MessageByNonce(nonce string) (*Message, error) {
	row := db.QueryRow(msgColumns+` FROM messages WHERE client_nonce = ?`, nonce)
	var m Message
	if err := scanMessage(row, &m); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &m, nil
}

// LastConfirmed returns the newest confirmed message in a chat, or nil.
// Failed and pending entries never count as the chat's last message.
func (db *DB) LastConfirmed(chatID string) (*Message, error) {
	row := db.QueryRow(msgColumns+`
		FROM messages WHERE chat_id = ? AND seq IS NOT NULL
		ORDER BY seq DESC LIMIT 1`, chatID)
	var m Message
	if err := scanMessage(row, &m); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &m, nil
}

// SetEdited applies a server-side edit to a confirmed message.
func (db *DB) SetEdited(chatID, msgID, body string, editedAt int64) error {
	_, err := db.Exec(`UPDATE messages SET body = ?, edited_at = ? WHERE chat_id = ? AND msg_id = ?`,
		body, editedAt, chatID, msgID)
	return err
}

// MarkDeleted tombstones a message. The row keeps its timeline position;
// the body is cleared so the content is gone locally too.
func (db *DB) MarkDeleted(chatID, msgID string) error {
	_, err := db.Exec(`UPDATE messages SET deleted = 1, body = '' WHERE chat_id = ? AND msg_id = ?`,
		chatID, msgID)
	return err
}

// ResetTimeline drops a chat's confirmed history, its gaps and its resync
// cursor, so the next load starts from a clean slate. Pending and failed
// local sends survive. This is the recovery path for a sequence view the
// incremental merge cannot reconcile.
func (db *DB) ResetTimeline(chatID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND seq IS NOT NULL`, chatID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM gaps WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sync_state WHERE key = ?`, "cursor:"+chatID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE chats SET last_msg_id = '', oldest_complete = 0 WHERE id = ?`, chatID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetMessagePinned flips the pinned flag on a message.
func (db *DB) SetMessagePinned(chatID, msgID string, pinned bool) error {
	_, err := db.Exec(`UPDATE messages SET pinned = ? WHERE chat_id = ? AND msg_id = ?`,
		pinned, chatID, msgID)
	return err
}

// UpgradeMessageStatus moves a confirmed message's status forward. Downgrades
// are ignored, not errors.
func (db *DB) UpgradeMessageStatus(chatID, msgID, status string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRow(`SELECT status FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).Scan(&cur)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return err
	}
	next := strongerStatus(cur, status)
	if next != cur {
		if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE chat_id = ? AND msg_id = ?`, next, chatID, msgID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const msgColumns = `SELECT id, chat_id, msg_id, client_nonce, COALESCE(seq, 0), sender_id, body, kind, reply_to, from_me, status, pinned, deleted, created_at, edited_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, m *Message) error {
	return row.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.ClientNonce, &m.Seq, &m.SenderID,
		&m.Body, &m.Kind, &m.ReplyTo, &m.FromMe, &m.Status, &m.Pinned, &m.Deleted, &m.CreatedAt, &m.EditedAt)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// upsertConfirmed writes a server-confirmed message inside tx. Reports
// whether a new confirmed sequence appeared in the timeline; replays of an
// already-confirmed message report false.
func upsertConfirmed(tx *sql.Tx, m *Message) (bool, error) {
	status := m.Status
	if statusRank[status] == 0 {
		status = StatusSent
	}

	var cur string
	err := tx.QueryRow(`SELECT status FROM messages WHERE chat_id = ? AND msg_id = ?`, m.ChatID, m.MsgID).Scan(&cur)
	switch {
	case err == sql.ErrNoRows:
		if m.ClientNonce != "" {
			// The optimistic copy adopts the server identity.
			res, err := tx.Exec(`
				UPDATE messages SET msg_id = ?, seq = ?, sender_id = ?, body = ?, kind = ?, status = ?, created_at = ?, edited_at = ?
				WHERE client_nonce = ? AND seq IS NULL`,
				m.MsgID, m.Seq, m.SenderID, m.Body, m.Kind, status, m.CreatedAt, m.EditedAt, m.ClientNonce)
			// reply_to stays whatever the optimistic copy carried.
			if err != nil {
				return false, err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				return true, nil
			}
		}
		_, err := tx.Exec(`
			INSERT INTO messages (chat_id, msg_id, client_nonce, seq, sender_id, body, kind, reply_to, from_me, status, pinned, deleted, created_at, edited_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ChatID, m.MsgID, m.ClientNonce, m.Seq, m.SenderID, m.Body, m.Kind, m.ReplyTo, m.FromMe, status, m.Pinned, m.Deleted, m.CreatedAt, m.EditedAt)
		if err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	default:
		// Already confirmed: refresh volatile fields, keep status forward-only.
		next := strongerStatus(cur, status)
		if _, err := tx.Exec(`
			UPDATE messages SET body = ?, edited_at = ?, status = ? WHERE chat_id = ? AND msg_id = ?`,
			m.Body, m.EditedAt, next, m.ChatID, m.MsgID); err != nil {
			return false, err
		}
		if m.ClientNonce != "" {
			// Push beat the send response; drop the leftover optimistic copy.
			if _, err := tx.Exec(`DELETE FROM messages WHERE client_nonce = ? AND seq IS NULL`, m.ClientNonce); err != nil {
				return false, err
			}
		}
		return false, nil
	}
}

func confirmedMax(tx *sql.Tx, chatID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE chat_id = ? AND seq IS NOT NULL`, chatID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64, nil
}

func confirmedRange(tx *sql.Tx, chatID string) (int64, int64, error) {
	var minSeq, maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MIN(seq), MAX(seq) FROM messages WHERE chat_id = ? AND seq IS NOT NULL`, chatID).Scan(&minSeq, &maxSeq); err != nil {
		return 0, 0, err
	}
	if !maxSeq.Valid {
		return 0, 0, nil
	}
	return minSeq.Int64, maxSeq.Int64, nil
}

func insertGap(tx *sql.Tx, g Gap) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO gaps (chat_id, lo_seq, hi_seq) VALUES (?, ?, ?)`, g.ChatID, g.Lo, g.Hi)
	return err
}

// subtractGaps removes [lo, hi] coverage from every recorded gap, splitting
// gaps the range only partially covers.
func subtractGaps(tx *sql.Tx, chatID string, lo, hi int64) error {
	rows, err := tx.Query(`SELECT lo_seq, hi_seq FROM gaps WHERE chat_id = ? AND lo_seq <= ? AND hi_seq >= ?`, chatID, hi, lo)
	if err != nil {
		return err
	}
	var overlapping []Gap
	for rows.Next() {
		var g Gap
		g.ChatID = chatID
		if err := rows.Scan(&g.Lo, &g.Hi); err != nil {
			_ = rows.Close()
			return err
		}
		overlapping = append(overlapping, g)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, g := range overlapping {
		if _, err := tx.Exec(`DELETE FROM gaps WHERE chat_id = ? AND lo_seq = ?`, chatID, g.Lo); err != nil {
			return err
		}
		if g.Lo < lo {
			if err := insertGap(tx, Gap{ChatID: chatID, Lo: g.Lo, Hi: lo - 1}); err != nil {
				return err
			}
		}
		if g.Hi > hi {
			if err := insertGap(tx, Gap{ChatID: chatID, Lo: hi + 1, Hi: g.Hi}); err != nil {
				return err
			}
		}
	}
	return nil
}
