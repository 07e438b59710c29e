package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message, idempotent on
// (session_id, msg_id). On conflict only content and status change; the
// original timestamp and from_me are preserved.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (session_id, msg_id, chat_jid, from_jid, to_jid, type, content, timestamp, from_me, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, msg_id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status`,
		m.SessionID, m.MsgID, m.ChatJID, m.FromJID, m.ToJID, m.Type, string(m.Content), m.Timestamp, m.FromMe, m.Status, now)
	return err
}

// UpdateMessageStatus applies a delivery status by (session_id, msg_id).
// Tolerant of zero matches: the message may not have been persisted yet.
func (db *DB) UpdateMessageStatus(sessionID, msgID, status string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE session_id = ? AND msg_id = ?`,
		status, sessionID, msgID)
	return err
}

// GetMessage returns a message by its natural key, or nil if absent.
func (db *DB) GetMessage(sessionID, msgID string) (*Message, error) {
	var m Message
	var content string
	err := db.QueryRow(`
		SELECT id, session_id, msg_id, chat_jid, from_jid, to_jid, type, content, timestamp, from_me, status
		FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, msgID).
		Scan(&m.ID, &m.SessionID, &m.MsgID, &m.ChatJID, &m.FromJID, &m.ToJID, &m.Type, &content, &m.Timestamp, &m.FromMe, &m.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Content = []byte(content)
	return &m, nil
}

// ListMessages returns a session's messages newest-first, optionally filtered
// by chat.
func (db *DB) ListMessages(sessionID, chatJID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, msg_id, chat_jid, from_jid, to_jid, type, content, timestamp, from_me, status
		FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if chatJID != "" {
		query += ` AND chat_jid = ?`
		args = append(args, chatJID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var content string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.MsgID, &m.ChatJID, &m.FromJID, &m.ToJID, &m.Type, &content, &m.Timestamp, &m.FromMe, &m.Status); err != nil {
			return nil, err
		}
		m.Content = []byte(content)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
