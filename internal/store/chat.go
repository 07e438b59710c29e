package store

import (
	"database/sql"
	"time"
)

// TouchChatForMessage records an inbound or outbound message against its
// chat. On create the unread count is seeded to 1 for non-self messages; on
// update it is incremented, or reset to 0 when the message is self-originated.
// This is the only write path that mutates unread_count upward.
func (db *DB) TouchChatForMessage(sessionID, chatJID string, isGroup bool, ts int64, fromMe bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (session_id, chat_jid, is_group, unread_count, last_message_at, updated_at)
		VALUES (?, ?, ?, CASE WHEN ? THEN 0 ELSE 1 END, ?, ?)
		ON CONFLICT(session_id, chat_jid) DO UPDATE SET
			last_message_at = excluded.last_message_at,
			unread_count = CASE WHEN ? THEN 0 ELSE chats.unread_count + 1 END,
			updated_at = excluded.updated_at`,
		sessionID, chatJID, isGroup, fromMe, ts, now, fromMe)
	return err
}

// UpsertChatMeta applies a chat metadata snapshot (name and flags),
// last-write-wins. It never touches unread_count or last_message_at: those
// belong to the message pipeline.
func (db *DB) UpsertChatMeta(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (session_id, chat_jid, name, is_group, archived, pinned, muted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, chat_jid) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			archived = excluded.archived,
			pinned = excluded.pinned,
			muted = excluded.muted,
			updated_at = excluded.updated_at`,
		c.SessionID, c.ChatJID, c.Name, c.IsGroup, c.Archived, c.Pinned, c.Muted, now)
	return err
}

// ResetChatUnread sets a chat's unread count back to zero (explicit read).
func (db *DB) ResetChatUnread(sessionID, chatJID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET unread_count = 0, updated_at = ?
		WHERE session_id = ? AND chat_jid = ?`,
		now, sessionID, chatJID)
	return err
}

// GetChat returns a single chat by natural key, or nil if absent.
func (db *DB) GetChat(sessionID, chatJID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT session_id, chat_jid, name, is_group, unread_count, last_message_at, archived, pinned, muted
		FROM chats WHERE session_id = ? AND chat_jid = ?`, sessionID, chatJID).
		Scan(&c.SessionID, &c.ChatJID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.Archived, &c.Pinned, &c.Muted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns a session's chats sorted by last message time descending.
// Names fall back to the contact's push name, then the JID itself.
func (db *DB) ListChats(sessionID string, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.session_id, c.chat_jid,
			COALESCE(NULLIF(c.name,''), NULLIF(ct.name,''), NULLIF(ct.push_name,''), c.chat_jid) AS display_name,
			c.is_group, c.unread_count, c.last_message_at, c.archived, c.pinned, c.muted
		FROM chats c
		LEFT JOIN contacts ct ON c.session_id = ct.session_id AND c.chat_jid = ct.jid
		WHERE c.session_id = ?
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.SessionID, &c.ChatJID, &c.Name, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.Archived, &c.Pinned, &c.Muted); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
