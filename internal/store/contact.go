package store

import (
	"database/sql"
	"time"
)

// UpsertContact inserts or updates a contact snapshot. Empty incoming fields
// do not clobber known values.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (session_id, jid, name, push_name, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE contacts.push_name END,
			updated_at = excluded.updated_at`,
		c.SessionID, c.JID, c.Name, c.PushName, now)
	return err
}

// GetContact returns a contact by natural key, or nil if absent.
func (db *DB) GetContact(sessionID, jid string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`
		SELECT session_id, jid, name, push_name FROM contacts
		WHERE session_id = ? AND jid = ?`, sessionID, jid).
		Scan(&c.SessionID, &c.JID, &c.Name, &c.PushName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns all contacts of a session.
func (db *DB) ListContacts(sessionID string) ([]Contact, error) {
	rows, err := db.Query(`
		SELECT session_id, jid, name, push_name FROM contacts
		WHERE session_id = ? ORDER BY jid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.SessionID, &c.JID, &c.Name, &c.PushName); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
