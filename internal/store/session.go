package store

import (
	"database/sql"
	"time"
)

// InitSession inserts a session row with a fresh credential blob if none
// exists yet. First write wins: an existing row is left untouched.
func (db *DB) InitSession(id string, authState []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (id, status, auth_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, SessionConnecting, authState, now, now)
	return err
}

// GetSession returns a session by id, or nil if absent.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	var phone sql.NullString
	err := db.QueryRow(`
		SELECT id, status, phone, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.Status, &phone, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Phone = phone.String
	return &s, nil
}

// ListSessions returns all persisted sessions.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT id, status, phone, created_at, updated_at
		FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var s Session
		var phone sql.NullString
		if err := rows.Scan(&s.ID, &s.Status, &phone, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Phone = phone.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus sets the status and, when phone is non-empty, the
// paired phone number.
func (db *DB) UpdateSessionStatus(id, status, phone string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE sessions
		SET status = ?, phone = COALESCE(NULLIF(?, ''), phone), updated_at = ?
		WHERE id = ?`,
		status, phone, now, id)
	return err
}

// GetAuthState returns the serialized credential bundle for a session, or nil
// if the session is absent or has no bundle.
func (db *DB) GetAuthState(id string) ([]byte, error) {
	var blob []byte
	err := db.QueryRow(`SELECT auth_state FROM sessions WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// SaveAuthState replaces the serialized credential bundle for a session.
func (db *DB) SaveAuthState(id string, blob []byte) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE sessions SET auth_state = ?, updated_at = ? WHERE id = ?`,
		blob, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Row vanished (e.g. deleted between load and persist); recreate it.
		_, err = db.Exec(`
			INSERT INTO sessions (id, status, auth_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET auth_state = excluded.auth_state, updated_at = excluded.updated_at`,
			id, SessionConnecting, blob, now, now)
	}
	return err
}

// DeleteSession removes a session row and everything keyed under it.
// Idempotent: deleting a missing session is not an error.
func (db *DB) DeleteSession(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM chats WHERE session_id = ?`,
		`DELETE FROM contacts WHERE session_id = ?`,
		`DELETE FROM outbox_jobs WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
