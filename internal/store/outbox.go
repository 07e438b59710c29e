package store

import (
	"database/sql"
	"time"
)

// EnqueueJob inserts a new outbound job, ready to run immediately.
func (db *DB) EnqueueJob(sessionID, toJID string, payload []byte, maxAttempts int) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO outbox_jobs (session_id, to_jid, payload, attempts, max_attempts, status, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		sessionID, toJID, payload, maxAttempts, JobQueued, now, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ClaimDueJobs atomically transitions up to limit due queued jobs to running
// and returns them. A job another claimer raced us to is skipped.
func (db *DB) ClaimDueJobs(limit int) ([]Job, error) {
	now := time.Now().UnixMilli()
	rows, err := db.Query(`
		SELECT id, session_id, to_jid, payload, attempts, max_attempts, status, last_error, next_attempt_at, created_at, updated_at
		FROM outbox_jobs
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`, JobQueued, now, limit)
	if err != nil {
		return nil, err
	}
	candidates, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	var claimed []Job
	for _, j := range candidates {
		res, err := db.Exec(`
			UPDATE outbox_jobs SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			JobRunning, now, j.ID, JobQueued)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j.Status = JobRunning
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// MarkJobDone finalizes a successful job.
func (db *DB) MarkJobDone(id int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox_jobs SET status = ?, last_error = '', updated_at = ?
		WHERE id = ?`, JobDone, now, id)
	return err
}

// RescheduleJob records a failed attempt and puts the job back in the queue
// for a later retry.
func (db *DB) RescheduleJob(id int64, attempts int, nextAttemptAt int64, lastErr string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox_jobs
		SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		JobQueued, attempts, nextAttemptAt, lastErr, now, id)
	return err
}

// MarkJobFailed finalizes a job that exhausted its attempts.
func (db *DB) MarkJobFailed(id int64, attempts int, lastErr string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox_jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		JobFailed, attempts, lastErr, now, id)
	return err
}

// RequeueRunningJobs puts jobs stranded in running back in the queue.
// Called once at startup, before any worker runs.
func (db *DB) RequeueRunningJobs() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox_jobs SET status = ?, next_attempt_at = ?, updated_at = ?
		WHERE status = ?`,
		JobQueued, now, now, JobRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneJobs trims finished job history, keeping the newest doneKeep done jobs
// and failedKeep failed jobs.
func (db *DB) PruneJobs(doneKeep, failedKeep int) error {
	for _, p := range []struct {
		status string
		keep   int
	}{
		{JobDone, doneKeep},
		{JobFailed, failedKeep},
	} {
		if p.keep < 0 {
			continue
		}
		_, err := db.Exec(`
			DELETE FROM outbox_jobs
			WHERE status = ? AND id NOT IN (
				SELECT id FROM outbox_jobs WHERE status = ?
				ORDER BY updated_at DESC LIMIT ?
			)`, p.status, p.status, p.keep)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetJob returns a job by id, or nil if absent.
func (db *DB) GetJob(id int64) (*Job, error) {
	var j Job
	err := db.QueryRow(`
		SELECT id, session_id, to_jid, payload, attempts, max_attempts, status, last_error, next_attempt_at, created_at, updated_at
		FROM outbox_jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.SessionID, &j.ToJID, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer func() { _ = rows.Close() }()
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.SessionID, &j.ToJID, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
