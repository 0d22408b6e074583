package store

import (
	"fmt"
	"time"
)

// AddJob persists a new job. The not-before timestamp of 0 means the job is
// due immediately.
func (db *DB) AddJob(j *Job) (int64, error) {
	if j.AddedAt == 0 {
		j.AddedAt = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		INSERT INTO jobs (transport, kind, msg_id, param, tries, not_before, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.Transport, j.Kind, j.MsgID, j.Param, j.Tries, j.NotBefore, j.AddedAt)
	if err != nil {
		return 0, fmt.Errorf("add job: %w", err)
	}
	return res.LastInsertId()
}

// ClaimDueJobs atomically claims all currently due, unclaimed jobs for the
// given transport, oldest first. Claimed jobs are invisible to concurrent
// claim calls until rescheduled or deleted, which enforces the
// at-most-one-claimant invariant.
func (db *DB) ClaimDueJobs(transport Transport, now int64) ([]Job, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, transport, kind, msg_id, param, tries, not_before, added_at
		FROM jobs
		WHERE transport = ? AND claimed = 0 AND not_before <= ?
		ORDER BY id ASC`, transport, now)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Transport, &j.Kind, &j.MsgID, &j.Param, &j.Tries, &j.NotBefore, &j.AddedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range jobs {
		jobs[i].ClaimedAt = now
		if _, err := tx.Exec(`UPDATE jobs SET claimed = 1, claimed_at = ? WHERE id = ?`, now, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("claim job %d: %w", jobs[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

// RescheduleJob releases a claimed job back to the queue with an incremented
// try counter and a new not-before timestamp.
func (db *DB) RescheduleJob(id int64, tries int, notBefore int64) error {
	_, err := db.Exec(`UPDATE jobs SET claimed = 0, claimed_at = 0, tries = ?, not_before = ? WHERE id = ?`,
		tries, notBefore, id)
	return err
}

// DeleteJob removes a job, terminally.
func (db *DB) DeleteJob(id int64) error {
	_, err := db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// NextDueTime returns the earliest not-before timestamp among unclaimed jobs
// for the transport, or 0 if the queue is empty.
func (db *DB) NextDueTime(transport Transport) (int64, error) {
	var ts *int64
	err := db.QueryRow(`SELECT MIN(not_before) FROM jobs WHERE transport = ? AND claimed = 0`,
		transport).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if ts == nil {
		return 0, nil
	}
	return *ts, nil
}

// ReleaseStaleClaims clears claim marks left behind by a crashed process.
// Staleness is judged by the claim time, not the enqueue time, so a
// long-queued job freshly claimed by a live dispatcher is left alone.
func (db *DB) ReleaseStaleClaims(olderThan int64) (int64, error) {
	res, err := db.Exec(`UPDATE jobs SET claimed = 0, claimed_at = 0 WHERE claimed = 1 AND claimed_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountJobs reports the number of queued jobs for a transport, claimed or not.
func (db *DB) CountJobs(transport Transport) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE transport = ?`, transport).Scan(&n)
	return n, err
}
