package store

import (
	"database/sql"
	"errors"
)

// UpsertSession stores a secure-join session, replacing any existing session
// for the same peer. Restarting a handshake supersedes the previous attempt;
// two sessions for one peer never interleave.
func (db *DB) UpsertSession(s *Session) error {
	_, err := db.Exec(`
		INSERT INTO securejoin_sessions (peer_id, role, step, token, chat_id, grpid, grpname, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (peer_id) DO UPDATE SET
			role = excluded.role,
			step = excluded.step,
			token = excluded.token,
			chat_id = excluded.chat_id,
			grpid = excluded.grpid,
			grpname = excluded.grpname,
			deadline = excluded.deadline`,
		s.PeerID, s.Role, s.Step, s.Token, s.ChatID, s.GrpID, s.GrpName, s.Deadline)
	return err
}

// SessionByPeer loads the active session for a peer, if any.
func (db *DB) SessionByPeer(peerID int64) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT peer_id, role, step, token, chat_id, grpid, grpname, deadline
		FROM securejoin_sessions WHERE peer_id = ?`, peerID).
		Scan(&s.PeerID, &s.Role, &s.Step, &s.Token, &s.ChatID, &s.GrpID, &s.GrpName, &s.Deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetSessionStep advances the stored handshake step.
func (db *DB) SetSessionStep(peerID int64, step string) error {
	res, err := db.Exec(`UPDATE securejoin_sessions SET step = ? WHERE peer_id = ?`, step, peerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session for a peer. Deleting a missing session
// is not an error.
func (db *DB) DeleteSession(peerID int64) error {
	_, err := db.Exec(`DELETE FROM securejoin_sessions WHERE peer_id = ?`, peerID)
	return err
}

// DeleteExpiredSessions removes sessions whose deadline has passed and
// returns the affected peer ids so failure events can be emitted.
func (db *DB) DeleteExpiredSessions(now int64) ([]int64, error) {
	rows, err := db.Query(`SELECT peer_id FROM securejoin_sessions WHERE deadline <= ?`, now)
	if err != nil {
		return nil, err
	}
	var peers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		peers = append(peers, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(peers) > 0 {
		if _, err := db.Exec(`DELETE FROM securejoin_sessions WHERE deadline <= ?`, now); err != nil {
			return nil, err
		}
	}
	return peers, nil
}
