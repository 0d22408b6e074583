package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// InsertMessage persists a new message and returns its id.
func (db *DB) InsertMessage(m *Message) (int64, error) {
	if m.SortTs == 0 {
		m.SortTs = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		INSERT INTO messages (chat_id, from_id, rfc_id, dir, state, is_info, body, param, wants_mdn, folder, uid, sort_ts, sent_ts, rcvd_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.FromID, m.RfcID, m.Dir, m.State, m.IsInfo, m.Body, m.Param, m.WantsMDN, m.Folder, m.UID, m.SortTs, m.SentTs, m.RcvdTs)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// MessageByID loads a single message.
func (db *DB) MessageByID(id int64) (*Message, error) {
	return db.scanMessage(db.QueryRow(`
		SELECT id, chat_id, from_id, rfc_id, dir, state, is_info, body, param, wants_mdn, folder, uid, sort_ts, sent_ts, rcvd_ts
		FROM messages WHERE id = ?`, id))
}

// MessageByRfcID loads a message by its RFC 5322 Message-ID, used to match
// read receipts and delivery-failure notices to the outgoing original.
func (db *DB) MessageByRfcID(rfcID string) (*Message, error) {
	return db.scanMessage(db.QueryRow(`
		SELECT id, chat_id, from_id, rfc_id, dir, state, is_info, body, param, wants_mdn, folder, uid, sort_ts, sent_ts, rcvd_ts
		FROM messages WHERE rfc_id = ?`, rfcID))
}

func (db *DB) scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.FromID, &m.RfcID, &m.Dir, &m.State, &m.IsInfo,
		&m.Body, &m.Param, &m.WantsMDN, &m.Folder, &m.UID, &m.SortTs, &m.SentTs, &m.RcvdTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMessageState writes the state column. Only the message state machine
// calls this; see internal/message.
func (db *DB) SetMessageState(id int64, state string) error {
	res, err := db.Exec(`UPDATE messages SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MessagesInState returns ids of messages in a chat currently in the given state.
func (db *DB) MessagesInState(chatID int64, state string) ([]int64, error) {
	rows, err := db.Query(`SELECT id FROM messages WHERE chat_id = ? AND state = ? ORDER BY sort_ts ASC`,
		chatID, state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMessages returns messages for a chat ordered by sort timestamp.
func (db *DB) ListMessages(chatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, chat_id, from_id, rfc_id, dir, state, is_info, body, param, wants_mdn, folder, uid, sort_ts, sent_ts, rcvd_ts
		FROM messages WHERE chat_id = ?
		ORDER BY sort_ts ASC, id ASC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.FromID, &m.RfcID, &m.Dir, &m.State, &m.IsInfo,
			&m.Body, &m.Param, &m.WantsMDN, &m.Folder, &m.UID, &m.SortTs, &m.SentTs, &m.RcvdTs); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReassignMessages moves every message a contact sent into fromChat over to
// toChat. Used when a deaddrop sender is confirmed. Returns the number of
// rows moved.
func (db *DB) ReassignMessages(fromChat, fromID, toChat int64) (int64, error) {
	res, err := db.Exec(`UPDATE messages SET chat_id = ? WHERE chat_id = ? AND from_id = ?`,
		toChat, fromChat, fromID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetMessageLocation records where a message now lives on the server, used
// after a successful move job.
func (db *DB) SetMessageLocation(id int64, folder string, uid uint32) error {
	_, err := db.Exec(`UPDATE messages SET folder = ?, uid = ? WHERE id = ?`, folder, uid, id)
	return err
}

// DeleteMessage removes a message row. Deletion is an explicit action, never
// a side effect of a state transition.
func (db *DB) DeleteMessage(id int64) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}
