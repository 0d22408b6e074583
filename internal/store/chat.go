package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUnverifiedMember is returned when adding a contact without verified
// trust state to a verified group.
var ErrUnverifiedMember = errors.New("store: contact is not verified")

// CreateChat persists a new chat and returns its id.
func (db *DB) CreateChat(c *Chat) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO chats (kind, name, grpid, promoted, archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Kind, c.Name, c.GrpID, c.Promoted, c.Archived, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	return res.LastInsertId()
}

// ChatByID loads a single chat.
func (db *DB) ChatByID(id int64) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`SELECT id, kind, name, grpid, promoted, archived FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.Name, &c.GrpID, &c.Promoted, &c.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatByGrpID resolves a group chat from the stable group id carried in
// message headers.
func (db *DB) ChatByGrpID(grpid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`SELECT id, kind, name, grpid, promoted, archived FROM chats WHERE grpid = ?`, grpid).
		Scan(&c.ID, &c.Kind, &c.Name, &c.GrpID, &c.Promoted, &c.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SingleChatWith returns the existing single chat with the given contact,
// creating it if necessary.
func (db *DB) SingleChatWith(contactID int64) (int64, error) {
	var id int64
	err := db.QueryRow(`
		SELECT c.id FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE c.kind = ? AND m.contact_id = ?`, ChatSingle, contactID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	id, err = db.CreateChat(&Chat{Kind: ChatSingle})
	if err != nil {
		return 0, err
	}
	if _, err := db.Exec(`INSERT INTO chat_members (chat_id, contact_id) VALUES (?, ?)`, id, contactID); err != nil {
		return 0, err
	}
	return id, nil
}

// AddChatMember adds a contact to a chat. For verified groups the contact's
// trust state is checked first; unverified contacts are refused.
func (db *DB) AddChatMember(chatID, contactID int64) error {
	chat, err := db.ChatByID(chatID)
	if err != nil {
		return err
	}
	if chat.Kind == ChatVerifiedGroup {
		contact, err := db.ContactByID(contactID)
		if err != nil {
			return err
		}
		if !contact.Verified {
			return ErrUnverifiedMember
		}
	}
	_, err = db.Exec(`
		INSERT INTO chat_members (chat_id, contact_id) VALUES (?, ?)
		ON CONFLICT (chat_id, contact_id) DO NOTHING`, chatID, contactID)
	return err
}

// RemoveChatMember removes a contact from a chat.
func (db *DB) RemoveChatMember(chatID, contactID int64) error {
	_, err := db.Exec(`DELETE FROM chat_members WHERE chat_id = ? AND contact_id = ?`, chatID, contactID)
	return err
}

// IsChatMember reports whether the contact belongs to the chat.
func (db *DB) IsChatMember(chatID, contactID int64) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND contact_id = ?`,
		chatID, contactID).Scan(&n)
	return n > 0, err
}

// ChatMembers returns the contact ids belonging to a chat.
func (db *DB) ChatMembers(chatID int64) ([]int64, error) {
	rows, err := db.Query(`SELECT contact_id FROM chat_members WHERE chat_id = ? ORDER BY contact_id`, chatID)
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

// SetChatPromoted marks a group as promoted: from now on membership and
// metadata changes are announced to all members.
func (db *DB) SetChatPromoted(chatID int64) error {
	_, err := db.Exec(`UPDATE chats SET promoted = 1 WHERE id = ?`, chatID)
	return err
}

// SetChatArchived flips the archived flag.
func (db *DB) SetChatArchived(chatID int64, archived bool) error {
	_, err := db.Exec(`UPDATE chats SET archived = ? WHERE id = ?`, archived, chatID)
	return err
}
