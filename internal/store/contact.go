package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertContact inserts or updates a contact by address and returns its id.
// An empty incoming name never clobbers a known one.
func (db *DB) UpsertContact(c *Contact) (int64, error) {
	_, err := db.Exec(`
		INSERT INTO contacts (addr, name, fingerprint, verified, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (addr) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			fingerprint = CASE WHEN excluded.fingerprint != '' THEN excluded.fingerprint ELSE contacts.fingerprint END`,
		c.Addr, c.Name, c.Fingerprint, c.Verified, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("upsert contact: %w", err)
	}
	var id int64
	if err := db.QueryRow(`SELECT id FROM contacts WHERE addr = ?`, c.Addr).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ContactByID loads a single contact.
func (db *DB) ContactByID(id int64) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT id, addr, name, fingerprint, verified FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.Addr, &c.Name, &c.Fingerprint, &c.Verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ContactByAddr loads a contact by email address.
func (db *DB) ContactByAddr(addr string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT id, addr, name, fingerprint, verified FROM contacts WHERE addr = ?`, addr).
		Scan(&c.ID, &c.Addr, &c.Name, &c.Fingerprint, &c.Verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Fingerprint returns the stored key fingerprint for a contact, empty if
// no key material has been seen yet.
func (db *DB) Fingerprint(contactID int64) (string, error) {
	c, err := db.ContactByID(contactID)
	if err != nil {
		return "", err
	}
	return c.Fingerprint, nil
}

// IsVerified reports the contact's trust state.
func (db *DB) IsVerified(contactID int64) (bool, error) {
	c, err := db.ContactByID(contactID)
	if err != nil {
		return false, err
	}
	return c.Verified, nil
}

// MarkVerified records a successfully completed out-of-band verification.
func (db *DB) MarkVerified(contactID int64) error {
	res, err := db.Exec(`UPDATE contacts SET verified = 1 WHERE id = ?`, contactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
