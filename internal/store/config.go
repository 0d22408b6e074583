package store

import (
	"database/sql"
	"errors"
)

// SetConfig stores a key/value pair in the persisted config table.
func (db *DB) SetConfig(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetConfig returns the stored value for key, or fallback if unset.
func (db *DB) GetConfig(key, fallback string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
