package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// GetMeta returns a store-level key/value entry, or "" when absent.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a store-level key/value entry.
func (db *DB) SetMeta(key, value string) error {
	err := db.writer.do(func() error {
		_, execErr := db.Exec(`
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		return execErr
	})
	if err != nil {
		return &PersistenceError{Op: "set meta", Err: err}
	}
	return nil
}

// NodeID returns the node's stable identity, generating and persisting it
// on first boot. The identity survives restarts and power loss.
func (db *DB) NodeID() (string, error) {
	id, err := db.GetMeta("node_id")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := db.SetMeta("node_id", id); err != nil {
		return "", err
	}
	return id, nil
}
