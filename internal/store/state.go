package store

import (
	"database/sql"
	"time"
)

// WriteState upserts a client-state value.
func (s *Store) WriteState(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?`,
		key, value, now, value, now,
	)
	return err
}

// ReadState returns the value for key.
// Returns nil and nil error if the key is missing.
func (s *Store) ReadState(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM client_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

// ClearState removes key. Clearing a missing key is not an error.
func (s *Store) ClearState(key string) error {
	_, err := s.db.Exec(`DELETE FROM client_state WHERE key = ?`, key)
	return err
}

// StateUpdatedAt returns when key was last written, or the zero time.
func (s *Store) StateUpdatedAt(key string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(`SELECT updated_at FROM client_state WHERE key = ?`, key).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return at, err
}
