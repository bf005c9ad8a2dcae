package store

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/omgasolutions/omrcam/internal/model"
)

// CreateOperator inserts an API operator account.
func (s *Store) CreateOperator(o model.Operator) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO operators (username, password_hash, active, created_at) VALUES (?, ?, ?, ?)`,
		o.Username, o.PasswordHash, o.Active, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create operator", "username", o.Username, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created operator", "id", id, "username", o.Username)
	return id, nil
}

// GetOperator returns an operator by username, or nil if there is none.
func (s *Store) GetOperator(username string) (*model.Operator, error) {
	var o model.Operator
	err := s.db.QueryRow(
		`SELECT id, username, password_hash, active, created_at FROM operators WHERE username = ?`, username,
	).Scan(&o.ID, &o.Username, &o.PasswordHash, &o.Active, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// SetOperatorPassword replaces an operator's password hash.
func (s *Store) SetOperatorPassword(username, hash string) error {
	_, err := s.db.Exec(`UPDATE operators SET password_hash = ? WHERE username = ?`, hash, username)
	return err
}

// OperatorCount returns the number of operator accounts.
func (s *Store) OperatorCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM operators`).Scan(&count)
	return count, err
}
