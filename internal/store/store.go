package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omgasolutions/omrcam/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS client_state (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grading_results (
		id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL DEFAULT '',
		model_answers TEXT NOT NULL,
		num_questions INTEGER NOT NULL DEFAULT 0,
		options_per_question INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		student_id TEXT NOT NULL DEFAULT '',
		result_json TEXT NOT NULL,
		graded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grading_results_graded_at ON grading_results(graded_at);

	CREATE TABLE IF NOT EXISTS operators (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveResult stores a successful grading.
func (s *Store) SaveResult(rec model.GradingRecord) error {
	raw, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO grading_results (id, image_id, model_answers, num_questions, options_per_question, score, student_id, result_json, graded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ImageID, rec.Form.ModelAnswers, rec.Form.NumQuestions, rec.Form.OptionsPerQuestion,
		rec.Result.Score, string(rec.Result.StudentID), string(raw), rec.GradedAt,
	)
	return err
}

// ListResults returns gradings newest first. limit <= 0 returns all of them.
func (s *Store) ListResults(limit int) ([]model.GradingRecord, error) {
	query := `SELECT id, image_id, model_answers, num_questions, options_per_question, result_json, graded_at
		FROM grading_results ORDER BY graded_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.GradingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetResult returns one grading by ID, or nil if it does not exist.
func (s *Store) GetResult(id string) (*model.GradingRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, image_id, model_answers, num_questions, options_per_question, result_json, graded_at
		 FROM grading_results WHERE id = ?`, id,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResultCount returns the number of stored gradings.
func (s *Store) ResultCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM grading_results`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.GradingRecord, error) {
	var rec model.GradingRecord
	var raw string
	var gradedAt time.Time
	if err := row.Scan(&rec.ID, &rec.ImageID, &rec.Form.ModelAnswers, &rec.Form.NumQuestions,
		&rec.Form.OptionsPerQuestion, &raw, &gradedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(raw), &rec.Result); err != nil {
		return rec, fmt.Errorf("decode result %s: %w", rec.ID, err)
	}
	rec.GradedAt = gradedAt
	return rec, nil
}
