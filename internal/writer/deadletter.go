package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vigil-ai/vigil/internal/model"
)

// DeadLetterStore persists traces that failed even the per-record fallback
// to a local sqlite database, so no trace is ever silently dropped. The
// store is append-only; operators replay or discard entries out of band.
type DeadLetterStore struct {
	db *sql.DB
}

// DeadLetter is one failed trace with the error that sank it.
type DeadLetter struct {
	ID          int64
	WorkspaceID string
	TraceID     string
	Payload     model.Trace
	WriteError  string
	FailedAt    time.Time
}

// OpenDeadLetterStore opens (and if needed creates) the sqlite dead-letter
// database at path.
func OpenDeadLetterStore(path string) (*DeadLetterStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("writer: open dead-letter store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id  TEXT NOT NULL,
			trace_id      TEXT NOT NULL,
			payload       TEXT NOT NULL,
			write_error   TEXT NOT NULL,
			failed_at     TIMESTAMP NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("writer: create dead_letters table: %w", err)
	}
	return &DeadLetterStore{db: db}, nil
}

// Record appends a failed trace with the error that caused the failure.
func (s *DeadLetterStore) Record(ctx context.Context, t model.Trace, writeErr error) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("writer: marshal dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (workspace_id, trace_id, payload, write_error, failed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.WorkspaceID.String(), t.TraceID, string(payload), writeErr.Error(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writer: insert dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns all recorded entries, oldest first.
func (s *DeadLetterStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, trace_id, payload, write_error, failed_at
		 FROM dead_letters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("writer: query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payload string
		if err := rows.Scan(&dl.ID, &dl.WorkspaceID, &dl.TraceID, &payload, &dl.WriteError, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("writer: scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &dl.Payload); err != nil {
			return nil, fmt.Errorf("writer: unmarshal dead letter payload: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// Close closes the underlying database.
func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}
