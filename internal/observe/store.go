// Package observe implements a durable log of completed-prompt records
// plus a read-only live fan-out. It is not a terminal/browser UI — just
// a JSON tap observers can watch.
package observe

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// PromptRecord is one resolved prompt's observability record.
type PromptRecord struct {
	SessionID string    `json:"session_id"`
	BytesOut  int       `json:"bytes_out"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Outcome   string    `json:"outcome"`
	At        time.Time `json:"at"`
}

// SessionSnapshot is a point-in-time view of one session's state.
type SessionSnapshot struct {
	ID              string    `json:"id"`
	Tool            string    `json:"tool"`
	WorkDir         string    `json:"workdir"`
	Busy            bool      `json:"busy"`
	QueueLen        int       `json:"queue_len"`
	DriverState     string    `json:"driver_state"`
	LastPromptAt    time.Time `json:"last_prompt_at"`
	LastOutputBytes int       `json:"last_output_bytes"`
	ElapsedMSLast   int64     `json:"elapsed_ms_last"`
}

// Store persists PromptRecords durably via modernc.org/sqlite, giving
// callers a queryable history instead of only an in-memory tap.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open observability store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS prompt_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	bytes_out INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create observability schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record appends one completed-prompt event.
func (s *Store) Record(r PromptRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO prompt_events (session_id, bytes_out, elapsed_ms, outcome, at) VALUES (?, ?, ?, ?, ?)`,
		r.SessionID, r.BytesOut, r.ElapsedMS, r.Outcome, r.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record prompt event: %w", err)
	}
	return nil
}

// History returns the most recent events for a session, newest first.
func (s *Store) History(sessionID string, limit int) ([]PromptRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, bytes_out, elapsed_ms, outcome, at FROM prompt_events
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query prompt history: %w", err)
	}
	defer rows.Close()

	var out []PromptRecord
	for rows.Next() {
		var r PromptRecord
		var at string
		if err := rows.Scan(&r.SessionID, &r.BytesOut, &r.ElapsedMS, &r.Outcome, &at); err != nil {
			return nil, fmt.Errorf("scan prompt history row: %w", err)
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}
