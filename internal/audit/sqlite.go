package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists every decision to a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if necessary) a SQLite database at path
// and ensures its schema exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: enable wal: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fetch_decisions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			ts         TEXT NOT NULL,
			hostname   TEXT NOT NULL,
			url        TEXT NOT NULL,
			admitted   INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			detail     TEXT NOT NULL
		);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Record implements Sink.
func (s *SQLiteSink) Record(ctx context.Context, d Decision) error {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_decisions(request_id, ts, hostname, url, admitted, reason, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, d.RequestID, ts.Format(time.RFC3339Nano), d.Hostname, d.URL, boolToInt(d.Admitted), d.Reason, d.Detail)
	if err != nil {
		return fmt.Errorf("audit: record decision: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
