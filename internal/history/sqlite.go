package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/switchyardhq/switchyard/internal/outbound"
)

const defaultQueryLimit = 50

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS delivery_attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id  TEXT    NOT NULL,
	channel_id  TEXT    NOT NULL,
	attempt     INTEGER NOT NULL,
	status      TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_message ON delivery_attempts(message_id);
CREATE INDEX IF NOT EXISTS idx_attempts_channel_time ON delivery_attempts(channel_id, created_at);
`

// SQLiteStore persists delivery attempts in a local SQLite database.
// The schema is created on open, so standalone deployments need no
// migration step.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the history database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// Single connection: SQLite serializes writers anyway, and this keeps
	// concurrent recording from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a outbound.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (message_id, channel_id, attempt, status, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.MessageID, a.ChannelID, a.Attempt, a.Status, a.Error, a.Duration.Milliseconds(), a.At,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MessageAttempts(ctx context.Context, messageID string) ([]outbound.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel_id, attempt, status, error, duration_ms, created_at
		 FROM delivery_attempts WHERE message_id = ? ORDER BY attempt ASC, id ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	return scanAttempts(rows)
}

func (s *SQLiteStore) RecentAttempts(ctx context.Context, channelID string, limit int) ([]outbound.Attempt, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if channelID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT message_id, channel_id, attempt, status, error, duration_ms, created_at
			 FROM delivery_attempts ORDER BY id DESC LIMIT ?`,
			limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT message_id, channel_id, attempt, status, error, duration_ms, created_at
			 FROM delivery_attempts WHERE channel_id = ? ORDER BY id DESC LIMIT ?`,
			channelID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent attempts: %w", err)
	}
	return scanAttempts(rows)
}

func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_attempts WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanAttempts drains rows produced by the shared column list.
func scanAttempts(rows *sql.Rows) ([]outbound.Attempt, error) {
	defer rows.Close()

	var out []outbound.Attempt
	for rows.Next() {
		var (
			a          outbound.Attempt
			durationMS int64
		)
		if err := rows.Scan(&a.MessageID, &a.ChannelID, &a.Attempt, &a.Status, &a.Error, &durationMS, &a.At); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}
