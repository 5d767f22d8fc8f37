package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/switchyardhq/switchyard/internal/outbound"
)

// PGStore persists delivery attempts in Postgres. The schema is managed by
// the migrate command, not created here.
type PGStore struct {
	db *sql.DB
}

// OpenPostgres connects to the history database at dsn.
func OpenPostgres(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) RecordAttempt(ctx context.Context, a outbound.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (message_id, channel_id, attempt, status, error, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.MessageID, a.ChannelID, a.Attempt, a.Status, a.Error, a.Duration.Milliseconds(), a.At,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PGStore) MessageAttempts(ctx context.Context, messageID string) ([]outbound.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel_id, attempt, status, error, duration_ms, created_at
		 FROM delivery_attempts WHERE message_id = $1 ORDER BY attempt ASC, id ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	return scanAttempts(rows)
}

func (s *PGStore) RecentAttempts(ctx context.Context, channelID string, limit int) ([]outbound.Attempt, error) {
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
			 FROM delivery_attempts ORDER BY id DESC LIMIT $1`,
			limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT message_id, channel_id, attempt, status, error, duration_ms, created_at
			 FROM delivery_attempts WHERE channel_id = $1 ORDER BY id DESC LIMIT $2`,
			channelID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent attempts: %w", err)
	}
	return scanAttempts(rows)
}

func (s *PGStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_attempts WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PGStore) Close() error {
	return s.db.Close()
}
