package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger using the provided DSN and connection
// pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	uuid UUID NOT NULL DEFAULT gen_random_uuid(),
	user_id TEXT NOT NULL,
	function_name TEXT NOT NULL CHECK(function_name IN ('scrape','search','map','crawl','cleanup')),
	request_target TEXT,
	status_code INTEGER,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created ON usage_logs(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_logs_created ON usage_logs(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_logs_uuid ON usage_logs(uuid);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts a new usage entry. created_at is assigned by the database.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.UserID == "" {
		return errors.New("ledger record requires user id")
	}
	if !ledger.ValidFunction(entry.Function) {
		return fmt.Errorf("invalid function %q", entry.Function)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_logs(user_id, function_name, request_target, status_code, success, error_message)
VALUES($1, $2, $3, $4, $5, $6)`,
		entry.UserID,
		string(entry.Function),
		entry.RequestTarget,
		entry.StatusCode,
		entry.Success,
		entry.ErrorMessage,
	)
	return err
}

// CountSince returns how many entries the user has accrued since the given instant.
func (s *Store) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM usage_logs WHERE user_id = $1 AND created_at >= $2`,
		userID, since.UTC())
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListRecent returns the latest entries across all users, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, uuid, user_id, function_name, request_target, status_code, success, error_message, created_at
FROM usage_logs
ORDER BY created_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var function string
		var target, errMsg sql.NullString
		var status sql.NullInt64
		if err := rows.Scan(&e.ID, &e.UUID, &e.UserID, &function, &target, &status, &e.Success, &errMsg, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Function = ledger.Function(function)
		if target.Valid {
			e.RequestTarget = &target.String
		}
		if status.Valid {
			code := int(status.Int64)
			e.StatusCode = &code
		}
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteBefore removes all entries older than cutoff and returns the number
// of rows deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_logs WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
