package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	function_name TEXT NOT NULL CHECK(function_name IN ('scrape','search','map','crawl','cleanup')),
	request_target TEXT,
	status_code INTEGER,
	success INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created ON usage_logs(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_logs_created ON usage_logs(created_at);
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

// Record inserts a new usage entry. The created_at column is always set by
// the store; any caller-supplied timestamp is ignored.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.UserID == "" {
		return errors.New("ledger record requires user id")
	}
	if !ledger.ValidFunction(entry.Function) {
		return fmt.Errorf("invalid function %q", entry.Function)
	}
	id := entry.UUID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_logs(uuid, user_id, function_name, request_target, status_code, success, error_message, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		entry.UserID,
		string(entry.Function),
		entry.RequestTarget,
		entry.StatusCode,
		entry.Success,
		entry.ErrorMessage,
		time.Now().UTC(),
	)
	return err
}

// CountSince returns how many entries the user has accrued since the given
// instant. This is the rate limiter's window read.
func (s *Store) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM usage_logs WHERE user_id = ? AND created_at >= ?`,
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
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteBefore removes all entries older than cutoff and returns how many
// rows were deleted. Running it again with no newly aged rows deletes zero.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var e ledger.Entry
	var function string
	var target, errMsg sql.NullString
	var status sql.NullInt64
	if err := rows.Scan(&e.ID, &e.UUID, &e.UserID, &function, &target, &status, &e.Success, &errMsg, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
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
	return e, nil
}
