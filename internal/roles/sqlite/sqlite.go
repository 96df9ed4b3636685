package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/crawlgate/crawlgate-gateway/internal/roles"
)

// Store implements roles.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite role store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create roles directory: %w", err)
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
CREATE TABLE IF NOT EXISTS role_grants (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('admin','moderator','user')),
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, role)
);
CREATE INDEX IF NOT EXISTS idx_role_grants_user ON role_grants(user_id);
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

// HasRole reports whether the user currently holds the role.
func (s *Store) HasRole(ctx context.Context, userID string, role roles.Role) (bool, error) {
	if userID == "" {
		return false, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM role_grants WHERE user_id = ? AND role = ?`, userID, string(role))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Grant records a role for the user. Granting an already-held role is a no-op.
func (s *Store) Grant(ctx context.Context, userID string, role roles.Role) error {
	if userID == "" {
		return errors.New("user id required")
	}
	if !roles.Valid(role) {
		return fmt.Errorf("invalid role %q", role)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO role_grants(user_id, role) VALUES(?, ?)`, userID, string(role))
	return err
}

// Revoke removes a role from the user.
func (s *Store) Revoke(ctx context.Context, userID string, role roles.Role) error {
	if userID == "" {
		return errors.New("user id required")
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM role_grants WHERE user_id = ? AND role = ?`, userID, string(role))
	return err
}

// ListForUser returns all grants held by the user.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]roles.Grant, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, created_at FROM role_grants WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []roles.Grant
	for rows.Next() {
		var g roles.Grant
		var role string
		if err := rows.Scan(&g.UserID, &role, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Role = roles.Role(role)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
