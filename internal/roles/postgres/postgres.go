package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crawlgate/crawlgate-gateway/internal/roles"
)

// Store implements roles.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed role store using the provided DSN.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
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
	db.SetConnMaxLifetime(60 * time.Minute)

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
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('admin','moderator','user')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
		`SELECT COUNT(*) FROM role_grants WHERE user_id = $1 AND role = $2`, userID, string(role))
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
		`INSERT INTO role_grants(user_id, role) VALUES($1, $2) ON CONFLICT (user_id, role) DO NOTHING`,
		userID, string(role))
	return err
}

// Revoke removes a role from the user.
func (s *Store) Revoke(ctx context.Context, userID string, role roles.Role) error {
	if userID == "" {
		return errors.New("user id required")
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM role_grants WHERE user_id = $1 AND role = $2`, userID, string(role))
	return err
}

// ListForUser returns all grants held by the user.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]roles.Grant, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, created_at FROM role_grants WHERE user_id = $1 ORDER BY created_at`, userID)
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
