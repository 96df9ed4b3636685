package roles

import (
	"context"
	"time"
)

// Role represents a privilege level granted to a user.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// Valid reports whether r is a known role.
func Valid(r Role) bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleUser:
		return true
	}
	return false
}

// Grant links a user to a role. Grants are created and revoked by operators
// only; the gateway itself never writes them.
type Grant struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines persistence behaviour for role grants.
type Store interface {
	// HasRole must hit the store on every call. Admin status can be revoked
	// between requests, so callers never cache the answer.
	HasRole(ctx context.Context, userID string, role Role) (bool, error)
	Grant(ctx context.Context, userID string, role Role) error
	Revoke(ctx context.Context, userID string, role Role) error
	ListForUser(ctx context.Context, userID string) ([]Grant, error)
	Close() error
}
