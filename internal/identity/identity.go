package identity

import (
	"context"
	"errors"
)

// ErrUnauthenticated covers every credential failure uniformly: missing,
// malformed, expired, or revoked tokens all look the same to callers.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier resolves a bearer credential to a stable user identifier.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (userID string, err error)
}
