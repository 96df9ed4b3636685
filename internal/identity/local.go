package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LocalManager issues and validates HMAC-signed bearer tokens without a
// platform backend. Intended for development and for the operator CLI.
type LocalManager struct {
	secret []byte
}

// NewLocalManager creates a LocalManager with the provided secret.
func NewLocalManager(secret string) *LocalManager {
	if secret == "" {
		panic("local identity manager requires non-empty secret")
	}
	return &LocalManager{secret: []byte(secret)}
}

// IssueToken issues a signed bearer token for the user id.
func (m *LocalManager) IssueToken(userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", userID, expires)
	sig := m.sign([]byte(payload))
	token := fmt.Sprintf("%s.%s",
		base64.RawURLEncoding.EncodeToString([]byte(payload)),
		base64.RawURLEncoding.EncodeToString(sig))
	return token, nil
}

// Verify validates the token signature and expiry and returns the embedded
// user id. Implements Verifier.
func (m *LocalManager) Verify(_ context.Context, bearer string) (string, error) {
	parts := strings.Split(strings.TrimSpace(bearer), ".")
	if len(parts) != 2 {
		return "", ErrUnauthenticated
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrUnauthenticated
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrUnauthenticated
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return "", ErrUnauthenticated
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep == -1 {
		return "", ErrUnauthenticated
	}
	userID := payload[:sep]
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", ErrUnauthenticated
	}
	if time.Now().Unix() > expiry {
		return "", ErrUnauthenticated
	}
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

func (m *LocalManager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
