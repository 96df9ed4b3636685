package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PlatformVerifier validates bearer tokens against the platform backend's
// token-introspection endpoint and resolves them to the platform user id.
type PlatformVerifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// PlatformConfig holds configuration for the platform verifier.
type PlatformConfig struct {
	BaseURL        string // e.g. https://project.example.co
	APIKey         string // platform service key sent alongside the bearer token
	RequestTimeout time.Duration
}

// NewPlatformVerifier creates a verifier for the given platform backend.
func NewPlatformVerifier(cfg PlatformConfig) (*PlatformVerifier, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("identity: platform base url required")
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &PlatformVerifier{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Verify introspects the bearer token. Every failure mode collapses into
// ErrUnauthenticated; the underlying cause is wrapped for server-side logs.
func (v *PlatformVerifier) Verify(ctx context.Context, bearer string) (string, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return "", ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("identity: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: introspection call failed: %v", ErrUnauthenticated, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: introspection status %d", ErrUnauthenticated, resp.StatusCode)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode introspection response: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(payload.ID) == "" {
		return "", fmt.Errorf("%w: introspection returned empty user id", ErrUnauthenticated)
	}
	return payload.ID, nil
}
