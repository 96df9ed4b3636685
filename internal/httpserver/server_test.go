package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/crawlgate/crawlgate-gateway/internal/firewall"
	"github.com/crawlgate/crawlgate-gateway/internal/hooks"
	"github.com/crawlgate/crawlgate-gateway/internal/identity"
	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
	"github.com/crawlgate/crawlgate-gateway/internal/ratelimit"
	"github.com/crawlgate/crawlgate-gateway/internal/roles"
	"github.com/crawlgate/crawlgate-gateway/internal/scraper"
	"github.com/crawlgate/crawlgate-gateway/internal/sweeper"
)

type stubLedger struct {
	entries   []ledger.Entry
	countErr  error
	recordErr error
	listErr   error
	deleteErr error
}

func (s *stubLedger) Record(ctx context.Context, entry ledger.Entry) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	entry.ID = int64(len(s.entries) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubLedger) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	count := 0
	for _, e := range s.entries {
		if e.UserID == userID && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *stubLedger) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]ledger.Entry, len(s.entries))
	copy(out, s.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubLedger) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	var kept []ledger.Entry
	var deleted int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

func (s *stubLedger) Close() error { return nil }

type stubRoles struct {
	admins map[string]bool
	err    error
}

func (s *stubRoles) HasRole(ctx context.Context, userID string, role roles.Role) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return role == roles.RoleAdmin && s.admins[userID], nil
}

func (s *stubRoles) Grant(ctx context.Context, userID string, role roles.Role) error  { return nil }
func (s *stubRoles) Revoke(ctx context.Context, userID string, role roles.Role) error { return nil }
func (s *stubRoles) ListForUser(ctx context.Context, userID string) ([]roles.Grant, error) {
	return nil, nil
}
func (s *stubRoles) Close() error { return nil }

type stubUpstream struct {
	result     *scraper.Result
	err        error
	lastOp     string
	lastTarget string
}

func (s *stubUpstream) respond(op, target string) (*scraper.Result, error) {
	s.lastOp = op
	s.lastTarget = target
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &scraper.Result{StatusCode: http.StatusOK, Body: json.RawMessage(`{"success":true,"data":{}}`)}, nil
}

func (s *stubUpstream) Scrape(ctx context.Context, url string, opts scraper.ScrapeOptions) (*scraper.Result, error) {
	return s.respond("scrape", url)
}

func (s *stubUpstream) Search(ctx context.Context, query string, opts scraper.SearchOptions) (*scraper.Result, error) {
	return s.respond("search", query)
}

func (s *stubUpstream) Map(ctx context.Context, url string, opts scraper.MapOptions) (*scraper.Result, error) {
	return s.respond("map", url)
}

func (s *stubUpstream) Crawl(ctx context.Context, url string, opts scraper.CrawlOptions) (*scraper.Result, error) {
	return s.respond("crawl", url)
}

type testEnv struct {
	srv      *Server
	store    *stubLedger
	roles    *stubRoles
	upstream *stubUpstream
	auth     *identity.LocalManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := &stubLedger{}
	roleStore := &stubRoles{admins: map[string]bool{}}
	upstream := &stubUpstream{}
	auth := identity.NewLocalManager("test-secret")
	limiter := ratelimit.NewLimiter(store, ratelimit.DefaultConfig(), nil)
	sw := sweeper.New(store, 30*24*time.Hour, nil)
	srv := New(auth, store, roleStore, limiter, upstream, sw, firewall.NewTargetGuard())
	return &testEnv{srv: srv, store: store, roles: roleStore, upstream: upstream, auth: auth}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.auth.IssueToken(userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestOperationsRequireCredential(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/scrape", "", map[string]any{"url": "https://example.com"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(env.store.entries) != 0 {
		t.Fatalf("unauthenticated call must not write ledger entries, got %d", len(env.store.entries))
	}
}

func TestScrapeRecordsLedgerAndRelaysUpstream(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.result = &scraper.Result{StatusCode: http.StatusOK, Body: json.RawMessage(`{"success":true,"data":{"markdown":"# hi"}}`)}
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{
		"url":     "https://example.com/article",
		"options": map[string]any{"formats": []string{"markdown"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.upstream.lastOp != "scrape" || env.upstream.lastTarget != "https://example.com/article" {
		t.Fatalf("unexpected upstream call %s %s", env.upstream.lastOp, env.upstream.lastTarget)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "20" {
		t.Fatalf("expected rate limit headers, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if len(env.store.entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(env.store.entries))
	}
	entry := env.store.entries[0]
	if entry.UserID != "user-1" || entry.Function != ledger.FunctionScrape || !entry.Success {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.StatusCode == nil || *entry.StatusCode != http.StatusOK {
		t.Fatalf("expected status code 200 in entry, got %v", entry.StatusCode)
	}
	if entry.RequestTarget == nil || *entry.RequestTarget != "https://example.com/article" {
		t.Fatalf("expected request target recorded, got %v", entry.RequestTarget)
	}
}

func TestSearchUsesQueryAsTarget(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"query":   "golang sliding window",
		"options": map[string]any{"limit": 5, "scrapeFormats": []string{"markdown"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.upstream.lastTarget != "golang sliding window" {
		t.Fatalf("unexpected search target %q", env.upstream.lastTarget)
	}
	entry := env.store.entries[0]
	if entry.RequestTarget == nil || *entry.RequestTarget != "golang sliding window" {
		t.Fatalf("expected query recorded as target, got %v", entry.RequestTarget)
	}
}

func TestEmptyTargetRejectedWithoutLedgerEntry(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")

	for path, body := range map[string]map[string]any{
		"/api/v1/scrape": {"url": ""},
		"/api/v1/search": {"query": "   "},
		"/api/v1/crawl":  {},
	} {
		rec := env.do(t, http.MethodPost, path, token, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	if len(env.store.entries) != 0 {
		t.Fatalf("argument failures must not consume quota, got %d entries", len(env.store.entries))
	}
}

func TestOversizedTargetRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")

	long := "https://example.com/" + strings.Repeat("a", maxTargetLen)
	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{"url": long})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized url, got %d", rec.Code)
	}
	if len(env.store.entries) != 0 {
		t.Fatalf("oversized target must not write ledger entries")
	}
}

func TestBlockedTargetRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{
		"url": "http://169.254.169.254/latest/meta-data",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for metadata endpoint, got %d", rec.Code)
	}
	if env.upstream.lastOp != "" {
		t.Fatalf("blocked target must not reach upstream")
	}
	if len(env.store.entries) != 0 {
		t.Fatalf("blocked target must not write ledger entries")
	}
}

func TestUnknownOptionFieldRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/map", token, map[string]any{
		"url":     "https://example.com",
		"options": map[string]any{"bogusField": true},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown option, got %d", rec.Code)
	}
}

func TestRateLimitRejectionWritesEntry(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		env.store.entries = append(env.store.entries, ledger.Entry{
			ID:        int64(i + 1),
			UserID:    "user-1",
			Function:  ledger.FunctionScrape,
			Success:   true,
			CreatedAt: now.Add(-time.Duration(i) * time.Second),
		})
	}

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{"url": "https://example.com"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected zero remaining, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if env.upstream.lastOp != "" {
		t.Fatalf("rate-limited call must not reach upstream")
	}
	if len(env.store.entries) != 21 {
		t.Fatalf("expected rejection entry appended, got %d entries", len(env.store.entries))
	}
	entry := env.store.entries[20]
	if entry.Success || entry.StatusCode != nil {
		t.Fatalf("rejection entry must be success=false with null status, got %+v", entry)
	}
	if entry.ErrorMessage == nil || *entry.ErrorMessage != "Rate limit exceeded" {
		t.Fatalf("unexpected rejection message %v", entry.ErrorMessage)
	}
}

func TestRateLimitedCallsStillConsumeQuota(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		env.store.entries = append(env.store.entries, ledger.Entry{
			UserID:    "user-1",
			Function:  ledger.FunctionScrape,
			CreatedAt: now,
		})
	}

	// Two rejected calls in a row each add a ledger row, so retries cannot
	// drain the window faster.
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{"url": "https://example.com"})
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("call %d: expected 429, got %d", i, rec.Code)
		}
	}
	if len(env.store.entries) != 22 {
		t.Fatalf("expected 22 entries, got %d", len(env.store.entries))
	}
}

func TestRateLimitRejectionEmitsHookEvent(t *testing.T) {
	env := newTestEnv(t)
	var received []hooks.Event
	dispatcher := new(hooks.Dispatcher)
	dispatcher.Register(func(_ context.Context, evt hooks.Event) error {
		received = append(received, evt)
		return nil
	})
	env.srv.SetHooks(dispatcher)

	token := env.token(t, "user-1")
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		env.store.entries = append(env.store.entries, ledger.Entry{
			UserID:    "user-1",
			Function:  ledger.FunctionScrape,
			CreatedAt: now,
		})
	}

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{"url": "https://example.com"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if len(received) != 1 {
		t.Fatalf("expected 1 hook event, got %d", len(received))
	}
	evt := received[0]
	if evt.Type != hooks.EventRateLimitExceeded {
		t.Fatalf("unexpected event type %q", evt.Type)
	}
	if evt.UserID != "user-1" {
		t.Fatalf("unexpected event user %q", evt.UserID)
	}
	if evt.Metadata["function"] != "scrape" {
		t.Fatalf("unexpected event function %v", evt.Metadata["function"])
	}
}

func TestCountReadErrorFailsOpen(t *testing.T) {
	env := newTestEnv(t)
	env.store.countErr = errors.New("connection refused")
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{"url": "https://example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("count read failure must not block traffic, got %d", rec.Code)
	}
}

func TestLedgerWriteFailureIsLoud(t *testing.T) {
	env := newTestEnv(t)
	env.store.recordErr = errors.New("disk full")
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{"url": "https://example.com"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("dropped audit entry must fail the call, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["code"] != codeStorageUnavailable {
		t.Fatalf("unexpected code %v", payload["code"])
	}
}

func TestUpstreamErrorStatusRelayedAndLogged(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.result = &scraper.Result{StatusCode: http.StatusPaymentRequired, Body: json.RawMessage(`{"success":false,"error":"Payment Required"}`)}
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{"url": "https://example.com"})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected upstream status relayed, got %d", rec.Code)
	}
	entry := env.store.entries[0]
	if entry.Success {
		t.Fatalf("non-2xx upstream must record success=false")
	}
	if entry.StatusCode == nil || *entry.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected status 402 recorded, got %v", entry.StatusCode)
	}
}

func TestTransportFailureSanitized(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.err = &scraper.TransportError{Op: "scrape", Err: fmt.Errorf("dial tcp: lookup example.com: no such host (key sk-secret-123)")}
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/scrape", token, map[string]any{"url": "https://example.com"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("sk-secret-123")) {
		t.Fatalf("transport error details leaked to client: %s", rec.Body.String())
	}
	entry := env.store.entries[0]
	if entry.Success || entry.StatusCode != nil {
		t.Fatalf("transport failure must record success=false with null status, got %+v", entry)
	}
	if entry.ErrorMessage == nil || *entry.ErrorMessage == "" {
		t.Fatalf("transport failure reason must be recorded in the ledger")
	}
}

func TestCleanupScheduledPathNeedsNoCredential(t *testing.T) {
	env := newTestEnv(t)
	old := time.Now().UTC().Add(-31 * 24 * time.Hour)
	env.store.entries = []ledger.Entry{
		{ID: 1, UserID: "user-1", Function: ledger.FunctionScrape, CreatedAt: old},
		{ID: 2, UserID: "user-1", Function: ledger.FunctionScrape, CreatedAt: time.Now().UTC()},
	}

	rec := env.do(t, http.MethodPost, "/api/v1/cleanup", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Data struct {
			DeletedCount int64 `json:"deleted_count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Data.DeletedCount != 1 {
		t.Fatalf("expected 1 deleted, got %d", payload.Data.DeletedCount)
	}
	// The sweep itself is audited under the service identity.
	last := env.store.entries[len(env.store.entries)-1]
	if last.Function != ledger.FunctionCleanup || last.UserID != sweeper.ServiceUserID {
		t.Fatalf("expected cleanup audit entry for service user, got %+v", last)
	}
}

func TestCleanupAdminPathChecksRoleEveryCall(t *testing.T) {
	env := newTestEnv(t)
	env.roles.admins["admin-1"] = true
	token := env.token(t, "admin-1")

	rec := env.do(t, http.MethodPost, "/api/v1/cleanup", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}

	// Revoking the grant takes effect on the very next call.
	env.roles.admins["admin-1"] = false
	rec = env.do(t, http.MethodPost, "/api/v1/cleanup", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after revocation, got %d", rec.Code)
	}
}

func TestCleanupRejectsNonAdmin(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/api/v1/cleanup", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCleanupRejectsBadCredential(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/cleanup", "not-a-real-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAnalyticsRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodGet, "/api/v1/admin/analytics", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAnalyticsAggregatesRecentEntries(t *testing.T) {
	env := newTestEnv(t)
	env.roles.admins["admin-1"] = true
	token := env.token(t, "admin-1")
	now := time.Now().UTC()
	env.store.entries = []ledger.Entry{
		{ID: 1, UserID: "user-1", Function: ledger.FunctionScrape, Success: true, CreatedAt: now.Add(-3 * time.Minute)},
		{ID: 2, UserID: "user-1", Function: ledger.FunctionSearch, Success: false, CreatedAt: now.Add(-2 * time.Minute)},
		{ID: 3, UserID: "user-2", Function: ledger.FunctionScrape, Success: true, CreatedAt: now.Add(-time.Minute)},
	}

	rec := env.do(t, http.MethodGet, "/api/v1/admin/analytics", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Data struct {
			TotalCalls    int            `json:"total_calls"`
			DistinctUsers int            `json:"distinct_users"`
			PerFunction   map[string]int `json:"per_function"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Data.TotalCalls != 3 || payload.Data.DistinctUsers != 2 {
		t.Fatalf("unexpected report %+v", payload.Data)
	}
	if payload.Data.PerFunction["scrape"] != 2 || payload.Data.PerFunction["search"] != 1 {
		t.Fatalf("unexpected histogram %v", payload.Data.PerFunction)
	}
}

func TestAnalyticsStoreErrorIsExplicit(t *testing.T) {
	env := newTestEnv(t)
	env.roles.admins["admin-1"] = true
	env.store.listErr = errors.New("connection refused")
	token := env.token(t, "admin-1")

	rec := env.do(t, http.MethodGet, "/api/v1/admin/analytics", token, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unreachable ledger must surface as an error, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
