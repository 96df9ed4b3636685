package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crawlgate/crawlgate-gateway/internal/analytics"
	"github.com/crawlgate/crawlgate-gateway/internal/hooks"
	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
	"github.com/crawlgate/crawlgate-gateway/internal/roles"
	"github.com/crawlgate/crawlgate-gateway/internal/scraper"
	"github.com/crawlgate/crawlgate-gateway/internal/sweeper"
)

// operationRequest is the inbound body shared by all proxy operations.
// Scrape/map/crawl carry a URL, search carries a free-text query.
type operationRequest struct {
	URL     string          `json:"url"`
	Query   string          `json:"query"`
	Options json.RawMessage `json:"options"`
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	s.proxyOperation(w, r, ledger.FunctionScrape)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.proxyOperation(w, r, ledger.FunctionSearch)
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	s.proxyOperation(w, r, ledger.FunctionMap)
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	s.proxyOperation(w, r, ledger.FunctionCrawl)
}

// proxyOperation runs the shared pipeline for scrape/search/map/crawl:
// decode, validate target, rate-limit, forward upstream, write exactly one
// ledger entry once the outcome is known, relay the upstream body.
func (s *Server) proxyOperation(w http.ResponseWriter, r *http.Request, fn ledger.Function) {
	reqStart := time.Now()
	userID := userIDFromContext(r.Context())

	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondFailure(w, http.StatusBadRequest, codeInvalidArgument, "malformed request body")
		return
	}

	// Argument failures short-circuit with no ledger entry: no quota was
	// consumed and nothing external was touched.
	target, err := s.resolveTarget(fn, req)
	if err != nil {
		s.respondFailure(w, http.StatusBadRequest, codeInvalidArgument, err.Error())
		return
	}
	call, err := s.buildUpstreamCall(fn, target, req.Options)
	if err != nil {
		s.respondFailure(w, http.StatusBadRequest, codeInvalidArgument, err.Error())
		return
	}

	s.debugf("%s dispatch user=%s target=%s", fn, userID, target)

	decision := s.limiter.Check(r.Context(), userID)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Allowed {
		if s.collector != nil {
			s.collector.RecordRateLimitHit(userID)
			s.collector.RecordError(string(fn))
		}
		if s.hooks != nil {
			evt := hooks.Event{
				ID:         uuid.NewString(),
				Type:       hooks.EventRateLimitExceeded,
				OccurredAt: time.Now().UTC(),
				UserID:     userID,
				ActorID:    userID,
				Metadata: map[string]any{
					"function": string(fn),
					"limit":    decision.Limit,
				},
			}
			if hookErr := s.hooks.Emit(r.Context(), evt); hookErr != nil {
				s.logf("rate limit hook failed user=%s err=%v", userID, hookErr)
			}
		}
		entry := ledger.Entry{
			UserID:        userID,
			Function:      fn,
			RequestTarget: ledger.StringPtr(target),
			Success:       false,
			ErrorMessage:  ledger.StringPtr("Rate limit exceeded"),
		}
		if recErr := s.ledger.Record(r.Context(), entry); recErr != nil {
			s.logf("%s ledger write failed user=%s err=%v", fn, userID, recErr)
			s.respondFailure(w, http.StatusInternalServerError, codeStorageUnavailable, "usage ledger unavailable")
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
		s.respondFailure(w, http.StatusTooManyRequests, codeRateLimited, "Rate limit exceeded")
		return
	}

	result, callErr := call(r.Context())

	entry := ledger.Entry{
		UserID:        userID,
		Function:      fn,
		RequestTarget: ledger.StringPtr(target),
	}
	if callErr != nil {
		entry.Success = false
		entry.ErrorMessage = ledger.StringPtr(callErr.Error())
	} else {
		entry.StatusCode = ledger.IntPtr(result.StatusCode)
		entry.Success = result.StatusCode >= 200 && result.StatusCode < 300
		if !entry.Success {
			entry.ErrorMessage = ledger.StringPtr(fmt.Sprintf("upstream status %d", result.StatusCode))
		}
	}
	if recErr := s.ledger.Record(r.Context(), entry); recErr != nil {
		// A silently dropped audit entry is worse than a failed call.
		s.logf("%s ledger write failed user=%s err=%v", fn, userID, recErr)
		s.respondFailure(w, http.StatusInternalServerError, codeStorageUnavailable, "usage ledger unavailable")
		return
	}

	if callErr != nil {
		var te *scraper.TransportError
		if errors.As(callErr, &te) {
			s.logf("%s upstream transport failure user=%s err=%v", fn, userID, callErr)
		} else {
			s.logf("%s upstream call failed user=%s err=%v", fn, userID, callErr)
		}
		if s.collector != nil {
			s.collector.RecordUpstreamTransportFailure()
			s.collector.RecordError(string(fn))
			s.collector.RecordRequest(string(fn), time.Since(reqStart))
		}
		s.respondFailure(w, http.StatusBadGateway, codeUpstreamUnavailable, msgUpstreamUnavailable)
		return
	}

	if s.collector != nil {
		s.collector.RecordUpstreamStatus(result.StatusCode)
		if !entry.Success {
			s.collector.RecordError(string(fn))
		}
		s.collector.RecordRequest(string(fn), time.Since(reqStart))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
	s.logf("%s user=%s status=%d total_ms=%d", fn, userID, result.StatusCode, time.Since(reqStart).Milliseconds())
}

// maxTargetLen bounds URLs and queries; anything longer is a client error
// before quota or upstream are touched.
const maxTargetLen = 2048

func (s *Server) resolveTarget(fn ledger.Function, req operationRequest) (string, error) {
	if fn == ledger.FunctionSearch {
		query := strings.TrimSpace(req.Query)
		if query == "" {
			return "", errors.New("query is required")
		}
		if len(query) > maxTargetLen {
			return "", errors.New("query too long")
		}
		return query, nil
	}
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return "", errors.New("url is required")
	}
	if len(target) > maxTargetLen {
		return "", errors.New("url too long")
	}
	if err := s.guard.Check(target); err != nil {
		return "", err
	}
	return target, nil
}

// buildUpstreamCall decodes the per-operation options record and binds it
// into a closure over the upstream client. Options are a fixed enumerated
// set per operation, so unknown fields are rejected rather than dropped.
func (s *Server) buildUpstreamCall(fn ledger.Function, target string, raw json.RawMessage) (func(context.Context) (*scraper.Result, error), error) {
	switch fn {
	case ledger.FunctionScrape:
		var opts scraper.ScrapeOptions
		if err := decodeOptions(raw, &opts); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (*scraper.Result, error) {
			return s.upstream.Scrape(ctx, target, opts)
		}, nil
	case ledger.FunctionSearch:
		var in struct {
			scraper.SearchOptions
			ScrapeFormats []string `json:"scrapeFormats"`
		}
		if err := decodeOptions(raw, &in); err != nil {
			return nil, err
		}
		opts := in.SearchOptions
		opts.ScrapeFormats = in.ScrapeFormats
		return func(ctx context.Context) (*scraper.Result, error) {
			return s.upstream.Search(ctx, target, opts)
		}, nil
	case ledger.FunctionMap:
		var opts scraper.MapOptions
		if err := decodeOptions(raw, &opts); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (*scraper.Result, error) {
			return s.upstream.Map(ctx, target, opts)
		}, nil
	case ledger.FunctionCrawl:
		var opts scraper.CrawlOptions
		if err := decodeOptions(raw, &opts); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (*scraper.Result, error) {
			return s.upstream.Crawl(ctx, target, opts)
		}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", fn)
	}
}

func decodeOptions(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid options: %v", err)
	}
	return nil
}

// handleCleanup triggers a retention sweep. Two call paths: the internal
// scheduler sends no Authorization header; everyone else must present a
// credential resolving to a user holding the admin role. The role check hits
// the store fresh on every call since grants can be revoked between calls.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	actor := sweeper.ServiceUserID
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		token := bearerToken(header)
		if token == "" {
			s.respondFailure(w, http.StatusUnauthorized, codeUnauthenticated, "invalid credential")
			return
		}
		userID, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.respondFailure(w, http.StatusUnauthorized, codeUnauthenticated, "invalid credential")
			return
		}
		isAdmin, err := s.roles.HasRole(r.Context(), userID, roles.RoleAdmin)
		if err != nil {
			s.logf("cleanup role check failed user=%s err=%v", userID, err)
			s.respondFailure(w, http.StatusInternalServerError, codeStorageUnavailable, "role store unavailable")
			return
		}
		if !isAdmin {
			s.respondFailure(w, http.StatusForbidden, codeForbidden, "admin role required")
			return
		}
		actor = userID
	}

	deleted, err := s.sweeper.Sweep(r.Context(), actor)
	if err != nil {
		s.logf("cleanup sweep failed actor=%s err=%v", actor, err)
		s.respondFailure(w, http.StatusInternalServerError, codeStorageUnavailable, "usage ledger unavailable")
		return
	}
	if s.collector != nil {
		s.collector.RecordSweep(deleted)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"deleted_count": deleted},
	})
}

// handleAdminAnalytics aggregates the most recent ledger rows for operators.
// A ledger read failure is an explicit error, never an empty report, so "no
// data" cannot be mistaken for "no failures".
func (s *Server) handleAdminAnalytics(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	isAdmin, err := s.roles.HasRole(r.Context(), userID, roles.RoleAdmin)
	if err != nil {
		s.logf("analytics role check failed user=%s err=%v", userID, err)
		s.respondFailure(w, http.StatusInternalServerError, codeStorageUnavailable, "role store unavailable")
		return
	}
	if !isAdmin {
		s.respondFailure(w, http.StatusForbidden, codeForbidden, "admin role required")
		return
	}

	entries, err := s.ledger.ListRecent(r.Context(), s.analyticsSample)
	if err != nil {
		s.logf("analytics ledger read failed user=%s err=%v", userID, err)
		s.respondFailure(w, http.StatusInternalServerError, codeStorageUnavailable, "usage ledger unavailable")
		return
	}
	report := analytics.Build(entries)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    report,
	})
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
