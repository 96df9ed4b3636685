package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crawlgate/crawlgate-gateway/internal/firewall"
	"github.com/crawlgate/crawlgate-gateway/internal/health"
	"github.com/crawlgate/crawlgate-gateway/internal/hooks"
	"github.com/crawlgate/crawlgate-gateway/internal/identity"
	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
	"github.com/crawlgate/crawlgate-gateway/internal/metrics"
	"github.com/crawlgate/crawlgate-gateway/internal/ratelimit"
	"github.com/crawlgate/crawlgate-gateway/internal/roles"
	"github.com/crawlgate/crawlgate-gateway/internal/scraper"
	"github.com/crawlgate/crawlgate-gateway/internal/sweeper"
	"github.com/crawlgate/crawlgate-gateway/internal/version"
)

// Upstream is the slice of the scraper client the handlers need. Tests swap
// in a stub; production wires *scraper.Client.
type Upstream interface {
	Scrape(ctx context.Context, url string, opts scraper.ScrapeOptions) (*scraper.Result, error)
	Search(ctx context.Context, query string, opts scraper.SearchOptions) (*scraper.Result, error)
	Map(ctx context.Context, url string, opts scraper.MapOptions) (*scraper.Result, error)
	Crawl(ctx context.Context, url string, opts scraper.CrawlOptions) (*scraper.Result, error)
}

// Server exposes the gateway's REST endpoints.
type Server struct {
	verifier identity.Verifier
	ledger   ledger.Store
	roles    roles.Store
	limiter  *ratelimit.Limiter
	upstream Upstream
	sweeper  *sweeper.Sweeper
	guard    *firewall.TargetGuard

	analyticsSample int
	checker         *health.Checker
	collector       *metrics.Collector
	hooks           *hooks.Dispatcher

	logger   *log.Logger
	logLevel string
}

// New constructs a Server with the required dependencies.
func New(verifier identity.Verifier, store ledger.Store, roleStore roles.Store, limiter *ratelimit.Limiter, upstream Upstream, sweep *sweeper.Sweeper, guard *firewall.TargetGuard) *Server {
	if guard == nil {
		guard = firewall.NewTargetGuard()
	}
	return &Server{
		verifier:        verifier,
		ledger:          store,
		roles:           roleStore,
		limiter:         limiter,
		upstream:        upstream,
		sweeper:         sweep,
		guard:           guard,
		analyticsSample: 100,
	}
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

// SetAnalyticsSampleSize overrides how many recent ledger rows the admin
// analytics view aggregates.
func (s *Server) SetAnalyticsSampleSize(n int) {
	if n > 0 {
		s.analyticsSample = n
	}
}

// SetHealthChecker wires in component probes for the health endpoint.
func (s *Server) SetHealthChecker(checker *health.Checker) {
	s.checker = checker
}

// SetMetricsCollector wires in the counters behind the /metrics endpoint.
func (s *Server) SetMetricsCollector(collector *metrics.Collector) {
	s.collector = collector
}

// SetHooks wires an optional event dispatcher for operational events.
func (s *Server) SetHooks(d *hooks.Dispatcher) {
	s.hooks = d
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Get("/healthz", s.HandleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(api chi.Router) {
		// Cleanup does its own credential handling: scheduled invocations
		// arrive without an Authorization header.
		api.Post("/cleanup", s.handleCleanup)

		api.Group(func(private chi.Router) {
			private.Use(s.sessionMiddleware)
			private.Post("/scrape", s.handleScrape)
			private.Post("/search", s.handleSearch)
			private.Post("/map", s.handleMap)
			private.Post("/crawl", s.handleCrawl)
			private.Get("/admin/analytics", s.handleAdminAnalytics)
		})
	})

	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": version.Info(),
	}
	status := http.StatusOK
	if s.checker != nil {
		report := s.checker.Check(r.Context())
		payload["status"] = report.Status
		payload["components"] = report.Components
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.Snapshot())))
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.respondFailure(w, http.StatusUnauthorized, codeUnauthenticated, "missing bearer credential")
			return
		}
		userID, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.respondFailure(w, http.StatusUnauthorized, codeUnauthenticated, "invalid credential")
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionContextKey struct{}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionContextKey{}).(string)
	return id
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondFailure(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
	})
}
