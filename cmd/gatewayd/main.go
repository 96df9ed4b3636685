package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crawlgate/crawlgate-gateway/internal/config"
	"github.com/crawlgate/crawlgate-gateway/internal/firewall"
	"github.com/crawlgate/crawlgate-gateway/internal/health"
	"github.com/crawlgate/crawlgate-gateway/internal/hooks"
	"github.com/crawlgate/crawlgate-gateway/internal/httpserver"
	"github.com/crawlgate/crawlgate-gateway/internal/identity"
	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
	ledgerpg "github.com/crawlgate/crawlgate-gateway/internal/ledger/postgres"
	ledgersql "github.com/crawlgate/crawlgate-gateway/internal/ledger/sqlite"
	"github.com/crawlgate/crawlgate-gateway/internal/logging"
	"github.com/crawlgate/crawlgate-gateway/internal/metrics"
	"github.com/crawlgate/crawlgate-gateway/internal/ratelimit"
	"github.com/crawlgate/crawlgate-gateway/internal/roles"
	rolespg "github.com/crawlgate/crawlgate-gateway/internal/roles/postgres"
	rolessql "github.com/crawlgate/crawlgate-gateway/internal/roles/sqlite"
	"github.com/crawlgate/crawlgate-gateway/internal/scraper"
	"github.com/crawlgate/crawlgate-gateway/internal/sweeper"
	"github.com/crawlgate/crawlgate-gateway/internal/version"
)

func main() {
	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging (default enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	logTarget := strings.TrimSpace(cfg.LogFileDaemon)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[gatewayd] ")
		defer rot.Close()
	}

	log.Printf("crawlgate gateway %s starting env=%s", version.FullInfo(), cfg.Environment)

	ledgerStore, err := openLedgerStore(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledgerStore.Close()

	roleStore, err := openRoleStore(cfg)
	if err != nil {
		log.Fatalf("open role store: %v", err)
	}
	defer roleStore.Close()

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatalf("configure identity verifier: %v", err)
	}

	upstream, err := scraper.New(scraper.Config{
		APIKey:            cfg.UpstreamAPIKey,
		BaseURL:           cfg.UpstreamBaseURL,
		RequestTimeout:    cfg.UpstreamTimeout,
		RequestsPerSecond: cfg.UpstreamRPS,
	})
	if err != nil {
		log.Fatalf("configure upstream client: %v", err)
	}

	guard := firewall.NewTargetGuard()
	if path := strings.TrimSpace(cfg.TargetRulesPath); path != "" {
		guard, err = firewall.LoadTargetGuard(path)
		if err != nil {
			log.Fatalf("load target rules: %v", err)
		}
		log.Printf("target rules loaded path=%s", path)
	}

	limiter := ratelimit.NewLimiter(ledgerStore, ratelimit.Config{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}, log.Default())

	horizon := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	sweep := sweeper.New(ledgerStore, horizon, log.Default())

	var dispatcher *hooks.Dispatcher
	if script := strings.TrimSpace(cfg.HookScriptPath); script != "" {
		dispatcher = new(hooks.Dispatcher)
		dispatcher.Register(hooks.NewScriptHandler(hooks.ScriptConfig{
			Command: script,
			Timeout: cfg.HookTimeout,
		}))
		sweep.SetHooks(dispatcher)
		log.Printf("event hooks enabled script=%s timeout=%s", script, cfg.HookTimeout)
	}

	runCtx, stopRunner := context.WithCancel(context.Background())
	defer stopRunner()
	runner := sweeper.NewRunner(sweep, cfg.SweepInterval, log.Default())
	go runner.Run(runCtx)
	log.Printf("retention sweeper scheduled interval=%s horizon=%s", cfg.SweepInterval, horizon)

	httpSrv := httpserver.New(verifier, ledgerStore, roleStore, limiter, upstream, sweep, guard)
	httpSrv.SetLogger(cfg.LogLevel, log.Default())
	httpSrv.SetAnalyticsSampleSize(cfg.AnalyticsSampleSize)
	healthCfg := health.Config{
		UpstreamBaseURL: cfg.UpstreamBaseURL,
		PlatformBaseURL: cfg.PlatformBaseURL,
	}
	if p, ok := ledgerStore.(health.Pinger); ok {
		healthCfg.LedgerStore = p
	}
	if p, ok := roleStore.(health.Pinger); ok {
		healthCfg.RoleStore = p
	}
	httpSrv.SetHealthChecker(health.New(healthCfg))
	httpSrv.SetMetricsCollector(metrics.NewCollector())
	if dispatcher != nil {
		httpSrv.SetHooks(dispatcher)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.UpstreamTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("gateway server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	stopRunner()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openLedgerStore(cfg config.GatewayConfig) (ledger.Store, error) {
	if config.IsPostgresDSN(cfg.LedgerPath) {
		log.Printf("ledger store backend=postgres")
		return ledgerpg.New(cfg.LedgerPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnLifetime, cfg.DBConnIdleTime)
	}
	log.Printf("ledger store backend=sqlite path=%s", cfg.LedgerPath)
	return ledgersql.New(cfg.LedgerPath)
}

func openRoleStore(cfg config.GatewayConfig) (roles.Store, error) {
	if config.IsPostgresDSN(cfg.RolesPath) {
		log.Printf("role store backend=postgres")
		return rolespg.New(cfg.RolesPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	log.Printf("role store backend=sqlite path=%s", cfg.RolesPath)
	return rolessql.New(cfg.RolesPath)
}

func buildVerifier(cfg config.GatewayConfig) (identity.Verifier, error) {
	if cfg.AuthMode == "local" {
		log.Printf("identity verifier mode=local")
		return identity.NewLocalManager(cfg.AuthSecret), nil
	}
	log.Printf("identity verifier mode=platform base_url=%s", cfg.PlatformBaseURL)
	return identity.NewPlatformVerifier(identity.PlatformConfig{
		BaseURL: cfg.PlatformBaseURL,
		APIKey:  cfg.PlatformAPIKey,
	})
}
