package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for the gateway daemon and CLI.
type GatewayConfig struct {
	Environment string
	HTTPAddress string

	// Backward-compatible base log file; used if specific files unset
	LogFile string
	// Separate log files for CLI and daemon (preferred)
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string

	// Ledger and role stores: sqlite file paths, or postgres:// DSNs.
	LedgerPath string
	RolesPath  string
	// Postgres pool knobs, applied when the paths are DSNs.
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBConnLifetime  int // minutes
	DBConnIdleTime  int // minutes

	// Identity verification: platform (remote introspection) or local (HMAC).
	AuthMode        string // platform|local
	AuthSecret      string // local mode signing secret
	PlatformBaseURL string
	PlatformAPIKey  string

	// Upstream scraping provider.
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration
	UpstreamRPS     float64

	// Per-user sliding window.
	RateLimitMaxRequests   int
	RateLimitWindowSeconds int

	// Retention.
	RetentionDays int
	SweepInterval time.Duration

	// Optional YAML deny rules for scrape/map/crawl targets.
	TargetRulesPath string

	// Optional script invoked on gateway events (sweeps, rate limits).
	HookScriptPath string
	HookTimeout    time.Duration

	// Admin analytics sample size.
	AnalyticsSampleSize int
}

// LoadGatewayConfig reads the current environment and loads the appropriate
// gateway config file, applying CRAWLGATE_* env overrides.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return GatewayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := GatewayConfig{
		Environment: s.Environment,
		HTTPAddress: firstNonEmpty(os.Getenv("CRAWLGATE_HTTP_ADDRESS"), merged["http_address"], ":8090"),
		LogFile:     firstNonEmpty(os.Getenv("CRAWLGATE_LOG_FILE"), merged["log_file"]),
		LogLevel:    firstNonEmpty(os.Getenv("CRAWLGATE_LOG_LEVEL"), merged["log_level"], "info"),
		LedgerPath:  firstNonEmpty(os.Getenv("CRAWLGATE_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		RolesPath:   firstNonEmpty(os.Getenv("CRAWLGATE_ROLES_PATH"), merged["roles_path"], DefaultRolesPath()),

		AuthMode:        strings.ToLower(firstNonEmpty(os.Getenv("CRAWLGATE_AUTH_MODE"), merged["auth_mode"], "platform")),
		AuthSecret:      firstNonEmpty(os.Getenv("CRAWLGATE_AUTH_SECRET"), merged["auth_secret"], "crawlgate-dev-secret"),
		PlatformBaseURL: firstNonEmpty(os.Getenv("CRAWLGATE_PLATFORM_BASE_URL"), merged["platform_base_url"]),
		PlatformAPIKey:  firstNonEmpty(os.Getenv("CRAWLGATE_PLATFORM_API_KEY"), merged["platform_api_key"]),

		UpstreamBaseURL: firstNonEmpty(os.Getenv("CRAWLGATE_UPSTREAM_BASE_URL"), merged["upstream_base_url"]),
		UpstreamAPIKey:  firstNonEmpty(os.Getenv("CRAWLGATE_UPSTREAM_API_KEY"), merged["upstream_api_key"]),

		TargetRulesPath: firstNonEmpty(os.Getenv("CRAWLGATE_TARGET_RULES"), merged["target_rules_path"]),

		HookScriptPath: firstNonEmpty(os.Getenv("CRAWLGATE_HOOK_SCRIPT"), merged["hook_script"]),
	}

	// Preferred separate log files with env override precedence
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("CRAWLGATE_LOG_FILE_CLI"), os.Getenv("CRAWLGATE_LOG_FILE"), merged["log_file_cli"], merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("CRAWLGATE_LOG_FILE_DAEMON"), os.Getenv("CRAWLGATE_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	cfg.DBMaxOpenConns = parseOptionalInt(firstNonEmpty(os.Getenv("CRAWLGATE_DB_MAX_OPEN"), merged["db_max_open_conns"]), 25)
	cfg.DBMaxIdleConns = parseOptionalInt(firstNonEmpty(os.Getenv("CRAWLGATE_DB_MAX_IDLE"), merged["db_max_idle_conns"]), 5)
	cfg.DBConnLifetime = parseOptionalInt(merged["db_conn_lifetime_minutes"], 60)
	cfg.DBConnIdleTime = parseOptionalInt(merged["db_conn_idle_minutes"], 10)

	cfg.RateLimitMaxRequests = parseOptionalInt(firstNonEmpty(os.Getenv("CRAWLGATE_RATE_LIMIT_MAX"), merged["rate_limit_max_requests"]), 20)
	cfg.RateLimitWindowSeconds = parseOptionalInt(firstNonEmpty(os.Getenv("CRAWLGATE_RATE_LIMIT_WINDOW"), merged["rate_limit_window_seconds"]), 60)

	cfg.RetentionDays = parseOptionalInt(firstNonEmpty(os.Getenv("CRAWLGATE_RETENTION_DAYS"), merged["retention_days"]), 30)

	if v := firstNonEmpty(os.Getenv("CRAWLGATE_SWEEP_INTERVAL"), merged["sweep_interval"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid sweep_interval %q: %w", v, err)
		}
		cfg.SweepInterval = dur
	} else {
		cfg.SweepInterval = 24 * time.Hour
	}

	if v := firstNonEmpty(os.Getenv("CRAWLGATE_UPSTREAM_TIMEOUT"), merged["upstream_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid upstream_timeout %q: %w", v, err)
		}
		cfg.UpstreamTimeout = dur
	} else {
		cfg.UpstreamTimeout = 60 * time.Second
	}

	if v := firstNonEmpty(os.Getenv("CRAWLGATE_UPSTREAM_RPS"), merged["upstream_rps"]); v != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid upstream_rps %q: %w", v, err)
		}
		cfg.UpstreamRPS = parsed
	}

	if v := firstNonEmpty(os.Getenv("CRAWLGATE_HOOK_TIMEOUT"), merged["hook_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid hook_timeout %q: %w", v, err)
		}
		cfg.HookTimeout = dur
	} else {
		cfg.HookTimeout = 10 * time.Second
	}

	cfg.AnalyticsSampleSize = parseOptionalInt(merged["analytics_sample_size"], 100)

	if err := cfg.Validate(); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// Validate enforces cross-field invariants that would otherwise surface as
// confusing runtime behaviour.
func (c GatewayConfig) Validate() error {
	switch c.AuthMode {
	case "platform", "local":
	default:
		return fmt.Errorf("invalid auth_mode %q (want platform or local)", c.AuthMode)
	}
	if c.AuthMode == "platform" && strings.TrimSpace(c.PlatformBaseURL) == "" {
		return errors.New("platform auth_mode requires platform_base_url")
	}
	if c.RateLimitMaxRequests <= 0 {
		return errors.New("rate_limit_max_requests must be positive")
	}
	if c.RateLimitWindowSeconds <= 0 {
		return errors.New("rate_limit_window_seconds must be positive")
	}
	if c.RetentionDays <= 0 {
		return errors.New("retention_days must be positive")
	}
	// The sweeper must never delete rows the limiter still counts.
	horizon := time.Duration(c.RetentionDays) * 24 * time.Hour
	window := time.Duration(c.RateLimitWindowSeconds) * time.Second
	if horizon <= window {
		return fmt.Errorf("retention horizon %s must exceed rate window %s", horizon, window)
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// IsPostgresDSN reports whether a store path points at PostgreSQL rather
// than a local SQLite file.
func IsPostgresDSN(path string) bool {
	return strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://")
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage.db"
	}
	return filepath.Join(home, ".crawlgate", "usage.db")
}

// DefaultRolesPath returns the fallback role store path.
func DefaultRolesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "roles.db"
	}
	return filepath.Join(home, ".crawlgate", "roles.db")
}
