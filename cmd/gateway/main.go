package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crawlgate/crawlgate-gateway/internal/analytics"
	"github.com/crawlgate/crawlgate-gateway/internal/config"
	"github.com/crawlgate/crawlgate-gateway/internal/hooks"
	"github.com/crawlgate/crawlgate-gateway/internal/identity"
	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
	ledgerpg "github.com/crawlgate/crawlgate-gateway/internal/ledger/postgres"
	ledgersql "github.com/crawlgate/crawlgate-gateway/internal/ledger/sqlite"
	"github.com/crawlgate/crawlgate-gateway/internal/roles"
	rolespg "github.com/crawlgate/crawlgate-gateway/internal/roles/postgres"
	rolessql "github.com/crawlgate/crawlgate-gateway/internal/roles/sqlite"
	"github.com/crawlgate/crawlgate-gateway/internal/sweeper"
)

const usageText = `usage: gateway <command> [args]

commands:
  sweep                    run a retention sweep now and print the deleted count
  analytics                print the admin analytics report as JSON
  grant <user-id> <role>   grant a role (admin, moderator, user)
  revoke <user-id> <role>  revoke a role
  roles <user-id>          list a user's role grants
  token <user-id> [ttl]    issue a local-mode bearer token (default ttl 24h)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	logger := log.New(os.Stderr, fmt.Sprintf("[gateway/cli][%s] ", cfg.Environment), log.LstdFlags)

	ctx := context.Background()
	switch os.Args[1] {
	case "sweep":
		runSweep(ctx, cfg, logger)
	case "analytics":
		runAnalytics(ctx, cfg)
	case "grant", "revoke", "roles":
		runRoles(ctx, cfg, os.Args[1], os.Args[2:])
	case "token":
		runToken(cfg, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
}

func runSweep(ctx context.Context, cfg config.GatewayConfig, logger *log.Logger) {
	store := mustOpenLedger(cfg)
	defer store.Close()

	horizon := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	sweep := sweeper.New(store, horizon, logger)
	deleted, err := sweep.Sweep(ctx, sweeper.ServiceUserID)
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
	fmt.Printf("deleted %d entries older than %s\n", deleted, horizon)
}

func runAnalytics(ctx context.Context, cfg config.GatewayConfig) {
	store := mustOpenLedger(cfg)
	defer store.Close()

	entries, err := store.ListRecent(ctx, cfg.AnalyticsSampleSize)
	if err != nil {
		log.Fatalf("read ledger: %v", err)
	}
	report := analytics.Build(entries)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Fatalf("encode report: %v", err)
	}
}

func runRoles(ctx context.Context, cfg config.GatewayConfig, cmd string, args []string) {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	userID := strings.TrimSpace(args[0])

	store := mustOpenRoles(cfg)
	defer store.Close()

	switch cmd {
	case "roles":
		grants, err := store.ListForUser(ctx, userID)
		if err != nil {
			log.Fatalf("list roles: %v", err)
		}
		if len(grants) == 0 {
			fmt.Printf("no role grants for %s\n", userID)
			return
		}
		for _, g := range grants {
			fmt.Printf("%s\t%s\t%s\n", g.UserID, g.Role, g.CreatedAt.Format(time.RFC3339))
		}
	case "grant", "revoke":
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usageText)
			os.Exit(2)
		}
		role := roles.Role(strings.ToLower(strings.TrimSpace(args[1])))
		if !roles.Valid(role) {
			log.Fatalf("unknown role %q (want admin, moderator, or user)", args[1])
		}
		var err error
		if cmd == "grant" {
			err = store.Grant(ctx, userID, role)
		} else {
			err = store.Revoke(ctx, userID, role)
		}
		if err != nil {
			log.Fatalf("%s failed: %v", cmd, err)
		}
		emitRoleEvent(ctx, cfg, cmd, userID, role)
		fmt.Printf("%s %s for %s\n", cmd, role, userID)
	}
}

// emitRoleEvent notifies the configured hook script of a grant change so
// external audit trails stay in sync with the role store.
func emitRoleEvent(ctx context.Context, cfg config.GatewayConfig, cmd, userID string, role roles.Role) {
	script := strings.TrimSpace(cfg.HookScriptPath)
	if script == "" {
		return
	}
	eventType := hooks.EventRoleGranted
	if cmd == "revoke" {
		eventType = hooks.EventRoleRevoked
	}
	dispatcher := new(hooks.Dispatcher)
	dispatcher.Register(hooks.NewScriptHandler(hooks.ScriptConfig{
		Command: script,
		Timeout: cfg.HookTimeout,
	}))
	err := dispatcher.Emit(ctx, hooks.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
		ActorID:    "cli",
		Metadata:   map[string]any{"role": string(role)},
	})
	if err != nil {
		log.Printf("role hook failed: %v", err)
	}
}

func runToken(cfg config.GatewayConfig, args []string) {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	if cfg.AuthMode != "local" {
		log.Fatalf("token issuance requires auth_mode=local (current mode %q verifies against the platform)", cfg.AuthMode)
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		parsed, err := time.ParseDuration(args[1])
		if err != nil {
			log.Fatalf("invalid ttl %q: %v", args[1], err)
		}
		ttl = parsed
	}
	manager := identity.NewLocalManager(cfg.AuthSecret)
	token, err := manager.IssueToken(strings.TrimSpace(args[0]), ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}

func mustOpenLedger(cfg config.GatewayConfig) ledger.Store {
	if config.IsPostgresDSN(cfg.LedgerPath) {
		store, err := ledgerpg.New(cfg.LedgerPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnLifetime, cfg.DBConnIdleTime)
		if err != nil {
			log.Fatalf("open ledger: %v", err)
		}
		return store
	}
	store, err := ledgersql.New(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	return store
}

func mustOpenRoles(cfg config.GatewayConfig) roles.Store {
	if config.IsPostgresDSN(cfg.RolesPath) {
		store, err := rolespg.New(cfg.RolesPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
		if err != nil {
			log.Fatalf("open role store: %v", err)
		}
		return store
	}
	store, err := rolessql.New(cfg.RolesPath)
	if err != nil {
		log.Fatalf("open role store: %v", err)
	}
	return store
}
