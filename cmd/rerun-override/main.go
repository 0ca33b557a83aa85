// Command rerun-override is the administrative control plane for the
// rerun-window guard: it grants, lists, and revokes scoped exceptions
// against the rerun_overrides table. Never invoked automatically --
// overrides are only ever operator-granted.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/hmachasher"
	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/keyvault"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/pkg/dbretry"
	"github.com/ignite/quote-sender/internal/pkg/distlock"
)

// lockTTL bounds how long a single grant/clear holds the cross-host lock.
// Generous relative to a single SQLite write, stingy relative to an
// operator walking away mid-command.
const lockTTL = 10 * time.Second

func main() {
	var (
		baseDir        = flag.String("base-dir", ".", "skill base directory (holds config/, logs/)")
		configPath     = flag.String("config", "config/config.json", "path to config.json, relative to base-dir unless absolute")
		allowKey       = flag.String("allow-key", "", "grant an exception for this exact request_key")
		allowRecipient = flag.String("allow-recipient", "", "grant an exception for this recipient email (hashed before storage)")
		ttlMin         = flag.Int("ttl-min", 0, "exception lifetime in minutes, 1..30 (required with --allow-key/--allow-recipient)")
		reason         = flag.String("reason", "", "reason for the exception (required with --allow-key/--allow-recipient)")
		status         = flag.Bool("status", false, "list overrides for the --allow-key/--allow-recipient target")
		clear          = flag.Bool("clear", false, "revoke overrides for the --allow-key/--allow-recipient target immediately")
	)
	flag.Parse()

	if *allowKey == "" && *allowRecipient == "" {
		log.Fatal("rerun-override: one of --allow-key or --allow-recipient is required")
	}
	if *allowKey != "" && *allowRecipient != "" {
		log.Fatal("rerun-override: --allow-key and --allow-recipient are mutually exclusive")
	}

	resolvedConfigPath := *configPath
	if !filepath.IsAbs(resolvedConfigPath) {
		resolvedConfigPath = filepath.Join(*baseDir, resolvedConfigPath)
	}
	cfg, err := config.LoadFromEnv(resolvedConfigPath)
	if err != nil {
		log.Fatalf("rerun-override: load config: %v", err)
	}

	logsDir := filepath.Join(*baseDir, "logs")
	l, err := ledger.Open(filepath.Join(logsDir, "send_ledger.sqlite3"), cfg.DedupeBusyTimeout(),
		dbretry.Policy{MaxAttempts: cfg.DedupeRetryAttempts, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond})
	if err != nil {
		log.Fatalf("rerun-override: open ledger: %v", err)
	}
	defer l.Close()

	ctx := context.Background()

	kind, targetHash, err := resolveTarget(ctx, *baseDir, cfg, *allowKey, *allowRecipient)
	if err != nil {
		log.Fatalf("rerun-override: %v", err)
	}

	// --status is read-only and safe to run concurrently with a grant/clear
	// on another host; only the mutating paths need the lock.
	if *status {
		rows, err := l.OverrideStatus(ctx, kind, targetHash)
		if err != nil {
			log.Fatalf("rerun-override: status: %v", err)
		}
		if len(rows) == 0 {
			fmt.Println("no overrides found")
			return
		}
		now := time.Now().UTC()
		for _, row := range rows {
			state := "expired"
			if row.ExpiresAt.After(now) {
				state = "active"
			}
			fmt.Printf("id=%d kind=%s state=%s created_at=%s expires_at=%s reason=%q operator=%q\n",
				row.ID, row.Kind, state, row.CreatedAt.Format(time.RFC3339), row.ExpiresAt.Format(time.RFC3339), row.Reason, row.Operator)
		}
		return
	}

	lock, closeLock, err := newOverrideLock(filepath.Join(logsDir, "send_ledger.sqlite3"), string(kind)+":"+targetHash)
	if err != nil {
		log.Fatalf("rerun-override: %v", err)
	}
	defer closeLock()

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Fatalf("rerun-override: acquire lock: %v", err)
	}
	if !acquired {
		log.Fatal("rerun-override: another rerun-override invocation holds the lock for this target, try again shortly")
	}
	defer lock.Release(ctx)

	switch {
	case *clear:
		if err := l.ClearOverride(ctx, kind, targetHash); err != nil {
			log.Fatalf("rerun-override: clear: %v", err)
		}
		fmt.Println("override cleared")

	default:
		if *ttlMin < 1 || *ttlMin > 30 {
			log.Fatal("rerun-override: --ttl-min must be in [1, 30]")
		}
		if *reason == "" {
			log.Fatal("rerun-override: --reason is required")
		}
		operator := os.Getenv("QS_OPERATOR")
		if operator == "" {
			if u, err := user.Current(); err == nil {
				operator = u.Username
			}
		}
		host, _ := os.Hostname()

		created, err := l.CreateOverride(ctx, ledger.CreateOverrideInput{
			Kind: kind, TargetHash: targetHash, TTLMin: *ttlMin, Reason: *reason,
			Operator: operator, Host: host, CommandSummaryRedacted: redactedCommandSummary(kind),
		})
		if err != nil {
			log.Fatalf("rerun-override: create: %v", err)
		}
		fmt.Printf("override granted: id=%d kind=%s expires_at=%s\n", created.ID, created.Kind, created.ExpiresAt.Format(time.RFC3339))
	}
}

// newOverrideLock builds the distlock that serializes concurrent
// rerun-override grants/clears against the same target: Redis-backed when
// REDIS_URL is configured (so multiple hosts contend correctly), otherwise
// a SQLite primary-key lock against the same ledger file this process
// already opened, guarding against two operators racing on one host.
// The returned closer releases resources newOverrideLock itself opened
// (the Redis client or the standalone SQLite connection); it does not
// touch the caller's ledger handle.
func newOverrideLock(ledgerPath, lockKey string) (distlock.DistLock, func(), error) {
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		return distlock.NewLock(client, nil, lockKey, lockTTL), func() { client.Close() }, nil
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", ledgerPath))
	if err != nil {
		return nil, nil, fmt.Errorf("open lock connection: %w", err)
	}
	return distlock.NewLock(nil, db, lockKey, lockTTL), func() { db.Close() }, nil
}

// resolveTarget turns --allow-key/--allow-recipient into the (kind,
// target_hash) pair the ledger keys overrides by: request_key is stored
// verbatim, a recipient email is hashed the same way the orchestrator
// hashes it so EvaluateOverride's lookups match.
func resolveTarget(ctx context.Context, baseDir string, cfg *config.Config, allowKey, allowRecipient string) (ledger.OverrideKind, string, error) {
	if allowKey != "" {
		return ledger.OverrideKindRequestKey, allowKey, nil
	}

	vault, err := keyvault.NewFileVault(filepath.Join(baseDir, "secrets", "vault.enc"), filepath.Join(baseDir, "secrets", "vault.key"))
	if err != nil {
		return "", "", fmt.Errorf("open key vault: %w", err)
	}
	registry := hmachasher.NewKeyRegistry(filepath.Join(baseDir, "logs", "request_history", "hmac_key_registry.json"))
	hasher := hmachasher.New(vault, registry, cfg.HMACCredentialService)

	hash, err := hasher.HashRecipient(ctx, keys.EmailNorm(allowRecipient))
	if err != nil {
		return "", "", fmt.Errorf("hash recipient: %w", err)
	}
	return ledger.OverrideKindRecipient, hash, nil
}

func redactedCommandSummary(kind ledger.OverrideKind) string {
	return fmt.Sprintf("rerun_override --allow-%s=<redacted>", kind)
}
