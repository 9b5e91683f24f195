// fiscalctl is the operator CLI for the fiscal submission core: seed and
// enroll device profiles, enqueue finalized orders and closings, drain the
// queue, and inspect audit history.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/maisonpos/fiscalcore/pkg/admin"
	"github.com/maisonpos/fiscalcore/pkg/audit"
	"github.com/maisonpos/fiscalcore/pkg/config"
	"github.com/maisonpos/fiscalcore/pkg/crypto"
	"github.com/maisonpos/fiscalcore/pkg/kms"
	"github.com/maisonpos/fiscalcore/pkg/observability"
	"github.com/maisonpos/fiscalcore/pkg/order"
	"github.com/maisonpos/fiscalcore/pkg/profile"
	"github.com/maisonpos/fiscalcore/pkg/queue"
	"github.com/maisonpos/fiscalcore/pkg/ratelimit"
	"github.com/maisonpos/fiscalcore/pkg/receipt"
	"github.com/maisonpos/fiscalcore/pkg/regulator"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	setupLogging(cfg, stderr)

	switch args[1] {
	case "seed-profiles":
		return runSeedProfiles(cfg, args[2:], stdout, stderr)
	case "enroll":
		return runEnroll(cfg, args[2:], stdout, stderr)
	case "revoke":
		return runRevoke(cfg, args[2:], stdout, stderr)
	case "enqueue":
		return runEnqueue(cfg, args[2:], stdout, stderr)
	case "consume-once":
		return runConsumeOnce(cfg, args[2:], stdout, stderr)
	case "queue-status":
		return runQueueStatus(cfg, args[2:], stdout, stderr)
	case "cancel":
		return runCancel(cfg, args[2:], stdout, stderr)
	case "audit-logs":
		return runAuditLogs(cfg, args[2:], stdout, stderr)
	case "issue-token":
		return runIssueToken(cfg, args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: fiscalctl <command> [flags]

commands:
  seed-profiles  load profile_*.yaml seeds into the profile store
  enroll         obtain a device certificate via CSR
  revoke         annul the current device certificate
  enqueue        queue a finalized order or closing from a JSON file
  consume-once   claim and process one batch of eligible items
  queue-status   print per-status queue counts
  cancel         cancel one pending queue item
  audit-logs     print recent audit entries
  issue-token    mint an admin token (requires FISCAL_ADMIN_SECRET)`)
}

func setupLogging(cfg *config.Config, stderr io.Writer) {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})))
}

// app is the wired store set shared by the subcommands.
type app struct {
	db       *sql.DB
	profiles *profile.SQLiteStore
	audits   *audit.SQLiteStore
	queue    queue.Store
	breaker  *queue.Breaker
	receipts receipt.Store
	limiter  queue.TenantLimiter
	metrics  *observability.Metrics
}

func openApp(cfg *config.Config, receiptTarget string) (*app, error) {
	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	secrets, err := openSecrets(cfg)
	if err != nil {
		return nil, err
	}

	profiles, err := profile.NewSQLiteStore(db, secrets)
	if err != nil {
		return nil, err
	}
	audits, err := audit.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	var qstore queue.Store
	if cfg.PostgresDSN != "" {
		pg, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		qstore, err = queue.NewPostgresStore(pg)
		if err != nil {
			return nil, err
		}
	} else {
		qstore, err = queue.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
	}

	breaker, err := queue.NewBreaker(db, nil)
	if err != nil {
		return nil, err
	}

	receipts, err := receipt.NewStore(receipt.Target(receiptTarget), cfg.ReceiptsDir, db, cfg.StorageWrites)
	if err != nil {
		return nil, err
	}

	var limiter queue.TenantLimiter
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiter(cfg.RedisAddr, "", 0)
	}

	metrics, err := observability.New(context.Background(), &observability.Config{
		ServiceName:    "fiscalcore",
		ServiceVersion: "1.0.0",
		Environment:    string(cfg.Environment),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     1.0,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Insecure:       cfg.Environment != config.EnvProduction,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		db:       db,
		profiles: profiles,
		audits:   audits,
		queue:    qstore,
		breaker:  breaker,
		receipts: receipts,
		limiter:  limiter,
		metrics:  metrics,
	}, nil
}

func openSecrets(cfg *config.Config) (*kms.Store, error) {
	if len(cfg.EncryptionKey) > 0 {
		return kms.New(cfg.EncryptionKey)
	}
	if cfg.Passphrase != "" {
		return kms.NewFromPassphrase(cfg.Passphrase)
	}
	return nil, fmt.Errorf("set FISCAL_ENCRYPTION_KEY or FISCAL_ENCRYPTION_PASSPHRASE")
}

// requireAdmin enforces the token gate when an admin secret is configured.
func requireAdmin(cfg *config.Config, scope string, stderr io.Writer) bool {
	if cfg.AdminSecret == "" {
		return true
	}
	tm, err := admin.NewTokenManager(cfg.AdminSecret)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return false
	}
	if _, err := tm.Require(os.Getenv("FISCAL_ADMIN_TOKEN"), scope); err != nil {
		fmt.Fprintln(stderr, "admin:", err)
		return false
	}
	return true
}

func runSeedProfiles(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seed-profiles", flag.ContinueOnError)
	dir := fs.String("dir", "profiles", "directory with profile_*.yaml seed files")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := openApp(cfg, "none")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = a.db.Close() }()

	n, err := profile.SeedDir(context.Background(), a.profiles, *dir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "seeded %d profiles\n", n)
	return 0
}

func runEnroll(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("enroll", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id")
	branch := fs.String("branch", "", "branch id")
	device := fs.String("device", "", "device id")
	authCode := fs.String("auth-code", "", "authorization code (subject O)")
	taxReg := fs.String("tax-registration", "", "tax registration (subject CN)")
	surname := fs.String("surname", "", "contact surname")
	givenName := fs.String("given-name", "", "contact given name")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *device == "" {
		fmt.Fprintln(stderr, "enroll: -tenant and -device are required")
		return 2
	}
	if !requireAdmin(cfg, admin.ScopeEnroll, stderr) {
		return 1
	}

	a, err := openApp(cfg, "none")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = a.db.Close() }()

	ctx := context.Background()
	p, err := a.profiles.Resolve(ctx, *tenant, *branch, *device)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	client := regulator.NewClient(cfg.BaseURL, nil, regulator.WithTimeout(cfg.RequestTimeout))
	enroller := regulator.NewEnroller(client, a.profiles)
	subject := crypto.CSRSubject{
		Country:           "CA",
		Province:          "QC",
		AuthorizationCode: *authCode,
		TaxRegistration:   *taxReg,
		Surname:           *surname,
		GivenName:         *givenName,
		SerialNumber:      p.DeviceID,
	}
	if err := enroller.Enroll(ctx, p, subject); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "enrolled %s/%s\n", *tenant, *device)
	return 0
}

func runRevoke(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id")
	branch := fs.String("branch", "", "branch id")
	device := fs.String("device", "", "device id")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *device == "" {
		fmt.Fprintln(stderr, "revoke: -tenant and -device are required")
		return 2
	}
	if !requireAdmin(cfg, admin.ScopeRevoke, stderr) {
		return 1
	}

	a, err := openApp(cfg, "none")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = a.db.Close() }()

	ctx := context.Background()
	p, err := a.profiles.Resolve(ctx, *tenant, *branch, *device)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	kp, err := p.Keypair()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	client := regulator.NewClient(cfg.BaseURL, kp, regulator.WithTimeout(cfg.RequestTimeout))
	if err := regulator.NewEnroller(client, a.profiles).Revoke(ctx, p); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "revoked %s/%s\n", *tenant, *device)
	return 0
}

func runEnqueue(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	file := fs.String("file", "", "JSON file holding the order snapshot or closing")
	kind := fs.String("kind", "order", "order | closing")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "enqueue: -file is required")
		return 2
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	a, err := openApp(cfg, "none")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = a.db.Close() }()

	w := queue.NewWorker(cfg, a.queue, a.breaker, a.profiles, a.receipts, a.audits, a.limiter, a.metrics)
	ctx := context.Background()

	var it *queue.Item
	switch *kind {
	case "order":
		var snap order.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			fmt.Fprintln(stderr, "enqueue: parse order:", err)
			return 1
		}
		it, err = w.EnqueueOrder(ctx, &snap)
	case "closing":
		var cl order.Closing
		if err := json.Unmarshal(data, &cl); err != nil {
			fmt.Fprintln(stderr, "enqueue: parse closing:", err)
			return 1
		}
		it, err = w.EnqueueClosing(ctx, &cl)
	default:
		fmt.Fprintln(stderr, "enqueue: -kind must be order or closing")
		return 2
	}
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			fmt.Fprintln(stdout, "already queued")
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "queued %s\n", it.ID)
	return 0
}

func runConsumeOnce(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("consume-once", flag.ContinueOnError)
	target := fs.String("receipts-target", "files", "files | storage | none")
	batch := fs.Int("batch", cfg.BatchLimit, "max items to claim (1..100)")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *batch < 1 || *batch > queue.MaxBatchLimit {
		fmt.Fprintln(stderr, "consume-once: -batch must be 1..100")
		return 2
	}
	cfg.BatchLimit = *batch

	a, err := openApp(cfg, *target)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = a.db.Close() }()

	w := queue.NewWorker(cfg, a.queue, a.breaker, a.profiles, a.receipts, a.audits, a.limiter, a.metrics)
	result, err := w.ConsumeOnce(context.Background())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)

	if result.Failed > 0 {
		return 1
	}
	return 0
}

func runQueueStatus(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	a, err := openApp(cfg, "none")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = a.db.Close() }()

	counts, err := a.queue.StatusCounts(context.Background())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(counts)
	return 0
}

func runCancel(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	id := fs.String("id", "", "queue item id")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "cancel: -id is required")
		return 2
	}
	if !requireAdmin(cfg, admin.ScopeQueue, stderr) {
		return 1
	}

	a, err := openApp(cfg, "none")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = a.db.Close() }()

	if err := a.queue.Cancel(context.Background(), *id); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "cancelled %s\n", *id)
	return 0
}

func runAuditLogs(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit-logs", flag.ContinueOnError)
	orderID := fs.String("order", "", "filter to one order id")
	limit := fs.Int("limit", audit.DefaultListLimit, "max entries (1..200)")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *limit < 1 || *limit > audit.MaxListLimit {
		fmt.Fprintln(stderr, "audit-logs: -limit must be 1..200")
		return 2
	}

	a, err := openApp(cfg, "none")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = a.db.Close() }()

	entries, err := a.audits.List(context.Background(), *orderID, *limit)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(entries)
	return 0
}

func runIssueToken(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "token subject")
	tenant := fs.String("tenant", "", "tenant scope")
	scopes := fs.String("scopes", "enroll,revoke,queue", "comma-separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if cfg.AdminSecret == "" {
		fmt.Fprintln(stderr, "issue-token: FISCAL_ADMIN_SECRET is not set")
		return 1
	}

	tm, err := admin.NewTokenManager(cfg.AdminSecret)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	token, err := tm.Issue(*subject, *tenant, strings.Split(*scopes, ","), *ttl)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
