package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/tiller/core/pkg/audit"
	"github.com/Mindburn-Labs/tiller/core/pkg/capabilities"
	"github.com/Mindburn-Labs/tiller/core/pkg/config"
	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
	"github.com/Mindburn-Labs/tiller/core/pkg/ledger"
	"github.com/Mindburn-Labs/tiller/core/pkg/migrate"
	"github.com/Mindburn-Labs/tiller/core/pkg/mirror"
	"github.com/Mindburn-Labs/tiller/core/pkg/observability"
	"github.com/Mindburn-Labs/tiller/core/pkg/orchestrator"
	"github.com/Mindburn-Labs/tiller/core/pkg/upgrade"

	_ "github.com/lib/pq" // Postgres Driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "tillerd - upgrade governance service")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  tillerd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server     Run the governance server (default)")
	fmt.Fprintln(w, "  health     Check server health (HTTP)")
	fmt.Fprintln(w, "  help       Show this help")
	fmt.Fprintln(w, "")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func openMirrorStore(ctx context.Context, cfg *config.Config) (mirror.Store, error) {
	switch cfg.MirrorBackend {
	case "postgres":
		st, err := mirror.OpenPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres mirror: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure mirror schema: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := mirror.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite mirror: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.MirrorBackend)
	}
}

// seedConfig initializes the governance config from the active profile when
// the arena holds none yet. A second start is a no-op.
func seedConfig(ctx context.Context, svc *upgrade.Service, profile *config.GovernanceProfile, floor time.Duration, logger *slog.Logger) error {
	if _, err := svc.Config(ctx); err == nil {
		return nil
	}

	minTimelock := profile.MinTimelock
	if minTimelock < floor {
		minTimelock = floor
	}

	cfg := upgrade.Config{
		Approvers:   profile.Approvers,
		Threshold:   profile.Threshold,
		MinTimelock: minTimelock,
		Guardian:    profile.Guardian,
		Program:     contracts.ProgramID(profile.Program),
	}
	if _, err := svc.InitConfig(ctx, "bootstrap", cfg); err != nil {
		return fmt.Errorf("seed governance config: %w", err)
	}

	logger.InfoContext(ctx, "governance config seeded",
		"profile", profile.Code,
		"threshold", profile.Threshold,
		"approvers", len(profile.Approvers),
		"min_timelock", minTimelock.String(),
	)
	return nil
}

func buildNotifier(cfg *config.Config, profile *config.GovernanceProfile, logger *slog.Logger) capabilities.NotificationChannel {
	if profile.Notifications.Channel == "redis" && cfg.RedisAddr != "" {
		channel := profile.Notifications.RedisChannel
		if channel == "" {
			channel = "tiller:governance"
		}
		return capabilities.NewRedisNotifier(cfg.RedisAddr, cfg.RedisPassword, 0, channel)
	}
	return capabilities.NewLogNotifier(logger)
}

//nolint:gocognit,gocyclo
func runServer() {
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		log.Fatalf("Failed to load governance profile %q: %v", cfg.Profile, err)
	}

	blobs, err := capabilities.NewFileBlobStore(cfg.BlobDir)
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}
	hashVerifier := capabilities.NewBlobHashVerifier(blobs)

	// The multisig provider reads the committed governance config, so the
	// service is constructed against the profile's static set first and
	// rebound once the config exists in the arena.
	arena := ledger.NewArena()
	bootstrapMultisig := capabilities.NewStaticMultisigProvider(profile.Approvers)

	svc := upgrade.NewService(arena, capabilities.SystemClock{}, bootstrapMultisig, hashVerifier)
	svc.SetLogger(logger)
	svc.SetNotifier(buildNotifier(cfg, profile, logger))

	if profile.CancelPolicy != "" {
		policy, perr := upgrade.NewCancelPolicy(profile.CancelPolicy)
		if perr != nil {
			log.Fatalf("Invalid cancel policy in profile %q: %v", profile.Code, perr)
		}
		svc.SetCancelPolicy(policy)
	}

	if err := seedConfig(ctx, svc, profile, cfg.MinTimelock, logger); err != nil {
		log.Fatalf("%v", err)
	}
	svc.SetMultisig(upgrade.NewConfigMultisigProvider(svc))

	tracker := migrate.NewTracker(arena, capabilities.SystemClock{}, nil)
	tracker.SetLogger(logger)
	tracker.SetSchemaRegistry(migrate.NewSchemaRegistry())

	chain := audit.NewChain()
	svc.AddSink(chain)
	tracker.AddSink(chain)

	store, err := openMirrorStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open mirror store: %v", err)
	}
	log.Printf("[tiller] mirror: %s ready", cfg.MirrorBackend)

	consumer := mirror.NewConsumer(store, svc, tracker)
	consumer.SetLogger(logger)
	consumer.Start()
	svc.AddSink(consumer)
	tracker.AddSink(consumer)

	// Backfill anything the mirror missed while the service was down.
	reconciler := mirror.NewReconciler(store, svc, tracker)
	report, err := reconciler.Reconcile(ctx)
	if err != nil {
		logger.WarnContext(ctx, "startup reconciliation failed", "error", err)
	} else if report.Backfilled > 0 {
		logger.InfoContext(ctx, "mirror reconciled",
			"proposals", report.Proposals,
			"backfilled", report.Backfilled,
		)
	}

	orch := orchestrator.New(svc, tracker)
	orch.SetLogger(logger)
	if cfg.RedisAddr != "" {
		limiter := orchestrator.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, 0, 50, 100)
		defer limiter.Close()
		orch.SetLimiter(limiter)
		log.Println("[tiller] redis limiter: ready")
	}

	srv := newServer(svc, tracker, orch, chain, obs)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[tiller] ready: http://localhost:%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()

	log.Println("[tiller] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[tiller] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	consumer.Close()
	if err := store.Close(); err != nil {
		logger.Error("mirror close failed", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown failed", "error", err)
	}
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
