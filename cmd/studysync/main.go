// StudySync is the data migration and synchronization daemon for the
// AkılHane study platform. It moves guest-scoped study data (subjects,
// questions, quiz history, AI chat) into a signed-in account exactly once,
// then keeps the on-device cache and the cloud store converged with
// periodic bidirectional reconciliation passes.
//
// Usage:
//
//	studysync migrate [--guest <id>]        # one-time guest → account migration
//	studysync daemon [--config <path>]      # migrate if needed, then sync periodically
//	studysync sync-once [--config <path>]   # single reconciliation pass then exit
//	studysync status                        # show config & cache state
//	studysync snapshots                     # list pre-migration snapshots
//	studysync restore <snapshot-id>         # restore a snapshot into the cache
//	studysync version                       # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akilhane/studysync/internal/config"
	"github.com/akilhane/studysync/internal/engine"
	"github.com/akilhane/studysync/internal/localcache"
	"github.com/akilhane/studysync/internal/model"
	"github.com/akilhane/studysync/internal/notify"
	"github.com/akilhane/studysync/internal/remotestore"
	"github.com/akilhane/studysync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "migrate":
		return runEngine(os.Args[2:], modeMigrate)
	case "daemon":
		return runEngine(os.Args[2:], modeDaemon)
	case "sync-once":
		return runEngine(os.Args[2:], modeSyncOnce)
	case "status":
		return runStatus()
	case "snapshots":
		return runSnapshots()
	case "restore":
		return runRestore(os.Args[2:])
	case "version":
		fmt.Println("studysync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'studysync' for usage", cmd)
	}
}

func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "StudySync — migrate and sync AkılHane study data")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  studysync migrate [--guest <id>]     One-time guest → account migration")
	fmt.Fprintln(os.Stderr, "  studysync daemon [--config ...]      Migrate if needed, then sync periodically")
	fmt.Fprintln(os.Stderr, "  studysync sync-once [--config ...]   Single reconciliation pass then exit")
	fmt.Fprintln(os.Stderr, "  studysync status                     Show config & cache state")
	fmt.Fprintln(os.Stderr, "  studysync snapshots                  List pre-migration snapshots")
	fmt.Fprintln(os.Stderr, "  studysync restore <snapshot-id>      Restore a snapshot into the cache")
	fmt.Fprintln(os.Stderr, "  studysync version                    Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "No config file found at %s.\n", cfgPath)
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Modes -------------------------------------------------------------------

type mode int

const (
	modeMigrate mode = iota
	modeSyncOnce
	modeDaemon
)

// runEngine is the shared implementation for migrate, sync-once, and daemon.
func runEngine(args []string, m mode) error {
	fs := flag.NewFlagSet("studysync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	guestFlag := fs.String("guest", "", "migrate this guest scope instead of the stored one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"remote_url", cfg.RemoteURL,
		"sync_interval", cfg.SyncInterval,
		"write_concurrency", cfg.WriteConcurrency,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Local cache ---------------------------------------------------------

	store, err := localcache.Open(cfg.CacheDBPath, logger)
	if err != nil {
		return fmt.Errorf("opening cache at %q: %w", cfg.CacheDBPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing cache", "error", closeErr)
		}
	}()
	logger.Info("cache opened", "path", cfg.CacheDBPath)

	// --- Remote store & connectivity check -----------------------------------

	client, err := remotestore.NewClient(cfg.RemoteURL, cfg.RemoteToken, logger)
	if err != nil {
		return fmt.Errorf("initialising remote store client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to remote store at %q: %w\n\nCheck remote_url and remote_token in your config file", cfg.RemoteURL, err)
	}
	logger.Info("remote store reachable", "account_id", client.AccountID())

	// --- Engine --------------------------------------------------------------

	hub := notify.NewHub()
	defer hub.Close()
	unsubscribe := hub.Subscribe(func(ev notify.Event) {
		logger.Debug("data changed", "scope", ev.Scope, "types", ev.EntityTypes)
	})
	defer unsubscribe()

	eng := engine.New(store, client, hub, engine.Options{
		Interval:         cfg.SyncInterval,
		WriteConcurrency: cfg.WriteConcurrency,
		Logger:           logger,
	})

	// --- Pending migration ---------------------------------------------------

	// A stored guest id means this device has data from before sign-in.
	// The migrate mode requires it; the daemon handles it opportunistically.
	guestID, err := store.GuestID(ctx)
	if err != nil {
		return fmt.Errorf("reading guest id: %w", err)
	}
	if *guestFlag != "" {
		guestID = *guestFlag
	}

	if m == modeMigrate || guestID != "" {
		if guestID == "" {
			logger.Info("no guest scope present, nothing to migrate")
		} else if err := migrate(ctx, eng, store, cfg, guestID, client.AccountID(), logger); err != nil {
			return err
		}
		if m == modeMigrate {
			return nil
		}
	}

	// --- Dispatch mode -------------------------------------------------------

	if m == modeSyncOnce {
		stats, err := eng.Scheduler.SyncNow(ctx, client.AccountID())
		logger.Info("sync complete",
			"pushed", stats.Pushed,
			"pulled", stats.Pulled,
			"deduped", stats.Deduped,
			"conflicts", stats.Conflicts,
			"errors", stats.Errors,
		)
		return err
	}

	logger.Info("daemon starting", "sync_interval", cfg.SyncInterval)
	eng.Scheduler.Start(ctx, client.AccountID())
	<-ctx.Done()
	eng.Scheduler.Stop()
	logger.Info("shutdown complete")
	return nil
}

// migrate runs the one-time guest migration and clears the guest scope once
// every record has been handled. A partial run keeps the guest id so the
// next invocation retries exactly the remainder.
func migrate(ctx context.Context, eng *engine.Engine, store *localcache.Store, cfg *config.Config, guestID, accountID string, logger *slog.Logger) error {
	hasAccount, err := eng.Migrator.HasAccountData(ctx, accountID)
	if err != nil {
		return fmt.Errorf("probing account data: %w", err)
	}
	if hasAccount {
		logger.Info("account already holds data, guest records will be merged", "account_id", accountID)
	}

	rep, err := eng.Migrator.MigrateGuestData(ctx, guestID, accountID)
	if err != nil {
		return fmt.Errorf("migrating guest data: %w", err)
	}

	for _, t := range model.AllTypes() {
		out := rep.PerType[t]
		if out == (engine.TypeOutcome{}) {
			continue
		}
		logger.Info("migrated",
			"type", t,
			"created", out.Created,
			"merged", out.Merged,
			"skipped", out.Skipped,
			"failed", out.Failed,
		)
	}

	if !rep.Complete() {
		logger.Warn("migration partially complete, run again to retry failed records",
			"failed", rep.Failures())
		return nil
	}

	if err := store.ClearGuestID(ctx); err != nil {
		return fmt.Errorf("clearing guest id: %w", err)
	}
	if err := store.PruneSnapshots(ctx, cfg.SnapshotKeep); err != nil {
		logger.Error("pruning snapshots", "error", err)
	}
	logger.Info("migration complete", "duration", rep.Duration, "snapshot", rep.SnapshotID)
	return nil
}

// --- Read-only subcommands ---------------------------------------------------

func runStatus() error {
	cfgPath, _ := config.DefaultPath()

	fmt.Println("StudySync Status")
	fmt.Println("────────────────")

	var cachePath string
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, loadErr := config.Load(cfgPath)
		if loadErr != nil {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
			return nil
		}
		fmt.Printf("  Config:    %s ✓\n", cfgPath)
		fmt.Printf("  Remote:    %s\n", cfg.RemoteURL)
		fmt.Printf("  Interval:  %s\n", cfg.SyncInterval)
		cachePath = cfg.CacheDBPath
	} else {
		fmt.Printf("  Config:    not found (%s)\n", cfgPath)
		cachePath, _ = config.DefaultCachePath()
	}

	info, err := os.Stat(cachePath)
	if err != nil {
		fmt.Println("  Cache:     not found")
		return nil
	}
	fmt.Printf("  Cache:     %s (%s)\n", cachePath, humanSize(info.Size()))

	store, err := localcache.Open(cachePath, slog.Default())
	if err != nil {
		fmt.Printf("  Cache:     unreadable (%v)\n", err)
		return nil
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	guestID, err := store.GuestID(ctx)
	if err != nil {
		return fmt.Errorf("reading guest id: %w", err)
	}
	if guestID == "" {
		fmt.Println("  Guest:     none (migration done or never needed)")
		return nil
	}

	fmt.Printf("  Guest:     %s (migration pending)\n", guestID)
	counts, err := store.Counts(ctx, guestID)
	if err != nil {
		return fmt.Errorf("counting guest records: %w", err)
	}
	for _, t := range model.AllTypes() {
		if counts[t] > 0 {
			fmt.Printf("    %-15s %d\n", t, counts[t])
		}
	}
	return nil
}

func runSnapshots() error {
	store, err := openDefaultCache()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	snaps, err := store.ListSnapshots(context.Background())
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots.")
		return nil
	}
	for _, s := range snaps {
		fmt.Printf("  %s  owner=%s  taken=%s\n",
			s.ID, s.OwnerID, s.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runRestore(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: studysync restore <snapshot-id>")
	}
	store, err := openDefaultCache()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	guestID, err := store.EnsureGuestID(ctx)
	if err != nil {
		return fmt.Errorf("preparing guest scope: %w", err)
	}
	if err := store.RestoreSnapshot(ctx, args[0], guestID); err != nil {
		return fmt.Errorf("restoring snapshot %q: %w", args[0], err)
	}
	fmt.Printf("Snapshot %s restored into guest scope %s.\n", args[0], guestID)
	return nil
}

func openDefaultCache() (*localcache.Store, error) {
	cfgPath, _ := config.DefaultPath()
	cachePath, _ := config.DefaultCachePath()
	if cfg, err := config.Load(cfgPath); err == nil && cfg.CacheDBPath != "" {
		cachePath = cfg.CacheDBPath
	}
	store, err := localcache.Open(cachePath, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("opening cache at %q: %w", cachePath, err)
	}
	return store, nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
