// Package main is the entry point for the maintenance runner.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dbsentinel/internal/audit"
	"dbsentinel/internal/cache"
	"dbsentinel/internal/config"
	"dbsentinel/internal/maintenance"
	"dbsentinel/internal/storage"
	s3store "dbsentinel/internal/storage/s3"
)

var version = "dev"

func main() {
	var (
		configPath  string
		database    string
		dryRun      bool
		trends      bool
		showVersion bool

		adminAction string
		adminUser   string
		adminTable  string
		adminPrivs  string
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: SENTINEL_CONFIG_PATH or configs/config.yaml)")
	flag.StringVar(&database, "database", "", "Database to maintain (default: clickhouse.database from config)")
	flag.BoolVar(&dryRun, "dry-run", false, "Report affected rows without mutating data")
	flag.BoolVar(&trends, "trends", false, "Print growth-trend analysis instead of running maintenance")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&adminAction, "admin", "", "Run a user-admin action instead of maintenance: create-user, grant, revoke or drop-user")
	flag.StringVar(&adminUser, "admin-user", "", "Account name for the -admin action (create-user reads the password from SENTINEL_ADMIN_PASSWORD)")
	flag.StringVar(&adminTable, "admin-table", "", "Table for the grant/revoke actions, inside -database")
	flag.StringVar(&adminPrivs, "admin-privileges", "SELECT", "Comma-separated privileges for the grant action")
	flag.Parse()

	if showVersion {
		fmt.Printf("sentinel-maint %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	if database == "" {
		database = cfg.ClickHouse.Database
	}

	// A maintenance run can take a while; a signal cancels the context so
	// the current task aborts instead of being killed mid-mutation.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chClient, err := storage.NewClickHouseClient(cfg.ClickHouse)
	if err != nil {
		slog.Error("failed to connect to ClickHouse", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", slog.String("error", err.Error()))
		}
	}()

	if adminAction != "" {
		os.Exit(runAdmin(ctx, chClient, logger, adminAction, adminUser, database, adminTable, adminPrivs))
	}

	migrator := storage.NewMigrator(chClient, logger)
	if err := migrator.Run(ctx); err != nil {
		slog.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Native TTLs back up the scheduled delete rules between runs.
	retention := storage.NewRetentionManager(chClient, logger)
	if err := retention.ApplyTTLs(ctx, cfg.Maintenance.TTLPolicies()); err != nil {
		slog.Error("failed to apply retention policies", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The snapshot cache is an optimization: a dead Redis only costs the
	// today-overlay in trend analysis.
	var cacheClient cache.Client
	if redisCache, err := cache.NewRedisCache(cfg.Redis); err != nil {
		slog.Warn("redis unavailable, statistics snapshots will not be cached", slog.String("error", err.Error()))
	} else {
		cacheClient = redisCache
		defer redisCache.Close()
	}

	var archiver maintenance.RowArchiver
	if cfg.S3.Enabled {
		s3Client, err := s3store.NewClient(ctx, &cfg.S3.Config, logger)
		if err != nil {
			slog.Error("failed to initialize s3 archiver", slog.String("error", err.Error()))
			os.Exit(1)
		}
		archiver = s3store.NewArchiver(s3Client, &cfg.S3.Archive, logger)
	}

	auditLog := audit.NewLogger(chClient, cfg.AuditConfig(), logger)
	store := maintenance.NewClickHouseStore(chClient)
	scheduler := maintenance.NewScheduler(cfg.Maintenance, store, cacheClient, archiver, auditLog, logger)

	if trends {
		os.Exit(runTrends(ctx, scheduler, database))
	}
	os.Exit(runMaintenance(ctx, scheduler, database, dryRun))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func runMaintenance(ctx context.Context, scheduler *maintenance.Scheduler, database string, dryRun bool) int {
	report, err := scheduler.RunFull(ctx, database, dryRun)
	if err != nil {
		slog.Error("maintenance run failed",
			slog.String("database", database),
			slog.String("error", err.Error()))
		return 1
	}

	printJSON(report)

	if report.Status != maintenance.RunCompleted {
		slog.Warn("maintenance completed with errors",
			slog.String("database", database),
			slog.Int("failed_tasks", len(report.FailedTasks())))
		return 1
	}
	return 0
}

func runAdmin(ctx context.Context, chClient *storage.ClickHouseClient, logger *slog.Logger, action, user, database, table, privileges string) int {
	admin := storage.NewAdminDDL(chClient, logger)

	var err error
	switch action {
	case "create-user":
		err = admin.CreateRestrictedUser(ctx, user, os.Getenv("SENTINEL_ADMIN_PASSWORD"))
	case "grant":
		err = admin.GrantTableAccess(ctx, user, database, table, strings.Split(privileges, ","))
	case "revoke":
		err = admin.RevokeAccess(ctx, user, database, table)
	case "drop-user":
		err = admin.DropUser(ctx, user)
	default:
		err = fmt.Errorf("unknown admin action %q", action)
	}
	if err != nil {
		slog.Error("admin action failed",
			slog.String("action", action),
			slog.String("user", user),
			slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func runTrends(ctx context.Context, scheduler *maintenance.Scheduler, database string) int {
	report, err := scheduler.Trends(ctx, database, 0)
	if err != nil {
		slog.Error("trend analysis failed",
			slog.String("database", database),
			slog.String("error", err.Error()))
		return 1
	}

	printJSON(report)
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to encode report", slog.String("error", err.Error()))
	}
}
