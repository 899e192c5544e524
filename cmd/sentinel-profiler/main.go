// Package main is the entry point for the behavior profiler service.
//
// The profiler consumes the activity feed and maintains per-principal
// behavior profiles in ClickHouse. It is the learning half of anomaly
// detection: inspectors embedded in other services evaluate queries
// against the profiles this service builds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dbsentinel/internal/config"
	"dbsentinel/internal/detect"
	"dbsentinel/internal/feed"
	"dbsentinel/internal/storage"
)

var version = "dev"

func main() {
	var (
		configPath  string
		metricsAddr string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (default: $SENTINEL_CONFIG_PATH or configs/config.yaml)")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Listen address for metrics and health endpoints")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("sentinel-profiler %s\n", version)
		return
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

	logger.Info("configuration loaded",
		slog.String("brokers", strings.Join(cfg.Kafka.Brokers, ",")),
		slog.String("topic", cfg.Kafka.Topic),
		slog.String("group", cfg.Kafka.ConsumerGroup),
		slog.String("learning_window", cfg.LearningWindow().String()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chClient, err := storage.NewClickHouseClient(cfg.ClickHouse)
	if err != nil {
		logger.Error("failed to connect to ClickHouse", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("running database migrations")
	if err := storage.NewMigrator(chClient, logger).Run(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	profileStore := detect.NewProfileStore(chClient)
	profiler := detect.NewBehaviorProfiler(profileStore, cfg.LearningWindow(), logger)

	// A cold start would overwrite established profiles with fresh ones,
	// so failing to load is fatal rather than a degraded mode.
	if err := profiler.LoadProfiles(ctx); err != nil {
		logger.Error("failed to load behavior profiles", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("behavior profiles loaded", slog.Int("count", profiler.ProfileCount()))

	if err := feed.EnsureTopic(ctx, &cfg.Kafka, logger); err != nil {
		logger.Error("failed to ensure feed topic", slog.String("error", err.Error()))
		os.Exit(1)
	}

	feedConsumer, err := feed.NewConsumer(&cfg.Kafka, profiler, logger)
	if err != nil {
		logger.Error("failed to create activity consumer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","profiles":%d}`, profiler.ProfileCount())
	})

	server := &http.Server{
		Addr:         metricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", slog.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- feedConsumer.Run(ctx)
	}()

	// Wait for shutdown signal or consumer death
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	consumerFailed := false
	consumerRunning := true
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-runErr:
		consumerRunning = false
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("activity consumer terminated", slog.String("error", err.Error()))
			consumerFailed = true
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := feedConsumer.Stop(); err != nil {
		logger.Error("consumer stop error", slog.String("error", err.Error()))
	}

	// Wait for the consumer loop to finish its in-flight record.
	if consumerRunning {
		select {
		case <-runErr:
		case <-shutdownCtx.Done():
			logger.Warn("consumer did not stop in time")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	if err := chClient.Close(); err != nil {
		logger.Error("clickhouse close error", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete", slog.Int("profiles", profiler.ProfileCount()))

	if consumerFailed {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
