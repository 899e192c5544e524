// Package maintenance runs scheduled database upkeep: statistics
// collection, fragmentation analysis, table optimization, retention-based
// cleanup, and growth-trend projection. A full run is a linear pass whose
// tasks fail independently; the report carries a per-task status array
// rather than aborting on the first error.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbsentinel/internal/audit"
	"dbsentinel/internal/cache"
	"dbsentinel/internal/metrics"
	"dbsentinel/internal/storage"
)

// ErrRunInProgress is returned when a maintenance run is requested for a
// database alias that already has one running in this process.
var ErrRunInProgress = errors.New("maintenance: run already in progress")

// Config controls thresholds and cleanup policy for maintenance runs.
type Config struct {
	// FragmentationThresholdPercent marks a table fragmented when its
	// reclaimable fraction exceeds this percentage.
	FragmentationThresholdPercent float64 `yaml:"fragmentation_threshold_percent"`

	// TableSizeThresholdMB exempts small tables from optimization; both
	// thresholds must be exceeded for a table to count as fragmented.
	TableSizeThresholdMB float64 `yaml:"table_size_threshold_mb"`

	// CleanupRules maps tables to retention policies.
	CleanupRules []CleanupRule `yaml:"cleanup_rules"`

	// SnapshotTTL bounds the Redis statistics snapshot cache.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`

	// TrendWindowDays is the default window for growth-trend analysis.
	TrendWindowDays int `yaml:"trend_window_days"`
}

// DefaultConfig returns the default maintenance configuration.
func DefaultConfig() Config {
	return Config{
		FragmentationThresholdPercent: 30.0,
		TableSizeThresholdMB:          100.0,
		SnapshotTTL:                   48 * time.Hour,
		TrendWindowDays:               7,
	}
}

// Scheduler owns full maintenance runs for one or more database aliases.
// Runs on the same alias are single-flight within the process; different
// aliases run independently.
type Scheduler struct {
	config   Config
	store    Store
	cache    cache.Client
	archiver RowArchiver
	audit    *audit.Logger
	logger   *slog.Logger

	flights flightSet
}

// NewScheduler creates a maintenance scheduler. cache, archiver, and
// auditLogger may be nil: a nil cache skips snapshot caching, a nil
// archiver fails archive rules, a nil audit logger skips the trail.
func NewScheduler(cfg Config, store Store, cacheClient cache.Client, archiver RowArchiver, auditLogger *audit.Logger, logger *slog.Logger) *Scheduler {
	if cfg.FragmentationThresholdPercent <= 0 {
		cfg.FragmentationThresholdPercent = DefaultConfig().FragmentationThresholdPercent
	}
	if cfg.TableSizeThresholdMB <= 0 {
		cfg.TableSizeThresholdMB = DefaultConfig().TableSizeThresholdMB
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultConfig().SnapshotTTL
	}
	if cfg.TrendWindowDays < 2 {
		cfg.TrendWindowDays = DefaultConfig().TrendWindowDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   cfg,
		store:    store,
		cache:    cacheClient,
		archiver: archiver,
		audit:    auditLogger,
		logger:   logger.With("component", "maintenance"),
		flights:  flightSet{active: make(map[string]bool)},
	}
}

// RunFull executes the full maintenance pass against one database:
// statistics before, analysis, optimization of fragmented tables, cleanup
// rules, statistics after, improvement deltas, recommendations, and report
// persistence. With dryRun, row counts are computed but nothing is mutated.
func (s *Scheduler) RunFull(ctx context.Context, database string, dryRun bool) (*Report, error) {
	db, err := storage.SanitizeIdentifier(database)
	if err != nil {
		return nil, err
	}

	if !s.flights.tryAcquire(db) {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, db)
	}
	defer s.flights.release(db)

	report := &Report{
		ID:        uuid.New(),
		Database:  db,
		StartedAt: time.Now().UTC(),
		DryRun:    dryRun,
	}

	s.logger.Info("maintenance run started",
		slog.String("report_id", report.ID.String()),
		slog.String("database", db),
		slog.Bool("dry_run", dryRun))
	s.auditRun(ctx, audit.EventMaintenanceStarted, report, true, "")

	var statsBefore []TableStat
	report.addTask(s.runTask("collect_statistics_before", func() (uint64, error) {
		stats, err := s.collectStatistics(ctx, db)
		if err != nil {
			return 0, err
		}
		statsBefore = stats
		return uint64(len(stats)), nil
	}))
	report.StatsBefore = statsBefore

	var fragmented []TableStat
	report.addTask(s.runTask("analyze_tables", func() (uint64, error) {
		fragmented = fragmentedTables(statsBefore, s.config)
		for _, st := range fragmented {
			s.logger.Info("table needs optimization",
				slog.String("database", db),
				slog.String("table", st.Table),
				slog.Float64("size_mb", st.SizeMB),
				slog.Float64("fragmentation_percent", st.Fragmentation),
				slog.Uint64("parts", st.PartCount))
		}
		return uint64(len(fragmented)), nil
	}))

	report.addTask(s.runTask("optimize_tables", func() (uint64, error) {
		return s.optimizeTables(ctx, db, fragmented, dryRun)
	}))

	for _, rule := range s.config.CleanupRules {
		rule := rule
		report.addTask(s.runTask("cleanup:"+rule.Table, func() (uint64, error) {
			return s.applyCleanupRule(ctx, db, rule, dryRun)
		}))
	}

	var statsAfter []TableStat
	report.addTask(s.runTask("collect_statistics_after", func() (uint64, error) {
		stats, err := s.collectStatistics(ctx, db)
		if err != nil {
			return 0, err
		}
		statsAfter = stats
		return uint64(len(stats)), nil
	}))
	report.StatsAfter = statsAfter

	report.Improvements = computeImprovements(statsBefore, statsAfter)
	report.Recommendations = s.recommendations(ctx, db, statsAfter)
	report.FinishedAt = time.Now().UTC()
	report.Status = report.overallStatus()

	report.addTask(s.runTask("persist_report", func() (uint64, error) {
		return 0, s.store.SaveReport(ctx, report)
	}))
	report.Status = report.overallStatus()

	metrics.MaintenanceRunsTotal.WithLabelValues(string(report.Status), strconv.FormatBool(dryRun)).Inc()
	s.auditRun(ctx, audit.EventMaintenanceCompleted, report, report.Status == RunCompleted, string(report.Status))
	s.logger.Info("maintenance run finished",
		slog.String("report_id", report.ID.String()),
		slog.String("database", db),
		slog.String("status", string(report.Status)),
		slog.Int("tasks", len(report.Tasks)),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))

	return report, nil
}

// runTask times one task and folds its outcome into a TaskResult. The
// metric label uses the task family (text before ':') so per-table cleanup
// tasks share one label value.
func (s *Scheduler) runTask(name string, fn func() (uint64, error)) TaskResult {
	start := time.Now()
	rows, err := fn()

	result := TaskResult{
		Name:         name,
		Status:       TaskCompleted,
		Duration:     time.Since(start),
		RowsAffected: rows,
	}
	if err != nil {
		result.Status = TaskFailed
		result.Error = err.Error()
		s.logger.Error("maintenance task failed",
			slog.String("task", name),
			slog.String("error", err.Error()))
	}

	family := name
	if i := strings.IndexByte(name, ':'); i > 0 {
		family = name[:i]
	}
	metrics.MaintenanceTaskDuration.WithLabelValues(family, string(result.Status)).Observe(result.Duration.Seconds())

	return result
}

func (s *Scheduler) auditRun(ctx context.Context, eventType audit.EventType, report *Report, success bool, status string) {
	if s.audit == nil {
		return
	}
	extra := map[string]string{
		"report_id": report.ID.String(),
		"dry_run":   strconv.FormatBool(report.DryRun),
	}
	if status != "" {
		extra["status"] = status
	}
	if err := s.audit.Log(ctx, audit.Entry{
		EventType: eventType,
		Database:  report.Database,
		Operation: "maintenance",
		Success:   success,
		Extra:     extra,
	}); err != nil {
		s.logger.Warn("failed to audit maintenance run", slog.String("error", err.Error()))
	}
}

// flightSet tracks database aliases with a run in progress.
type flightSet struct {
	mu     sync.Mutex
	active map[string]bool
}

func (f *flightSet) tryAcquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[key] {
		return false
	}
	f.active[key] = true
	return true
}

func (f *flightSet) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, key)
}
