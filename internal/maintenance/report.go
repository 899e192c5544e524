package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Task and run statuses.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type RunStatus string

const (
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
)

// Recommendation thresholds beyond the configurable fragmentation pair.
const (
	growthRecommendationMBPerDay = 100.0
	partitionRecommendationMB    = 1024.0
)

// TaskResult records the outcome of one maintenance task. Failed tasks
// carry the error; the run continues regardless.
type TaskResult struct {
	Name         string        `json:"name"`
	Status       TaskStatus    `json:"status"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	RowsAffected uint64        `json:"rows_affected"`
}

// Improvement is the before/after delta for one table across a run.
type Improvement struct {
	Table        string  `json:"table"`
	SizeBeforeMB float64 `json:"size_before_mb"`
	SizeAfterMB  float64 `json:"size_after_mb"`
	ReclaimedMB  float64 `json:"reclaimed_mb"`
	FragBefore   float64 `json:"fragmentation_before"`
	FragAfter    float64 `json:"fragmentation_after"`
	RowsBefore   uint64  `json:"rows_before"`
	RowsAfter    uint64  `json:"rows_after"`
}

// Report is the immutable record of one full maintenance run.
type Report struct {
	ID              uuid.UUID     `json:"id"`
	Database        string        `json:"database"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	DryRun          bool          `json:"dry_run"`
	Status          RunStatus     `json:"status"`
	Tasks           []TaskResult  `json:"tasks"`
	StatsBefore     []TableStat   `json:"stats_before,omitempty"`
	StatsAfter      []TableStat   `json:"stats_after,omitempty"`
	Improvements    []Improvement `json:"improvements,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

func (r *Report) addTask(result TaskResult) {
	r.Tasks = append(r.Tasks, result)
}

// FailedTasks returns the tasks that did not complete.
func (r *Report) FailedTasks() []TaskResult {
	var failed []TaskResult
	for _, t := range r.Tasks {
		if t.Status == TaskFailed {
			failed = append(failed, t)
		}
	}
	return failed
}

func (r *Report) overallStatus() RunStatus {
	if len(r.FailedTasks()) > 0 {
		return RunCompletedWithErrors
	}
	return RunCompleted
}

// computeImprovements diffs per-table statistics across a run, keeping
// only tables that actually changed.
func computeImprovements(before, after []TableStat) []Improvement {
	byTable := make(map[string]TableStat, len(before))
	for _, st := range before {
		byTable[st.Table] = st
	}

	var improvements []Improvement
	for _, st := range after {
		prev, ok := byTable[st.Table]
		if !ok {
			continue
		}
		if prev.SizeMB == st.SizeMB && prev.RowCount == st.RowCount && prev.Fragmentation == st.Fragmentation {
			continue
		}
		improvements = append(improvements, Improvement{
			Table:        st.Table,
			SizeBeforeMB: prev.SizeMB,
			SizeAfterMB:  st.SizeMB,
			ReclaimedMB:  prev.SizeMB - st.SizeMB,
			FragBefore:   prev.Fragmentation,
			FragAfter:    st.Fragmentation,
			RowsBefore:   prev.RowCount,
			RowsAfter:    st.RowCount,
		})
	}
	return improvements
}

// recommendations evaluates the threshold rules against current statistics
// and, when trend data exists, growth. Pure rule evaluation.
func (s *Scheduler) recommendations(ctx context.Context, database string, stats []TableStat) []string {
	recs := recommendTableIssues(stats, s.config)

	trends, err := s.Trends(ctx, database, s.config.TrendWindowDays)
	if err != nil {
		s.logger.Warn("trend analysis unavailable for recommendations",
			slog.String("database", database),
			slog.String("error", err.Error()))
		return recs
	}
	if trends.Status != TrendStatusOK {
		return recs
	}
	return append(recs, recommendGrowth(trends.Tables)...)
}

func recommendTableIssues(stats []TableStat, cfg Config) []string {
	var recs []string
	for _, st := range stats {
		if st.Fragmentation > cfg.FragmentationThresholdPercent {
			recs = append(recs, fmt.Sprintf(
				"table %s is %.1f%% fragmented (%.0f MB): run OPTIMIZE TABLE",
				st.Table, st.Fragmentation, st.SizeMB))
		}
		if st.SizeMB > partitionRecommendationMB {
			recs = append(recs, fmt.Sprintf(
				"table %s is %.0f MB: consider partitioning by date",
				st.Table, st.SizeMB))
		}
	}
	return recs
}

func recommendGrowth(trends []TableTrend) []string {
	var recs []string
	for _, tr := range trends {
		if tr.DailyGrowthMB > growthRecommendationMBPerDay {
			recs = append(recs, fmt.Sprintf(
				"table %s grows %.1f MB/day: consider archiving old rows",
				tr.Table, tr.DailyGrowthMB))
		}
	}
	return recs
}
