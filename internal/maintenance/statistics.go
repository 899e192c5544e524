package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"dbsentinel/internal/cache"
	"dbsentinel/internal/storage"
)

// Trend report statuses. Trend analysis never guesses: with fewer than two
// snapshots it says so instead of projecting from a single point.
const (
	TrendStatusOK               = "ok"
	TrendStatusInsufficientData = "insufficient data"
)

const snapshotKeyPrefix = "maintstats:"

// TableStat is a point-in-time measurement of one table.
type TableStat struct {
	Database      string  `json:"database"`
	Table         string  `json:"table"`
	RowCount      uint64  `json:"row_count"`
	SizeMB        float64 `json:"size_mb"`
	Fragmentation float64 `json:"fragmentation_percent"`
	PartCount     uint64  `json:"part_count"`
}

// Snapshot is one day's statistics for every table in a database.
type Snapshot struct {
	Date  time.Time   `json:"date"`
	Stats []TableStat `json:"stats"`
}

// TableTrend is the growth projection for one table across the window.
type TableTrend struct {
	Table         string  `json:"table"`
	CurrentSizeMB float64 `json:"current_size_mb"`
	DailyGrowthMB float64 `json:"daily_growth_mb"`
	Snapshots     int     `json:"snapshots"`
}

// TrendReport is the result of growth-trend analysis over daily snapshots.
type TrendReport struct {
	Database   string       `json:"database"`
	WindowDays int          `json:"window_days"`
	Status     string       `json:"status"`
	Tables     []TableTrend `json:"tables,omitempty"`
}

// collectStatistics reads fresh table statistics and records them as
// today's snapshot, both in the Redis cache and the statistics table.
// Snapshot persistence is best-effort: the statistics themselves are the
// product.
func (s *Scheduler) collectStatistics(ctx context.Context, database string) ([]TableStat, error) {
	stats, err := s.store.TableStats(ctx, database)
	if err != nil {
		return nil, err
	}

	snapshot := Snapshot{Date: dateOf(time.Now().UTC()), Stats: stats}
	s.cacheSnapshot(ctx, database, snapshot)
	if err := s.store.SaveSnapshot(ctx, database, snapshot); err != nil {
		s.logger.Warn("failed to persist statistics snapshot",
			slog.String("database", database),
			slog.String("error", err.Error()))
	}
	return stats, nil
}

func (s *Scheduler) cacheSnapshot(ctx context.Context, database string, snapshot Snapshot) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(snapshot.Stats)
	if err != nil {
		return
	}
	key := snapshotKey(database, snapshot.Date)
	if err := s.cache.Set(ctx, key, data, s.config.SnapshotTTL); err != nil {
		s.logger.Warn("failed to cache statistics snapshot",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// cachedSnapshot returns the cached snapshot for the date, if present.
func (s *Scheduler) cachedSnapshot(ctx context.Context, database string, date time.Time) (Snapshot, bool) {
	if s.cache == nil {
		return Snapshot{}, false
	}
	data, err := s.cache.Get(ctx, snapshotKey(database, date))
	if err != nil {
		if !errors.Is(err, cache.ErrKeyNotFound) {
			s.logger.Warn("failed to read cached snapshot", slog.String("error", err.Error()))
		}
		return Snapshot{}, false
	}

	var stats []TableStat
	if err := json.Unmarshal(data, &stats); err != nil {
		return Snapshot{}, false
	}
	return Snapshot{Date: date, Stats: stats}, true
}

// Trends analyzes per-table growth over the last `days` daily snapshots.
// Today's snapshot may come from the Redis cache when the statistics table
// has not caught up yet.
func (s *Scheduler) Trends(ctx context.Context, database string, days int) (*TrendReport, error) {
	db, err := storage.SanitizeIdentifier(database)
	if err != nil {
		return nil, err
	}
	if days < 2 {
		days = s.config.TrendWindowDays
	}

	today := dateOf(time.Now().UTC())
	since := today.AddDate(0, 0, -days)

	snapshots, err := s.store.LoadSnapshots(ctx, db, since)
	if err != nil {
		return nil, err
	}
	if !hasSnapshotFor(snapshots, today) {
		if snap, ok := s.cachedSnapshot(ctx, db, today); ok {
			snapshots = append(snapshots, snap)
		}
	}

	report := &TrendReport{Database: db, WindowDays: days}
	if len(snapshots) < 2 {
		report.Status = TrendStatusInsufficientData
		return report, nil
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Date.Before(snapshots[j].Date)
	})
	report.Status = TrendStatusOK
	report.Tables = tableTrends(snapshots)
	return report, nil
}

// tableTrends computes per-table daily growth between each table's first
// and last appearance in the (date-ordered) snapshots.
func tableTrends(snapshots []Snapshot) []TableTrend {
	type span struct {
		first, last     time.Time
		firstMB, lastMB float64
		seen            int
	}

	spans := make(map[string]*span)
	var order []string
	for _, snap := range snapshots {
		for _, st := range snap.Stats {
			sp, ok := spans[st.Table]
			if !ok {
				sp = &span{first: snap.Date, firstMB: st.SizeMB}
				spans[st.Table] = sp
				order = append(order, st.Table)
			}
			sp.last = snap.Date
			sp.lastMB = st.SizeMB
			sp.seen++
		}
	}

	sort.Strings(order)
	trends := make([]TableTrend, 0, len(order))
	for _, table := range order {
		sp := spans[table]
		trend := TableTrend{
			Table:         table,
			CurrentSizeMB: sp.lastMB,
			Snapshots:     sp.seen,
		}
		if days := sp.last.Sub(sp.first).Hours() / 24; days > 0 {
			trend.DailyGrowthMB = (sp.lastMB - sp.firstMB) / days
		}
		trends = append(trends, trend)
	}
	return trends
}

func hasSnapshotFor(snapshots []Snapshot, date time.Time) bool {
	for _, snap := range snapshots {
		if snap.Date.Equal(date) {
			return true
		}
	}
	return false
}

func snapshotKey(database string, date time.Time) string {
	return snapshotKeyPrefix + database + ":" + date.Format("2006-01-02")
}

// dateOf truncates a time to its UTC date.
func dateOf(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
