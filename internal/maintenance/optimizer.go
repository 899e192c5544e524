package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// fragmentationPercent approximates the reclaimable fraction of a table's
// disk footprint: bytes on disk beyond the compressed data itself, which is
// per-part overhead (marks, indexes, checksums) plus space merges have not
// reclaimed yet. Many small parts drive it up; OPTIMIZE brings it down.
func fragmentationPercent(bytesOnDisk, compressedBytes uint64) float64 {
	if bytesOnDisk == 0 || compressedBytes >= bytesOnDisk {
		return 0
	}
	return float64(bytesOnDisk-compressedBytes) / float64(bytesOnDisk) * 100
}

// fragmentedTables returns the tables worth optimizing: both thresholds
// must be exceeded, so small tables never qualify however fragmented.
func fragmentedTables(stats []TableStat, cfg Config) []TableStat {
	var out []TableStat
	for _, st := range stats {
		if st.SizeMB > cfg.TableSizeThresholdMB && st.Fragmentation > cfg.FragmentationThresholdPercent {
			out = append(out, st)
		}
	}
	return out
}

// optimizeTables merges each fragmented table. Failures are collected, not
// fatal: remaining tables are still optimized.
func (s *Scheduler) optimizeTables(ctx context.Context, database string, fragmented []TableStat, dryRun bool) (uint64, error) {
	if len(fragmented) == 0 {
		return 0, nil
	}

	var optimized uint64
	var errs []error
	for _, st := range fragmented {
		if dryRun {
			s.logger.Info("would optimize table",
				slog.String("database", database),
				slog.String("table", st.Table),
				slog.Float64("size_mb", st.SizeMB),
				slog.Float64("fragmentation_percent", st.Fragmentation))
			optimized++
			continue
		}

		if err := s.store.OptimizeTable(ctx, database, st.Table); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.Table, err))
			continue
		}
		optimized++
		s.logger.Info("optimized table",
			slog.String("database", database),
			slog.String("table", st.Table),
			slog.Float64("size_mb", st.SizeMB))
	}
	return optimized, errors.Join(errs...)
}
