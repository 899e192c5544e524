package maintenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dbsentinel/internal/storage"
	s3archive "dbsentinel/internal/storage/s3"
)

// Store is the slice of the relational store a maintenance run needs.
// *ClickHouseStore implements it; tests substitute fakes.
type Store interface {
	// TableStats returns active-part statistics for every table in the
	// database.
	TableStats(ctx context.Context, database string) ([]TableStat, error)

	// CountRows counts rows older than cutoff, narrowed by the optional
	// extra predicate.
	CountRows(ctx context.Context, database, table, dateColumn string, cutoff time.Time, extra string) (uint64, error)

	// FetchRows returns the rows a cleanup rule is about to remove, for
	// archiving.
	FetchRows(ctx context.Context, database, table, dateColumn string, cutoff time.Time, extra string) ([]map[string]any, error)

	// DeleteRows removes rows older than cutoff.
	DeleteRows(ctx context.Context, database, table, dateColumn string, cutoff time.Time, extra string) error

	// OptimizeTable forces a full merge of the table's parts.
	OptimizeTable(ctx context.Context, database, table string) error

	// SaveReport persists a finished maintenance report.
	SaveReport(ctx context.Context, report *Report) error

	// SaveSnapshot persists one day's table statistics.
	SaveSnapshot(ctx context.Context, database string, snapshot Snapshot) error

	// LoadSnapshots returns persisted snapshots on or after since, oldest
	// first.
	LoadSnapshots(ctx context.Context, database string, since time.Time) ([]Snapshot, error)
}

// RowArchiver exports rows before a cleanup rule deletes them.
// *s3.Archiver satisfies it.
type RowArchiver interface {
	ArchiveRows(ctx context.Context, database, table string, cutoff time.Time, rows []map[string]any) (*s3archive.Manifest, error)
}

// ClickHouseStore implements Store over the shared ClickHouse client.
// Every identifier that reaches DDL or a FROM clause passes the storage
// allow-list first; values are always bound as parameters.
type ClickHouseStore struct {
	client *storage.ClickHouseClient
}

// NewClickHouseStore creates a maintenance store.
func NewClickHouseStore(client *storage.ClickHouseClient) *ClickHouseStore {
	return &ClickHouseStore{client: client}
}

// TableStats aggregates system.parts for the database's active parts.
func (s *ClickHouseStore) TableStats(ctx context.Context, database string) ([]TableStat, error) {
	db, err := storage.SanitizeIdentifier(database)
	if err != nil {
		return nil, err
	}

	rows, err := s.client.Query(ctx, `
		SELECT table,
		       sum(rows)                  AS row_count,
		       sum(bytes_on_disk)         AS bytes_on_disk,
		       sum(data_compressed_bytes) AS compressed_bytes,
		       count()                    AS part_count
		FROM system.parts
		WHERE database = ? AND active = 1
		GROUP BY table
		ORDER BY table`, db)
	if err != nil {
		return nil, storage.WrapQueryError("TableStats", "system.parts", err)
	}
	defer rows.Close()

	var stats []TableStat
	for rows.Next() {
		var (
			st                          TableStat
			bytesOnDisk, compressedSize uint64
		)
		if err := rows.Scan(&st.Table, &st.RowCount, &bytesOnDisk,
			&compressedSize, &st.PartCount); err != nil {
			return nil, storage.WrapQueryError("TableStats", "system.parts", err)
		}
		st.Database = db
		st.SizeMB = float64(bytesOnDisk) / (1 << 20)
		st.Fragmentation = fragmentationPercent(bytesOnDisk, compressedSize)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapQueryError("TableStats", "system.parts", err)
	}
	return stats, nil
}

// CountRows counts the rows a cleanup rule matches.
func (s *ClickHouseStore) CountRows(ctx context.Context, database, table, dateColumn string, cutoff time.Time, extra string) (uint64, error) {
	qualified, predicate, err := cleanupTarget(database, table, dateColumn, extra)
	if err != nil {
		return 0, err
	}

	var count uint64
	query := fmt.Sprintf("SELECT count() FROM %s WHERE %s", qualified, predicate)
	if err := s.client.QueryRow(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, storage.WrapQueryError("CountRows", table, err)
	}
	return count, nil
}

// FetchRows reads the matching rows generically, column names preserved,
// through the database/sql handle.
func (s *ClickHouseStore) FetchRows(ctx context.Context, database, table, dateColumn string, cutoff time.Time, extra string) ([]map[string]any, error) {
	qualified, predicate, err := cleanupTarget(database, table, dateColumn, extra)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", qualified, predicate)
	rows, err := s.client.DB().QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, storage.WrapQueryError("FetchRows", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, storage.WrapQueryError("FetchRows", table, err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, storage.WrapQueryError("FetchRows", table, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapQueryError("FetchRows", table, err)
	}
	return result, nil
}

// DeleteRows issues the cleanup mutation and waits for it, so a statistics
// pass right after sees the effect.
func (s *ClickHouseStore) DeleteRows(ctx context.Context, database, table, dateColumn string, cutoff time.Time, extra string) error {
	qualified, predicate, err := cleanupTarget(database, table, dateColumn, extra)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE %s SETTINGS mutations_sync = 1", qualified, predicate)
	if err := s.client.Exec(ctx, query, cutoff); err != nil {
		return storage.NewStorageError("DeleteRows", table, err)
	}
	return nil
}

// OptimizeTable merges the table down to one part per partition.
func (s *ClickHouseStore) OptimizeTable(ctx context.Context, database, table string) error {
	qualified, err := storage.QualifyTable(database, table)
	if err != nil {
		return err
	}
	if err := s.client.Exec(ctx, fmt.Sprintf("OPTIMIZE TABLE %s FINAL", qualified)); err != nil {
		return storage.NewStorageError("OptimizeTable", table, err)
	}
	return nil
}

// SaveReport persists the report row; task and statistics details are
// stored as JSON.
func (s *ClickHouseStore) SaveReport(ctx context.Context, report *Report) error {
	batch, err := s.client.PrepareBatch(ctx, `
		INSERT INTO maintenance_reports
		(id, database_name, started_at, finished_at, dry_run, status,
		 tasks, stats_before, stats_after, improvements, recommendations)`)
	if err != nil {
		return storage.NewStorageError("SaveReport", "maintenance_reports", err)
	}

	if err := batch.Append(
		report.ID,
		report.Database,
		report.StartedAt,
		report.FinishedAt,
		boolToUInt8(report.DryRun),
		string(report.Status),
		mustJSON(report.Tasks),
		mustJSON(report.StatsBefore),
		mustJSON(report.StatsAfter),
		mustJSON(report.Improvements),
		emptyIfNil(report.Recommendations),
	); err != nil {
		return storage.NewStorageError("SaveReport", "maintenance_reports", err)
	}
	if err := batch.Send(); err != nil {
		return storage.NewStorageError("SaveReport", "maintenance_reports", err)
	}
	return nil
}

// SaveSnapshot writes one row per table for the snapshot date.
func (s *ClickHouseStore) SaveSnapshot(ctx context.Context, database string, snapshot Snapshot) error {
	if len(snapshot.Stats) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx, `
		INSERT INTO table_statistics
		(snapshot_date, database_name, table_name, row_count, size_mb, fragmentation)`)
	if err != nil {
		return storage.NewStorageError("SaveSnapshot", "table_statistics", err)
	}

	for _, st := range snapshot.Stats {
		if err := batch.Append(
			snapshot.Date,
			database,
			st.Table,
			st.RowCount,
			st.SizeMB,
			st.Fragmentation,
		); err != nil {
			return storage.NewStorageError("SaveSnapshot", "table_statistics", err)
		}
	}
	if err := batch.Send(); err != nil {
		return storage.NewStorageError("SaveSnapshot", "table_statistics", err)
	}
	return nil
}

// LoadSnapshots reassembles daily snapshots from table_statistics rows.
func (s *ClickHouseStore) LoadSnapshots(ctx context.Context, database string, since time.Time) ([]Snapshot, error) {
	rows, err := s.client.Query(ctx, `
		SELECT snapshot_date, table_name, row_count, size_mb, fragmentation
		FROM table_statistics FINAL
		WHERE database_name = ? AND snapshot_date >= ?
		ORDER BY snapshot_date, table_name`, database, since)
	if err != nil {
		return nil, storage.WrapQueryError("LoadSnapshots", "table_statistics", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var (
			date time.Time
			st   TableStat
		)
		if err := rows.Scan(&date, &st.Table, &st.RowCount, &st.SizeMB, &st.Fragmentation); err != nil {
			return nil, storage.WrapQueryError("LoadSnapshots", "table_statistics", err)
		}
		st.Database = database

		if n := len(snapshots); n > 0 && snapshots[n-1].Date.Equal(date) {
			snapshots[n-1].Stats = append(snapshots[n-1].Stats, st)
		} else {
			snapshots = append(snapshots, Snapshot{Date: date, Stats: []TableStat{st}})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapQueryError("LoadSnapshots", "table_statistics", err)
	}
	return snapshots, nil
}

// cleanupTarget validates the identifiers of a cleanup rule and builds the
// WHERE clause. The extra predicate comes from operator configuration and
// is appended as written; the date column and table names are allow-listed.
func cleanupTarget(database, table, dateColumn, extra string) (qualified, predicate string, err error) {
	qualified, err = storage.QualifyTable(database, table)
	if err != nil {
		return "", "", err
	}
	col, err := storage.SanitizeIdentifier(dateColumn)
	if err != nil {
		return "", "", err
	}

	predicate = col + " < ?"
	if extra != "" {
		predicate += " AND (" + extra + ")"
	}
	return qualified, predicate, nil
}

// normalizeValue converts driver-specific scan results into JSON-friendly
// values for archiving.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case sql.RawBytes:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
