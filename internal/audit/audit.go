// Package audit provides the persistent audit trail for security-relevant
// operations: threat detections, blocks, failed logins, maintenance runs,
// and administrative changes. Entries are written to ClickHouse; raw query
// text never enters the trail, only its hash.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "dbsentinel/internal/errors"
	"dbsentinel/internal/metrics"
	"dbsentinel/internal/storage"
)

// EventType classifies an audit entry.
type EventType string

const (
	// Detection events
	EventThreatDetected EventType = "threat.detected"
	EventQueryRejected  EventType = "query.rejected"

	// Response events
	EventPrincipalBlocked   EventType = "principal.blocked"
	EventPrincipalUnblocked EventType = "principal.unblocked"
	EventAddressBlocked     EventType = "address.blocked"
	EventAddressUnblocked   EventType = "address.unblocked"

	// Authentication events
	EventLoginFailed    EventType = "login.failed"
	EventAccountLockout EventType = "login.lockout"

	// Security event lifecycle
	EventRaised   EventType = "event.raised"
	EventResolved EventType = "event.resolved"

	// Maintenance events
	EventMaintenanceStarted   EventType = "maintenance.started"
	EventMaintenanceCompleted EventType = "maintenance.completed"
	EventCleanupArchive       EventType = "cleanup.archive"
	EventCleanupDelete        EventType = "cleanup.delete"

	// Administrative events
	EventSecretRotated   EventType = "encryption.rotate"
	EventSignatureChange EventType = "signature.update"
	EventUserManaged     EventType = "admin.user"
)

// maxErrorLength bounds the error column so a pathological driver message
// cannot bloat the trail.
const maxErrorLength = 1024

// Entry is a single audit record.
type Entry struct {
	ID            string
	Timestamp     time.Time
	EventType     EventType
	Principal     string
	SourceAddress string
	Database      string
	Table         string
	Operation     string
	AffectedCount uint64
	QueryHash     string
	Success       bool
	Error         string
	Extra         map[string]string
}

// Config configures the audit logger.
type Config struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Logger writes and reads the audit trail.
type Logger struct {
	client  *storage.ClickHouseClient
	enabled bool
	logger  *slog.Logger
}

// NewLogger creates an audit logger. A disabled logger accepts entries and
// drops them.
func NewLogger(client *storage.ClickHouseClient, cfg Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		client:  client,
		enabled: cfg.Enabled,
		logger:  logger,
	}
}

// Enabled reports whether entries are being persisted.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// HashQuery returns the hex SHA-256 of a query text. The hash stands in for
// the raw query everywhere in the trail.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Log appends one entry to the trail. Zero ID and Timestamp are filled in;
// the error string is truncated and masked before it is stored.
func (l *Logger) Log(ctx context.Context, e Entry) error {
	if !l.enabled {
		metrics.AuditWritesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	e = normalizeEntry(e)
	success := uint8(0)
	if e.Success {
		success = 1
	}

	err := l.client.Exec(ctx, `
		INSERT INTO audit_log
			(id, timestamp, event_type, principal, source_address, database_name,
			 table_name, operation, affected_count, query_hash, success, error, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, string(e.EventType), e.Principal, e.SourceAddress,
		e.Database, e.Table, e.Operation, e.AffectedCount, e.QueryHash,
		success, e.Error, l.encodeExtra(e),
	)
	if err != nil {
		metrics.AuditWritesTotal.WithLabelValues("error").Inc()
		return storage.WrapQueryError("AuditLog", "audit_log", err)
	}

	metrics.AuditWritesTotal.WithLabelValues("written").Inc()
	return nil
}

// WriteEntries persists a batch of entries in one insert. Each entry gets
// the same normalization as Log. The BatchWriter drains through here.
func (l *Logger) WriteEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if !l.enabled {
		metrics.AuditWritesTotal.WithLabelValues("skipped").Add(float64(len(entries)))
		return nil
	}

	batch, err := l.client.PrepareBatch(ctx, `
		INSERT INTO audit_log
			(id, timestamp, event_type, principal, source_address, database_name,
			 table_name, operation, affected_count, query_hash, success, error, extra)`)
	if err != nil {
		metrics.AuditWritesTotal.WithLabelValues("error").Add(float64(len(entries)))
		return storage.WrapQueryError("AuditWriteEntries", "audit_log", err)
	}

	for _, e := range entries {
		e = normalizeEntry(e)
		success := uint8(0)
		if e.Success {
			success = 1
		}
		if err := batch.Append(
			e.ID, e.Timestamp, string(e.EventType), e.Principal, e.SourceAddress,
			e.Database, e.Table, e.Operation, e.AffectedCount, e.QueryHash,
			success, e.Error, l.encodeExtra(e),
		); err != nil {
			metrics.AuditWritesTotal.WithLabelValues("error").Add(float64(len(entries)))
			return storage.WrapQueryError("AuditWriteEntries", "audit_log", err)
		}
	}
	if err := batch.Send(); err != nil {
		metrics.AuditWritesTotal.WithLabelValues("error").Add(float64(len(entries)))
		return storage.WrapQueryError("AuditWriteEntries", "audit_log", err)
	}

	metrics.AuditWritesTotal.WithLabelValues("written").Add(float64(len(entries)))
	return nil
}

// normalizeEntry fills a zero ID and Timestamp and masks the error string.
// The BatchWriter also normalizes at enqueue time so buffered entries keep
// their enqueue timestamp rather than the flush timestamp.
func normalizeEntry(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Error != "" {
		e.Error = apperrors.TruncateQuery(apperrors.MaskQueryLiterals(e.Error), maxErrorLength)
	}
	return e
}

// encodeExtra renders the Extra map for the extra column. Values under
// credential-looking keys are masked so a caller cannot leak a secret into
// the trail through Extra.
func (l *Logger) encodeExtra(e Entry) string {
	if len(e.Extra) == 0 {
		return ""
	}
	data, err := json.Marshal(apperrors.MaskFields(e.Extra))
	if err != nil {
		l.logger.Warn("failed to marshal audit extra",
			slog.String("event_type", string(e.EventType)),
			slog.String("error", err.Error()))
		return ""
	}
	return string(data)
}

// QueryOptions filters a trail read.
type QueryOptions struct {
	Start       time.Time
	End         time.Time
	EventTypes  []EventType
	Principal   string
	Database    string
	FailedOnly  bool
	SuccessOnly bool
	Limit       int
}

// buildQueryFilter renders QueryOptions into a WHERE clause and args.
func buildQueryFilter(opts QueryOptions) (string, []any) {
	var conds []string
	var args []any

	if !opts.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, opts.Start)
	}
	if !opts.End.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, opts.End)
	}
	if len(opts.EventTypes) > 0 {
		placeholders := make([]string, len(opts.EventTypes))
		for i, et := range opts.EventTypes {
			placeholders[i] = "?"
			args = append(args, string(et))
		}
		conds = append(conds, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.Principal != "" {
		conds = append(conds, "principal = ?")
		args = append(args, opts.Principal)
	}
	if opts.Database != "" {
		conds = append(conds, "database_name = ?")
		args = append(args, opts.Database)
	}
	if opts.FailedOnly {
		conds = append(conds, "success = 0")
	} else if opts.SuccessOnly {
		conds = append(conds, "success = 1")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query reads entries matching the options, newest first.
func (l *Logger) Query(ctx context.Context, opts QueryOptions) ([]Entry, error) {
	where, args := buildQueryFilter(opts)

	query := `
		SELECT id, timestamp, event_type, principal, source_address,
		       database_name, table_name, operation, affected_count,
		       query_hash, success, error, extra
		FROM audit_log` + where + `
		ORDER BY timestamp DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := l.client.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapQueryError("AuditQuery", "audit_log", err)
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// entryRows is the slice of driver.Rows the scan loop needs.
type entryRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanEntries drains the result set. A mid-stream read error fails the
// whole call rather than silently truncating the trail.
func (l *Logger) scanEntries(rows entryRows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			id        uuid.UUID
			eventType string
			success   uint8
			extra     string
		)
		if err := rows.Scan(&id, &e.Timestamp, &eventType, &e.Principal,
			&e.SourceAddress, &e.Database, &e.Table, &e.Operation,
			&e.AffectedCount, &e.QueryHash, &success, &e.Error, &extra); err != nil {
			return nil, storage.WrapQueryError("AuditQuery", "audit_log", err)
		}

		e.ID = id.String()
		e.EventType = EventType(eventType)
		e.Success = success == 1
		if extra != "" {
			if err := json.Unmarshal([]byte(extra), &e.Extra); err != nil {
				l.logger.Warn("failed to parse audit extra",
					slog.String("id", e.ID),
					slog.String("error", err.Error()))
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapQueryError("AuditQuery", "audit_log", err)
	}

	return entries, nil
}

// PurgeBefore removes entries older than the cutoff and returns how many
// rows the sweep matched. The delete is a ClickHouse mutation and completes
// asynchronously.
func (l *Logger) PurgeBefore(ctx context.Context, cutoff time.Time) (uint64, error) {
	var count uint64
	row := l.client.QueryRow(ctx,
		"SELECT count() FROM audit_log WHERE timestamp < ?", cutoff)
	if err := row.Scan(&count); err != nil {
		return 0, storage.WrapQueryError("AuditPurge", "audit_log", err)
	}
	if count == 0 {
		return 0, nil
	}

	if err := l.client.Exec(ctx,
		"ALTER TABLE audit_log DELETE WHERE timestamp < ?", cutoff); err != nil {
		return 0, storage.WrapQueryError("AuditPurge", "audit_log", err)
	}

	l.logger.Info("purged audit entries",
		slog.Uint64("count", count),
		slog.Time("cutoff", cutoff))

	return count, nil
}

// TypeCount aggregates one event type within a report window.
type TypeCount struct {
	EventType EventType
	Total     uint64
	Failures  uint64
}

// PrincipalActivity aggregates one principal within a report window.
type PrincipalActivity struct {
	Principal string
	Total     uint64
	Failures  uint64
}

// Report summarizes trail activity over a trailing window.
type Report struct {
	Since         time.Time
	GeneratedAt   time.Time
	Total         uint64
	Failures      uint64
	FailureRatio  float64
	ByEventType   []TypeCount
	TopPrincipals []PrincipalActivity
}

// Report aggregates the trail since the given time: totals per event type
// and the most active principals.
func (l *Logger) Report(ctx context.Context, since time.Time) (*Report, error) {
	report := &Report{
		Since:       since,
		GeneratedAt: time.Now().UTC(),
	}

	rows, err := l.client.Query(ctx, `
		SELECT event_type, count() AS total, countIf(success = 0) AS failures
		FROM audit_log
		WHERE timestamp >= ?
		GROUP BY event_type
		ORDER BY total DESC`, since)
	if err != nil {
		return nil, storage.WrapQueryError("AuditReport", "audit_log", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tc TypeCount
		var eventType string
		if err := rows.Scan(&eventType, &tc.Total, &tc.Failures); err != nil {
			return nil, storage.WrapQueryError("AuditReport", "audit_log", err)
		}
		tc.EventType = EventType(eventType)
		report.ByEventType = append(report.ByEventType, tc)
		report.Total += tc.Total
		report.Failures += tc.Failures
	}

	if report.Total > 0 {
		report.FailureRatio = float64(report.Failures) / float64(report.Total)
	}

	prows, err := l.client.Query(ctx, `
		SELECT principal, count() AS total, countIf(success = 0) AS failures
		FROM audit_log
		WHERE timestamp >= ? AND principal != ''
		GROUP BY principal
		ORDER BY total DESC
		LIMIT 10`, since)
	if err != nil {
		return nil, storage.WrapQueryError("AuditReport", "audit_log", err)
	}
	defer prows.Close()

	for prows.Next() {
		var pa PrincipalActivity
		if err := prows.Scan(&pa.Principal, &pa.Total, &pa.Failures); err != nil {
			return nil, storage.WrapQueryError("AuditReport", "audit_log", err)
		}
		report.TopPrincipals = append(report.TopPrincipals, pa)
	}

	return report, nil
}
