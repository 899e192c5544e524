package alerting

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbsentinel/internal/audit"
	"dbsentinel/internal/detect"
	apperrors "dbsentinel/internal/errors"
	"dbsentinel/internal/metrics"
	"dbsentinel/internal/storage"
)

// Event is a security event in the security_events table. Events are raised
// by the responder and maintenance jobs and resolved by operators.
type Event struct {
	ID            uuid.UUID         `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	EventType     string            `json:"event_type"`
	Severity      detect.Severity   `json:"severity"`
	Principal     string            `json:"principal,omitempty"`
	SourceAddress string            `json:"source_address,omitempty"`
	Description   string            `json:"description"`
	Details       map[string]string `json:"details,omitempty"`
	Resolved      bool              `json:"resolved"`
	ResolvedAt    time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy    string            `json:"resolved_by,omitempty"`
}

// ManagerConfig configures event handling.
type ManagerConfig struct {
	// DedupWindow suppresses repeat events with the same type, principal,
	// and source address within the window.
	DedupWindow time.Duration `yaml:"dedup_window"`
	// MinDispatchSeverity is the lowest severity that notifies channels.
	MinDispatchSeverity detect.Severity `yaml:"min_dispatch_severity"`
}

// DefaultManagerConfig returns the default event handling configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DedupWindow:         15 * time.Minute,
		MinDispatchSeverity: detect.SeverityHigh,
	}
}

// Manager persists security events and dispatches alerts for the severe
// ones. A nil database keeps events in flight only, which tests use.
type Manager struct {
	config     ManagerConfig
	db         *sql.DB
	dispatcher *Dispatcher
	audit      *audit.Logger
	logger     *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewManager creates an event manager. Dispatcher and audit may be nil.
func NewManager(cfg ManagerConfig, db *sql.DB, dispatcher *Dispatcher, auditLog *audit.Logger, logger *slog.Logger) *Manager {
	def := DefaultManagerConfig()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if !cfg.MinDispatchSeverity.Valid() {
		cfg.MinDispatchSeverity = def.MinDispatchSeverity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:     cfg,
		db:         db,
		dispatcher: dispatcher,
		audit:      auditLog,
		logger:     logger,
		lastSeen:   make(map[string]time.Time),
	}
}

// Raise records a security event and, when it is severe enough, dispatches
// an alert. A repeat of the same event type, principal, and source address
// inside the dedup window is suppressed and returns a nil event. A persist
// failure is returned but the alert is still dispatched.
func (m *Manager) Raise(ctx context.Context, e Event) (*Event, error) {
	if e.EventType == "" {
		return nil, fmt.Errorf("security event requires an event type")
	}
	if !e.Severity.Valid() {
		return nil, fmt.Errorf("security event has invalid severity %q", e.Severity)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// Details reach the event row, the audit trail, and alert channels;
	// masking once here covers all three.
	e.Details = apperrors.MaskFields(e.Details)

	if m.suppressed(e) {
		m.logger.Debug("security event suppressed by dedup window",
			slog.String("event_type", e.EventType),
			slog.String("principal", e.Principal))
		return nil, nil
	}

	persistErr := m.persist(ctx, e)
	if persistErr != nil {
		m.logger.Error("failed to persist security event",
			slog.String("event_type", e.EventType),
			slog.String("error", persistErr.Error()))
	}

	metrics.SecurityEventsTotal.WithLabelValues(e.EventType, string(e.Severity)).Inc()

	if m.audit != nil {
		entry := audit.Entry{
			EventType:     audit.EventRaised,
			Principal:     e.Principal,
			SourceAddress: e.SourceAddress,
			Operation:     e.EventType,
			Success:       persistErr == nil,
			Extra: map[string]string{
				"event_id": e.ID.String(),
				"severity": string(e.Severity),
			},
		}
		if persistErr != nil {
			entry.Error = persistErr.Error()
		}
		if err := m.audit.Log(ctx, entry); err != nil {
			m.logger.Warn("failed to audit security event",
				slog.String("event_id", e.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	if m.dispatcher != nil && e.Severity.Rank() >= m.config.MinDispatchSeverity.Rank() {
		// Delivery must not die with the caller's request context.
		m.dispatcher.Dispatch(context.WithoutCancel(ctx), alertFromEvent(e))
	}

	m.logger.Info("security event raised",
		slog.String("event_id", e.ID.String()),
		slog.String("event_type", e.EventType),
		slog.String("severity", string(e.Severity)),
		slog.String("principal", e.Principal))

	return &e, persistErr
}

// suppressed records the event in the dedup map and reports whether a
// matching event was already raised inside the window.
func (m *Manager) suppressed(e Event) bool {
	key := e.EventType + "\x00" + e.Principal + "\x00" + e.SourceAddress

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastSeen[key]; ok && e.Timestamp.Sub(last) < m.config.DedupWindow {
		return true
	}
	m.lastSeen[key] = e.Timestamp

	if len(m.lastSeen) > 4096 {
		m.pruneLocked(e.Timestamp)
	}
	return false
}

func (m *Manager) pruneLocked(now time.Time) {
	for k, t := range m.lastSeen {
		if now.Sub(t) >= m.config.DedupWindow {
			delete(m.lastSeen, k)
		}
	}
}

func (m *Manager) persist(ctx context.Context, e Event) error {
	if m.db == nil {
		return nil
	}

	details := "{}"
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			m.logger.Warn("failed to marshal event details",
				slog.String("event_id", e.ID.String()),
				slog.String("error", err.Error()))
		} else {
			details = string(data)
		}
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO security_events
			(id, timestamp, event_type, severity, principal, source_address,
			 description, details, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		e.ID.String(), e.Timestamp, e.EventType, string(e.Severity),
		e.Principal, e.SourceAddress, e.Description, details,
	)
	if err != nil {
		return storage.WrapQueryError("RaiseEvent", "security_events", err)
	}
	return nil
}

// Resolve marks an event resolved. The update is a ClickHouse mutation and
// completes asynchronously.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string) error {
	if m.db == nil {
		return fmt.Errorf("security event store is not configured")
	}

	_, err := m.db.ExecContext(ctx, `
		ALTER TABLE security_events
		UPDATE resolved = 1, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved = 0`,
		time.Now().UTC(), resolvedBy, id.String(),
	)
	if err != nil {
		return storage.WrapQueryError("ResolveEvent", "security_events", err)
	}

	if m.audit != nil {
		entry := audit.Entry{
			EventType: audit.EventResolved,
			Principal: resolvedBy,
			Operation: "resolve",
			Success:   true,
			Extra:     map[string]string{"event_id": id.String()},
		}
		if err := m.audit.Log(ctx, entry); err != nil {
			m.logger.Warn("failed to audit event resolution",
				slog.String("event_id", id.String()),
				slog.String("error", err.Error()))
		}
	}

	m.logger.Info("security event resolved",
		slog.String("event_id", id.String()),
		slog.String("resolved_by", resolvedBy))

	return nil
}

// EventFilter narrows a List call.
type EventFilter struct {
	Since      time.Time
	Severity   detect.Severity
	Unresolved bool
	Limit      int
}

// List returns events matching the filter, newest first.
func (m *Manager) List(ctx context.Context, f EventFilter) ([]Event, error) {
	if m.db == nil {
		return nil, fmt.Errorf("security event store is not configured")
	}

	var conds []string
	var args []any
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Unresolved {
		conds = append(conds, "resolved = 0")
	}

	query := `
		SELECT id, timestamp, event_type, severity, principal, source_address,
		       description, details, resolved, resolved_at, resolved_by
		FROM security_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapQueryError("ListEvents", "security_events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			severity   string
			details    string
			resolved   uint8
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &severity,
			&e.Principal, &e.SourceAddress, &e.Description, &details,
			&resolved, &resolvedAt, &e.ResolvedBy); err != nil {
			return nil, storage.WrapQueryError("ListEvents", "security_events", err)
		}
		e.Severity = detect.Severity(severity)
		e.Resolved = resolved == 1
		if resolvedAt.Valid {
			e.ResolvedAt = resolvedAt.Time
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				m.logger.Warn("failed to parse event details",
					slog.String("event_id", e.ID.String()),
					slog.String("error", err.Error()))
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapQueryError("ListEvents", "security_events", err)
	}

	return events, nil
}

// alertFromEvent converts an event into the channel payload.
func alertFromEvent(e Event) *Alert {
	count := 0
	if v, ok := e.Details["detection_count"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}
	return &Alert{
		ID:             e.ID,
		EventType:      e.EventType,
		Severity:       e.Severity,
		Title:          humanizeEventType(e.EventType),
		Description:    e.Description,
		Principal:      e.Principal,
		SourceAddress:  e.SourceAddress,
		Details:        e.Details,
		DetectionCount: count,
		CreatedAt:      e.Timestamp,
	}
}

// humanizeEventType turns "suspicious_activity" into "Suspicious activity".
func humanizeEventType(eventType string) string {
	s := strings.ReplaceAll(eventType, "_", " ")
	s = strings.ReplaceAll(s, ".", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
