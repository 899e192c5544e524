// Package metrics exposes Prometheus instrumentation for the security core.
// Collectors register on the default registry; binaries decide whether to
// serve them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InspectionsTotal counts query inspections by terminal status
	// (clean, detected, blocked, rejected, error).
	InspectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_inspections_total",
			Help: "Total number of query inspections",
		},
		[]string{"status"},
	)

	// InspectionDuration observes the full inspection pipeline latency.
	InspectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbsentinel_inspection_duration_seconds",
			Help:    "Time taken to inspect a query end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DetectionsTotal counts threat detections by category and severity.
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_detections_total",
			Help: "Total number of threat detections",
		},
		[]string{"category", "severity"},
	)

	// BlocksTotal counts blocks applied by the responder.
	BlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_blocks_total",
			Help: "Total number of principals or addresses blocked",
		},
		[]string{"scope", "reason"},
	)

	// LockoutsTotal counts accounts locked out after failed logins.
	LockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbsentinel_lockouts_total",
			Help: "Total number of account lockouts",
		},
	)

	// SecurityEventsTotal counts raised security events.
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_security_events_total",
			Help: "Total number of security events raised",
		},
		[]string{"event_type", "severity"},
	)

	// AlertDeliveriesTotal counts alert channel deliveries by outcome.
	AlertDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_alert_deliveries_total",
			Help: "Total number of alert delivery attempts",
		},
		[]string{"channel", "status"},
	)

	// AuditWritesTotal counts audit log writes by outcome
	// (written, skipped, error).
	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_audit_writes_total",
			Help: "Total number of audit log write attempts",
		},
		[]string{"status"},
	)

	// ProfileUpdatesTotal counts behavior profile updates applied by the
	// activity consumer.
	ProfileUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbsentinel_profile_updates_total",
			Help: "Total number of behavior profile updates",
		},
	)

	// ActivityPublishTotal counts activity feed publishes by outcome.
	ActivityPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_activity_publish_total",
			Help: "Total number of activity feed publish attempts",
		},
		[]string{"status"},
	)

	// ActivityConsumeTotal counts activity feed messages by consume outcome
	// (consumed, malformed, failed).
	ActivityConsumeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_activity_consume_total",
			Help: "Total number of activity feed messages consumed",
		},
		[]string{"status"},
	)

	// MaintenanceRunsTotal counts full maintenance runs by outcome.
	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_maintenance_runs_total",
			Help: "Total number of maintenance runs",
		},
		[]string{"status", "dry_run"},
	)

	// MaintenanceTaskDuration observes individual maintenance task latency.
	MaintenanceTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbsentinel_maintenance_task_duration_seconds",
			Help:    "Time taken by each maintenance task",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"task", "status"},
	)

	// RowsCleanedTotal counts rows removed or archived by cleanup rules.
	RowsCleanedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsentinel_rows_cleaned_total",
			Help: "Total number of rows affected by cleanup rules",
		},
		[]string{"table", "action"},
	)
)
