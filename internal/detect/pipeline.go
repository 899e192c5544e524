package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"dbsentinel/internal/audit"
	apperrors "dbsentinel/internal/errors"
	"dbsentinel/internal/metrics"
	"dbsentinel/internal/schema"
	"dbsentinel/internal/storage"
)

// Inspection result statuses.
const (
	StatusClean    = "clean"
	StatusDetected = "detected"
	StatusRejected = "rejected"
	StatusInvalid  = "invalid"
	StatusSkipped  = "skipped"
)

// defaultMaxRawQueryRunes bounds how much masked query text a detection row
// carries.
const defaultMaxRawQueryRunes = 500

// InspectionResult is what the caller gets back. Inspection never fails the
// calling path: persistence or audit trouble lands in Err while the
// detections themselves are still returned.
type InspectionResult struct {
	Detections     []Detection
	Blocked        bool
	ResponseAction string
	Status         string
	Err            error
}

// ResponseDecision records what the responder did with one evaluation's
// detections.
type ResponseDecision struct {
	PrincipalBlocked bool
	AddressBlocked   bool
	Action           string
	Alerted          bool
}

// Responder decides on and applies blocking for a set of detections. It is
// implemented outside this package; the Inspector only consumes the
// decision.
type Responder interface {
	Respond(ctx context.Context, detections []Detection, principal, sourceAddress string) ResponseDecision
	IsPrincipalBlocked(ctx context.Context, principal string) bool
	IsAddressBlocked(ctx context.Context, address string) bool
}

// ActivityPublisher hands activity records to the profile-learning feed.
type ActivityPublisher interface {
	Publish(ctx context.Context, record schema.ActivityRecord) error
}

// DetectionSink persists finished detections. *DetectionStore satisfies it.
type DetectionSink interface {
	SaveDetections(ctx context.Context, detections []Detection) error
}

// QuarantineSink holds events that failed validation for operator review.
// *storage.QuarantineStore satisfies it.
type QuarantineSink interface {
	Write(ctx context.Context, entry storage.QuarantineEntry) error
}

// AuditSink records trail entries for detections and rejections.
// *audit.Logger and *audit.BatchWriter both satisfy it; deployments with
// heavy query volume wire the batch writer here.
type AuditSink interface {
	Log(ctx context.Context, e audit.Entry) error
}

// InspectorConfig controls the inspection pipeline.
type InspectorConfig struct {
	Enabled          bool `yaml:"enabled"`
	MaxRawQueryRunes int  `yaml:"max_raw_query_runes"`
}

// DefaultInspectorConfig returns the default pipeline configuration.
func DefaultInspectorConfig() InspectorConfig {
	return InspectorConfig{
		Enabled:          true,
		MaxRawQueryRunes: defaultMaxRawQueryRunes,
	}
}

// InspectorDeps bundles the collaborators the composition root wires in.
// Every dependency is optional: a nil validator admits all events, a nil
// responder means evaluate-only mode, a nil sink means detections are
// returned but not persisted.
type InspectorDeps struct {
	Validator   *schema.Validator
	Signatures  *SignatureEngine
	Profiler    *BehaviorProfiler
	Statistical *StatisticalDetector
	Detections  DetectionSink
	Quarantine  QuarantineSink
	Audit       AuditSink
	Responder   Responder
	Publisher   ActivityPublisher
}

// Inspector runs the full inspection pipeline for one query event:
// validation, blocked check, the three evaluators, response, persistence,
// audit, and the activity feed. Evaluators stay pure; all side effects live
// here.
type Inspector struct {
	cfg  InspectorConfig
	deps InspectorDeps

	logger *slog.Logger
}

// NewInspector creates an inspector.
func NewInspector(cfg InspectorConfig, deps InspectorDeps, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRawQueryRunes <= 0 {
		cfg.MaxRawQueryRunes = defaultMaxRawQueryRunes
	}
	return &Inspector{cfg: cfg, deps: deps, logger: logger}
}

// Inspect evaluates one query event. The result always comes back: a failed
// detection write or audit write is reported through Result.Err, not by
// failing the calling path.
func (i *Inspector) Inspect(ctx context.Context, event schema.QueryEvent) InspectionResult {
	start := time.Now()

	if !i.cfg.Enabled || strings.TrimSpace(event.QueryText) == "" {
		metrics.InspectionsTotal.WithLabelValues(StatusSkipped).Inc()
		return InspectionResult{Status: StatusSkipped}
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	queryHash := audit.HashQuery(event.QueryText)

	if i.deps.Validator != nil {
		if err := i.deps.Validator.Validate(&event); err != nil {
			i.quarantine(ctx, event, err)
			i.auditRejection(ctx, event, queryHash, "event failed validation: "+err.Error())
			metrics.InspectionsTotal.WithLabelValues(StatusInvalid).Inc()
			return InspectionResult{Status: StatusInvalid, Err: err}
		}
	}

	if scope := i.blockedScope(ctx, event); scope != "" {
		i.auditRejection(ctx, event, queryHash, scope+" is blocked")
		metrics.InspectionsTotal.WithLabelValues(StatusRejected).Inc()
		return InspectionResult{
			Blocked:        true,
			ResponseAction: "reject_blocked_" + scope,
			Status:         StatusRejected,
		}
	}

	detections := i.evaluate(event)
	i.enrich(detections, event, queryHash)

	var decision ResponseDecision
	if len(detections) > 0 && i.deps.Responder != nil {
		decision = i.deps.Responder.Respond(ctx, detections, event.Principal, event.SourceAddress)
		blocked := decision.PrincipalBlocked || decision.AddressBlocked
		for idx := range detections {
			detections[idx].Blocked = blocked
			detections[idx].ResponseAction = decision.Action
		}
	}

	resultErr := i.persist(ctx, event, detections, queryHash)

	for _, d := range detections {
		metrics.DetectionsTotal.WithLabelValues(string(d.Category), string(d.Severity)).Inc()
	}

	i.publishActivity(ctx, event, queryHash, len(detections))

	status := StatusClean
	if len(detections) > 0 {
		status = StatusDetected
	}
	metrics.InspectionsTotal.WithLabelValues(status).Inc()
	metrics.InspectionDuration.Observe(time.Since(start).Seconds())

	return InspectionResult{
		Detections:     detections,
		Blocked:        decision.PrincipalBlocked || decision.AddressBlocked,
		ResponseAction: decision.Action,
		Status:         status,
		Err:            resultErr,
	}
}

// blockedScope returns "principal" or "address" when the event's origin is
// currently blocked, empty otherwise.
func (i *Inspector) blockedScope(ctx context.Context, event schema.QueryEvent) string {
	if i.deps.Responder == nil {
		return ""
	}
	if event.Principal != "" && i.deps.Responder.IsPrincipalBlocked(ctx, event.Principal) {
		return "principal"
	}
	if event.SourceAddress != "" && i.deps.Responder.IsAddressBlocked(ctx, event.SourceAddress) {
		return "address"
	}
	return ""
}

func (i *Inspector) evaluate(event schema.QueryEvent) []Detection {
	var detections []Detection
	if i.deps.Signatures != nil {
		detections = append(detections, i.deps.Signatures.Evaluate(event.QueryText)...)
	}
	if i.deps.Profiler != nil {
		detections = append(detections, i.deps.Profiler.Evaluate(event.QueryText, event.Principal, event.SourceAddress, event.Timestamp)...)
	}
	if i.deps.Statistical != nil {
		detections = append(detections, i.deps.Statistical.Evaluate(event.QueryText, event.Principal)...)
	}
	return detections
}

// enrich stamps identity, origin, and the masked query excerpt onto every
// detection before anything downstream sees them.
func (i *Inspector) enrich(detections []Detection, event schema.QueryEvent, queryHash string) {
	if len(detections) == 0 {
		return
	}
	raw := apperrors.TruncateQuery(apperrors.MaskQueryLiterals(event.QueryText), i.cfg.MaxRawQueryRunes)
	for idx := range detections {
		d := &detections[idx]
		d.ID = uuid.New()
		d.Timestamp = event.Timestamp
		d.Principal = event.Principal
		d.SourceAddress = event.SourceAddress
		d.QueryHash = queryHash
		d.RawQuery = raw
		if event.Database != "" {
			if d.Context == nil {
				d.Context = make(map[string]string, 2)
			}
			d.Context["database"] = event.Database
			if event.Table != "" {
				d.Context["table"] = event.Table
			}
		}
	}
}

// persist writes detections and their audit entries. Failures are logged
// and folded into the returned error; the inspection still succeeds.
func (i *Inspector) persist(ctx context.Context, event schema.QueryEvent, detections []Detection, queryHash string) error {
	if len(detections) == 0 {
		return nil
	}

	var resultErr error
	if i.deps.Detections != nil {
		if err := i.deps.Detections.SaveDetections(ctx, detections); err != nil {
			i.logger.Warn("failed to persist detections",
				slog.String("principal", event.Principal),
				slog.Int("count", len(detections)),
				slog.String("error", err.Error()))
			resultErr = err
		}
	}

	if i.deps.Audit != nil {
		for _, d := range detections {
			err := i.deps.Audit.Log(ctx, audit.Entry{
				EventType:     audit.EventThreatDetected,
				Principal:     event.Principal,
				SourceAddress: event.SourceAddress,
				Database:      event.Database,
				Table:         event.Table,
				Operation:     string(event.Operation),
				QueryHash:     queryHash,
				Success:       true,
				Extra: map[string]string{
					"detection_id": d.ID.String(),
					"category":     string(d.Category),
					"severity":     string(d.Severity),
					"confidence":   fmt.Sprintf("%.2f", d.Confidence),
				},
			})
			if err != nil && resultErr == nil {
				resultErr = err
			}
		}
	}

	return resultErr
}

// quarantine keeps a masked copy of an invalid event for operator review.
// Best effort: a quarantine write failure is logged, never surfaced.
func (i *Inspector) quarantine(ctx context.Context, event schema.QueryEvent, cause error) {
	if i.deps.Quarantine == nil {
		return
	}
	entry := storage.QuarantineEntry{
		Principal:     event.Principal,
		SourceAddress: event.SourceAddress,
		Database:      event.Database,
		QueryExcerpt:  apperrors.TruncateQuery(apperrors.MaskQueryLiterals(event.QueryText), i.cfg.MaxRawQueryRunes),
		Reasons:       strings.Split(strings.TrimSpace(cause.Error()), "\n"),
	}
	if err := i.deps.Quarantine.Write(ctx, entry); err != nil {
		i.logger.Warn("failed to quarantine invalid event",
			slog.String("principal", event.Principal),
			slog.String("error", err.Error()))
	}
}

func (i *Inspector) auditRejection(ctx context.Context, event schema.QueryEvent, queryHash, reason string) {
	if i.deps.Audit == nil {
		return
	}
	err := i.deps.Audit.Log(ctx, audit.Entry{
		EventType:     audit.EventQueryRejected,
		Principal:     event.Principal,
		SourceAddress: event.SourceAddress,
		Database:      event.Database,
		Table:         event.Table,
		Operation:     string(event.Operation),
		QueryHash:     queryHash,
		Success:       false,
		Error:         reason,
	})
	if err != nil {
		i.logger.Warn("failed to audit rejected query", slog.String("error", err.Error()))
	}
}

func (i *Inspector) publishActivity(ctx context.Context, event schema.QueryEvent, queryHash string, detectionCount int) {
	if i.deps.Publisher == nil || event.Principal == "" {
		return
	}
	record := schema.ActivityRecord{
		Timestamp:     event.Timestamp,
		Principal:     event.Principal,
		SourceAddress: event.SourceAddress,
		Database:      event.Database,
		QueryShape:    NormalizeQuery(event.QueryText),
		QueryHash:     queryHash,
		Tables:        ExtractTables(event.QueryText),
		Complexity:    Complexity(event.QueryText),
		Detections:    detectionCount,
	}
	if err := i.deps.Publisher.Publish(ctx, record); err != nil {
		i.logger.Warn("failed to publish activity record",
			slog.String("principal", event.Principal),
			slog.String("error", err.Error()))
	}
}
