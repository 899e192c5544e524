// Package detect implements query threat detection: a signature registry
// evaluated against raw query text, a per-principal behavioral profiler,
// and single-query statistical heuristics. Evaluators are pure; persistence
// and response are orchestrated by the Inspector.
package detect

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies a detection.
type Category string

const (
	CategorySQLInjection        Category = "sql_injection"
	CategoryPrivilegeEscalation Category = "privilege_escalation"
	CategoryDataExfiltration    Category = "data_exfiltration"
	CategorySuspiciousAccess    Category = "suspicious_access"
	CategoryBehavioralAnomaly   Category = "behavioral_anomaly"
	CategoryStatisticalAnomaly  Category = "statistical_anomaly"
)

// Severity levels for detections.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for threshold comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Detection is one detected threat. A detection always references at least
// one contributing factor: a matched signature, a behavioral deviation, or
// a statistical anomaly. Rows are immutable once persisted.
type Detection struct {
	ID                  uuid.UUID         `json:"id"`
	Timestamp           time.Time         `json:"timestamp"`
	Category            Category          `json:"category"`
	Severity            Severity          `json:"severity"`
	Principal           string            `json:"principal"`
	SourceAddress       string            `json:"source_address"`
	QueryHash           string            `json:"query_hash"`
	Description         string            `json:"description"`
	Confidence          float64           `json:"confidence_score"`
	RawQuery            string            `json:"raw_query"`
	MatchedSignatureIDs []string          `json:"matched_signature_ids,omitempty"`
	Context             map[string]string `json:"context,omitempty"`
	Blocked             bool              `json:"is_blocked"`
	ResponseAction      string            `json:"response_action,omitempty"`
}

// HighestSeverity returns the maximum severity across detections, or the
// zero Severity when the slice is empty.
func HighestSeverity(detections []Detection) Severity {
	var max Severity
	for _, d := range detections {
		if d.Severity.Rank() > max.Rank() {
			max = d.Severity
		}
	}
	return max
}

// CountBySeverity returns how many detections carry the given severity.
func CountBySeverity(detections []Detection, severity Severity) int {
	n := 0
	for _, d := range detections {
		if d.Severity == severity {
			n++
		}
	}
	return n
}
