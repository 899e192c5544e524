package detect

import (
	"fmt"
	"log/slog"
	"regexp"
)

const (
	massAccessConfidence = 0.6
	complexityConfidence = 0.3

	// complexityFactor is how far above the principal's historical average
	// a query's complexity must land before it is flagged.
	complexityFactor = 3.0
)

var (
	// Whole-query match: a bare SELECT * with no WHERE clause.
	selectAllPattern = regexp.MustCompile(`(?i)^\s*select\s+\*\s+from\s+[a-zA-Z_][a-zA-Z0-9_.]*\s*;?\s*$`)

	// LIMIT with four or more digits.
	largeLimitPattern = regexp.MustCompile(`(?i)\blimit\s+\d{4,}\b`)

	unionSelectPattern = regexp.MustCompile(`(?i)union\s+(all\s+)?select`)
)

// StatisticalDetector applies per-query heuristics that need no learned
// baseline beyond the principal's historical complexity average.
type StatisticalDetector struct {
	profiles ProfileProvider
	logger   *slog.Logger
}

// ProfileProvider exposes profile lookups to detectors that only consume
// the historical averages. *BehaviorProfiler satisfies it.
type ProfileProvider interface {
	Lookup(principal string) (Profile, bool)
}

// NewStatisticalDetector creates a detector. profiles may be nil, which
// disables the complexity heuristic but keeps mass-access detection.
func NewStatisticalDetector(profiles ProfileProvider, logger *slog.Logger) *StatisticalDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatisticalDetector{profiles: profiles, logger: logger}
}

// Evaluate runs the heuristics over one query. Evaluation is pure.
func (d *StatisticalDetector) Evaluate(query, principal string) []Detection {
	var detections []Detection

	if reason, ok := massAccessReason(query); ok {
		detections = append(detections, Detection{
			Category:    CategoryDataExfiltration,
			Severity:    SeverityMedium,
			Description: "mass data access pattern",
			Confidence:  massAccessConfidence,
			Context: map[string]string{
				"factor":    "mass_access",
				"heuristic": reason,
			},
		})
	}

	if d.profiles != nil {
		if profile, ok := d.profiles.Lookup(principal); ok && profile.AvgQueryComplexity > 0 {
			complexity := Complexity(query)
			if complexity > complexityFactor*profile.AvgQueryComplexity {
				detections = append(detections, Detection{
					Category: CategoryStatisticalAnomaly,
					Severity: SeverityLow,
					Description: fmt.Sprintf("query complexity %.1f exceeds 3x historical average %.1f",
						complexity, profile.AvgQueryComplexity),
					Confidence: complexityConfidence,
					Context: map[string]string{
						"factor":             "complexity",
						"complexity":         fmt.Sprintf("%.2f", complexity),
						"historical_average": fmt.Sprintf("%.2f", profile.AvgQueryComplexity),
					},
				})
			}
		}
	}

	return detections
}

// massAccessReason reports whether the query matches one of the bulk-read
// heuristics and which one fired.
func massAccessReason(query string) (string, bool) {
	if selectAllPattern.MatchString(query) {
		return "select_all_no_filter", true
	}
	if largeLimitPattern.MatchString(query) {
		return "oversized_limit", true
	}
	if len(unionSelectPattern.FindAllStringIndex(query, -1)) >= 2 {
		return "chained_union_select", true
	}
	return "", false
}
