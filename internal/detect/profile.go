package detect

import (
	"regexp"
	"sort"
	"strings"
	"time"

	apperrors "dbsentinel/internal/errors"
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	tableRefPattern   = regexp.MustCompile(`(?i)\b(?:from|join|into|update)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

	selectPattern   = regexp.MustCompile(`(?i)\bselect\b`)
	joinPattern     = regexp.MustCompile(`(?i)\bjoin\b`)
	unionPattern    = regexp.MustCompile(`(?i)\bunion\b`)
	subqueryPattern = regexp.MustCompile(`(?i)\(\s*select\b`)
	casePattern     = regexp.MustCompile(`(?i)\bcase\b`)
	groupByPattern  = regexp.MustCompile(`(?i)\bgroup\s+by\b`)
	orderByPattern  = regexp.MustCompile(`(?i)\border\s+by\b`)
	havingPattern   = regexp.MustCompile(`(?i)\bhaving\b`)
)

// Profile is the learned baseline for one principal. Set fields mirror the
// persisted arrays; lookups scan linearly because observed sets stay small.
type Profile struct {
	Principal          string
	QueryShapes        []string
	AccessHours        []uint8
	SourceAddresses    []string
	TablesAccessed     []string
	AvgQueriesPerHour  float64
	AvgQueryComplexity float64
	ObservationCount   uint64
	FirstObserved      time.Time
	LastUpdated        time.Time
}

// Stale reports whether the profile fell out of the learning window. Stale
// profiles are ignored by evaluation, same as a missing profile.
func (p *Profile) Stale(now time.Time, window time.Duration) bool {
	if p.LastUpdated.IsZero() {
		return true
	}
	return now.Sub(p.LastUpdated) > window
}

// HasHour reports whether the given hour of day was observed before.
func (p *Profile) HasHour(hour int) bool {
	for _, h := range p.AccessHours {
		if int(h) == hour {
			return true
		}
	}
	return false
}

// HasAddress reports whether the source address was observed before.
func (p *Profile) HasAddress(address string) bool {
	for _, a := range p.SourceAddresses {
		if a == address {
			return true
		}
	}
	return false
}

// HasShape reports whether the normalized query shape was observed before.
func (p *Profile) HasShape(shape string) bool {
	for _, s := range p.QueryShapes {
		if s == shape {
			return true
		}
	}
	return false
}

// HasTable reports whether the table was accessed before.
func (p *Profile) HasTable(table string) bool {
	for _, t := range p.TablesAccessed {
		if t == table {
			return true
		}
	}
	return false
}

// NormalizeQuery reduces query text to its shape: lowercased, string and
// numeric literals replaced with placeholders, whitespace collapsed. Two
// queries differing only in literal values produce the same shape.
func NormalizeQuery(query string) string {
	shape := strings.ToLower(query)
	shape = apperrors.MaskQueryLiterals(shape)
	shape = whitespacePattern.ReplaceAllString(shape, " ")
	return strings.TrimSpace(shape)
}

// ExtractTables returns the distinct table names referenced by FROM, JOIN,
// INTO, and UPDATE clauses, lowercased and sorted. Subqueries contribute
// their own FROM clauses; derived tables without a name contribute nothing.
func ExtractTables(query string) []string {
	matches := tableRefPattern.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m[1])
		seen[name] = struct{}{}
	}

	tables := make([]string, 0, len(seen))
	for name := range seen {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables
}

// Complexity scores the structural weight of a query. The score grows with
// query length and with each counted structural feature; feature weights are
// fixed so that one added JOIN always raises the score by exactly 3.
func Complexity(query string) float64 {
	score := float64(len(query)) * 0.001
	score += 2 * float64(len(selectPattern.FindAllStringIndex(query, -1)))
	score += 3 * float64(len(joinPattern.FindAllStringIndex(query, -1)))
	score += 4 * float64(len(unionPattern.FindAllStringIndex(query, -1)))
	score += 5 * float64(len(subqueryPattern.FindAllStringIndex(query, -1)))
	score += 2 * float64(len(casePattern.FindAllStringIndex(query, -1)))
	score += 2 * float64(len(groupByPattern.FindAllStringIndex(query, -1)))
	score += 1 * float64(len(orderByPattern.FindAllStringIndex(query, -1)))
	score += 3 * float64(len(havingPattern.FindAllStringIndex(query, -1)))
	return score
}
