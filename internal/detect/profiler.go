package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dbsentinel/internal/metrics"
	"dbsentinel/internal/schema"
)

// DefaultLearningWindow is how long a profile stays usable without new
// observations before evaluation treats it as missing.
const DefaultLearningWindow = 30 * 24 * time.Hour

// Deviation confidence weights. These are heuristic constants, not
// configuration: changing them shifts the meaning of every persisted
// behavioral detection.
const (
	hourDeviationConfidence    = 0.3
	addressDeviationConfidence = 0.5
	shapeDeviationConfidence   = 0.4
)

// minShapesForDeviation is the number of distinct learned shapes a profile
// needs before shape deviations are flagged. A narrow history would flag
// nearly every query otherwise.
const minShapesForDeviation = 5

// Caps on tracked set sizes. Oldest entries are dropped first.
const (
	maxTrackedShapes    = 500
	maxTrackedAddresses = 100
	maxTrackedTables    = 200
)

// ProfileStorage persists behavior profiles.
type ProfileStorage interface {
	LoadProfiles(ctx context.Context) ([]Profile, error)
	SaveProfile(ctx context.Context, profile *Profile) error
}

// BehaviorProfiler evaluates queries against learned per-principal
// baselines. Profiles live in process memory and are read-mostly: they are
// loaded from storage at startup and updated through Observe, which the
// activity feed consumer drives after evaluation rather than the evaluation
// path itself.
type BehaviorProfiler struct {
	mu       sync.RWMutex
	profiles map[string]*Profile

	store  ProfileStorage
	window time.Duration
	logger *slog.Logger
}

// NewBehaviorProfiler creates a profiler. store may be nil for a purely
// in-memory profiler; window <= 0 selects DefaultLearningWindow.
func NewBehaviorProfiler(store ProfileStorage, window time.Duration, logger *slog.Logger) *BehaviorProfiler {
	if window <= 0 {
		window = DefaultLearningWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BehaviorProfiler{
		profiles: make(map[string]*Profile),
		store:    store,
		window:   window,
		logger:   logger,
	}
}

// LoadProfiles replaces the in-memory profile set with the persisted one.
func (bp *BehaviorProfiler) LoadProfiles(ctx context.Context) error {
	if bp.store == nil {
		return nil
	}

	profiles, err := bp.store.LoadProfiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load behavior profiles: %w", err)
	}

	loaded := make(map[string]*Profile, len(profiles))
	for i := range profiles {
		p := profiles[i]
		loaded[p.Principal] = &p
	}

	bp.mu.Lock()
	bp.profiles = loaded
	bp.mu.Unlock()

	bp.logger.Info("behavior profiles loaded", slog.Int("count", len(loaded)))
	return nil
}

// SetProfile inserts or replaces one profile in memory.
func (bp *BehaviorProfiler) SetProfile(profile Profile) {
	bp.mu.Lock()
	bp.profiles[profile.Principal] = &profile
	bp.mu.Unlock()
}

// Lookup returns a copy of the principal's profile. The copy is safe to
// read concurrently with Observe.
func (bp *BehaviorProfiler) Lookup(principal string) (Profile, bool) {
	bp.mu.RLock()
	p, ok := bp.profiles[principal]
	if !ok {
		bp.mu.RUnlock()
		return Profile{}, false
	}
	out := *p
	out.QueryShapes = append([]string(nil), p.QueryShapes...)
	out.AccessHours = append([]uint8(nil), p.AccessHours...)
	out.SourceAddresses = append([]string(nil), p.SourceAddresses...)
	out.TablesAccessed = append([]string(nil), p.TablesAccessed...)
	bp.mu.RUnlock()
	return out, true
}

// ProfileCount returns the number of profiles held in memory.
func (bp *BehaviorProfiler) ProfileCount() int {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return len(bp.profiles)
}

// Evaluate compares one query against the principal's learned baseline.
// Principals without a usable profile produce no detections: a missing or
// stale profile is a cold start, not an anomaly. Each deviation angle only
// fires when the profile has history for that angle, so a freshly created
// profile cannot flag everything at once.
func (bp *BehaviorProfiler) Evaluate(query, principal, sourceAddress string, at time.Time) []Detection {
	profile, ok := bp.Lookup(principal)
	if !ok {
		return nil
	}
	if profile.Stale(at, bp.window) {
		return nil
	}

	var detections []Detection

	// Profile hours are learned in UTC, so the comparison is UTC too.
	hour := at.UTC().Hour()
	if len(profile.AccessHours) >= 1 && !profile.HasHour(hour) {
		detections = append(detections, Detection{
			Category:    CategoryBehavioralAnomaly,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("access at unusual hour %02d:00 for principal", hour),
			Confidence:  hourDeviationConfidence,
			Context: map[string]string{
				"factor":        "unusual_hour",
				"observed_hour": fmt.Sprintf("%d", hour),
			},
		})
	}

	if sourceAddress != "" && len(profile.SourceAddresses) >= 1 && !profile.HasAddress(sourceAddress) {
		detections = append(detections, Detection{
			Category:    CategoryBehavioralAnomaly,
			Severity:    SeverityMedium,
			Description: "query from source address not in learned baseline",
			Confidence:  addressDeviationConfidence,
			Context: map[string]string{
				"factor": "unknown_address",
			},
		})
	}

	shape := NormalizeQuery(query)
	if len(profile.QueryShapes) > minShapesForDeviation && !profile.HasShape(shape) {
		detections = append(detections, Detection{
			Category:    CategoryBehavioralAnomaly,
			Severity:    SeverityMedium,
			Description: "query shape not in learned baseline",
			Confidence:  shapeDeviationConfidence,
			Context: map[string]string{
				"factor": "unknown_shape",
			},
		})
	}

	return detections
}

// Observe folds one activity record into the principal's profile and
// persists the result. Creation is lazy: the first observation for a
// principal creates the profile. Concurrent observations for the same
// principal are serialized locally; across processes the persisted profile
// is last-write-wins, which is accepted for a best-effort baseline.
func (bp *BehaviorProfiler) Observe(ctx context.Context, record schema.ActivityRecord) error {
	if record.Principal == "" {
		return nil
	}
	at := record.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	bp.mu.Lock()
	profile, ok := bp.profiles[record.Principal]
	if !ok {
		profile = &Profile{
			Principal:     record.Principal,
			FirstObserved: at,
		}
		bp.profiles[record.Principal] = profile
	}

	hour := uint8(at.UTC().Hour())
	if !profile.HasHour(int(hour)) {
		profile.AccessHours = append(profile.AccessHours, hour)
	}
	if record.SourceAddress != "" && !profile.HasAddress(record.SourceAddress) {
		profile.SourceAddresses = appendCapped(profile.SourceAddresses, record.SourceAddress, maxTrackedAddresses)
	}
	if record.QueryShape != "" && !profile.HasShape(record.QueryShape) {
		profile.QueryShapes = appendCapped(profile.QueryShapes, record.QueryShape, maxTrackedShapes)
	}
	for _, table := range record.Tables {
		if !profile.HasTable(table) {
			profile.TablesAccessed = appendCapped(profile.TablesAccessed, table, maxTrackedTables)
		}
	}

	profile.ObservationCount++
	n := float64(profile.ObservationCount)
	profile.AvgQueryComplexity += (record.Complexity - profile.AvgQueryComplexity) / n

	hours := at.Sub(profile.FirstObserved).Hours()
	if hours < 1 {
		hours = 1
	}
	profile.AvgQueriesPerHour = n / hours
	profile.LastUpdated = at

	snapshot := *profile
	bp.mu.Unlock()

	metrics.ProfileUpdatesTotal.Inc()

	if bp.store == nil {
		return nil
	}
	if err := bp.store.SaveProfile(ctx, &snapshot); err != nil {
		bp.logger.Warn("failed to persist behavior profile",
			slog.String("principal", record.Principal),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to persist behavior profile: %w", err)
	}
	return nil
}

func appendCapped(set []string, value string, limit int) []string {
	set = append(set, value)
	if len(set) > limit {
		set = set[len(set)-limit:]
	}
	return set
}
