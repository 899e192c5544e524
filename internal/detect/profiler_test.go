package detect

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"dbsentinel/internal/schema"
)

func freshProfile(principal string, at time.Time) Profile {
	return Profile{
		Principal:     principal,
		FirstObserved: at.Add(-24 * time.Hour),
		LastUpdated:   at.Add(-time.Hour),
	}
}

func TestEvaluateColdStart(t *testing.T) {
	bp := NewBehaviorProfiler(nil, 0, discardLogger())
	at := time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)

	got := bp.Evaluate("SELECT * FROM users UNION SELECT * FROM payments", "unknown-svc", "203.0.113.9", at)
	if len(got) != 0 {
		t.Errorf("Evaluate() returned %d detections for principal without profile, want 0", len(got))
	}
}

func TestEvaluateStaleProfileIgnored(t *testing.T) {
	bp := NewBehaviorProfiler(nil, 0, discardLogger())
	at := time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)

	p := freshProfile("svc", at)
	p.LastUpdated = at.Add(-31 * 24 * time.Hour)
	p.AccessHours = []uint8{9}
	p.SourceAddresses = []string{"10.0.0.5"}
	bp.SetProfile(p)

	if got := bp.Evaluate("SELECT 1", "svc", "203.0.113.9", at); len(got) != 0 {
		t.Errorf("Evaluate() returned %d detections for stale profile, want 0", len(got))
	}
}

func TestEvaluateHourDeviation(t *testing.T) {
	at := time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)

	t.Run("no historical hours means no hour signal", func(t *testing.T) {
		bp := NewBehaviorProfiler(nil, 0, discardLogger())
		p := freshProfile("svc", at)
		p.SourceAddresses = []string{"10.0.0.5"}
		bp.SetProfile(p)

		for _, d := range bp.Evaluate("SELECT 1", "svc", "10.0.0.5", at) {
			if d.Context["factor"] == "unusual_hour" {
				t.Error("hour deviation emitted for profile with no recorded hours")
			}
		}
	})

	t.Run("unusual hour flagged", func(t *testing.T) {
		bp := NewBehaviorProfiler(nil, 0, discardLogger())
		p := freshProfile("svc", at)
		p.AccessHours = []uint8{9, 10, 11}
		bp.SetProfile(p)

		got := bp.Evaluate("SELECT 1", "svc", "", at)
		if len(got) != 1 {
			t.Fatalf("Evaluate() returned %d detections, want 1", len(got))
		}
		d := got[0]
		if d.Category != CategoryBehavioralAnomaly || d.Severity != SeverityLow {
			t.Errorf("got category=%s severity=%s", d.Category, d.Severity)
		}
		if d.Confidence != 0.3 {
			t.Errorf("Confidence = %v, want 0.3", d.Confidence)
		}
	})

	t.Run("known hour not flagged", func(t *testing.T) {
		bp := NewBehaviorProfiler(nil, 0, discardLogger())
		p := freshProfile("svc", at)
		p.AccessHours = []uint8{3}
		bp.SetProfile(p)

		if got := bp.Evaluate("SELECT 1", "svc", "", at); len(got) != 0 {
			t.Errorf("Evaluate() returned %d detections for known hour, want 0", len(got))
		}
	})
}

func TestEvaluateAddressDeviation(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	bp := NewBehaviorProfiler(nil, 0, discardLogger())
	p := freshProfile("svc", at)
	p.AccessHours = []uint8{9}
	p.SourceAddresses = []string{"10.0.0.5", "10.0.0.6"}
	bp.SetProfile(p)

	got := bp.Evaluate("SELECT 1", "svc", "198.51.100.20", at)
	if len(got) != 1 {
		t.Fatalf("Evaluate() returned %d detections, want 1", len(got))
	}
	d := got[0]
	if d.Severity != SeverityMedium || d.Confidence != 0.5 {
		t.Errorf("got severity=%s confidence=%v, want medium/0.5", d.Severity, d.Confidence)
	}

	if got := bp.Evaluate("SELECT 1", "svc", "10.0.0.6", at); len(got) != 0 {
		t.Errorf("known address flagged: %v", got)
	}
}

func TestEvaluateShapeDeviation(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	shapes := []string{
		"select * from users where id = ?",
		"select name from users where id = ?",
		"select * from orders where user_id = ?",
		"update users set last_seen = '?' where id = ?",
		"select count(*) from sessions",
	}

	t.Run("five known shapes is still below the threshold", func(t *testing.T) {
		bp := NewBehaviorProfiler(nil, 0, discardLogger())
		p := freshProfile("svc", at)
		p.AccessHours = []uint8{9}
		p.QueryShapes = shapes
		bp.SetProfile(p)

		if got := bp.Evaluate("DELETE FROM carts WHERE abandoned = 1", "svc", "", at); len(got) != 0 {
			t.Errorf("shape deviation emitted with only 5 known shapes: %v", got)
		}
	})

	t.Run("six known shapes crosses the threshold", func(t *testing.T) {
		bp := NewBehaviorProfiler(nil, 0, discardLogger())
		p := freshProfile("svc", at)
		p.AccessHours = []uint8{9}
		p.QueryShapes = append(append([]string(nil), shapes...), "select id from carts")
		bp.SetProfile(p)

		got := bp.Evaluate("DELETE FROM carts WHERE abandoned = 1", "svc", "", at)
		if len(got) != 1 {
			t.Fatalf("Evaluate() returned %d detections, want 1", len(got))
		}
		if got[0].Confidence != 0.4 {
			t.Errorf("Confidence = %v, want 0.4", got[0].Confidence)
		}
	})

	t.Run("known shape not flagged", func(t *testing.T) {
		bp := NewBehaviorProfiler(nil, 0, discardLogger())
		p := freshProfile("svc", at)
		p.QueryShapes = append(append([]string(nil), shapes...), "select id from carts")
		bp.SetProfile(p)

		if got := bp.Evaluate("SELECT id FROM carts", "svc", "", at); len(got) != 0 {
			t.Errorf("known shape flagged: %v", got)
		}
	})
}

func TestEvaluateIdempotent(t *testing.T) {
	at := time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)
	bp := NewBehaviorProfiler(nil, 0, discardLogger())
	p := freshProfile("svc", at)
	p.AccessHours = []uint8{9}
	p.SourceAddresses = []string{"10.0.0.5"}
	bp.SetProfile(p)

	first := bp.Evaluate("SELECT * FROM users", "svc", "203.0.113.9", at)
	second := bp.Evaluate("SELECT * FROM users", "svc", "203.0.113.9", at)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated evaluation differs:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if len(first) != 2 {
		t.Errorf("expected hour and address deviations, got %d detections", len(first))
	}
}

type failingProfileStore struct {
	saved []Profile
	err   error
}

func (s *failingProfileStore) LoadProfiles(ctx context.Context) ([]Profile, error) {
	return nil, nil
}

func (s *failingProfileStore) SaveProfile(ctx context.Context, p *Profile) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, *p)
	return nil
}

func TestObserveBuildsProfile(t *testing.T) {
	store := &failingProfileStore{}
	bp := NewBehaviorProfiler(store, 0, discardLogger())
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	records := []schema.ActivityRecord{
		{Principal: "svc", SourceAddress: "10.0.0.5", Timestamp: base, QueryShape: "select * from users where id = ?", Tables: []string{"users"}, Complexity: 4},
		{Principal: "svc", SourceAddress: "10.0.0.5", Timestamp: base.Add(time.Hour), QueryShape: "select * from orders where id = ?", Tables: []string{"orders"}, Complexity: 8},
	}
	for _, r := range records {
		if err := bp.Observe(context.Background(), r); err != nil {
			t.Fatalf("Observe() error = %v", err)
		}
	}

	p, ok := bp.Lookup("svc")
	if !ok {
		t.Fatal("profile not created by Observe")
	}
	if p.ObservationCount != 2 {
		t.Errorf("ObservationCount = %d, want 2", p.ObservationCount)
	}
	if p.AvgQueryComplexity != 6 {
		t.Errorf("AvgQueryComplexity = %v, want 6", p.AvgQueryComplexity)
	}
	if !p.HasHour(9) || !p.HasHour(10) {
		t.Errorf("AccessHours = %v, want hours 9 and 10", p.AccessHours)
	}
	if !p.HasTable("users") || !p.HasTable("orders") {
		t.Errorf("TablesAccessed = %v", p.TablesAccessed)
	}
	if !p.FirstObserved.Equal(base) {
		t.Errorf("FirstObserved = %v, want %v", p.FirstObserved, base)
	}
	if !p.LastUpdated.Equal(base.Add(time.Hour)) {
		t.Errorf("LastUpdated = %v", p.LastUpdated)
	}
	// Two observations over one hour of history.
	if p.AvgQueriesPerHour != 2 {
		t.Errorf("AvgQueriesPerHour = %v, want 2", p.AvgQueriesPerHour)
	}
	if len(store.saved) != 2 {
		t.Errorf("store received %d profile versions, want 2", len(store.saved))
	}
}

func TestObservePersistFailureKeepsMemory(t *testing.T) {
	store := &failingProfileStore{err: errors.New("clickhouse down")}
	bp := NewBehaviorProfiler(store, 0, discardLogger())

	err := bp.Observe(context.Background(), schema.ActivityRecord{
		Principal:  "svc",
		Timestamp:  time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
		QueryShape: "select ?",
		Complexity: 1,
	})
	if err == nil {
		t.Fatal("Observe() returned nil, want persistence error")
	}
	if _, ok := bp.Lookup("svc"); !ok {
		t.Error("in-memory profile lost on persistence failure")
	}
}
