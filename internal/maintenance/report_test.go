package maintenance

import (
	"strings"
	"testing"
)

func TestComputeImprovements(t *testing.T) {
	before := []TableStat{
		fragmentedStat("shrunk", 500, 45),
		fragmentedStat("untouched", 200, 10),
		fragmentedStat("dropped", 80, 5),
	}
	after := []TableStat{
		fragmentedStat("shrunk", 320, 8),
		fragmentedStat("untouched", 200, 10),
		fragmentedStat("created", 10, 0),
	}

	got := computeImprovements(before, after)
	if len(got) != 1 {
		t.Fatalf("improvements = %d, want 1 (unchanged and unmatched tables excluded)", len(got))
	}
	imp := got[0]
	if imp.Table != "shrunk" {
		t.Errorf("table = %s", imp.Table)
	}
	if imp.SizeBeforeMB != 500 || imp.SizeAfterMB != 320 || imp.ReclaimedMB != 180 {
		t.Errorf("size delta = %+v", imp)
	}
	if imp.FragBefore != 45 || imp.FragAfter != 8 {
		t.Errorf("fragmentation delta = %+v", imp)
	}
}

func TestOverallStatus(t *testing.T) {
	r := &Report{Tasks: []TaskResult{
		{Name: "a", Status: TaskCompleted},
		{Name: "b", Status: TaskCompleted},
	}}
	if got := r.overallStatus(); got != RunCompleted {
		t.Errorf("all completed = %s", got)
	}

	r.Tasks = append(r.Tasks, TaskResult{Name: "c", Status: TaskFailed, Error: "boom"})
	if got := r.overallStatus(); got != RunCompletedWithErrors {
		t.Errorf("one failed = %s", got)
	}
}

func TestRecommendTableIssues(t *testing.T) {
	cfg := DefaultConfig() // 30% fragmentation, 100 MB size threshold

	tests := []struct {
		name string
		stat TableStat
		want []string // substrings, one per recommendation
	}{
		{
			name: "fragmented table of any size",
			stat: fragmentedStat("audit_log", 50, 45),
			want: []string{"OPTIMIZE TABLE"},
		},
		{
			name: "oversized table",
			stat: fragmentedStat("orders", 2048, 5),
			want: []string{"partitioning"},
		},
		{
			name: "fragmented and oversized",
			stat: fragmentedStat("events", 2048, 45),
			want: []string{"OPTIMIZE TABLE", "partitioning"},
		},
		{
			name: "healthy table",
			stat: fragmentedStat("sessions", 50, 5),
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recommendTableIssues([]TableStat{tt.stat}, cfg)
			if len(got) != len(tt.want) {
				t.Fatalf("recommendations = %v, want %d entries", got, len(tt.want))
			}
			for i, substr := range tt.want {
				if !strings.Contains(got[i], substr) {
					t.Errorf("recommendation[%d] = %q, want substring %q", i, got[i], substr)
				}
				if !strings.Contains(got[i], tt.stat.Table) {
					t.Errorf("recommendation[%d] = %q, should name the table", i, got[i])
				}
			}
		})
	}
}

func TestRecommendGrowth(t *testing.T) {
	trends := []TableTrend{
		{Table: "orders", CurrentSizeMB: 900, DailyGrowthMB: 150, Snapshots: 7},
		{Table: "sessions", CurrentSizeMB: 300, DailyGrowthMB: 50, Snapshots: 7},
		{Table: "boundary", CurrentSizeMB: 500, DailyGrowthMB: 100, Snapshots: 7}, // strict >
	}

	got := recommendGrowth(trends)
	if len(got) != 1 {
		t.Fatalf("recommendations = %v, want 1", got)
	}
	if !strings.Contains(got[0], "orders") || !strings.Contains(got[0], "archiving") {
		t.Errorf("recommendation = %q", got[0])
	}
}
