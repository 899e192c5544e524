package maintenance

import (
	"testing"
	"time"
)

func TestCleanupRuleValidate(t *testing.T) {
	valid := CleanupRule{Table: "audit_log", DateColumn: "timestamp", RetentionDays: 90, Action: ActionDelete}

	tests := []struct {
		name    string
		modify  func(*CleanupRule)
		wantErr bool
	}{
		{"valid delete rule", func(r *CleanupRule) {}, false},
		{"valid archive rule", func(r *CleanupRule) { r.Action = ActionArchive }, false},
		{"rule with extra predicate", func(r *CleanupRule) { r.ExtraPredicate = "success = 0" }, false},
		{"injection in table", func(r *CleanupRule) { r.Table = "audit_log; DROP TABLE x" }, true},
		{"system table", func(r *CleanupRule) { r.Table = "system.parts" }, true},
		{"injection in date column", func(r *CleanupRule) { r.DateColumn = "timestamp OR 1=1" }, true},
		{"zero retention", func(r *CleanupRule) { r.RetentionDays = 0 }, true},
		{"negative retention", func(r *CleanupRule) { r.RetentionDays = -7 }, true},
		{"unknown action", func(r *CleanupRule) { r.Action = "truncate" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid
			tt.modify(&rule)
			err := rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCleanupRuleCutoff(t *testing.T) {
	rule := CleanupRule{Table: "audit_log", DateColumn: "timestamp", RetentionDays: 90, Action: ActionDelete}

	now := time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC)
	want := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	if got := rule.Cutoff(now); !got.Equal(want) {
		t.Errorf("Cutoff() = %v, want %v", got, want)
	}
}

func TestConfigTTLPolicies(t *testing.T) {
	cfg := Config{CleanupRules: []CleanupRule{
		{Table: "audit_log", DateColumn: "timestamp", RetentionDays: 365, Action: ActionDelete},
		{Table: "threat_detections", DateColumn: "timestamp", RetentionDays: 180, Action: ActionDelete, ExtraPredicate: "severity = 'low'"},
		{Table: "security_events", DateColumn: "created_at", RetentionDays: 730, Action: ActionArchive},
	}}

	policies := cfg.TTLPolicies()
	if len(policies) != 1 {
		t.Fatalf("TTLPolicies() returned %d policies, want 1 (archive and predicated rules excluded)", len(policies))
	}
	p := policies[0]
	if p.Table != "audit_log" || p.Column != "timestamp" || p.Days != 365 {
		t.Errorf("policy = %+v", p)
	}

	if got := (Config{}).TTLPolicies(); len(got) != 0 {
		t.Errorf("empty config produced policies: %v", got)
	}
}

func TestCleanupTarget(t *testing.T) {
	qualified, predicate, err := cleanupTarget("shop", "audit_log", "timestamp", "")
	if err != nil {
		t.Fatalf("cleanupTarget() error = %v", err)
	}
	if qualified != "shop.audit_log" {
		t.Errorf("qualified = %s", qualified)
	}
	if predicate != "timestamp < ?" {
		t.Errorf("predicate = %s", predicate)
	}

	_, predicate, err = cleanupTarget("shop", "audit_log", "timestamp", "success = 0")
	if err != nil {
		t.Fatalf("cleanupTarget() with extra error = %v", err)
	}
	if predicate != "timestamp < ? AND (success = 0)" {
		t.Errorf("predicate with extra = %s", predicate)
	}

	if _, _, err := cleanupTarget("shop", "audit_log; --", "timestamp", ""); err == nil {
		t.Error("expected error for invalid table")
	}
	if _, _, err := cleanupTarget("shop", "audit_log", "timestamp; --", ""); err == nil {
		t.Error("expected error for invalid date column")
	}
}

func TestNormalizeValue(t *testing.T) {
	ts := time.Date(2025, 6, 12, 10, 30, 0, 0, time.UTC)

	if got := normalizeValue([]byte("order-1")); got != "order-1" {
		t.Errorf("[]byte = %v", got)
	}
	if got := normalizeValue(ts); got != "2025-06-12T10:30:00Z" {
		t.Errorf("time = %v", got)
	}
	if got := normalizeValue(uint64(42)); got != uint64(42) {
		t.Errorf("uint64 = %v", got)
	}
	if got := normalizeValue(nil); got != nil {
		t.Errorf("nil = %v", got)
	}
}
