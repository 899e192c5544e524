package respond

import (
	"context"
	"strconv"
	"testing"
	"time"

	"dbsentinel/internal/cache"
	"dbsentinel/internal/detect"
)

func TestRecordFailureLocksAtThreshold(t *testing.T) {
	mock := cache.NewMockClient()
	events := &fakeEvents{}
	g := NewLockoutGuard(LockoutConfig{MaxFailedLogins: 3, LockoutDuration: time.Minute}, mock, nil, events, testLogger())
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		locked, err := g.RecordFailure(ctx, "shop_api", "10.1.4.88")
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if locked {
			t.Fatalf("locked after %d failures, want threshold 3", i)
		}
	}

	count, err := g.FailureCount(ctx, "shop_api", "10.1.4.88")
	if err != nil {
		t.Fatalf("FailureCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("failure count = %d, want 2", count)
	}

	locked, err := g.RecordFailure(ctx, "shop_api", "10.1.4.88")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if !locked {
		t.Fatal("third failure should lock the account")
	}

	isLocked, err := g.IsLockedOut(ctx, "shop_api")
	if err != nil {
		t.Fatalf("IsLockedOut() error = %v", err)
	}
	if !isLocked {
		t.Error("IsLockedOut() = false after lockout")
	}

	if events.count() != 1 {
		t.Fatalf("events raised = %d, want 1", events.count())
	}
	evt := events.raised[0]
	if evt.EventType != "login_lockout" {
		t.Errorf("event type = %q, want login_lockout", evt.EventType)
	}
	if evt.Severity != detect.SeverityHigh {
		t.Errorf("event severity = %s, want high", evt.Severity)
	}
	if evt.Details["failures"] != "3" {
		t.Errorf("event failures = %q, want 3", evt.Details["failures"])
	}
}

func TestRecordFailureDuringLockoutDoesNotReincrement(t *testing.T) {
	mock := cache.NewMockClient()
	g := NewLockoutGuard(LockoutConfig{MaxFailedLogins: 2, LockoutDuration: time.Minute}, mock, nil, nil, testLogger())
	ctx := context.Background()

	g.RecordFailure(ctx, "shop_api", "10.1.4.88")
	locked, _ := g.RecordFailure(ctx, "shop_api", "10.1.4.88")
	if !locked {
		t.Fatal("second failure should lock")
	}

	// Attempts while locked are rejected without touching the counter.
	locked, err := g.RecordFailure(ctx, "shop_api", "10.2.0.1")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if !locked {
		t.Error("failure during lockout should report locked")
	}

	count, _ := g.FailureCount(ctx, "shop_api", "10.1.4.88")
	if count != 2 {
		t.Errorf("failure count = %d, want 2 (unchanged during lockout)", count)
	}
}

func TestLockoutExpires(t *testing.T) {
	mock := cache.NewMockClient()
	g := NewLockoutGuard(LockoutConfig{MaxFailedLogins: 1, LockoutDuration: 40 * time.Millisecond}, mock, nil, nil, testLogger())
	ctx := context.Background()

	locked, err := g.RecordFailure(ctx, "shop_api", "10.1.4.88")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if !locked {
		t.Fatal("single failure should lock at threshold 1")
	}

	time.Sleep(100 * time.Millisecond)

	isLocked, err := g.IsLockedOut(ctx, "shop_api")
	if err != nil {
		t.Fatalf("IsLockedOut() error = %v", err)
	}
	if isLocked {
		t.Error("lockout survived its TTL")
	}

	count, err := g.FailureCount(ctx, "shop_api", "10.1.4.88")
	if err != nil {
		t.Fatalf("FailureCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("failure count = %d, want 0 after window expiry", count)
	}
}

func TestResetClearsState(t *testing.T) {
	mock := cache.NewMockClient()
	g := NewLockoutGuard(LockoutConfig{MaxFailedLogins: 2, LockoutDuration: time.Minute}, mock, nil, nil, testLogger())
	ctx := context.Background()

	g.RecordFailure(ctx, "shop_api", "10.1.4.88")
	g.RecordFailure(ctx, "shop_api", "10.1.4.88")

	if err := g.Reset(ctx, "shop_api"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	isLocked, _ := g.IsLockedOut(ctx, "shop_api")
	if isLocked {
		t.Error("still locked after reset")
	}
	count, _ := g.FailureCount(ctx, "shop_api", "10.1.4.88")
	if count != 0 {
		t.Errorf("failure count = %d, want 0 after reset", count)
	}

	// The next failure starts a fresh count.
	locked, _ := g.RecordFailure(ctx, "shop_api", "10.1.4.88")
	if locked {
		t.Error("first failure after reset should not lock")
	}
	count, _ = g.FailureCount(ctx, "shop_api", "10.1.4.88")
	if count != 1 {
		t.Errorf("failure count = %d, want 1", count)
	}
}

func TestFailuresFromDistinctAddressesDoNotPool(t *testing.T) {
	mock := cache.NewMockClient()
	g := NewLockoutGuard(LockoutConfig{MaxFailedLogins: 5, LockoutDuration: time.Minute}, mock, nil, nil, testLogger())
	ctx := context.Background()

	// One failure from each of five addresses. Counters are scoped to the
	// (principal, address) pair, so none of them reaches the threshold.
	for i := 0; i < 5; i++ {
		addr := "10.1.4." + strconv.Itoa(i+1)
		locked, err := g.RecordFailure(ctx, "shop_api", addr)
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if locked {
			t.Fatalf("locked after 1 failure from each of %d distinct addresses", i+1)
		}
	}

	isLocked, err := g.IsLockedOut(ctx, "shop_api")
	if err != nil {
		t.Fatalf("IsLockedOut() error = %v", err)
	}
	if isLocked {
		t.Error("principal locked without any pair reaching the threshold")
	}

	// Each pair keeps its own count.
	count, err := g.FailureCount(ctx, "shop_api", "10.1.4.1")
	if err != nil {
		t.Fatalf("FailureCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("pair failure count = %d, want 1", count)
	}
}

func TestResetClearsEveryAddressCounter(t *testing.T) {
	mock := cache.NewMockClient()
	g := NewLockoutGuard(LockoutConfig{MaxFailedLogins: 5, LockoutDuration: time.Minute}, mock, nil, nil, testLogger())
	ctx := context.Background()

	g.RecordFailure(ctx, "shop_api", "10.1.4.88")
	g.RecordFailure(ctx, "shop_api", "10.2.0.1")

	if err := g.Reset(ctx, "shop_api"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	for _, addr := range []string{"10.1.4.88", "10.2.0.1"} {
		count, err := g.FailureCount(ctx, "shop_api", addr)
		if err != nil {
			t.Fatalf("FailureCount(%s) error = %v", addr, err)
		}
		if count != 0 {
			t.Errorf("counter for %s = %d after reset, want 0", addr, count)
		}
	}
}

func TestRecordFailureRequiresPrincipal(t *testing.T) {
	g := NewLockoutGuard(LockoutConfig{}, cache.NewMockClient(), nil, nil, testLogger())

	if _, err := g.RecordFailure(context.Background(), "", "10.1.4.88"); err == nil {
		t.Error("expected error for empty principal")
	}
}
