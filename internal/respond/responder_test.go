package respond

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dbsentinel/internal/alerting"
	"dbsentinel/internal/cache"
	"dbsentinel/internal/detect"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEvents records raised security events.
type fakeEvents struct {
	mu     sync.Mutex
	raised []alerting.Event
	fail   error
}

func (f *fakeEvents) Raise(_ context.Context, e alerting.Event) (*alerting.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.raised = append(f.raised, e)
	return &e, nil
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raised)
}

func criticalDetection(confidence float64) detect.Detection {
	return detect.Detection{
		Category:    detect.CategoryPrivilegeEscalation,
		Severity:    detect.SeverityCritical,
		Description: "GRANT statement detected",
		Confidence:  confidence,
	}
}

func highDetection(confidence float64) detect.Detection {
	return detect.Detection{
		Category:    detect.CategorySQLInjection,
		Severity:    detect.SeverityHigh,
		Description: "union select detected",
		Confidence:  confidence,
	}
}

func TestRespondCriticalBlocksPrincipalAndAddress(t *testing.T) {
	mock := cache.NewMockClient()
	events := &fakeEvents{}
	r := NewResponder(Config{AutoBlock: true}, mock, nil, events, testLogger())
	ctx := context.Background()

	decision := r.Respond(ctx, []detect.Detection{criticalDetection(0.95)}, "shop_api", "10.1.4.88")

	if !decision.PrincipalBlocked || !decision.AddressBlocked {
		t.Fatalf("decision = %+v, want principal and address blocked", decision)
	}
	if decision.Action != "block_principal" {
		t.Errorf("action = %q, want block_principal", decision.Action)
	}
	if !decision.Alerted {
		t.Error("critical response should raise an alert")
	}

	if !r.IsPrincipalBlocked(ctx, "shop_api") {
		t.Error("principal not blocked")
	}
	if !r.IsAddressBlocked(ctx, "10.1.4.88") {
		t.Error("address not blocked")
	}

	if events.count() != 1 {
		t.Fatalf("events raised = %d, want 1", events.count())
	}
	evt := events.raised[0]
	if evt.Severity != detect.SeverityCritical {
		t.Errorf("event severity = %s, want critical", evt.Severity)
	}
	if evt.EventType != "threat_response" {
		t.Errorf("event type = %q, want threat_response", evt.EventType)
	}
	if evt.Details["action"] != "block_principal" {
		t.Errorf("event action = %q, want block_principal", evt.Details["action"])
	}
	if evt.Details["detection_count"] != "1" {
		t.Errorf("event detection_count = %q, want 1", evt.Details["detection_count"])
	}
}

func TestRespondConfidenceGatesBlocksNotAlerts(t *testing.T) {
	mock := cache.NewMockClient()
	events := &fakeEvents{}
	r := NewResponder(Config{AutoBlock: true, AutoBlockConfidence: 0.8}, mock, nil, events, testLogger())
	ctx := context.Background()

	// A critical from a noisy signature sits below the auto-block
	// threshold: it must still alert, just without blocking anything.
	decision := r.Respond(ctx, []detect.Detection{criticalDetection(0.5)}, "shop_api", "10.1.4.88")

	if decision.PrincipalBlocked || decision.AddressBlocked {
		t.Errorf("decision = %+v, want no blocks below the confidence threshold", decision)
	}
	if decision.Action != "alert_only" {
		t.Errorf("action = %q, want alert_only", decision.Action)
	}
	if !decision.Alerted {
		t.Error("critical detections must alert regardless of confidence")
	}
	if r.IsPrincipalBlocked(ctx, "shop_api") {
		t.Error("principal blocked despite low confidence")
	}
	if events.count() != 1 {
		t.Fatalf("events raised = %d, want 1", events.count())
	}
	if events.raised[0].Severity != detect.SeverityCritical {
		t.Errorf("event severity = %s, want critical", events.raised[0].Severity)
	}
}

func TestRespondMixedConfidenceCriticalsStillBlock(t *testing.T) {
	mock := cache.NewMockClient()
	events := &fakeEvents{}
	r := NewResponder(Config{AutoBlock: true, AutoBlockConfidence: 0.8}, mock, nil, events, testLogger())
	ctx := context.Background()

	mixed := []detect.Detection{criticalDetection(0.5), criticalDetection(0.9)}
	decision := r.Respond(ctx, mixed, "shop_api", "10.1.4.88")

	if !decision.PrincipalBlocked || !decision.AddressBlocked {
		t.Fatalf("decision = %+v, want blocks from the confident critical", decision)
	}
	if !decision.Alerted {
		t.Error("mixed criticals should alert")
	}
}

func TestRespondHighSeverityVolume(t *testing.T) {
	mock := cache.NewMockClient()
	events := &fakeEvents{}
	r := NewResponder(Config{AutoBlock: true, HighSeverityCount: 3}, mock, nil, events, testLogger())
	ctx := context.Background()

	two := []detect.Detection{highDetection(0.9), highDetection(0.9)}
	decision := r.Respond(ctx, two, "shop_api", "10.1.4.88")
	if decision.AddressBlocked || decision.Action != "logged" {
		t.Errorf("decision = %+v, want logged below the high severity threshold", decision)
	}

	three := []detect.Detection{highDetection(0.9), highDetection(0.9), highDetection(0.95)}
	decision = r.Respond(ctx, three, "shop_api", "10.1.4.88")
	if !decision.AddressBlocked {
		t.Fatal("address not blocked at the high severity threshold")
	}
	if decision.PrincipalBlocked {
		t.Error("high severity path should not block the principal")
	}
	if decision.Action != "block_address" {
		t.Errorf("action = %q, want block_address", decision.Action)
	}
	if !r.IsAddressBlocked(ctx, "10.1.4.88") {
		t.Error("address not blocked in cache")
	}
	if r.IsPrincipalBlocked(ctx, "shop_api") {
		t.Error("principal blocked in cache")
	}
}

func TestRespondHighVolumeBelowConfidenceAlertsWithoutBlock(t *testing.T) {
	mock := cache.NewMockClient()
	events := &fakeEvents{}
	r := NewResponder(Config{AutoBlock: true, HighSeverityCount: 3, AutoBlockConfidence: 0.8}, mock, nil, events, testLogger())
	ctx := context.Background()

	three := []detect.Detection{highDetection(0.5), highDetection(0.5), highDetection(0.5)}
	decision := r.Respond(ctx, three, "shop_api", "10.1.4.88")

	if decision.AddressBlocked {
		t.Error("low confidence highs should not block the address")
	}
	if decision.Action != "alert_only" {
		t.Errorf("action = %q, want alert_only", decision.Action)
	}
	if !decision.Alerted || events.count() != 1 {
		t.Errorf("alerted = %v, events = %d, want one alert", decision.Alerted, events.count())
	}
}

func TestRespondAutoBlockDisabled(t *testing.T) {
	mock := cache.NewMockClient()
	events := &fakeEvents{}
	r := NewResponder(Config{AutoBlock: false}, mock, nil, events, testLogger())
	ctx := context.Background()

	decision := r.Respond(ctx, []detect.Detection{criticalDetection(0.95)}, "shop_api", "10.1.4.88")

	if decision.PrincipalBlocked || decision.AddressBlocked {
		t.Errorf("decision = %+v, want no blocks with auto block disabled", decision)
	}
	if decision.Action != "alert_only" {
		t.Errorf("action = %q, want alert_only", decision.Action)
	}
	if !decision.Alerted {
		t.Error("critical detections should still alert")
	}
	if r.IsPrincipalBlocked(ctx, "shop_api") {
		t.Error("principal blocked despite auto block disabled")
	}
}

func TestRespondEmptyDetections(t *testing.T) {
	r := NewResponder(Config{}, cache.NewMockClient(), nil, nil, testLogger())

	decision := r.Respond(context.Background(), nil, "shop_api", "10.1.4.88")
	if decision != (detect.ResponseDecision{}) {
		t.Errorf("decision = %+v, want zero value", decision)
	}
}

func TestBlockExpires(t *testing.T) {
	mock := cache.NewMockClient()
	r := NewResponder(Config{MirrorTTL: 10 * time.Millisecond}, mock, nil, nil, testLogger())
	ctx := context.Background()

	if err := r.BlockAddress(ctx, "10.1.4.88", "test block", 30*time.Millisecond); err != nil {
		t.Fatalf("BlockAddress() error = %v", err)
	}
	if !r.IsAddressBlocked(ctx, "10.1.4.88") {
		t.Fatal("address not blocked")
	}

	time.Sleep(100 * time.Millisecond)

	if r.IsAddressBlocked(ctx, "10.1.4.88") {
		t.Error("block survived its TTL")
	}
}

func TestUnblockClearsMirrorImmediately(t *testing.T) {
	mock := cache.NewMockClient()
	r := NewResponder(Config{}, mock, nil, nil, testLogger())
	ctx := context.Background()

	if err := r.BlockPrincipal(ctx, "shop_api", "test block", time.Hour); err != nil {
		t.Fatalf("BlockPrincipal() error = %v", err)
	}
	if !r.IsPrincipalBlocked(ctx, "shop_api") {
		t.Fatal("principal not blocked")
	}

	if err := r.UnblockPrincipal(ctx, "shop_api", "operator"); err != nil {
		t.Fatalf("UnblockPrincipal() error = %v", err)
	}

	// The default mirror TTL is five seconds; unblock must not wait it out.
	if r.IsPrincipalBlocked(ctx, "shop_api") {
		t.Error("principal still blocked after unblock")
	}
}

func TestActiveBlocks(t *testing.T) {
	mock := cache.NewMockClient()
	r := NewResponder(Config{}, mock, nil, nil, testLogger())
	ctx := context.Background()

	if err := r.BlockPrincipal(ctx, "shop_api", "critical detections", time.Hour); err != nil {
		t.Fatalf("BlockPrincipal() error = %v", err)
	}
	if err := r.BlockPrincipal(ctx, "analytics_ro", "manual review", time.Hour); err != nil {
		t.Fatalf("BlockPrincipal() error = %v", err)
	}
	if err := r.BlockAddress(ctx, "10.1.4.88", "critical detections", time.Hour); err != nil {
		t.Fatalf("BlockAddress() error = %v", err)
	}

	blocks, err := r.ActiveBlocks(ctx)
	if err != nil {
		t.Fatalf("ActiveBlocks() error = %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}

	// Sorted by scope, then target.
	if blocks[0].Scope != ScopeAddress || blocks[0].Target != "10.1.4.88" {
		t.Errorf("blocks[0] = %+v, want the address block first", blocks[0])
	}
	if blocks[1].Target != "analytics_ro" || blocks[2].Target != "shop_api" {
		t.Errorf("principal blocks out of order: %q, %q", blocks[1].Target, blocks[2].Target)
	}
	for _, b := range blocks {
		if b.Reason == "" {
			t.Errorf("block %s/%s missing reason", b.Scope, b.Target)
		}
		if b.ExpiresIn <= 0 {
			t.Errorf("block %s/%s missing TTL", b.Scope, b.Target)
		}
		if b.BlockedAt.IsZero() {
			t.Errorf("block %s/%s missing timestamp", b.Scope, b.Target)
		}
	}
}

func TestIsBlockedCacheFailureFailsOpen(t *testing.T) {
	mock := cache.NewMockClient()
	r := NewResponder(Config{}, mock, nil, nil, testLogger())

	mock.FailNext = errors.New("connection refused")
	if r.IsPrincipalBlocked(context.Background(), "shop_api") {
		t.Error("cache failure should not report blocked")
	}
}

func TestBlockRequiresTarget(t *testing.T) {
	r := NewResponder(Config{}, cache.NewMockClient(), nil, nil, testLogger())
	ctx := context.Background()

	if err := r.BlockPrincipal(ctx, "", "reason", time.Hour); err == nil {
		t.Error("expected error for empty principal")
	}
	if err := r.BlockAddress(ctx, "", "reason", time.Hour); err == nil {
		t.Error("expected error for empty address")
	}
}
