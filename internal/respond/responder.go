// Package respond applies automated threat response: Redis-backed principal
// and address blocks with TTL expiry, and failed-login lockout tracking.
// Redis is the authority for block state; a short-lived local mirror only
// caches positive hits.
package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"dbsentinel/internal/alerting"
	"dbsentinel/internal/audit"
	"dbsentinel/internal/cache"
	"dbsentinel/internal/detect"
	"dbsentinel/internal/metrics"
)

// Block scopes.
const (
	ScopePrincipal = "principal"
	ScopeAddress   = "address"
)

const (
	blockKeyPrefix = "block:"

	// mirrorSize bounds the local positive-hit cache.
	mirrorSize = 4096
	// maxMirrorTTL caps how stale the local mirror may be. Unblocks and
	// expirations must surface within this bound.
	maxMirrorTTL = 5 * time.Second

	eventTypeThreatResponse = "threat_response"
)

// Config controls automated blocking.
type Config struct {
	// AutoBlock enables automatic blocks; alerts are raised either way.
	AutoBlock bool `yaml:"auto_block"`
	// AutoBlockConfidence is the minimum detection confidence that counts
	// toward a block decision.
	AutoBlockConfidence float64 `yaml:"auto_block_confidence"`
	// CriticalPrincipalTTL is how long a principal stays blocked after
	// critical detections.
	CriticalPrincipalTTL time.Duration `yaml:"critical_principal_ttl"`
	// CriticalAddressTTL is how long the source address stays blocked after
	// critical detections.
	CriticalAddressTTL time.Duration `yaml:"critical_address_ttl"`
	// HighSeverityCount is how many high-severity detections in one
	// evaluation trigger an address block.
	HighSeverityCount int `yaml:"high_severity_count"`
	// HighAddressTTL is the address block duration for the high-severity path.
	HighAddressTTL time.Duration `yaml:"high_address_ttl"`
	// MirrorTTL is the local mirror entry lifetime, capped at 5s.
	MirrorTTL time.Duration `yaml:"mirror_ttl"`
}

// DefaultConfig returns the default response policy.
func DefaultConfig() Config {
	return Config{
		AutoBlock:            true,
		AutoBlockConfidence:  0.8,
		CriticalPrincipalTTL: 1 * time.Hour,
		CriticalAddressTTL:   30 * time.Minute,
		HighSeverityCount:    3,
		HighAddressTTL:       15 * time.Minute,
		MirrorTTL:            maxMirrorTTL,
	}
}

// Block describes one active block.
type Block struct {
	Scope     string        `json:"scope"`
	Target    string        `json:"target"`
	Reason    string        `json:"reason"`
	BlockedAt time.Time     `json:"blocked_at"`
	ExpiresIn time.Duration `json:"-"`
}

// EventRaiser raises security events for response actions. Satisfied by
// *alerting.Manager.
type EventRaiser interface {
	Raise(ctx context.Context, e alerting.Event) (*alerting.Event, error)
}

// Responder implements detect.Responder on Redis block state.
type Responder struct {
	config Config
	cache  cache.Client
	mirror *expirable.LRU[string, struct{}]
	audit  *audit.Logger
	events EventRaiser
	logger *slog.Logger
}

// NewResponder creates a responder. The audit logger and event raiser may
// be nil; blocking still works without them.
func NewResponder(cfg Config, cacheClient cache.Client, auditLog *audit.Logger, events EventRaiser, logger *slog.Logger) *Responder {
	def := DefaultConfig()
	if cfg.AutoBlockConfidence <= 0 || cfg.AutoBlockConfidence > 1 {
		cfg.AutoBlockConfidence = def.AutoBlockConfidence
	}
	if cfg.CriticalPrincipalTTL <= 0 {
		cfg.CriticalPrincipalTTL = def.CriticalPrincipalTTL
	}
	if cfg.CriticalAddressTTL <= 0 {
		cfg.CriticalAddressTTL = def.CriticalAddressTTL
	}
	if cfg.HighSeverityCount <= 0 {
		cfg.HighSeverityCount = def.HighSeverityCount
	}
	if cfg.HighAddressTTL <= 0 {
		cfg.HighAddressTTL = def.HighAddressTTL
	}
	if cfg.MirrorTTL <= 0 || cfg.MirrorTTL > maxMirrorTTL {
		cfg.MirrorTTL = maxMirrorTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		config: cfg,
		cache:  cacheClient,
		mirror: expirable.NewLRU[string, struct{}](mirrorSize, nil, cfg.MirrorTTL),
		audit:  auditLog,
		events: events,
		logger: logger,
	}
}

// Respond applies the blocking policy to one evaluation's detections:
// critical detections block the principal and its source address and raise
// an immediate alert; several high-severity detections block the address.
// Every detection counts toward the severity paths and their alerts; the
// confidence threshold gates only the block actions themselves.
func (r *Responder) Respond(ctx context.Context, detections []detect.Detection, principal, sourceAddress string) detect.ResponseDecision {
	var decision detect.ResponseDecision
	if len(detections) == 0 {
		return decision
	}

	criticals, highs := 0, 0
	confidentCriticals, confidentHighs := 0, 0
	for _, d := range detections {
		switch d.Severity {
		case detect.SeverityCritical:
			criticals++
			if d.Confidence >= r.config.AutoBlockConfidence {
				confidentCriticals++
			}
		case detect.SeverityHigh:
			highs++
			if d.Confidence >= r.config.AutoBlockConfidence {
				confidentHighs++
			}
		}
	}

	switch {
	case criticals > 0:
		reason := fmt.Sprintf("%d critical threat detection(s)", criticals)
		if r.config.AutoBlock && confidentCriticals > 0 && principal != "" {
			if err := r.block(ctx, ScopePrincipal, principal, reason, r.config.CriticalPrincipalTTL, "auto"); err != nil {
				r.logger.Error("failed to block principal",
					slog.String("principal", principal),
					slog.String("error", err.Error()))
			} else {
				decision.PrincipalBlocked = true
			}
		}
		if r.config.AutoBlock && confidentCriticals > 0 && sourceAddress != "" {
			if err := r.block(ctx, ScopeAddress, sourceAddress, reason, r.config.CriticalAddressTTL, "auto"); err != nil {
				r.logger.Error("failed to block address",
					slog.String("address", sourceAddress),
					slog.String("error", err.Error()))
			} else {
				decision.AddressBlocked = true
			}
		}
		decision.Action = blockAction(decision)
		decision.Alerted = r.raiseEvent(ctx, detect.SeverityCritical, principal, sourceAddress, detections, decision, reason)

	case highs >= r.config.HighSeverityCount:
		reason := fmt.Sprintf("%d high severity detections", highs)
		if r.config.AutoBlock && confidentHighs >= r.config.HighSeverityCount && sourceAddress != "" {
			if err := r.block(ctx, ScopeAddress, sourceAddress, reason, r.config.HighAddressTTL, "auto"); err != nil {
				r.logger.Error("failed to block address",
					slog.String("address", sourceAddress),
					slog.String("error", err.Error()))
			} else {
				decision.AddressBlocked = true
			}
		}
		decision.Action = blockAction(decision)
		decision.Alerted = r.raiseEvent(ctx, detect.SeverityHigh, principal, sourceAddress, detections, decision, reason)

	default:
		decision.Action = "logged"
	}

	return decision
}

func blockAction(d detect.ResponseDecision) string {
	switch {
	case d.PrincipalBlocked:
		return "block_principal"
	case d.AddressBlocked:
		return "block_address"
	default:
		return "alert_only"
	}
}

// raiseEvent reports the response as a security event and reports whether
// an alert actually went out.
func (r *Responder) raiseEvent(ctx context.Context, severity detect.Severity, principal, sourceAddress string, detections []detect.Detection, decision detect.ResponseDecision, reason string) bool {
	if r.events == nil {
		return false
	}

	categories := make([]string, 0, 2)
	seen := make(map[detect.Category]bool)
	for _, d := range detections {
		if !seen[d.Category] {
			seen[d.Category] = true
			categories = append(categories, string(d.Category))
		}
	}
	sort.Strings(categories)

	evt, err := r.events.Raise(ctx, alerting.Event{
		EventType:     eventTypeThreatResponse,
		Severity:      severity,
		Principal:     principal,
		SourceAddress: sourceAddress,
		Description:   fmt.Sprintf("automated response (%s) after %s", decision.Action, reason),
		Details: map[string]string{
			"action":          decision.Action,
			"detection_count": strconv.Itoa(len(detections)),
			"categories":      strings.Join(categories, ","),
		},
	})
	if err != nil {
		r.logger.Warn("failed to raise response event",
			slog.String("principal", principal),
			slog.String("error", err.Error()))
		return false
	}
	return evt != nil
}

// BlockPrincipal blocks a principal for the given duration. A zero ttl uses
// the critical-path default.
func (r *Responder) BlockPrincipal(ctx context.Context, principal, reason string, ttl time.Duration) error {
	if principal == "" {
		return fmt.Errorf("principal is required")
	}
	if ttl <= 0 {
		ttl = r.config.CriticalPrincipalTTL
	}
	return r.block(ctx, ScopePrincipal, principal, reason, ttl, "manual")
}

// BlockAddress blocks a source address for the given duration.
func (r *Responder) BlockAddress(ctx context.Context, address, reason string, ttl time.Duration) error {
	if address == "" {
		return fmt.Errorf("address is required")
	}
	if ttl <= 0 {
		ttl = r.config.CriticalAddressTTL
	}
	return r.block(ctx, ScopeAddress, address, reason, ttl, "manual")
}

func (r *Responder) block(ctx context.Context, scope, target, reason string, ttl time.Duration, origin string) error {
	rec := Block{
		Scope:     scope,
		Target:    target,
		Reason:    reason,
		BlockedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal block record: %w", err)
	}

	key := blockKey(scope, target)
	if err := r.cache.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("failed to store %s block: %w", scope, err)
	}
	r.mirror.Add(key, struct{}{})

	metrics.BlocksTotal.WithLabelValues(scope, origin).Inc()
	r.auditBlock(ctx, scope, target, true, map[string]string{
		"reason":      reason,
		"ttl_seconds": strconv.Itoa(int(ttl.Seconds())),
		"origin":      origin,
	})

	r.logger.Warn("blocked",
		slog.String("scope", scope),
		slog.String("target", target),
		slog.String("reason", reason),
		slog.Duration("ttl", ttl))

	return nil
}

// UnblockPrincipal lifts a principal block before its TTL expires.
func (r *Responder) UnblockPrincipal(ctx context.Context, principal, actor string) error {
	return r.unblock(ctx, ScopePrincipal, principal, actor)
}

// UnblockAddress lifts an address block before its TTL expires.
func (r *Responder) UnblockAddress(ctx context.Context, address, actor string) error {
	return r.unblock(ctx, ScopeAddress, address, actor)
}

func (r *Responder) unblock(ctx context.Context, scope, target, actor string) error {
	key := blockKey(scope, target)
	if err := r.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to remove %s block: %w", scope, err)
	}
	r.mirror.Remove(key)

	r.auditBlock(ctx, scope, target, false, map[string]string{"actor": actor})

	r.logger.Info("unblocked",
		slog.String("scope", scope),
		slog.String("target", target),
		slog.String("actor", actor))

	return nil
}

func (r *Responder) auditBlock(ctx context.Context, scope, target string, blocked bool, extra map[string]string) {
	if r.audit == nil {
		return
	}

	var eventType audit.EventType
	entry := audit.Entry{Success: true, Extra: extra}
	switch scope {
	case ScopePrincipal:
		entry.Principal = target
		if blocked {
			eventType = audit.EventPrincipalBlocked
		} else {
			eventType = audit.EventPrincipalUnblocked
		}
	case ScopeAddress:
		entry.SourceAddress = target
		if blocked {
			eventType = audit.EventAddressBlocked
		} else {
			eventType = audit.EventAddressUnblocked
		}
	}
	entry.EventType = eventType

	if err := r.audit.Log(ctx, entry); err != nil {
		r.logger.Warn("failed to audit block change",
			slog.String("scope", scope),
			slog.String("target", target),
			slog.String("error", err.Error()))
	}
}

// IsPrincipalBlocked reports whether the principal is currently blocked.
func (r *Responder) IsPrincipalBlocked(ctx context.Context, principal string) bool {
	return r.isBlocked(ctx, blockKey(ScopePrincipal, principal))
}

// IsAddressBlocked reports whether the address is currently blocked.
func (r *Responder) IsAddressBlocked(ctx context.Context, address string) bool {
	return r.isBlocked(ctx, blockKey(ScopeAddress, address))
}

// isBlocked consults the local mirror for positive hits only; absence is
// always answered by Redis. A Redis failure is treated as unblocked rather
// than rejecting all traffic on a cache outage.
func (r *Responder) isBlocked(ctx context.Context, key string) bool {
	if _, ok := r.mirror.Get(key); ok {
		return true
	}

	n, err := r.cache.Exists(ctx, key)
	if err != nil {
		r.logger.Warn("block lookup failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return false
	}
	if n > 0 {
		r.mirror.Add(key, struct{}{})
		return true
	}
	return false
}

// ActiveBlocks lists all current blocks with their remaining TTLs.
func (r *Responder) ActiveBlocks(ctx context.Context) ([]Block, error) {
	keys, err := r.cache.Keys(ctx, blockKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}

	blocks := make([]Block, 0, len(keys))
	for _, key := range keys {
		data, err := r.cache.Get(ctx, key)
		if err != nil {
			if errors.Is(err, cache.ErrKeyNotFound) {
				continue // expired between Keys and Get
			}
			return nil, fmt.Errorf("failed to read block %s: %w", key, err)
		}

		var b Block
		if err := json.Unmarshal(data, &b); err != nil {
			r.logger.Warn("skipping malformed block record",
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}
		if ttl, err := r.cache.TTL(ctx, key); err == nil {
			b.ExpiresIn = ttl
		}
		blocks = append(blocks, b)
	}

	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Scope != blocks[j].Scope {
			return blocks[i].Scope < blocks[j].Scope
		}
		return blocks[i].Target < blocks[j].Target
	})

	return blocks, nil
}

func blockKey(scope, target string) string {
	return blockKeyPrefix + scope + ":" + target
}
