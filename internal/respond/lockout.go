package respond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"dbsentinel/internal/alerting"
	"dbsentinel/internal/audit"
	"dbsentinel/internal/cache"
	"dbsentinel/internal/detect"
	"dbsentinel/internal/metrics"
)

const (
	failedLoginKeyPrefix = "failed_login:"
	lockoutKeyPrefix     = "lockout:"

	eventTypeLoginLockout = "login_lockout"
)

// LockoutConfig controls failed-login tracking.
type LockoutConfig struct {
	// MaxFailedLogins is how many failures within the window lock the account.
	MaxFailedLogins int `yaml:"max_failed_logins"`
	// LockoutDuration is both the failure-counting window and how long the
	// lockout lasts once triggered.
	LockoutDuration time.Duration `yaml:"lockout_duration"`
}

// DefaultLockoutConfig returns the default lockout policy.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxFailedLogins: 5,
		LockoutDuration: time.Hour,
	}
}

// LockoutGuard tracks failed logins on the shared cache, so the count holds
// across processes. Counters are keyed by principal and source address
// together; the lockout itself is principal-scoped, so once any pair
// reaches the threshold the account is rejected from every address.
type LockoutGuard struct {
	config LockoutConfig
	cache  cache.Client
	audit  *audit.Logger
	events EventRaiser
	logger *slog.Logger
}

// NewLockoutGuard creates a lockout guard. Audit and events may be nil.
func NewLockoutGuard(cfg LockoutConfig, cacheClient cache.Client, auditLog *audit.Logger, events EventRaiser, logger *slog.Logger) *LockoutGuard {
	def := DefaultLockoutConfig()
	if cfg.MaxFailedLogins <= 0 {
		cfg.MaxFailedLogins = def.MaxFailedLogins
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockoutGuard{
		config: cfg,
		cache:  cacheClient,
		audit:  auditLog,
		events: events,
		logger: logger,
	}
}

// RecordFailure counts one failed login and reports whether the principal
// is now locked out. The increment is atomic on the shared cache, so
// concurrent failures across processes cannot slip past the threshold.
func (g *LockoutGuard) RecordFailure(ctx context.Context, principal, sourceAddress string) (bool, error) {
	if principal == "" {
		return false, fmt.Errorf("principal is required")
	}

	locked, err := g.IsLockedOut(ctx, principal)
	if err != nil {
		return false, err
	}
	if locked {
		g.auditFailure(ctx, principal, sourceAddress, 0, true)
		return true, nil
	}

	count, err := g.cache.IncrWithTTL(ctx, failedLoginKey(principal, sourceAddress), g.config.LockoutDuration)
	if err != nil {
		return false, fmt.Errorf("failed to count login failure: %w", err)
	}

	lockedNow := count >= int64(g.config.MaxFailedLogins)
	g.auditFailure(ctx, principal, sourceAddress, count, lockedNow)

	if !lockedNow {
		return false, nil
	}

	if err := g.cache.Set(ctx, lockoutKeyPrefix+principal, []byte(sourceAddress), g.config.LockoutDuration); err != nil {
		return false, fmt.Errorf("failed to store lockout: %w", err)
	}

	metrics.LockoutsTotal.Inc()

	if g.audit != nil {
		entry := audit.Entry{
			EventType:     audit.EventAccountLockout,
			Principal:     principal,
			SourceAddress: sourceAddress,
			Success:       true,
			Extra: map[string]string{
				"failures":        strconv.FormatInt(count, 10),
				"lockout_seconds": strconv.Itoa(int(g.config.LockoutDuration.Seconds())),
			},
		}
		if err := g.audit.Log(ctx, entry); err != nil {
			g.logger.Warn("failed to audit lockout",
				slog.String("principal", principal),
				slog.String("error", err.Error()))
		}
	}

	if g.events != nil {
		_, err := g.events.Raise(ctx, alerting.Event{
			EventType:     eventTypeLoginLockout,
			Severity:      detect.SeverityHigh,
			Principal:     principal,
			SourceAddress: sourceAddress,
			Description:   fmt.Sprintf("account locked after %d failed logins", count),
			Details: map[string]string{
				"failures":        strconv.FormatInt(count, 10),
				"lockout_seconds": strconv.Itoa(int(g.config.LockoutDuration.Seconds())),
			},
		})
		if err != nil {
			g.logger.Warn("failed to raise lockout event",
				slog.String("principal", principal),
				slog.String("error", err.Error()))
		}
	}

	g.logger.Warn("account locked out",
		slog.String("principal", principal),
		slog.String("source_address", sourceAddress),
		slog.Int64("failures", count))

	return true, nil
}

func (g *LockoutGuard) auditFailure(ctx context.Context, principal, sourceAddress string, count int64, locked bool) {
	if g.audit == nil {
		return
	}
	entry := audit.Entry{
		EventType:     audit.EventLoginFailed,
		Principal:     principal,
		SourceAddress: sourceAddress,
		Success:       false,
		Extra: map[string]string{
			"failures": strconv.FormatInt(count, 10),
			"locked":   strconv.FormatBool(locked),
		},
	}
	if err := g.audit.Log(ctx, entry); err != nil {
		g.logger.Warn("failed to audit login failure",
			slog.String("principal", principal),
			slog.String("error", err.Error()))
	}
}

// IsLockedOut reports whether the principal is currently locked out.
func (g *LockoutGuard) IsLockedOut(ctx context.Context, principal string) (bool, error) {
	n, err := g.cache.Exists(ctx, lockoutKeyPrefix+principal)
	if err != nil {
		return false, fmt.Errorf("failed to check lockout: %w", err)
	}
	return n > 0, nil
}

// FailureCount returns the pair's current failure count inside the window.
func (g *LockoutGuard) FailureCount(ctx context.Context, principal, sourceAddress string) (int64, error) {
	data, err := g.cache.Get(ctx, failedLoginKey(principal, sourceAddress))
	if err != nil {
		if errors.Is(err, cache.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read failure count: %w", err)
	}
	count, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed failure count: %w", err)
	}
	return count, nil
}

// Reset clears any lockout and every per-address failure counter for the
// principal, for use after a successful login or an operator override.
func (g *LockoutGuard) Reset(ctx context.Context, principal string) error {
	counters, err := g.cache.Keys(ctx, failedLoginKeyPrefix+principal+":*")
	if err != nil {
		return fmt.Errorf("failed to list failure counters: %w", err)
	}
	if err := g.cache.Delete(ctx, append(counters, lockoutKeyPrefix+principal)...); err != nil {
		return fmt.Errorf("failed to reset lockout state: %w", err)
	}
	g.logger.Info("lockout state reset", slog.String("principal", principal))
	return nil
}

// failedLoginKey scopes the counter to one (principal, address) pair, so an
// attacker rotating addresses earns a fresh window per address while a
// single noisy pair cannot be diluted across the fleet.
func failedLoginKey(principal, sourceAddress string) string {
	return failedLoginKeyPrefix + principal + ":" + sourceAddress
}
