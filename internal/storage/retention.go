package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// TTLPolicy asks ClickHouse to expire rows natively: once applied, rows
// older than Days fall out during merges with no scheduler involvement.
type TTLPolicy struct {
	Table  string
	Column string
	Days   int
}

// RetentionManager applies native TTL policies to tables. It runs after
// migrations, so the tables it alters normally exist.
type RetentionManager struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewRetentionManager creates a retention manager.
func NewRetentionManager(client *ClickHouseClient, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, logger: logger}
}

// ApplyTTLs applies each policy in order. A failed ALTER is logged and
// skipped so one missing table cannot stop startup; an invalid identifier
// is a configuration bug and fails the whole call.
func (r *RetentionManager) ApplyTTLs(ctx context.Context, policies []TTLPolicy) error {
	for _, p := range policies {
		stmt, err := ttlStatement(p)
		if err != nil {
			return err
		}
		if stmt == "" {
			continue
		}

		if err := r.client.Exec(ctx, stmt); err != nil {
			r.logger.Warn("failed to apply TTL policy",
				slog.String("table", p.Table),
				slog.Int("ttl_days", p.Days),
				slog.String("error", err.Error()))
			continue
		}

		r.logger.Info("retention policy applied",
			slog.String("table", p.Table),
			slog.Int("ttl_days", p.Days))
	}
	return nil
}

// ttlStatement builds the ALTER for one policy. An empty statement means
// the policy is disabled. The date columns are DateTime64, so the TTL
// expression converts to DateTime first.
func ttlStatement(p TTLPolicy) (string, error) {
	if p.Days < 1 {
		return "", nil
	}
	table, err := SanitizeIdentifier(p.Table)
	if err != nil {
		return "", err
	}
	column, err := SanitizeIdentifier(p.Column)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		table, column, p.Days,
	), nil
}
