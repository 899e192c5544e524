package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"dbsentinel/internal/audit"
	"dbsentinel/internal/metrics"
	"dbsentinel/internal/storage"
)

// Cleanup rule actions.
const (
	ActionDelete  = "delete"
	ActionArchive = "archive"
)

// CleanupRule maps one table to a retention policy. Archive rules export
// matching rows to object storage before deleting them; the delete never
// runs if the export fails.
type CleanupRule struct {
	Table         string `yaml:"table"`
	DateColumn    string `yaml:"date_column"`
	RetentionDays int    `yaml:"retention_days"`
	Action        string `yaml:"type"`

	// ExtraPredicate narrows the rule with additional SQL. It comes from
	// operator configuration, not callers, and is appended as written.
	ExtraPredicate string `yaml:"extra_predicate,omitempty"`
}

// Validate rejects malformed rules before any SQL is built from them.
func (r CleanupRule) Validate() error {
	if !storage.ValidIdentifier(r.Table) {
		return fmt.Errorf("cleanup rule: invalid table name %q", r.Table)
	}
	if !storage.ValidIdentifier(r.DateColumn) {
		return fmt.Errorf("cleanup rule for %s: invalid date column %q", r.Table, r.DateColumn)
	}
	if r.RetentionDays < 1 {
		return fmt.Errorf("cleanup rule for %s: retention_days must be at least 1", r.Table)
	}
	if r.Action != ActionDelete && r.Action != ActionArchive {
		return fmt.Errorf("cleanup rule for %s: action must be %q or %q", r.Table, ActionDelete, ActionArchive)
	}
	return nil
}

// Cutoff returns the timestamp before which rows fall under the rule.
func (r CleanupRule) Cutoff(now time.Time) time.Time {
	return now.UTC().AddDate(0, 0, -r.RetentionDays)
}

// TTLPolicies maps cleanup rules onto native table TTLs, applied once at
// startup as a backstop between scheduled runs. Only plain delete rules
// translate: an archive rule expiring through a TTL would drop rows without
// exporting them, and a predicated rule's extra SQL stays in the scheduler
// path where it is counted and audited.
func (c Config) TTLPolicies() []storage.TTLPolicy {
	var policies []storage.TTLPolicy
	for _, rule := range c.CleanupRules {
		if rule.Action != ActionDelete || rule.ExtraPredicate != "" {
			continue
		}
		policies = append(policies, storage.TTLPolicy{
			Table:  rule.Table,
			Column: rule.DateColumn,
			Days:   rule.RetentionDays,
		})
	}
	return policies
}

// applyCleanupRule runs one retention rule. Dry runs compute the matching
// row count and change nothing.
func (s *Scheduler) applyCleanupRule(ctx context.Context, database string, rule CleanupRule, dryRun bool) (uint64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}

	cutoff := rule.Cutoff(time.Now())
	count, err := s.store.CountRows(ctx, database, rule.Table, rule.DateColumn, cutoff, rule.ExtraPredicate)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if dryRun {
		s.logger.Info("cleanup dry run",
			slog.String("database", database),
			slog.String("table", rule.Table),
			slog.String("action", rule.Action),
			slog.Uint64("rows", count),
			slog.Time("cutoff", cutoff))
		return count, nil
	}

	if rule.Action == ActionArchive {
		if err := s.archiveRows(ctx, database, rule, cutoff); err != nil {
			return 0, err
		}
	}

	if err := s.store.DeleteRows(ctx, database, rule.Table, rule.DateColumn, cutoff, rule.ExtraPredicate); err != nil {
		return 0, err
	}

	metrics.RowsCleanedTotal.WithLabelValues(rule.Table, rule.Action).Add(float64(count))
	s.auditCleanup(ctx, audit.EventCleanupDelete, database, rule, count, cutoff, nil)
	s.logger.Info("cleanup applied",
		slog.String("database", database),
		slog.String("table", rule.Table),
		slog.String("action", rule.Action),
		slog.Uint64("rows", count),
		slog.Time("cutoff", cutoff))
	return count, nil
}

// archiveRows exports the rows a rule is about to delete. An export
// failure leaves the rows in place.
func (s *Scheduler) archiveRows(ctx context.Context, database string, rule CleanupRule, cutoff time.Time) error {
	if s.archiver == nil {
		return errors.New("archive rule requires an archiver")
	}

	rows, err := s.store.FetchRows(ctx, database, rule.Table, rule.DateColumn, cutoff, rule.ExtraPredicate)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	manifest, err := s.archiver.ArchiveRows(ctx, database, rule.Table, cutoff, rows)
	if err != nil {
		return fmt.Errorf("archive failed, rows retained: %w", err)
	}

	extra := map[string]string{}
	if manifest != nil {
		extra["archive_id"] = manifest.ID
	}
	s.auditCleanup(ctx, audit.EventCleanupArchive, database, rule, uint64(len(rows)), cutoff, extra)
	return nil
}

func (s *Scheduler) auditCleanup(ctx context.Context, eventType audit.EventType, database string, rule CleanupRule, rows uint64, cutoff time.Time, extra map[string]string) {
	if s.audit == nil {
		return
	}
	if extra == nil {
		extra = map[string]string{}
	}
	extra["cutoff"] = cutoff.Format(time.RFC3339)
	extra["retention_days"] = strconv.Itoa(rule.RetentionDays)

	if err := s.audit.Log(ctx, audit.Entry{
		EventType:     eventType,
		Database:      database,
		Table:         rule.Table,
		Operation:     rule.Action,
		AffectedCount: rows,
		Success:       true,
		Extra:         extra,
	}); err != nil {
		s.logger.Warn("failed to audit cleanup",
			slog.String("table", rule.Table),
			slog.String("error", err.Error()))
	}
}
