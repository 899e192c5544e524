package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QuarantineEntry is one query event that failed validation, held for
// operator review. QueryExcerpt is masked and truncated by the caller; raw
// query text never reaches this table.
type QuarantineEntry struct {
	ID            uuid.UUID
	QuarantinedAt time.Time
	Principal     string
	SourceAddress string
	Database      string
	QueryExcerpt  string
	Reasons       []string
}

// QuarantineStore persists rejected events in the query_quarantine table.
// Rows age out through the table's TTL; there is no delete path.
type QuarantineStore struct {
	client *ClickHouseClient
}

// NewQuarantineStore creates a quarantine store.
func NewQuarantineStore(client *ClickHouseClient) *QuarantineStore {
	return &QuarantineStore{client: client}
}

// Write stores one entry. A zero ID or timestamp is filled in here.
func (qs *QuarantineStore) Write(ctx context.Context, entry QuarantineEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.QuarantinedAt.IsZero() {
		entry.QuarantinedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO query_quarantine
		(id, quarantined_at, principal, source_address, database_name,
		 query_excerpt, reasons)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := qs.client.Exec(ctx, query,
		entry.ID,
		entry.QuarantinedAt,
		entry.Principal,
		entry.SourceAddress,
		entry.Database,
		entry.QueryExcerpt,
		emptyIfNilStrings(entry.Reasons),
	)
	if err != nil {
		return NewStorageError("Write", "query_quarantine", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (qs *QuarantineStore) Recent(ctx context.Context, limit int) ([]QuarantineEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := qs.client.Query(ctx, `
		SELECT id, quarantined_at, principal, source_address, database_name,
		       query_excerpt, reasons
		FROM query_quarantine
		ORDER BY quarantined_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, WrapQueryError("Recent", "query_quarantine", err)
	}
	defer rows.Close()

	var entries []QuarantineEntry
	for rows.Next() {
		var entry QuarantineEntry
		if err := rows.Scan(&entry.ID, &entry.QuarantinedAt, &entry.Principal,
			&entry.SourceAddress, &entry.Database, &entry.QueryExcerpt,
			&entry.Reasons); err != nil {
			return nil, WrapQueryError("Recent", "query_quarantine", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Recent", "query_quarantine", err)
	}
	return entries, nil
}

// Count returns the number of quarantined events.
func (qs *QuarantineStore) Count(ctx context.Context) (uint64, error) {
	var count uint64
	row := qs.client.QueryRow(ctx, "SELECT count() FROM query_quarantine")
	if err := row.Scan(&count); err != nil {
		return 0, WrapQueryError("Count", "query_quarantine", err)
	}
	return count, nil
}

func emptyIfNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
