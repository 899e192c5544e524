package detect

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"dbsentinel/internal/storage"
)

// SignatureStore persists signatures in the threat_signatures table. The
// table is a ReplacingMergeTree keyed by id, so saving an existing id is an
// update once merges settle; reads use FINAL to see the latest version.
type SignatureStore struct {
	client *storage.ClickHouseClient
}

// NewSignatureStore creates a signature store.
func NewSignatureStore(client *storage.ClickHouseClient) *SignatureStore {
	return &SignatureStore{client: client}
}

// LoadSignatures returns every persisted signature.
func (s *SignatureStore) LoadSignatures(ctx context.Context) ([]Signature, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, category, pattern, is_regex, severity, active,
		       false_positive_rate, description
		FROM threat_signatures FINAL
		ORDER BY id`)
	if err != nil {
		return nil, storage.WrapQueryError("LoadSignatures", "threat_signatures", err)
	}
	defer rows.Close()

	var signatures []Signature
	for rows.Next() {
		var (
			sig             Signature
			category        string
			severity        string
			isRegex, active uint8
		)
		if err := rows.Scan(&sig.ID, &category, &sig.Pattern, &isRegex,
			&severity, &active, &sig.FalsePositiveRate, &sig.Description); err != nil {
			return nil, storage.WrapQueryError("LoadSignatures", "threat_signatures", err)
		}
		sig.Category = Category(category)
		sig.Severity = Severity(severity)
		sig.IsRegex = isRegex != 0
		sig.Active = active != 0
		signatures = append(signatures, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapQueryError("LoadSignatures", "threat_signatures", err)
	}
	return signatures, nil
}

// SaveSignatures inserts or updates the given signatures.
func (s *SignatureStore) SaveSignatures(ctx context.Context, signatures []Signature) error {
	if len(signatures) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx, `
		INSERT INTO threat_signatures
		(id, category, pattern, is_regex, severity, active,
		 false_positive_rate, description, updated_at)`)
	if err != nil {
		return storage.NewStorageError("SaveSignatures", "threat_signatures", err)
	}

	now := time.Now().UTC()
	for _, sig := range signatures {
		if err := batch.Append(
			sig.ID,
			string(sig.Category),
			sig.Pattern,
			boolToUInt8(sig.IsRegex),
			string(sig.Severity),
			boolToUInt8(sig.Active),
			sig.FalsePositiveRate,
			sig.Description,
			now,
		); err != nil {
			return storage.NewStorageError("SaveSignatures", "threat_signatures", err)
		}
	}
	if err := batch.Send(); err != nil {
		return storage.NewStorageError("SaveSignatures", "threat_signatures", err)
	}
	return nil
}

// ProfileStore persists behavior profiles, one versioned row per principal.
type ProfileStore struct {
	client *storage.ClickHouseClient
}

// NewProfileStore creates a profile store.
func NewProfileStore(client *storage.ClickHouseClient) *ProfileStore {
	return &ProfileStore{client: client}
}

// LoadProfiles returns every persisted profile.
func (s *ProfileStore) LoadProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.client.Query(ctx, `
		SELECT principal, query_shapes, access_hours, source_addresses,
		       tables_accessed, avg_queries_per_hour, avg_query_complexity,
		       observation_count, first_observed, last_updated
		FROM behavior_profiles FINAL`)
	if err != nil {
		return nil, storage.WrapQueryError("LoadProfiles", "behavior_profiles", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.Principal, &p.QueryShapes, &p.AccessHours,
			&p.SourceAddresses, &p.TablesAccessed, &p.AvgQueriesPerHour,
			&p.AvgQueryComplexity, &p.ObservationCount,
			&p.FirstObserved, &p.LastUpdated); err != nil {
			return nil, storage.WrapQueryError("LoadProfiles", "behavior_profiles", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapQueryError("LoadProfiles", "behavior_profiles", err)
	}
	return profiles, nil
}

// SaveProfile writes one profile version.
func (s *ProfileStore) SaveProfile(ctx context.Context, p *Profile) error {
	batch, err := s.client.PrepareBatch(ctx, `
		INSERT INTO behavior_profiles
		(principal, query_shapes, access_hours, source_addresses,
		 tables_accessed, avg_queries_per_hour, avg_query_complexity,
		 observation_count, first_observed, last_updated)`)
	if err != nil {
		return storage.NewStorageError("SaveProfile", "behavior_profiles", err)
	}

	if err := batch.Append(
		p.Principal,
		emptyIfNil(p.QueryShapes),
		emptyUint8IfNil(p.AccessHours),
		emptyIfNil(p.SourceAddresses),
		emptyIfNil(p.TablesAccessed),
		p.AvgQueriesPerHour,
		p.AvgQueryComplexity,
		p.ObservationCount,
		p.FirstObserved,
		p.LastUpdated,
	); err != nil {
		return storage.NewStorageError("SaveProfile", "behavior_profiles", err)
	}
	if err := batch.Send(); err != nil {
		return storage.NewStorageError("SaveProfile", "behavior_profiles", err)
	}
	return nil
}

// DetectionStore persists finished detections. Detection rows are written
// once, after the responder has decided the outcome, and never updated.
type DetectionStore struct {
	client *storage.ClickHouseClient
}

// NewDetectionStore creates a detection store.
func NewDetectionStore(client *storage.ClickHouseClient) *DetectionStore {
	return &DetectionStore{client: client}
}

// SaveDetections writes the given detections in one batch.
func (s *DetectionStore) SaveDetections(ctx context.Context, detections []Detection) error {
	if len(detections) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx, `
		INSERT INTO threat_detections
		(id, timestamp, category, severity, principal, source_address,
		 query_hash, description, confidence_score, raw_query,
		 matched_signature_ids, context, is_blocked, response_action)`)
	if err != nil {
		return storage.NewStorageError("SaveDetections", "threat_detections", err)
	}

	for _, d := range detections {
		contextJSON := "{}"
		if len(d.Context) > 0 {
			if data, err := json.Marshal(d.Context); err == nil {
				contextJSON = string(data)
			}
		}
		if err := batch.Append(
			d.ID,
			d.Timestamp,
			string(d.Category),
			string(d.Severity),
			d.Principal,
			d.SourceAddress,
			d.QueryHash,
			d.Description,
			d.Confidence,
			d.RawQuery,
			emptyIfNil(d.MatchedSignatureIDs),
			contextJSON,
			boolToUInt8(d.Blocked),
			d.ResponseAction,
		); err != nil {
			return storage.NewStorageError("SaveDetections", "threat_detections", err)
		}
	}
	if err := batch.Send(); err != nil {
		return storage.NewStorageError("SaveDetections", "threat_detections", err)
	}
	return nil
}

// RecentDetections returns detections since the given time, newest first.
// principal narrows the result when non-empty.
func (s *DetectionStore) RecentDetections(ctx context.Context, principal string, since time.Time, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, timestamp, category, severity, principal, source_address,
		       query_hash, description, confidence_score, raw_query,
		       matched_signature_ids, context, is_blocked, response_action
		FROM threat_detections
		WHERE timestamp >= ?`
	args := []any{since}
	if principal != "" {
		query += " AND principal = ?"
		args = append(args, principal)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapQueryError("RecentDetections", "threat_detections", err)
	}
	defer rows.Close()

	var detections []Detection
	for rows.Next() {
		var (
			d           Detection
			id          uuid.UUID
			category    string
			severity    string
			contextJSON string
			blocked     uint8
		)
		if err := rows.Scan(&id, &d.Timestamp, &category, &severity,
			&d.Principal, &d.SourceAddress, &d.QueryHash, &d.Description,
			&d.Confidence, &d.RawQuery, &d.MatchedSignatureIDs,
			&contextJSON, &blocked, &d.ResponseAction); err != nil {
			return nil, storage.WrapQueryError("RecentDetections", "threat_detections", err)
		}
		d.ID = id
		d.Category = Category(category)
		d.Severity = Severity(severity)
		d.Blocked = blocked != 0
		if contextJSON != "" && contextJSON != "{}" {
			_ = json.Unmarshal([]byte(contextJSON), &d.Context)
		}
		detections = append(detections, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapQueryError("RecentDetections", "threat_detections", err)
	}
	return detections, nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyUint8IfNil(s []uint8) []uint8 {
	if s == nil {
		return []uint8{}
	}
	return s
}
